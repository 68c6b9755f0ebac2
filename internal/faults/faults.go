// Package faults categorizes persistence failures so callers can react to the
// kind of problem (bad input, damaged data, missing document, storage failure)
// without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure categories surfaced by the engine.
type Kind int

const (
	// KindIO marks an underlying store or file-system failure.
	KindIO Kind = iota
	// KindValidation marks an unsupported or incompatible format version.
	KindValidation
	// KindCorruption marks checksum mismatches, malformed payloads and missing relations.
	KindCorruption
	// KindNotFound marks an unknown document.
	KindNotFound
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCorruption:
		return "corruption"
	case KindNotFound:
		return "not_found"
	default:
		return "io"
	}
}

var (
	// ErrValidation matches every validation fault via errors.Is.
	ErrValidation = errors.New("faults: validation")
	// ErrCorruption matches every corruption fault via errors.Is.
	ErrCorruption = errors.New("faults: corruption")
	// ErrNotFound matches every not-found fault via errors.Is.
	ErrNotFound = errors.New("faults: not found")
	// ErrIO matches every storage fault via errors.Is.
	ErrIO = errors.New("faults: io")
)

// Reasons shared across packages.
const (
	ReasonUnsupportedVersion         = "unsupportedVersion"
	ReasonUnsupportedSnapshotVersion = "unsupportedSnapshotVersion"
	ReasonMetadataMissing            = "metadataMissing"
	ReasonDocumentNotFound           = "documentNotFound"
	ReasonHistoryPruned              = "historyPruned"
	ReasonCRCMismatch                = "crcMismatch"
	ReasonMalformedJSON              = "malformedJSON"
	ReasonTruncatedHeader            = "truncatedHeader"
	ReasonSizeMismatch               = "sizeMismatch"
	ReasonUnknownCompression         = "unknownCompression"
	ReasonDecompressFailed           = "decompressFailed"
	ReasonSnapshotUnreadable         = "snapshotUnreadable"
	ReasonStoreFailure               = "storeFailure"
)

// Error is a categorized engine failure.
type Error struct {
	kind      Kind
	operation string
	reason    string
	err       error
}

// New constructs a categorized error.
func New(kind Kind, operation, reason string, cause error) *Error {
	return &Error{kind: kind, operation: operation, reason: reason, err: cause}
}

// Validation constructs a validation fault.
func Validation(operation, reason string, cause error) *Error {
	return New(KindValidation, operation, reason, cause)
}

// Corruption constructs a corruption fault.
func Corruption(operation, reason string, cause error) *Error {
	return New(KindCorruption, operation, reason, cause)
}

// NotFound constructs a not-found fault.
func NotFound(operation, reason string, cause error) *Error {
	return New(KindNotFound, operation, reason, cause)
}

// IO constructs a storage fault.
func IO(operation, reason string, cause error) *Error {
	return New(KindIO, operation, reason, cause)
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Code()
	}
	return fmt.Sprintf("%s: %v", e.Code(), e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.kind)
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Reason returns the short reason, e.g. "crcMismatch".
func (e *Error) Reason() string {
	return e.reason
}

// Operation returns the operation that failed.
func (e *Error) Operation() string {
	return e.operation
}

// Code returns the "operation.reason" code.
func (e *Error) Code() string {
	if e.operation == "" {
		return e.reason
	}
	return e.operation + "." + e.reason
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindCorruption:
		return ErrCorruption
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrIO
	}
}

// As extracts the outermost categorized error from err.
func As(err error) (*Error, bool) {
	var fault *Error
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

// HasReason reports whether err carries a fault with the given reason.
func HasReason(err error, reason string) bool {
	fault, ok := As(err)
	return ok && fault.reason == reason
}

// Ensure wraps a non-categorized error as an IO fault and passes categorized errors through.
func Ensure(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return IO(operation, ReasonStoreFailure, err)
}
