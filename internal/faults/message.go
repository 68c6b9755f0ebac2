package faults

import (
	"errors"
	"fmt"
)

// VersionError carries the offending format version for user-facing messages.
type VersionError struct {
	Found     int
	Supported int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("format version %d is newer than supported version %d", e.Found, e.Supported)
}

// Message renders an actionable, user-facing description of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	fault, ok := As(err)
	if !ok {
		return "the document could not be processed: " + err.Error()
	}
	switch fault.reason {
	case ReasonUnsupportedVersion:
		var versionErr *VersionError
		if errors.As(err, &versionErr) {
			return fmt.Sprintf("this file was created by a newer, incompatible version (format %d; this build supports up to %d)", versionErr.Found, versionErr.Supported)
		}
		return "this file was created by a newer, incompatible version"
	case ReasonUnsupportedSnapshotVersion:
		return "this file contains a snapshot written by a newer, incompatible version"
	case ReasonMetadataMissing:
		return "this file's internal index is missing or damaged"
	case ReasonDocumentNotFound:
		return "the requested document does not exist"
	case ReasonHistoryPruned:
		return "this point in the document's history was removed by compaction; choose a later version"
	case ReasonCRCMismatch, ReasonSizeMismatch, ReasonDecompressFailed, ReasonTruncatedHeader, ReasonUnknownCompression:
		return "this file's saved snapshot is damaged and failed its integrity check"
	case ReasonMalformedJSON, ReasonSnapshotUnreadable:
		return "this file's saved snapshot is unreadable"
	}
	switch fault.kind {
	case KindIO:
		return "the document store could not be read or written; check disk space and permissions"
	case KindCorruption:
		return "this file is damaged"
	case KindNotFound:
		return "the requested document does not exist"
	default:
		return "this file is not compatible with this version"
	}
}
