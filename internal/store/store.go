// Package store persists metadata, events and snapshots in the embedded SQL store.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew         = "store.new"
	fieldDocumentID    = "document_id"
	fieldSequence      = "event_sequence"
	queryDocument      = fieldDocumentID + " = ?"
	orderSequenceAsc   = fieldSequence + " ASC"
	orderNewestFirst   = fieldSequence + " DESC, id DESC"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonUpdateFailed = "update_failed"
	reasonDeleteFailed = "delete_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrUnknownDocument is the cause attached to not-found faults.
	ErrUnknownDocument = errors.New("document has no metadata row")
	noOpLogger         = zap.NewNop()
)

// Config wires a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store groups the metadata, event and snapshot relations over one database handle.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	inTx   bool
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, faults.IO(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTx returns a Store whose statements run on the enclosing transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, clock: s.clock, logger: s.logger, inTx: true}
}

// Transaction runs fn inside one transaction. A Store already bound to a
// transaction runs fn on it directly.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Events returns the event log view.
func (s *Store) Events() *EventLog {
	return &EventLog{store: s}
}

// Snapshots returns the snapshot store view.
func (s *Store) Snapshots() *SnapshotStore {
	return &SnapshotStore{store: s}
}

// Metadata returns the metadata view.
func (s *Store) Metadata() *MetadataStore {
	return &MetadataStore{store: s}
}

func (s *Store) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("store operation failed", allFields...)
}

// sequenceBound maps a sequence onto the signed column range. Sequences are
// assigned from zero upward, so values past math.MaxInt64 never exist and
// clamp to the largest storable one.
func sequenceBound(sequence uint64) int64 {
	if sequence > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(sequence)
}

// ioFault logs and wraps a driver failure.
func (s *Store) ioFault(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return faults.IO(operation, reason, err)
}
