// Package snapshots decides when to snapshot a document and writes snapshots
// through the codec into the snapshot store.
package snapshots

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/codec"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultFrequency is the number of events between snapshots.
const DefaultFrequency = 1000

const (
	opManagerNew      = "snapshots.new"
	opCreateSnapshot  = "snapshots.create"
	opCompact         = "snapshots.compact"
	reasonEncode      = "encode_failed"
	reasonInvalidKeep = "invalid_keep"
)

var (
	errMissingStore = errors.New("snapshot store is required")
	errMissingCodec = errors.New("codec is required")
	errInvalidKeep  = errors.New("at least one snapshot must be kept")
)

// Config wires a Manager.
type Config struct {
	Store     *store.Store
	Codec     *codec.Codec
	Frequency uint64
	Collector telemetry.Collector
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Manager owns the snapshot policy.
type Manager struct {
	store     *store.Store
	codec     *codec.Codec
	frequency uint64
	collector telemetry.Collector
	logger    *zap.Logger
	clock     func() time.Time
}

// Result describes a written snapshot.
type Result struct {
	Record   store.SnapshotRecord
	Encoded  codec.Encoded
	Duration time.Duration
}

// CompactResult describes a compaction pass.
type CompactResult struct {
	SnapshotsKept    int
	SnapshotsDeleted int64
	EventsPruned     int64
	// PrunedBefore is the sequence below which events were removed; valid when SnapshotsKept > 0.
	PrunedBefore uint64
}

// New constructs a Manager. A zero frequency selects DefaultFrequency.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, faults.IO(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.Codec == nil {
		return nil, faults.IO(opManagerNew, "missing_codec", errMissingCodec)
	}
	frequency := cfg.Frequency
	if frequency == 0 {
		frequency = DefaultFrequency
	}
	collector := cfg.Collector
	if collector == nil {
		collector = telemetry.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		store:     cfg.Store,
		codec:     cfg.Codec,
		frequency: frequency,
		collector: collector,
		logger:    logger,
		clock:     clock,
	}, nil
}

// WithTx returns a Manager whose writes join the enclosing transaction.
func (m *Manager) WithTx(tx *gorm.DB) *Manager {
	clone := *m
	clone.store = m.store.WithTx(tx)
	return &clone
}

// Frequency returns the configured snapshot interval.
func (m *Manager) Frequency() uint64 {
	return m.frequency
}

// ShouldSnapshot reports whether a snapshot is due after eventCount events.
func (m *Manager) ShouldSnapshot(eventCount uint64) bool {
	return eventCount > 0 && eventCount%m.frequency == 0
}

// CreateSnapshot encodes state, persists it at sequence and reports telemetry.
func (m *Manager) CreateSnapshot(ctx context.Context, documentID document.ID, sequence uint64, state any) (Result, error) {
	result, err := m.Write(ctx, documentID, sequence, state)
	if err != nil {
		return Result{}, err
	}
	m.Report(result)
	return result, nil
}

// Write encodes and persists without reporting, for callers that report after commit.
func (m *Manager) Write(ctx context.Context, documentID document.ID, sequence uint64, state any) (Result, error) {
	started := m.clock()
	encoded, err := m.codec.Serialize(state)
	if err != nil {
		m.logError(opCreateSnapshot, reasonEncode, err, documentID, sequence)
		return Result{}, err
	}
	record, err := m.store.Snapshots().Save(ctx, documentID, store.NewSnapshot{Sequence: sequence, Encoded: encoded})
	if err != nil {
		return Result{}, err
	}
	return Result{Record: record, Encoded: encoded, Duration: m.clock().Sub(started)}, nil
}

// Report delivers snapshot telemetry. Collector failures are logged and ignored.
func (m *Manager) Report(result Result) {
	event := telemetry.SnapshotEvent{
		DocumentID:       result.Record.DocumentID.String(),
		EventSequence:    result.Record.Sequence,
		UncompressedSize: result.Encoded.UncompressedSize,
		CompressedSize:   result.Encoded.CompressedSize,
		CompressionRatio: result.Encoded.CompressionRatio,
		Duration:         result.Duration,
	}
	telemetry.Deliver(m.logger, "snapshot", func() {
		m.collector.SnapshotCompleted(event)
	})
}

// Compact keeps the newest keep snapshots and prunes events below the oldest kept one.
func (m *Manager) Compact(ctx context.Context, documentID document.ID, keep int) (CompactResult, error) {
	if keep < 1 {
		return CompactResult{}, faults.Validation(opCompact, reasonInvalidKeep, errInvalidKeep)
	}
	var result CompactResult
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		retained, err := tx.Snapshots().Retain(ctx, documentID, keep)
		if err != nil {
			return err
		}
		result.SnapshotsKept = retained.Kept
		result.SnapshotsDeleted = retained.Deleted
		if retained.Kept == 0 {
			return nil
		}
		result.PrunedBefore = retained.OldestKeptSequence
		pruned, err := tx.Events().PruneBefore(ctx, documentID, retained.OldestKeptSequence)
		if err != nil {
			return err
		}
		result.EventsPruned = pruned
		return nil
	})
	if err != nil {
		return CompactResult{}, err
	}
	m.logger.Info("document compacted",
		zap.String("document_id", documentID.String()),
		zap.Int("snapshots_kept", result.SnapshotsKept),
		zap.Int64("snapshots_deleted", result.SnapshotsDeleted),
		zap.Int64("events_pruned", result.EventsPruned))
	return result, nil
}

func (m *Manager) logError(operation, reason string, err error, documentID document.ID, sequence uint64) {
	m.logger.Error("snapshot operation failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("document_id", documentID.String()),
		zap.Uint64("event_sequence", sequence),
		zap.Error(err))
}
