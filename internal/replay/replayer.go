// Package replay reconstructs document state from the nearest eligible
// snapshot plus the events recorded after it.
package replay

import (
	"context"
	"encoding/json"
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

const (
	opReplayerNew = "replay.new"
	opReplay      = "replay.replay"
)

var (
	// ErrHistoryPruned is the cause attached when the events needed to reach a
	// bound were compacted away together with the snapshots covering them.
	ErrHistoryPruned   = errors.New("events below the requested bound were pruned")
	errMissingStore    = errors.New("store is required")
	errMissingCodec    = errors.New("codec is required")
	errMissingRegistry = errors.New("reducer registry is required")
)

// Config wires a Replayer.
type Config struct {
	Store     *store.Store
	Codec     *codec.Codec
	Registry  *document.Registry
	Collector telemetry.Collector
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Options bound a single replay.
type Options struct {
	// MaxSequence limits replay to events at or below it; nil replays everything.
	MaxSequence *uint64
	// Migrate upgrades the raw snapshot JSON before it is decoded.
	Migrate func(payload []byte) ([]byte, error)
}

// SkippedEvent records an event that could not be applied.
type SkippedEvent struct {
	Sequence uint64
	Type     string
	Reason   string
}

// Result is the reconstructed state plus replay statistics.
type Result struct {
	State            document.State
	EventsReplayed   int
	Skipped          []SkippedEvent
	SnapshotUsed     bool
	SnapshotSequence uint64
	// LastSequence is the highest sequence read; valid when EventsReplayed+len(Skipped) > 0 or SnapshotUsed.
	LastSequence uint64
	Duration     time.Duration
}

// Replayer applies logged events through a reducer registry.
type Replayer struct {
	store     *store.Store
	codec     *codec.Codec
	registry  *document.Registry
	collector telemetry.Collector
	logger    *zap.Logger
	clock     func() time.Time
	inTx      bool
}

// New constructs a Replayer.
func New(cfg Config) (*Replayer, error) {
	if cfg.Store == nil {
		return nil, faults.IO(opReplayerNew, "missing_store", errMissingStore)
	}
	if cfg.Codec == nil {
		return nil, faults.IO(opReplayerNew, "missing_codec", errMissingCodec)
	}
	if cfg.Registry == nil {
		return nil, faults.IO(opReplayerNew, "missing_registry", errMissingRegistry)
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
	return &Replayer{
		store:     cfg.Store,
		codec:     cfg.Codec,
		registry:  cfg.Registry,
		collector: collector,
		logger:    logger,
		clock:     clock,
	}, nil
}

// WithTx returns a Replayer that reads through the enclosing transaction.
// It does not report telemetry; the caller passes results to Report once the
// transaction has committed.
func (r *Replayer) WithTx(tx *gorm.DB) *Replayer {
	clone := *r
	clone.store = r.store.WithTx(tx)
	clone.inTx = true
	return &clone
}

// Replay reconstructs the state of documentID. Snapshot failures are fatal;
// a bad event is skipped and recorded in Result.Skipped.
func (r *Replayer) Replay(ctx context.Context, documentID document.ID, options Options) (Result, error) {
	started := r.clock()
	result := Result{State: document.NewState()}

	snapshot, found, err := r.store.Snapshots().Latest(ctx, documentID, options.MaxSequence)
	if err != nil {
		return Result{}, err
	}
	fromSequence := uint64(0)
	if found {
		state, err := r.decodeSnapshot(snapshot, options.Migrate)
		if err != nil {
			r.logger.Error("snapshot unreadable",
				zap.String("document_id", documentID.String()),
				zap.Uint64("event_sequence", snapshot.Sequence),
				zap.Error(err))
			return Result{}, err
		}
		result.State = state
		result.SnapshotUsed = true
		result.SnapshotSequence = snapshot.Sequence
		result.LastSequence = snapshot.Sequence
		fromSequence = snapshot.Sequence + 1
	} else if err := r.requireHistoryHead(ctx, documentID, options.MaxSequence); err != nil {
		return Result{}, err
	}

	events, err := r.store.Events().Read(ctx, documentID, fromSequence, options.MaxSequence)
	if err != nil {
		return Result{}, err
	}
	for _, event := range events {
		result.LastSequence = event.Sequence
		next, applyErr := r.registry.Apply(result.State, event.Type, event.Payload)
		if applyErr != nil {
			result.Skipped = append(result.Skipped, SkippedEvent{
				Sequence: event.Sequence,
				Type:     event.Type,
				Reason:   applyErr.Error(),
			})
			r.logger.Warn("event skipped during replay",
				zap.String("document_id", documentID.String()),
				zap.Uint64("event_sequence", event.Sequence),
				zap.String("event_type", event.Type),
				zap.Error(applyErr))
			continue
		}
		result.State = next
		result.EventsReplayed++
	}
	result.Duration = r.clock().Sub(started)

	if !r.inTx {
		r.Report(documentID, result)
	}
	return result, nil
}

// Report hands a completed replay to the telemetry collector.
func (r *Replayer) Report(documentID document.ID, result Result) {
	report := telemetry.ReplayEvent{
		DocumentID:     documentID.String(),
		EventsReplayed: result.EventsReplayed,
		SkippedEvents:  len(result.Skipped),
		SnapshotUsed:   result.SnapshotUsed,
		Duration:       result.Duration,
	}
	telemetry.Deliver(r.logger, "replay", func() {
		r.collector.ReplayCompleted(report)
	})
}

// requireHistoryHead fails when no snapshot applies and the log no longer
// starts at sequence zero. Replaying from an empty state would then silently
// drop the pruned prefix.
func (r *Replayer) requireHistoryHead(ctx context.Context, documentID document.ID, maxSequence *uint64) error {
	head, found, err := r.store.Events().MinSequence(ctx, documentID)
	if err != nil {
		return err
	}
	if !found || head == 0 {
		return nil
	}
	fields := []zap.Field{
		zap.String("document_id", documentID.String()),
		zap.Uint64("first_sequence", head),
	}
	if maxSequence != nil {
		fields = append(fields, zap.Uint64("max_sequence", *maxSequence))
	}
	r.logger.Warn("replay bound precedes retained history", fields...)
	return faults.NotFound(opReplay, faults.ReasonHistoryPruned, ErrHistoryPruned)
}

func (r *Replayer) decodeSnapshot(snapshot store.SnapshotRecord, migrate func([]byte) ([]byte, error)) (document.State, error) {
	payload, err := r.codec.Payload(snapshot.Payload)
	if err != nil {
		return document.State{}, err
	}
	if migrate != nil {
		payload, err = migrate(payload)
		if errors.Is(err, document.ErrUnsupportedVersion) {
			return document.State{}, faults.Validation(opReplay, faults.ReasonUnsupportedVersion, err)
		}
		if err != nil {
			return document.State{}, faults.Corruption(opReplay, faults.ReasonSnapshotUnreadable, err)
		}
	}
	var state document.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return document.State{}, faults.Corruption(opReplay, faults.ReasonMalformedJSON, err)
	}
	if state.SchemaVersion == 0 {
		state.SchemaVersion = document.CurrentFormatVersion
	}
	return state, nil
}
