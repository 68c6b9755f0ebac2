package engine

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/telemetry"
	"go.uber.org/zap"
)

// LoadTelemetry summarizes a load.
type LoadTelemetry struct {
	FileSize          int64
	Duration          time.Duration
	EventCount        int64
	EventsReplayed    int
	SnapshotUsed      bool
	SnapshotSequence  uint64
	SkippedEventCount int
	Migrated          bool
}

// LoadResult is a reconstructed document. State is shared between coalesced
// callers and must be treated as read-only.
type LoadResult struct {
	State     document.State
	Metadata  store.MetadataRecord
	Telemetry LoadTelemetry
	// Warnings lists events skipped during replay.
	Warnings []replay.SkippedEvent
	// Shared reports that the result came from a load started by another caller.
	Shared bool
}

// Load reconstructs documentID. Concurrent loads of one document coalesce
// into a single read and replay.
func (e *Engine) Load(ctx context.Context, documentID document.ID) (LoadResult, error) {
	value, err, shared := e.loads.Do(documentID.String(), func() (any, error) {
		return e.load(ctx, documentID)
	})
	if err != nil {
		return LoadResult{}, err
	}
	result := value.(LoadResult)
	result.Shared = shared
	return result, nil
}

func (e *Engine) load(ctx context.Context, documentID document.ID) (LoadResult, error) {
	started := e.clock()
	resume := e.pauseProducers(documentID)
	defer resume()
	lock := e.documentLock(documentID)
	lock.RLock()
	defer lock.RUnlock()

	metadata, err := e.gate(ctx, opLoad, documentID)
	if err != nil {
		return LoadResult{}, err
	}
	// Legacy documents are upgraded before replay; each snapshot payload
	// declares its own version, so mixed histories upgrade correctly.
	upgrade := &migration{}
	replayed, err := e.replayer.Replay(ctx, documentID, replay.Options{Migrate: upgrade.apply})
	if err != nil {
		return LoadResult{}, faults.Ensure(opLoad, err)
	}
	eventCount, err := e.store.Events().Count(ctx, documentID)
	if err != nil {
		return LoadResult{}, err
	}
	fileSize, err := database.FileSize(ctx, e.db)
	if err != nil {
		e.logger.Warn("database file size unavailable", zap.Error(err))
	}

	result := LoadResult{
		State:    replayed.State,
		Metadata: metadata,
		Warnings: replayed.Skipped,
		Telemetry: LoadTelemetry{
			FileSize:          fileSize,
			Duration:          e.clock().Sub(started),
			EventCount:        eventCount,
			EventsReplayed:    replayed.EventsReplayed,
			SnapshotUsed:      replayed.SnapshotUsed,
			SnapshotSequence:  replayed.SnapshotSequence,
			SkippedEventCount: len(replayed.Skipped),
			Migrated:          document.NeedsMigration(metadata.FormatVersion) || upgrade.applied,
		},
	}
	if len(result.Warnings) > 0 {
		skippedSequences := make([]uint64, 0, len(result.Warnings))
		for _, skipped := range result.Warnings {
			skippedSequences = append(skippedSequences, skipped.Sequence)
		}
		e.logger.Warn("document loaded with skipped events",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Uint64s("skipped_sequences", skippedSequences))
	}

	report := telemetry.LoadEvent{
		DocumentID:     documentID.String(),
		FileSize:       result.Telemetry.FileSize,
		EventCount:     result.Telemetry.EventCount,
		EventsReplayed: result.Telemetry.EventsReplayed,
		SkippedEvents:  result.Telemetry.SkippedEventCount,
		SnapshotUsed:   result.Telemetry.SnapshotUsed,
		Migrated:       result.Telemetry.Migrated,
		Duration:       result.Telemetry.Duration,
	}
	telemetry.Deliver(e.logger, "load", func() {
		e.collector.LoadCompleted(report)
	})
	return result, nil
}
