package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SaveRequest describes one save.
type SaveRequest struct {
	DocumentID document.ID
	Title      string
	Events     []store.NewEvent
	// State is the caller's state after the last pending event. When nil,
	// snapshot states are reconstructed by replay.
	State *document.State
}

// SaveResult describes a committed save.
type SaveResult struct {
	Metadata  store.MetadataRecord
	Created   bool
	Sequences []uint64
	Snapshots []store.SnapshotRecord
	// CheckpointError is set when the post-commit durability checkpoint failed.
	// The save itself is committed.
	CheckpointError error
	Duration        time.Duration
}

// Save upserts metadata, appends the pending events and writes due snapshots
// in one transaction, then checkpoints the write-ahead log.
func (e *Engine) Save(ctx context.Context, request SaveRequest) (SaveResult, error) {
	started := e.clock()
	documentID := request.DocumentID
	if _, err := document.NewID(documentID.String()); err != nil {
		return SaveResult{}, faults.Validation(opSave, "invalid_document_id", err)
	}

	lock := e.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	var result SaveResult
	var reports pendingReports
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		persistence := e.store.WithTx(tx)

		prior, err := persistence.Metadata().Get(ctx, documentID)
		switch {
		case err == nil:
			if err := checkVersion(opSave, prior.FormatVersion); err != nil {
				return err
			}
		case errors.Is(err, faults.ErrNotFound):
		default:
			return err
		}

		metadata, created, err := persistence.Metadata().Upsert(ctx, documentID, store.MetadataUpdate{
			Title:         request.Title,
			FormatVersion: document.CurrentFormatVersion,
		})
		if err != nil {
			return err
		}
		result.Metadata = metadata
		result.Created = created

		sequences, err := persistence.Events().AppendBatch(ctx, documentID, request.Events)
		if err != nil {
			return err
		}
		result.Sequences = sequences

		reports, err = e.writeDueSnapshots(ctx, tx, documentID, sequences, request.State)
		return err
	})
	if err != nil {
		e.logger.Error("save failed",
			zap.String("operation", opSave),
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int("event_count", len(request.Events)),
			zap.Error(err))
		return SaveResult{}, faults.Ensure(opSave, err)
	}

	for _, snapshot := range reports.snapshots {
		result.Snapshots = append(result.Snapshots, snapshot.Record)
	}
	e.deliver(documentID, reports)
	result.CheckpointError = e.Checkpoint(ctx)
	result.Duration = e.clock().Sub(started)
	return result, nil
}
