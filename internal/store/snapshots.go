package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSnapshotsSave   = "store.snapshots.save"
	opSnapshotsLatest = "store.snapshots.latest"
	opSnapshotsList   = "store.snapshots.list"
	opSnapshotsRetain = "store.snapshots.retain"
)

// SnapshotStore persists encoded snapshots. Many rows may exist per document.
type SnapshotStore struct {
	store *Store
}

// RetainResult reports the outcome of Retain.
type RetainResult struct {
	Kept    int
	Deleted int64
	// OldestKeptSequence is the lowest sequence among kept rows; valid when Kept > 0.
	OldestKeptSequence uint64
}

// WithTx binds the store to an enclosing transaction.
func (s *SnapshotStore) WithTx(tx *gorm.DB) *SnapshotStore {
	return s.store.WithTx(tx).Snapshots()
}

// Save inserts a new snapshot row. Saving twice for one sequence creates two rows.
func (s *SnapshotStore) Save(ctx context.Context, documentID document.ID, snapshot NewSnapshot) (SnapshotRecord, error) {
	model := Snapshot{
		DocumentID:       documentID.String(),
		Sequence:         int64(snapshot.Sequence),
		Data:             snapshot.Encoded.Bytes,
		Compression:      snapshot.Encoded.Compression.String(),
		UncompressedSize: int64(snapshot.Encoded.UncompressedSize),
		CompressedSize:   int64(snapshot.Encoded.CompressedSize),
		CreatedAtMs:      s.store.nowMs(),
	}
	if err := s.store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return SnapshotRecord{}, s.store.ioFault(opSnapshotsSave, reasonInsertFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.Uint64(fieldSequence, snapshot.Sequence))
	}
	return snapshotRecordFromModel(model), nil
}

// Latest returns the snapshot with the greatest sequence not above maxSequence
// (any sequence when maxSequence is nil), preferring the newest row on ties.
func (s *SnapshotStore) Latest(ctx context.Context, documentID document.ID, maxSequence *uint64) (SnapshotRecord, bool, error) {
	query := s.store.db.WithContext(ctx).Where(queryDocument, documentID.String())
	if maxSequence != nil {
		query = query.Where(fieldSequence+" <= ?", sequenceBound(*maxSequence))
	}
	var model Snapshot
	err := query.Order(orderNewestFirst).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, s.store.ioFault(opSnapshotsLatest, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	return snapshotRecordFromModel(model), true, nil
}

// List returns the document's snapshots, newest first.
func (s *SnapshotStore) List(ctx context.Context, documentID document.ID) ([]SnapshotRecord, error) {
	var models []Snapshot
	if err := s.store.db.WithContext(ctx).Where(queryDocument, documentID.String()).Order(orderNewestFirst).Find(&models).Error; err != nil {
		return nil, s.store.ioFault(opSnapshotsList, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	records := make([]SnapshotRecord, 0, len(models))
	for _, model := range models {
		records = append(records, snapshotRecordFromModel(model))
	}
	return records, nil
}

// Retain keeps the newest keep rows for documentID and deletes the rest.
func (s *SnapshotStore) Retain(ctx context.Context, documentID document.ID, keep int) (RetainResult, error) {
	if keep < 1 {
		keep = 1
	}
	db := s.store.db.WithContext(ctx)

	var models []Snapshot
	err := db.Select("id", fieldSequence).
		Where(queryDocument, documentID.String()).
		Order(orderNewestFirst).
		Find(&models).Error
	if err != nil {
		return RetainResult{}, s.store.ioFault(opSnapshotsRetain, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	if len(models) == 0 {
		return RetainResult{}, nil
	}

	kept := models
	var doomed []int64
	if len(models) > keep {
		kept = models[:keep]
		for _, model := range models[keep:] {
			doomed = append(doomed, model.ID)
		}
	}
	result := RetainResult{Kept: len(kept), OldestKeptSequence: uint64(kept[0].Sequence)}
	for _, model := range kept {
		if uint64(model.Sequence) < result.OldestKeptSequence {
			result.OldestKeptSequence = uint64(model.Sequence)
		}
	}
	if len(doomed) == 0 {
		return result, nil
	}

	deletion := db.Where("id IN ?", doomed).Delete(&Snapshot{})
	if deletion.Error != nil {
		return RetainResult{}, s.store.ioFault(opSnapshotsRetain, reasonDeleteFailed, deletion.Error, zap.String(fieldDocumentID, documentID.String()))
	}
	result.Deleted = deletion.RowsAffected
	return result, nil
}
