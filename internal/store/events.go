package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opEventsAppend      = "store.events.append"
	opEventsRead        = "store.events.read"
	opEventsMaxSequence = "store.events.max_sequence"
	opEventsMinSequence = "store.events.min_sequence"
	opEventsCount       = "store.events.count"
	opEventsPrune       = "store.events.prune"
	reasonTypeRequired  = "event_type_required"
)

var errEventTypeRequired = errors.New("event type is required")

// EventLog is the append-only, per-document ordered event relation.
type EventLog struct {
	store *Store
}

// WithTx binds the log to an enclosing transaction.
func (l *EventLog) WithTx(tx *gorm.DB) *EventLog {
	return l.store.WithTx(tx).Events()
}

// Append stores one event and returns its sequence.
func (l *EventLog) Append(ctx context.Context, documentID document.ID, event NewEvent) (uint64, error) {
	sequences, err := l.AppendBatch(ctx, documentID, []NewEvent{event})
	if err != nil {
		return 0, err
	}
	return sequences[0], nil
}

// AppendBatch stores events atomically with consecutive sequences starting at
// the current maximum plus one, or zero for an empty log. The maximum is read
// inside the same transaction as the inserts.
func (l *EventLog) AppendBatch(ctx context.Context, documentID document.ID, events []NewEvent) ([]uint64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	for _, event := range events {
		if strings.TrimSpace(event.Type) == "" {
			return nil, faults.Validation(opEventsAppend, reasonTypeRequired, errEventTypeRequired)
		}
	}

	var sequences []uint64
	err := l.store.Transaction(ctx, func(tx *Store) error {
		exists, err := tx.Metadata().Exists(ctx, documentID)
		if err != nil {
			return err
		}
		if !exists {
			return faults.NotFound(opEventsAppend, faults.ReasonDocumentNotFound, ErrUnknownDocument)
		}

		maxSequence, found, err := tx.Events().MaxSequence(ctx, documentID)
		if err != nil {
			return err
		}
		next := uint64(0)
		if found {
			next = maxSequence + 1
		}

		db := tx.db.WithContext(ctx)
		assigned := make([]uint64, 0, len(events))
		for index, event := range events {
			sequence := next + uint64(index)
			model := eventModel(documentID, sequence, event, tx.nowMs())
			if err := db.Create(&model).Error; err != nil {
				return tx.ioFault(opEventsAppend, reasonInsertFailed, err,
					zap.String(fieldDocumentID, documentID.String()),
					zap.Uint64(fieldSequence, sequence))
			}
			assigned = append(assigned, sequence)
		}
		sequences = assigned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sequences, nil
}

// Read returns events with fromSequence <= sequence <= toSequence in ascending
// order. A nil toSequence reads to the end of the log.
func (l *EventLog) Read(ctx context.Context, documentID document.ID, fromSequence uint64, toSequence *uint64) ([]EventRecord, error) {
	if fromSequence > math.MaxInt64 {
		return nil, nil
	}
	query := l.store.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Where(fieldSequence+" >= ?", int64(fromSequence))
	if toSequence != nil {
		if *toSequence < fromSequence {
			return nil, nil
		}
		query = query.Where(fieldSequence+" <= ?", sequenceBound(*toSequence))
	}

	var models []Event
	if err := query.Order(orderSequenceAsc).Find(&models).Error; err != nil {
		return nil, l.store.ioFault(opEventsRead, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	records := make([]EventRecord, 0, len(models))
	for _, model := range models {
		records = append(records, eventRecordFromModel(model))
	}
	return records, nil
}

// MaxSequence returns the highest stored sequence; found is false for an empty log.
func (l *EventLog) MaxSequence(ctx context.Context, documentID document.ID) (sequence uint64, found bool, err error) {
	var maxSequence sql.NullInt64
	row := l.store.db.WithContext(ctx).
		Model(&Event{}).
		Select("MAX("+fieldSequence+")").
		Where(queryDocument, documentID.String()).
		Row()
	if err := row.Scan(&maxSequence); err != nil {
		return 0, false, l.store.ioFault(opEventsMaxSequence, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	if !maxSequence.Valid {
		return 0, false, nil
	}
	return uint64(maxSequence.Int64), true, nil
}

// MinSequence returns the lowest stored sequence. It is above zero once the
// head of the log has been pruned.
func (l *EventLog) MinSequence(ctx context.Context, documentID document.ID) (sequence uint64, found bool, err error) {
	var minSequence sql.NullInt64
	row := l.store.db.WithContext(ctx).
		Model(&Event{}).
		Select("MIN("+fieldSequence+")").
		Where(queryDocument, documentID.String()).
		Row()
	if err := row.Scan(&minSequence); err != nil {
		return 0, false, l.store.ioFault(opEventsMinSequence, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	if !minSequence.Valid {
		return 0, false, nil
	}
	return uint64(minSequence.Int64), true, nil
}

// Count returns the number of stored events for documentID.
func (l *EventLog) Count(ctx context.Context, documentID document.ID) (int64, error) {
	var count int64
	if err := l.store.db.WithContext(ctx).Model(&Event{}).Where(queryDocument, documentID.String()).Count(&count).Error; err != nil {
		return 0, l.store.ioFault(opEventsCount, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	return count, nil
}

// PruneBefore deletes events with a sequence strictly below sequence. The
// event at sequence survives, so MaxSequence and future appends are unaffected.
func (l *EventLog) PruneBefore(ctx context.Context, documentID document.ID, sequence uint64) (int64, error) {
	result := l.store.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Where(fieldSequence+" < ?", sequenceBound(sequence)).
		Delete(&Event{})
	if result.Error != nil {
		return 0, l.store.ioFault(opEventsPrune, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
	}
	return result.RowsAffected, nil
}

func eventModel(documentID document.ID, sequence uint64, event NewEvent, nowMs int64) Event {
	timestampMs := event.TimestampMs
	if timestampMs == 0 {
		timestampMs = nowMs
	}
	payload := string(event.Payload)
	if payload == "" {
		payload = "null"
	}
	return Event{
		DocumentID:         documentID.String(),
		Sequence:           int64(sequence),
		Type:               event.Type,
		Payload:            payload,
		TimestampMs:        timestampMs,
		UserID:             event.UserID,
		SessionID:          event.SessionID,
		SamplingIntervalMs: event.SamplingIntervalMs,
		UndoGroupID:        event.UndoGroupID,
		UndoGroupStart:     event.UndoGroupStart,
		UndoGroupEnd:       event.UndoGroupEnd,
	}
}
