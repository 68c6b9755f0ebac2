package store

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/codec"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
)

// NewEvent is an event that has not been assigned a sequence yet.
type NewEvent struct {
	Type               string
	Payload            json.RawMessage
	TimestampMs        int64
	SamplingIntervalMs *int64
	UndoGroupID        string
	UndoGroupStart     bool
	UndoGroupEnd       bool
	UserID             string
	SessionID          string
}

// EventRecord is a persisted event.
type EventRecord struct {
	DocumentID         document.ID
	Sequence           uint64
	Type               string
	Payload            json.RawMessage
	TimestampMs        int64
	SamplingIntervalMs *int64
	UndoGroupID        string
	UndoGroupStart     bool
	UndoGroupEnd       bool
	UserID             string
	SessionID          string
}

// NewSnapshot is an encoded envelope ready to be persisted.
type NewSnapshot struct {
	Sequence uint64
	Encoded  codec.Encoded
}

// SnapshotRecord is a persisted snapshot row.
type SnapshotRecord struct {
	ID               int64
	DocumentID       document.ID
	Sequence         uint64
	Payload          []byte
	Compression      codec.Compression
	UncompressedSize int64
	CompressedSize   int64
	CreatedAtMs      int64
}

// MetadataRecord is the per-document metadata row.
type MetadataRecord struct {
	DocumentID    document.ID
	Title         string
	FormatVersion int
	CreatedAtMs   int64
	ModifiedAtMs  int64
}

// MetadataUpdate carries the fields written by a save.
type MetadataUpdate struct {
	Title         string
	FormatVersion int
}

func eventRecordFromModel(model Event) EventRecord {
	return EventRecord{
		DocumentID:         document.ID(model.DocumentID),
		Sequence:           uint64(model.Sequence),
		Type:               model.Type,
		Payload:            json.RawMessage(model.Payload),
		TimestampMs:        model.TimestampMs,
		SamplingIntervalMs: model.SamplingIntervalMs,
		UndoGroupID:        model.UndoGroupID,
		UndoGroupStart:     model.UndoGroupStart,
		UndoGroupEnd:       model.UndoGroupEnd,
		UserID:             model.UserID,
		SessionID:          model.SessionID,
	}
}

func snapshotRecordFromModel(model Snapshot) SnapshotRecord {
	// Unknown names are kept as an out-of-range flag; the envelope header is authoritative on decode.
	compression, err := codec.ParseCompression(model.Compression)
	if err != nil {
		compression = codec.Compression(0xff)
	}
	return SnapshotRecord{
		ID:               model.ID,
		DocumentID:       document.ID(model.DocumentID),
		Sequence:         uint64(model.Sequence),
		Payload:          model.Data,
		Compression:      compression,
		UncompressedSize: model.UncompressedSize,
		CompressedSize:   model.CompressedSize,
		CreatedAtMs:      model.CreatedAtMs,
	}
}

func metadataRecordFromModel(model Metadata) MetadataRecord {
	return MetadataRecord{
		DocumentID:    document.ID(model.DocumentID),
		Title:         model.Title,
		FormatVersion: model.FormatVersion,
		CreatedAtMs:   model.CreatedAtMs,
		ModifiedAtMs:  model.ModifiedAtMs,
	}
}
