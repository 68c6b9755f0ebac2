package store

// Metadata is the per-document row inserted on first save and updated on every save.
type Metadata struct {
	DocumentID    string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title         string `gorm:"column:title;size:512;not null"`
	FormatVersion int    `gorm:"column:format_version;not null"`
	CreatedAtMs   int64  `gorm:"column:created_at;not null"`
	ModifiedAtMs  int64  `gorm:"column:modified_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Metadata) TableName() string {
	return "metadata"
}

// Event stores one append-only change event.
type Event struct {
	ID                 int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID         string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_events_document_sequence,priority:1"`
	Sequence           int64  `gorm:"column:event_sequence;not null;uniqueIndex:idx_events_document_sequence,priority:2"`
	Type               string `gorm:"column:event_type;size:190;not null"`
	Payload            string `gorm:"column:event_payload;type:text;not null"`
	TimestampMs        int64  `gorm:"column:timestamp;not null"`
	UserID             string `gorm:"column:user_id;size:190"`
	SessionID          string `gorm:"column:session_id;size:190"`
	SamplingIntervalMs *int64 `gorm:"column:sampling_interval_ms"`
	UndoGroupID        string `gorm:"column:undo_group_id;size:190"`
	UndoGroupStart     bool   `gorm:"column:undo_group_start;not null"`
	UndoGroupEnd       bool   `gorm:"column:undo_group_end;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// Snapshot stores one encoded state envelope. Rows are never overwritten.
type Snapshot struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_snapshots_document_sequence,priority:1"`
	Sequence         int64  `gorm:"column:event_sequence;not null;index:idx_snapshots_document_sequence,priority:2"`
	Data             []byte `gorm:"column:snapshot_data;type:blob;not null"`
	Compression      string `gorm:"column:compression;size:16;not null"`
	UncompressedSize int64  `gorm:"column:uncompressed_size;not null"`
	CompressedSize   int64  `gorm:"column:compressed_size;not null"`
	CreatedAtMs      int64  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Models lists every table owned by the store, in creation order.
func Models() []any {
	return []any{&Metadata{}, &Event{}, &Snapshot{}}
}
