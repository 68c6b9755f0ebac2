package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// LogCollector writes reports to a zap logger. Reports slower than the
// threshold are logged at warn level, the rest at debug.
type LogCollector struct {
	logger    *zap.Logger
	threshold time.Duration
}

// NewLogCollector constructs a LogCollector. A zero threshold never warns.
func NewLogCollector(logger *zap.Logger, slowThreshold time.Duration) *LogCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogCollector{logger: logger, threshold: slowThreshold}
}

func (c *LogCollector) SnapshotCompleted(event SnapshotEvent) {
	c.write("snapshot completed", event.Duration,
		zap.String("document_id", event.DocumentID),
		zap.Uint64("event_sequence", event.EventSequence),
		zap.Int("uncompressed_size", event.UncompressedSize),
		zap.Int("compressed_size", event.CompressedSize),
		zap.Float64("compression_ratio", event.CompressionRatio),
		zap.Int64("duration_ms", event.Duration.Milliseconds()))
}

func (c *LogCollector) ReplayCompleted(event ReplayEvent) {
	c.write("replay completed", event.Duration,
		zap.String("document_id", event.DocumentID),
		zap.Int("events_replayed", event.EventsReplayed),
		zap.Int("skipped_events", event.SkippedEvents),
		zap.Bool("snapshot_used", event.SnapshotUsed),
		zap.Int64("duration_ms", event.Duration.Milliseconds()))
}

func (c *LogCollector) LoadCompleted(event LoadEvent) {
	c.write("load completed", event.Duration,
		zap.String("document_id", event.DocumentID),
		zap.Int64("file_size", event.FileSize),
		zap.Int64("event_count", event.EventCount),
		zap.Int("events_replayed", event.EventsReplayed),
		zap.Int("skipped_events", event.SkippedEvents),
		zap.Bool("snapshot_used", event.SnapshotUsed),
		zap.Bool("migrated", event.Migrated),
		zap.Int64("duration_ms", event.Duration.Milliseconds()))
}

func (c *LogCollector) write(message string, duration time.Duration, fields ...zap.Field) {
	if c.threshold > 0 && duration > c.threshold {
		c.logger.Warn(message+" slowly", append(fields, zap.Duration("threshold", c.threshold))...)
		return
	}
	c.logger.Debug(message, fields...)
}
