// Package telemetry receives best-effort performance reports from the engine.
package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// SnapshotEvent describes a persisted snapshot.
type SnapshotEvent struct {
	DocumentID       string
	EventSequence    uint64
	UncompressedSize int
	CompressedSize   int
	CompressionRatio float64
	Duration         time.Duration
}

// ReplayEvent describes a completed replay.
type ReplayEvent struct {
	DocumentID     string
	EventsReplayed int
	SkippedEvents  int
	SnapshotUsed   bool
	Duration       time.Duration
}

// LoadEvent describes a completed load.
type LoadEvent struct {
	DocumentID     string
	FileSize       int64
	EventCount     int64
	EventsReplayed int
	SkippedEvents  int
	SnapshotUsed   bool
	Migrated       bool
	Duration       time.Duration
}

// Collector receives reports. Implementations must not block for long; a
// panicking collector is recovered by Deliver.
type Collector interface {
	SnapshotCompleted(event SnapshotEvent)
	ReplayCompleted(event ReplayEvent)
	LoadCompleted(event LoadEvent)
}

// Nop discards every report.
type Nop struct{}

func (Nop) SnapshotCompleted(SnapshotEvent) {}
func (Nop) ReplayCompleted(ReplayEvent)     {}
func (Nop) LoadCompleted(LoadEvent)         {}

type multi []Collector

// Multi fans reports out to every non-nil collector in order.
func Multi(collectors ...Collector) Collector {
	filtered := make(multi, 0, len(collectors))
	for _, collector := range collectors {
		if collector != nil {
			filtered = append(filtered, collector)
		}
	}
	return filtered
}

func (m multi) SnapshotCompleted(event SnapshotEvent) {
	for _, collector := range m {
		collector.SnapshotCompleted(event)
	}
}

func (m multi) ReplayCompleted(event ReplayEvent) {
	for _, collector := range m {
		collector.ReplayCompleted(event)
	}
}

func (m multi) LoadCompleted(event LoadEvent) {
	for _, collector := range m {
		collector.LoadCompleted(event)
	}
}

// Deliver runs report and swallows any panic so telemetry never changes the
// outcome of the reporting operation.
func Deliver(logger *zap.Logger, report string, deliver func()) {
	defer func() {
		if recovered := recover(); recovered != nil && logger != nil {
			logger.Warn("telemetry collector panicked",
				zap.String("report", report),
				zap.Any("panic", recovered))
		}
	}()
	deliver()
}
