package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingCollector struct {
	Nop
	snapshots []SnapshotEvent
}

func (r *recordingCollector) SnapshotCompleted(event SnapshotEvent) {
	r.snapshots = append(r.snapshots, event)
}

type panickingCollector struct{ Nop }

func (panickingCollector) SnapshotCompleted(SnapshotEvent) {
	panic("collector exploded")
}

func TestMultiFansOutAndSkipsNil(t *testing.T) {
	first := &recordingCollector{}
	second := &recordingCollector{}
	collector := Multi(first, nil, second)

	collector.SnapshotCompleted(SnapshotEvent{DocumentID: "doc", EventSequence: 1000})

	require.Len(t, first.snapshots, 1)
	require.Len(t, second.snapshots, 1)
	assert.Equal(t, uint64(1000), second.snapshots[0].EventSequence)
}

func TestDeliverRecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	assert.NotPanics(t, func() {
		Deliver(logger, "snapshot", func() {
			panickingCollector{}.SnapshotCompleted(SnapshotEvent{})
		})
	})
	require.Equal(t, 1, logs.FilterMessage("telemetry collector panicked").Len())
}

func TestLogCollectorWarnsAboveThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	collector := NewLogCollector(zap.New(core), time.Second)

	collector.LoadCompleted(LoadEvent{DocumentID: "fast", Duration: 10 * time.Millisecond})
	collector.LoadCompleted(LoadEvent{DocumentID: "slow", Duration: 3 * time.Second})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "load completed slowly", entries[1].Message)
}

func TestPrometheusCollectorRecordsReports(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewPrometheusCollector(registry)

	collector.SnapshotCompleted(SnapshotEvent{UncompressedSize: 1000, CompressedSize: 100, CompressionRatio: 10, Duration: time.Millisecond})
	collector.ReplayCompleted(ReplayEvent{EventsReplayed: 500, SkippedEvents: 2, SnapshotUsed: true})
	collector.LoadCompleted(LoadEvent{FileSize: 4096, Migrated: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.snapshotsTotal))
	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.snapshotBytes.WithLabelValues("uncompressed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.snapshotBytes.WithLabelValues("stored")))
	assert.Equal(t, 500.0, testutil.ToFloat64(collector.eventsReplayedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.skippedEventsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.replaysTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.loadsTotal.WithLabelValues("true")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(collector.fileSizeBytes))
}
