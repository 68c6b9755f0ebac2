package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sketchpad"

// PrometheusCollector exports reports as Prometheus metrics.
type PrometheusCollector struct {
	snapshotsTotal      prometheus.Counter
	snapshotDuration    prometheus.Histogram
	snapshotBytes       *prometheus.CounterVec
	compressionRatio    prometheus.Histogram
	replaysTotal        *prometheus.CounterVec
	replayDuration      prometheus.Histogram
	eventsReplayedTotal prometheus.Counter
	skippedEventsTotal  prometheus.Counter
	loadsTotal          *prometheus.CounterVec
	loadDuration        prometheus.Histogram
	fileSizeBytes       prometheus.Gauge
}

// NewPrometheusCollector registers the engine metrics on registerer.
func NewPrometheusCollector(registerer prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(registerer)
	return &PrometheusCollector{
		snapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of snapshots written",
		}),
		snapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of snapshot serialization and persistence in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes_total",
			Help:      "Total snapshot bytes by representation",
		}, []string{"representation"}),
		compressionRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_compression_ratio",
			Help:      "Uncompressed to stored size ratio of written snapshots",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		replaysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Total number of replays by snapshot usage",
		}, []string{"snapshot_used"}),
		replayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Duration of event replay in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsReplayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Total number of events applied during replay",
		}),
		skippedEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_events_total",
			Help:      "Total number of events skipped during replay",
		}),
		loadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Total number of document loads by migration status",
		}, []string{"migrated"}),
		loadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Duration of document loads in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		fileSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "database_file_size_bytes",
			Help:      "Database file size observed by the most recent load",
		}),
	}
}

func (c *PrometheusCollector) SnapshotCompleted(event SnapshotEvent) {
	c.snapshotsTotal.Inc()
	c.snapshotDuration.Observe(event.Duration.Seconds())
	c.snapshotBytes.WithLabelValues("uncompressed").Add(float64(event.UncompressedSize))
	c.snapshotBytes.WithLabelValues("stored").Add(float64(event.CompressedSize))
	c.compressionRatio.Observe(event.CompressionRatio)
}

func (c *PrometheusCollector) ReplayCompleted(event ReplayEvent) {
	c.replaysTotal.WithLabelValues(strconv.FormatBool(event.SnapshotUsed)).Inc()
	c.replayDuration.Observe(event.Duration.Seconds())
	c.eventsReplayedTotal.Add(float64(event.EventsReplayed))
	c.skippedEventsTotal.Add(float64(event.SkippedEvents))
}

func (c *PrometheusCollector) LoadCompleted(event LoadEvent) {
	c.loadsTotal.WithLabelValues(strconv.FormatBool(event.Migrated)).Inc()
	c.loadDuration.Observe(event.Duration.Seconds())
	c.fileSizeBytes.Set(float64(event.FileSize))
}
