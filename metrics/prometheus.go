package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the recordings service.
type Metrics struct {
	ChunksAppended *prometheus.CounterVec
	ChunkBytes     prometheus.Histogram

	Merges          *prometheus.CounterVec
	MergesInFlight  prometheus.Gauge
	StepDuration    *prometheus.HistogramVec
	MergedDurations prometheus.Histogram

	Removals *prometheus.CounterVec
	Expired  prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg. Tests pass a fresh
// registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordings_chunks_appended_total",
			Help: "Chunks accepted into staging, by outcome",
		}, []string{"outcome"}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recordings_chunk_size_bytes",
			Help:    "Size of staged chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~8MB
		}),

		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordings_merges_total",
			Help: "Merge pipeline runs, by result kind",
		}, []string{"result"}),
		MergesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "recordings_merges_in_flight",
			Help: "Merge pipelines currently running",
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordings_step_duration_seconds",
			Help:    "Time spent in each pipeline step",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"step"}),
		MergedDurations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recordings_published_audio_seconds",
			Help:    "Playable duration of published recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		Removals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordings_removals_total",
			Help: "Remove requests, by outcome",
		}, []string{"outcome"}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: "recordings_sessions_expired_total",
			Help: "Collecting sessions abandoned after going idle",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recordings_http_requests_total",
			Help: "HTTP requests, by route and status",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordings_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}
