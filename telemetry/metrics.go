// Package telemetry provides Prometheus metrics, run-correlation logging
// helpers, and OpenTelemetry tracing setup. Metrics register on the default
// registry at package load.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	ImagesDownloaded    = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_images_downloaded_total", Help: "Number of cache images downloaded"})
	ImagesSkipped       = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_images_skipped_total", Help: "Number of cache images skipped (already cached)"})
	ImagesFailed        = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_images_failed_total", Help: "Number of cache image downloads failed"})
	WarmRuns            = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_warm_runs_total", Help: "Number of cache warm passes"})
	EnrichRuns          = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_enrich_runs_total", Help: "Number of enrichment runs"})
	EnrichBatches       = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_enrich_batches_total", Help: "Number of enrichment batches issued"})
	EnrichBatchesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_enrich_batches_failed_total", Help: "Number of enrichment batches that failed to commit"})
	BackoffEvents       = promauto.NewCounter(prometheus.CounterOpts{Name: "ytarchive_backoff_events_total", Help: "Number of rate-limit backoff events"})

	// Histograms (seconds)
	ImageDownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ytarchive_image_download_duration_seconds", Help: "Image download duration seconds", Buckets: prometheus.DefBuckets})
	EnrichBatchDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ytarchive_enrich_batch_duration_seconds", Help: "Enrichment batch duration seconds", Buckets: prometheus.DefBuckets})

	// Gauges
	CacheSizeGauge      = promauto.NewGauge(prometheus.GaugeOpts{Name: "ytarchive_cache_size_bytes", Help: "Total size of the image cache in bytes"})
	CurrentBackoffGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "ytarchive_backoff_seconds", Help: "Current rate-limit backoff, zero when healthy"})
)

// SetCacheSize records the image cache size after a stats walk.
func SetCacheSize(bytes int64) {
	CacheSizeGauge.Set(float64(bytes))
}

// RecordBackoff notes a backoff event and the new delay.
func RecordBackoff(d time.Duration) {
	BackoffEvents.Inc()
	CurrentBackoffGauge.Set(d.Seconds())
}

// ClearBackoff resets the backoff gauge after a successful call.
func ClearBackoff() {
	CurrentBackoffGauge.Set(0)
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the run correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute when present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
