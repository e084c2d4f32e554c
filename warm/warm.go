// Package warm drives a rate-limited pass over channel avatars and video
// thumbnails, filling the image cache and reporting structured per-item
// progress. A single pipeline is in flight per run; the remote rate limit is
// the bottleneck, so items are never fetched in parallel.
package warm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quarterstack/ytarchive/config"
	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/imagecache"
	"github.com/quarterstack/ytarchive/pacer"
	"github.com/quarterstack/ytarchive/report"
	"github.com/quarterstack/ytarchive/telemetry"
)

// Kind selects what a warm pass covers.
type Kind string

const (
	KindChannels Kind = "channels"
	KindVideos   Kind = "videos"
	KindAll      Kind = "all"
)

// CandidateSource yields the entities eligible for warming. Iteration order
// is the source's choice; the pipeline preserves it but must not depend on it.
type CandidateSource interface {
	ChannelsNeedingImages(ctx context.Context, limit int) ([]db.ImageCandidate, error)
	VideosNeedingImages(ctx context.Context, limit int) ([]db.ImageCandidate, error)
}

// ImageFetcher downloads one image; errors carry a ytapi.Kind.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// KV is the optional bookkeeping sink for last-run stamps.
type KV interface {
	SetKV(ctx context.Context, key, value string) error
}

// Options configures one warm pass.
type Options struct {
	Quality config.ThumbnailQuality // videos only; zero means the config default
	Limit   int                     // caps candidates considered, 0 = no cap
	Delay   time.Duration           // spacing between remote calls
	DryRun  bool
	// Refresh controls negative-cache behaviour: when true (the default mode)
	// keys with a .missing marker are retried; when false they count as
	// skipped.
	Refresh  bool
	Progress report.ProgressFunc
}

// Warmer wires the pipeline's collaborators. Construct one per process; each
// Warm call builds its own rate governor.
type Warmer struct {
	Source  CandidateSource
	Fetcher ImageFetcher
	Cache   *imagecache.Store
	Cfg     *config.Config
	KV      KV // optional
}

// Warm runs one pass over kind. Validation errors surface synchronously;
// per-item failures are counted in the result, never returned.
func (w *Warmer) Warm(ctx context.Context, kind Kind, opts Options) (*report.WarmResult, error) {
	quality := opts.Quality
	if quality == "" {
		quality = w.Cfg.DefaultQuality
	}
	switch {
	case kind != KindChannels && kind != KindVideos && kind != KindAll:
		return nil, fmt.Errorf("unknown warm kind %q", kind)
	case !config.ValidQuality(quality):
		return nil, fmt.Errorf("invalid thumbnail quality %q", quality)
	case opts.Limit < 0:
		return nil, fmt.Errorf("limit must be positive, got %d", opts.Limit)
	case opts.Delay < 0:
		return nil, fmt.Errorf("delay must be >= 0, got %s", opts.Delay)
	}
	if opts.Progress == nil {
		opts.Progress = func(string, string) {}
	}

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "warm", "warm.run",
		attribute.String("kind", string(kind)),
		attribute.Bool("dry_run", opts.DryRun))
	defer span.End()

	telemetry.WarmRuns.Inc()
	if w.KV != nil {
		if err := w.KV.SetKV(ctx, "job_warm_last", time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("warm bookkeeping stamp failed", slog.Any("err", err))
		}
	}

	gov := pacer.New(opts.Delay, w.Cfg.BackoffBase, w.Cfg.BackoffCap)
	result := &report.WarmResult{}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "warm"), slog.String("kind", string(kind)))

	res, err := w.run(ctx, kind, quality, opts, gov, result, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}

// run processes channels then videos; the ordering is observable when a run
// is interrupted part-way.
func (w *Warmer) run(ctx context.Context, kind Kind, quality config.ThumbnailQuality, opts Options, gov *pacer.Governor, result *report.WarmResult, logger *slog.Logger) (*report.WarmResult, error) {
	remaining := opts.Limit

	if kind == KindChannels || kind == KindAll {
		cands, err := w.Source.ChannelsNeedingImages(ctx, remaining)
		if err != nil {
			return nil, fmt.Errorf("list channel candidates: %w", err)
		}
		w.processList(ctx, cands, channelResolver{}, opts, gov, result, logger)
		if opts.Limit > 0 {
			remaining = opts.Limit - result.Total
			if remaining <= 0 && kind == KindAll {
				opts.Progress("", report.StatusLimitReached)
				return result, nil
			}
		}
	}
	if result.WasInterrupted {
		return result, nil
	}
	if kind == KindVideos || kind == KindAll {
		cands, err := w.Source.VideosNeedingImages(ctx, remaining)
		if err != nil {
			return nil, fmt.Errorf("list video candidates: %w", err)
		}
		w.processList(ctx, cands, videoResolver{quality: string(quality)}, opts, gov, result, logger)
	}
	if opts.Limit > 0 && result.Total >= opts.Limit {
		opts.Progress("", report.StatusLimitReached)
	}
	return result, nil
}
