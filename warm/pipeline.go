package warm

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/imagecache"
	"github.com/quarterstack/ytarchive/pacer"
	"github.com/quarterstack/ytarchive/report"
	"github.com/quarterstack/ytarchive/telemetry"
	"github.com/quarterstack/ytarchive/ytapi"
)

// resolver maps a candidate to its cache key and image URL per entity kind.
type resolver interface {
	key(id string) string
	url(c db.ImageCandidate) string
}

type channelResolver struct{}

func (channelResolver) key(id string) string { return imagecache.ChannelKey(id) }

// Channels have no derivable avatar URL; an empty stored URL means no_url.
func (channelResolver) url(c db.ImageCandidate) string { return c.URL }

type videoResolver struct{ quality string }

func (r videoResolver) key(id string) string { return imagecache.VideoKey(id, r.quality) }

// A stored thumbnail URL overrides the canonical i.ytimg.com one.
func (r videoResolver) url(c db.ImageCandidate) string {
	if c.URL != "" {
		return c.URL
	}
	return ytapi.ThumbnailURL(c.ID, r.quality)
}

// processList walks candidates in order, consuming a governor slot only for
// items that actually reach the network.
func (w *Warmer) processList(ctx context.Context, cands []db.ImageCandidate, res resolver, opts Options, gov *pacer.Governor, result *report.WarmResult, logger *slog.Logger) {
	transportStreak := 0
	for _, cand := range cands {
		if opts.Limit > 0 && result.Total >= opts.Limit {
			return
		}
		if ctx.Err() != nil {
			result.WasInterrupted = true
			return
		}
		result.Total++

		url := res.url(cand)
		if url == "" {
			result.NoURL++
			opts.Progress(cand.ID, "no_url")
			continue
		}
		key := res.key(cand.ID)
		entry, err := w.Cache.Lookup(key)
		if err != nil {
			result.Failed++
			result.AddError(err.Error())
			opts.Progress(cand.ID, report.StatusFailedPrefix+"io")
			continue
		}
		if entry.State == imagecache.Present {
			result.Skipped++
			telemetry.ImagesSkipped.Inc()
			opts.Progress(cand.ID, report.StatusSkipped)
			continue
		}
		if entry.State == imagecache.Missing && !opts.Refresh {
			result.Skipped++
			telemetry.ImagesSkipped.Inc()
			opts.Progress(cand.ID, report.StatusSkipped+":missing_marker")
			continue
		}

		if err := gov.Acquire(ctx); err != nil {
			result.Total--
			result.WasInterrupted = true
			return
		}
		if opts.DryRun {
			opts.Progress(cand.ID, report.StatusDryRun)
			continue
		}

		status, interrupted := w.fetchOne(ctx, gov, key, url, cand.ID, opts, logger)
		switch {
		case interrupted:
			result.Total--
			result.WasInterrupted = true
			return
		case status == report.StatusDownloaded:
			result.Downloaded++
			transportStreak = 0
		default:
			result.Failed++
			result.AddError(cand.ID + " " + status)
			if status == report.StatusFailedPrefix+string(ytapi.KindTransport) {
				transportStreak++
				if transportStreak >= report.NetworkInstabilityThreshold {
					result.NetworkInstabilityWarning = true
				}
			} else {
				transportStreak = 0
			}
		}
		opts.Progress(cand.ID, status)
	}
}

// fetchOne downloads a single image with the retry policy: one replay after a
// throttle, up to MaxRetries on transport errors, no retry for not_found and
// content failures.
func (w *Warmer) fetchOne(ctx context.Context, gov *pacer.Governor, key, url, id string, opts Options, logger *slog.Logger) (status string, interrupted bool) {
	throttleRetried := false
	attempts := 0
	for {
		start := time.Now()
		data, err := w.Fetcher.Fetch(ctx, url)
		telemetry.ImageDownloadDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			if _, serr := w.Cache.Store(key, data); serr != nil {
				logger.Warn("cache write failed", slog.String("id", id), slog.Any("err", serr))
				telemetry.ImagesFailed.Inc()
				return report.StatusFailedPrefix + "io", false
			}
			gov.RecordSuccess()
			telemetry.ClearBackoff()
			telemetry.ImagesDownloaded.Inc()
			return report.StatusDownloaded, false
		}

		switch kind := ytapi.KindOf(err); kind {
		case ytapi.KindCancelled:
			return "", true
		case ytapi.KindNotFound, ytapi.KindContent:
			if merr := w.Cache.MarkMissing(key, string(kind)); merr != nil {
				logger.Warn("mark missing failed", slog.String("id", id), slog.Any("err", merr))
			}
			gov.RecordFailure()
			telemetry.ImagesFailed.Inc()
			return report.StatusFailedPrefix + string(kind), false
		case ytapi.KindThrottled:
			if throttleRetried {
				gov.RecordFailure()
				telemetry.ImagesFailed.Inc()
				return report.StatusFailedPrefix + string(ytapi.KindThrottled), false
			}
			throttleRetried = true
			d := gov.RecordThrottled()
			telemetry.RecordBackoff(d)
			logger.Warn("rate limited, backing off", slog.String("id", id), slog.Duration("backoff", d))
			opts.Progress(report.BackoffSentinel, report.BackoffSentinel)
			if aerr := gov.Acquire(ctx); aerr != nil {
				return "", true
			}
		default: // transport
			attempts++
			if attempts <= w.Cfg.MaxRetries {
				logger.Warn("retrying download", slog.String("id", id), slog.Int("attempt", attempts), slog.Any("err", err))
				gov.RecordFailure()
				if aerr := gov.Acquire(ctx); aerr != nil {
					return "", true
				}
				continue
			}
			if merr := w.Cache.MarkMissing(key, string(ytapi.KindTransport)); merr != nil {
				logger.Warn("mark missing failed", slog.String("id", id), slog.Any("err", merr))
			}
			telemetry.ImagesFailed.Inc()
			return report.StatusFailedPrefix + string(ytapi.KindTransport), false
		}
	}
}
