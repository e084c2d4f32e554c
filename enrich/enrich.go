// Package enrich performs batched metadata enrichment against the YouTube
// Data API: candidates are read from storage in a stable priority order,
// resolved 50 at a time, diffed against the stored rows, and committed one
// transaction per batch so a mid-run interruption never leaves a torn batch.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quarterstack/ytarchive/config"
	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/pacer"
	"github.com/quarterstack/ytarchive/report"
	"github.com/quarterstack/ytarchive/telemetry"
	"github.com/quarterstack/ytarchive/ytapi"
)

// BatchSize is fixed at the remote API's per-call ID limit.
const BatchSize = ytapi.MaxBatchIDs

// ErrLockUnavailable is returned when another process holds the enrichment
// lock. No partial work happens.
var ErrLockUnavailable = errors.New("enrichment lock unavailable")

// Kind selects an entity family for enrichment.
type Kind string

const (
	KindVideos    Kind = "videos"
	KindChannels  Kind = "channels"
	KindPlaylists Kind = "playlists"
)

// Options configures one enrichment run.
type Options struct {
	Kinds            []Kind // default: videos only
	Limit            int    // caps candidates per kind, 0 = no cap
	Priority         db.Priority
	DryRun           bool
	Verbose          bool
	IncludePlaylists bool
	Progress         report.ProgressFunc
}

// Coordinator owns one enrichment run at a time. Collaborators are passed in
// explicitly; there is no process-wide registry.
type Coordinator struct {
	Store Storage
	API   Remote
	Cfg   *config.Config
}

// Enrich runs the full enrichment pass and returns the aggregated result.
// Run-level errors (validation, lock) surface before any work begins;
// item-level errors are values in the result.
func (c *Coordinator) Enrich(ctx context.Context, opts Options) (*report.RunResult, error) {
	if opts.Priority == "" {
		opts.Priority = db.PriorityDefault
	}
	if !db.ValidPriority(opts.Priority) {
		return nil, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", opts.Limit)
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []Kind{KindVideos}
	}
	for _, k := range kinds {
		if k != KindVideos && k != KindChannels && k != KindPlaylists {
			return nil, fmt.Errorf("unknown enrichment kind %q", k)
		}
	}
	if opts.IncludePlaylists && !containsKind(kinds, KindPlaylists) {
		kinds = append(kinds, KindPlaylists)
	}
	if opts.Progress == nil {
		opts.Progress = func(string, string) {}
	}

	tok, err := c.Store.TryAcquireLock(ctx, db.EnrichLockName)
	if err != nil {
		return nil, fmt.Errorf("acquire enrichment lock: %w", err)
	}
	if tok == nil {
		return nil, ErrLockUnavailable
	}
	// Release on every exit path, including panics and cancellation; the
	// release context must outlive ctx.
	defer c.Store.ReleaseLock(context.WithoutCancel(ctx), tok)

	result := report.NewRunResult(string(opts.Priority), time.Now())
	result.DryRun = opts.DryRun
	ctx = telemetry.WithCorrelation(ctx, result.RunID)
	ctx, span := telemetry.StartSpan(ctx, "enrich", "enrich.run",
		attribute.String("priority", string(opts.Priority)),
		attribute.Bool("dry_run", opts.DryRun))
	defer span.End()

	telemetry.EnrichRuns.Inc()
	if err := c.Store.SetKV(ctx, "job_enrich_last", result.StartedAt.Format(time.RFC3339)); err != nil {
		slog.Warn("enrich bookkeeping stamp failed", slog.Any("err", err))
	}

	gov := pacer.New(c.Cfg.Delay, c.Cfg.BackoffBase, c.Cfg.BackoffCap)
	staleBefore := time.Now().Add(-c.Cfg.EnrichStaleAfter)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "enrich"))

	for _, kind := range kinds {
		if result.WasInterrupted {
			break
		}
		h := c.handlerFor(kind)
		ids, err := h.candidates(ctx, opts.Priority, staleBefore, opts.Limit)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("list %s candidates: %w", kind, err)
		}
		logger.Info("enrichment candidates selected", slog.String("kind", string(kind)), slog.Int("count", len(ids)))
		c.processKind(ctx, h, ids, opts, gov, result, logger)
	}

	result.Finish(time.Now())
	telemetry.SetSpanSuccess(span)
	return result, nil
}

// processKind slices candidates into batches of BatchSize and runs the
// per-batch protocol for each.
func (c *Coordinator) processKind(ctx context.Context, h kindHandler, ids []string, opts Options, gov *pacer.Governor, result *report.RunResult, logger *slog.Logger) {
	for start := 0; start < len(ids); start += BatchSize {
		if ctx.Err() != nil {
			result.WasInterrupted = true
			return
		}
		end := start + BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batchIDs := ids[start:end]
		result.Summary.Batches++
		interrupted := c.processBatch(ctx, h, batchIDs, opts, gov, result, logger)
		if interrupted {
			result.WasInterrupted = true
			return
		}
	}
}

// processBatch issues one remote call for up to 50 IDs, diffs each item in
// input order, and commits all staged updates as one unit.
func (c *Coordinator) processBatch(ctx context.Context, h kindHandler, ids []string, opts Options, gov *pacer.Governor, result *report.RunResult, logger *slog.Logger) (interrupted bool) {
	batchStart := time.Now()
	telemetry.EnrichBatches.Inc()
	defer func() {
		telemetry.EnrichBatchDuration.Observe(time.Since(batchStart).Seconds())
	}()

	if err := gov.Acquire(ctx); err != nil {
		return true
	}

	// One replay after a throttle; a second throttle fails the batch.
	err := c.loadBatch(ctx, h, ids, result)
	if err != nil && ytapi.IsThrottled(err) {
		d := gov.RecordThrottled()
		telemetry.RecordBackoff(d)
		logger.Warn("rate limited, backing off", slog.Duration("backoff", d))
		opts.Progress(report.BackoffSentinel, report.BackoffSentinel)
		if aerr := gov.Acquire(ctx); aerr != nil {
			return true
		}
		err = c.loadBatch(ctx, h, ids, result)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		kind := ytapi.KindOf(err)
		gov.RecordFailure()
		c.failBatch(ids, string(kind), err.Error(), opts, result)
		logger.Warn("batch remote call failed", slog.Any("err", err), slog.String("kind", string(kind)))
		return false
	}
	gov.RecordSuccess()
	telemetry.ClearBackoff()

	var batch Batch
	if !opts.DryRun {
		b, err := c.Store.BeginBatch(ctx)
		if err != nil {
			c.failBatch(ids, "commit", err.Error(), opts, result)
			return false
		}
		batch = b
		defer batch.Rollback()
	}

	outcomes := make([]report.Outcome, 0, len(ids))
	for _, id := range ids {
		o := h.outcome(ctx, batch, id)
		o.DryRun = opts.DryRun
		outcomes = append(outcomes, o)
	}

	if !opts.DryRun {
		if err := batch.Commit(); err != nil {
			telemetry.EnrichBatchesFailed.Inc()
			logger.Error("batch commit failed", slog.Any("err", err))
			c.failBatch(ids, "commit", err.Error(), opts, result)
			return false
		}
	}

	for _, o := range outcomes {
		result.Record(o, opts.Verbose)
		opts.Progress(o.ID, string(o.Kind))
	}
	result.ConsecutiveFailures = 0
	return false
}

// loadBatch issues the remote call (one quota unit) and loads the stored
// rows to diff against.
func (c *Coordinator) loadBatch(ctx context.Context, h kindHandler, ids []string, result *report.RunResult) error {
	result.Summary.QuotaUnits++
	return h.load(ctx, ids)
}

// failBatch records a failed outcome for every item of a batch and advances
// the consecutive-failure counter.
func (c *Coordinator) failBatch(ids []string, errKind, msg string, opts Options, result *report.RunResult) {
	for _, id := range ids {
		o := report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: errKind, Error: msg, DryRun: opts.DryRun}
		result.Record(o, opts.Verbose)
		opts.Progress(id, string(report.OutcomeFailed))
	}
	result.ConsecutiveFailures++
	if result.ConsecutiveFailures >= report.NetworkInstabilityThreshold {
		result.NetworkInstabilityWarning = true
	}
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}
