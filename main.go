// Command ytarchive maintains the local image cache and metadata of a
// personal YouTube archive. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Exposes subcommands: warm (image cache), enrich (metadata refresh),
//     cache status, cache purge.
//   - Optionally serves Prometheus metrics when METRICS_ADDR is set.
//
// Shutdown is graceful on SIGINT/SIGTERM; an interrupted run exits 130.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarterstack/ytarchive/config"
	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/enrich"
	"github.com/quarterstack/ytarchive/imagecache"
	"github.com/quarterstack/ytarchive/report"
	"github.com/quarterstack/ytarchive/telemetry"
	"github.com/quarterstack/ytarchive/warm"
	"github.com/quarterstack/ytarchive/ytapi"
)

// Exit codes. 130 mirrors shell convention for SIGINT.
const (
	exitOK          = 0
	exitPartial     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return exitUsage
	}

	shutdown, err := telemetry.InitTracing("ytarchive", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return exitPartial
	}
	defer shutdown()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go serveMetrics(addr)
	}

	if len(args) == 0 {
		usage()
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "warm":
		return runWarm(ctx, cfg, args[1:])
	case "enrich":
		return runEnrich(ctx, cfg, args[1:])
	case "cache":
		return runCache(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: ytarchive <command> [flags]

commands:
  warm [channels|videos|all]   download avatars and thumbnails into the cache
  enrich                       refresh stored metadata from the Data API
  cache status                 show cache and row counts
  cache purge [channels|videos|all]  delete cached images
`)
}

// setupLogging configures level + format from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics listener starting", slog.String("addr", addr))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics listener failed", slog.Any("err", err))
	}
}

// openStore connects, migrates (versioned first, embedded SQL fallback), and
// wraps the connection.
func openStore(ctx context.Context) (*db.Store, func(), error) {
	database, err := db.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	closeFn := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("migrate db: %w", err)
		}
	}
	return db.NewStore(database), closeFn, nil
}

func runWarm(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("warm", flag.ContinueOnError)
	quality := fs.String("quality", "", "thumbnail quality (default|mqdefault|hqdefault|sddefault|maxresdefault)")
	limit := fs.Int("limit", 0, "max candidates to consider, 0 = all")
	delay := fs.Duration("delay", cfg.Delay, "spacing between downloads")
	dryRun := fs.Bool("dry-run", false, "report what would be downloaded without fetching")
	refresh := fs.Bool("refresh", true, "retry keys previously marked missing")
	verbose := fs.Bool("verbose", false, "print one line per item")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	kind := warm.KindAll
	if fs.NArg() > 0 {
		kind = warm.Kind(fs.Arg(0))
	}

	store, closeDB, err := openStore(ctx)
	if err != nil {
		slog.Error("storage unavailable", slog.Any("err", err))
		return exitPartial
	}
	defer closeDB()

	cache, err := imagecache.New(cfg.ImagesDir())
	if err != nil {
		slog.Error("cache init failed", slog.Any("err", err))
		return exitPartial
	}

	w := &warm.Warmer{
		Source:  store,
		Fetcher: ytapi.NewImageFetcher(cfg.RequestTimeout, cfg.UserAgent),
		Cache:   cache,
		Cfg:     cfg,
		KV:      store,
	}
	res, err := w.Warm(ctx, kind, warm.Options{
		Quality:  config.ThumbnailQuality(*quality),
		Limit:    *limit,
		Delay:    *delay,
		DryRun:   *dryRun,
		Refresh:  *refresh,
		Progress: progressPrinter(*verbose),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitUsage
	}
	if st, serr := cache.Stats(); serr == nil {
		telemetry.SetCacheSize(st.TotalSizeBytes)
	}
	printWarmSummary(res)
	switch {
	case res.WasInterrupted:
		fmt.Println("interrupted by user")
		return exitInterrupted
	case res.Failed > 0:
		return exitPartial
	default:
		return exitOK
	}
}

func runEnrich(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("enrich", flag.ContinueOnError)
	priority := fs.String("priority", string(db.PriorityDefault), "candidate policy (high|all|default)")
	limit := fs.Int("limit", 0, "max candidates per kind, 0 = all")
	dryRun := fs.Bool("dry-run", false, "diff without committing")
	verbose := fs.Bool("verbose", false, "collect per-outcome ID lists and print per-item lines")
	channels := fs.Bool("channels", false, "also enrich channels")
	playlists := fs.Bool("playlists", false, "also enrich playlists")
	noReport := fs.Bool("no-report", false, "skip writing the JSON report")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, closeDB, err := openStore(ctx)
	if err != nil {
		slog.Error("storage unavailable", slog.Any("err", err))
		return exitPartial
	}
	defer closeDB()

	svc, err := ytapi.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitUsage
	}

	kinds := []enrich.Kind{enrich.KindVideos}
	if *channels {
		kinds = append(kinds, enrich.KindChannels)
	}

	c := &enrich.Coordinator{Store: enrich.DBStorage{Store: store}, API: svc, Cfg: cfg}
	res, err := c.Enrich(ctx, enrich.Options{
		Kinds:            kinds,
		Limit:            *limit,
		Priority:         db.Priority(*priority),
		DryRun:           *dryRun,
		Verbose:          *verbose,
		IncludePlaylists: *playlists,
		Progress:         progressPrinter(*verbose),
	})
	if err != nil {
		if errors.Is(err, enrich.ErrLockUnavailable) {
			fmt.Fprintln(os.Stderr, "error: another enrichment run holds the lock")
			return exitPartial
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitUsage
	}

	if !*noReport {
		if path, werr := report.Write(res, cfg.ExportsDir); werr != nil {
			slog.Warn("report write failed", slog.Any("err", werr))
		} else {
			fmt.Println("report written to", path)
		}
	}
	printEnrichSummary(res)
	switch {
	case res.WasInterrupted:
		fmt.Println("interrupted by user")
		return exitInterrupted
	case res.Summary.Failed > 0:
		return exitPartial
	default:
		return exitOK
	}
}

func runCache(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	cache, err := imagecache.New(cfg.ImagesDir())
	if err != nil {
		slog.Error("cache init failed", slog.Any("err", err))
		return exitPartial
	}

	switch args[0] {
	case "status":
		st, err := cache.Stats()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitPartial
		}
		fmt.Printf("channels: %d cached, %d missing\n", st.ChannelCount, st.ChannelMissingCount)
		fmt.Printf("videos:   %d cached, %d missing\n", st.VideoCount, st.VideoMissingCount)
		fmt.Printf("size:     %d bytes\n", st.TotalSizeBytes)
		// Row counts need the database; skip quietly when it is unreachable.
		if store, closeDB, derr := openStore(ctx); derr == nil {
			defer closeDB()
			if ch, vids, cerr := store.CacheCounts(ctx); cerr == nil {
				fmt.Printf("rows:     %d channels, %d videos\n", ch, vids)
			}
		}
		return exitOK
	case "purge":
		var freed int64
		var perr error
		target := "all"
		if len(args) > 1 {
			target = args[1]
		}
		switch target {
		case "all":
			freed, perr = cache.PurgeAll()
		case "channels", "videos":
			freed, perr = cache.Purge(imagecache.Kind(target))
		default:
			fmt.Fprintf(os.Stderr, "unknown purge target %q\n", target)
			return exitUsage
		}
		if perr != nil {
			fmt.Fprintln(os.Stderr, "error:", perr)
			return exitPartial
		}
		fmt.Printf("freed %d bytes\n", freed)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown cache subcommand %q\n", args[0])
		return exitUsage
	}
}

// progressPrinter emits one line per item when verbose; the backoff sentinel
// is announced but never counted.
func progressPrinter(verbose bool) report.ProgressFunc {
	return func(entityID, status string) {
		if entityID == report.BackoffSentinel {
			fmt.Println("rate limited, backing off")
			return
		}
		if verbose && entityID != "" {
			fmt.Printf("%s %s\n", entityID, status)
		}
	}
}

func printWarmSummary(r *report.WarmResult) {
	fmt.Printf("downloaded %d, skipped %d, failed %d, no_url %d (total %d)\n",
		r.Downloaded, r.Skipped, r.Failed, r.NoURL, r.Total)
	for _, e := range r.Errors {
		fmt.Println("  error:", e)
	}
	if over := r.Failed - len(r.Errors); over > 0 {
		fmt.Printf("  ... and %d more errors\n", over)
	}
	if r.NetworkInstabilityWarning {
		fmt.Println("warning: repeated transport failures, network may be unstable")
	}
}

func printEnrichSummary(r *report.RunResult) {
	fmt.Printf("updated %d, deleted %d, skipped %d, failed %d (total %d, %d batches, %d quota units)\n",
		r.Summary.Updated, r.Summary.Deleted, r.Summary.Skipped, r.Summary.Failed,
		r.Summary.Total, r.Summary.Batches, r.Summary.QuotaUnits)
	shown := 0
	for _, o := range r.Details {
		if o.Kind == report.OutcomeFailed && shown < report.MaxErrorLog {
			fmt.Printf("  error: %s %s: %s\n", o.ID, o.ErrorKind, o.Error)
			shown++
		}
	}
	if over := r.Summary.Failed - shown; over > 0 {
		fmt.Printf("  ... and %d more errors\n", over)
	}
	if r.NetworkInstabilityWarning {
		fmt.Println("warning: repeated batch failures, network may be unstable")
	}
}
