// Package main provides the shelf maintenance daemon. It owns the on-disk
// library state: it loads configuration from defaults and SHELF_* environment
// variables, opens the book index, detail files and the SQLite database,
// quarantines corrupted detail files, repairs inconsistent progress and then
// keeps the chapter cache under its size and age limits on a schedule.
//
// The application flow:
//  1. Parse flags and load configuration.
//  2. Prepare the data directory and open the stores.
//  3. Run the startup integrity pass.
//  4. Start metrics flushing and the sweep janitor.
//  5. Block until SIGINT or SIGTERM, then stop everything in order.
//
// With -once the daemon runs the integrity pass and a single sweep, then exits.
// With -stats it prints the persisted metrics as JSON and exits.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/chaptercache"
	"github.com/haukened/shelf/internal/config"
	"github.com/haukened/shelf/internal/fetch"
	"github.com/haukened/shelf/internal/janitor"
	"github.com/haukened/shelf/internal/logging"
	"github.com/haukened/shelf/internal/metrics"
	"github.com/haukened/shelf/internal/store"
	"github.com/haukened/shelf/internal/store/filesystem"
	"github.com/haukened/shelf/internal/store/sqlite"
)

// Exit codes.
const (
	exitOK = iota
	exitRuntime
	exitConfig
	exitDataDir
	exitDatabase
	exitStorage
)

// stopTimeout bounds the final metrics flush on shutdown.
const stopTimeout = 5 * time.Second

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

type options struct {
	once  bool
	stats bool
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("shelf", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.BoolVar(&opts.once, "once", false, "run the integrity pass and one sweep, then exit")
	fs.BoolVar(&opts.stats, "stats", false, "print persisted metrics as JSON and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return fail(exitDataDir, "create data directory %s: %w", dir, mkErr)
		}
		return nil
	case err != nil:
		return fail(exitDataDir, "stat data directory %s: %w", dir, err)
	case !st.IsDir():
		return fail(exitDataDir, "data path %s is not a directory", dir)
	}
	return nil
}

// daemon holds every component the process owns.
type daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *sql.DB
	metrics  *metrics.Manager
	books    *store.Repository
	progress *sqlite.ProgressStore
	chapters *chaptercache.Cache
	library  *app.Library
	janitor  *janitor.Janitor
}

func openDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*sql.DB, *sqlite.ProgressStore, *metrics.Manager, error) {
	db, err := sqlite.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, nil, fail(exitDatabase, "open database: %w", err)
	}
	progress, err := sqlite.New(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, fail(exitDatabase, "init progress schema: %w", err)
	}
	mgr := metrics.New(db, metrics.Config{FlushInterval: cfg.MetricsFlush, Logger: log})
	if err := mgr.InitSchema(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fail(exitDatabase, "init metrics schema: %w", err)
	}
	return db, progress, mgr, nil
}

// newFetcher wraps the content source with retries and per-host rate limits.
// The daemon has no network source of its own, so inner is usually NoFetcher.
// Attempts share cfg.FetchTimeout, the deadline the repository puts around
// one fetch.
func newFetcher(cfg *config.Config, inner app.Fetcher, log *slog.Logger) app.Fetcher {
	return fetch.New(inner, fetch.Options{
		Attempts:       fetch.DefaultAttempts,
		AttemptTimeout: fetch.AttemptBudget(cfg.FetchTimeout, fetch.DefaultAttempts, fetch.DefaultBackoff),
		Backoff:        fetch.DefaultBackoff,
		Rate:           cfg.FetchRate,
		Burst:          cfg.FetchBurst,
		Logger:         log,
	})
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger, clock app.Clock) (*daemon, error) {
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	db, progress, mgr, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	index, err := filesystem.NewIndex(cfg.DataDir, clock, log)
	if err != nil {
		db.Close()
		return nil, fail(exitStorage, "open book index: %w", err)
	}
	details, err := filesystem.NewDetails(cfg.DataDir, clock, log)
	if err != nil {
		db.Close()
		return nil, fail(exitStorage, "open book details: %w", err)
	}
	chapters, err := chaptercache.New(chaptercache.Config{
		Root:     cfg.DataDir,
		Settings: cfg,
		Clock:    clock,
		Logger:   log,
		Metrics:  mgr,
	})
	if err != nil {
		db.Close()
		return nil, fail(exitStorage, "open chapter cache: %w", err)
	}
	fetcher := newFetcher(cfg, app.NoFetcher{}, log)
	books := store.New(index, details, fetcher, clock, store.Options{
		CacheSize:        cfg.BookCacheSize,
		CacheTTL:         cfg.BookCacheTTL,
		MaxFetchAttempts: cfg.FetchAttempts,
		FetchTimeout:     cfg.FetchTimeout,
		Logger:           log,
		Metrics:          mgr,
	})
	jan := janitor.New(chapters, mgr, janitor.Config{
		Interval:   cfg.SweepInterval,
		RunOnStart: true,
		Logger:     log,
	})
	return &daemon{
		cfg:      cfg,
		log:      log,
		db:       db,
		metrics:  mgr,
		books:    books,
		progress: progress,
		chapters: chapters,
		library: &app.Library{
			Books:    books,
			Chapters: chapters,
			Progress: progress,
			Fetcher:  fetcher,
			Clock:    clock,
			Logger:   log,
		},
		janitor: jan,
	}, nil
}

// checkIntegrity quarantines unreadable detail files and fixes progress
// that points past the end of a book.
func (d *daemon) checkIntegrity(ctx context.Context) {
	quarantined := d.books.ScanAndQuarantineCorrupted(ctx)
	repaired := d.books.RepairInconsistentProgress(ctx)
	d.log.Info("integrity pass complete", "quarantined", quarantined, "repaired", repaired)
	if b, err := d.library.Resume(ctx); err == nil {
		d.log.Info("resume point", "book", b.ID, "chapter", b.LastReadChapterLabel, "page", b.LastReadPage)
	}
}

func (d *daemon) close() {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	d.janitor.Stop()
	d.metrics.Stop(stopCtx)
	if err := d.db.Close(); err != nil {
		d.log.Warn("close database", "err", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return fail(exitConfig, "parse flags: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fail(exitConfig, "configuration: %w", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	slog.SetDefault(log)

	d, err := build(ctx, cfg, log, app.SystemClock{})
	if err != nil {
		return err
	}
	defer d.close()

	if opts.stats {
		return metrics.WriteReport(ctx, stdout, d.metrics)
	}

	d.metrics.Start(ctx)
	d.checkIntegrity(ctx)

	if opts.once {
		rep := d.janitor.RunOnce(ctx)
		log.Info("single sweep complete", "expired", rep.Expired, "evicted", rep.Evicted, "bytes_in_use", rep.BytesInUse)
		return nil
	}

	d.janitor.Start(ctx)
	log.Info("shelf running",
		"data_dir", cfg.DataDir,
		"sweep_interval", cfg.SweepInterval,
		"max_cache_size", cfg.MaxCacheSize.String(),
		"pid", os.Getpid())
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(exitOK)
	}
	slog.Error("shelf failed", "err", err)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(exitRuntime)
}
