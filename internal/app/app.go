package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hewjoe/ebay-catalog/internal/config"
	"github.com/hewjoe/ebay-catalog/internal/ebay"
	"github.com/hewjoe/ebay-catalog/internal/lifecycle"
	"github.com/hewjoe/ebay-catalog/internal/ratelimit"
	"github.com/hewjoe/ebay-catalog/internal/reconcile"
	"github.com/hewjoe/ebay-catalog/internal/service"
	"github.com/hewjoe/ebay-catalog/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

// RunOptions configure run and once.
type RunOptions struct {
	InitializeDB bool
}

func (a *App) newSource() ebay.Source {
	cfg := a.Config.Ebay
	governor := ratelimit.New(ratelimit.Options{
		Delay:          cfg.Delay(),
		JitterFraction: cfg.JitterFraction,
	})

	if cfg.UseScraping {
		return ebay.NewScraper(ebay.ScraperOptions{
			BaseURL:   cfg.BaseURL,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.RequestTimeout,
			MaxPages:  cfg.MaxPages,
		}, governor, a.Logger)
	}
	return ebay.NewAPI(ebay.APIOptions{
		BaseURL:   cfg.APIBaseURL,
		Token:     cfg.APIKey,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		MaxPages:  cfg.MaxPages,
	}, governor, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newDriver(store *storage.Store) *service.Driver {
	cfg := a.Config
	rec := reconcile.New(reconcile.Options{
		EndingSoon:       cfg.Search.EndingSoonThreshold,
		MissingCycles:    cfg.Tracker.MissingCycles,
		SearchPattern:    cfg.Search.Pattern,
		EndTimeTolerance: cfg.Tracker.EndTimeTolerance,
	})
	lc := lifecycle.New(store, a.Logger)

	return service.New(service.Options{
		Search: lifecycle.SearchSpec{
			Pattern:       cfg.Search.Pattern,
			ExcludedTerms: cfg.Search.ExcludedTerms,
			MaxPages:      cfg.Ebay.MaxPages,
		},
		AuctionWindow:   cfg.Search.AuctionWindow(),
		CompletedWindow: cfg.Search.CompletedWindow(),
		Concurrent:      cfg.Tracker.ConcurrentPasses,
		StartupDelay:    cfg.Daemon.StartupDelay,
		LockKey:         cfg.Tracker.AdvisoryLockKey,
	}, a.newSource(), store, rec, lc, a.Logger)
}

// Run executes the long-running tracking daemon.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.InitializeDB {
		if err := a.initSchema(ctx, store); err != nil {
			return err
		}
	}

	driver := a.newDriver(store)
	a.Logger.Info().
		Str("pattern", a.Config.Search.Pattern).
		Dur("interval", a.Config.Daemon.Interval()).
		Bool("scraping", a.Config.Ebay.UseScraping).
		Msg("starting auction tracker")

	if err := driver.RunDaemon(ctx, a.Config.Daemon.Interval()); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("tracker terminated with error")
		return err
	}

	a.Logger.Info().Msg("auction tracker stopped")
	return nil
}

// Once runs a single discovery and recheck pass and prints its summary.
func (a *App) Once(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.InitializeDB {
		if err := a.initSchema(ctx, store); err != nil {
			return err
		}
	}

	sum, err := a.newDriver(store).RunOnce(ctx)
	printSummary(a.Out, sum)
	return err
}

// InitDB creates the schema and exits.
func (a *App) InitDB(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return a.initSchema(ctx, store)
}

func (a *App) initSchema(ctx context.Context, store *storage.Store) error {
	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	a.Logger.Info().Msg("database schema ready")
	return nil
}

func printSummary(w io.Writer, s service.Summary) {
	if s.LockHeld {
		fmt.Fprintln(w, "pass skipped: another tracker holds the lock")
		return
	}
	fmt.Fprintf(w, "pass %s (%s)\n", s.PassID, s.Finished.Sub(s.Started).Round(time.Millisecond))
	fmt.Fprintf(w, "  discovered %d  updated %d  completed %d  expired %d\n", s.Discovered, s.Updated, s.Completed, s.Expired)
	fmt.Fprintf(w, "  unchanged %d  filtered %d  skipped %d\n", s.Unchanged, s.Filtered, s.Skipped)
	fmt.Fprintf(w, "  errors: fetch %d  reconcile %d  persist %d\n", s.FetchErrors, s.ReconcileErrors, s.PersistErrors)
	if s.Aborted {
		fmt.Fprintln(w, "  pass aborted")
	}
}
