// Command listening-history syncs a Last.fm listening history into
// PostgreSQL and serves it, with derived statistics, as a JSON API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/justestif/go-listening-history/internal/config"
	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/listening"
	"github.com/justestif/go-listening-history/internal/logging"
	"github.com/justestif/go-listening-history/internal/settings"
	"github.com/justestif/go-listening-history/internal/stats"
	syncer "github.com/justestif/go-listening-history/internal/sync"
	"github.com/justestif/go-listening-history/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect and migrate
	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	// Upstream client and credentials
	client := lastfm.NewClient(lastfm.Config{
		BaseURL:         cfg.Lastfm.BaseURL,
		Timeout:         cfg.Lastfm.Timeout,
		CacheTTL:        cfg.Lastfm.CacheTTL,
		RequestInterval: cfg.Lastfm.RequestInterval,
	})
	provider := settings.NewProvider(database.Settings(), lastfm.Credentials{
		Username: cfg.Lastfm.Username,
		APIKey:   cfg.Lastfm.APIKey,
	})
	if !provider.Effective(ctx).Configured() {
		logging.Warn().Msg("Last.fm credentials not configured; sync cycles will be skipped until they are saved")
	}

	// Stats and sync
	cache := stats.NewCache()
	statsEngine := stats.NewEngine(database.Stats(), client, provider, cache, stats.Config{
		TopLimit:  cfg.Stats.TopLimit,
		TrendDays: cfg.Stats.TrendDays,
	})
	syncEngine := syncer.NewEngine(database.Plays(), client, provider, statsEngine,
		syncer.WithPageSize(cfg.Sync.PageSize),
		syncer.WithBackfillPages(cfg.Sync.BackfillPages),
		syncer.WithIncrementalMaxPages(cfg.Sync.IncrementalMaxPages),
		syncer.WithCycleTimeout(cfg.Sync.CycleTimeout),
	)
	scheduler := syncer.NewScheduler(syncEngine, cfg.Sync.Interval, cfg.Sync.StartupGrace)
	if cfg.Sync.SchedulerEnabled() {
		scheduler.Start(ctx)
	} else {
		logging.Info().Msg("periodic sync disabled")
	}

	// Read path and HTTP
	service := listening.New(cache,
		listening.WithStore(database.Plays(), statsEngine),
		listening.WithRemote(client, provider),
		listening.WithSyncTrigger(scheduler),
		listening.WithFreshFor(cfg.Stats.FreshFor),
	)
	server := web.NewServer(web.ServerConfig{Addr: cfg.HTTP.Addr}, service, provider, database)

	if err := server.Run(ctx); err != nil {
		return err
	}

	if cfg.Sync.SchedulerEnabled() {
		<-scheduler.Done()
	}
	logging.Info().Msg("stopped")
	return nil
}
