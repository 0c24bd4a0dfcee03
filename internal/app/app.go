// Package app wires the engine together: store, migrations, sync, policy,
// live feed and metrics.
package app

import (
	"context"
	"sync"

	"threadline/pkg/archive"
	"threadline/pkg/config"
	"threadline/pkg/feed"
	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/policy"
	"threadline/pkg/store"
	"threadline/pkg/store/migrations"
	"threadline/pkg/telemetry"
)

// App is a fully wired threadline engine.
type App struct {
	Cfg    *config.Config
	Store  *store.Store
	Syncer *archive.Syncer
	Engine *policy.Engine

	runner *archive.Runner
	feed   *feed.Feed
}

// New opens the store, runs the schema migration and wires all services.
func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Storage.Path, store.Options{
		PendingBound: cfg.Storage.PendingFoldBound,
	})
	if err != nil {
		return nil, err
	}

	if _, err := migrations.Run(context.Background(), st); err != nil {
		st.Close()
		return nil, err
	}

	a := &App{Cfg: cfg, Store: st}

	if cfg.Sync.Enabled {
		svc := archive.NewHTTPClient(cfg.Sync.Endpoint)
		a.Syncer = archive.NewSyncer(st, svc, archive.Config{
			PageSize:          cfg.Sync.PageSize,
			InitialDepthPages: cfg.Sync.InitialDepthPages,
			MaxCatchupWindow:  cfg.Sync.MaxCatchupWindow.Duration(),
			RetryAttempts:     cfg.Sync.RetryAttempts,
			RetryBackoff:      cfg.Sync.RetryBackoff.Duration(),
			RequestTimeout:    cfg.Sync.RequestTimeout.Duration(),
			RateRPS:           cfg.Sync.RateRPS,
			RateBurst:         cfg.Sync.RateBurst,
			VersionHint:       archive.Version(cfg.Sync.VersionHint),
		})
		runner, err := archive.NewRunner(a.Syncer, cfg.Sync.Cron)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.runner = runner
	}

	if a.Syncer != nil {
		a.Engine = policy.NewEngine(st, a.Syncer)
	} else {
		a.Engine = policy.NewEngine(st, nil)
	}

	if cfg.Feed.Enabled {
		a.feed = feed.New(cfg.Feed.URL, func(ctx context.Context, conv string, events []models.Event) error {
			_, err := st.Upsert(ctx, conv, events)
			return err
		})
	}

	return a, nil
}

// Run blocks until ctx is cancelled, serving the live feed, the scheduled
// sync sweep and the optional metrics listener.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if a.runner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runner.Run(ctx)
		}()
	}
	if a.feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.feed.Run(ctx)
		}()
	}
	if a.Cfg.Metrics.Enabled {
		go func() {
			if err := telemetry.Serve(a.Cfg.Metrics.Addr); err != nil {
				logger.Error("metrics_listener_failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return a.Close()
}

// Close releases the store.
func (a *App) Close() error {
	logger.Info("app_closing")
	return a.Store.Close()
}
