// Package app assembles the daemon: config, logging, storage, vault,
// publishers, scheduler, command surface and notifier, with a single
// Start/Stop lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/services/notify"
	"postpilot/internal/services/poster"
	"postpilot/internal/services/posts"
	"postpilot/internal/services/scheduler"
	"postpilot/internal/storage"
	"postpilot/internal/vault"
	"postpilot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    *storage.Store
	vault    *vault.Vault
	registry *publish.Registry

	sched *scheduler.Service
	posts *posts.Service
	notif *notify.Service

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

// New loads the config file and builds the full object graph. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logs, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.DurationOr("database.busy_timeout", cfg.Database.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	// From here on warnings and errors also land in the database.
	logs.SetSink(storage.NewLogSink(store))

	vlt, err := vault.Open(vault.Config{KeyFile: cfg.Vault.KeyFile})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	webhookTimeout, err := config.DurationOr("publishers.webhook.timeout", cfg.Publishers.Webhook.Timeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	registry := publish.NewRegistry()
	registry.Register(publish.NewWebhook(publish.WebhookConfig{
		StateDir: cfg.Publishers.Webhook.StateDir,
		Timeout:  webhookTimeout,
	}))

	bus := eventbus.New()

	exec := poster.New(store, vlt, registry, logs.Logger().With(logx.String("comp", "poster")))

	misfireGrace, err := config.DurationOr("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, 5*time.Minute)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	drainTimeout, err := config.DurationOr("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
		MisfireGrace: misfireGrace,
		DrainTimeout: drainTimeout,
	}, store, exec, bus, logs.Logger().With(logx.String("comp", "scheduler")))

	cmds := posts.New(store, sched, vlt, registry, bus, logs.Logger().With(logx.String("comp", "posts")))

	var sender notify.Sender
	if cfg.Notify.Enabled {
		sender, err = notify.NewSender(cfg.Notify.Token)
		if err != nil {
			// The pipeline must come up even when the bot cannot; keep
			// running with notifications off.
			log.Error("notifier init failed; continuing without it", logx.Err(err))
			sender = nil
		}
	}
	notif := notify.New(notify.Config{
		Enabled:    cfg.Notify.Enabled && sender != nil,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
	}, sender, bus, logs.Logger().With(logx.String("comp", "notify")))

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      bus,
		store:    store,
		vault:    vlt,
		registry: registry,
		sched:    sched,
		posts:    cmds,
		notif:    notif,
	}
	a.registerUpkeep(cfg)
	return a, nil
}

// Posts exposes the command surface for embedding callers (CLI, API).
func (a *App) Posts() *posts.Service { return a.posts }

// Scheduler exposes runtime state for status surfaces.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) registerUpkeep(cfg *config.Config) {
	retention, err := config.ParseDuration("maintenance.log_retention", cfg.Maintain.LogRetention)
	if err != nil || retention <= 0 {
		return
	}
	a.sched.AddUpkeep("logs.prune", "@daily", func(ctx context.Context) {
		cutoff := time.Now().Add(-retention)
		n, err := a.store.PruneLogs(ctx, cutoff)
		if err != nil {
			a.log.Error("log prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("pruned old log entries", logx.Int64("removed", n))
		}
	})
}

// Start brings up the notifier, the scheduler (which rehydrates pending
// timers from storage) and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.notif.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		a.notif.Stop()
		return fmt.Errorf("starting scheduler: %w", err)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.watchCancel = cancel
	ch := a.cfgm.Subscribe(4)
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		a.cfgm.Watch(wctx)
	}()
	go func() {
		defer a.watchWG.Done()
		for {
			select {
			case <-wctx.Done():
				a.cfgm.Unsubscribe(ch)
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.log.Info("postpilot started", logx.Any("targets", a.registry.Targets()))
	return nil
}

// applyReload propagates the hot-reloadable sections. Storage, vault and
// scheduler topology require a restart and are deliberately not touched.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logConfig(cfg))
	a.notif.Apply(notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: cfg.Notify.RatePerSec,
	})
	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

// Stop shuts the pipeline down in dependency order: stop intake (config,
// timers), drain workers, then close storage last so late result writes
// still land.
func (a *App) Stop(ctx context.Context) {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
		a.watchCancel = nil
	}

	a.sched.Stop(ctx)
	a.notif.Stop()

	a.logs.SetSink(nil)
	if err := a.store.Close(); err != nil {
		a.log.Error("storage close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	a.log.Info("postpilot stopped")
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sink: logx.SinkConfig{
			Enabled:    cfg.Logging.Store.Enabled,
			MinLevel:   cfg.Logging.Store.MinLevel,
			RatePerSec: cfg.Logging.Store.RatePerSec,
		},
	}
}
