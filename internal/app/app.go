// Package app assembles the bot: config, logging, storage, timers, the
// rotation service, the Telegram transport, the command router and the
// operational HTTP API.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streambot/internal/audit"
	"streambot/internal/commands"
	"streambot/internal/config"
	"streambot/internal/eventbus"
	"streambot/internal/httpapi"
	"streambot/internal/notify"
	"streambot/internal/platform"
	"streambot/internal/rotation"
	"streambot/internal/store"
	"streambot/internal/timers"
	"streambot/internal/transport/telegram"
	"streambot/pkg/logx"
)

type App struct {
	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	tables  *rotation.Tables
	reg     *timers.Registry
	audits  audit.Log
	adapter *telegram.Adapter
	notes   *notify.Service
	svc     *rotation.Service
	router  *commands.Router
	http    *httpapi.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a := &App{cfgm: cfgm, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	a.bus = eventbus.New()

	tables, err := rotation.OpenTables(cfg.Data.Directory, a.log.With(logx.String("svc", "store")), a.bus)
	if err != nil {
		return fmt.Errorf("open tables: %w", err)
	}
	a.tables = tables

	audits, err := audit.Open(audit.Config{Driver: cfg.Audit.Driver, Path: cfg.Audit.Path}, a.log)
	if err != nil {
		tables.Close()
		return fmt.Errorf("open audit log: %w", err)
	}
	a.audits = audits

	pollTimeout, _ := time.ParseDuration(cfg.Telegram.PollTimeout)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Home:        channelRef(cfg.Channels.Home),
		Announce:    channelRef(cfg.Channels.Schedule),
	}, a.log.With(logx.String("svc", "telegram")))
	if err != nil {
		tables.Close()
		_ = audits.Close()
		return fmt.Errorf("telegram: %w", err)
	}
	a.adapter = adapter

	a.reg = timers.New(a.log.With(logx.String("svc", "timers")))
	a.notes = notify.New(notify.Config{
		Operator:   channelRef(cfg.Channels.Operator),
		RatePerSec: cfg.Notifier.RatePerSec,
		QueueSize:  cfg.Notifier.QueueSize,
	}, adapter, a.log.With(logx.String("svc", "notify")))

	a.svc = rotation.NewService(rotation.Config{
		Schedule:          channelRef(cfg.Channels.Schedule),
		Hosts:             cfg.Rotation.Hosts,
		Mention:           cfg.Rotation.Mention,
		SessionsPerStream: cfg.Rotation.SessionsPerStream,
	}, tables, a.reg, adapter, a.notes, a.bus, a.log.With(logx.String("svc", "rotation")))

	a.router = commands.NewRouter(a.svc, adapter, audits, a.log.With(logx.String("svc", "commands")))

	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr},
			tables, a.reg, a.notes, a.ready.Load, a.log.With(logx.String("svc", "http")))
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.reg.Start(runCtx)
	a.notes.Start(runCtx)

	if err := a.adapter.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start telegram: %w", err)
	}

	// Everything persisted before shutdown gets its timers back; expired
	// ones fire immediately in order on the registry worker.
	a.svc.RestoreTimers(runCtx)

	if err := a.reg.AddCron("housekeeping", "@hourly", a.svc.HousekeepingSweep); err != nil {
		return fmt.Errorf("register housekeeping cron: %w", err)
	}
	if err := a.reg.AddCron("schedule-refresh", "@daily", a.svc.RenderSchedule); err != nil {
		return fmt.Errorf("register schedule cron: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.adapter.Updates())
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchBus(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchConfig(runCtx)
	}()

	if a.http != nil {
		a.http.Start()
	}

	a.ready.Store(true)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.ready.Store(false)
	a.log.Info("stopping")

	if a.http != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.http.Shutdown(sctx)
		cancel()
	}

	a.adapter.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.reg.Stop()
	a.notes.Stop()
	a.tables.Close()
	if err := a.audits.Close(); err != nil {
		a.log.Warn("audit close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}

// watchBus forwards persistence failures to the operator channel so a
// broken disk is noticed before data diverges for good.
func (a *App) watchBus(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeStoreWriteFailed {
				continue
			}
			wf, ok := ev.Data.(store.WriteFailure)
			if !ok {
				continue
			}
			a.notes.Operator(platform.Notice{
				Title:    "Persistence failure",
				Body:     fmt.Sprintf("Writing table %q failed: %s", wf.Table, wf.Err),
				Severity: platform.SeverityError,
			})
		}
	}
}

// watchConfig applies hot-reloadable settings. Only logging is applied
// live; everything else needs a restart.
func (a *App) watchConfig(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied")
		}
	}
}

func channelRef(c config.ChannelRef) platform.ChannelRef {
	return platform.ChannelRef{ChatID: c.ChatID, ThreadID: c.ThreadID}
}
