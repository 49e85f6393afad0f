// Package app wires configuration, logging, storage, the Telegram transport
// and the delivery engine into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"segcast/internal/broadcast"
	"segcast/internal/config"
	"segcast/internal/progress"
	"segcast/internal/runtime/supervisor"
	"segcast/internal/storage"
	kit "segcast/internal/transport"
	telegram "segcast/internal/transport/telegram/adapter"
	logx "segcast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   *storage.Store
	adapter *telegram.Adapter
	bc      *broadcast.Service
	cmdm    *CommandManager

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var rep broadcast.Reporter
	if cfg.Telegram.OperatorChatID != 0 {
		rep = progress.NewTelegram(ad, cfg.Telegram.OperatorChatID, cfg.Broadcast.ProgressPerMin,
			logs.Logger().With(logx.String("comp", "progress")))
	}

	bc := broadcast.New(bcfg, store, store, ad, rep,
		logs.Logger().With(logx.String("comp", "broadcast")))

	var cmdm *CommandManager
	if cfg.Telegram.OperatorChatID != 0 {
		cmdm = NewCommandManager(logs.Logger().With(logx.String("comp", "commands")),
			ad, bc, cfg.Telegram.OperatorChatID)
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		adapter: ad,
		bc:      bc,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 64),
	}, nil
}

// Broadcast exposes the delivery engine (used by tests and embedding callers).
func (a *App) Broadcast() *broadcast.Service { return a.bc }

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
		if cfg.Broadcast.Workers < 0 {
			return fmt.Errorf("broadcast.workers must be >= 0")
		}
		if cfg.Broadcast.QueueSize < 0 {
			return fmt.Errorf("broadcast.queue_size must be >= 0")
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.bc.Start(a.sup.Context())

	if a.cmdm != nil {
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.apply(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) apply(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		// The validator should have rejected this; keep the previous pacing.
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bc.Apply(bcfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("broadcast", 5*time.Second, func(c context.Context) error { a.bc.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	if cfg == nil {
		return broadcast.Config{}, nil
	}
	b := cfg.Broadcast

	batchDelay, err := config.ParseDurationField("broadcast.batch_delay", b.BatchDelay)
	if err != nil {
		return broadcast.Config{}, err
	}

	out := broadcast.Config{
		Workers:    b.Workers,
		QueueSize:  b.QueueSize,
		BatchSize:  b.BatchSize,
		BatchDelay: batchDelay,
		RatePerSec: b.RatePerSec,
		RetryMax:   b.RetryMax,
	}

	if r := b.Retention; r != nil {
		sched := r.Schedule
		if sched == "" {
			sched = "@daily"
		}
		if _, err := cron.ParseStandard(sched); err != nil {
			return broadcast.Config{}, fmt.Errorf("broadcast.retention.schedule: %w", err)
		}
		keep, err := config.ParseDurationOrDefault("broadcast.retention.keep_for", r.KeepFor, 720*time.Hour)
		if err != nil {
			return broadcast.Config{}, err
		}
		out.RetentionSchedule = sched
		out.RetentionKeep = keep
	}
	return out, nil
}
