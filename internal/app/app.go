// Package app assembles the daemon: config, logging, storage, the library
// registry, quarantine engine, job queue, scheduler, and the operator
// surfaces (webhook notifications, pprof). Everything is constructed in
// dependency order and handed its collaborators explicitly; nothing is
// global.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"curator/internal/config"
	"curator/internal/eventbus"
	"curator/internal/library"
	"curator/internal/notify"
	"curator/internal/observability/pprof"
	"curator/internal/pipeline"
	"curator/internal/quarantine"
	"curator/internal/queue"
	rtsup "curator/internal/runtime/supervisor"
	"curator/internal/scheduler"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

// Options configure daemon assembly.
type Options struct {
	ConfigPath string

	// Executor performs the per-item update work. Defaults to a no-op so
	// the daemon runs as a pure scheduling core until an embedder wires a
	// real pipeline.
	Executor pipeline.Executor

	// Debug forces the log level to debug regardless of config.
	Debug bool
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *library.Registry
	quar     *quarantine.Engine
	jobs     *queue.Queue
	sched    *scheduler.Scheduler
	notif    *notify.Service
	pprof    *pprof.Service
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg, opts.Debug))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional). Without a store every component runs memory-only.
	sc, storageEnabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store storage.Store
	if storageEnabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; state will not survive a restart")
	}

	libCfg, err := mapLibraryConfig(cfg)
	if err != nil {
		return nil, err
	}
	libCfg.Store = store
	libCfg.Log = log
	registry := library.New(libCfg)

	quarCfg := mapQuarantineConfig(cfg)
	quarCfg.Registry = registry
	quarCfg.Store = store
	quarCfg.Bus = bus
	quarCfg.Log = log
	quar := quarantine.New(quarCfg)

	qCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	qCfg.Store = store
	qCfg.Bus = bus
	qCfg.Log = log
	jobs := queue.New(qCfg)

	exec := opts.Executor
	if exec == nil {
		exec = pipeline.Nop()
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg.Queue = jobs
	schedCfg.Registry = registry
	schedCfg.Quarantine = quar
	schedCfg.Executor = exec
	schedCfg.Store = store
	schedCfg.Bus = bus
	schedCfg.Log = log
	sched := scheduler.New(schedCfg)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sink notify.Sink
	if strings.TrimSpace(ncfg.WebhookURL) != "" {
		sink, err = notify.NewWebhookSink(ncfg.WebhookURL, ncfg.SendTimeout)
		if err != nil {
			return nil, err
		}
	}
	notif := notify.New(ncfg, sink, log.With(logx.String("comp", "notify")), bus, store)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log)

	return &App{
		opts:     opts,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		quar:     quar,
		jobs:     jobs,
		sched:    sched,
		notif:    notif,
		pprof:    pprofSvc,
	}, nil
}

// Embedding surface: the daemon exposes the core services so a wrapping
// process (admin API, CLI) can drive them directly.

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Queue() *queue.Queue             { return a.jobs }
func (a *App) Registry() *library.Registry     { return a.registry }
func (a *App) Quarantine() *quarantine.Engine  { return a.quar }
func (a *App) Notifier() *notify.Service       { return a.notif }

// Done is closed when the run context ends (fatal error or Stop).
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
	if ctx == nil {
		ctx = context.Background()
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: a snapshot is validated before it is
	// committed or published, so a bad edit never reaches the services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// Mapping catches what shape validation can't.
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLibraryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	runCtx := a.sup.Context()

	// Core loops.
	a.sup.GoRestart("scheduler.loop", a.sched.Run,
		rtsup.WithPublishFirstError(true),
	)
	a.sup.GoRestart("quarantine.maintenance", a.quar.MaintenanceLoop,
		rtsup.WithPublishFirstError(true),
	)

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(runCtx)
	}

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled {
		a.sched.Start()
	}

	a.startBridge()

	// Debug event log (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this at debug; job churn makes it chatty.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track the last applied config so the change summary stays accurate.
		lastApplied := a.cfgm.Get()
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
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("daemon started")
	return nil
}

// applyReload pushes a committed config snapshot into the running services.
// Only log level, update interval, notifier settings and pprof are live;
// the rest is fixed at startup.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	if newCfg == nil {
		return
	}

	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	for _, s := range sections {
		switch s {
		case "storage", "queue", "library", "quarantine":
			a.log.Warn("section applies at startup only; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg, a.opts.Debug))

	if d, err := config.ParseDurationOrDefault("scheduler.update_interval", newCfg.Scheduler.UpdateInterval, 30*time.Minute); err == nil {
		a.sched.SetInterval(d)
	}
	if oldCfg == nil || oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled {
		if newCfg.Scheduler.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start()
		} else {
			a.log.Info("scheduler disabled via config")
			a.sched.Stop()
		}
	}

	if ncfg, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		oldN, _ := mapNotifyConfig(oldCfg)
		if ncfg.WebhookURL != oldN.WebhookURL || ncfg.SendTimeout != oldN.SendTimeout {
			if strings.TrimSpace(ncfg.WebhookURL) != "" {
				if sink, err := notify.NewWebhookSink(ncfg.WebhookURL, ncfg.SendTimeout); err != nil {
					a.log.Warn("invalid webhook sink; keeping previous", logx.Err(err))
				} else {
					a.notif.SetSink(sink)
				}
			} else {
				a.notif.SetSink(nil)
			}
		}

		prevEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notifications disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notifications enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding
	// immediately; the steps below then bound each teardown.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a single
	// component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx and return promptly. If it doesn't,
			// log a leak signal and observe when it eventually finishes.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Record the scheduler as stopped before the loop flushes its final
	// snapshot, so a restart comes back cleanly stopped.
	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	// Wait for supervised goroutines (scheduler loop, config watch/reload,
	// bridge) before the store goes away under them.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
