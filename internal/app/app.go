// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"forgewatch/internal/config"
	"forgewatch/internal/eventbus"
	"forgewatch/internal/monitor"
	"forgewatch/internal/natsbridge"
	"forgewatch/internal/nodeapi"
	"forgewatch/internal/notifier"
	"forgewatch/internal/scheduler"
	"forgewatch/internal/status"
	"forgewatch/internal/storage"
	"forgewatch/internal/supervisor"
	"forgewatch/internal/transport"
	"forgewatch/internal/transport/telegram/adapter"
	"forgewatch/internal/transport/telegram/router"
	logx "forgewatch/pkg/logx"
)

// PollJob is the scheduler name of the monitor cycle.
const PollJob = "monitor:poll"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *adapter.Adapter
	router  *router.Router
	sched   *scheduler.Service
	notif   *notifier.Service
	nodes   *nodeapi.Client
	mon     *monitor.Service
	status  *status.Service
	nats    *natsbridge.Bridge

	// monitorOn is written by the reload loop and read by /poll.
	monitorOn atomic.Bool

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	nodeCfg, err := mapNodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	ms, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	ropts, err := mapRouterOptions(cfg)
	if err != nil {
		return nil, err
	}
	stCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)
	notif.SetTargets(ms.Targets)
	nodes := nodeapi.New(nodeCfg, log.With(logx.String("comp", "nodeapi")))
	mon := monitor.New(ms.Monitor, nodes, notif, store, bus, log.With(logx.String("comp", "monitor")))

	rt := router.New(log.With(logx.String("comp", "commands")), ad, ropts)
	rt.SetObserver(mon.ObserveIdentity)
	if store != nil {
		rt.SetAuditor(&storeAuditor{store: store, log: log.With(logx.String("comp", "audit"))})
	}

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		router:  rt,
		sched:   sched,
		notif:   notif,
		nodes:   nodes,
		mon:     mon,
		status:  status.New(stCfg, mon, log.With(logx.String("comp", "status"))),
		updates: make(chan transport.Update, 256),
	}
	a.monitorOn.Store(cfg.Monitor.Enabled)

	if nc, enabled, err := mapNATSConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		a.nats = natsbridge.New(nc, bus, log.With(logx.String("comp", "nats")))
	}
	return a, nil
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Alive reports whether the core loops are still making progress. Used for
// the service manager watchdog.
func (a *App) Alive() bool {
	select {
	case <-a.Done():
		return false
	default:
		return true
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.mon.Load(ctx); err != nil {
		return err
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.router.SetBotUsername(a.adapter.BotUsername())
	a.router.SetCommands(runCtx, a.mon.Commands(monitor.CommandHooks{
		Poll:    a.pollNow,
		Heights: a.nodes.Heights,
		Recent:  a.notif.History,
	}))

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	if err := a.syncPollSchedule(a.cfgm.Get()); err != nil {
		return err
	}
	a.sched.Start(runCtx)
	if a.monitorOn.Load() {
		if err := a.sched.RunNow(PollJob); err != nil {
			a.log.Warn("initial poll not started", logx.Err(err))
		}
	}

	if a.status.Enabled() {
		a.status.Start(runCtx)
	}
	if a.nats != nil {
		if err := a.nats.Start(runCtx); err != nil {
			return err
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Dispatch(c, a.updates)
	})

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("monitor", a.monitorOn.Load()), logx.Bool("storage", a.store != nil))
	return nil
}

func (a *App) pollNow() error {
	if !a.monitorOn.Load() {
		return errors.New("monitor is disabled")
	}
	return a.sched.RunNow(PollJob)
}

// syncPollSchedule registers or removes the poll job to match cfg.
func (a *App) syncPollSchedule(cfg *config.Config) error {
	if !cfg.Monitor.Enabled {
		a.sched.Remove(PollJob)
		return nil
	}
	ms, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	timeout, err := config.ParseDurationOrDefault("monitor.request_timeout", cfg.Monitor.RequestTimeout, 0)
	if err != nil {
		return err
	}
	// Worst case every node times out in turn.
	cycleTimeout := defaultCycleTimeout
	if n := 1 + len(cfg.Monitor.BackupNodes); timeout > 0 && time.Duration(n)*timeout+10*time.Second > cycleTimeout {
		cycleTimeout = time.Duration(n)*timeout + 10*time.Second
	}
	return a.sched.AddSchedule(PollJob, ms.Schedule, cycleTimeout, func(ctx context.Context) error {
		_, err := a.mon.RunCycle(ctx)
		return err
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartRequired[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ropts, err := mapRouterOptions(next); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(ropts)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasOn && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if nodeCfg, err := mapNodeConfig(next); err != nil {
		a.log.Warn("invalid node config; keeping previous", logx.Err(err))
	} else {
		a.nodes.Apply(nodeCfg)
	}

	if ms, err := mapMonitorConfig(next); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.mon.Apply(ms.Monitor)
		a.notif.SetTargets(ms.Targets)
		if err := a.syncPollSchedule(next); err != nil {
			a.log.Warn("poll schedule not updated", logx.Err(err))
		} else {
			a.monitorOn.Store(next.Monitor.Enabled)
		}
	}

	if stCfg, err := mapStatusConfig(next); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(ctx, stCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Unwind background loops right away; steps below then release resources.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "nats", 2*time.Second, func(c context.Context) error {
		if a.nats == nil {
			return nil
		}
		return a.nats.Stop(c)
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit (never past ctx's deadline)
// so one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
