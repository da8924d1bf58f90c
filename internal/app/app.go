package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"outreachd/internal/automation"
	"outreachd/internal/config"
	"outreachd/internal/eventbus"
	"outreachd/internal/httpapi"
	"outreachd/internal/metrics"
	"outreachd/internal/notifier"
	rtsup "outreachd/internal/runtime/supervisor"
	"outreachd/internal/storage"
	"outreachd/internal/subscribers"
	"outreachd/internal/task/engine"
	"outreachd/internal/task/executor"
	"outreachd/internal/task/scheduler"
	logx "outreachd/pkg/logx"
)

type options struct {
	ports automation.Ports
}

type Option func(*options)

// WithPorts plugs the CRM integrations the executors delegate to.
// Unset ports make their task types succeed as no-ops.
func WithPorts(p automation.Ports) Option {
	return func(o *options) { o.ports = p }
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     storage.Store
	events    *storage.MultiLog
	bus       *eventbus.Bus
	notif     *notifier.Service
	registry  *executor.Registry
	recurring *scheduler.Recurring
	engine    *engine.Service
	metrics   *metrics.Metrics
	http      *httpapi.Server

	notifEnabled bool
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	events, err := openEventLog(cfg, store, log.With(logx.String("comp", "eventlog")))
	if err != nil {
		return fail(err, store.Close)
	}
	closeAll := func() error {
		_ = events.Close(store)
		return store.Close()
	}

	bus := eventbus.New(log)
	bus.SetLogFunction(events.AppendEvent)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err, closeAll)
	}
	fwd, err := telegramForwarder(cfg)
	if err != nil {
		return fail(fmt.Errorf("telegram: %w", err), closeAll)
	}
	notif := notifier.New(ncfg, store, log, fwd)
	logSvc.SetAlertSink(notif)

	subscribers.Register(bus, subscribers.Deps{Domain: store, Notifier: notif, Log: log}, mapSubscriberOptions(cfg))

	reg := executor.NewRegistry()
	if err := automation.Register(reg, o.ports, bus, log); err != nil {
		return fail(err, closeAll)
	}
	if err := reg.Validate(); err != nil {
		return fail(err, closeAll)
	}

	defs, err := mapDefinitions(cfg)
	if err != nil {
		return fail(err, closeAll)
	}
	ropt, err := mapRecurringOptions(cfg)
	if err != nil {
		return fail(err, closeAll)
	}
	rec, err := scheduler.New(store, defs, ropt, log)
	if err != nil {
		return fail(err, closeAll)
	}

	m := metrics.New()
	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err, closeAll)
	}
	eng := engine.New(ecfg, store, reg, rec, bus, m, log)
	if err := registerBusMetrics(m, bus); err != nil {
		return fail(err, closeAll)
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err, closeAll)
	}
	api := httpapi.Routes(httpapi.Deps{
		Dispatcher: eng,
		Store:      store,
		Bus:        bus,
		Metrics:    m.Handler(),
		Log:        log.With(logx.String("comp", "http")),
	})

	return &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		store:        store,
		events:       events,
		bus:          bus,
		notif:        notif,
		registry:     reg,
		recurring:    rec,
		engine:       eng,
		metrics:      m,
		http:         httpapi.New(hcfg, api, log),
		notifEnabled: ncfg.Enabled,
	}, nil
}

func registerBusMetrics(m *metrics.Metrics, bus *eventbus.Bus) error {
	return errors.Join(
		m.CounterFunc("eventbus", "emitted_total", "Events emitted on the bus.", func() float64 { return float64(bus.Stats().Emitted) }),
		m.CounterFunc("eventbus", "handler_errors_total", "Subscriber handler failures.", func() float64 { return float64(bus.Stats().HandlerErrors) }),
		m.CounterFunc("eventbus", "persist_errors_total", "Failed event log appends.", func() float64 { return float64(bus.Stats().PersistErrors) }),
		m.GaugeFunc("eventbus", "persist_pending", "Event log appends in flight.", func() float64 { return float64(bus.Stats().Pending) }),
	)
}

func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) Bus() *eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

// HTTPAddr is the bound operator API address, empty when not serving.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

// goFatal runs fn under the app supervisor; a non-cancel error stops the app.
func (a *App) goFatal(name string, fn func(ctx context.Context) error) {
	a.sup.Go(name, func(c context.Context) error {
		err := fn(c)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("fatal error", logx.String("name", name), logx.Err(err))
			a.sup.Cancel()
		}
		return err
	})
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, e1 := mapEngineConfig(cfg)
		_, e2 := mapNotifierConfig(cfg)
		_, e3 := mapHTTPConfig(cfg)
		_, e4 := mapDefinitions(cfg)
		_, e5 := mapRecurringOptions(cfg)
		_, e6 := mapStorageConfig(cfg)
		return errors.Join(e1, e2, e3, e4, e5, e6)
	})

	runCtx := a.sup.Context()
	// The notifier outlives the run context so Stop can drain alerts raised
	// while in-flight tasks finish.
	a.notif.Start(context.WithoutCancel(runCtx))
	if err := a.engine.Start(runCtx); err != nil {
		a.sup.Cancel()
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	a.http.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.goFatal("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdogLoop(c, a.log, a.engine.Running)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, _ := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ecfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ecfg)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case a.notifEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !a.notifEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
		a.notifEnabled = ncfg.Enabled
	}

	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hcfg)
	}

	a.log.Info("config applied", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel background loops first; components unwind on their own Stop.
	a.sup.Cancel()

	// step runs a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// In-flight tasks may emit events and notifications, so the dispatcher
	// stops before the bus and notifier.
	step("dispatcher", 10*time.Second, a.engine.Stop)
	step("eventbus", 3*time.Second, a.bus.Wait)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("eventlog", time.Second, func(context.Context) error { return a.events.Close(a.store) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
