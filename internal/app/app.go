package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"loopd/internal/backfill"
	"loopd/internal/config"
	"loopd/internal/control"
	"loopd/internal/dispatch"
	"loopd/internal/eventbus"
	"loopd/internal/loop"
	"loopd/internal/loops"
	"loopd/internal/notifier"
	"loopd/internal/notifier/telegram"
	"loopd/internal/notifier/tray"
	rtsup "loopd/internal/runtime/supervisor"
	"loopd/internal/schedule"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	"loopd/internal/task/scheduler"
	"loopd/internal/wakeup"
	logx "loopd/pkg/logx"
	"loopd/pkg/sdnotify"
)

const watchdogName = "wakeup.watchdog"

// lifecycle is implemented by presenters that own background work.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	calc   *schedule.Calculator
	engine *engine.Service
	sched  *scheduler.Service
	wake   *wakeup.Scheduler
	notif  *notifier.Service
	loops  *loops.Service
	disp   *dispatch.Dispatcher
	ctl    *control.Service
	sd     *sdnotify.Notifier

	// presenter is the notifier's presenter when it runs its own loop.
	presenter lifecycle
	// tg is set when Telegram is configured, as presenter or alert sink.
	tg *telegram.Presenter

	bootTZ    string
	watchdog  string
	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg, filepath.Dir(cfgPath))
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := build(cfg, log, logSvc, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

// build wires every component on top of an open store.
func build(cfg *config.Config, log logx.Logger, logSvc *logx.Service, bus eventbus.Bus, store storage.Store) (*App, error) {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	calc := schedule.New(loc)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus, store)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, store, log.With(logx.String("comp", "scheduler")), bus)

	wake := wakeup.New(schedSvc, schedSvc, engineSvc, log)

	bfCfg, err := mapBackfillConfig(cfg)
	if err != nil {
		return nil, err
	}
	bf := backfill.New(store, loc, bfCfg, log)

	ncfg, presenterName, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		calc:   calc,
		engine: engineSvc,
		sched:  schedSvc,
		wake:   wake,
		sd:     sdnotify.New(),
		bootTZ: schedCfg.Timezone,
	}

	if presenterName == "telegram" || cfg.Logging.Alert.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tc, store, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		logSvc.SetAlertSender(tg)
	}

	var presenter notifier.Presenter
	switch presenterName {
	case "telegram":
		presenter = a.tg
		a.presenter = a.tg
	case "tray":
		tcfg, err := mapTrayConfig(cfg)
		if err != nil {
			return nil, err
		}
		tp, err := tray.New(tcfg, log)
		if err != nil {
			return nil, fmt.Errorf("tray: %w", err)
		}
		presenter = tp
	default:
		presenter = notifier.NewLogPresenter(log)
	}
	if a.tg != nil && a.presenter == nil {
		// Alerts only; still poll so stale buttons get answered.
		a.presenter = a.tg
	}
	a.notif = notifier.New(ncfg, presenter, log.With(logx.String("comp", "notifier")), bus, store)

	a.loops = loops.New(store, calc, wake, engineSvc, log,
		loops.WithBus(bus),
		loops.WithDismisser(a.notif),
	)
	a.disp = dispatch.New(calc, wake, bf, store, a.notif, a.loops, log, dispatch.WithBus(bus))

	engineSvc.Handle(scheduler.DeliverJobKind, a.disp.HandleJob)
	engineSvc.Handle(wakeup.DisableJobKind, wakeup.DisableHandler(store, log))
	if a.tg != nil {
		a.tg.OnResponse(a.loops.SubmitResponse)
	}

	ctlCfg, err := mapControlConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ctl = control.New(ctlCfg, controlAPI{Service: a.loops, app: a}, log.With(logx.String("comp", "control")))

	if a.watchdog, err = watchdogSpec(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Loops exposes the loop service for in-process callers.
func (a *App) Loops() *loops.Service { return a.loops }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validateConfig)
	}
	run := a.sup.Context()

	if a.presenter != nil {
		if err := a.presenter.Start(run); err != nil {
			return fmt.Errorf("start presenter: %w", err)
		}
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.engine.Start(run)

	// Timers first: a recovered job may re-arm a loop and must win over
	// the persisted timer it replaces.
	if err := a.sched.Start(run); err != nil {
		a.log.Warn("restore timers incomplete", logx.Err(err))
	}
	if n, err := a.engine.Recover(run); err != nil {
		a.log.Warn("recover jobs incomplete", logx.Int("recovered", n), logx.Err(err))
	} else if n > 0 {
		a.log.Info("pending jobs recovered", logx.Int("n", n))
	}

	if err := a.ensureSync(run); err != nil {
		a.log.Warn("arm sync failed; watchdog will retry", logx.Err(err))
	}
	if err := a.applyWatchdog(a.watchdog); err != nil {
		return err
	}

	if a.ctl.Enabled() {
		a.ctl.Start(run)
	}

	if a.bus != nil {
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
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	if iv := a.sd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
			a.sd.RunWatchdog(c, iv, a.healthy)
		})
	}

	a.log.Info("app started")
	return nil
}

// ensureSync arms the midnight Sync unless one is already pending.
func (a *App) ensureSync(ctx context.Context) error {
	if at, ok := a.sched.Pending(wakeup.Key(loop.SyncID)); ok {
		a.log.Debug("sync already armed", logx.Time("at", at))
		return nil
	}
	now := a.calc.Now(time.Now())
	next := a.calc.NextSync(now)
	if err := a.wake.Register(ctx, next, now); err != nil {
		return err
	}
	a.log.Info("sync armed", logx.Time("at", next.FireAt(now)))
	return nil
}

// applyWatchdog (re)registers the cron job that re-arms a lost Sync.
func (a *App) applyWatchdog(spec string) error {
	if spec == "" {
		if a.sched.Remove(watchdogName) {
			a.log.Info("sync watchdog disabled")
		}
		a.watchdog = ""
		return nil
	}
	if _, err := a.sched.AddSchedule(watchdogName, spec, 30*time.Second, a.ensureSync); err != nil {
		return fmt.Errorf("sync watchdog: %w", err)
	}
	a.watchdog = spec
	return nil
}

func (a *App) healthy() bool {
	if a.sup == nil || a.sup.Err() != nil {
		return false
	}
	return a.engine.Snapshot().Running
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	step("control", time.Second, func(c context.Context) error { a.ctl.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.presenter != nil {
		step("presenter", 2*time.Second, a.presenter.Stop)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep runs one shutdown step with an upper bound so one component
// can't stall the whole stop. The caller's deadline is never extended.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
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
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, report when it finally returns.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
