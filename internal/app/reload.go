package app

import (
	"context"
	"strings"
	"time"

	"loopd/internal/config"
	"loopd/internal/notifier"
	"loopd/internal/notifier/tray"
	logx "loopd/pkg/logx"
)

// restartSections cannot be applied to a running daemon.
var restartSections = map[string]bool{
	"timezone": true,
	"storage":  true,
	"backfill": true,
	"telegram": true,
	"tray":     true,
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
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
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid wakeup config; keeping previous", logx.Err(err))
	} else {
		// Civil days follow the boot zone until restart.
		sc.Timezone = a.bootTZ
		a.sched.Apply(sc)
	}

	if spec, err := watchdogSpec(newCfg); err != nil {
		a.log.Warn("invalid wakeup.watchdog; keeping previous", logx.Err(err))
	} else if spec != a.watchdog {
		if err := a.applyWatchdog(spec); err != nil {
			a.log.Warn("sync watchdog update failed", logx.Err(err))
		}
	}

	if nc, presenter, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		if presenter != a.notif.Presenter() && !a.swapPresenter(newCfg, presenter) {
			restart = append(restart, "notifier.presenter")
		}
		prev := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case prev && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if cc, err := mapControlConfig(newCfg); err != nil {
		a.log.Warn("invalid control config; keeping previous", logx.Err(err))
	} else {
		a.ctl.Reconfigure(c, cc)
	}

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if _, err := a.sd.Status("config reloaded: %s", strings.Join(sections, ",")); err != nil {
		a.log.Debug("sd_notify status failed", logx.Err(err))
	}
}

// swapPresenter switches presenters that need no background work. Telegram
// can only be swapped in when it was started at boot.
func (a *App) swapPresenter(cfg *config.Config, name string) bool {
	var p notifier.Presenter
	switch name {
	case "log":
		p = notifier.NewLogPresenter(a.log)
	case "tray":
		tc, err := mapTrayConfig(cfg)
		if err != nil {
			return false
		}
		tp, err := tray.New(tc, a.log)
		if err != nil {
			a.log.Warn("tray presenter unavailable", logx.Err(err))
			return false
		}
		p = tp
	case "telegram":
		if a.tg == nil || a.presenter == nil {
			return false
		}
		p = a.tg
	default:
		return false
	}
	a.notif.SetPresenter(p)
	a.log.Info("presenter switched", logx.String("presenter", name))
	return true
}
