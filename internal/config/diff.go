package config

import (
	"reflect"
	"sort"
	"strings"

	logx "loopd/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets (tokens, DSNs) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oSt, nSt := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oSt.Driver) != strings.TrimSpace(nSt.Driver) ||
		strings.TrimSpace(oSt.Path) != strings.TrimSpace(nSt.Path) ||
		strings.TrimSpace(oSt.BusyTimeout) != strings.TrimSpace(nSt.BusyTimeout) ||
		oSt.MaxConns != nSt.MaxConns ||
		oSt.DSN != nSt.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := nTE.Enabled == nil || *nTE.Enabled
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Wakeup, newCfg.Wakeup) {
		changed = append(changed, "wakeup")
		exact := newCfg.Wakeup.ExactAllowed == nil || *newCfg.Wakeup.ExactAllowed
		attrs = append(attrs,
			logx.Bool("wakeup.exact_allowed", exact),
			logx.String("wakeup.watchdog", strings.TrimSpace(newCfg.Wakeup.Watchdog)),
		)
	}

	if oldCfg.Backfill != newCfg.Backfill {
		changed = append(changed, "backfill")
		attrs = append(attrs, logx.Int("backfill.max_lookback_days", newCfg.Backfill.MaxLookbackDays))
	}

	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.String("notifier.presenter", newN.Presenter),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.chat_set", nt.ChatID != 0),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	if oldCfg.Tray != newCfg.Tray {
		changed = append(changed, "tray")
		attrs = append(attrs,
			logx.String("tray.lockfile", strings.TrimSpace(newCfg.Tray.Lockfile)),
			logx.String("tray.process_prefix", strings.TrimSpace(newCfg.Tray.ProcessPrefix)),
		)
	}

	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", strings.TrimSpace(newCfg.Control.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
			logx.Bool("control.allow_insecure", newCfg.Control.AllowInsecure),
			logx.Bool("control.pprof", newCfg.Control.Pprof.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
