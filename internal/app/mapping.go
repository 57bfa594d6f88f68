package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"loopd/internal/backfill"
	"loopd/internal/config"
	"loopd/internal/control"
	"loopd/internal/notifier"
	"loopd/internal/notifier/telegram"
	"loopd/internal/notifier/tray"
	"loopd/internal/secrets"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	"loopd/internal/task/scheduler"
	logx "loopd/pkg/logx"
)

const (
	defaultWatchdog = "@hourly"
	defaultDBName   = "loopd.db"
)

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig resolves the storage section. A relative sqlite path is
// taken relative to baseDir (the config file's directory).
func mapStorageConfig(cfg *config.Config, baseDir string) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultDBName
		}
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn, err := secrets.Resolve("storage.dsn", sc.DSN)
		if err != nil {
			return storage.Config{}, err
		}
		if strings.TrimSpace(dsn) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxConns: int32(sc.MaxConns)}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported; loops must be persisted")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig applies defaults for omitted fields.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	timeoutStr, delayStr := "", ""

	if tc := cfg.TaskEngine; tc != nil {
		if tc.Enabled != nil && !*tc.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false; wake-ups are delivered through it")
		}
		if tc.Workers < 0 || tc.QueueSize < 0 || tc.HistorySize < 0 || tc.RetryMax < 0 {
			return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
		}
		if tc.Workers > 0 {
			out.Workers = tc.Workers
		}
		if tc.QueueSize > 0 {
			out.QueueSize = tc.QueueSize
		}
		if tc.HistorySize > 0 {
			out.HistorySize = tc.HistorySize
		}
		if tc.RetryMax > 0 {
			out.RetryMax = tc.RetryMax
		}
		timeoutStr, delayStr = tc.DefaultTimeout, tc.MaxQueueDelay
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", timeoutStr, 30*time.Second); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", delayStr); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	exact := true
	if cfg.Wakeup.ExactAllowed != nil {
		exact = *cfg.Wakeup.ExactAllowed
	}
	retry, err := config.ParseDurationOrDefault("wakeup.submit_retry", cfg.Wakeup.SubmitRetry, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      true,
		Timezone:     strings.TrimSpace(cfg.Timezone),
		ExactAllowed: exact,
		SubmitRetry:  retry,
	}, nil
}

// watchdogSpec returns the watchdog schedule, or "" when it is turned off.
func watchdogSpec(cfg *config.Config) (string, error) {
	spec := strings.TrimSpace(cfg.Wakeup.Watchdog)
	switch strings.ToLower(spec) {
	case "":
		return defaultWatchdog, nil
	case "off", "none", "disabled":
		return "", nil
	}
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return "", fmt.Errorf("wakeup.watchdog: %w", err)
	}
	return spec, nil
}

func mapBackfillConfig(cfg *config.Config) (backfill.Config, error) {
	if cfg.Backfill.MaxLookbackDays < 0 {
		return backfill.Config{}, fmt.Errorf("backfill.max_lookback_days must be >= 0")
	}
	return backfill.Config{MaxLookbackDays: cfg.Backfill.MaxLookbackDays}, nil
}

// mapNotifierConfig returns the pipeline config and the presenter name.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string, error) {
	def := config.DefaultNotifier()
	nc := def
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, "", fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	if nc.Workers == 0 {
		nc.Workers = def.Workers
	}
	if nc.QueueSize == 0 {
		nc.QueueSize = def.QueueSize
	}
	if nc.RatePerSec == 0 {
		nc.RatePerSec = def.RatePerSec
	}
	if nc.DedupMaxEntries == 0 {
		nc.DedupMaxEntries = def.DedupMaxEntries
	}

	presenter := strings.ToLower(strings.TrimSpace(nc.Presenter))
	switch presenter {
	case "":
		presenter = def.Presenter
	case "log", "telegram", "tray":
	default:
		return notifier.Config{}, "", fmt.Errorf("notifier.presenter: unknown %q (log, telegram, tray)", nc.Presenter)
	}

	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, "", err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, "", err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, "", err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}, presenter, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	token, err := secrets.Resolve("telegram.token", tc.Token)
	if err != nil {
		return telegram.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        token,
		ChatID:       tc.ChatID,
		ThreadID:     tc.ThreadID,
		PollTimeout:  poll,
		OwnerUserIDs: append([]int64(nil), tc.OwnerUserIDs...),
	}, nil
}

func mapTrayConfig(cfg *config.Config) (tray.Config, error) {
	d, err := config.ParseDurationOrDefault("tray.duration", cfg.Tray.Duration, 10*time.Second)
	if err != nil {
		return tray.Config{}, err
	}
	return tray.Config{
		Lockfile:      strings.TrimSpace(cfg.Tray.Lockfile),
		ProcessPrefix: strings.TrimSpace(cfg.Tray.ProcessPrefix),
		Duration:      d,
	}, nil
}

func mapControlConfig(cfg *config.Config) (control.Config, error) {
	cc := cfg.Control
	token, err := secrets.Resolve("control.token", cc.Token)
	if err != nil {
		return control.Config{}, err
	}
	addr := strings.TrimSpace(cc.Addr)
	if addr == "" {
		addr = control.DefaultAddr
	}
	out := control.Config{
		Enabled:       cc.Enabled,
		Addr:          addr,
		Token:         token,
		AllowInsecure: cc.AllowInsecure,
		Pprof: control.PprofConfig{
			Enabled:              cc.Pprof.Enabled,
			Prefix:               cc.Pprof.Prefix,
			MutexProfileFraction: cc.Pprof.MutexProfileFraction,
			BlockProfileRate:     cc.Pprof.BlockProfileRate,
			MemProfileRate:       cc.Pprof.MemProfileRate,
		},
	}
	if out.ReadTimeout, err = config.ParseDurationOrDefault("control.read_timeout", cc.ReadTimeout, 10*time.Second); err != nil {
		return control.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("control.write_timeout", cc.WriteTimeout); err != nil {
		return control.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("control.idle_timeout", cc.IdleTimeout, time.Minute); err != nil {
		return control.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed, at boot and on
// every hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := watchdogSpec(cfg); err != nil {
		return err
	}
	if _, err := mapBackfillConfig(cfg); err != nil {
		return err
	}
	_, presenter, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	if presenter == "telegram" || cfg.Logging.Alert.Enabled {
		if strings.TrimSpace(tc.Token) == "" || tc.ChatID == 0 {
			return fmt.Errorf("telegram.token and telegram.chat_id are required for the telegram presenter and log alerts")
		}
	}
	if _, err := mapTrayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapControlConfig(cfg); err != nil {
		return err
	}
	return nil
}
