package config

// Config is the daemon's on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secret values (telegram.token, control.token, storage.dsn) may be written
// as "keyring:<service>/<user>" and are resolved at startup.
type Config struct {
	// Timezone is the IANA zone used for civil days and windows. Empty means
	// the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// TaskEngine controls job execution. If omitted, defaults apply.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Wakeup   WakeupConfig   `json:"wakeup"`
	Backfill BackfillConfig `json:"backfill"`

	// Notifier controls the presenter pipeline. If the whole section is
	// omitted, the notifier is enabled with the log presenter.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`
	Tray     TrayConfig      `json:"tray"`

	Control ControlConfig `json:"control"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

// LoggingFile writes JSON lines with lumberjack rotation.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert forwards warn+ records to the Telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./loopd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // sqlite (default), postgres, memory
	Path        string `json:"path,omitempty"`         // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// TaskEngineConfig controls the job engine.
//
// Enabled is a pointer so "omitted" (default true) differs from false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "30s"
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type WakeupConfig struct {
	// ExactAllowed gates precise wake-up registration. Omitted means true.
	ExactAllowed *bool `json:"exact_allowed,omitempty"`
	// Watchdog is a cron spec or @every interval that re-arms a lost sync
	// wake-up (default "@hourly", "off" disables).
	Watchdog string `json:"watchdog,omitempty"`
	// SubmitRetry is the delay before a fired timer retries a failed submit.
	SubmitRetry string `json:"submit_retry,omitempty"`
}

type BackfillConfig struct {
	// MaxLookbackDays caps one pass. 0 means unlimited.
	MaxLookbackDays int `json:"max_lookback_days,omitempty"`
}

// NotifierConfig controls the async presenter pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Presenter       string `json:"presenter"` // log, telegram, tray
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"` // do not log
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
}

type TrayConfig struct {
	Lockfile      string `json:"lockfile,omitempty"`
	ProcessPrefix string `json:"process_prefix,omitempty"`
	Duration      string `json:"duration,omitempty"`
}

// ControlConfig controls the HTTP control plane.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:7767").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof/"

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// DefaultNotifier is the effective notifier section when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Presenter:       "log",
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "10m",
		DedupMaxEntries: 2000,
	}
}
