package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "loopd/pkg/logx"
)

const sampleJSON = `{
  "timezone": "Europe/Berlin",
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "alert": {"enabled": false, "min_level": "", "rate_per_sec": 0}},
  "storage": {"driver": "sqlite", "path": "loopd.db", "busy_timeout": "2s"},
  "wakeup": {"watchdog": "@hourly"},
  "backfill": {},
  "telegram": {"token": "keyring:loopd/telegram", "chat_id": 42, "owner_user_ids": [7], "poll_timeout": "10s"},
  "tray": {},
  "control": {"enabled": true, "addr": "127.0.0.1:7767", "pprof": {"enabled": false}}
}`

const sampleYAML = `
timezone: Europe/Berlin
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: loopd.db
  busy_timeout: 2s
notifier:
  enabled: true
  presenter: telegram
  workers: 1
  queue_size: 64
  rate_per_sec: 1
  retry_max: 2
  retry_base: 1s
  retry_max_delay: 30s
  dedup_window: 10m
  dedup_max_entries: 100
telegram:
  token: "123:abc"
  chat_id: 42
  owner_user_ids: [7, 8]
control:
  enabled: true
`

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		path    string
		data    string
		wantErr string
	}{
		{"json", "c.json", sampleJSON, ""},
		{"yaml", "c.yaml", sampleYAML, ""},
		{"yml", "c.yml", sampleYAML, ""},
		{"unknown field", "c.json", `{"timezone":"UTC","plugins":{}}`, "unknown field"},
		{"unknown yaml field", "c.yaml", "scheduler:\n  enabled: true\n", "unknown field"},
		{"trailing data", "c.json", `{"timezone":"UTC"} {"timezone":"UTC"}`, "trailing data"},
		{"bad yaml", "c.yaml", "timezone: [", "yaml"},
		{"no extension json", "loopd", sampleJSON, ""},
		{"no extension yaml", "loopd", sampleYAML, ""},
		{"two yaml documents", "c.yaml", "timezone: UTC\n---\ntimezone: UTC\n", "single document"},
		{"non-string yaml key", "c.yaml", "telegram:\n  1: x\n", "telegram: key 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.path, []byte(tt.data))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Decode = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.Timezone != "Europe/Berlin" || cfg.Storage.Driver != "sqlite" || cfg.Telegram.ChatID != 42 {
				t.Fatalf("cfg = %+v", cfg)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	for _, data := range []string{"", "# nothing yet\n"} {
		cfg, err := Decode("c.yaml", []byte(data))
		if err != nil {
			t.Fatalf("Decode(%q): %v", data, err)
		}
		if cfg.Timezone != "" || cfg.Notifier != nil {
			t.Fatalf("Decode(%q) = %+v, want zero config", data, cfg)
		}
	}
}

func TestDecodeYAMLSections(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Notifier == nil || cfg.Notifier.Presenter != "telegram" || cfg.Notifier.RetryBase != "1s" {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 8 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.TaskEngine != nil {
		t.Fatalf("omitted task_engine decoded as %+v", cfg.TaskEngine)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, 5 * time.Second, false},
		{"0s", 5 * time.Second, 5 * time.Second, false},
		{" 250ms ", time.Second, 250 * time.Millisecond, false},
		{"1h30m", 0, 90 * time.Minute, false},
		{"2d", 0, 48 * time.Hour, false},
		{"-1d", 0, 0, true},
		{"xd", 0, 0, true},
		{"-1s", 0, 0, true},
		{"soon", 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x.timeout", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
		if err != nil && !strings.Contains(err.Error(), "x.timeout") {
			t.Fatalf("error %q does not name the field", err)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := *a
	b.Telegram.Token = "999:supersecret"
	b.Control.Token = "hunter2"
	b.Logging.Level = "info"

	changed, attrs := SummarizeConfigChange(a, &b)
	want := []string{"control", "logging", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	var buf strings.Builder
	log := logx.NewWriter(&buf, "debug")
	log.Info("summary", attrs...)
	out := buf.String()
	for _, secret := range []string{"supersecret", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Fatalf("summary leaks %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "telegram.token_set") {
		t.Fatalf("summary lacks token_set attr: %s", out)
	}

	if changed, _ := SummarizeConfigChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
	// An omitted notifier equals the explicit defaults.
	n := DefaultNotifier()
	c := *a
	c.Notifier = &n
	if changed, _ := SummarizeConfigChange(a, &c); len(changed) != 0 {
		t.Fatalf("default notifier changed = %v", changed)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "loopd.json")
	if err := os.WriteFile(path, []byte(`{"timezone":"UTC"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Timezone == "Mars/Olympus" {
			return errors.New("no such zone")
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Rejected first, then accepted. Rewrite until the watcher sees it.
	write := func(tz string) {
		if err := os.WriteFile(path, []byte(`{"timezone":"`+tz+`"}`), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	write("Mars/Olympus")
	for {
		select {
		case cfg := <-sub:
			if cfg.Timezone != "Asia/Tokyo" {
				t.Fatalf("published timezone = %q, want Asia/Tokyo", cfg.Timezone)
			}
			if m.Get().Timezone != "Asia/Tokyo" {
				t.Fatalf("Get().Timezone = %q after publish", m.Get().Timezone)
			}
			return
		case <-tick.C:
			write("Asia/Tokyo")
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	m.publish(&Config{})
	m.Unsubscribe(ch)
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.publish(&Config{Timezone: "A"})
	m.publish(&Config{Timezone: "B"})
	if got := (<-ch).Timezone; got != "B" {
		t.Fatalf("received %q, want B", got)
	}
}
