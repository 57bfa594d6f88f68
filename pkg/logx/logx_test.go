package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestWithFieldsAreApplied(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Info("hello", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["n"] != float64(3) || m["message"] != "hello" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatal("nil error should not be logged")
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q, want logx_test.go:<line>", c)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	t.Parallel()
	l := NewWriter(&bytes.Buffer{}, "warn")
	if l.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestServiceFileAndAlertSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "loopd.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	sender := &captureSender{}
	svc.SetAlertSender(sender)

	log.Info("quiet")
	log.Warn("loud", String("loop", "7"))

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("alerts = %d, want 1 (%v)", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] loud") || !strings.Contains(msgs[0], "- loop=7") {
		t.Fatalf("alert text = %q", msgs[0])
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"message":"quiet"`) || !strings.Contains(string(b), `"message":"loud"`) {
		t.Fatalf("log file missing records: %s", b)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatAlert = %q", got)
	}
}
