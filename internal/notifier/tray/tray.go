// Package tray posts reminders to a local desktop tray app.
//
// The tray app advertises itself with a lockfile holding "port|pid|secret".
// Before every request the pid is checked against the running process list,
// so a stale lockfile never sends reminders to whatever reused the port.
package tray

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ps "github.com/mitchellh/go-ps"

	"loopd/internal/loop"
	"loopd/internal/notifier"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

const (
	DefaultProcessPrefix = "loopd-tray"
	lockfileName         = "tray.lock"
	secretHeader         = "X-Loopd-Secret"
)

var ErrNotRunning = errors.New("tray app is not running")

type Config struct {
	// Lockfile defaults to <user config dir>/loopd/tray.lock.
	Lockfile      string
	ProcessPrefix string
	Duration      time.Duration
}

type showPayload struct {
	LoopID     loop.ID `json:"loop_id"`
	Title      string  `json:"title"`
	Text       string  `json:"text"`
	Kind       string  `json:"kind"`
	Date       string  `json:"date"`
	DurationMs int64   `json:"duration_ms"`
}

type dismissPayload struct {
	LoopID loop.ID `json:"loop_id"`
}

type Presenter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	findProcess func(pid int) (ps.Process, error)
}

func New(cfg Config, log logx.Logger) (*Presenter, error) {
	if cfg.Lockfile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("tray: locate config dir: %w", err)
		}
		cfg.Lockfile = filepath.Join(dir, "loopd", lockfileName)
	}
	if cfg.ProcessPrefix == "" {
		cfg.ProcessPrefix = DefaultProcessPrefix
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Presenter{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "presenter.tray")),
		http:        &http.Client{Timeout: 5 * time.Second},
		findProcess: ps.FindProcess,
	}, nil
}

func (p *Presenter) Name() string { return "tray" }

func (p *Presenter) Show(ctx context.Context, r notifier.Reminder) error {
	text := fmt.Sprintf("%s (%s-%s)", r.Loop.Title, loop.FormatClock(r.Loop.WindowStart), loop.FormatClock(r.Loop.WindowEnd))
	if r.Kind == "end" {
		text += ", window closing"
	}
	return p.post(ctx, "/", showPayload{
		LoopID:     r.Loop.ID,
		Title:      r.Loop.Title,
		Text:       text,
		Kind:       r.Kind,
		Date:       r.Day.String(),
		DurationMs: p.cfg.Duration.Milliseconds(),
	})
}

func (p *Presenter) Dismiss(ctx context.Context, id loop.ID) error {
	return p.post(ctx, "/dismiss", dismissPayload{LoopID: id})
}

type endpoint struct {
	port   int
	secret string
}

// locate reads the lockfile and checks that its pid belongs to the tray app.
func (p *Presenter) locate() (endpoint, error) {
	content, err := os.ReadFile(p.cfg.Lockfile)
	if err != nil {
		return endpoint{}, ErrNotRunning
	}
	parts := strings.Split(strings.TrimSpace(string(content)), "|")
	if len(parts) != 3 {
		return endpoint{}, errors.New("tray lockfile is malformed")
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || port < 1 || port > 65535 {
		return endpoint{}, fmt.Errorf("tray lockfile: invalid port %q", parts[0])
	}
	pid, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return endpoint{}, fmt.Errorf("tray lockfile: invalid pid %q", parts[1])
	}
	secret := strings.TrimSpace(parts[2])
	if secret == "" {
		return endpoint{}, errors.New("tray lockfile: empty secret")
	}

	proc, err := p.findProcess(pid)
	if err != nil || proc == nil {
		return endpoint{}, ErrNotRunning
	}
	if !strings.HasPrefix(proc.Executable(), p.cfg.ProcessPrefix) {
		return endpoint{}, fmt.Errorf("%w: pid %d is %s", ErrNotRunning, pid, proc.Executable())
	}
	return endpoint{port: port, secret: secret}, nil
}

func (p *Presenter) post(ctx context.Context, path string, body any) error {
	ep, err := p.locate()
	if err != nil {
		// Nothing to retry against until the tray app starts.
		return engine.NoRetry(err)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return engine.NoRetry(err)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", ep.port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return engine.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, ep.secret)

	res, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	err = fmt.Errorf("tray %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(msg)))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return engine.NoRetry(err)
	}
	return err
}
