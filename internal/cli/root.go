// Package cli holds the loopd command tree. Every command except serve and
// secret talks to a running daemon through the control API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"loopd/internal/config"
	"loopd/internal/control"
	"loopd/internal/control/client"
	"loopd/internal/loop"
	"loopd/internal/secrets"
)

const requestTimeout = 15 * time.Second

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Config file path." type:"path" default:"/etc/loopd/loopd.yaml" env:"LOOPD_CONFIG"`
	Addr   string `help:"Control API address. Defaults to control.addr from the config." env:"LOOPD_ADDR"`
	Token  string `help:"Control API token. Defaults to control.token from the config." env:"LOOPD_TOKEN"`
}

type Context struct {
	Globals
	Out io.Writer
	In  io.Reader

	api control.API
}

func NewContext(g Globals, out io.Writer, in io.Reader) *Context {
	return &Context{Globals: g, Out: out, In: in}
}

// API returns the control client, reading the address and token from the
// config file when no flag overrides them.
func (c *Context) API() (control.API, error) {
	if c.api != nil {
		return c.api, nil
	}
	addr, token := strings.TrimSpace(c.Addr), strings.TrimSpace(c.Token)
	if addr == "" || token == "" {
		cc, err := c.controlSection()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cc.Addr
		}
		if token == "" {
			if token, err = secrets.Resolve("control.token", cc.Token); err != nil {
				return nil, err
			}
		}
	}
	if addr == "" {
		addr = control.DefaultAddr
	}
	c.api = client.New(addr, token)
	return c.api, nil
}

func (c *Context) controlSection() (config.ControlConfig, error) {
	if c.Config == "" {
		return config.ControlConfig{}, nil
	}
	cfg, err := config.NewConfigManager(c.Config).Parse()
	if errors.Is(err, os.ErrNotExist) {
		return config.ControlConfig{}, nil
	}
	if err != nil {
		return config.ControlConfig{}, fmt.Errorf("read %s: %w", c.Config, err)
	}
	return cfg.Control, nil
}

func (c *Context) request() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (c *Context) printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format, args...)
}

// window parses "HH:MM" bounds.
func window(start, end string) (time.Duration, time.Duration, error) {
	s, err := loop.ParseClock(start)
	if err != nil {
		return 0, 0, fmt.Errorf("--start: %w", err)
	}
	e, err := loop.ParseClock(end)
	if err != nil {
		return 0, 0, fmt.Errorf("--end: %w", err)
	}
	return s, e, nil
}

// parseEvery accepts a Go duration; "", "0" and "none" mean no repeats.
func parseEvery(v string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "none", "off":
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("--every: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("--every must be positive")
	}
	return d, nil
}

func parseDate(flag, v string) (loop.Day, error) {
	if strings.TrimSpace(v) == "" {
		return loop.Day{}, nil
	}
	d, err := loop.ParseDay(strings.TrimSpace(v))
	if err != nil {
		return loop.Day{}, fmt.Errorf("%s: %w", flag, err)
	}
	return d, nil
}
