package cli

import (
	"fmt"
	"strconv"
	"strings"

	"loopd/internal/loop"
)

type ListCmd struct {
	Enabled bool `help:"Show only enabled loops."`
}

func (c *ListCmd) Run(ctx *Context) error {
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	all, err := api.List(rctx)
	if err != nil {
		return err
	}
	shown := all[:0:0]
	for _, l := range all {
		if c.Enabled && !l.Enabled {
			continue
		}
		shown = append(shown, l)
	}
	if len(shown) == 0 {
		ctx.printf("No loops found\n")
		return nil
	}
	fmt.Fprintln(ctx.Out, renderLoops(shown))
	return nil
}

type AddCmd struct {
	Title    string `arg:"" help:"Loop title."`
	Start    string `short:"s" help:"Window start (HH:MM)." required:""`
	End      string `short:"e" help:"Window end (HH:MM)." required:""`
	Days     string `short:"d" help:"Active days (mon,tue,... | weekdays | weekends | everyday)." default:"everyday"`
	Every    string `short:"r" help:"Repeat interval inside the window, e.g. 30m. Empty fires once."`
	Color    string `short:"c" help:"Color as #RRGGBB or #AARRGGBB."`
	Disabled bool   `help:"Create the loop disabled."`
}

func (c *AddCmd) Run(ctx *Context) error {
	start, end, err := window(c.Start, c.End)
	if err != nil {
		return err
	}
	days, err := loop.ParseDayMask(c.Days)
	if err != nil {
		return fmt.Errorf("--days: %w", err)
	}
	every, err := parseEvery(c.Every)
	if err != nil {
		return err
	}
	color, err := parseColor(c.Color)
	if err != nil {
		return err
	}

	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	l, err := api.Create(rctx, loop.Loop{
		Title:          c.Title,
		Color:          color,
		WindowStart:    start,
		WindowEnd:      end,
		ActiveDays:     days,
		RepeatInterval: every,
		Enabled:        !c.Disabled,
	})
	if err != nil {
		return err
	}
	ctx.printf("Created loop %d: %s\n", l.ID, describe(l))
	return nil
}

// EditCmd changes only the flags that are given.
type EditCmd struct {
	ID    int64  `arg:"" help:"Loop id."`
	Title string `short:"t" help:"New title."`
	Start string `short:"s" help:"New window start (HH:MM)."`
	End   string `short:"e" help:"New window end (HH:MM)."`
	Days  string `short:"d" help:"New active days."`
	Every string `short:"r" help:"New repeat interval; 'none' fires once."`
	Color string `short:"c" help:"New color as #RRGGBB."`
}

func (c *EditCmd) Run(ctx *Context) error {
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	l, err := api.Get(rctx, loop.ID(c.ID))
	if err != nil {
		return err
	}
	if err := c.apply(&l); err != nil {
		return err
	}
	l, err = api.Update(rctx, l)
	if err != nil {
		return err
	}
	ctx.printf("Updated loop %d: %s\n", l.ID, describe(l))
	return nil
}

func (c *EditCmd) apply(l *loop.Loop) error {
	if c.Title != "" {
		l.Title = c.Title
	}
	if c.Start != "" {
		v, err := loop.ParseClock(c.Start)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		l.WindowStart = v
	}
	if c.End != "" {
		v, err := loop.ParseClock(c.End)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}
		l.WindowEnd = v
	}
	if c.Days != "" {
		v, err := loop.ParseDayMask(c.Days)
		if err != nil {
			return fmt.Errorf("--days: %w", err)
		}
		l.ActiveDays = v
	}
	if c.Every != "" {
		v, err := parseEvery(c.Every)
		if err != nil {
			return err
		}
		l.RepeatInterval = v
	}
	if c.Color != "" {
		v, err := parseColor(c.Color)
		if err != nil {
			return err
		}
		l.Color = v
	}
	return nil
}

type EnableCmd struct {
	ID int64 `arg:"" help:"Loop id."`
}

func (c *EnableCmd) Run(ctx *Context) error { return toggle(ctx, loop.ID(c.ID), true) }

type DisableCmd struct {
	ID int64 `arg:"" help:"Loop id."`
}

func (c *DisableCmd) Run(ctx *Context) error { return toggle(ctx, loop.ID(c.ID), false) }

func toggle(ctx *Context, id loop.ID, enabled bool) error {
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	l, err := api.SetEnabled(rctx, id, enabled)
	if err != nil {
		return err
	}
	state := "disabled"
	if l.Enabled {
		state = "enabled"
	}
	ctx.printf("Loop %d %s\n", l.ID, state)
	return nil
}

type DeleteCmd struct {
	ID int64 `arg:"" help:"Loop id."`
}

func (c *DeleteCmd) Run(ctx *Context) error {
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	if err := api.Delete(rctx, loop.ID(c.ID)); err != nil {
		return err
	}
	ctx.printf("Deleted loop %d\n", c.ID)
	return nil
}

func describe(l loop.Loop) string {
	s := fmt.Sprintf("%s %s-%s %s", l.Title, loop.FormatClock(l.WindowStart), loop.FormatClock(l.WindowEnd), l.ActiveDays)
	if l.RepeatInterval > 0 {
		s += " every " + l.RepeatInterval.String()
	}
	return s
}

// parseColor reads "#RRGGBB" (opaque) or "#AARRGGBB".
func parseColor(v string) (uint32, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "#")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil || (len(v) != 6 && len(v) != 8) {
		return 0, fmt.Errorf("--color: invalid %q (want #RRGGBB)", v)
	}
	if len(v) == 6 {
		n |= 0xFF000000
	}
	return uint32(n), nil
}
