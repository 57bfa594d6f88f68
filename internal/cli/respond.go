package cli

import (
	"fmt"

	"loopd/internal/loop"
)

type DoneCmd struct {
	ID   int64  `arg:"" help:"Loop id."`
	Date string `help:"Day to answer for (YYYY-MM-DD). Defaults to today."`
}

func (c *DoneCmd) Run(ctx *Context) error { return respond(ctx, c.ID, c.Date, loop.Done) }

type SkipCmd struct {
	ID   int64  `arg:"" help:"Loop id."`
	Date string `help:"Day to answer for (YYYY-MM-DD). Defaults to today."`
}

func (c *SkipCmd) Run(ctx *Context) error { return respond(ctx, c.ID, c.Date, loop.Skip) }

func respond(ctx *Context, id int64, date string, state loop.ResponseState) error {
	day, err := parseDate("--date", date)
	if err != nil {
		return err
	}
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	if err := api.Respond(rctx, loop.ID(id), day, state); err != nil {
		return err
	}
	when := "today"
	if !day.IsZero() {
		when = day.String()
	}
	ctx.printf("Loop %d marked %s for %s\n", id, state, when)
	return nil
}

type HistoryCmd struct {
	ID   int64  `arg:"" help:"Loop id."`
	From string `help:"First day (YYYY-MM-DD). Defaults to 30 days before --to."`
	To   string `help:"Last day (YYYY-MM-DD). Defaults to today."`
}

func (c *HistoryCmd) Run(ctx *Context) error {
	from, err := parseDate("--from", c.From)
	if err != nil {
		return err
	}
	to, err := parseDate("--to", c.To)
	if err != nil {
		return err
	}
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
	hist, err := api.History(rctx, l.ID, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Out, titleStyle.Render(describe(l)))
	if len(hist) == 0 {
		ctx.printf("No responses recorded\n")
		return nil
	}
	fmt.Fprintln(ctx.Out, renderHistory(hist))
	return nil
}
