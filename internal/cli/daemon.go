package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loopd/internal/app"
)

type ServeCmd struct {
	StopTimeout time.Duration `help:"Upper bound for a graceful stop." default:"10s"`
}

func (c *ServeCmd) Run(ctx *Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(ctx.Config)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.StopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type SyncCmd struct{}

func (c *SyncCmd) Run(ctx *Context) error {
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	if err := api.Sync(rctx); err != nil {
		return err
	}
	ctx.printf("Sync queued\n")
	return nil
}

type StatusCmd struct{}

func (c *StatusCmd) Run(ctx *Context) error {
	api, err := ctx.API()
	if err != nil {
		return err
	}
	rctx, cancel := ctx.request()
	defer cancel()
	st, err := api.Status(rctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Out, renderStatus(st))
	return nil
}
