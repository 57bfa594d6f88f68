// Package backfill keeps the per-day response ledger gap-free.
//
// A pass walks every persisted loop from its creation day (or the stored
// watermark) up to today and inserts a NoResponse record, or Disabled for a
// disabled loop, on each active day that has none. Existing records are
// never touched, so passes are idempotent.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loopd/internal/loop"
	"loopd/internal/metrics"
	logx "loopd/pkg/logx"
)

// WatermarkKey is the meta key holding the last fully backfilled day.
const WatermarkKey = "backfill.watermark"

type Store interface {
	ListLoops(ctx context.Context) ([]loop.Loop, error)
	InsertResponseIfAbsent(ctx context.Context, r loop.Response) (bool, error)
	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error
}

type Config struct {
	// MaxLookbackDays caps how far back a pass reaches. 0 means unlimited.
	MaxLookbackDays int
}

// Report summarizes one pass.
type Report struct {
	Loops       int           `json:"loops"`
	Days        int           `json:"days"`
	Inserted    int           `json:"inserted"`
	FailedLoops int           `json:"failed_loops"`
	Floor       loop.Day      `json:"floor"`
	Today       loop.Day      `json:"today"`
	Advanced    bool          `json:"advanced"`
	Duration    time.Duration `json:"duration"`
}

type Engine struct {
	store Store
	loc   *time.Location
	cfg   Config
	log   logx.Logger
}

func New(store Store, loc *time.Location, cfg Config, log logx.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, loc: loc, cfg: cfg, log: log.With(logx.String("comp", "backfill"))}
}

// Run performs one pass. Per-loop failures do not stop the pass; they are
// joined into the returned error and keep the watermark where it was.
func (e *Engine) Run(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	today := loop.DayOf(now.In(e.loc))
	rep := Report{Today: today}

	var errs []error
	floor, hasFloor, err := e.floor(ctx, today)
	if err != nil {
		errs = append(errs, err)
	}
	rep.Floor = floor

	loops, err := e.store.ListLoops(ctx)
	if err != nil {
		return rep, fmt.Errorf("backfill: list loops: %w", err)
	}

	var lookbackMin loop.Day
	if e.cfg.MaxLookbackDays > 0 {
		lookbackMin = today.AddDays(-e.cfg.MaxLookbackDays)
	}

	for _, l := range loops {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if l.IsSync() {
			continue
		}
		rep.Loops++

		from := today
		if !l.CreatedAt.IsZero() {
			from = loop.DayOf(l.CreatedAt.In(e.loc))
		}
		if hasFloor && floor.After(from) {
			from = floor
		}
		if !lookbackMin.IsZero() && from.Before(lookbackMin) {
			from = lookbackMin
		}

		state := loop.NoResponse
		if !l.Enabled {
			state = loop.Disabled
		}
		failed := false
		for d := from; !d.After(today); d = d.AddDays(1) {
			rep.Days++
			if !l.ActiveOn(d) {
				continue
			}
			ok, err := e.store.InsertResponseIfAbsent(ctx, loop.Response{LoopID: l.ID, Day: d, State: state, UpdatedAt: now})
			if err != nil {
				errs = append(errs, fmt.Errorf("loop %d day %s: %w", l.ID, d, err))
				failed = true
				break
			}
			if ok {
				rep.Inserted++
			}
		}
		if failed {
			rep.FailedLoops++
		}
	}

	metrics.BackfillInserted.Add(float64(rep.Inserted))
	if len(errs) == 0 {
		if err := e.store.PutMeta(ctx, WatermarkKey, today.String()); err != nil {
			errs = append(errs, fmt.Errorf("backfill: store watermark: %w", err))
		} else {
			rep.Advanced = true
		}
	}
	rep.Duration = time.Since(start)

	log := e.log.With(
		logx.Int("loops", rep.Loops),
		logx.Int("days", rep.Days),
		logx.Int("inserted", rep.Inserted),
		logx.String("today", today.String()),
	)
	if len(errs) > 0 {
		metrics.BackfillErrors.Inc()
		err := errors.Join(errs...)
		log.Warn("backfill pass incomplete", logx.Int("failed_loops", rep.FailedLoops), logx.Err(err))
		return rep, err
	}
	log.Info("backfill pass done", logx.Duration("took", rep.Duration))
	return rep, nil
}

// floor returns the stored watermark clamped to at most yesterday, so a
// repeated pass on the same day still revisits yesterday and today.
func (e *Engine) floor(ctx context.Context, today loop.Day) (loop.Day, bool, error) {
	raw, ok, err := e.store.GetMeta(ctx, WatermarkKey)
	if err != nil {
		return loop.Day{}, false, fmt.Errorf("backfill: read watermark: %w", err)
	}
	if !ok {
		return loop.Day{}, false, nil
	}
	wm, err := loop.ParseDay(raw)
	if err != nil {
		return loop.Day{}, false, fmt.Errorf("backfill: bad watermark %q: %w", raw, err)
	}
	if yesterday := today.AddDays(-1); wm.After(yesterday) {
		wm = yesterday
	}
	return wm, true, nil
}
