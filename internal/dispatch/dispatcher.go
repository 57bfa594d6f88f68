// Package dispatch runs the per-wake-up state machine.
//
// Every delivered wake-up ends up in Dispatcher.Handle on the job engine,
// serialized with other work on the same loop key. Start and Repeat arm the
// follow-up before notifying, End clears the day, and Sync repairs the
// ledger, re-arms every loop and arms the next Sync.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loopd/internal/backfill"
	"loopd/internal/eventbus"
	"loopd/internal/loop"
	"loopd/internal/metrics"
	"loopd/internal/notifier"
	"loopd/internal/schedule"
	"loopd/internal/task/engine"
	"loopd/internal/wakeup"
	logx "loopd/pkg/logx"
)

// Registrar arms and disarms loop wake-ups.
type Registrar interface {
	Register(ctx context.Context, a schedule.Action, now time.Time) error
	Cancel(ctx context.Context, l loop.Loop) error
}

type Backfiller interface {
	Run(ctx context.Context, now time.Time) (backfill.Report, error)
}

type Store interface {
	ListLoops(ctx context.Context) ([]loop.Loop, error)
	GetResponse(ctx context.Context, id loop.ID, day loop.Day) (loop.Response, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, r notifier.Reminder) error
	Dismiss(ctx context.Context, id loop.ID) error
}

// Responder records an explicit user response.
type Responder interface {
	Record(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error
}

type Dispatcher struct {
	calc     *schedule.Calculator
	reg      Registrar
	backfill Backfiller
	store    Store
	notify   Notifier
	respond  Responder
	bus      eventbus.Bus
	log      logx.Logger

	now func() time.Time
}

type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func New(calc *schedule.Calculator, reg Registrar, bf Backfiller, store Store, n Notifier, r Responder, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		calc:     calc,
		reg:      reg,
		backfill: bf,
		store:    store,
		notify:   n,
		respond:  r,
		log:      log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// HandleJob is the engine handler for wakeup.deliver jobs.
func (d *Dispatcher) HandleJob(ctx context.Context, payload []byte) error {
	p, err := wakeup.Decode(payload)
	if err != nil {
		metrics.DispatchDropped.Inc()
		d.log.Warn("wake-up dropped", logx.Err(err), logx.Int("bytes", len(payload)))
		return engine.NoRetry(err)
	}
	return d.Handle(ctx, p)
}

// Handle runs the transition for one validated payload.
func (d *Dispatcher) Handle(ctx context.Context, p wakeup.Payload) error {
	now := d.calc.Now(d.now())
	l := *p.Loop
	log := d.log.With(logx.String("token", string(p.Token)), logx.Int64("loop", int64(l.ID)))
	if !p.IntendedAt.IsZero() {
		log = log.With(logx.Duration("late", now.Sub(p.IntendedAt)))
	}
	metrics.RecordDispatch(string(p.Token))
	log.Debug("wake-up delivered")

	var err error
	switch p.Token {
	case wakeup.TokenSync:
		err = d.sync(ctx, now, log)
	case wakeup.TokenStart, wakeup.TokenRepeat:
		err = d.fire(ctx, now, p, log)
	case wakeup.TokenEnd:
		err = d.end(ctx, now, l, log)
	case wakeup.TokenDone:
		err = d.answer(ctx, now, p, loop.Done, log)
	case wakeup.TokenCancel:
		err = d.answer(ctx, now, p, loop.Skip, log)
	default:
		metrics.DispatchDropped.Inc()
		return engine.NoRetry(fmt.Errorf("%w: token %q", wakeup.ErrMalformed, p.Token))
	}
	eventbus.Publish(d.bus, "dispatch.handled", Event{Token: string(p.Token), LoopID: l.ID, At: now, Error: errText(err)})
	return err
}

// Gate reports whether a notification for l may be shown at now.
func (d *Dispatcher) Gate(now time.Time, l loop.Loop) bool {
	if l.IsSync() {
		return false
	}
	t := d.calc.Now(now)
	day := loop.DayOf(t)
	if !l.ActiveOn(day) {
		return false
	}
	start, end := l.Window(day, d.calc.Location())
	return !t.Before(start) && t.Before(end)
}

func (d *Dispatcher) fire(ctx context.Context, now time.Time, p wakeup.Payload, log logx.Logger) error {
	l := *p.Loop

	// A wake-up meant for an earlier day is re-planned from scratch.
	if !p.IntendedAt.IsZero() && loop.DayOf(d.calc.Now(p.IntendedAt)) != loop.DayOf(now) {
		log.Info("stale wake-up re-planned", logx.Time("intended", p.IntendedAt))
		if a, ok := d.calc.Next(now, l); ok {
			return d.reg.Register(ctx, a, now)
		}
		return nil
	}

	var next schedule.Action
	if p.Token == wakeup.TokenStart {
		next = d.calc.AfterStart(now, l)
	} else {
		next = d.calc.AfterRepeat(now, l)
	}
	if err := d.reg.Register(ctx, next, now); err != nil {
		return fmt.Errorf("dispatch %s: register %s: %w", p.Token, next.Kind, err)
	}

	if !d.Gate(now, l) {
		log.Debug("notify gate closed")
		return nil
	}
	day := loop.DayOf(now)
	if r, ok, err := d.store.GetResponse(ctx, l.ID, day); err != nil {
		log.Warn("read response failed; notifying anyway", logx.Err(err))
	} else if ok && r.State.Answered() {
		log.Debug("already answered today", logx.String("state", r.State.String()))
		return nil
	}
	d.show(ctx, notifier.Reminder{Loop: l, Day: day, Kind: string(p.Token), FireAt: now}, log)
	return nil
}

func (d *Dispatcher) end(ctx context.Context, now time.Time, l loop.Loop, log logx.Logger) error {
	if d.Gate(now, l) {
		d.show(ctx, notifier.Reminder{Loop: l, Day: loop.DayOf(now), Kind: string(wakeup.TokenEnd), FireAt: now}, log)
		return nil
	}
	if err := d.notify.Dismiss(ctx, l.ID); err != nil {
		log.Warn("dismiss failed", logx.Err(err))
	}
	return nil
}

func (d *Dispatcher) answer(ctx context.Context, now time.Time, p wakeup.Payload, state loop.ResponseState, log logx.Logger) error {
	day := loop.DayOf(now)
	if !p.IntendedAt.IsZero() {
		day = loop.DayOf(d.calc.Now(p.IntendedAt))
	}
	if d.respond == nil {
		return engine.NoRetry(errors.New("dispatch: no responder"))
	}
	if err := d.respond.Record(ctx, p.Loop.ID, day, state); err != nil {
		return fmt.Errorf("dispatch %s: record %s: %w", p.Token, day, err)
	}
	log.Info("response recorded", logx.String("date", day.String()), logx.String("state", state.String()))
	if err := d.notify.Dismiss(ctx, p.Loop.ID); err != nil {
		log.Warn("dismiss failed", logx.Err(err))
	}
	return nil
}

func (d *Dispatcher) show(ctx context.Context, r notifier.Reminder, log logx.Logger) {
	if err := d.notify.Notify(ctx, r); err != nil {
		log.Warn("notify failed", logx.Err(err))
	}
}

// sync repairs the ledger and re-arms every loop. The next Sync is armed
// exactly once per call; only a failure to arm it is returned.
func (d *Dispatcher) sync(ctx context.Context, now time.Time, log logx.Logger) error {
	start := time.Now()
	var rep backfill.Report
	var steps []error

	if d.backfill != nil {
		r, err := d.backfill.Run(ctx, now)
		rep = r
		if err != nil {
			steps = append(steps, err)
			log.Warn("sync: backfill incomplete", logx.Err(err))
		}
	}

	armed, cancelled := 0, 0
	loops, err := d.store.ListLoops(ctx)
	if err != nil {
		steps = append(steps, err)
		log.Warn("sync: list loops failed", logx.Err(err))
	}
	for _, l := range loops {
		if l.IsSync() {
			continue
		}
		if !l.Enabled {
			if err := d.reg.Cancel(ctx, l); err != nil {
				steps = append(steps, err)
				log.Warn("sync: cancel failed", logx.Int64("loop", int64(l.ID)), logx.Err(err))
				continue
			}
			cancelled++
			continue
		}
		a, ok := d.calc.Next(now, l)
		if !ok {
			continue
		}
		if err := d.reg.Register(ctx, a, now); err != nil {
			steps = append(steps, err)
			log.Warn("sync: register failed", logx.Int64("loop", int64(l.ID)), logx.Err(err))
			continue
		}
		armed++
	}

	next := d.calc.NextSync(now)
	rearm := d.reg.Register(ctx, next, now)

	took := time.Since(start)
	metrics.RecordSyncDuration(took)
	eventbus.Publish(d.bus, "sync.done", SyncEvent{
		At:        now,
		Backfill:  rep,
		Armed:     armed,
		Cancelled: cancelled,
		NextSync:  next.FireAt(now),
		Errors:    len(steps),
		Duration:  took,
	})

	fields := []logx.Field{
		logx.Int("armed", armed),
		logx.Int("cancelled", cancelled),
		logx.Int("inserted", rep.Inserted),
		logx.Time("next_sync", next.FireAt(now)),
		logx.Duration("took", took),
	}
	if rearm != nil {
		log.Error("sync: re-arm failed", append(fields, logx.Err(rearm))...)
		return fmt.Errorf("dispatch sync: re-arm: %w", rearm)
	}
	if len(steps) > 0 {
		log.Warn("sync finished with errors", append(fields, logx.Err(errors.Join(steps...)))...)
		return nil
	}
	log.Info("sync finished", fields...)
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
