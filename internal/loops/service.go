// Package loops owns the loop lifecycle: create, edit, enable, disable,
// delete and explicit responses. Every mutation is persisted first and then
// rescheduled, so a pending wake-up always matches the stored loop.
package loops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loopd/internal/eventbus"
	"loopd/internal/loop"
	"loopd/internal/schedule"
	"loopd/internal/task/scheduler"
	"loopd/internal/wakeup"
	logx "loopd/pkg/logx"
)

type Store interface {
	ListLoops(ctx context.Context) ([]loop.Loop, error)
	GetLoop(ctx context.Context, id loop.ID) (loop.Loop, error)
	UpsertLoop(ctx context.Context, l loop.Loop) (loop.Loop, error)
	SetLoopEnabled(ctx context.Context, id loop.ID, enabled bool) error
	DeleteLoop(ctx context.Context, id loop.ID) error
	PutResponse(ctx context.Context, r loop.Response) error
	ListResponses(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error)
}

type Registrar interface {
	Register(ctx context.Context, a schedule.Action, now time.Time) error
	Cancel(ctx context.Context, l loop.Loop) error
}

// Jobs is the per-key job engine.
type Jobs interface {
	SubmitJob(ctx context.Context, kind, key string, payload []byte) error
	CancelKey(key string) int
}

type Dismisser interface {
	Dismiss(ctx context.Context, id loop.ID) error
}

type Service struct {
	store   Store
	calc    *schedule.Calculator
	reg     Registrar
	jobs    Jobs
	dismiss Dismisser
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }

// WithDismisser sets where dismissals go after a response or disable.
func WithDismisser(d Dismisser) Option { return func(s *Service) { s.dismiss = d } }

func New(store Store, calc *schedule.Calculator, reg Registrar, jobs Jobs, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		calc:  calc,
		reg:   reg,
		jobs:  jobs,
		log:   log.With(logx.String("comp", "loops")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) List(ctx context.Context) ([]loop.Loop, error) {
	return s.store.ListLoops(ctx)
}

func (s *Service) Get(ctx context.Context, id loop.ID) (loop.Loop, error) {
	return s.store.GetLoop(ctx, id)
}

// Create stores a new loop and arms its first wake-up. CreatedAt is always
// the current time; backfill does not look behind its watermark.
func (s *Service) Create(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	l.ID = 0
	l.Title = strings.TrimSpace(l.Title)
	l.CreatedAt = s.now()
	if err := l.Validate(); err != nil {
		return loop.Loop{}, err
	}
	saved, err := s.store.UpsertLoop(ctx, l)
	if err != nil {
		return loop.Loop{}, fmt.Errorf("create loop: %w", err)
	}
	s.log.Info("loop created", logx.Int64("loop", int64(saved.ID)), logx.String("title", saved.Title))
	eventbus.Publish(s.bus, "loop.created", saved)
	return saved, s.reschedule(ctx, saved)
}

// Update replaces a loop's settings. CreatedAt is kept from the stored copy.
func (s *Service) Update(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	cur, err := s.store.GetLoop(ctx, l.ID)
	if err != nil {
		return loop.Loop{}, err
	}
	l.CreatedAt = cur.CreatedAt
	l.Title = strings.TrimSpace(l.Title)
	if err := l.Validate(); err != nil {
		return loop.Loop{}, err
	}
	saved, err := s.store.UpsertLoop(ctx, l)
	if err != nil {
		return loop.Loop{}, fmt.Errorf("update loop %d: %w", l.ID, err)
	}
	s.log.Info("loop updated", logx.Int64("loop", int64(saved.ID)))
	eventbus.Publish(s.bus, "loop.updated", saved)
	return saved, s.reschedule(ctx, saved)
}

// SetEnabled flips a loop on or off. Disabling is persisted before any
// queued wake-up for the loop is dropped.
func (s *Service) SetEnabled(ctx context.Context, id loop.ID, enabled bool) (loop.Loop, error) {
	if err := s.store.SetLoopEnabled(ctx, id, enabled); err != nil {
		return loop.Loop{}, err
	}
	l, err := s.store.GetLoop(ctx, id)
	if err != nil {
		return loop.Loop{}, err
	}
	if enabled {
		eventbus.Publish(s.bus, "loop.enabled", l)
	} else {
		eventbus.Publish(s.bus, "loop.disabled", l)
	}
	s.log.Info("loop toggled", logx.Int64("loop", int64(id)), logx.Bool("enabled", enabled))
	return l, s.reschedule(ctx, l)
}

// Delete removes a loop, its pending wake-up and its ledger.
func (s *Service) Delete(ctx context.Context, id loop.ID) error {
	l, err := s.store.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	l.Enabled = false
	s.quiesce(ctx, l)
	if err := s.store.DeleteLoop(ctx, id); err != nil {
		return fmt.Errorf("delete loop %d: %w", id, err)
	}
	s.log.Info("loop deleted", logx.Int64("loop", int64(id)))
	eventbus.Publish(s.bus, "loop.deleted", id)
	return nil
}

// Record writes an explicit Done or Skip. It always wins over backfill.
func (s *Service) Record(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error {
	if state != loop.Done && state != loop.Skip {
		return fmt.Errorf("%w: response must be done or skip, got %s", loop.ErrInvalid, state)
	}
	if day.IsZero() {
		day = s.today()
	}
	if day.After(s.today()) {
		return fmt.Errorf("%w: response for future day %s", loop.ErrInvalid, day)
	}
	r := loop.Response{LoopID: id, Day: day, State: state, UpdatedAt: s.now()}
	if err := s.store.PutResponse(ctx, r); err != nil {
		return err
	}
	eventbus.Publish(s.bus, "loop.responded", r)
	return nil
}

// Respond records a response and clears today's reminder.
func (s *Service) Respond(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error {
	if day.IsZero() {
		day = s.today()
	}
	if err := s.Record(ctx, id, day, state); err != nil {
		return err
	}
	if day == s.today() && s.dismiss != nil {
		if err := s.dismiss.Dismiss(ctx, id); err != nil {
			s.log.Warn("dismiss failed", logx.Int64("loop", int64(id)), logx.Err(err))
		}
	}
	return nil
}

// SubmitResponse queues a Done or Cancel token on the loop's lane so the
// response is applied in order with the loop's wake-ups.
func (s *Service) SubmitResponse(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error {
	tok := wakeup.TokenDone
	switch state {
	case loop.Done:
	case loop.Skip:
		tok = wakeup.TokenCancel
	default:
		return fmt.Errorf("%w: response must be done or skip, got %s", loop.ErrInvalid, state)
	}
	l, err := s.store.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	if day.IsZero() {
		day = s.today()
	}
	b, err := wakeup.Encode(wakeup.Payload{Token: tok, Loop: &l, IntendedAt: day.At(l.WindowStart, s.calc.Location())})
	if err != nil {
		return err
	}
	return s.jobs.SubmitJob(ctx, scheduler.DeliverJobKind, wakeup.Key(id), b)
}

// History returns the ledger for id between from and to, inclusive.
func (s *Service) History(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error) {
	if _, err := s.store.GetLoop(ctx, id); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = s.today()
	}
	if from.IsZero() {
		from = to.AddDays(-29)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: range %s..%s is reversed", loop.ErrInvalid, from, to)
	}
	return s.store.ListResponses(ctx, id, from, to)
}

// Sync queues an immediate Sync pass on the sync lane.
func (s *Service) Sync(ctx context.Context) error {
	sl := loop.SyncLoop()
	b, err := wakeup.Encode(wakeup.Payload{Token: wakeup.TokenSync, Loop: &sl, IntendedAt: s.now()})
	if err != nil {
		return err
	}
	return s.jobs.SubmitJob(ctx, scheduler.DeliverJobKind, wakeup.Key(loop.SyncID), b)
}

// reschedule arms the next wake-up for an enabled loop, or clears
// everything pending for a disabled one.
func (s *Service) reschedule(ctx context.Context, l loop.Loop) error {
	if !l.Enabled {
		s.quiesce(ctx, l)
		return nil
	}
	now := s.calc.Now(s.now())
	a, ok := s.calc.Next(now, l)
	if !ok {
		// Today's window is over; drop whatever the old settings armed.
		off := l
		off.Enabled = false
		return s.reg.Cancel(ctx, off)
	}
	if err := s.reg.Register(ctx, a, now); err != nil {
		return fmt.Errorf("reschedule loop %d: %w", l.ID, err)
	}
	return nil
}

// quiesce drops queued deliveries, disarms the timer and dismisses the
// reminder. l must already be persisted as disabled (or about to be gone).
func (s *Service) quiesce(ctx context.Context, l loop.Loop) {
	key := wakeup.Key(l.ID)
	if n := s.jobs.CancelKey(key); n > 0 {
		s.log.Debug("queued wake-ups dropped", logx.String("key", key), logx.Int("n", n))
	}
	if err := s.reg.Cancel(ctx, l); err != nil {
		s.log.Warn("cancel wake-up failed", logx.String("key", key), logx.Err(err))
	}
	if s.dismiss != nil {
		if err := s.dismiss.Dismiss(ctx, l.ID); err != nil {
			s.log.Debug("dismiss failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func (s *Service) today() loop.Day {
	return loop.DayOf(s.calc.Now(s.now()))
}
