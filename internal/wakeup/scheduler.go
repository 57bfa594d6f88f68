package wakeup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loopd/internal/loop"
	"loopd/internal/metrics"
	"loopd/internal/schedule"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

// DisableJobKind persists enabled=false for a loop whose wake-up was cancelled.
const DisableJobKind = "loop.disable"

// Timers is the keyed one-shot timer service.
type Timers interface {
	// Arm replaces any pending timer registered under key.
	Arm(key string, at time.Time, payload []byte) error
	Disarm(key string) bool
	Pending(key string) (time.Time, bool)
}

// Permission gates precise wake-ups.
type Permission interface {
	ExactAllowed() bool
}

// Jobs submits durable background jobs.
type Jobs interface {
	SubmitJob(ctx context.Context, kind, key string, payload []byte) error
}

type Scheduler struct {
	timers Timers
	perm   Permission
	jobs   Jobs
	log    logx.Logger
}

func New(timers Timers, perm Permission, jobs Jobs, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{timers: timers, perm: perm, jobs: jobs, log: log.With(logx.String("comp", "wakeup"))}
}

// Register arms a wake-up for a at now+a.Delay. Without exact-timer
// permission it is a silent no-op.
func (s *Scheduler) Register(ctx context.Context, a schedule.Action, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tok, ok := TokenFor(a.Kind)
	if !ok {
		return fmt.Errorf("register: unknown action kind %s", a.Kind)
	}
	l := a.Loop
	log := s.log.With(logx.String("kind", a.Kind.String()), logx.Int64("loop", int64(l.ID)))

	if s.perm != nil && !s.perm.ExactAllowed() {
		metrics.WakeupsSkipped.Inc()
		log.Debug("exact wake-ups not allowed; registration skipped")
		return nil
	}

	at := a.FireAt(now)
	b, err := Encode(Payload{Token: tok, Loop: &l, IntendedAt: at})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := s.timers.Arm(Key(l.ID), at, b); err != nil {
		return fmt.Errorf("register %s: %w", Key(l.ID), err)
	}
	metrics.RecordWakeupArmed(a.Kind.String())
	log.Debug("wake-up registered", logx.Time("at", at), logx.Duration("delay", a.Delay))
	return nil
}

// Cancel disarms any wake-up for l. When l is still enabled, persisting
// enabled=false is handed to the job engine on l's lane.
func (s *Scheduler) Cancel(ctx context.Context, l loop.Loop) error {
	key := Key(l.ID)
	disarmed := s.timers.Disarm(key)
	s.log.Debug("wake-up cancelled", logx.String("key", key), logx.Bool("was_pending", disarmed))

	if !l.Enabled || l.IsSync() {
		return nil
	}
	if s.jobs == nil {
		return errors.New("cancel: no job engine")
	}
	b, err := json.Marshal(disableJob{LoopID: l.ID})
	if err != nil {
		return err
	}
	if err := s.jobs.SubmitJob(ctx, DisableJobKind, key, b); err != nil {
		return fmt.Errorf("cancel %s: submit disable: %w", key, err)
	}
	return nil
}

// Armed reports the pending fire time for id.
func (s *Scheduler) Armed(id loop.ID) (time.Time, bool) {
	return s.timers.Pending(Key(id))
}

type disableJob struct {
	LoopID loop.ID `json:"loop_id"`
}

// LoopDisabler persists a loop's enabled flag.
type LoopDisabler interface {
	SetLoopEnabled(ctx context.Context, id loop.ID, enabled bool) error
}

// DisableHandler is the engine handler for DisableJobKind. A loop that no
// longer exists counts as done.
func DisableHandler(store LoopDisabler, log logx.Logger) engine.Handler {
	return func(ctx context.Context, payload []byte) error {
		var j disableJob
		if err := json.Unmarshal(payload, &j); err != nil || j.LoopID <= 0 {
			return engine.NoRetry(fmt.Errorf("%w: disable job %q", ErrMalformed, payload))
		}
		err := store.SetLoopEnabled(ctx, j.LoopID, false)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("disable skipped: loop gone", logx.Int64("loop", int64(j.LoopID)))
			return nil
		}
		return err
	}
}
