package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"loopd/internal/eventbus"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

const (
	storeTimeout       = 5 * time.Second
	defaultSubmitRetry = 5 * time.Second
)

// Arm registers a one-shot timer for key, replacing any pending timer with
// the same key. When it fires, payload is submitted to the task engine as a
// DeliverJobKind job on the lane named key.
func (s *Service) Arm(key string, at time.Time, payload []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("timer key required")
	}
	if at.IsZero() {
		return errors.New("timer time required")
	}
	t := storage.Timer{Key: key, At: at, Payload: append([]byte(nil), payload...)}

	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := s.store.PutTimer(ctx, t)
		cancel()
		if err != nil {
			return fmt.Errorf("persist timer %s: %w", key, err)
		}
	}

	s.tmu.Lock()
	if old, ok := s.timers[key]; ok {
		_ = old.Stop()
		delete(s.timers, key)
	}
	// Bumping the version makes callbacks from replaced timers no-ops.
	ver := s.ver[key] + 1
	s.ver[key] = ver
	s.pending[key] = t
	if s.started {
		s.scheduleLocked(key, at, ver)
	}
	s.tmu.Unlock()

	s.log.Debug("timer armed", logx.String("key", key), logx.Time("at", at))
	return nil
}

// Disarm cancels the pending timer for key. It reports whether one existed.
func (s *Service) Disarm(key string) bool {
	key = strings.TrimSpace(key)
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	s.tmu.Lock()
	_, existed := s.pending[key]
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	delete(s.pending, key)
	s.ver[key]++
	s.tmu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := s.store.DeleteTimer(ctx, key)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("delete timer record failed", logx.String("key", key), logx.Err(err))
		}
	}
	if existed {
		s.log.Debug("timer disarmed", logx.String("key", key))
	}
	return existed
}

// Pending returns the fire time of the timer registered for key.
func (s *Service) Pending(key string) (time.Time, bool) {
	s.tmu.Lock()
	t, ok := s.pending[strings.TrimSpace(key)]
	s.tmu.Unlock()
	return t.At, ok
}

// restoreTimers loads persisted timers and arms everything pending.
func (s *Service) restoreTimers(ctx context.Context) (int, error) {
	var loadErr error
	if s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, storeTimeout)
		stored, err := s.store.ListTimers(lctx)
		cancel()
		if err != nil {
			loadErr = fmt.Errorf("load timers: %w", err)
		}
		s.tmu.Lock()
		for _, t := range stored {
			// A timer armed in this process before Start is newer than its row.
			if _, ok := s.pending[t.Key]; !ok {
				s.pending[t.Key] = t
			}
		}
		s.tmu.Unlock()
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.started = true
	for key, t := range s.pending {
		ver := s.ver[key]
		if ver == 0 {
			ver = 1
			s.ver[key] = ver
		}
		s.scheduleLocked(key, t.At, ver)
	}
	return len(s.pending), loadErr
}

// scheduleLocked starts the runtime timer. Call with s.tmu held.
func (s *Service) scheduleLocked(key string, at time.Time, ver uint64) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key, ver) })
}

func (s *Service) fire(key string, ver uint64) {
	s.tmu.Lock()
	t, ok := s.pending[key]
	if !ok || s.ver[key] != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, key)
	s.tmu.Unlock()

	if s.engine == nil {
		return
	}
	late := time.Since(t.At)
	err := s.engine.SubmitJob(context.Background(), DeliverJobKind, key, t.Payload)
	if err != nil {
		s.reportEnqueueError(key, err)
		s.retryLater(key, ver)
		return
	}
	eventbus.Publish(s.bus, "timer.fired", TimerInfo{Key: key, At: t.At})
	s.log.Debug("timer fired", logx.String("key", key), logx.Duration("late", late))

	// The row is removed only after the engine holds a durable job, so a
	// crash in between re-fires the timer instead of losing it.
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	s.tmu.Lock()
	current := s.ver[key] == ver
	if current {
		delete(s.pending, key)
	}
	s.tmu.Unlock()
	if current && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := s.store.DeleteTimer(ctx, key)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("delete fired timer failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func (s *Service) retryLater(key string, ver uint64) {
	s.mu.Lock()
	d := s.cfg.SubmitRetry
	s.mu.Unlock()
	if d <= 0 {
		d = defaultSubmitRetry
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if !s.started || s.ver[key] != ver {
		return
	}
	s.timers[key] = time.AfterFunc(d, func() { s.fire(key, ver) })
}

func engineTask(name string, timeout time.Duration, run func(ctx context.Context) error) engine.Task {
	return engine.Task{
		Name:    name,
		Key:     "schedule:" + name,
		Timeout: timeout,
		Run:     run,
	}
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("trigger failed to enqueue", logx.String("name", name), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	tz := cfg.Timezone
	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.tmu.Lock()
	timers := make([]TimerInfo, 0, len(s.pending))
	for k, t := range s.pending {
		timers = append(timers, TimerInfo{Key: k, At: t.At})
	}
	s.tmu.Unlock()
	sort.Slice(timers, func(i, j int) bool { return timers[i].At.Before(timers[j].At) })

	return Snapshot{
		Enabled:      cfg.Enabled,
		Timezone:     tz,
		ExactAllowed: cfg.ExactAllowed,
		Timers:       timers,
		Schedules:    items,
	}
}
