package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"loopd/internal/eventbus"
	"loopd/internal/loop"
	"loopd/internal/metrics"
	rtsup "loopd/internal/runtime/supervisor"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled    = errors.New("notifier disabled")
	ErrQueueFull   = errors.New("notifier queue full")
	ErrStopped     = errors.New("notifier stopped")
	ErrNoPresenter = errors.New("notifier has no presenter")
)

const (
	opShow    = "show"
	opDismiss = "dismiss"

	historyCap  = 300
	sendTimeout = 10 * time.Second
)

type job struct {
	op       string
	loopID   loop.ID
	reminder Reminder
	// dedupKey is computed at enqueue time; empty for dismissals.
	dedupKey string
}

// Service implements an async notification pipeline:
// sharded queues + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	presenter Presenter
	bus       eventbus.Bus
	store     storage.DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queues   []chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, p Presenter, log logx.Logger, bus eventbus.Bus, store storage.DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		presenter: p,
		log:       log.With(logx.String("comp", "notifier")),
		bus:       bus,
		store:     store,
		dedup:     map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Presenter returns the active presenter name.
func (s *Service) Presenter() string {
	s.mu.Lock()
	p := s.presenter
	s.mu.Unlock()
	if p == nil {
		return ""
	}
	return p.Name()
}

// SetPresenter swaps the presenter. Queued jobs go to the new one.
func (s *Service) SetPresenter(p Presenter) {
	s.mu.Lock()
	s.presenter = p
	s.mu.Unlock()
}

// Apply updates rate, retry and dedup settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queues != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	workers := s.cfg.Workers
	per := s.cfg.QueueSize / workers
	if per < 1 {
		per = 1
	}
	s.queues = make([]chan job, workers)
	for i := range s.queues {
		s.queues[i] = make(chan job, per)
	}
	s.accepting = true

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best-effort; never take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.queues
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}

	for i, q := range queues {
		q := q
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitErr classifies a worker return: clean on shutdown, an error otherwise
// so the supervisor restarts it.
func (s *Service) exitErr(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queues best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	queues := s.queues
	pch := s.persistCh
	sup := s.sup
	if queues == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queues so workers drain.
		s.sendWG.Wait()
		// Only enqueue sends on pch, and intake is closed.
		if pch != nil {
			close(pch)
		}
		for _, q := range queues {
			close(q)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queues = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues a Show for r.
func (s *Service) Notify(ctx context.Context, r Reminder) error {
	return s.enqueue(ctx, job{op: opShow, loopID: r.Loop.ID, reminder: r})
}

// Dismiss queues removal of whatever is shown for id.
func (s *Service) Dismiss(ctx context.Context, id loop.ID) error {
	return s.enqueue(ctx, job{op: opDismiss, loopID: id})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if s.presenter == nil {
		s.mu.Unlock()
		return ErrNoPresenter
	}
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queues[shard(j.loopID, len(s.queues))]
	presenter := s.presenter.Name()
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if j.op == opShow {
		j.dedupKey = dedupKey(presenter, j.reminder)
		if dedupWindow > 0 && !s.dedupAllow(ctx, j.dedupKey, dedupWindow, dedupMax, persist, st, pch) {
			metrics.RecordNotification("deduped")
			s.publish("notifier.deduped", presenter, j, "")
			return nil
		}
	}

	select {
	case q <- j:
		s.publish("notifier.queued", presenter, j, "")
		return nil
	default:
		metrics.RecordNotification("dropped")
		s.publish("notifier.dropped", presenter, j, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) publish(typ, presenter string, j job, errText string) {
	eventbus.Publish(s.bus, typ, NotificationEvent{
		Presenter: presenter,
		Op:        j.op,
		LoopID:    j.loopID,
		Key:       j.dedupKey,
		At:        time.Now(),
		Error:     errText,
	})
}

// shard keeps all jobs for one loop on one worker.
func shard(id loop.ID, n int) int {
	if n <= 1 {
		return 0
	}
	v := int64(id) % int64(n)
	if v < 0 {
		v = -v
	}
	return int(v)
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.DedupStore) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	// config snapshot for this send
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	p := s.presenter
	s.mu.Unlock()

	if p == nil {
		return
	}
	log := s.log.With(logx.String("op", j.op), logx.Int64("loop", int64(j.loopID)), logx.String("presenter", p.Name()))

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, sendTimeout)
		var err error
		if j.op == opShow {
			err = p.Show(callCtx, j.reminder)
		} else {
			err = p.Dismiss(callCtx, j.loopID)
		}
		cancel()
		if err == nil {
			s.delivered(p.Name(), j, "")
			metrics.RecordNotification("sent")
			s.publish("notifier.sent", p.Name(), j, "")
			return
		}
		lastErr = err
		log.Debug("presenter call failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || engine.IsNoRetry(err) {
			break
		}

		delay := retryDelay(cfg, attempt, err)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("notification failed", logx.Err(lastErr))
	s.delivered(p.Name(), j, lastErr.Error())
	metrics.RecordNotification("failed")
	s.publish("notifier.failed", p.Name(), j, lastErr.Error())
}

func (s *Service) delivered(presenter string, j job, errText string) {
	s.appendHistory(HistoryItem{
		At:        time.Now(),
		Op:        j.op,
		LoopID:    j.loopID,
		Title:     j.reminder.Loop.Title,
		Kind:      j.reminder.Kind,
		Presenter: presenter,
		Error:     errText,
	})
}

func dedupKey(presenter string, r Reminder) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%s|%s|%d", presenter, r.Loop.ID, r.Day, r.Kind, r.FireAt.Unix())
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.DedupStore, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check.
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1. A RetryAfter hint from the
// presenter replaces the exponential base.
func retryDelay(cfg Config, attempt int, err error) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}

	var d time.Duration
	var ra engine.RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		d = ra.RetryAfter()
	} else {
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxD {
				d = maxD
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
