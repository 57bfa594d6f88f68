package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"loopd/internal/eventbus"
	"loopd/internal/metrics"
	logx "loopd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.runLane(ctx, stopCh, t, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// runLane executes qt and then drains its lane's backlog on the same
// worker. Pushing backlog items back into the shared queue could deadlock
// when every worker is blocked on a full queue.
func (s *Service) runLane(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	for {
		s.execOne(ctx, stopCh, qt, rng)
		if qt.task.Key == "" {
			return
		}
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		next, ok := s.nextInLane(qt.task.Key)
		if !ok {
			return
		}
		qt = next
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.forgetJob(qt.jobID)
		metrics.RecordJob(qt.task.Name, "dropped")
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	taskCtx, cancelTask, ok := s.beginLane(ctx, qt)
	if !ok {
		atomic.AddUint64(&s.cancelled, 1)
		s.forgetJob(qt.jobID)
		metrics.RecordJob(qt.task.Name, "cancelled")
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Error: ErrCancelled.Error()})
		return
	}
	defer cancelTask()

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.String("id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	eventbus.Publish(s.bus, "task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay})

	retries := qt.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
	maxAttempts := 1 + retries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := taskCtx
		var cancel func()
		if qt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(taskCtx, qt.timeout)
		}
		// A panicking task becomes an error; the worker survives.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			err = qt.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts || taskCtx.Err() != nil {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay > 0 {
			log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-taskCtx.Done():
				tmr.Stop()
				err = taskCtx.Err()
				break attemptLoop
			case <-stopCh:
				tmr.Stop()
				err = ErrStopping
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	outcome := "ok"
	switch {
	case err == nil:
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("task.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		eventbus.Publish(s.bus, "task.finished", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts})
	case s.laneCancelled(qt):
		outcome = "cancelled"
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
		atomic.AddUint64(&s.cancelled, 1)
		log.Debug("task.cancelled", logx.Duration("dur", dur))
	case isClosed(stopCh) || ctx.Err() != nil:
		// Interrupted by shutdown: not terminal, the record is replayed on the next start.
		outcome = ""
		log.Info("task.interrupted", logx.Duration("dur", dur), logx.Err(err))
	default:
		outcome = "failed"
		log.Warn("task.failed", logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}
	if err != nil {
		item.Error = err.Error()
		eventbus.Publish(s.bus, "task.failed", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: item.Error})
	}

	if outcome == "" {
		s.release(qt.jobID)
	} else {
		s.forgetJob(qt.jobID)
		metrics.RecordJob(qt.task.Name, outcome)
	}
	s.record(item)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints if provided by the task.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		if d > maxD {
			d = maxD
		}
		j := opt.RetryJitter
		if j <= 0 {
			j = 0.2
		}
		if d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
