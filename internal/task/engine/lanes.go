package engine

import (
	"context"
	"sync/atomic"
	"time"

	"loopd/internal/eventbus"
	"loopd/internal/metrics"
	logx "loopd/pkg/logx"
)

// lane serializes tasks that share a key. The head task sits in the shared
// queue or runs on a worker; the rest wait in backlog and are run by the
// same worker once the head finishes.
type lane struct {
	backlog []queuedTask
	cancel  context.CancelFunc
	// epoch advances on CancelKey; tasks stamped with an older epoch are
	// discarded when they reach a worker.
	epoch uint64
}

func (s *Service) enqueueKeyed(now time.Time, qt queuedTask, q chan queuedTask, limit int) error {
	key := qt.task.Key

	s.lmu.Lock()
	if ln := s.lanes[key]; ln != nil {
		if limit > 0 && len(ln.backlog) >= limit {
			s.lmu.Unlock()
			s.onQueueFullDropped(now, qt.task, q)
			return ErrQueueFull
		}
		qt.epoch = ln.epoch
		ln.backlog = append(ln.backlog, qt)
		s.lmu.Unlock()
		return nil
	}

	select {
	case q <- qt:
		s.lanes[key] = &lane{}
		s.lmu.Unlock()
		return nil
	default:
		s.lmu.Unlock()
		s.onQueueFullDropped(now, qt.task, q)
		return ErrQueueFull
	}
}

// beginLane returns the context the task runs under, or ok=false when the
// task was cancelled while queued.
func (s *Service) beginLane(parent context.Context, qt queuedTask) (context.Context, context.CancelFunc, bool) {
	ctx, cancel := context.WithCancel(parent)
	if qt.task.Key == "" {
		return ctx, cancel, true
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	ln := s.lanes[qt.task.Key]
	if ln != nil && ln.epoch != qt.epoch {
		cancel()
		return nil, nil, false
	}
	if ln != nil {
		ln.cancel = cancel
	}
	return ctx, cancel, true
}

// laneCancelled reports whether CancelKey hit qt's lane after qt was queued.
func (s *Service) laneCancelled(qt queuedTask) bool {
	if qt.task.Key == "" {
		return false
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	ln := s.lanes[qt.task.Key]
	return ln != nil && ln.epoch != qt.epoch
}

// nextInLane pops the next backlog task for key, or retires the lane.
func (s *Service) nextInLane(key string) (queuedTask, bool) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	ln := s.lanes[key]
	if ln == nil {
		return queuedTask{}, false
	}
	ln.cancel = nil
	if len(ln.backlog) == 0 {
		delete(s.lanes, key)
		return queuedTask{}, false
	}
	next := ln.backlog[0]
	ln.backlog[0] = queuedTask{}
	ln.backlog = ln.backlog[1:]
	return next, true
}

// CancelKey cancels the running task for key and discards its queued
// tasks. Durable records of discarded jobs are deleted. It returns the
// number of tasks affected.
func (s *Service) CancelKey(key string) int {
	if key == "" {
		return 0
	}
	s.lmu.Lock()
	ln := s.lanes[key]
	if ln == nil {
		s.lmu.Unlock()
		return 0
	}
	ln.epoch++
	dropped := ln.backlog
	ln.backlog = nil
	n := len(dropped)
	if ln.cancel != nil {
		ln.cancel()
		n++
	}
	for _, qt := range dropped {
		if qt.jobID != "" {
			delete(s.owned, qt.jobID)
		}
	}
	s.lmu.Unlock()

	now := time.Now()
	for _, qt := range dropped {
		atomic.AddUint64(&s.cancelled, 1)
		s.forgetJob(qt.jobID)
		metrics.RecordJob(qt.task.Name, "cancelled")
		eventbus.Publish(s.bus, "task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: key, Started: now, Error: "cancelled"})
	}
	if n > 0 {
		s.log.Debug("lane cancelled", logx.String("key", key), logx.Int("tasks", n))
	}
	return n
}
