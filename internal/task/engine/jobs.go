package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"loopd/internal/storage"
	logx "loopd/pkg/logx"
)

const jobStoreTimeout = 5 * time.Second

// SubmitJob persists a job record and queues it on the lane for key.
//
// The record lives until the job reaches a terminal outcome (success,
// permanent failure, retries exhausted, cancellation). When the engine is
// not running the record is kept and nil is returned; Recover replays it.
func (s *Service) SubmitJob(ctx context.Context, kind, key string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	kind = strings.TrimSpace(kind)

	s.mu.Lock()
	h := s.handlers[kind]
	enabled := s.cfg.Enabled
	jobs := s.jobs
	s.mu.Unlock()

	if h == nil {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !enabled {
		return ErrDisabled
	}

	j := storage.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Key:       strings.TrimSpace(key),
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now(),
	}
	if jobs != nil {
		if err := jobs.PutJob(ctx, j); err != nil {
			return fmt.Errorf("persist job %s: %w", kind, err)
		}
	}

	err := s.enqueueJob(ctx, j, h)
	switch {
	case err == nil:
		return nil
	case jobs != nil && (errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping)):
		s.log.Debug("job deferred until engine start", logx.String("kind", kind), logx.String("key", j.Key), logx.String("id", j.ID))
		return nil
	default:
		s.forgetJob(j.ID)
		return err
	}
}

// Recover queues every stored job record this process does not already
// own. It returns the number of jobs queued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	jobs := s.jobs
	s.mu.Unlock()
	if jobs == nil {
		return 0, nil
	}

	list, err := jobs.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	sort.SliceStable(list, func(i, k int) bool { return list[i].CreatedAt.Before(list[k].CreatedAt) })

	var errs []error
	n := 0
	for _, j := range list {
		s.lmu.Lock()
		_, busy := s.owned[j.ID]
		s.lmu.Unlock()
		if busy {
			continue
		}

		s.mu.Lock()
		h := s.handlers[j.Kind]
		s.mu.Unlock()
		if h == nil {
			s.log.Warn("stored job has no handler; keeping it", logx.String("kind", j.Kind), logx.String("id", j.ID))
			continue
		}
		if err := s.enqueueJob(ctx, j, h); err != nil {
			errs = append(errs, fmt.Errorf("job %s (%s): %w", j.ID, j.Kind, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *Service) enqueueJob(ctx context.Context, j storage.Job, h Handler) error {
	s.lmu.Lock()
	s.owned[j.ID] = struct{}{}
	s.lmu.Unlock()

	payload := j.Payload
	err := s.enqueue(ctx, Task{
		ID:   j.ID,
		Name: j.Kind,
		Key:  j.Key,
		Run:  func(ctx context.Context) error { return h(ctx, payload) },
	}, false, j.ID)
	if err != nil {
		s.lmu.Lock()
		delete(s.owned, j.ID)
		s.lmu.Unlock()
	}
	return err
}

// forgetJob drops the durable record for a job that reached a terminal
// outcome.
func (s *Service) forgetJob(id string) {
	if id == "" {
		return
	}
	s.lmu.Lock()
	delete(s.owned, id)
	s.lmu.Unlock()

	s.mu.Lock()
	jobs := s.jobs
	s.mu.Unlock()
	if jobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobStoreTimeout)
	defer cancel()
	if err := jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("delete job record failed", logx.String("id", id), logx.Err(err))
	}
}

// release drops in-memory ownership but keeps the durable record.
func (s *Service) release(id string) {
	if id == "" {
		return
	}
	s.lmu.Lock()
	delete(s.owned, id)
	s.lmu.Unlock()
}
