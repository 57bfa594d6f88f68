package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"loopd/internal/loop"
)

type responseKey struct {
	id  loop.ID
	day loop.Day
}

// Memory is a process-local Store. Deleting a loop removes its responses,
// mirroring the SQL cascade.
type Memory struct {
	mu        sync.Mutex
	nextID    loop.ID
	loops     map[loop.ID]loop.Loop
	responses map[responseKey]loop.Response
	meta      map[string]string
	timers    map[string]Timer
	jobs      map[string]Job
	dedup     map[string]time.Time
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{
		nextID:    1,
		loops:     map[loop.ID]loop.Loop{},
		responses: map[responseKey]loop.Response{},
		meta:      map[string]string{},
		timers:    map[string]Timer{},
		jobs:      map[string]Job{},
		dedup:     map[string]time.Time{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed {
		return ErrDisabled
	}
	return ctx.Err()
}

func (m *Memory) ListLoops(ctx context.Context) ([]loop.Loop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]loop.Loop, 0, len(m.loops))
	for _, l := range m.loops {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetLoop(ctx context.Context, id loop.ID) (loop.Loop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return loop.Loop{}, err
	}
	l, ok := m.loops[id]
	if !ok {
		return loop.Loop{}, fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	return l, nil
}

func (m *Memory) UpsertLoop(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return loop.Loop{}, err
	}
	if l.ID == 0 {
		l.ID = m.nextID
		m.nextID++
	} else if l.ID >= m.nextID {
		m.nextID = l.ID + 1
	}
	m.loops[l.ID] = l
	return l, nil
}

func (m *Memory) SetLoopEnabled(ctx context.Context, id loop.ID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	l, ok := m.loops[id]
	if !ok {
		return fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	l.Enabled = enabled
	m.loops[id] = l
	return nil
}

func (m *Memory) DeleteLoop(ctx context.Context, id loop.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.loops[id]; !ok {
		return fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	delete(m.loops, id)
	for k := range m.responses {
		if k.id == id {
			delete(m.responses, k)
		}
	}
	return nil
}

func (m *Memory) InsertResponseIfAbsent(ctx context.Context, r loop.Response) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if _, ok := m.loops[r.LoopID]; !ok {
		return false, nil
	}
	k := responseKey{id: r.LoopID, day: r.Day}
	if _, ok := m.responses[k]; ok {
		return false, nil
	}
	m.responses[k] = r
	return true, nil
}

func (m *Memory) PutResponse(ctx context.Context, r loop.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.loops[r.LoopID]; !ok {
		return fmt.Errorf("loop %d: %w", r.LoopID, ErrNotFound)
	}
	m.responses[responseKey{id: r.LoopID, day: r.Day}] = r
	return nil
}

func (m *Memory) GetResponse(ctx context.Context, id loop.ID, day loop.Day) (loop.Response, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return loop.Response{}, false, err
	}
	r, ok := m.responses[responseKey{id: id, day: day}]
	return r, ok, nil
}

func (m *Memory) ListResponses(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []loop.Response
	for k, r := range m.responses {
		if k.id != id || k.day.Before(from) || k.day.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m *Memory) GetMeta(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return "", false, err
	}
	v, ok := m.meta[key]
	return v, ok, nil
}

func (m *Memory) PutMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.meta[key] = value
	return nil
}

func (m *Memory) PutTimer(ctx context.Context, t Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	t.Payload = append([]byte(nil), t.Payload...)
	m.timers[t.Key] = t
	return nil
}

func (m *Memory) DeleteTimer(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	delete(m.timers, key)
	return nil
}

func (m *Memory) ListTimers(ctx context.Context) ([]Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]Timer, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) PutJob(ctx context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	j.Payload = append([]byte(nil), j.Payload...)
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ListJobs(ctx context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return time.Time{}, false, err
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}
