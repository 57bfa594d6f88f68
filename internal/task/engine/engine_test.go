package engine

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loopd/internal/storage"
	logx "loopd/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func newTestRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

func startEngine(t *testing.T, cfg Config, jobs storage.JobStore) *Service {
	t.Helper()
	cfg.Enabled = true
	return New(cfg, nopLogger(), nil, jobs)
}

func run(t *testing.T, e *Service) {
	t.Helper()
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobCount(t *testing.T, st storage.JobStore) int {
	t.Helper()
	jobs, err := st.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	return len(jobs)
}

func TestSubmitJobRunsHandlerAndDeletesRecord(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	e := startEngine(t, Config{Workers: 2}, st)

	got := make(chan string, 1)
	e.Handle("echo", func(_ context.Context, payload []byte) error {
		got <- string(payload)
		return nil
	})
	run(t, e)

	if err := e.SubmitJob(context.Background(), "echo", "loop:1", []byte("hello")); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	select {
	case p := <-got:
		if p != "hello" {
			t.Fatalf("payload = %q, want %q", p, "hello")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler did not run")
	}
	waitFor(t, "job record removal", func() bool { return jobCount(t, st) == 0 })
}

func TestSubmitJobErrors(t *testing.T) {
	t.Parallel()

	e := New(Config{Enabled: false}, nopLogger(), nil, nil)
	e.Handle("x", func(context.Context, []byte) error { return nil })
	if err := e.SubmitJob(context.Background(), "x", "", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled SubmitJob err = %v, want %v", err, ErrDisabled)
	}
	if err := e.SubmitJob(context.Background(), "missing", "", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v, want %v", err, ErrUnknownKind)
	}
}

func TestKeyedTasksRunSerially(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{Workers: 4}, nil)
	run(t, e)

	var (
		mu      sync.Mutex
		order   []int
		running int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		err := e.Enqueue(Task{Name: "serial", Key: "loop:7", Run: func(context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxSeen); got != 1 {
		t.Fatalf("max concurrent tasks on one key = %d, want 1", got)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want submission order", order)
		}
	}
	waitFor(t, "lane retirement", func() bool { return e.Snapshot().Lanes == 0 })
}

func TestCancelKeyStopsRunningAndDropsBacklog(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	e := startEngine(t, Config{Workers: 2}, st)

	started := make(chan struct{})
	var ran int32
	e.Handle("block", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	e.Handle("after", func(context.Context, []byte) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	run(t, e)

	if err := e.SubmitJob(context.Background(), "block", "loop:3", nil); err != nil {
		t.Fatalf("SubmitJob(block): %v", err)
	}
	<-started
	for i := 0; i < 3; i++ {
		if err := e.SubmitJob(context.Background(), "after", "loop:3", nil); err != nil {
			t.Fatalf("SubmitJob(after): %v", err)
		}
	}

	if n := e.CancelKey("loop:3"); n != 4 {
		t.Fatalf("CancelKey = %d, want 4", n)
	}
	waitFor(t, "records removed", func() bool { return jobCount(t, st) == 0 })
	waitFor(t, "lane retired", func() bool { return e.Snapshot().Lanes == 0 })
	if got := atomic.LoadInt32(&ran); got != 0 {
		t.Fatalf("backlog tasks ran %d times, want 0", got)
	}

	// The key is usable again after cancellation.
	if err := e.SubmitJob(context.Background(), "after", "loop:3", nil); err != nil {
		t.Fatalf("SubmitJob after cancel: %v", err)
	}
	waitFor(t, "task after cancel", func() bool { return atomic.LoadInt32(&ran) == 1 })
}

func TestCancelKeyUnknownKey(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{}, nil)
	if n := e.CancelKey("loop:404"); n != 0 {
		t.Fatalf("CancelKey = %d, want 0", n)
	}
}

func TestSubmitJobWhileStoppedIsRecovered(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	e := startEngine(t, Config{Workers: 1}, st)

	got := make(chan string, 1)
	e.Handle("deliver", func(_ context.Context, p []byte) error {
		got <- string(p)
		return nil
	})

	if err := e.SubmitJob(context.Background(), "deliver", "sync", []byte("early")); err != nil {
		t.Fatalf("SubmitJob before start: %v", err)
	}
	if n := jobCount(t, st); n != 1 {
		t.Fatalf("stored jobs = %d, want 1", n)
	}

	run(t, e)
	n, err := e.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover = %d, want 1", n)
	}
	select {
	case p := <-got:
		if p != "early" {
			t.Fatalf("payload = %q, want %q", p, "early")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("recovered job did not run")
	}
	waitFor(t, "record removal", func() bool { return jobCount(t, st) == 0 })
}

func TestRecoverSkipsOwnedJobs(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	if err := st.PutJob(ctx, storage.Job{ID: "j1", Kind: "hold", Key: "loop:1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := st.PutJob(ctx, storage.Job{ID: "j2", Kind: "orphan", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	e := startEngine(t, Config{Workers: 1}, st)
	release := make(chan struct{})
	e.Handle("hold", func(context.Context, []byte) error {
		<-release
		return nil
	})
	run(t, e)

	if n, err := e.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("first Recover = %d, %v; want 1, nil", n, err)
	}
	if n, err := e.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("second Recover = %d, %v; want 0, nil", n, err)
	}
	close(release)

	// The job without a handler stays stored.
	waitFor(t, "held job finished", func() bool { return jobCount(t, st) == 1 })
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{Workers: 1, RetryMax: 3}, nil)
	run(t, e)

	var attempts int32
	done := make(chan struct{})
	err := e.Enqueue(Task{Name: "bad", Opt: TaskOptions{RetryBase: time.Millisecond}, Run: func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			defer close(done)
		}
		return NoRetry(errors.New("bad input"))
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-done
	waitFor(t, "history entry", func() bool { return len(e.Snapshot().History) == 1 })
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if h := e.Snapshot().History[0]; h.Error != "bad input" {
		t.Fatalf("history error = %q, want %q", h.Error, "bad input")
	}
}

func TestRetryUntilSuccessAndPanicRecovery(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{Workers: 1, RetryMax: 2}, nil)
	run(t, e)

	var attempts int32
	err := e.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, Run: func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			panic("boom")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "history entry", func() bool { return len(e.Snapshot().History) == 1 })
	h := e.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 2 {
		t.Fatalf("history = %+v, want success on attempt 2", h)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	run(t, e)

	block := make(chan struct{})
	started := make(chan struct{})
	t.Cleanup(func() { close(block) })
	if err := e.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue(hold): %v", err)
	}
	<-started

	noop := func(context.Context) error { return nil }
	if err := e.Enqueue(Task{Name: "fill", Run: noop}); err != nil {
		t.Fatalf("Enqueue(fill): %v", err)
	}
	if err := e.Enqueue(Task{Name: "overflow", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue(overflow) err = %v, want %v", err, ErrQueueFull)
	}
	if got := e.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{}, nil)
	if err := e.Enqueue(Task{Name: "x"}); err == nil || !strings.Contains(err.Error(), "Run") {
		t.Fatalf("nil Run err = %v", err)
	}
	if err := e.Enqueue(Task{Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := e.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v, want %v", err, ErrStopped)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	tests := []struct {
		retry           int
		exact, min, max time.Duration
	}{
		{1, 100 * time.Millisecond, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 200 * time.Millisecond, 160 * time.Millisecond, 240 * time.Millisecond},
		{10, time.Second, 800 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, nil); got != tt.exact {
			t.Fatalf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.exact)
		}
		for i := 0; i < 20; i++ {
			got := backoffDelayWithHint(opt, tt.retry, errors.New("x"), newTestRand(int64(i)))
			if got < tt.min || got > tt.max {
				t.Fatalf("backoff(retry=%d) = %v, want [%v, %v]", tt.retry, got, tt.min, tt.max)
			}
		}
	}

	hint := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("flood"), time.Hour), nil)
	if hint != time.Second {
		t.Fatalf("retry-after hint = %v, want capped %v", hint, time.Second)
	}
}
