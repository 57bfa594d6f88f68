package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loopd/internal/storage"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

type submission struct {
	kind, key string
	payload   string
}

type fakeEngine struct {
	mu    sync.Mutex
	subs  []submission
	tasks []engine.Task
	fail  error
	got   chan submission
}

func newFakeEngine() *fakeEngine { return &fakeEngine{got: make(chan submission, 16)} }

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeEngine) SubmitJob(_ context.Context, kind, key string, payload []byte) error {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return err
	}
	s := submission{kind: kind, key: key, payload: string(payload)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	f.got <- s
	return nil
}

func (f *fakeEngine) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func startService(t *testing.T, eng *fakeEngine, st storage.TimerStore) *Service {
	t.Helper()
	s := New(Config{Enabled: true, ExactAllowed: true, SubmitRetry: 10 * time.Millisecond}, eng, st, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func expectSubmission(t *testing.T, eng *fakeEngine) submission {
	t.Helper()
	select {
	case s := <-eng.got:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timer did not fire")
		return submission{}
	}
}

func TestArmFiresDeliverJobAndClearsRow(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	eng := newFakeEngine()
	s := startService(t, eng, st)

	if err := s.Arm("loop:1", time.Now().Add(10*time.Millisecond), []byte("p1")); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, ok := s.Pending("loop:1"); !ok {
		t.Fatalf("Pending(loop:1) = false right after Arm")
	}

	got := expectSubmission(t, eng)
	want := submission{kind: DeliverJobKind, key: "loop:1", payload: "p1"}
	if got != want {
		t.Fatalf("submission = %+v, want %+v", got, want)
	}

	deadline := time.Now().Add(time.Second)
	for {
		rows, err := st.ListTimers(context.Background())
		if err != nil {
			t.Fatalf("ListTimers: %v", err)
		}
		if _, pending := s.Pending("loop:1"); len(rows) == 0 && !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer row still present after fire: %+v", rows)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestArmReplacesSameKey(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := startService(t, eng, storage.NewMemory())

	if err := s.Arm("sync", time.Now().Add(20*time.Millisecond), []byte("old")); err != nil {
		t.Fatalf("Arm(old): %v", err)
	}
	if err := s.Arm("sync", time.Now().Add(40*time.Millisecond), []byte("new")); err != nil {
		t.Fatalf("Arm(new): %v", err)
	}
	if got := expectSubmission(t, eng); got.payload != "new" {
		t.Fatalf("payload = %q, want %q", got.payload, "new")
	}
	select {
	case extra := <-eng.got:
		t.Fatalf("replaced timer also fired: %+v", extra)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestDisarmPreventsFire(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	eng := newFakeEngine()
	s := startService(t, eng, st)

	if err := s.Arm("loop:2", time.Now().Add(30*time.Millisecond), nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if !s.Disarm("loop:2") {
		t.Fatalf("Disarm = false, want true")
	}
	if s.Disarm("loop:2") {
		t.Fatalf("second Disarm = true, want false")
	}
	rows, _ := st.ListTimers(context.Background())
	if len(rows) != 0 {
		t.Fatalf("timer rows = %d, want 0", len(rows))
	}
	select {
	case got := <-eng.got:
		t.Fatalf("disarmed timer fired: %+v", got)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestStartRestoresPersistedTimers(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	// One overdue, one in the future.
	if err := st.PutTimer(ctx, storage.Timer{Key: "loop:5", At: time.Now().Add(-time.Hour), Payload: []byte("late")}); err != nil {
		t.Fatalf("PutTimer: %v", err)
	}
	if err := st.PutTimer(ctx, storage.Timer{Key: "sync", At: time.Now().Add(time.Hour), Payload: []byte("s")}); err != nil {
		t.Fatalf("PutTimer: %v", err)
	}

	eng := newFakeEngine()
	s := startService(t, eng, st)

	if got := expectSubmission(t, eng); got.key != "loop:5" || got.payload != "late" {
		t.Fatalf("submission = %+v, want overdue loop:5", got)
	}
	at, ok := s.Pending("sync")
	if !ok || at.Before(time.Now()) {
		t.Fatalf("Pending(sync) = %v, %v; want future time", at, ok)
	}
}

func TestFailedSubmitKeepsTimerAndRetries(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	eng := newFakeEngine()
	eng.setFail(errors.New("queue full"))
	s := startService(t, eng, st)

	if err := s.Arm("loop:9", time.Now(), []byte("x")); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := s.Pending("loop:9"); !ok {
		t.Fatalf("timer dropped after failed submit")
	}
	rows, _ := st.ListTimers(context.Background())
	if len(rows) != 1 {
		t.Fatalf("timer rows = %d, want 1", len(rows))
	}

	eng.setFail(nil)
	if got := expectSubmission(t, eng); got.key != "loop:9" {
		t.Fatalf("retry submission key = %q, want loop:9", got.key)
	}
}

func TestArmBeforeStartIsDeferred(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := New(Config{Enabled: true}, eng, nil, logx.Nop(), nil)
	if err := s.Arm("loop:3", time.Now(), []byte("early")); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	select {
	case got := <-eng.got:
		t.Fatalf("fired before Start: %+v", got)
	case <-time.After(30 * time.Millisecond):
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	if got := expectSubmission(t, eng); got.payload != "early" {
		t.Fatalf("payload = %q, want early", got.payload)
	}
	if s.ExactAllowed() {
		t.Fatalf("ExactAllowed = true with zero config")
	}
}

func TestAddScheduleRegistersAndEnqueuesWithLaneKey(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := startService(t, eng, nil)

	if _, err := s.AddSchedule("watchdog", "@every 20ms", time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("bad", "nope", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("AddSchedule(bad) succeeded")
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != "watchdog" {
		t.Fatalf("schedules = %+v, want watchdog only", snap.Schedules)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		eng.mu.Lock()
		n := len(eng.tasks)
		var key string
		if n > 0 {
			key = eng.tasks[0].Key
		}
		eng.mu.Unlock()
		if n > 0 {
			if key != "schedule:watchdog" {
				t.Fatalf("task key = %q, want schedule:watchdog", key)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule never triggered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !s.Remove("watchdog") {
		t.Fatalf("Remove(watchdog) = false")
	}
}

// slowDeleteStore holds the first DeleteTimer until a concurrent Arm has
// begun, then lingers so that Arm would land its row first if unordered.
type slowDeleteStore struct {
	*storage.Memory
	armStarted chan struct{}
	once       sync.Once
}

func (s *slowDeleteStore) DeleteTimer(ctx context.Context, key string) error {
	s.once.Do(func() {
		<-s.armStarted
		time.Sleep(30 * time.Millisecond)
	})
	return s.Memory.DeleteTimer(ctx, key)
}

// reArmEngine re-arms the delivered key from another goroutine, the way a
// worker running the dispatcher does.
type reArmEngine struct {
	fakeEngine
	svc     *Service
	next    time.Time
	started chan struct{}
	done    chan error
}

func (e *reArmEngine) SubmitJob(ctx context.Context, kind, key string, payload []byte) error {
	if err := e.fakeEngine.SubmitJob(ctx, kind, key, payload); err != nil {
		return err
	}
	go func() {
		close(e.started)
		e.done <- e.svc.Arm(key, e.next, []byte("next"))
	}()
	return nil
}

func TestReArmDuringFireKeepsRow(t *testing.T) {
	t.Parallel()
	armStarted := make(chan struct{})
	st := &slowDeleteStore{Memory: storage.NewMemory(), armStarted: armStarted}
	eng := &reArmEngine{
		fakeEngine: fakeEngine{got: make(chan submission, 16)},
		next:       time.Now().Add(time.Hour),
		started:    armStarted,
		done:       make(chan error, 1),
	}
	s := New(Config{Enabled: true, ExactAllowed: true}, eng, st, logx.Nop(), nil)
	eng.svc = s
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Arm("loop:1", time.Now(), []byte("first")); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	expectSubmission(t, &eng.fakeEngine)
	select {
	case err := <-eng.done:
		if err != nil {
			t.Fatalf("re-Arm: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("re-Arm did not finish")
	}
	s.Stop(context.Background())

	rows, err := st.ListTimers(context.Background())
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Payload) != "next" {
		t.Fatalf("timer rows = %+v, want the re-armed loop:1", rows)
	}

	restarted := New(Config{Enabled: true, ExactAllowed: true}, newFakeEngine(), st, logx.Nop(), nil)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer restarted.Stop(context.Background())
	if at, ok := restarted.Pending("loop:1"); !ok || !at.Equal(eng.next) {
		t.Fatalf("Pending(loop:1) after restart = %v, %v; want %v", at, ok, eng.next)
	}
}
