package loops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loopd/internal/backfill"
	"loopd/internal/loop"
	"loopd/internal/schedule"
	"loopd/internal/storage"
	"loopd/internal/task/scheduler"
	"loopd/internal/wakeup"
	logx "loopd/pkg/logx"
)

var monday = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type fakeRegistrar struct {
	mu      sync.Mutex
	pending map[loop.ID]schedule.Action
	cancels []loop.Loop
}

func (f *fakeRegistrar) Register(_ context.Context, a schedule.Action, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[a.Loop.ID] = a
	return nil
}

func (f *fakeRegistrar) Cancel(_ context.Context, l loop.Loop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, l.ID)
	f.cancels = append(f.cancels, l)
	return nil
}

type submitted struct {
	kind, key string
	payload   []byte
}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []submitted
	cancelled []string
}

func (f *fakeJobs) SubmitJob(_ context.Context, kind, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, submitted{kind, key, payload})
	return nil
}

func (f *fakeJobs) CancelKey(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, key)
	return 0
}

type fakeDismisser struct {
	mu  sync.Mutex
	ids []loop.ID
}

func (f *fakeDismisser) Dismiss(_ context.Context, id loop.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

type harness struct {
	svc  *Service
	st   storage.Store
	reg  *fakeRegistrar
	jobs *fakeJobs
	dis  *fakeDismisser
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		st:   storage.NewMemory(),
		reg:  &fakeRegistrar{pending: map[loop.ID]schedule.Action{}},
		jobs: &fakeJobs{},
		dis:  &fakeDismisser{},
	}
	h.svc = New(h.st, schedule.New(time.UTC), h.reg, h.jobs, logx.Nop(),
		WithClock(func() time.Time { return monday }),
		WithDismisser(h.dis),
	)
	return h
}

func draft() loop.Loop {
	return loop.Loop{
		Title:          "  drink water ",
		WindowStart:    9 * time.Hour,
		WindowEnd:      17 * time.Hour,
		ActiveDays:     loop.Weekdays,
		RepeatInterval: time.Hour,
		Enabled:        true,
	}
}

func TestCreateArmsFirstWakeup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	l, err := h.svc.Create(context.Background(), draft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.ID <= 0 || l.Title != "drink water" || !l.CreatedAt.Equal(monday) {
		t.Fatalf("created = %+v", l)
	}
	a, ok := h.reg.pending[l.ID]
	if !ok || a.Kind != schedule.Start || a.Delay != time.Hour {
		t.Fatalf("pending = %+v, %v; want start in 1h", a, ok)
	}
}

func TestCreateIgnoresClientCreatedAt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	bf := backfill.New(h.st, time.UTC, backfill.Config{}, logx.Nop())
	if _, err := bf.Run(ctx, monday); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	d := draft()
	d.ActiveDays = loop.Everyday
	d.CreatedAt = monday.AddDate(0, 0, -5)
	l, err := h.svc.Create(ctx, d)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !l.CreatedAt.Equal(monday) {
		t.Fatalf("CreatedAt = %v, want %v", l.CreatedAt, monday)
	}

	if _, err := bf.Run(ctx, monday.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	created := loop.DayOf(l.CreatedAt)
	rs, err := h.st.ListResponses(ctx, l.ID, created.AddDays(-10), created.AddDays(1))
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(rs) != 2 || rs[0].Day != created {
		t.Fatalf("ledger = %+v, want one row for each day since creation", rs)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bad := draft()
	bad.WindowStart = 18 * time.Hour
	if _, err := h.svc.Create(context.Background(), bad); !errors.Is(err, loop.ErrInvalid) {
		t.Fatalf("Create = %v, want %v", err, loop.ErrInvalid)
	}
	if len(h.reg.pending) != 0 {
		t.Fatalf("invalid loop armed")
	}
}

func TestUpdateKeepsCreatedAtAndReschedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	l, err := h.svc.Create(ctx, draft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	edit := l
	edit.CreatedAt = time.Time{}
	edit.WindowStart = 8 * time.Hour
	got, err := h.svc.Update(ctx, edit)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !got.CreatedAt.Equal(l.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, l.CreatedAt)
	}
	// 08:00 is now inside the window, so the next wake-up is a repeat.
	if a := h.reg.pending[l.ID]; a.Kind != schedule.Repeat {
		t.Fatalf("pending kind = %v, want repeat", a.Kind)
	}

	if _, err := h.svc.Update(ctx, loop.Loop{ID: 999, Title: "x", ActiveDays: loop.Everyday}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Update missing = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestDisablePersistsThenQuiesces(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	l, err := h.svc.Create(ctx, draft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	off, err := h.svc.SetEnabled(ctx, l.ID, false)
	if err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if off.Enabled {
		t.Fatalf("returned loop still enabled")
	}
	stored, _ := h.st.GetLoop(ctx, l.ID)
	if stored.Enabled {
		t.Fatalf("stored loop still enabled")
	}
	if _, ok := h.reg.pending[l.ID]; ok {
		t.Fatalf("wake-up still pending after disable")
	}
	last := h.reg.cancels[len(h.reg.cancels)-1]
	if last.Enabled {
		t.Fatalf("Cancel got an enabled loop; a redundant disable job would be queued")
	}
	if len(h.jobs.cancelled) != 1 || h.jobs.cancelled[0] != wakeup.Key(l.ID) {
		t.Fatalf("lane cancels = %v, want [%s]", h.jobs.cancelled, wakeup.Key(l.ID))
	}
	if len(h.dis.ids) != 1 {
		t.Fatalf("dismissed = %v, want one", h.dis.ids)
	}

	if _, err := h.svc.SetEnabled(ctx, l.ID, true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if _, ok := h.reg.pending[l.ID]; !ok {
		t.Fatalf("re-enabled loop not armed")
	}
}

func TestDeleteRemovesLoopAndLedger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	l, err := h.svc.Create(ctx, draft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.svc.Record(ctx, l.ID, loop.DayOf(monday), loop.Done); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := h.svc.Delete(ctx, l.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.st.GetLoop(ctx, l.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetLoop after delete = %v, want not found", err)
	}
	if _, ok := h.reg.pending[l.ID]; ok {
		t.Fatalf("deleted loop still armed")
	}
	if err := h.svc.Delete(ctx, l.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete = %v, want not found", err)
	}
}

func TestRespond(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	l, err := h.svc.Create(ctx, draft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	today := loop.DayOf(monday)

	tests := []struct {
		name    string
		day     loop.Day
		state   loop.ResponseState
		wantErr error
	}{
		{"done today", today, loop.Done, nil},
		{"skip yesterday", today.AddDays(-1), loop.Skip, nil},
		{"no-response is not a user answer", today, loop.NoResponse, loop.ErrInvalid},
		{"future day", today.AddDays(1), loop.Done, loop.ErrInvalid},
	}
	for _, tt := range tests {
		err := h.svc.Respond(ctx, l.ID, tt.day, tt.state)
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: Respond = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
	// Only today's answer clears the reminder.
	if len(h.dis.ids) != 1 {
		t.Fatalf("dismissed = %v, want one", h.dis.ids)
	}
	hist, err := h.svc.History(ctx, l.ID, today.AddDays(-7), today)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].State != loop.Skip || hist[1].State != loop.Done {
		t.Fatalf("history = %+v", hist)
	}
	if _, err := h.svc.History(ctx, l.ID, today, today.AddDays(-1)); !errors.Is(err, loop.ErrInvalid) {
		t.Fatalf("reversed History = %v, want %v", err, loop.ErrInvalid)
	}
}

func TestSubmitResponseAndSyncQueueTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	l, err := h.svc.Create(ctx, draft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.svc.SubmitResponse(ctx, l.ID, loop.Day{}, loop.Skip); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}
	if err := h.svc.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(h.jobs.submitted) != 2 {
		t.Fatalf("submitted = %d, want 2", len(h.jobs.submitted))
	}

	tests := []struct {
		key string
		tok wakeup.Token
	}{
		{wakeup.Key(l.ID), wakeup.TokenCancel},
		{"sync", wakeup.TokenSync},
	}
	for i, tt := range tests {
		j := h.jobs.submitted[i]
		if j.kind != scheduler.DeliverJobKind || j.key != tt.key {
			t.Fatalf("job %d = %s on %s, want %s on %s", i, j.kind, j.key, scheduler.DeliverJobKind, tt.key)
		}
		p, err := wakeup.Decode(j.payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if p.Token != tt.tok {
			t.Fatalf("job %d token = %s, want %s", i, p.Token, tt.tok)
		}
	}
	if err := h.svc.SubmitResponse(ctx, l.ID, loop.Day{}, loop.Disabled); !errors.Is(err, loop.ErrInvalid) {
		t.Fatalf("SubmitResponse(disabled) = %v, want %v", err, loop.ErrInvalid)
	}
}
