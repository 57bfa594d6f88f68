package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"loopd/internal/control"
	"loopd/internal/loop"
	"loopd/internal/storage"
	logx "loopd/pkg/logx"
)

// memAPI backs the real control handler with the memory store.
type memAPI struct{ st *storage.Memory }

func (m memAPI) List(ctx context.Context) ([]loop.Loop, error) { return m.st.ListLoops(ctx) }
func (m memAPI) Get(ctx context.Context, id loop.ID) (loop.Loop, error) {
	return m.st.GetLoop(ctx, id)
}
func (m memAPI) Create(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	if err := l.Validate(); err != nil {
		return loop.Loop{}, err
	}
	return m.st.UpsertLoop(ctx, l)
}
func (m memAPI) Update(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	if _, err := m.st.GetLoop(ctx, l.ID); err != nil {
		return loop.Loop{}, err
	}
	return m.Create(ctx, l)
}
func (m memAPI) SetEnabled(ctx context.Context, id loop.ID, on bool) (loop.Loop, error) {
	if err := m.st.SetLoopEnabled(ctx, id, on); err != nil {
		return loop.Loop{}, err
	}
	return m.st.GetLoop(ctx, id)
}
func (m memAPI) Delete(ctx context.Context, id loop.ID) error { return m.st.DeleteLoop(ctx, id) }
func (m memAPI) Respond(ctx context.Context, id loop.ID, day loop.Day, s loop.ResponseState) error {
	return m.st.PutResponse(ctx, loop.Response{LoopID: id, Day: day, State: s})
}
func (m memAPI) History(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error) {
	return m.st.ListResponses(ctx, id, from, to)
}
func (m memAPI) Sync(context.Context) error { return nil }
func (m memAPI) Status(context.Context) (control.Status, error) {
	return control.Status{Timezone: "Europe/Berlin", Loops: 1}, nil
}

func newServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(control.Handler(control.Config{Token: token}, memAPI{st: storage.NewMemory()}, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newServer(t, "tok")
	c := New(srv.URL, "tok")
	ctx := context.Background()

	l, err := c.Create(ctx, loop.Loop{Title: "walk", WindowStart: 7 * time.Hour, WindowEnd: 8 * time.Hour, ActiveDays: loop.Weekdays, RepeatInterval: 15 * time.Minute, Enabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.ID != 1 || l.RepeatInterval != 15*time.Minute || l.ActiveDays != loop.Weekdays {
		t.Fatalf("created = %+v", l)
	}

	off, err := c.SetEnabled(ctx, l.ID, false)
	if err != nil || off.Enabled {
		t.Fatalf("SetEnabled(false) = %+v, %v", off, err)
	}

	day := loop.DayOf(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))
	if err := c.Respond(ctx, l.ID, day, loop.Done); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	hist, err := c.History(ctx, l.ID, day, day)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].State != loop.Done {
		t.Fatalf("history = %+v", hist)
	}

	st, err := c.Status(ctx)
	if err != nil || st.Timezone != "Europe/Berlin" {
		t.Fatalf("Status = %+v, %v", st, err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := c.Delete(ctx, l.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ls, err := c.List(ctx)
	if err != nil || len(ls) != 0 {
		t.Fatalf("List = %v, %v; want empty", ls, err)
	}
}

func TestClientErrors(t *testing.T) {
	t.Parallel()
	srv := newServer(t, "tok")
	ctx := context.Background()

	if _, err := New(srv.URL, "tok").Get(ctx, 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing = %v, want not found", err)
	}
	if _, err := New(srv.URL, "tok").Create(ctx, loop.Loop{Title: ""}); !errors.Is(err, loop.ErrInvalid) {
		t.Fatalf("Create invalid = %v, want invalid", err)
	}
	if _, err := New(srv.URL, "bad").List(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("List with bad token = %v, want unauthorized", err)
	}
}

func TestNewNormalizesAddr(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"", "http://" + control.DefaultAddr},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"https://box.lan/", "https://box.lan"},
	}
	for _, tt := range tests {
		if got := New(tt.in, "").base; got != tt.want {
			t.Fatalf("New(%q).base = %q, want %q", tt.in, got, tt.want)
		}
	}
}
