package sdnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify}
	_, _ = n.Ready()
	_, _ = n.Status("%d loops armed", 3)
	_, _ = n.Stopping()
	want := []string{daemon.SdNotifyReady, "STATUS=3 loops armed", daemon.SdNotifyStopping}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		err  error
		want time.Duration
	}{
		{30 * time.Second, nil, 15 * time.Second},
		{0, nil, 0},
		{time.Second, errors.New("bad WATCHDOG_USEC"), 0},
	}
	for _, tt := range tests {
		n := &Notifier{watchdog: func() (time.Duration, error) { return tt.d, tt.err }}
		if got := n.WatchdogInterval(); got != tt.want {
			t.Fatalf("WatchdogInterval(%v, %v) = %v, want %v", tt.d, tt.err, got, tt.want)
		}
	}
}

func TestRunWatchdogSkipsWhenUnhealthy(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify}

	var mu sync.Mutex
	healthy := true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.RunWatchdog(ctx, 5*time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(daemon.SdNotifyWatchdog) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog pings")
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	before := rec.count(daemon.SdNotifyWatchdog)
	time.Sleep(30 * time.Millisecond)
	if after := rec.count(daemon.SdNotifyWatchdog); after != before {
		t.Fatalf("pinged while unhealthy: %d -> %d", before, after)
	}
	cancel()
	<-done
}
