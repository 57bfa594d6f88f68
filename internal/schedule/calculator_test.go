package schedule

import (
	"testing"
	"time"

	"loopd/internal/loop"
)

var monday = loop.Day{Year: 2025, Month: time.March, Day: 3}

func at(d loop.Day, clock string) time.Time {
	off, err := loop.ParseClock(clock)
	if err != nil {
		panic(err)
	}
	return d.At(off, time.UTC)
}

func testLoop(start, end string, every time.Duration) loop.Loop {
	s, _ := loop.ParseClock(start)
	e, _ := loop.ParseClock(end)
	return loop.Loop{
		ID:             7,
		Title:          "stretch",
		WindowStart:    s,
		WindowEnd:      e,
		ActiveDays:     loop.Everyday,
		RepeatInterval: every,
		Enabled:        true,
	}
}

func TestNextRules(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	l := testLoop("09:00", "17:00", 2*time.Hour)

	tests := []struct {
		name  string
		now   string
		loop  loop.Loop
		kind  Kind
		delay time.Duration
		ok    bool
	}{
		{name: "before window", now: "08:00", loop: l, kind: Start, delay: time.Hour, ok: true},
		{name: "at start", now: "09:00", loop: l, kind: Repeat, delay: 2 * time.Hour, ok: true},
		{name: "mid interval", now: "10:30", loop: l, kind: Repeat, delay: 30 * time.Minute, ok: true},
		{name: "tie goes to end", now: "15:00", loop: l, kind: End, delay: 2 * time.Hour, ok: true},
		{name: "overshoot", now: "16:00", loop: l, kind: End, delay: time.Hour, ok: true},
		{name: "no repeat", now: "10:00", loop: testLoop("09:00", "17:00", 0), kind: End, delay: 7 * time.Hour, ok: true},
		{name: "at end", now: "17:00", loop: l},
		{name: "after end", now: "22:00", loop: l},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := c.Next(at(monday, tt.now), tt.loop)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Delay != tt.delay {
				t.Fatalf("Delay = %v, want %v", got.Delay, tt.delay)
			}
			if got.Loop.ID != tt.loop.ID {
				t.Fatalf("Loop.ID = %d, want %d", got.Loop.ID, tt.loop.ID)
			}
		})
	}
}

func TestScenarioRepeatingWindow(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	l := testLoop("09:00", "17:00", 2*time.Hour)

	a, ok := c.Next(at(monday, "08:00"), l)
	if !ok || a.Kind != Start || a.Delay != time.Hour {
		t.Fatalf("Next at 08:00 = %+v, %v", a, ok)
	}
	a = c.AfterStart(at(monday, "09:00"), l)
	if a.Kind != Repeat || !a.FireAt(at(monday, "09:00")).Equal(at(monday, "11:00")) {
		t.Fatalf("AfterStart = %v in %v, want repeat at 11:00", a.Kind, a.Delay)
	}
	a = c.AfterRepeat(at(monday, "16:00"), l)
	if a.Kind != End || !a.FireAt(at(monday, "16:00")).Equal(at(monday, "17:00")) {
		t.Fatalf("AfterRepeat = %v in %v, want end at 17:00", a.Kind, a.Delay)
	}
}

func TestScenarioZeroWidthWindow(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	l := testLoop("07:30", "07:30", 0)
	a := c.AfterStart(at(monday, "07:30"), l)
	if a.Kind != End || a.Delay != 0 {
		t.Fatalf("AfterStart = %v in %v, want end in 0", a.Kind, a.Delay)
	}
}

func TestAfterRepeatLateDelivery(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	a := c.AfterRepeat(at(monday, "19:00"), testLoop("09:00", "17:00", time.Hour))
	if a.Kind != End || a.Delay != 0 {
		t.Fatalf("AfterRepeat = %v in %v, want end in 0", a.Kind, a.Delay)
	}
}

func TestNeverRepeatWithoutInterval(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	l := testLoop("06:15", "21:45", 0)
	for m := 0; m < 24*60; m += 7 {
		now := monday.At(time.Duration(m)*time.Minute, time.UTC)
		if a, ok := c.Next(now, l); ok && a.Kind == Repeat {
			t.Fatalf("Next(%s) returned Repeat", now.Format("15:04"))
		}
		if a := c.AfterStart(now, l); a.Kind == Repeat {
			t.Fatalf("AfterStart(%s) returned Repeat", now.Format("15:04"))
		}
		if a := c.AfterRepeat(now, l); a.Kind == Repeat {
			t.Fatalf("AfterRepeat(%s) returned Repeat", now.Format("15:04"))
		}
	}
}

func TestInWindowDelayBounds(t *testing.T) {
	t.Parallel()
	c := New(time.UTC)
	intervals := []time.Duration{0, time.Minute, 17 * time.Minute, time.Hour, 90 * time.Minute, 5 * time.Hour, 30 * time.Hour}
	for _, every := range intervals {
		l := testLoop("08:10", "19:55", every)
		for s := l.WindowStart; s < l.WindowEnd; s += 13*time.Minute + 7*time.Second {
			now := monday.At(s, time.UTC)
			_, end := l.Window(monday, time.UTC)
			a, ok := c.Next(now, l)
			if !ok {
				t.Fatalf("every=%v now=%s: Next not ok inside window", every, now.Format("15:04:05"))
			}
			if a.Kind != Repeat && a.Kind != End {
				t.Fatalf("every=%v now=%s: Kind = %v", every, now.Format("15:04:05"), a.Kind)
			}
			if a.Delay <= 0 {
				t.Fatalf("every=%v now=%s: Delay = %v, want > 0", every, now.Format("15:04:05"), a.Delay)
			}
			if a.FireAt(now).After(end) {
				t.Fatalf("every=%v now=%s: fires at %s after window end", every, now.Format("15:04:05"), a.FireAt(now).Format("15:04:05"))
			}
		}
	}
}

func TestNextSyncIsNextMidnight(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	c := New(loc)
	now := time.Date(2025, 3, 3, 22, 30, 0, 0, loc)
	a := c.NextSync(now)
	if a.Kind != Sync || !a.Loop.IsSync() {
		t.Fatalf("NextSync = %+v", a)
	}
	want := time.Date(2025, 3, 4, 0, 0, 0, 0, loc)
	if got := a.FireAt(now); !got.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", got, want)
	}

	// At midnight exactly the next Sync is a full day away.
	mid := time.Date(2025, 3, 4, 0, 0, 0, 0, loc)
	if d := c.NextSync(mid).Delay; d != 24*time.Hour {
		t.Fatalf("Delay at midnight = %v, want 24h", d)
	}
}

func TestCalculatorUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC-5", -5*3600)
	c := New(loc)
	l := testLoop("09:00", "17:00", 0)
	// 13:00 UTC is 08:00 in UTC-5.
	now := time.Date(2025, 3, 3, 13, 0, 0, 0, time.UTC)
	a, ok := c.Next(now, l)
	if !ok || a.Kind != Start || a.Delay != time.Hour {
		t.Fatalf("Next = %v in %v (ok=%v), want start in 1h", a.Kind, a.Delay, ok)
	}
}
