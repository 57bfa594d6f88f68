// Package schedule computes the next wake-up for a loop.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"loopd/internal/loop"
)

// Kind is the kind of a scheduled wake-up.
type Kind int

const (
	Start Kind = iota + 1
	Repeat
	End
	Sync
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Repeat:
		return "repeat"
	case End:
		return "end"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is a transient scheduling decision.
type Action struct {
	Kind  Kind
	Delay time.Duration
	Loop  loop.Loop
}

// FireAt is the absolute time the action is due when computed at now.
func (a Action) FireAt(now time.Time) time.Time { return now.Add(a.Delay) }

const midnightSpec = "0 0 * * *"

// Calculator is a pure function set over a fixed time zone.
type Calculator struct {
	loc      *time.Location
	midnight cron.Schedule
}

// New returns a Calculator evaluating wall-clock times in loc (time.Local if nil).
func New(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	sched, err := cron.ParseStandard(midnightSpec)
	if err != nil {
		panic(fmt.Sprintf("schedule: parse %q: %v", midnightSpec, err))
	}
	return &Calculator{loc: loc, midnight: sched}
}

func (c *Calculator) Location() *time.Location { return c.loc }

// Now converts t into the calculator's zone.
func (c *Calculator) Now(t time.Time) time.Time { return t.In(c.loc) }

// Next returns the next per-loop action for today. ok is false once the
// window has closed; the following day is picked up by Sync.
func (c *Calculator) Next(now time.Time, l loop.Loop) (Action, bool) {
	t := now.In(c.loc)
	day := loop.DayOf(t)
	start, end := l.Window(day, c.loc)

	switch {
	case t.Before(start):
		return Action{Kind: Start, Delay: start.Sub(t), Loop: l}, true
	case t.Before(end):
		if l.RepeatInterval <= 0 {
			return Action{Kind: End, Delay: end.Sub(t), Loop: l}, true
		}
		return c.repeatOrEnd(t, start, end, l), true
	default:
		return Action{}, false
	}
}

// AfterStart is evaluated when a Start wake-up fires.
func (c *Calculator) AfterStart(now time.Time, l loop.Loop) Action {
	if l.RepeatInterval <= 0 {
		t := now.In(c.loc)
		_, end := l.Window(loop.DayOf(t), c.loc)
		return Action{Kind: End, Delay: nonNegative(end.Sub(t)), Loop: l}
	}
	return c.AfterRepeat(now, l)
}

// AfterRepeat is evaluated when a Repeat wake-up fires. Another Repeat is
// only produced if it lands strictly before the window end.
func (c *Calculator) AfterRepeat(now time.Time, l loop.Loop) Action {
	t := now.In(c.loc)
	start, end := l.Window(loop.DayOf(t), c.loc)
	if !t.Before(end) {
		return Action{Kind: End, Delay: 0, Loop: l}
	}
	if l.RepeatInterval <= 0 {
		return Action{Kind: End, Delay: end.Sub(t), Loop: l}
	}
	return c.repeatOrEnd(t, start, end, l)
}

// NextSync returns the Sync action for the next local midnight.
func (c *Calculator) NextSync(now time.Time) Action {
	t := now.In(c.loc)
	next := c.midnight.Next(t)
	return Action{Kind: Sync, Delay: next.Sub(t), Loop: loop.SyncLoop()}
}

func (c *Calculator) repeatOrEnd(t, start, end time.Time, l loop.Loop) Action {
	elapsed := loop.ClockOffset(t) - l.WindowStart
	if t.Before(start) {
		elapsed = 0
	}
	candidate := l.RepeatInterval - euclidMod(elapsed, l.RepeatInterval)
	if !t.Add(candidate).Before(end) {
		return Action{Kind: End, Delay: end.Sub(t), Loop: l}
	}
	return Action{Kind: Repeat, Delay: candidate, Loop: l}
}

func euclidMod(a, b time.Duration) time.Duration {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
