package loop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// ID identifies a loop. Real loops have positive ids.
type ID int64

// SyncID is the reserved id of the daily maintenance pseudo-loop.
const SyncID ID = -1

const MaxTitleLen = 200

var (
	ErrInvalid  = errors.New("invalid loop")
	ErrNotFound = errors.New("loop not found")
)

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Loop is a recurring reminder definition.
//
// WindowStart and WindowEnd are offsets past local midnight. A zero
// RepeatInterval means the loop fires once at WindowStart and then waits for
// the window end.
type Loop struct {
	ID             ID
	Title          string
	Color          uint32 // ARGB
	CreatedAt      time.Time
	WindowStart    time.Duration
	WindowEnd      time.Duration
	ActiveDays     DayMask
	RepeatInterval time.Duration
	Enabled        bool
}

// SyncLoop returns the sentinel loop carried by the daily sync wake-up.
func SyncLoop() Loop {
	return Loop{ID: SyncID, Title: "sync", ActiveDays: Everyday, WindowEnd: 24*time.Hour - time.Millisecond, Enabled: true}
}

func (l Loop) IsSync() bool { return l.ID == SyncID }

// Validate checks the invariants a stored loop must hold.
func (l Loop) Validate() error {
	if l.ID < 0 {
		return fmt.Errorf("%w: id %d is reserved", ErrInvalid, l.ID)
	}
	if l.Title == "" {
		return fmt.Errorf("%w: title required", ErrInvalid)
	}
	if n := utf8.RuneCountInString(l.Title); n > MaxTitleLen {
		return fmt.Errorf("%w: title is %d characters (max %d)", ErrInvalid, n, MaxTitleLen)
	}
	if l.WindowStart < 0 || l.WindowEnd < 0 {
		return fmt.Errorf("%w: window bounds must be >= 0", ErrInvalid)
	}
	if l.WindowEnd >= 24*time.Hour {
		return fmt.Errorf("%w: window end must be before 24:00", ErrInvalid)
	}
	if l.WindowStart > l.WindowEnd {
		return fmt.Errorf("%w: window start %s is after end %s", ErrInvalid, FormatClock(l.WindowStart), FormatClock(l.WindowEnd))
	}
	if l.RepeatInterval < 0 {
		return fmt.Errorf("%w: repeat interval must be >= 0", ErrInvalid)
	}
	if !l.ActiveDays.Valid() {
		return fmt.Errorf("%w: active days must select at least one weekday", ErrInvalid)
	}
	return nil
}

// ActiveOn reports whether the loop is scheduled on the given civil day.
func (l Loop) ActiveOn(d Day) bool { return l.ActiveDays.IsOn(d.Weekday()) }

// Window returns the loop's window on day d in loc.
func (l Loop) Window(d Day, loc *time.Location) (start, end time.Time) {
	return d.At(l.WindowStart, loc), d.At(l.WindowEnd, loc)
}

// loopJSON is the wire shape; durations travel as integer milliseconds.
type loopJSON struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Color            uint32    `json:"color"`
	CreatedAt        time.Time `json:"created_at"`
	WindowStartMS    int64     `json:"window_start_ms"`
	WindowEndMS      int64     `json:"window_end_ms"`
	ActiveDays       uint8     `json:"active_days"`
	RepeatIntervalMS int64     `json:"repeat_interval_ms"`
	Enabled          bool      `json:"enabled"`
}

func (l Loop) MarshalJSON() ([]byte, error) {
	return json.Marshal(loopJSON{
		ID:               int64(l.ID),
		Title:            l.Title,
		Color:            l.Color,
		CreatedAt:        l.CreatedAt,
		WindowStartMS:    l.WindowStart.Milliseconds(),
		WindowEndMS:      l.WindowEnd.Milliseconds(),
		ActiveDays:       uint8(l.ActiveDays),
		RepeatIntervalMS: l.RepeatInterval.Milliseconds(),
		Enabled:          l.Enabled,
	})
}

// UnmarshalJSON rejects unknown fields, so a misspelled window bound is an
// error instead of a silent midnight.
func (l *Loop) UnmarshalJSON(b []byte) error {
	var w loopJSON
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*l = Loop{
		ID:             ID(w.ID),
		Title:          w.Title,
		Color:          w.Color,
		CreatedAt:      w.CreatedAt,
		WindowStart:    time.Duration(w.WindowStartMS) * time.Millisecond,
		WindowEnd:      time.Duration(w.WindowEndMS) * time.Millisecond,
		ActiveDays:     DayMask(w.ActiveDays),
		RepeatInterval: time.Duration(w.RepeatIntervalMS) * time.Millisecond,
		Enabled:        w.Enabled,
	}
	return nil
}
