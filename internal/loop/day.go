package loop

import (
	"fmt"
	"strings"
	"time"
)

// Day is a civil date without time or zone. The zero value is invalid.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

const dayLayout = "2006-01-02"

// DayOf returns the civil date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return DayOf(t), nil
}

func (d Day) IsZero() bool { return d == Day{} }

// Start returns local midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// At returns the wall-clock instant offset past midnight of d in loc.
// Offsets are applied as clock fields, so DST shifts keep the wall time.
func (d Day) At(offset time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	h := int(offset / time.Hour)
	offset -= time.Duration(h) * time.Hour
	m := int(offset / time.Minute)
	offset -= time.Duration(m) * time.Minute
	s := int(offset / time.Second)
	offset -= time.Duration(s) * time.Second
	return time.Date(d.Year, d.Month, d.Day, h, m, s, int(offset), loc)
}

func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

func (d Day) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

func (d Day) Before(o Day) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Day) After(o Day) bool { return o.Before(d) }

// DaysUntil returns the number of days from d to o (negative when o is earlier).
func (d Day) DaysUntil(o Day) int {
	a := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC)
	b := time.Date(o.Year, o.Month, o.Day, 12, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText encodes the zero Day as an empty string.
func (d Day) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d *Day) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*d = Day{}
		return nil
	}
	v, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ClockOffset is the wall-clock time elapsed since local midnight of t.
func ClockOffset(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset past midnight.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockOffset(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
}

// FormatClock renders an offset past midnight as "HH:MM" (or "HH:MM:SS"
// when seconds are set).
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}
