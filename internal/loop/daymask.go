package loop

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayMask is a 7-bit set of weekdays. Bit i (0..6) is Sunday..Saturday,
// matching time.Weekday numbering.
type DayMask uint8

const (
	Sunday DayMask = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

const (
	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekends = Saturday | Sunday
	Everyday = Weekdays | Weekends
)

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// DayFromIndex maps a 0..6 index (Sunday first) to its single-day mask.
// It panics for any other index.
func DayFromIndex(i int) DayMask {
	if i < 0 || i > 6 {
		panic(fmt.Sprintf("loop: day index %d out of range 0..6", i))
	}
	return DayMask(1) << uint(i)
}

// MaskOf returns the single-day mask for a weekday.
func MaskOf(wd time.Weekday) DayMask { return DayFromIndex(int(wd)) }

func (m DayMask) IsOn(wd time.Weekday) bool {
	if wd < time.Sunday || wd > time.Saturday {
		return false
	}
	return m&MaskOf(wd) != 0
}

func (m DayMask) Set(d DayMask) DayMask    { return m | d }
func (m DayMask) Unset(d DayMask) DayMask  { return m &^ d }
func (m DayMask) Toggle(d DayMask) DayMask { return m ^ d }

// Valid reports whether the mask selects at least one day and uses no bits
// above Saturday.
func (m DayMask) Valid() bool { return m != 0 && m&^Everyday == 0 }

// Days lists the selected weekdays in Sunday-first order.
func (m DayMask) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for i := 0; i < 7; i++ {
		if m&DayFromIndex(i) != 0 {
			out = append(out, time.Weekday(i))
		}
	}
	return out
}

func (m DayMask) String() string {
	switch m & Everyday {
	case 0:
		return "none"
	case Everyday:
		return "everyday"
	case Weekdays:
		return "weekdays"
	case Weekends:
		return "weekends"
	}
	parts := make([]string, 0, 7)
	for _, wd := range m.Days() {
		parts = append(parts, dayNames[wd])
	}
	return strings.Join(parts, ",")
}

// ParseDayMask accepts "everyday", "weekdays", "weekends", a comma list of
// day names, short or full ("mon,wednesday"), or the raw integer mask.
func ParseDayMask(s string) (DayMask, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return 0, fmt.Errorf("day mask required")
	case "everyday", "daily", "all":
		return Everyday, nil
	case "weekdays":
		return Weekdays, nil
	case "weekends":
		return Weekends, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		m := DayMask(n)
		if n < 0 || n > int(Everyday) || !m.Valid() {
			return 0, fmt.Errorf("day mask %d out of range 1..127", n)
		}
		return m, nil
	}
	var m DayMask
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		found := false
		for i, name := range dayNames {
			if p == name || p == strings.ToLower(time.Weekday(i).String()) {
				m = m.Set(DayFromIndex(i))
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown day %q", p)
		}
	}
	return m, nil
}

func (m DayMask) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *DayMask) UnmarshalText(b []byte) error {
	v, err := ParseDayMask(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
