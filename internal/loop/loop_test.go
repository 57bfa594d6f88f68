package loop

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validLoop() Loop {
	return Loop{
		ID:             1,
		Title:          "Water",
		CreatedAt:      time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC),
		WindowStart:    9 * time.Hour,
		WindowEnd:      17 * time.Hour,
		ActiveDays:     Weekdays,
		RepeatInterval: 2 * time.Hour,
		Enabled:        true,
	}
}

func TestLoopValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Loop)
		ok     bool
	}{
		{name: "valid", mutate: func(*Loop) {}, ok: true},
		{name: "zero width window", mutate: func(l *Loop) { l.WindowEnd = l.WindowStart }, ok: true},
		{name: "no repeat", mutate: func(l *Loop) { l.RepeatInterval = 0 }, ok: true},
		{name: "empty title", mutate: func(l *Loop) { l.Title = "" }},
		{name: "long title", mutate: func(l *Loop) { l.Title = strings.Repeat("é", MaxTitleLen+1) }},
		{name: "max title", mutate: func(l *Loop) { l.Title = strings.Repeat("é", MaxTitleLen) }, ok: true},
		{name: "end past midnight", mutate: func(l *Loop) { l.WindowEnd = 24 * time.Hour }},
		{name: "start after end", mutate: func(l *Loop) { l.WindowStart = 18 * time.Hour }},
		{name: "empty mask", mutate: func(l *Loop) { l.ActiveDays = 0 }},
		{name: "mask high bit", mutate: func(l *Loop) { l.ActiveDays = 0x80 | Monday }},
		{name: "negative interval", mutate: func(l *Loop) { l.RepeatInterval = -time.Minute }},
		{name: "reserved id", mutate: func(l *Loop) { l.ID = SyncID }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := validLoop()
			tt.mutate(&l)
			err := l.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() expected error")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Validate() error = %v, want ErrInvalid", err)
				}
			}
		})
	}
}

func TestLoopJSONUsesMilliseconds(t *testing.T) {
	t.Parallel()
	l := validLoop()
	b, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(b), `"window_start_ms":32400000`) {
		t.Fatalf("unexpected json: %s", b)
	}
	var back Loop
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if back.WindowStart != l.WindowStart || back.RepeatInterval != l.RepeatInterval || back.ActiveDays != l.ActiveDays {
		t.Fatalf("round trip = %+v, want %+v", back, l)
	}
}

func TestLoopJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	var l Loop
	err := json.Unmarshal([]byte(`{"title":"x","windowStart":32400000,"window_end_ms":61200000,"active_days":127}`), &l)
	if err == nil || !strings.Contains(err.Error(), "windowStart") {
		t.Fatalf("Unmarshal = %v, want unknown field windowStart", err)
	}
}

func TestSyncLoopSentinel(t *testing.T) {
	t.Parallel()
	s := SyncLoop()
	if !s.IsSync() || s.ID != SyncID {
		t.Fatalf("SyncLoop id = %d, want %d", s.ID, SyncID)
	}
	if validLoop().IsSync() {
		t.Fatal("regular loop reported as sync")
	}
}

func TestDayArithmetic(t *testing.T) {
	t.Parallel()
	d := Day{Year: 2024, Month: time.February, Day: 28}
	if got := d.AddDays(1); got.String() != "2024-02-29" {
		t.Fatalf("AddDays(1) = %s", got)
	}
	if got := d.AddDays(2); got.String() != "2024-03-01" {
		t.Fatalf("AddDays(2) = %s", got)
	}
	if n := d.DaysUntil(d.AddDays(10)); n != 10 {
		t.Fatalf("DaysUntil = %d, want 10", n)
	}
	if !d.Before(d.AddDays(1)) || d.After(d.AddDays(1)) {
		t.Fatal("ordering is wrong")
	}
	if wd := (Day{Year: 2025, Month: time.March, Day: 3}).Weekday(); wd != time.Monday {
		t.Fatalf("Weekday = %v, want Monday", wd)
	}
	p, err := ParseDay("2025-03-03")
	if err != nil || p != (Day{Year: 2025, Month: time.March, Day: 3}) {
		t.Fatalf("ParseDay = %v, %v", p, err)
	}
}

func TestDayJSON(t *testing.T) {
	t.Parallel()
	type body struct {
		Date Day `json:"date"`
	}
	b, err := json.Marshal(body{})
	if err != nil || string(b) != `{"date":""}` {
		t.Fatalf("zero day = %s, %v", b, err)
	}
	var got body
	if err := json.Unmarshal([]byte(`{"date":""}`), &got); err != nil || !got.Date.IsZero() {
		t.Fatalf("empty date = %+v, %v", got, err)
	}
	if err := json.Unmarshal([]byte(`{"date":"2025-03-03"}`), &got); err != nil || got.Date.String() != "2025-03-03" {
		t.Fatalf("date = %+v, %v", got, err)
	}
	if err := json.Unmarshal([]byte(`{"date":"March 3"}`), &got); err == nil {
		t.Fatal("bad date accepted")
	}
}

func TestClockHelpers(t *testing.T) {
	t.Parallel()
	d, err := ParseClock("09:30")
	if err != nil || d != 9*time.Hour+30*time.Minute {
		t.Fatalf("ParseClock = %v, %v", d, err)
	}
	if s := FormatClock(d); s != "09:30" {
		t.Fatalf("FormatClock = %q", s)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Fatal("expected error for 25:00")
	}
	at := time.Date(2025, 1, 1, 13, 5, 7, 0, time.UTC)
	if off := ClockOffset(at); off != 13*time.Hour+5*time.Minute+7*time.Second {
		t.Fatalf("ClockOffset = %v", off)
	}
}

func TestResponseStateText(t *testing.T) {
	t.Parallel()
	for _, s := range []ResponseState{NoResponse, Done, Skip, Disabled} {
		got, err := ParseResponseState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseResponseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if !Done.Answered() || !Skip.Answered() || Disabled.Answered() || NoResponse.Answered() {
		t.Fatal("Answered is wrong")
	}
}
