package loop

import (
	"fmt"
	"strings"
	"time"
)

// ResponseState is the user's answer to a loop on one day.
type ResponseState int

const (
	NoResponse ResponseState = iota
	Done
	Skip
	Disabled
)

func (s ResponseState) String() string {
	switch s {
	case NoResponse:
		return "no_response"
	case Done:
		return "done"
	case Skip:
		return "skip"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ResponseState) Valid() bool { return s >= NoResponse && s <= Disabled }

// Answered reports whether the user already acted on the loop for the day.
func (s ResponseState) Answered() bool { return s == Done || s == Skip }

func ParseResponseState(v string) (ResponseState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "no_response", "none", "":
		return NoResponse, nil
	case "done":
		return Done, nil
	case "skip", "skipped":
		return Skip, nil
	case "disabled":
		return Disabled, nil
	}
	return 0, fmt.Errorf("unknown response state %q", v)
}

func (s ResponseState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ResponseState) UnmarshalText(b []byte) error {
	v, err := ParseResponseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Response is the recorded state of a loop on a civil day. At most one
// response exists per (LoopID, Day).
type Response struct {
	LoopID    ID            `json:"loop_id"`
	Day       Day           `json:"date"`
	State     ResponseState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}
