// Package wakeup registers loop wake-ups with the timer service and owns the
// self-contained payload a wake-up carries back to the dispatcher.
package wakeup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loopd/internal/loop"
	"loopd/internal/schedule"
)

// Token names what a wake-up asks the dispatcher to do.
type Token string

const (
	TokenStart  Token = "start"
	TokenRepeat Token = "repeat"
	TokenEnd    Token = "end"
	TokenSync   Token = "sync"
	// User-driven tokens, produced by notification actions.
	TokenDone   Token = "done"
	TokenCancel Token = "cancel"
)

var ErrMalformed = errors.New("malformed wake-up payload")

func (t Token) Valid() bool {
	switch t {
	case TokenStart, TokenRepeat, TokenEnd, TokenSync, TokenDone, TokenCancel:
		return true
	}
	return false
}

// TokenFor maps a scheduled action kind to its token.
func TokenFor(k schedule.Kind) (Token, bool) {
	switch k {
	case schedule.Start:
		return TokenStart, true
	case schedule.Repeat:
		return TokenRepeat, true
	case schedule.End:
		return TokenEnd, true
	case schedule.Sync:
		return TokenSync, true
	}
	return "", false
}

// Payload travels with a wake-up. It carries a full loop snapshot so the
// dispatcher never depends on a store read to act.
type Payload struct {
	Token      Token      `json:"token"`
	Loop       *loop.Loop `json:"loop"`
	IntendedAt time.Time  `json:"intended_at"`
}

func Encode(p Payload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode parses and validates a payload. Every failure wraps ErrMalformed.
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) validate() error {
	if !p.Token.Valid() {
		return fmt.Errorf("%w: unknown token %q", ErrMalformed, p.Token)
	}
	if p.Loop == nil {
		return fmt.Errorf("%w: missing loop", ErrMalformed)
	}
	if (p.Token == TokenSync) != p.Loop.IsSync() {
		return fmt.Errorf("%w: token %s does not match loop %d", ErrMalformed, p.Token, p.Loop.ID)
	}
	if p.Loop.IsSync() {
		return nil
	}
	if p.Loop.ID <= 0 {
		return fmt.Errorf("%w: loop id %d", ErrMalformed, p.Loop.ID)
	}
	if err := p.Loop.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

const syncKey = "sync"

// Key is the timer and engine lane key for a loop.
func Key(id loop.ID) string {
	if id == loop.SyncID {
		return syncKey
	}
	return "loop:" + id.String()
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (loop.ID, error) {
	if key == syncKey {
		return loop.SyncID, nil
	}
	raw, ok := strings.CutPrefix(key, "loop:")
	if !ok {
		return 0, fmt.Errorf("unknown wake-up key %q", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid loop id in key %q", key)
	}
	return loop.ID(n), nil
}
