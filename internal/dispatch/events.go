package dispatch

import (
	"time"

	"loopd/internal/backfill"
	"loopd/internal/loop"
)

// Event is published as "dispatch.handled" after every payload.
type Event struct {
	Token  string    `json:"token"`
	LoopID loop.ID   `json:"loop_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// SyncEvent is published as "sync.done".
type SyncEvent struct {
	At        time.Time       `json:"at"`
	Backfill  backfill.Report `json:"backfill"`
	Armed     int             `json:"armed"`
	Cancelled int             `json:"cancelled"`
	NextSync  time.Time       `json:"next_sync"`
	Errors    int             `json:"errors"`
	Duration  time.Duration   `json:"duration"`
}
