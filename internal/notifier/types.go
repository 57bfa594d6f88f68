package notifier

import (
	"context"
	"time"

	"loopd/internal/loop"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Reminder is what a presenter shows for a loop. Presenters key their
// on-screen state by Loop.ID, so a later Show replaces an earlier one.
type Reminder struct {
	Loop   loop.Loop          `json:"loop"`
	Day    loop.Day           `json:"date"`
	Kind   string             `json:"kind"`
	FireAt time.Time          `json:"fire_at"`
	State  loop.ResponseState `json:"state"`
}

// Presenter renders reminders to the user.
type Presenter interface {
	Name() string
	Show(ctx context.Context, r Reminder) error
	Dismiss(ctx context.Context, id loop.ID) error
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Op        string    `json:"op"`
	LoopID    loop.ID   `json:"loop_id"`
	Title     string    `json:"title,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Presenter string    `json:"presenter"`
	Error     string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Presenter string    `json:"presenter"`
	Op        string    `json:"op"`
	LoopID    loop.ID   `json:"loop_id"`
	Key       string    `json:"key,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
