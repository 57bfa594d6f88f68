package control

import (
	"context"
	"time"

	"loopd/internal/loop"
	"loopd/internal/notifier"
	"loopd/internal/task/engine"
	"loopd/internal/task/scheduler"
)

// API is what the /v1 routes call into.
type API interface {
	List(ctx context.Context) ([]loop.Loop, error)
	Get(ctx context.Context, id loop.ID) (loop.Loop, error)
	Create(ctx context.Context, l loop.Loop) (loop.Loop, error)
	Update(ctx context.Context, l loop.Loop) (loop.Loop, error)
	SetEnabled(ctx context.Context, id loop.ID, enabled bool) (loop.Loop, error)
	Delete(ctx context.Context, id loop.ID) error
	Respond(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error
	History(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error)
	Sync(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// Status is the daemon's diagnostic view served at /v1/status.
type Status struct {
	Now       time.Time          `json:"now"`
	Timezone  string             `json:"timezone"`
	StartedAt time.Time          `json:"started_at"`
	Loops     int                `json:"loops"`
	Enabled   int                `json:"enabled"`
	NextSync  time.Time          `json:"next_sync,omitempty"`
	Timers    scheduler.Snapshot `json:"timers"`
	Engine    engine.Snapshot    `json:"engine"`
	Notifier  NotifierStatus     `json:"notifier"`
}

type NotifierStatus struct {
	Enabled   bool                   `json:"enabled"`
	Presenter string                 `json:"presenter"`
	History   []notifier.HistoryItem `json:"history"`
}

// ResponseRequest is the body of POST /v1/loops/{id}/responses.
type ResponseRequest struct {
	Date  loop.Day           `json:"date"`
	State loop.ResponseState `json:"state"`
}

// ErrorBody is the JSON shape of every non-2xx reply.
type ErrorBody struct {
	Error string `json:"error"`
}
