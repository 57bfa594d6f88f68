package storage

import (
	"context"
	"errors"
	"time"

	"loopd/internal/loop"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = loop.ErrNotFound
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}

// Timer is a persisted pending wake-up.
type Timer struct {
	Key     string
	At      time.Time
	Payload []byte
}

// Job is a durable engine job record. It exists from submission until the
// job reaches a terminal outcome.
type Job struct {
	ID        string
	Kind      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

type LoopStore interface {
	ListLoops(ctx context.Context) ([]loop.Loop, error)
	GetLoop(ctx context.Context, id loop.ID) (loop.Loop, error)
	// UpsertLoop inserts l when l.ID is 0 (allocating an id) and otherwise
	// replaces the stored loop with the same id.
	UpsertLoop(ctx context.Context, l loop.Loop) (loop.Loop, error)
	SetLoopEnabled(ctx context.Context, id loop.ID, enabled bool) error
	// DeleteLoop removes the loop and all of its responses.
	DeleteLoop(ctx context.Context, id loop.ID) error
}

type ResponseStore interface {
	// InsertResponseIfAbsent never overwrites; inserted reports whether a row
	// was written.
	InsertResponseIfAbsent(ctx context.Context, r loop.Response) (inserted bool, err error)
	PutResponse(ctx context.Context, r loop.Response) error
	GetResponse(ctx context.Context, id loop.ID, day loop.Day) (loop.Response, bool, error)
	// ListResponses returns responses with from <= Day <= to, ordered by day.
	ListResponses(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error)
}

type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error
}

type TimerStore interface {
	PutTimer(ctx context.Context, t Timer) error
	DeleteTimer(ctx context.Context, key string) error
	ListTimers(ctx context.Context) ([]Timer, error)
}

type JobStore interface {
	PutJob(ctx context.Context, j Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]Job, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	LoopStore
	ResponseStore
	MetaStore
	TimerStore
	JobStore
	DedupStore
	Close() error
}
