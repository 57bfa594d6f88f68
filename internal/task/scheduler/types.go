package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"loopd/internal/eventbus"
	"loopd/internal/storage"
	"loopd/internal/task/engine"
	logx "loopd/pkg/logx"
)

// DeliverJobKind is the engine job kind submitted when a keyed timer fires.
const DeliverJobKind = "wakeup.deliver"

// Config controls the timer service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ for cron schedules, e.g. "Europe/Berlin"

	// ExactAllowed reports whether precise wake-ups may be registered.
	// When false, Arm callers are expected to skip registration.
	ExactAllowed bool

	// SubmitRetry is the delay before a fired timer retries a failed job
	// submission (default 5s).
	SubmitRetry time.Duration
}

// Engine is the subset of the task engine the scheduler feeds.
type Engine interface {
	Enqueue(t engine.Task) error
	SubmitJob(ctx context.Context, kind, key string, payload []byte) error
}

type scheduleDef struct {
	id      string
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine Engine
	store  storage.TimerStore

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue error throttling: key is schedule or timer name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// Keyed timers. pending is the source of truth; timers holds the runtime
	// handles and only exists while the service is started.
	tmu     sync.Mutex
	started bool
	// rowMu orders timer row writes with version bumps, so a fired timer
	// never deletes the row of a newer Arm for the same key.
	rowMu   sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]storage.Timer
	ver     map[string]uint64
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type TimerInfo struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

type Snapshot struct {
	Enabled      bool           `json:"enabled"`
	Timezone     string         `json:"timezone"`
	ExactAllowed bool           `json:"exact_allowed"`
	Timers       []TimerInfo    `json:"timers"`
	Schedules    []ScheduleInfo `json:"schedules"`
}
