package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hemostat/internal/broker"
)

// State is the lifecycle phase reported in heartbeats.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Agent is one long-running pipeline member. Run blocks until ctx is
// cancelled and the agent has drained its in-flight work.
type Agent interface {
	Name() string
	Run(ctx context.Context) error
}

// Heartbeat is the liveness record each agent refreshes in the store.
type Heartbeat struct {
	Agent     string           `json:"agent"`
	State     State            `json:"state"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Counters  map[string]int64 `json:"counters"`
}

// Base carries the plumbing shared by every agent: identity, logger, store
// access, counters and heartbeat publication.
type Base struct {
	name     string
	store    broker.Store
	log      *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	state    State
	started  time.Time
	counters map[string]int64
}

// NewBase wires the shared runtime. interval is the heartbeat refresh
// period; the store record expires after three missed beats.
func NewBase(name string, store broker.Store, log *slog.Logger, interval time.Duration) *Base {
	return &Base{
		name:     name,
		store:    store,
		log:      log,
		interval: interval,
		state:    StateStarting,
		started:  time.Now().UTC(),
		counters: make(map[string]int64),
	}
}

func (b *Base) Name() string      { return b.name }
func (b *Base) Log() *slog.Logger { return b.log }

// SetState transitions the lifecycle phase and refreshes the heartbeat so
// the change is visible immediately.
func (b *Base) SetState(ctx context.Context, s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.beat(ctx)
}

// Bump increments a named counter by one.
func (b *Base) Bump(counter string) { b.Add(counter, 1) }

// Add increments a named counter.
func (b *Base) Add(counter string, n int64) {
	b.mu.Lock()
	b.counters[counter] += n
	b.mu.Unlock()
}

// Counter reads a named counter.
func (b *Base) Counter(counter string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters[counter]
}

// Snapshot returns the current heartbeat record.
func (b *Base) Snapshot() Heartbeat {
	b.mu.Lock()
	defer b.mu.Unlock()
	counters := make(map[string]int64, len(b.counters))
	for k, v := range b.counters {
		counters[k] = v
	}
	return Heartbeat{
		Agent:     b.name,
		State:     b.state,
		StartedAt: b.started,
		UpdatedAt: time.Now().UTC(),
		Counters:  counters,
	}
}

// RunHeartbeat refreshes the agent's store record until ctx is cancelled.
// Intended to run as a goroutine from the agent's Run.
func (b *Base) RunHeartbeat(ctx context.Context) {
	b.beat(ctx)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.beat(ctx)
		}
	}
}

func (b *Base) beat(ctx context.Context) {
	hb := b.Snapshot()
	if err := b.store.SetJSON(ctx, broker.AgentKey(b.name), hb, 3*b.interval); err != nil {
		b.log.Warn("heartbeat write failed", "error", err)
	}
}
