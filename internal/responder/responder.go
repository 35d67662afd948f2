package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/runtime"
	"github.com/hemostat/internal/schema"
)

// Runtime is the slice of the container runtime the Responder actuates.
type Runtime interface {
	Inspect(ctx context.Context, id string) (runtime.Inspection, error)
	Restart(ctx context.Context, id string, timeout time.Duration) error
	Status(ctx context.Context, id string) (schema.ContainerStatus, error)
	SwarmServiceName(ctx context.Context, id string) (string, error)
	ScaleService(ctx context.Context, name string, delta uint64) (uint64, error)
	ListExited(ctx context.Context, labels map[string]string) ([]runtime.Container, error)
	RemoveContainer(ctx context.Context, id string) error
	PruneVolumes(ctx context.Context, labels map[string]string) (uint64, error)
	Exec(ctx context.Context, id string, cmd []string) (runtime.ExecResult, error)
}

// Config holds the Responder's safety tunables.
type Config struct {
	Cooldown             time.Duration
	CircuitWindow        time.Duration
	MaxRetriesPerWindow  int
	DryRun               bool
	MaxParallelActions   int64
	ActionDeadline       time.Duration
	StopTimeout          time.Duration
	ConfirmTimeout       time.Duration
	ConfirmInterval      time.Duration
	EnforceExecAllowlist bool
	AuditSize            int64
	AuditTTL             time.Duration
	StateTTL             time.Duration
	HeartbeatInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cooldown:            time.Hour,
		CircuitWindow:       time.Hour,
		MaxRetriesPerWindow: 3,
		MaxParallelActions:  4,
		ActionDeadline:      30 * time.Second,
		StopTimeout:         10 * time.Second,
		ConfirmTimeout:      30 * time.Second,
		ConfirmInterval:     time.Second,
		AuditSize:           100,
		AuditTTL:            24 * time.Hour,
		StateTTL:            2 * time.Hour,
		HeartbeatInterval:   30 * time.Second,
	}
}

// Responder executes remediation requests behind a chain of safety guards:
// existence, dry-run, cooldown, circuit breaker, then a single-writer lock.
// Exactly one outcome is published per request. Per-container processing is
// serialized; distinct containers proceed in parallel up to
// MaxParallelActions.
type Responder struct {
	*agent.Base
	bus   broker.Bus
	store broker.Store
	rt    Runtime
	cfg   Config
	sem   *semaphore.Weighted

	locks sync.Map
	wg    sync.WaitGroup

	now func() time.Time
}

func New(bus broker.Bus, store broker.Store, rt Runtime, cfg Config, log *slog.Logger) *Responder {
	return &Responder{
		Base:  agent.NewBase("responder", store, log, cfg.HeartbeatInterval),
		bus:   bus,
		store: store,
		rt:    rt,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxParallelActions),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run subscribes and blocks until ctx is cancelled, then waits for in-flight
// actions to finish.
func (r *Responder) Run(ctx context.Context) error {
	go r.RunHeartbeat(ctx)

	err := r.bus.Subscribe(ctx, broker.ChannelRemediationNeeded, func(ctx context.Context, env schema.Envelope) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.HandleRequest(ctx, env)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe remediation requests: %w", err)
	}
	r.SetState(ctx, agent.StateRunning)

	<-ctx.Done()
	r.SetState(context.WithoutCancel(ctx), agent.StateDraining)
	r.wg.Wait()
	r.SetState(context.WithoutCancel(ctx), agent.StateStopped)
	return nil
}

// HandleRequest processes one remediation request end to end. It blocks
// while another request for the same container is in flight.
func (r *Responder) HandleRequest(ctx context.Context, env schema.Envelope) {
	var req schema.RemediationRequest
	if err := env.Payload(&req); err != nil {
		r.Log().Warn("dropping undecodable remediation request", "error", err)
		return
	}
	if req.Container == "" || req.Action == "" {
		r.Log().Warn("dropping remediation request missing container or action")
		return
	}
	r.Bump("requests_received")

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	mu := r.containerMu(req.Container)
	mu.Lock()
	defer mu.Unlock()

	r.process(ctx, req)
}

func (r *Responder) containerMu(container string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(container, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Responder) process(ctx context.Context, req schema.RemediationRequest) {
	start := r.now()

	switch req.Action {
	case schema.ActionRestart, schema.ActionScaleUp, schema.ActionCleanup, schema.ActionExec:
	default:
		r.reject(ctx, req, schema.RejectUnsupportedAction, fmt.Sprintf("unknown action %q", req.Action), start)
		return
	}

	if _, err := r.rt.Inspect(ctx, req.Container); err != nil {
		r.reject(ctx, req, schema.RejectUnknownContainer, err.Error(), start)
		return
	}

	if r.cfg.DryRun {
		r.Log().Info("dry run, skipping action", "container", req.Container, "action", req.Action)
		r.reject(ctx, req, schema.RejectDryRunSkipped, fmt.Sprintf("dry-run simulation of %s", req.Action), start)
		return
	}

	var rec schema.CooldownRecord
	found, err := r.store.GetJSON(ctx, broker.CooldownKey(req.Container), &rec)
	if err != nil {
		r.Log().Warn("cooldown read failed", "container", req.Container, "error", err)
	}
	if found {
		if elapsed := r.now().Sub(rec.LastActionAt); elapsed < r.cfg.Cooldown {
			remaining := r.cfg.Cooldown - elapsed
			r.Log().Info("cooldown active", "container", req.Container, "remaining", remaining)
			r.reject(ctx, req, schema.RejectCooldownActive,
				fmt.Sprintf("cooldown active, %ds remaining", int(remaining.Seconds())), start)
			return
		}
	}

	ring := r.loadRing(ctx, req.Container)
	if len(ring) >= r.cfg.MaxRetriesPerWindow {
		r.Log().Warn("circuit open", "container", req.Container, "actions_in_window", len(ring))
		r.reject(ctx, req, schema.RejectCircuitOpen,
			fmt.Sprintf("%d actions in the trailing window", len(ring)), start)
		return
	}
	attempt := len(ring) + 1

	token := uuid.NewString()
	acquired, err := r.store.SetNX(ctx, broker.LockKey(req.Container), token, r.cfg.ActionDeadline)
	if err != nil || !acquired {
		// Conservative: another responder instance is handling this container.
		r.reject(ctx, req, schema.RejectCooldownActive, "container lock held elsewhere", start)
		return
	}
	defer func() {
		if err := r.store.ReleaseLock(context.WithoutCancel(ctx), broker.LockKey(req.Container), token); err != nil {
			r.Log().Warn("lock release failed", "container", req.Container, "error", err)
		}
	}()

	actx, cancel := context.WithTimeout(ctx, r.cfg.ActionDeadline)
	defer cancel()
	result, rejection, detail, execErr := r.execute(actx, req)

	out := r.outcome(req, result, rejection, start)
	out.Attempt = attempt
	out.Detail = detail
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			out.Error = "timeout"
		} else {
			out.Error = execErr.Error()
		}
	}

	switch result {
	case schema.ResultSuccess:
		r.Bump("actions_succeeded")
		r.commit(ctx, out, func(p broker.Pipe) {
			now := r.now()
			p.SetJSON(broker.CooldownKey(req.Container), schema.CooldownRecord{
				LastActionAt:   now,
				LastActionKind: req.Action,
			}, r.cfg.StateTTL)
			p.SetJSON(broker.CircuitKey(req.Container), append(ring, now), r.cfg.StateTTL)
		})
		r.Log().Warn("remediation succeeded", "container", req.Container, "action", req.Action, "detail", detail)
	case schema.ResultFailed:
		r.Bump("actions_failed")
		// A failed attempt still counts against the circuit.
		r.commit(ctx, out, func(p broker.Pipe) {
			p.SetJSON(broker.CircuitKey(req.Container), append(ring, r.now()), r.cfg.StateTTL)
		})
		r.Log().Error("remediation failed", "container", req.Container, "action", req.Action, "error", out.Error)
	case schema.ResultNotApplicable:
		r.Bump("actions_not_applicable")
		r.commit(ctx, out, nil)
		r.Log().Info("action not applicable", "container", req.Container, "action", req.Action, "detail", detail)
	default:
		r.Bump("actions_rejected")
		r.commit(ctx, out, nil)
		r.Log().Warn("action rejected", "container", req.Container, "action", req.Action, "reason", rejection)
	}
}

// reject publishes a rejected outcome without touching cooldown or circuit
// state.
func (r *Responder) reject(ctx context.Context, req schema.RemediationRequest, reason schema.RejectionReason, detail string, start time.Time) {
	out := r.outcome(req, schema.ResultRejected, reason, start)
	out.Detail = detail
	r.Bump("actions_rejected")
	r.commit(ctx, out, nil)
}

func (r *Responder) outcome(req schema.RemediationRequest, result schema.Result, reason schema.RejectionReason, start time.Time) schema.RemediationOutcome {
	return schema.RemediationOutcome{
		Container:       req.Container,
		Action:          req.Action,
		Result:          result,
		RejectionReason: reason,
		DryRun:          r.cfg.DryRun,
		Reason:          req.Reason,
		Confidence:      req.Confidence,
		Method:          req.Method,
		DurationMS:      r.now().Sub(start).Milliseconds(),
	}
}

// commit writes the audit entry, any bookkeeping, and the outcome publish
// through one transactional pipeline so they land together.
func (r *Responder) commit(ctx context.Context, out schema.RemediationOutcome, bookkeeping func(broker.Pipe)) {
	env, err := schema.NewEnvelope(r.Name(), schema.EventRemediationComplete, out)
	if err != nil {
		r.Log().Error("envelope build failed", "error", err)
		return
	}
	entry := schema.AuditEntry{
		Timestamp:  r.now(),
		Container:  out.Container,
		Action:     out.Action,
		Result:     out.Result,
		Rejection:  out.RejectionReason,
		Error:      out.Error,
		Reason:     out.Reason,
		Confidence: out.Confidence,
		DryRun:     out.DryRun,
	}
	err = r.store.Pipeline(ctx, func(p broker.Pipe) error {
		if bookkeeping != nil {
			bookkeeping(p)
		}
		p.PushBounded(broker.AuditKey(out.Container), entry, r.cfg.AuditSize, r.cfg.AuditTTL)
		p.Publish(broker.ChannelRemediationComplete, env)
		return nil
	})
	if err != nil {
		r.Log().Error("outcome commit failed", "container", out.Container, "error", err)
	}
}

// loadRing returns the container's action timestamps inside the trailing
// circuit window.
func (r *Responder) loadRing(ctx context.Context, container string) []time.Time {
	var ring []time.Time
	if _, err := r.store.GetJSON(ctx, broker.CircuitKey(container), &ring); err != nil {
		r.Log().Warn("circuit read failed", "container", container, "error", err)
		return nil
	}
	cutoff := r.now().Add(-r.cfg.CircuitWindow)
	trimmed := make([]time.Time, 0, len(ring))
	for _, t := range ring {
		if !t.Before(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	return trimmed
}
