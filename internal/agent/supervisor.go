package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs a set of agents and coordinates their shutdown. When the
// parent context is cancelled each agent drains cooperatively; agents still
// running past the drain deadline are abandoned.
type Supervisor struct {
	log           *slog.Logger
	drainDeadline time.Duration
	agents        []Agent
}

func NewSupervisor(log *slog.Logger, drainDeadline time.Duration, agents ...Agent) *Supervisor {
	return &Supervisor{log: log, drainDeadline: drainDeadline, agents: agents}
}

// Run blocks until every agent has returned or the drain deadline lapses
// after cancellation. The first agent error cancels the rest.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, a := range s.agents {
		a := a
		g.Go(func() error {
			s.log.Info("agent starting", "agent", a.Name())
			if err := a.Run(gctx); err != nil {
				return fmt.Errorf("agent %s: %w", a.Name(), err)
			}
			s.log.Info("agent stopped", "agent", a.Name())
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// Parent cancelled; give agents the drain window.
	s.log.Info("draining agents", "deadline", s.drainDeadline.String())
	select {
	case err := <-done:
		return err
	case <-time.After(s.drainDeadline):
		s.log.Warn("drain deadline lapsed, abandoning remaining agents")
		return ctx.Err()
	}
}
