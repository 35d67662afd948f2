package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/schema"
)

// Classifier turns a health alert plus its history into a Decision.
type Classifier interface {
	Classify(ctx context.Context, alert schema.HealthAlert, history []schema.HealthAlert) (schema.Decision, error)
}

// Config holds the Analyzer's tunables.
type Config struct {
	ConfidenceThreshold float64
	HistorySize         int64
	HistoryTTL          time.Duration
	FallbackEnabled     bool
	HeartbeatInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		HistorySize:         10,
		HistoryTTL:          time.Hour,
		FallbackEnabled:     true,
		HeartbeatInterval:   30 * time.Second,
	}
}

// Analyzer consumes health alerts and routes each one to exactly one of
// remediation_needed or false_alarm. The model classifier is optional; the
// rule classifier is both the second variant and the fallback.
type Analyzer struct {
	*agent.Base
	bus   broker.Bus
	store broker.Store
	cfg   Config
	model Classifier
	rules Classifier
}

// New wires the Analyzer. model may be nil to run rule-only.
func New(bus broker.Bus, store broker.Store, cfg Config, model, rules Classifier, log *slog.Logger) *Analyzer {
	return &Analyzer{
		Base:  agent.NewBase("analyzer", store, log, cfg.HeartbeatInterval),
		bus:   bus,
		store: store,
		cfg:   cfg,
		model: model,
		rules: rules,
	}
}

// Run subscribes and blocks until ctx is cancelled. Alerts are handled
// serially in arrival order.
func (a *Analyzer) Run(ctx context.Context) error {
	go a.RunHeartbeat(ctx)

	err := a.bus.Subscribe(ctx, broker.ChannelHealthAlert, func(ctx context.Context, env schema.Envelope) {
		a.HandleAlert(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe health alerts: %w", err)
	}
	a.SetState(ctx, agent.StateRunning)

	<-ctx.Done()
	a.SetState(context.WithoutCancel(ctx), agent.StateStopped)
	return nil
}

// HandleAlert classifies one alert and publishes the routed outcome.
func (a *Analyzer) HandleAlert(ctx context.Context, env schema.Envelope) {
	var alert schema.HealthAlert
	if err := env.Payload(&alert); err != nil {
		a.Log().Warn("dropping undecodable health alert", "error", err)
		return
	}

	history := a.loadHistory(ctx, alert.Name)

	decision, err := a.classify(ctx, alert, history)
	if err != nil {
		a.Log().Error("alert skipped, no classifier available", "container", alert.Name, "error", err)
		a.Bump("alerts_skipped")
		return
	}

	a.appendHistory(ctx, alert)
	a.route(ctx, alert, decision)
	a.Bump("alerts_analyzed")
}

func (a *Analyzer) classify(ctx context.Context, alert schema.HealthAlert, history []schema.HealthAlert) (schema.Decision, error) {
	if a.model != nil {
		decision, err := a.model.Classify(ctx, alert, history)
		if err == nil {
			return decision, nil
		}
		a.Log().Warn("model classification failed", "container", alert.Name, "error", err)
		a.Bump("model_fallbacks")
		if !a.cfg.FallbackEnabled {
			return schema.Decision{}, fmt.Errorf("model failed and fallback disabled: %w", err)
		}
	}
	return a.rules.Classify(ctx, alert, history)
}

// route applies the confidence gate. Real issues below the gate, and real
// issues whose action is none, are demoted to false alarms; the demotion
// reason keeps the original signal visible.
func (a *Analyzer) route(ctx context.Context, alert schema.HealthAlert, d schema.Decision) {
	if d.Verdict == schema.VerdictRealIssue && d.Confidence >= a.cfg.ConfidenceThreshold && d.Action != schema.ActionNone {
		req := schema.RemediationRequest{
			Container:  alert.Name,
			Action:     d.Action,
			Reason:     d.Reason,
			Confidence: d.Confidence,
			Metrics:    alert.Metrics,
			Method:     d.Method,
		}
		a.publish(ctx, broker.ChannelRemediationNeeded, schema.EventRemediationNeeded, req)
		a.Bump("remediations_requested")
		a.Log().Warn("remediation needed",
			"container", alert.Name, "action", d.Action, "confidence", d.Confidence, "method", d.Method)
		return
	}

	reason := d.Reason
	if d.Verdict == schema.VerdictRealIssue && d.Confidence < a.cfg.ConfidenceThreshold {
		reason = fmt.Sprintf("signal real but confidence %.2f below gate: %s", d.Confidence, d.Reason)
	}
	fa := schema.FalseAlarm{
		Container:  alert.Name,
		Reason:     reason,
		Confidence: d.Confidence,
		Method:     d.Method,
	}
	a.publish(ctx, broker.ChannelFalseAlarm, schema.EventFalseAlarm, fa)
	a.Bump("false_alarms")
	a.Log().Info("false alarm", "container", alert.Name, "reason", reason, "confidence", d.Confidence)
}

func (a *Analyzer) publish(ctx context.Context, channel, eventType string, payload any) {
	env, err := schema.NewEnvelope(a.Name(), eventType, payload)
	if err != nil {
		a.Log().Error("envelope build failed", "type", eventType, "error", err)
		return
	}
	if err := a.bus.Publish(ctx, channel, env); err != nil {
		a.Log().Error("publish failed", "channel", channel, "error", err)
	}
}

// loadHistory returns prior alerts for the container, oldest first.
func (a *Analyzer) loadHistory(ctx context.Context, container string) []schema.HealthAlert {
	raw, err := a.store.Range(ctx, broker.HistoryKey(container), 0, a.cfg.HistorySize-1)
	if err != nil {
		a.Log().Warn("history read failed", "container", container, "error", err)
		return nil
	}
	// Stored newest first; reverse for trend math.
	out := make([]schema.HealthAlert, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var h schema.HealthAlert
		if err := json.Unmarshal([]byte(raw[i]), &h); err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (a *Analyzer) appendHistory(ctx context.Context, alert schema.HealthAlert) {
	if err := a.store.PushBounded(ctx, broker.HistoryKey(alert.Name), alert, a.cfg.HistorySize, a.cfg.HistoryTTL); err != nil {
		a.Log().Warn("history write failed", "container", alert.Name, "error", err)
	}
}
