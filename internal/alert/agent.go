package alert

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/notify"
	"github.com/hemostat/internal/schema"
)

// Config holds the Alert agent's tunables.
type Config struct {
	Enabled           bool
	MaxEvents         int64
	EventTTL          time.Duration
	DedupeTTL         time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxEvents:         100,
		EventTTL:          time.Hour,
		DedupeTTL:         time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Alert consumes pipeline outcomes, persists them to bounded event lists and
// delivers notifications. Persistence always happens before delivery, and
// delivery failures never propagate back into the pipeline.
type Alert struct {
	*agent.Base
	bus       broker.Bus
	store     broker.Store
	cfg       Config
	notifiers []notify.Notifier

	wg sync.WaitGroup
}

func New(bus broker.Bus, store broker.Store, cfg Config, notifiers []notify.Notifier, log *slog.Logger) *Alert {
	return &Alert{
		Base:      agent.NewBase("alert", store, log, cfg.HeartbeatInterval),
		bus:       bus,
		store:     store,
		cfg:       cfg,
		notifiers: notifiers,
	}
}

// Run subscribes to the three event channels and blocks until ctx is
// cancelled, then drains in-flight deliveries. Persistence and dedupe run on
// the serial dispatcher; only delivery is handed off to goroutines.
func (a *Alert) Run(ctx context.Context) error {
	go a.RunHeartbeat(ctx)

	subs := []struct {
		channel string
		handle  func(context.Context, schema.Envelope)
	}{
		{broker.ChannelRemediationComplete, a.HandleOutcome},
		{broker.ChannelFalseAlarm, a.HandleFalseAlarm},
		{broker.ChannelAlerts, a.HandleScanAlert},
	}
	for _, s := range subs {
		if err := a.bus.Subscribe(ctx, s.channel, s.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.channel, err)
		}
	}
	a.SetState(ctx, agent.StateRunning)

	<-ctx.Done()
	a.SetState(context.WithoutCancel(ctx), agent.StateDraining)
	a.wg.Wait()
	a.SetState(context.WithoutCancel(ctx), agent.StateStopped)
	return nil
}

// HandleOutcome processes one remediation outcome event.
func (a *Alert) HandleOutcome(ctx context.Context, env schema.Envelope) {
	var out schema.RemediationOutcome
	if err := env.Payload(&out); err != nil {
		a.Log().Warn("dropping undecodable outcome event", "error", err)
		return
	}
	a.persist(ctx, schema.EventRemediationComplete, env)
	if !a.cfg.Enabled {
		return
	}
	if a.isDuplicate(ctx, out.Container, schema.EventRemediationComplete, string(out.Action), env.Timestamp) {
		return
	}
	a.deliverAsync(ctx, formatOutcome(out, env.Timestamp))
}

// HandleFalseAlarm processes one false-alarm event.
func (a *Alert) HandleFalseAlarm(ctx context.Context, env schema.Envelope) {
	var fa schema.FalseAlarm
	if err := env.Payload(&fa); err != nil {
		a.Log().Warn("dropping undecodable false alarm event", "error", err)
		return
	}
	a.persist(ctx, schema.EventFalseAlarm, env)
	if !a.cfg.Enabled {
		return
	}
	if a.isDuplicate(ctx, fa.Container, schema.EventFalseAlarm, fa.Reason, env.Timestamp) {
		return
	}
	a.deliverAsync(ctx, formatFalseAlarm(fa, env.Timestamp))
}

// HandleScanAlert processes one vulnerability scan event.
func (a *Alert) HandleScanAlert(ctx context.Context, env schema.Envelope) {
	var report schema.ScanReport
	if err := env.Payload(&report); err != nil {
		a.Log().Warn("dropping undecodable scan event", "error", err)
		return
	}
	a.persist(ctx, schema.EventVulnerabilityAlert, env)
	if !a.cfg.Enabled {
		return
	}
	if a.isDuplicate(ctx, report.TargetURL, schema.EventVulnerabilityAlert, "critical_vulnerabilities", env.Timestamp) {
		return
	}
	a.deliverAsync(ctx, formatScanReport(report, env.Timestamp))
}

// persist appends the event to its kind list and the merged timeline in one
// pipeline. This runs unconditionally, before any delivery attempt.
func (a *Alert) persist(ctx context.Context, kind string, env schema.Envelope) {
	rec := schema.EventRecord{
		Timestamp: env.Timestamp,
		Agent:     env.Agent,
		Kind:      kind,
		Data:      env.Data,
	}
	err := a.store.Pipeline(ctx, func(p broker.Pipe) error {
		p.PushBounded(broker.EventsKey(kind), rec, a.cfg.MaxEvents, a.cfg.EventTTL)
		p.PushBounded(broker.EventsAllKey, rec, a.cfg.MaxEvents, a.cfg.EventTTL)
		return nil
	})
	if err != nil {
		a.Log().Error("event persist failed", "kind", kind, "error", err)
		return
	}
	a.Bump("events_stored")
}

// isDuplicate claims the event's dedupe slot. Duplicates suppress delivery
// only; persistence has already happened.
func (a *Alert) isDuplicate(ctx context.Context, container, kind, actionOrReason string, ts time.Time) bool {
	digest := dedupeDigest(container, kind, actionOrReason, ts)
	fresh, err := a.store.SetNX(ctx, broker.DedupeKey(digest), "1", a.cfg.DedupeTTL)
	if err != nil {
		a.Log().Warn("dedupe check failed", "error", err)
		return false
	}
	if !fresh {
		a.Bump("deduped")
		a.Log().Info("duplicate event, delivery suppressed", "container", container, "kind", kind)
		return true
	}
	return false
}

// deliverAsync hands the message to a drain-tracked goroutine so slow or
// retrying notifiers never stall the serial dispatcher.
func (a *Alert) deliverAsync(ctx context.Context, m notify.Message) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.deliver(ctx, m)
	}()
}

func (a *Alert) deliver(ctx context.Context, m notify.Message) {
	for _, n := range a.notifiers {
		if err := n.Send(ctx, m); err != nil {
			a.Bump("delivery_failures")
			a.Log().Warn("notification dropped", "title", m.Title, "error", err)
			continue
		}
		a.Bump("notifications_sent")
	}
}

// dedupeDigest buckets the event timestamp to the minute so repeats inside
// the window hash identically.
func dedupeDigest(container, kind, actionOrReason string, ts time.Time) string {
	bucket := ts.UTC().Truncate(time.Minute).Unix()
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d", container, kind, actionOrReason, bucket)))
	return hex.EncodeToString(sum[:])
}
