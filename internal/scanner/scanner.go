package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/schema"
)

const riskHigh = "High"

// Config holds the Scanner agent's tunables.
type Config struct {
	Targets           []string
	Interval          time.Duration
	ReadyTimeout      time.Duration
	ReadyPoll         time.Duration
	StatusPoll        time.Duration
	MaxScanTime       time.Duration
	ResultTTL         time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:          time.Hour,
		ReadyTimeout:      2 * time.Minute,
		ReadyPoll:         5 * time.Second,
		StatusPoll:        10 * time.Second,
		MaxScanTime:       time.Hour,
		ResultTTL:         24 * time.Hour,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Scanner drives periodic vulnerability scans of configured HTTP targets
// through a ZAP-compatible engine. Reports with critical findings are
// published for the Alert agent; every report is persisted to the store.
type Scanner struct {
	*agent.Base
	bus   broker.Bus
	store broker.Store
	zap   *ZapClient
	cfg   Config

	now func() time.Time
}

func New(bus broker.Bus, store broker.Store, zap *ZapClient, cfg Config, log *slog.Logger) *Scanner {
	return &Scanner{
		Base:  agent.NewBase("scanner", store, log, cfg.HeartbeatInterval),
		bus:   bus,
		store: store,
		zap:   zap,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one scan cycle immediately, then one per interval, until ctx
// is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	go s.RunHeartbeat(ctx)
	s.SetState(ctx, agent.StateRunning)

	s.runCycle(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.SetState(context.WithoutCancel(ctx), agent.StateStopped)
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scanner) runCycle(ctx context.Context) {
	if err := s.waitReady(ctx); err != nil {
		s.Log().Error("scan engine unavailable, skipping cycle", "error", err)
		s.Bump("cycles_skipped")
		return
	}
	for _, target := range s.cfg.Targets {
		if err := s.ScanTarget(ctx, target); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Log().Error("scan failed", "target", target, "error", err)
			s.Bump("scans_failed")
			continue
		}
		s.Bump("scans_completed")
	}
}

// waitReady polls the engine version endpoint until it answers or the ready
// budget lapses.
func (s *Scanner) waitReady(ctx context.Context) error {
	deadline := s.now().Add(s.cfg.ReadyTimeout)
	for {
		version, err := s.zap.Version(ctx)
		if err == nil {
			s.Log().Debug("scan engine ready", "version", version)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.now().Before(deadline) {
			return fmt.Errorf("engine not ready within %s: %w", s.cfg.ReadyTimeout, err)
		}
		if err := sleepCtx(ctx, s.cfg.ReadyPoll); err != nil {
			return err
		}
	}
}

// ScanTarget runs one full scan of target: start, poll to completion, fetch
// findings, persist the report and publish when critical findings exist.
func (s *Scanner) ScanTarget(ctx context.Context, target string) error {
	scanID, err := s.zap.StartScan(ctx, target)
	if err != nil {
		return err
	}
	s.Log().Info("scan started", "target", target, "scan_id", scanID)

	if err := s.awaitCompletion(ctx, scanID); err != nil {
		return err
	}
	alerts, err := s.zap.Alerts(ctx)
	if err != nil {
		return err
	}
	report := buildReport(alerts, target, s.now())

	if err := s.store.SetJSON(ctx, broker.ScanKey(report.ScannedAt.Unix()), report, s.cfg.ResultTTL); err != nil {
		s.Log().Error("scan report persist failed", "target", target, "error", err)
	}
	if report.CriticalCount == 0 {
		s.Log().Info("scan completed, no critical findings", "target", target, "total", report.TotalCount)
		return nil
	}

	env, err := schema.NewEnvelope(s.Name(), schema.EventVulnerabilityAlert, report)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, broker.ChannelAlerts, env); err != nil {
		return fmt.Errorf("publish scan report: %w", err)
	}
	s.Bump("alerts_published")
	s.Log().Warn("critical vulnerabilities found",
		"target", target, "critical", report.CriticalCount, "total", report.TotalCount)
	return nil
}

func (s *Scanner) awaitCompletion(ctx context.Context, scanID string) error {
	deadline := s.now().Add(s.cfg.MaxScanTime)
	last := -1
	for {
		progress, err := s.zap.Status(ctx, scanID)
		if err != nil {
			return err
		}
		if progress != last {
			s.Log().Debug("scan progress", "scan_id", scanID, "percent", progress)
			last = progress
		}
		if progress >= 100 {
			return nil
		}
		if !s.now().Before(deadline) {
			return fmt.Errorf("scan %s did not complete within %s", scanID, s.cfg.MaxScanTime)
		}
		if err := sleepCtx(ctx, s.cfg.StatusPoll); err != nil {
			return err
		}
	}
}

// buildReport categorizes findings by risk and extracts the critical subset.
func buildReport(alerts []ZapAlert, target string, at time.Time) schema.ScanReport {
	summary := make(map[string]int)
	var critical []schema.VulnFinding
	for _, a := range alerts {
		risk := a.Risk
		if risk == "" {
			risk = "Informational"
		}
		summary[risk]++
		if risk == riskHigh {
			critical = append(critical, schema.VulnFinding{
				Name:  a.Alert,
				Risk:  a.Risk,
				URL:   a.URL,
				Param: a.Param,
			})
		}
	}
	return schema.ScanReport{
		TargetURL:     target,
		TotalCount:    len(alerts),
		CriticalCount: len(critical),
		RiskSummary:   summary,
		CriticalVulns: critical,
		ScannedAt:     at,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
