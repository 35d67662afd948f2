package analyzer

import (
	"context"
	"fmt"

	"github.com/hemostat/internal/schema"
)

// Rule is one row of the deterministic classification table. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	Name       string
	Match      func(alert schema.HealthAlert, history []schema.HealthAlert) bool
	Verdict    schema.Verdict
	Action     schema.Action
	Confidence float64
	Reason     func(alert schema.HealthAlert) string
}

// RuleClassifier classifies alerts against an ordered rule table.
type RuleClassifier struct {
	rules []Rule
}

func NewRuleClassifier(rules []Rule) *RuleClassifier {
	return &RuleClassifier{rules: rules}
}

func (c *RuleClassifier) Classify(ctx context.Context, alert schema.HealthAlert, history []schema.HealthAlert) (schema.Decision, error) {
	for _, r := range c.rules {
		if r.Match(alert, history) {
			return schema.Decision{
				Verdict:    r.Verdict,
				Action:     r.Action,
				Confidence: r.Confidence,
				Reason:     r.Reason(alert),
				Method:     schema.MethodRule,
			}, nil
		}
	}
	// The table ends with a catch-all, so this is unreachable with the
	// default rules.
	return schema.Decision{
		Verdict:    schema.VerdictFalseAlarm,
		Action:     schema.ActionNone,
		Confidence: 0.5,
		Reason:     "insufficient evidence for remediation",
		Method:     schema.MethodRule,
	}, nil
}

func hasAnomaly(alert schema.HealthAlert, kind schema.AnomalyType) bool {
	for _, a := range alert.Issues {
		if a.Type == kind {
			return true
		}
	}
	return false
}

func countSeverity(alert schema.HealthAlert, sev schema.Severity) int {
	n := 0
	for _, a := range alert.Issues {
		if a.Severity == sev {
			n++
		}
	}
	return n
}

// trend classifies the direction of a metric across the alert history.
type trend string

const (
	trendIncreasing trend = "increasing"
	trendDecreasing trend = "decreasing"
	trendStable     trend = "stable"
	trendUnknown    trend = "unknown"
)

// metricTrend averages consecutive differences over the most recent window.
// Swings smaller than five points count as stable.
func metricTrend(history []schema.HealthAlert, metric func(schema.HealthAlert) float64) trend {
	if len(history) < 2 {
		return trendUnknown
	}
	window := history
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += metric(window[i]) - metric(window[i-1])
	}
	avg := sum / float64(len(window)-1)
	switch {
	case avg > 5:
		return trendIncreasing
	case avg < -5:
		return trendDecreasing
	default:
		return trendStable
	}
}

func cpuOf(a schema.HealthAlert) float64    { return a.Metrics.CPUPercent }
func memoryOf(a schema.HealthAlert) float64 { return a.Metrics.MemoryPercent }

// DefaultRules is the production classification table. Exit and restart
// signals come first, then gauge breaches, then the unhealthy-status rule,
// then trend rules that need history, then the transient-spike discount and
// the catch-all.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "non_zero_exit",
			Match: func(a schema.HealthAlert, _ []schema.HealthAlert) bool {
				return hasAnomaly(a, schema.AnomalyNonZeroExit)
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.95,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("container exited with non-zero code %d", a.ExitCode)
			},
		},
		{
			Name: "excessive_restarts",
			Match: func(a schema.HealthAlert, _ []schema.HealthAlert) bool {
				return hasAnomaly(a, schema.AnomalyExcessiveRestarts)
			},
			Verdict:    schema.VerdictFalseAlarm,
			Action:     schema.ActionNone,
			Confidence: 0.4,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("excessive restarts (%d) indicate prior remediation, not looping again", a.RestartCount)
			},
		},
		{
			Name: "cpu_critical",
			Match: func(a schema.HealthAlert, _ []schema.HealthAlert) bool {
				return hasAnomaly(a, schema.AnomalyHighCPU) && a.Metrics.CPUPercent > 95
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.9,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("cpu saturated at %.1f%%", a.Metrics.CPUPercent)
			},
		},
		{
			Name: "memory_critical",
			Match: func(a schema.HealthAlert, _ []schema.HealthAlert) bool {
				return hasAnomaly(a, schema.AnomalyHighMemory) && a.Metrics.MemoryPercent > 90
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.9,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("memory at %.1f%% of limit", a.Metrics.MemoryPercent)
			},
		},
		{
			Name: "cpu_high",
			Match: func(a schema.HealthAlert, _ []schema.HealthAlert) bool {
				return hasAnomaly(a, schema.AnomalyHighCPU) && a.Metrics.CPUPercent > 85 && a.Metrics.CPUPercent <= 95
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.75,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("elevated cpu at %.1f%%", a.Metrics.CPUPercent)
			},
		},
		{
			Name: "unhealthy_status",
			Match: func(a schema.HealthAlert, _ []schema.HealthAlert) bool {
				return hasAnomaly(a, schema.AnomalyUnhealthyStatus)
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.7,
			Reason: func(a schema.HealthAlert) string {
				return "container health check failing"
			},
		},
		{
			Name: "sustained_cpu",
			Match: func(a schema.HealthAlert, h []schema.HealthAlert) bool {
				t := metricTrend(h, cpuOf)
				return a.Metrics.CPUPercent > 90 && (t == trendIncreasing || t == trendStable)
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.75,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("sustained high cpu at %.1f%% across recent alerts", a.Metrics.CPUPercent)
			},
		},
		{
			Name: "memory_leak",
			Match: func(a schema.HealthAlert, h []schema.HealthAlert) bool {
				return metricTrend(h, memoryOf) == trendIncreasing && a.Metrics.MemoryPercent > 70
			},
			Verdict:    schema.VerdictRealIssue,
			Action:     schema.ActionRestart,
			Confidence: 0.8,
			Reason: func(a schema.HealthAlert) string {
				return fmt.Sprintf("memory climbing to %.1f%%, leak pattern", a.Metrics.MemoryPercent)
			},
		},
		{
			Name: "transient_spike",
			Match: func(a schema.HealthAlert, h []schema.HealthAlert) bool {
				return len(a.Issues) == 1 && countSeverity(a, schema.SeverityMedium) == 1 && len(h) == 0
			},
			Verdict:    schema.VerdictFalseAlarm,
			Action:     schema.ActionNone,
			Confidence: 0.65,
			Reason: func(a schema.HealthAlert) string {
				return "single medium spike with no history, likely transient"
			},
		},
		{
			Name:  "default",
			Match: func(schema.HealthAlert, []schema.HealthAlert) bool { return true },
			Verdict:    schema.VerdictFalseAlarm,
			Action:     schema.ActionNone,
			Confidence: 0.5,
			Reason: func(schema.HealthAlert) string {
				return "insufficient evidence for remediation"
			},
		},
	}
}
