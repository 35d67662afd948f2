package schema

import (
	"encoding/json"
	"time"
)

// ContainerStatus is the container lifecycle status as reported by the runtime.
type ContainerStatus string

const (
	StatusRunning    ContainerStatus = "running"
	StatusExited     ContainerStatus = "exited"
	StatusRestarting ContainerStatus = "restarting"
	StatusPaused     ContainerStatus = "paused"
	StatusDead       ContainerStatus = "dead"
	StatusUnknown    ContainerStatus = "unknown"
)

// HealthStatus is the liveness probe state of a container.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthNone      HealthStatus = "none"
)

// ContainerRef identifies a container across messages.
type ContainerRef struct {
	ID    string `json:"container_id"`
	Name  string `json:"container_name"`
	Image string `json:"image"`
}

// Metrics holds one observation of a container's resource gauges and
// cumulative counters. Counters are raw totals; rate derivation is left to
// consumers.
type Metrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	CPUValid       bool    `json:"cpu_valid"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryBytes    uint64  `json:"memory_bytes"`
	MemoryLimit    uint64  `json:"memory_limit"`
	NetworkRxBytes uint64  `json:"network_rx_bytes"`
	NetworkTxBytes uint64  `json:"network_tx_bytes"`
	BlkioReadBytes uint64  `json:"blkio_read_bytes"`
	BlkioWriteBytes uint64 `json:"blkio_write_bytes"`
}

// ContainerSample is one sampling observation of one container. Samples are
// immutable once created.
type ContainerSample struct {
	ContainerRef
	Status       ContainerStatus `json:"status"`
	Metrics      Metrics         `json:"metrics"`
	HealthStatus HealthStatus    `json:"health_status"`
	ExitCode     int             `json:"exit_code"`
	RestartCount int             `json:"restart_count"`
	SampledAt    time.Time       `json:"sampled_at"`
}

// AnomalyType labels a detected deviation.
type AnomalyType string

const (
	AnomalyHighCPU           AnomalyType = "high_cpu"
	AnomalyHighMemory        AnomalyType = "high_memory"
	AnomalyUnhealthyStatus   AnomalyType = "unhealthy_status"
	AnomalyNonZeroExit       AnomalyType = "non_zero_exit"
	AnomalyExcessiveRestarts AnomalyType = "excessive_restarts"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is a labeled threshold breach or lifecycle deviation attached to a
// sample.
type Anomaly struct {
	Type      AnomalyType `json:"type"`
	Severity  Severity    `json:"severity"`
	Threshold float64     `json:"threshold,omitempty"`
	Actual    float64     `json:"actual,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// HealthAlert is the Monitor → Analyzer message: a sample plus its non-empty
// anomaly list.
type HealthAlert struct {
	ContainerRef
	Status       ContainerStatus `json:"status"`
	Metrics      Metrics         `json:"metrics"`
	Issues       []Anomaly       `json:"issues"`
	HealthStatus HealthStatus    `json:"health_status"`
	ExitCode     int             `json:"exit_code"`
	RestartCount int             `json:"restart_count"`
}

// Verdict classifies a health alert.
type Verdict string

const (
	VerdictRealIssue  Verdict = "real_issue"
	VerdictFalseAlarm Verdict = "false_alarm"
)

// Action is the bounded remediation vocabulary.
type Action string

const (
	ActionRestart Action = "restart"
	ActionScaleUp Action = "scale_up"
	ActionCleanup Action = "cleanup"
	ActionExec    Action = "exec"
	ActionNone    Action = "none"
)

// AnalysisMethod records which classifier produced a decision.
type AnalysisMethod string

const (
	MethodModel AnalysisMethod = "model"
	MethodRule  AnalysisMethod = "rule"
)

// Decision is the Analyzer's classification of a HealthAlert. A false-alarm
// verdict always carries ActionNone.
type Decision struct {
	Verdict    Verdict        `json:"verdict"`
	Action     Action         `json:"action"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Method     AnalysisMethod `json:"analysis_method"`
}

// RemediationRequest is the Analyzer → Responder message, derived from a
// real-issue decision that cleared the confidence gate.
type RemediationRequest struct {
	Container  string         `json:"container"`
	Action     Action         `json:"action"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
	Metrics    Metrics        `json:"metrics"`
	Method     AnalysisMethod `json:"analysis_method"`
	Command    string         `json:"command,omitempty"`
}

// Result is the terminal state of a remediation attempt.
type Result string

const (
	ResultSuccess       Result = "success"
	ResultFailed        Result = "failed"
	ResultRejected      Result = "rejected"
	ResultNotApplicable Result = "not_applicable"
)

// RejectionReason explains a rejected outcome.
type RejectionReason string

const (
	RejectCooldownActive    RejectionReason = "cooldown_active"
	RejectCircuitOpen       RejectionReason = "circuit_open"
	RejectDryRunSkipped     RejectionReason = "dry_run_skipped"
	RejectUnknownContainer  RejectionReason = "unknown_container"
	RejectUnsupportedAction RejectionReason = "unsupported_action"
)

// RemediationOutcome is the Responder → Alert message. Exactly one outcome is
// published per remediation request.
type RemediationOutcome struct {
	Container       string          `json:"container"`
	Action          Action          `json:"action"`
	Result          Result          `json:"result"`
	RejectionReason RejectionReason `json:"rejection_reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	Detail          string          `json:"detail,omitempty"`
	DryRun          bool            `json:"dry_run"`
	Reason          string          `json:"reason,omitempty"`
	Confidence      float64         `json:"confidence,omitempty"`
	Method          AnalysisMethod  `json:"analysis_method,omitempty"`
	Attempt         int             `json:"attempt"`
	DurationMS      int64           `json:"duration_ms"`
}

// FalseAlarm is the Analyzer → Alert message for alerts that do not warrant
// actuation.
type FalseAlarm struct {
	Container  string         `json:"container"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
	Method     AnalysisMethod `json:"analysis_method"`
}

// CooldownRecord tracks the last successful action on a container.
type CooldownRecord struct {
	LastActionAt   time.Time `json:"last_action_timestamp"`
	LastActionKind Action    `json:"last_action_kind"`
}

// AuditEntry is one row of a container's remediation audit trail.
type AuditEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Container  string          `json:"container"`
	Action     Action          `json:"action"`
	Result     Result          `json:"result"`
	Rejection  RejectionReason `json:"rejection_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	DryRun     bool            `json:"dry_run"`
}

// EventRecord is the persisted form of a pipeline event, kept in bounded
// store lists for dashboard consumption.
type EventRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Agent     string          `json:"agent"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// VulnFinding is one vulnerability reported by the scanner agent.
type VulnFinding struct {
	Name  string `json:"name"`
	Risk  string `json:"risk"`
	URL   string `json:"url,omitempty"`
	Param string `json:"param,omitempty"`
}

// ScanReport aggregates scanner findings for one target.
type ScanReport struct {
	TargetURL     string         `json:"target_url"`
	TotalCount    int            `json:"total_count"`
	CriticalCount int            `json:"critical_count"`
	RiskSummary   map[string]int `json:"risk_summary,omitempty"`
	CriticalVulns []VulnFinding  `json:"critical_vulns,omitempty"`
	ScannedAt     time.Time      `json:"scanned_at"`
}
