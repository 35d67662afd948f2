package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/runtime"
	"github.com/hemostat/internal/schema"
)

// Runtime is the container-runtime surface the Monitor samples.
type Runtime interface {
	List(ctx context.Context) ([]runtime.Container, error)
	Stats(ctx context.Context, id string) (runtime.Stats, error)
	Inspect(ctx context.Context, id string) (runtime.Inspection, error)
}

// Config holds the Monitor's tunables.
type Config struct {
	PollInterval      time.Duration
	CPUThreshold      float64
	MemoryThreshold   float64
	RestartLimit      int
	StatsTTL          time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      30 * time.Second,
		CPUThreshold:      85,
		MemoryThreshold:   80,
		RestartLimit:      5,
		StatsTTL:          300 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// observation is the per-container sampling memory. CPU percentages need two
// consecutive cumulative readings; one reading is not enough.
type observation struct {
	cpuTotal  uint64
	systemCPU uint64
	polls     int
}

// Monitor samples the container fleet each poll interval, caches the latest
// sample for the UI, and publishes a health alert for every container whose
// anomaly set is non-empty.
type Monitor struct {
	*agent.Base
	rt    Runtime
	bus   broker.Bus
	store broker.Store
	cfg   Config

	mu   sync.Mutex
	seen map[string]observation
}

func New(rt Runtime, bus broker.Bus, store broker.Store, cfg Config, log *slog.Logger) *Monitor {
	return &Monitor{
		Base:  agent.NewBase("monitor", store, log, cfg.HeartbeatInterval),
		rt:    rt,
		bus:   bus,
		store: store,
		cfg:   cfg,
		seen:  make(map[string]observation),
	}
}

// Run polls until ctx is cancelled. The first cycle fires immediately.
func (m *Monitor) Run(ctx context.Context) error {
	go m.RunHeartbeat(ctx)
	m.SetState(ctx, agent.StateRunning)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.SetState(context.WithoutCancel(ctx), agent.StateStopped)
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one sampling cycle. A list failure skips the whole cycle;
// per-container failures are isolated.
func (m *Monitor) Poll(ctx context.Context) {
	containers, err := m.rt.List(ctx)
	if err != nil {
		m.Log().Error("container list failed, skipping cycle", "error", err)
		m.Bump("cycles_skipped")
		return
	}

	alive := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		alive[c.ID] = struct{}{}
		if err := m.sampleOne(ctx, c); err != nil {
			m.Log().Error("container sample failed", "container", c.Name, "error", err)
			m.Bump("sample_errors")
		}
	}
	m.forgetDeparted(alive)
	m.Bump("cycles")
}

func (m *Monitor) sampleOne(ctx context.Context, c runtime.Container) error {
	stats, err := m.rt.Stats(ctx, c.ID)
	if err != nil {
		return err
	}
	ins, err := m.rt.Inspect(ctx, c.ID)
	if err != nil {
		return err
	}

	cpuPercent, cpuValid := m.advanceCPU(c.ID, stats)

	sample := schema.ContainerSample{
		ContainerRef: schema.ContainerRef{ID: c.ID, Name: c.Name, Image: c.Image},
		Status:       c.Status,
		Metrics: schema.Metrics{
			CPUPercent:      cpuPercent,
			CPUValid:        cpuValid,
			MemoryPercent:   memoryPercent(stats),
			MemoryBytes:     stats.MemoryUsage,
			MemoryLimit:     stats.MemoryLimit,
			NetworkRxBytes:  stats.NetworkRxBytes,
			NetworkTxBytes:  stats.NetworkTxBytes,
			BlkioReadBytes:  stats.BlkioReadBytes,
			BlkioWriteBytes: stats.BlkioWriteBytes,
		},
		HealthStatus: ins.Health,
		ExitCode:     ins.ExitCode,
		RestartCount: ins.RestartCount,
		SampledAt:    time.Now().UTC(),
	}

	if err := m.store.SetJSON(ctx, broker.StatsKey(c.Name), sample, m.cfg.StatsTTL); err != nil {
		m.Log().Warn("stats cache write failed", "container", c.Name, "error", err)
	}

	issues := m.detect(sample)
	if len(issues) == 0 {
		return nil
	}

	alert := schema.HealthAlert{
		ContainerRef: sample.ContainerRef,
		Status:       sample.Status,
		Metrics:      sample.Metrics,
		Issues:       issues,
		HealthStatus: sample.HealthStatus,
		ExitCode:     sample.ExitCode,
		RestartCount: sample.RestartCount,
	}
	env, err := schema.NewEnvelope(m.Name(), schema.EventHealthAlert, alert)
	if err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, broker.ChannelHealthAlert, env); err != nil {
		return err
	}
	m.Bump("alerts_published")
	m.Log().Warn("health alert published", "container", c.Name, "anomalies", len(issues))
	return nil
}

// advanceCPU folds the new cumulative reading into the per-container state
// machine and returns a CPU percentage once two readings exist.
func (m *Monitor) advanceCPU(id string, stats runtime.Stats) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.seen[id]
	next := observation{cpuTotal: stats.CPUTotal, systemCPU: stats.SystemCPU, polls: 1}
	if ok {
		next.polls = prev.polls + 1
	}
	m.seen[id] = next

	if !ok || prev.polls < 1 {
		return 0, false
	}
	cpuDelta := float64(stats.CPUTotal) - float64(prev.cpuTotal)
	systemDelta := float64(stats.SystemCPU) - float64(prev.systemCPU)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0, false
	}
	cpus := float64(stats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return (cpuDelta / systemDelta) * cpus * 100.0, true
}

// forgetDeparted resets sampling state for containers no longer listed so a
// reappearance starts from scratch.
func (m *Monitor) forgetDeparted(alive map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.seen {
		if _, ok := alive[id]; !ok {
			delete(m.seen, id)
		}
	}
}

func memoryPercent(stats runtime.Stats) float64 {
	if stats.MemoryLimit == 0 {
		return 0
	}
	usage := float64(stats.MemoryUsage) - float64(stats.MemoryInactiveFile)
	pct := usage / float64(stats.MemoryLimit) * 100.0
	return math.Max(0, math.Min(pct, 100))
}

func (m *Monitor) detect(s schema.ContainerSample) []schema.Anomaly {
	var out []schema.Anomaly

	if s.Metrics.CPUValid {
		if a, ok := gaugeAnomaly(schema.AnomalyHighCPU, s.Metrics.CPUPercent, m.cfg.CPUThreshold); ok {
			out = append(out, a)
		}
	}
	if a, ok := gaugeAnomaly(schema.AnomalyHighMemory, s.Metrics.MemoryPercent, m.cfg.MemoryThreshold); ok {
		out = append(out, a)
	}
	if s.HealthStatus == schema.HealthUnhealthy {
		out = append(out, schema.Anomaly{
			Type:     schema.AnomalyUnhealthyStatus,
			Severity: schema.SeverityHigh,
			Detail:   string(s.HealthStatus),
		})
	}
	if s.Status == schema.StatusExited && s.ExitCode != 0 {
		out = append(out, schema.Anomaly{
			Type:     schema.AnomalyNonZeroExit,
			Severity: schema.SeverityHigh,
			Actual:   float64(s.ExitCode),
		})
	}
	if s.RestartCount > m.cfg.RestartLimit {
		out = append(out, schema.Anomaly{
			Type:      schema.AnomalyExcessiveRestarts,
			Severity:  schema.SeverityMedium,
			Threshold: float64(m.cfg.RestartLimit),
			Actual:    float64(s.RestartCount),
		})
	}
	return out
}

// gaugeAnomaly grades a resource gauge against its threshold. Severity steps
// down from critical above both the threshold and 95, high above the
// threshold, medium above 80% of the threshold.
func gaugeAnomaly(kind schema.AnomalyType, actual, threshold float64) (schema.Anomaly, bool) {
	a := schema.Anomaly{Type: kind, Threshold: threshold, Actual: round2(actual)}
	switch {
	case actual > threshold && actual > 95:
		a.Severity = schema.SeverityCritical
	case actual > threshold:
		a.Severity = schema.SeverityHigh
	case actual > 0.8*threshold:
		a.Severity = schema.SeverityMedium
	default:
		return schema.Anomaly{}, false
	}
	return a, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
