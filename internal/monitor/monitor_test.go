package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/runtime"
	"github.com/hemostat/internal/schema"
)

type fakeRuntime struct {
	containers []runtime.Container
	stats      map[string]runtime.Stats
	inspects   map[string]runtime.Inspection
	listErr    error
	statsErr   map[string]error
}

func (f *fakeRuntime) List(ctx context.Context) ([]runtime.Container, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.containers, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, id string) (runtime.Stats, error) {
	if err := f.statsErr[id]; err != nil {
		return runtime.Stats{}, err
	}
	return f.stats[id], nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.Inspection, error) {
	return f.inspects[id], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runningContainer(id, name string) runtime.Container {
	return runtime.Container{ID: id, Name: name, Image: "nginx:1.25", Status: schema.StatusRunning}
}

func collectAlerts(t *testing.T, mem *broker.Memory) *[]schema.HealthAlert {
	t.Helper()
	alerts := &[]schema.HealthAlert{}
	err := mem.Subscribe(context.Background(), broker.ChannelHealthAlert, func(ctx context.Context, env schema.Envelope) {
		var a schema.HealthAlert
		require.NoError(t, env.Payload(&a))
		*alerts = append(*alerts, a)
	})
	require.NoError(t, err)
	return alerts
}

func TestFirstCycleEmitsNoCPUAnomaly(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{
		containers: []runtime.Container{runningContainer("c1", "web")},
		stats: map[string]runtime.Stats{
			"c1": {CPUTotal: 1000, SystemCPU: 10000, OnlineCPUs: 4, MemoryUsage: 100, MemoryLimit: 1000},
		},
		inspects: map[string]runtime.Inspection{"c1": {Health: schema.HealthNone}},
	}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())
	alerts := collectAlerts(t, mem)

	m.Poll(context.Background())
	assert.Empty(t, *alerts)

	// Second cycle has a delta; the container delta is 90% of the system
	// delta, scaled by 4 cpus to 360%, which crosses the threshold.
	rt.stats["c1"] = runtime.Stats{CPUTotal: 1000 + 900, SystemCPU: 10000 + 1000, OnlineCPUs: 4, MemoryUsage: 100, MemoryLimit: 1000}
	m.Poll(context.Background())

	require.Len(t, *alerts, 1)
	got := (*alerts)[0]
	require.Len(t, got.Issues, 1)
	assert.Equal(t, schema.AnomalyHighCPU, got.Issues[0].Type)
	assert.True(t, got.Metrics.CPUValid)
	assert.InDelta(t, 360.0, got.Metrics.CPUPercent, 0.01)
	assert.Equal(t, schema.SeverityCritical, got.Issues[0].Severity)
}

func TestDisappearanceResetsSamplingState(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{
		containers: []runtime.Container{runningContainer("c1", "web")},
		stats:      map[string]runtime.Stats{"c1": {CPUTotal: 1000, SystemCPU: 10000, OnlineCPUs: 1, MemoryLimit: 1000}},
		inspects:   map[string]runtime.Inspection{"c1": {Health: schema.HealthNone}},
	}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())
	alerts := collectAlerts(t, mem)

	m.Poll(context.Background())

	// Container vanishes for a cycle.
	rt.containers = nil
	m.Poll(context.Background())

	// Reappears with a huge counter delta; must be treated as a first sample.
	rt.containers = []runtime.Container{runningContainer("c1", "web")}
	rt.stats["c1"] = runtime.Stats{CPUTotal: 99000, SystemCPU: 100000, OnlineCPUs: 1, MemoryLimit: 1000}
	m.Poll(context.Background())

	assert.Empty(t, *alerts)
}

func TestMemoryAnomalySeverityGraduation(t *testing.T) {
	cases := []struct {
		name     string
		usage    uint64
		severity schema.Severity
		fires    bool
	}{
		{"below watch floor", 500, "", false},
		{"medium above 80pct of threshold", 700, schema.SeverityMedium, true},
		{"high above threshold", 850, schema.SeverityHigh, true},
		{"critical above 95", 960, schema.SeverityCritical, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := broker.NewMemory()
			rt := &fakeRuntime{
				containers: []runtime.Container{runningContainer("c1", "web")},
				stats:      map[string]runtime.Stats{"c1": {MemoryUsage: tc.usage, MemoryLimit: 1000}},
				inspects:   map[string]runtime.Inspection{"c1": {Health: schema.HealthNone}},
			}
			m := New(rt, mem, mem, DefaultConfig(), testLogger())
			alerts := collectAlerts(t, mem)

			m.Poll(context.Background())
			if !tc.fires {
				assert.Empty(t, *alerts)
				return
			}
			require.Len(t, *alerts, 1)
			require.Len(t, (*alerts)[0].Issues, 1)
			issue := (*alerts)[0].Issues[0]
			assert.Equal(t, schema.AnomalyHighMemory, issue.Type)
			assert.Equal(t, tc.severity, issue.Severity)
		})
	}
}

func TestMemoryPercentExcludesInactiveFile(t *testing.T) {
	s := runtime.Stats{MemoryUsage: 900, MemoryInactiveFile: 400, MemoryLimit: 1000}
	assert.InDelta(t, 50.0, memoryPercent(s), 0.001)

	// Clamped at 100 even if counters disagree.
	s = runtime.Stats{MemoryUsage: 2000, MemoryLimit: 1000}
	assert.InDelta(t, 100.0, memoryPercent(s), 0.001)
}

func TestLifecycleAnomalies(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{
		containers: []runtime.Container{
			{ID: "c1", Name: "worker", Image: "job:1", Status: schema.StatusExited},
		},
		stats: map[string]runtime.Stats{"c1": {MemoryLimit: 1000}},
		inspects: map[string]runtime.Inspection{
			"c1": {Health: schema.HealthUnhealthy, ExitCode: 137, RestartCount: 9},
		},
	}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())
	alerts := collectAlerts(t, mem)

	m.Poll(context.Background())
	require.Len(t, *alerts, 1)
	issues := (*alerts)[0].Issues
	kinds := make([]schema.AnomalyType, len(issues))
	for i, a := range issues {
		kinds[i] = a.Type
	}
	assert.ElementsMatch(t, []schema.AnomalyType{
		schema.AnomalyUnhealthyStatus,
		schema.AnomalyNonZeroExit,
		schema.AnomalyExcessiveRestarts,
	}, kinds)
}

func TestZeroExitCodeIsNotAnomalous(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{
		containers: []runtime.Container{
			{ID: "c1", Name: "job", Image: "job:1", Status: schema.StatusExited},
		},
		stats:    map[string]runtime.Stats{"c1": {MemoryLimit: 1000}},
		inspects: map[string]runtime.Inspection{"c1": {Health: schema.HealthNone, ExitCode: 0}},
	}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())
	alerts := collectAlerts(t, mem)

	m.Poll(context.Background())
	assert.Empty(t, *alerts)
}

func TestListFailureSkipsCycle(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{listErr: errors.New("daemon unreachable")}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())
	alerts := collectAlerts(t, mem)

	m.Poll(context.Background())
	assert.Empty(t, *alerts)
	assert.Equal(t, int64(1), m.Counter("cycles_skipped"))
}

func TestPerContainerFailureIsIsolated(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{
		containers: []runtime.Container{
			runningContainer("bad", "flaky"),
			{ID: "good", Name: "steady", Image: "job:1", Status: schema.StatusExited},
		},
		stats:    map[string]runtime.Stats{"good": {MemoryLimit: 1000}},
		inspects: map[string]runtime.Inspection{"good": {Health: schema.HealthNone, ExitCode: 2}},
		statsErr: map[string]error{"bad": errors.New("stats timeout")},
	}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())
	alerts := collectAlerts(t, mem)

	m.Poll(context.Background())
	require.Len(t, *alerts, 1)
	assert.Equal(t, "steady", (*alerts)[0].Name)
}

func TestSampleCachedForUI(t *testing.T) {
	mem := broker.NewMemory()
	rt := &fakeRuntime{
		containers: []runtime.Container{runningContainer("c1", "web")},
		stats:      map[string]runtime.Stats{"c1": {MemoryUsage: 100, MemoryLimit: 1000, NetworkRxBytes: 42}},
		inspects:   map[string]runtime.Inspection{"c1": {Health: schema.HealthHealthy}},
	}
	m := New(rt, mem, mem, DefaultConfig(), testLogger())

	m.Poll(context.Background())

	var sample schema.ContainerSample
	ok, err := mem.GetJSON(context.Background(), broker.StatsKey("web"), &sample)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "web", sample.Name)
	assert.Equal(t, uint64(42), sample.Metrics.NetworkRxBytes)
	assert.False(t, sample.Metrics.CPUValid)
}
