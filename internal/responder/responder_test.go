package responder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/runtime"
	"github.com/hemostat/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRuntime struct {
	inspectErr error
	inspection runtime.Inspection

	restartErr error
	restarts   int

	status    schema.ContainerStatus
	statusErr error

	service       string
	serviceErr    error
	scaledService string
	scaledDelta   uint64
	replicas      uint64
	scaleErr      error

	exited    []runtime.Container
	removeErr error
	removed   []string
	pruned    uint64

	execRes   runtime.ExecResult
	execErr   error
	execCmd   []string
	execCalls int
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.Inspection, error) {
	return f.inspection, f.inspectErr
}

func (f *fakeRuntime) Restart(ctx context.Context, id string, timeout time.Duration) error {
	f.restarts++
	return f.restartErr
}

func (f *fakeRuntime) Status(ctx context.Context, id string) (schema.ContainerStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeRuntime) SwarmServiceName(ctx context.Context, id string) (string, error) {
	return f.service, f.serviceErr
}

func (f *fakeRuntime) ScaleService(ctx context.Context, name string, delta uint64) (uint64, error) {
	f.scaledService = name
	f.scaledDelta = delta
	return f.replicas, f.scaleErr
}

func (f *fakeRuntime) ListExited(ctx context.Context, labels map[string]string) ([]runtime.Container, error) {
	return f.exited, nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) PruneVolumes(ctx context.Context, labels map[string]string) (uint64, error) {
	return f.pruned, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd []string) (runtime.ExecResult, error) {
	f.execCalls++
	f.execCmd = cmd
	return f.execRes, f.execErr
}

func runningRuntime() *fakeRuntime {
	return &fakeRuntime{status: schema.StatusRunning}
}

var testClock = time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

func newResponder(mem *broker.Memory, rt Runtime, cfg Config) *Responder {
	r := New(mem, mem, rt, cfg, testLogger())
	r.now = func() time.Time { return testClock }
	return r
}

func captureOutcomes(t *testing.T, mem *broker.Memory) *[]schema.RemediationOutcome {
	t.Helper()
	var outs []schema.RemediationOutcome
	err := mem.Subscribe(context.Background(), broker.ChannelRemediationComplete, func(ctx context.Context, env schema.Envelope) {
		var o schema.RemediationOutcome
		require.NoError(t, env.Payload(&o))
		outs = append(outs, o)
	})
	require.NoError(t, err)
	return &outs
}

func request(action schema.Action) schema.RemediationRequest {
	return schema.RemediationRequest{
		Container:  "web",
		Action:     action,
		Reason:     "cpu saturated at 97.0%",
		Confidence: 0.9,
		Method:     schema.MethodRule,
	}
}

func send(t *testing.T, r *Responder, req schema.RemediationRequest) {
	t.Helper()
	env, err := schema.NewEnvelope("analyzer", schema.EventRemediationNeeded, req)
	require.NoError(t, err)
	r.HandleRequest(context.Background(), env)
}

func auditLen(t *testing.T, mem *broker.Memory, container string) int {
	t.Helper()
	raw, err := mem.Range(context.Background(), broker.AuditKey(container), 0, -1)
	require.NoError(t, err)
	return len(raw)
}

func TestRestartSuccessUpdatesCooldownAndRing(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultSuccess, out.Result)
	assert.Equal(t, "container restarted and running", out.Detail)
	assert.Equal(t, 1, out.Attempt)
	assert.Equal(t, 1, rt.restarts)

	ctx := context.Background()
	var rec schema.CooldownRecord
	found, err := mem.GetJSON(ctx, broker.CooldownKey("web"), &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testClock, rec.LastActionAt)
	assert.Equal(t, schema.ActionRestart, rec.LastActionKind)

	var ring []time.Time
	found, err = mem.GetJSON(ctx, broker.CircuitKey("web"), &ring)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, ring, 1)

	assert.Equal(t, 1, auditLen(t, mem, "web"))
	assert.Equal(t, int64(1), r.Counter("actions_succeeded"))
}

func TestCooldownRejects(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	ctx := context.Background()
	require.NoError(t, mem.SetJSON(ctx, broker.CooldownKey("web"), schema.CooldownRecord{
		LastActionAt: testClock.Add(-30 * time.Minute),
	}, time.Hour))

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultRejected, out.Result)
	assert.Equal(t, schema.RejectCooldownActive, out.RejectionReason)
	assert.Contains(t, out.Detail, "1800s remaining")
	assert.Zero(t, rt.restarts)
	assert.Equal(t, 1, auditLen(t, mem, "web"))
}

func TestCooldownBoundaryElapsedExactlyAllows(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	cfg := DefaultConfig()
	r := newResponder(mem, rt, cfg)

	ctx := context.Background()
	require.NoError(t, mem.SetJSON(ctx, broker.CooldownKey("web"), schema.CooldownRecord{
		LastActionAt: testClock.Add(-cfg.Cooldown),
	}, time.Hour))

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultSuccess, (*outs)[0].Result)
	assert.Equal(t, 1, rt.restarts)
}

func TestCircuitOpenRejects(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	ctx := context.Background()
	ring := []time.Time{
		testClock.Add(-10 * time.Minute),
		testClock.Add(-20 * time.Minute),
		testClock.Add(-30 * time.Minute),
	}
	require.NoError(t, mem.SetJSON(ctx, broker.CircuitKey("web"), ring, time.Hour))

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultRejected, out.Result)
	assert.Equal(t, schema.RejectCircuitOpen, out.RejectionReason)
	assert.Zero(t, rt.restarts)
}

func TestCircuitEntriesOutsideWindowIgnored(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	ctx := context.Background()
	ring := []time.Time{
		testClock.Add(-2 * time.Hour),
		testClock.Add(-90 * time.Minute),
		testClock.Add(-61 * time.Minute),
	}
	require.NoError(t, mem.SetJSON(ctx, broker.CircuitKey("web"), ring, 2*time.Hour))

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultSuccess, (*outs)[0].Result)
	// Stale entries are dropped on the success write.
	var stored []time.Time
	found, err := mem.GetJSON(ctx, broker.CircuitKey("web"), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored, 1)
}

func TestFailureCountsAgainstCircuitNotCooldown(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.restartErr = errors.New("engine unavailable")
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultFailed, out.Result)
	assert.Contains(t, out.Error, "engine unavailable")

	ctx := context.Background()
	var rec schema.CooldownRecord
	found, err := mem.GetJSON(ctx, broker.CooldownKey("web"), &rec)
	require.NoError(t, err)
	assert.False(t, found)

	var ring []time.Time
	found, err = mem.GetJSON(ctx, broker.CircuitKey("web"), &ring)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, ring, 1)
	assert.Equal(t, int64(1), r.Counter("actions_failed"))
}

func TestTimeoutReportedAsTimeout(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.restartErr = context.DeadlineExceeded
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultFailed, (*outs)[0].Result)
	assert.Equal(t, "timeout", (*outs)[0].Error)
}

func TestDryRunSkipsRuntime(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	cfg := DefaultConfig()
	cfg.DryRun = true
	r := newResponder(mem, rt, cfg)

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultRejected, out.Result)
	assert.Equal(t, schema.RejectDryRunSkipped, out.RejectionReason)
	assert.True(t, out.DryRun)
	assert.Zero(t, rt.restarts)
	assert.Equal(t, 1, auditLen(t, mem, "web"))
}

func TestUnknownContainerRejects(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.inspectErr = errors.New("no such container: web")
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.RejectUnknownContainer, (*outs)[0].RejectionReason)
	assert.Zero(t, rt.restarts)
}

func TestUnsupportedActionRejects(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.Action("reboot_host")))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultRejected, (*outs)[0].Result)
	assert.Equal(t, schema.RejectUnsupportedAction, (*outs)[0].RejectionReason)
}

func TestLockHeldElsewhereRejects(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	ctx := context.Background()
	ok, err := mem.SetNX(ctx, broker.LockKey("web"), "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	send(t, r, request(schema.ActionRestart))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.RejectCooldownActive, (*outs)[0].RejectionReason)
	assert.Contains(t, (*outs)[0].Detail, "lock held elsewhere")
	assert.Zero(t, rt.restarts)
}

func TestLockReleasedAfterAction(t *testing.T) {
	mem := broker.NewMemory()
	captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionRestart))

	ok, err := mem.SetNX(context.Background(), broker.LockKey("web"), "probe", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScaleUpStandaloneNotApplicable(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionScaleUp))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultNotApplicable, out.Result)
	assert.Contains(t, out.Detail, "no swarm service")

	// Not applicable leaves cooldown and circuit untouched.
	ctx := context.Background()
	var rec schema.CooldownRecord
	found, err := mem.GetJSON(ctx, broker.CooldownKey("web"), &rec)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScaleUpSwarmService(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.service = "stack_web"
	rt.replicas = 3
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionScaleUp))

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultSuccess, out.Result)
	assert.Equal(t, "stack_web", rt.scaledService)
	assert.Equal(t, uint64(1), rt.scaledDelta)
	assert.Contains(t, out.Detail, "scaled to 3 replicas")
}

func TestCleanupScopedByImageWithoutComposeLabels(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.inspection = runtime.Inspection{Image: "nginx:1.25"}
	rt.exited = []runtime.Container{
		{ID: "a1", Name: "web-old", Image: "nginx:1.25"},
		{ID: "b2", Name: "db-old", Image: "postgres:16"},
	}
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionCleanup))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultSuccess, (*outs)[0].Result)
	assert.Equal(t, []string{"a1"}, rt.removed)
	assert.Contains(t, (*outs)[0].Detail, "removed 1 containers")
}

func TestExecDefaultsToProcessList(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.execRes = runtime.ExecResult{ExitCode: 0, Output: "PID USER\n1 root\n"}
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionExec))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultSuccess, (*outs)[0].Result)
	assert.Equal(t, []string{"ps", "aux"}, rt.execCmd)
	assert.Contains(t, (*outs)[0].Detail, "exit_code=0")
}

func TestExecAllowlistEnforced(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	cfg := DefaultConfig()
	cfg.EnforceExecAllowlist = true
	r := newResponder(mem, rt, cfg)

	req := request(schema.ActionExec)
	req.Command = "rm -rf /data"
	send(t, r, req)

	require.Len(t, *outs, 1)
	out := (*outs)[0]
	assert.Equal(t, schema.ResultRejected, out.Result)
	assert.Equal(t, schema.RejectUnsupportedAction, out.RejectionReason)
	assert.Zero(t, rt.execCalls)
}

func TestExecOutputTruncated(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.execRes = runtime.ExecResult{ExitCode: 0, Output: strings.Repeat("x", 5000)}
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionExec))

	require.Len(t, *outs, 1)
	assert.LessOrEqual(t, len((*outs)[0].Detail), maxExecOutput+len("exit_code=0 output: "))
}

func TestExecOnStoppedContainerFails(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	rt.status = schema.StatusExited
	r := newResponder(mem, rt, DefaultConfig())

	send(t, r, request(schema.ActionExec))

	require.Len(t, *outs, 1)
	assert.Equal(t, schema.ResultFailed, (*outs)[0].Result)
	assert.Contains(t, (*outs)[0].Error, "not running")
}

func TestUndecodableRequestDropped(t *testing.T) {
	mem := broker.NewMemory()
	outs := captureOutcomes(t, mem)
	rt := runningRuntime()
	r := newResponder(mem, rt, DefaultConfig())

	env := schema.Envelope{Agent: "analyzer", Type: schema.EventRemediationNeeded, Data: []byte(`[1,2]`)}
	r.HandleRequest(context.Background(), env)

	assert.Empty(t, *outs)
	assert.Zero(t, r.Counter("requests_received"))
}
