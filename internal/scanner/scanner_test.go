package scanner

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemostat/internal/broker"
	"github.com/hemostat/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine is a ZAP-shaped HTTP server with scripted status progression.
type fakeEngine struct {
	mu         sync.Mutex
	statuses   []string
	statusCall int
	alertsJSON string
	scanID     string
	failStart  bool
	startedURL string
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/JSON/core/view/version/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"version":"2.14.0"}`)
	})
	mux.HandleFunc("/JSON/ascan/action/scan/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failStart {
			http.Error(w, "scan refused", http.StatusInternalServerError)
			return
		}
		f.startedURL = r.URL.Query().Get("url")
		io.WriteString(w, `{"scan":"`+f.scanID+`"}`)
	})
	mux.HandleFunc("/JSON/ascan/view/status/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		i := f.statusCall
		if i >= len(f.statuses) {
			i = len(f.statuses) - 1
		}
		f.statusCall++
		io.WriteString(w, `{"status":"`+f.statuses[i]+`"}`)
	})
	mux.HandleFunc("/JSON/core/view/alerts/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, f.alertsJSON)
	})
	return mux
}

const criticalAlerts = `{"alerts":[
	{"alert":"SQL Injection","risk":"High","url":"http://web:8080/search","param":"q"},
	{"alert":"Path Traversal","risk":"High","url":"http://web:8080/files","param":"name"},
	{"alert":"X-Content-Type-Options Missing","risk":"Low","url":"http://web:8080/"}
]}`

func newScanner(t *testing.T, engine *fakeEngine) (*Scanner, *broker.Memory, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(engine.handler())
	t.Cleanup(srv.Close)

	mem := broker.NewMemory()
	cfg := DefaultConfig()
	cfg.Targets = []string{"http://web:8080"}
	cfg.StatusPoll = time.Millisecond
	cfg.ReadyPoll = time.Millisecond
	s := New(mem, mem, NewZapClient(srv.URL), cfg, testLogger())
	return s, mem, srv
}

func capturedAlerts(mem *broker.Memory) *[]schema.Envelope {
	var got []schema.Envelope
	mem.Subscribe(context.Background(), broker.ChannelAlerts, func(ctx context.Context, env schema.Envelope) {
		got = append(got, env)
	})
	return &got
}

func TestScanTargetPublishesCriticalReport(t *testing.T) {
	engine := &fakeEngine{scanID: "3", statuses: []string{"40", "100"}, alertsJSON: criticalAlerts}
	s, mem, _ := newScanner(t, engine)
	got := capturedAlerts(mem)

	require.NoError(t, s.ScanTarget(context.Background(), "http://web:8080"))

	assert.Equal(t, "http://web:8080", engine.startedURL)
	require.Len(t, *got, 1)
	env := (*got)[0]
	assert.Equal(t, schema.EventVulnerabilityAlert, env.Type)
	assert.Equal(t, "scanner", env.Agent)

	var report schema.ScanReport
	require.NoError(t, env.Payload(&report))
	assert.Equal(t, 3, report.TotalCount)
	assert.Equal(t, 2, report.CriticalCount)
	assert.Equal(t, 2, report.RiskSummary["High"])
	assert.Equal(t, 1, report.RiskSummary["Low"])
	require.Len(t, report.CriticalVulns, 2)
	assert.Equal(t, "SQL Injection", report.CriticalVulns[0].Name)
	assert.Equal(t, "q", report.CriticalVulns[0].Param)
}

func TestScanTargetPersistsReport(t *testing.T) {
	engine := &fakeEngine{scanID: "1", statuses: []string{"100"}, alertsJSON: criticalAlerts}
	s, mem, _ := newScanner(t, engine)

	require.NoError(t, s.ScanTarget(context.Background(), "http://web:8080"))

	keys, err := mem.Keys(context.Background(), "hemostat:vuln_scan:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	var report schema.ScanReport
	found, err := mem.GetJSON(context.Background(), keys[0], &report)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "http://web:8080", report.TargetURL)
}

func TestScanTargetNoCriticalFindingsSkipsPublish(t *testing.T) {
	engine := &fakeEngine{scanID: "1", statuses: []string{"100"},
		alertsJSON: `{"alerts":[{"alert":"Server Leaks Version","risk":"Low"}]}`}
	s, mem, _ := newScanner(t, engine)
	got := capturedAlerts(mem)

	require.NoError(t, s.ScanTarget(context.Background(), "http://web:8080"))

	assert.Empty(t, *got)
	keys, err := mem.Keys(context.Background(), "hemostat:vuln_scan:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestScanTargetStartFailure(t *testing.T) {
	engine := &fakeEngine{failStart: true}
	s, _, _ := newScanner(t, engine)

	err := s.ScanTarget(context.Background(), "http://web:8080")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestScanTargetTimesOutWhenScanNeverCompletes(t *testing.T) {
	engine := &fakeEngine{scanID: "1", statuses: []string{"10"}}
	s, _, _ := newScanner(t, engine)
	s.cfg.MaxScanTime = 5 * time.Millisecond

	err := s.ScanTarget(context.Background(), "http://web:8080")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not complete")
}

func TestWaitReadyTimesOutAgainstDeadEngine(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	mem := broker.NewMemory()
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 5 * time.Millisecond
	cfg.ReadyPoll = time.Millisecond
	s := New(mem, mem, NewZapClient(srv.URL), cfg, testLogger())

	err := s.waitReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestRunCycleCountsFailures(t *testing.T) {
	engine := &fakeEngine{failStart: true}
	s, _, _ := newScanner(t, engine)
	s.cfg.Targets = []string{"http://web:8080", "http://api:9090"}

	s.runCycle(context.Background())

	assert.Equal(t, int64(2), s.Counter("scans_failed"))
	assert.Equal(t, int64(0), s.Counter("scans_completed"))
}

func TestBuildReportDefaultsMissingRisk(t *testing.T) {
	report := buildReport([]ZapAlert{{Alert: "Odd Finding"}}, "http://web:8080", time.Unix(0, 0).UTC())
	assert.Equal(t, 1, report.RiskSummary["Informational"])
	assert.Equal(t, 0, report.CriticalCount)
}

func TestStatusRejectsNonNumericReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"does-not-exist"}`)
	}))
	defer srv.Close()

	_, err := NewZapClient(srv.URL).Status(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "non-numeric"))
}
