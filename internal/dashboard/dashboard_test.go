package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/governor"
	"modelmux/internal/ledger"
	"modelmux/internal/types"
)

func testServer(t *testing.T, cfg config.DashboardConfig) (*Server, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()

	led, err := ledger.New(ledger.DefaultConfig(), filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	gov, err := governor.New(governor.DefaultConfig(), filepath.Join(dir, "rate-governor-state.json"), nil)
	require.NoError(t, err)

	events := bus.New()
	return NewServer(cfg, Deps{Ledger: led, Governor: gov, Events: events}), events
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t, config.DashboardConfig{Port: 0})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc StatusDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.NotNil(t, doc.Ledger)
	assert.NotEmpty(t, doc.Governor)
}

func TestHealthzIsAlwaysOpen(t *testing.T) {
	s, _ := testServer(t, config.DashboardConfig{AuthToken: "secret"})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	s, _ := testServer(t, config.DashboardConfig{AuthToken: "secret"})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsCountEvents(t *testing.T) {
	s, events := testServer(t, config.DashboardConfig{})
	s.metrics.Observe(bus.Event{Type: bus.EventTaskCompleted, Backend: string(types.BackendCodex)})
	_ = events

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := new(strings.Builder)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		body.WriteString(sc.Text() + "\n")
	}
	assert.Contains(t, body.String(), `modelmux_tasks_completed_total{backend="codex"} 1`)
}

func TestSavingsEndpoint(t *testing.T) {
	s, _ := testServer(t, config.DashboardConfig{})
	require.NoError(t, s.deps.Ledger.RecordUsage(types.BackendClaudeCode, 10000, 0, "dev"))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/savings")
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc SavingsDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Greater(t, doc.TotalUSD, 0.0)
}

func TestEventStream(t *testing.T) {
	s, events := testServer(t, config.DashboardConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the stream delivers; the subscription races the GET.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				events.Publish(bus.Event{Type: bus.EventTaskCompleted, TaskID: "t1"})
			}
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: task-completed") {
			return
		}
	}
	t.Fatal("no event received before timeout")
}
