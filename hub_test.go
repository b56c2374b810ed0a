package memwatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/models"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := Defaults()
	cfg.SnapshotDir = t.TempDir()
	cfg.MetricsBackend = "noop"
	hub, err := New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Stop(context.Background()) })
	return hub, srv
}

func wsDial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1)+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func wsReadUntil(t *testing.T, conn *websocket.Conn, wanted string) json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == wanted {
			return env.Data
		}
	}
	t.Fatalf("no %s frame received", wanted)
	return nil
}

// Registration, metric ingestion, dashboard fan-out, and the query surface in
// one flow: the same socket port serves both websocket upgrades and the API.
func TestHubEndToEndMetricFlow(t *testing.T) {
	_, srv := newTestHub(t)

	agent := wsDial(t, srv, "/")
	wsSend(t, agent, `{"type":"registration","service":"svc-a","timestamp":1000000}`)

	// wait for the registration to land before subscribing
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/services")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var services []models.ServiceView
		if json.NewDecoder(resp.Body).Decode(&services) != nil {
			return false
		}
		return len(services) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dash := wsDial(t, srv, "/dashboard")
	initialData := wsReadUntil(t, dash, protocol.EventInitial)
	var initial struct {
		Services []models.ServiceView `json:"services"`
	}
	require.NoError(t, json.Unmarshal(initialData, &initial))
	require.Len(t, initial.Services, 1)
	assert.Equal(t, "svc-a", initial.Services[0].Name)

	wsSend(t, agent, `{"type":"metrics","service":"svc-a","heapUsedMB":120,"heapTotalMB":200,"rssMB":300,"externalMB":5,"eventLoopDelayMs":2,"timestamp":1000100,"leakDetected":false,"memoryGrowthMB":1}`)

	updateData := wsReadUntil(t, dash, protocol.EventMetricsUpdate)
	var sample models.MetricSample
	require.NoError(t, json.Unmarshal(updateData, &sample))
	assert.Equal(t, float64(120), sample.HeapUsedMB)

	resp, err := http.Get(srv.URL + "/api/services/svc-a/metrics?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	var window struct {
		Metrics []models.MetricSample `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&window))
	assert.Len(t, window.Metrics, 1)
}

func TestHubLeakAlertFlow(t *testing.T) {
	_, srv := newTestHub(t)

	agent := wsDial(t, srv, "/")
	wsSend(t, agent, `{"type":"registration","service":"svc-a","timestamp":1}`)
	dash := wsDial(t, srv, "/dashboard")
	wsReadUntil(t, dash, protocol.EventInitial)

	wsSend(t, agent, `{"type":"metrics","service":"svc-a","heapUsedMB":800,"timestamp":2,"leakDetected":true,"memoryGrowthMB":50}`)
	alertData := wsReadUntil(t, dash, protocol.EventLeakAlert)
	var alert models.Alert
	require.NoError(t, json.Unmarshal(alertData, &alert))
	assert.Equal(t, models.SeverityCritical, alert.Severity)

	resp, err := http.Get(srv.URL + "/api/alerts?severity=critical")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.GreaterOrEqual(t, body.Count, 1)
}

func TestHubStateSnapshot(t *testing.T) {
	hub, srv := newTestHub(t)

	agent := wsDial(t, srv, "/")
	wsSend(t, agent, `{"type":"registration","service":"svc-a","timestamp":1}`)
	require.Eventually(t, func() bool {
		return hub.StateSnapshot().Store.Services == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := hub.StateSnapshot()
	assert.Equal(t, 1, snap.Store.ConnectedServices)
}

func TestHubHealthSnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	snap := hub.HealthSnapshot(context.Background())
	assert.Equal(t, "healthy", string(snap.Overall))
	assert.NotEmpty(t, snap.Probes)
}

func TestDefaultsMatchReference(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.InactivityTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepPeriod)
	assert.Equal(t, 1000, cfg.MetricCap)
	assert.Equal(t, 100, cfg.AlertCap)
}

func TestNewRejectsMissingPort(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
