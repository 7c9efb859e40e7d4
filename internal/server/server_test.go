package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/engine"
	"github.com/limiquantix/vmplacer/internal/events"
)

type fakeStatus struct {
	snapshot engine.Snapshot
}

func (f fakeStatus) Snapshot() engine.Snapshot { return f.snapshot }

func newTestServer(t *testing.T, status StatusSource, opts ...ServerOption) *httptest.Server {
	t.Helper()
	s := New(config.Default(), status, zap.NewNop(), opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, dest any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, fakeStatus{})

	var body map[string]string
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_Ready(t *testing.T) {
	t.Run("initialized", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{snapshot: engine.Snapshot{Initialized: true}},
			WithHealthCheck("redis", HealthFunc(func(context.Context) error { return nil })))

		var body map[string]any
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/ready", &body))
		assert.Equal(t, true, body["ready"])
	})

	t.Run("engine not initialized", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})

		var body map[string]any
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/ready", &body))
	})

	t.Run("failing dependency", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{snapshot: engine.Snapshot{Initialized: true}},
			WithHealthCheck("etcd", HealthFunc(func(context.Context) error { return errors.New("down") })))

		var body struct {
			Ready      bool              `json:"ready"`
			Components map[string]string `json:"components"`
		}
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/ready", &body))
		assert.False(t, body.Ready)
		assert.Equal(t, "unhealthy", body.Components["etcd"])
	})
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t, fakeStatus{snapshot: engine.Snapshot{
		Initialized:   true,
		EventsHandled: 7,
		BoundTasks:    2,
		PendingTasks:  []domain.TaskID{4},
		PlacementMode: config.PlacementBestFit,
	}})

	var snap engine.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/status", &snap))
	assert.True(t, snap.Initialized)
	assert.Equal(t, uint64(7), snap.EventsHandled)
	assert.Equal(t, 2, snap.BoundTasks)
	assert.Equal(t, []domain.TaskID{4}, snap.PendingTasks)
	assert.Equal(t, config.PlacementBestFit, snap.PlacementMode)
}

func TestServer_Info_Stats(t *testing.T) {
	t.Run("reports dependency counters", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{},
			WithHealthCheck("postgres", HealthFunc(func(context.Context) error { return nil })),
			WithStats("postgres", func() any { return map[string]int{"acquired_conns": 3} }))

		var body struct {
			Dependencies []string                  `json:"dependencies"`
			Stats        map[string]map[string]int `json:"stats"`
		}
		require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/info", &body))
		assert.Equal(t, []string{"postgres"}, body.Dependencies)
		assert.Equal(t, 3, body.Stats["postgres"]["acquired_conns"])
	})

	t.Run("omitted without sources", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})

		var body map[string]any
		require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/info", &body))
		assert.NotContains(t, body, "stats")
	})
}

func TestServer_MetricsHandler(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("vmplacer_events 1\n"))
	})
	ts := newTestServer(t, fakeStatus{}, WithMetricsHandler(metrics))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsHandler_GetEvents(t *testing.T) {
	h := NewEventsHandler(3, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, events.New(events.KindTaskAdmitted, 1)))
	require.NoError(t, h.Publish(ctx, events.New(events.KindAdmissionFailed, 2)))
	require.NoError(t, h.Publish(ctx, events.New(events.KindTaskAdmitted, 3)))
	require.NoError(t, h.Publish(ctx, events.New(events.KindTaskAdmitted, 4)))

	ts := newTestServer(t, fakeStatus{}, WithEvents(h))

	var all EventsResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/events", &all))
	require.Len(t, all.Events, 3, "buffer keeps only the newest events")
	assert.Equal(t, domain.Time(2), all.Events[0].Time)

	var admitted EventsResponse
	getJSON(t, ts.URL+"/api/v1/events?kind=task_admitted&limit=1", &admitted)
	assert.Equal(t, 2, admitted.Total)
	assert.True(t, admitted.HasMore)
	require.Len(t, admitted.Events, 1)
	assert.Equal(t, domain.Time(3), admitted.Events[0].Time)

	var past EventsResponse
	getJSON(t, ts.URL+"/api/v1/events?offset=10", &past)
	assert.Empty(t, past.Events)
	assert.False(t, past.HasMore)
}

func TestEventsHandler_Stream(t *testing.T) {
	h := NewEventsHandler(10, zap.NewNop())
	ts := newTestServer(t, fakeStatus{}, WithEvents(h))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Publish(context.Background(),
		events.New(events.KindMachineWaking, 9).Machine(3)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.KindMachineWaking, got.Kind)
	assert.Equal(t, domain.Time(9), got.Time)
	assert.EqualValues(t, 3, got.Attributes["machine_id"])

	h.Close()
	require.Eventually(t, func() bool { return h.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}
