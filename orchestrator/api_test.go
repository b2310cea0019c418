package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/PlanetForge/orchestrator/config"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

func newTestAPI(t *testing.T, c *core) *API {
	t.Helper()
	sessions := NewSessionServer(context.Background(), c.store, c.hub, c.results, config.SessionConfig{
		SendBuffer:    16,
		ReadLimit:     64 * 1024,
		ReadDeadline:  time.Minute,
		WriteDeadline: 10 * time.Second,
		PingInterval:  30 * time.Second,
	})
	api := NewAPI(c.store, c.index, c.hub, c.results, sessions, c.assignMu)
	api.now = func() time.Time { return t0 }
	return api
}

func doRequest(api *API, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreatePlanet(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)

	rec := doRequest(api, http.MethodPost, "/planet/create", `{"planet_id":"p1","season_id":3,"round_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	p := c.getPlanet(t, "p1")
	assert.Equal(t, store.PlanetQueued, p.Status)
	assert.Equal(t, 3, p.SeasonID)
	assert.True(t, p.NextRoundTime.Equal(t0), "new planet is due immediately")

	due, indexed := c.indexDue(t, "p1")
	require.True(t, indexed)
	assert.True(t, due.Equal(t0))
}

func TestCreatePlanetAcceptsMapIDAlias(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)

	rec := doRequest(api, http.MethodPost, "/planet/create", `{"map_id":"legacy-1","season_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c.getPlanet(t, "legacy-1")
}

func TestCreatePlanetDuplicateConflicts(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedPlanet(t, "p1", store.PlanetQueued, t0)

	rec := doRequest(api, http.MethodPost, "/planet/create", `{"planet_id":"p1","season_id":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreatePlanetValidation(t *testing.T) {
	api := newTestAPI(t, newCore(t))

	cases := []struct {
		name string
		body string
	}{
		{"invalid id characters", `{"planet_id":"bad id!","season_id":1}`},
		{"empty id", `{"planet_id":"","season_id":1}`},
		{"id too long", `{"planet_id":"` + strings.Repeat("x", 101) + `","season_id":1}`},
		{"missing season", `{"planet_id":"p1"}`},
		{"not json", `planet please`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(api, http.MethodPost, "/planet/create", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRemovePlanet(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedPlanet(t, "p1", store.PlanetQueued, t0)

	rec := doRequest(api, http.MethodDelete, "/planet/remove/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := c.store.GetPlanet(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, p)
	_, indexed := c.indexDue(t, "p1")
	assert.False(t, indexed)
}

func TestRemovePlanetNotFound(t *testing.T) {
	api := newTestAPI(t, newCore(t))
	rec := doRequest(api, http.MethodDelete, "/planet/remove/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemovePlanetProcessingConflicts(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedProcessing(t, "p1", "w1")

	rec := doRequest(api, http.MethodDelete, "/planet/remove/p1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	c.getPlanet(t, "p1")
}

func TestGetPlanet(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedPlanet(t, "p1", store.PlanetQueued, t0)

	rec := doRequest(api, http.MethodGet, "/planet/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var p store.Planet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "p1", p.PlanetID)

	rec = doRequest(api, http.MethodGet, "/planet/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultEndpointAppliesCompletion(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedProcessing(t, "p1", "w1")

	next := t0.Add(time.Hour).Format(time.RFC3339)
	rec := doRequest(api, http.MethodPost, "/result", `{"planet_id":"p1","server_id":"w1","next_round_time":"`+next+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	p := c.getPlanet(t, "p1")
	assert.Equal(t, store.PlanetQueued, p.Status)
	assert.Equal(t, 11, p.RoundID)
}

func TestResultEndpointLegacyFieldNames(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedProcessing(t, "p1", "w1")

	next := t0.Add(time.Hour).Format(time.RFC3339)
	rec := doRequest(api, http.MethodPost, "/result", `{"map_id":"p1","server_id":"w1","next_calculation_time":"`+next+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, store.PlanetQueued, c.getPlanet(t, "p1").Status)
}

func TestResultEndpointValidation(t *testing.T) {
	api := newTestAPI(t, newCore(t))

	rec := doRequest(api, http.MethodPost, "/result", `{"planet_id":"p1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "server_id required")

	rec = doRequest(api, http.MethodPost, "/result", `{"server_id":"w1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "planet_id and next_round_time required")

	rec = doRequest(api, http.MethodPost, "/result", `{"planet_id":"p1","server_id":"w1","next_round_time":"tomorrow-ish"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "next_round_time must parse")
}

func TestForceAssignRateLimited(t *testing.T) {
	api := newTestAPI(t, newCore(t))

	limited := false
	for i := 0; i < 10; i++ {
		rec := doRequest(api, http.MethodPost, "/force-assign", "")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.True(t, limited, "burst past the limit must be rejected")
}

func TestCommandEndpoint(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)

	rec := doRequest(api, http.MethodPost, "/command", `{"server_id":"w1","action":"restart"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no live session")

	peer := c.attach(t, "w1")
	rec = doRequest(api, http.MethodPost, "/command", `{"server_id":"w1","action":"restart","payload":{"grace":5}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := peer.frames()
	require.Len(t, frames, 1)
	cmd := frames[0].(*CommandFrame)
	assert.Equal(t, FrameCommand, cmd.Type)
	assert.Equal(t, "restart", cmd.Command)
	assert.JSONEq(t, `{"grace":5}`, string(cmd.Params))

	peer.sendErr = ErrSendBufferFull
	rec = doRequest(api, http.MethodPost, "/command", `{"server_id":"w1","action":"restart"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueStats(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)

	c.seedPlanet(t, "p1", store.PlanetQueued, t0.Add(time.Hour))
	c.seedPlanet(t, "p2", store.PlanetQueued, t0.Add(2*time.Hour))
	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedWorker(t, "w2", store.WorkerBusy)

	rec := doRequest(api, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queueStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.QueueSize)
	assert.Equal(t, 1, stats.IdleServers)
	assert.Equal(t, 1, stats.BusyServers)
	assert.Equal(t, 2, stats.QueuedPlanets)
	require.NotNil(t, stats.NextDueTime)
	assert.True(t, stats.NextDueTime.Equal(t0.Add(time.Hour)))
}

func TestListServersAndGetServer(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	c.seedWorker(t, "w1", store.WorkerIdle)

	rec := doRequest(api, http.MethodGet, "/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var workers []*store.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ServerID)

	rec = doRequest(api, http.MethodGet, "/server/w1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(api, http.MethodGet, "/server/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardStats(t *testing.T) {
	c := newCore(t)
	api := newTestAPI(t, c)
	api.dashboard.now = func() time.Time { return t0 }

	c.seedPlanet(t, "p1", store.PlanetQueued, t0.Add(time.Hour))
	c.seedWorker(t, "w1", store.WorkerIdle)
	dur := 8.0
	require.NoError(t, c.store.InsertTaskHistory(context.Background(), &store.TaskHistory{
		ID: "t1", PlanetID: "p1", ServerID: "w1", StartTime: t0.Add(-time.Hour), Status: store.TaskCompleted, DurationSeconds: &dur,
	}))

	rec := doRequest(api, http.MethodGet, "/dashboard/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats DashboardStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Planets[store.PlanetQueued])
	assert.Equal(t, 1, stats.Workers[store.WorkerIdle])
	assert.Equal(t, 1, stats.Queue.Size)
	require.NotNil(t, stats.Tasks24h)
	assert.Equal(t, 1, stats.Tasks24h.Completed)
	require.Len(t, stats.RecentTasks, 1)
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t, newCore(t))
	rec := doRequest(api, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, newCore(t))

	req := httptest.NewRequest(http.MethodOptions, "/planets", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
