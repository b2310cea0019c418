package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/observability"
	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

var planetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// API is the thin administrative adapter over the core: every handler
// validates input, calls core operations, and renders JSON.
type API struct {
	store    store.Store
	index    queue.Index
	hub      *Hub
	results  *Results
	sessions *SessionServer
	assignMu *sync.Mutex

	dashboard *DashboardService

	// Storm protection for the assignment nudge endpoint.
	forceLimiter *rate.Limiter

	now func() time.Time
	log zerolog.Logger
}

func NewAPI(st store.Store, idx queue.Index, hub *Hub, results *Results, sessions *SessionServer, assignMu *sync.Mutex) *API {
	return &API{
		store:        st,
		index:        idx,
		hub:          hub,
		results:      results,
		sessions:     sessions,
		assignMu:     assignMu,
		dashboard:    NewDashboardService(st, idx),
		forceLimiter: rate.NewLimiter(rate.Limit(5), 5),
		now:          time.Now,
		log:          logging.WithComponent("api"),
	}
}

// Router builds the route table. The dashboard lives on another origin,
// so every route carries CORS headers.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Preflight requests match here; corsMiddleware answers them.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Worker channel; trailing slash tolerated.
	r.HandleFunc("/ws/server/{server_id}", a.sessions.HandleWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/server/{server_id}/", a.sessions.HandleWS).Methods(http.MethodGet)

	r.HandleFunc("/planet/create", a.handleCreatePlanet).Methods(http.MethodPost)
	r.HandleFunc("/planet/remove/{planet_id}", a.handleRemovePlanet).Methods(http.MethodDelete)
	r.HandleFunc("/planet/{planet_id}", a.handleGetPlanet).Methods(http.MethodGet)
	r.HandleFunc("/planets", a.handleListPlanets).Methods(http.MethodGet)

	r.HandleFunc("/result", a.handleResult).Methods(http.MethodPost)
	r.HandleFunc("/force-assign", a.handleForceAssign).Methods(http.MethodPost)
	r.HandleFunc("/command", a.handleCommand).Methods(http.MethodPost)

	r.HandleFunc("/queue", a.handleQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/server/{server_id}", a.handleGetServer).Methods(http.MethodGet)
	r.HandleFunc("/servers", a.handleListServers).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/stats", a.handleDashboardStats).Methods(http.MethodGet)

	return r
}

type createPlanetRequest struct {
	PlanetID           string `json:"planet_id"`
	MapID              string `json:"map_id"`
	SeasonID           *int   `json:"season_id"`
	RoundID            int    `json:"round_id"`
	CurrentRoundNumber int    `json:"current_round_number"`
}

func (a *API) handleCreatePlanet(w http.ResponseWriter, r *http.Request) {
	var req createPlanetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	planetID := req.PlanetID
	if planetID == "" {
		planetID = req.MapID
	}
	if !planetIDPattern.MatchString(planetID) {
		writeError(w, http.StatusBadRequest, "planet_id must be 1-100 chars of [A-Za-z0-9_-]")
		return
	}
	if req.SeasonID == nil {
		writeError(w, http.StatusBadRequest, "season_id is required")
		return
	}

	now := a.now()
	p := &store.Planet{
		PlanetID:           planetID,
		SeasonID:           *req.SeasonID,
		RoundID:            req.RoundID,
		CurrentRoundNumber: req.CurrentRoundNumber,
		// Due immediately so the first round runs right away.
		NextRoundTime: now,
		Status:        store.PlanetQueued,
	}
	if err := a.store.CreatePlanet(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrPlanetExists) {
			writeError(w, http.StatusConflict, "planet already exists")
			return
		}
		a.log.Error().Err(err).Str("planet_id", planetID).Msg("planet create failed")
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if err := a.index.Put(r.Context(), planetID, now); err != nil {
		a.log.Error().Err(err).Str("planet_id", planetID).Msg("index put failed; health loop will repair")
	}

	a.log.Info().Str("planet_id", planetID).Int("season_id", p.SeasonID).Msg("planet created")
	a.hub.Nudge()
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleRemovePlanet(w http.ResponseWriter, r *http.Request) {
	planetID := mux.Vars(r)["planet_id"]

	// Deletion shares the assignment lock so it cannot interleave with
	// a claim for the same planet.
	a.assignMu.Lock()
	defer a.assignMu.Unlock()

	p, err := a.store.GetPlanet(r.Context(), planetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "planet not found")
		return
	}
	if p.Status == store.PlanetProcessing {
		writeError(w, http.StatusConflict, "planet is processing; retry after completion")
		return
	}

	if err := a.store.DeletePlanet(r.Context(), planetID); err != nil {
		if errors.Is(err, store.ErrPlanetNotFound) {
			writeError(w, http.StatusNotFound, "planet not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if err := a.index.Remove(r.Context(), planetID); err != nil {
		a.log.Error().Err(err).Str("planet_id", planetID).Msg("index remove failed; health loop will repair")
	}

	a.log.Info().Str("planet_id", planetID).Msg("planet removed")
	writeJSON(w, http.StatusOK, map[string]string{"planet_id": planetID, "status": "removed"})
}

func (a *API) handleGetPlanet(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPlanet(r.Context(), mux.Vars(r)["planet_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "planet not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleListPlanets(w http.ResponseWriter, r *http.Request) {
	planets, err := a.store.ListPlanets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, planets)
}

type resultRequest struct {
	PlanetID      string `json:"planet_id"`
	MapID         string `json:"map_id"`
	ServerID      string `json:"server_id"`
	NextRoundTime string `json:"next_round_time"`
	NextCalcTime  string `json:"next_calculation_time"`
}

// handleResult is the HTTP fallback for job_done. It reports 202
// whether or not the completion was applied; stale completions are
// dropped by the same guard the frame path uses.
func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "server_id is required")
		return
	}

	frame := &JobDoneFrame{
		PlanetID:      req.PlanetID,
		MapID:         req.MapID,
		NextRoundTime: req.NextRoundTime,
		NextCalcTime:  req.NextCalcTime,
	}
	frame.normalize()
	if frame.PlanetID == "" || frame.NextRoundTime == "" {
		writeError(w, http.StatusBadRequest, "planet_id and next_round_time are required")
		return
	}
	if _, err := time.Parse(time.RFC3339, frame.NextRoundTime); err != nil {
		writeError(w, http.StatusBadRequest, "next_round_time must be RFC 3339")
		return
	}

	if err := a.results.HandleJobDone(r.Context(), req.ServerID, frame); err != nil {
		a.log.Warn().Err(err).Str("planet_id", frame.PlanetID).Msg("http result dropped")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) handleForceAssign(w http.ResponseWriter, r *http.Request) {
	if !a.forceLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("force-assign").Inc()
		writeError(w, http.StatusTooManyRequests, "slow down")
		return
	}
	a.hub.Nudge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "assignment triggered"})
}

type commandRequest struct {
	ServerID string          `json:"server_id"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServerID == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "server_id and action are required")
		return
	}

	peer := a.hub.Get(req.ServerID)
	if peer == nil {
		writeError(w, http.StatusNotFound, "no live session for server")
		return
	}
	err := peer.Send(&CommandFrame{Type: FrameCommand, Command: req.Action, Params: req.Payload})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server send buffer full")
		return
	}

	a.log.Info().Str("server_id", req.ServerID).Str("action", req.Action).Msg("command sent")
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type queueStatsResponse struct {
	QueueSize         int        `json:"queue_size"`
	NextDueTime       *time.Time `json:"next_due_time"`
	IdleServers       int        `json:"idle_servers"`
	BusyServers       int        `json:"busy_servers"`
	OfflineServers    int        `json:"offline_servers"`
	QueuedPlanets     int        `json:"queued_planets"`
	ProcessingPlanets int        `json:"processing_planets"`
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp queueStatsResponse
	var err error

	if resp.QueueSize, err = a.index.Size(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "index error")
		return
	}
	next, err := a.index.PeekNext(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "index error")
		return
	}
	if next != nil {
		resp.NextDueTime = &next.Due
	}

	counts := []struct {
		dst    *int
		planet bool
		status string
	}{
		{&resp.IdleServers, false, store.WorkerIdle},
		{&resp.BusyServers, false, store.WorkerBusy},
		{&resp.OfflineServers, false, store.WorkerOffline},
		{&resp.QueuedPlanets, true, store.PlanetQueued},
		{&resp.ProcessingPlanets, true, store.PlanetProcessing},
	}
	for _, c := range counts {
		if c.planet {
			*c.dst, err = a.store.CountPlanetsByStatus(ctx, c.status)
		} else {
			*c.dst, err = a.store.CountWorkersByStatus(ctx, c.status)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store error")
			return
		}
	}
	writeJSON(w, http.StatusOK, &resp)
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	worker, err := a.store.GetWorker(r.Context(), mux.Vars(r)["server_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if worker == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (a *API) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.dashboard.GetStats(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("dashboard stats failed")
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
