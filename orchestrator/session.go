package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/itskum47/PlanetForge/orchestrator/config"
	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/observability"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Workers connect from arbitrary hosts; no origin policy.
		return true
	},
}

// SessionServer accepts worker WebSocket connections on
// /ws/server/{server_id}/ and runs one Session per worker.
type SessionServer struct {
	store   store.Store
	hub     *Hub
	results *Results
	cfg     config.SessionConfig

	// baseCtx outlives individual requests; session goroutines and
	// their store operations hang off it so shutdown cancels them.
	baseCtx context.Context
	now     func() time.Time
	log     zerolog.Logger
}

func NewSessionServer(ctx context.Context, st store.Store, hub *Hub, results *Results, cfg config.SessionConfig) *SessionServer {
	return &SessionServer{
		store:   st,
		hub:     hub,
		results: results,
		cfg:     cfg,
		baseCtx: ctx,
		now:     time.Now,
		log:     logging.WithComponent("session"),
	}
}

// HandleWS upgrades the connection and registers the worker session.
func (s *SessionServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	serverID := strings.Trim(mux.Vars(r)["server_id"], "/")
	if serverID == "" {
		http.Error(w, "missing server_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("server_id", serverID).Msg("websocket upgrade failed")
		return
	}

	if err := s.registerWorker(s.baseCtx, serverID); err != nil {
		s.log.Error().Err(err).Str("server_id", serverID).Msg("worker registration failed")
		conn.Close()
		return
	}

	sess := &Session{
		serverID: serverID,
		conn:     conn,
		srv:      s,
		send:     make(chan any, s.cfg.SendBuffer),
		done:     make(chan struct{}),
		// Heartbeats arrive every 5-10 s normally; anything faster is a
		// client bug and gets dropped.
		hbLimiter: rate.NewLimiter(rate.Limit(1), 5),
		log:       logging.WithServer(serverID),
	}

	if prev := s.hub.Attach(serverID, sess); prev != nil {
		s.log.Info().Str("server_id", serverID).Msg("reconnect replaces prior session")
		prev.Kick()
	}
	s.log.Info().Str("server_id", serverID).Msg("worker connected")

	go sess.writePump()
	go sess.readLoop(s.baseCtx)
}

// registerWorker creates or resets the worker row for a new session.
// A new worker starts not_initialized; a reconnecting worker is reset
// the same way, with any in-flight planet reclaimed first.
func (s *SessionServer) registerWorker(ctx context.Context, serverID string) error {
	now := s.now()

	existing, err := s.store.GetWorker(ctx, serverID)
	if err != nil {
		return err
	}
	if existing != nil && existing.CurrentTask != "" {
		if _, err := s.results.ReleaseOrphan(ctx, serverID, "worker reconnected mid-job"); err != nil {
			return err
		}
		existing, err = s.store.GetWorker(ctx, serverID)
		if err != nil {
			return err
		}
	}

	lock := s.hub.WorkerLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	w := existing
	if w == nil {
		w = &store.Worker{
			ServerID: serverID,
			ServerIP: deriveServerIP(serverID),
		}
	}
	w.Status = store.WorkerNotInitialized
	w.CurrentTask = ""
	w.LastHeartbeat = now
	w.ConnectedAt = &now
	w.DisconnectedAt = nil
	return s.store.UpsertWorker(ctx, w)
}

// deriveServerIP extracts the IP from the canonical id form
// unity_<ip-with-dots-as-underscores>, e.g. unity_10_0_3_7 -> 10.0.3.7.
// Non-canonical ids get an empty IP.
func deriveServerIP(serverID string) string {
	if !strings.HasPrefix(serverID, "unity_") {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(serverID, "unity_"), "_")
	if len(parts) != 4 {
		return ""
	}
	return strings.Join(parts, ".")
}

// Session is one live worker connection: a read loop parsing inbound
// frames and a write pump draining the bounded send queue. Outbound
// frames are delivered in submission order.
type Session struct {
	serverID string
	conn     *websocket.Conn
	srv      *SessionServer

	send chan any
	done chan struct{}
	once sync.Once

	hbLimiter *rate.Limiter
	log       zerolog.Logger
}

// Send enqueues an outbound frame without blocking. A full buffer
// means the worker stopped draining; the caller gives up on it.
func (s *Session) Send(frame any) error {
	select {
	case <-s.done:
		return ErrPeerGone
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrPeerGone
	default:
		return ErrSendBufferFull
	}
}

// Kick closes the session.
func (s *Session) Kick() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteDeadline))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.Warn().Err(err).Msg("outbound write failed")
				s.Kick()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Kick()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.teardown(ctx)

	s.conn.SetReadLimit(s.srv.cfg.ReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadDeadline))
		return nil
	})

	graceful := false
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !graceful {
				s.log.Warn().Err(err).Msg("worker channel closed abruptly")
			}
			return
		}
		// Any inbound traffic proves liveness, not just pongs.
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadDeadline))

		wasGraceful, err := s.handleFrame(ctx, data)
		if err != nil {
			s.log.Warn().Err(err).Msg("protocol violation, closing session")
			return
		}
		graceful = graceful || wasGraceful
	}
}

// handleFrame dispatches one inbound frame. The returned error is a
// protocol violation that closes the session; handler failures inside
// a well-formed frame are logged and absorbed.
func (s *Session) handleFrame(ctx context.Context, data []byte) (graceful bool, err error) {
	frame, err := decodeInbound(data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) {
			observability.FramesDropped.WithLabelValues("unknown_type").Inc()
			s.log.Warn().Err(err).Msg("ignoring unknown frame type")
			return false, nil
		}
		return false, err
	}

	switch f := frame.(type) {
	case *HeartbeatFrame:
		observability.FramesInbound.WithLabelValues(FrameHeartbeat).Inc()
		if !s.hbLimiter.Allow() {
			observability.FramesDropped.WithLabelValues("rate_limited").Inc()
			return false, nil
		}
		if err := s.srv.store.UpdateWorkerHeartbeat(ctx, s.serverID, f.Heartbeat, s.srv.now()); err != nil {
			s.log.Error().Err(err).Msg("heartbeat update failed")
		}

	case *StatusUpdateFrame:
		observability.FramesInbound.WithLabelValues(FrameStatusUpdate).Inc()
		s.handleStatusUpdate(ctx, f.Status)

	case *JobDoneFrame:
		observability.FramesInbound.WithLabelValues(FrameJobDone).Inc()
		if err := s.srv.results.HandleJobDone(ctx, s.serverID, f); err != nil {
			s.log.Warn().Err(err).Msg("job_done dropped")
		}

	case *JobSkippedFrame:
		observability.FramesInbound.WithLabelValues(FrameJobSkipped).Inc()
		if err := s.srv.results.HandleJobSkipped(ctx, s.serverID, f); err != nil {
			s.log.Warn().Err(err).Msg("job_skipped dropped")
		}

	case *ErrorFrame:
		observability.FramesInbound.WithLabelValues(FrameError).Inc()
		if err := s.srv.results.HandleJobError(ctx, s.serverID, f); err != nil {
			s.log.Warn().Err(err).Msg("error frame dropped")
		}

	case *DisconnectFrame:
		observability.FramesInbound.WithLabelValues(FrameDisconnect).Inc()
		s.log.Info().Msg("worker disconnecting gracefully")
		return true, nil

	case *PingFrame:
		observability.FramesInbound.WithLabelValues(FramePing).Inc()
		if err := s.Send(&PongFrame{Type: FramePong, ServerTime: s.srv.now().UTC().Format(time.RFC3339)}); err != nil {
			s.log.Warn().Err(err).Msg("pong dropped")
		}
	}
	return false, nil
}

// handleStatusUpdate applies a worker-announced status transition. A
// worker claiming idle while the store still shows an in-flight planet
// has lost that job (crash-restart without reconnect); the planet is
// reclaimed before the idle is honored.
func (s *Session) handleStatusUpdate(ctx context.Context, status string) {
	switch status {
	case store.WorkerIdle, store.WorkerBusy, store.WorkerNotInitialized:
	default:
		s.log.Warn().Str("status", status).Msg("ignoring status_update with unknown status")
		return
	}

	if status == store.WorkerIdle {
		w, err := s.srv.store.GetWorker(ctx, s.serverID)
		if err != nil {
			s.log.Error().Err(err).Msg("worker lookup failed")
			return
		}
		if w != nil && w.CurrentTask != "" {
			if _, err := s.srv.results.ReleaseOrphan(ctx, s.serverID, "worker reported idle with task in flight"); err != nil {
				s.log.Error().Err(err).Msg("orphan release failed")
				return
			}
		}
	}

	lock := s.srv.hub.WorkerLock(s.serverID)
	lock.Lock()
	w, err := s.srv.store.GetWorker(ctx, s.serverID)
	if err == nil && w != nil {
		w.Status = status
		err = s.srv.store.UpsertWorker(ctx, w)
	}
	lock.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("status", status).Msg("status update failed")
		return
	}

	s.log.Info().Str("status", status).Msg("worker status updated")
	if status == store.WorkerIdle {
		s.srv.hub.Nudge()
	}
}

// teardown runs when the read loop exits for any reason. If this
// session is still the registered one the worker goes offline and any
// in-flight planet is released immediately; a session replaced by a
// reconnect leaves the successor's state alone.
func (s *Session) teardown(ctx context.Context) {
	s.Kick()

	if !s.srv.hub.Detach(s.serverID, s) {
		return
	}

	if _, err := s.srv.results.ReleaseOrphan(ctx, s.serverID, "worker channel closed"); err != nil {
		s.log.Error().Err(err).Msg("orphan release on close failed")
	}

	lock := s.srv.hub.WorkerLock(s.serverID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.srv.store.GetWorker(ctx, s.serverID)
	if err != nil || w == nil {
		if err != nil {
			s.log.Error().Err(err).Msg("worker lookup on close failed")
		}
		return
	}
	now := s.srv.now()
	w.Status = store.WorkerOffline
	w.CurrentTask = ""
	w.DisconnectedAt = &now
	if err := s.srv.store.UpsertWorker(ctx, w); err != nil {
		s.log.Error().Err(err).Msg("marking worker offline failed")
		return
	}
	s.log.Info().Msg("worker disconnected and marked offline")
}
