package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/itskum47/PlanetForge/orchestrator/config"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

func newTestSessionServer(c *core) *SessionServer {
	srv := NewSessionServer(context.Background(), c.store, c.hub, c.results, config.SessionConfig{
		SendBuffer:    2,
		ReadLimit:     64 * 1024,
		ReadDeadline:  time.Minute,
		WriteDeadline: 10 * time.Second,
		PingInterval:  30 * time.Second,
	})
	srv.now = func() time.Time { return t0 }
	return srv
}

func newTestSession(srv *SessionServer, serverID string) *Session {
	return &Session{
		serverID:  serverID,
		srv:       srv,
		send:      make(chan any, srv.cfg.SendBuffer),
		done:      make(chan struct{}),
		hbLimiter: rate.NewLimiter(rate.Limit(1), 5),
		log:       zerolog.Nop(),
	}
}

func TestDeriveServerIP(t *testing.T) {
	assert.Equal(t, "10.0.3.7", deriveServerIP("unity_10_0_3_7"))
	assert.Equal(t, "192.168.1.20", deriveServerIP("unity_192_168_1_20"))
	assert.Empty(t, deriveServerIP("custom-worker-1"))
	assert.Empty(t, deriveServerIP("unity_10_0_3"))
}

func TestRegisterWorkerCreatesNotInitialized(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	srv := newTestSessionServer(c)

	require.NoError(t, srv.registerWorker(ctx, "unity_10_0_3_7"))

	w := c.getWorker(t, "unity_10_0_3_7")
	assert.Equal(t, store.WorkerNotInitialized, w.Status)
	assert.Equal(t, "10.0.3.7", w.ServerIP)
	assert.True(t, w.LastHeartbeat.Equal(t0))
	require.NotNil(t, w.ConnectedAt)
	assert.True(t, w.ConnectedAt.Equal(t0))
	assert.Nil(t, w.DisconnectedAt)
}

func TestRegisterWorkerReconnectReclaimsInFlightPlanet(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	srv := newTestSessionServer(c)

	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedProcessing(t, "p1", "w1")

	require.NoError(t, srv.registerWorker(ctx, "w1"))

	w := c.getWorker(t, "w1")
	assert.Equal(t, store.WorkerNotInitialized, w.Status)
	assert.Empty(t, w.CurrentTask)

	p := c.getPlanet(t, "p1")
	assert.Equal(t, store.PlanetQueued, p.Status)
	_, indexed := c.indexDue(t, "p1")
	assert.True(t, indexed)
}

func TestSessionSendBackpressure(t *testing.T) {
	c := newCore(t)
	sess := newTestSession(newTestSessionServer(c), "w1")

	require.NoError(t, sess.Send("one"))
	require.NoError(t, sess.Send("two"))
	assert.ErrorIs(t, sess.Send("three"), ErrSendBufferFull)

	sess.Kick()
	assert.ErrorIs(t, sess.Send("four"), ErrPeerGone)
}

func TestSessionKickIdempotent(t *testing.T) {
	sess := newTestSession(newTestSessionServer(newCore(t)), "w1")
	sess.Kick()
	sess.Kick()
}

func TestHandleFrameUnknownTypeIgnored(t *testing.T) {
	c := newCore(t)
	sess := newTestSession(newTestSessionServer(c), "w1")

	graceful, err := sess.handleFrame(context.Background(), []byte(`{"type":"telemetry_v2"}`))
	require.NoError(t, err)
	assert.False(t, graceful)
}

func TestHandleFrameMalformedClosesSession(t *testing.T) {
	sess := newTestSession(newTestSessionServer(newCore(t)), "w1")

	_, err := sess.handleFrame(context.Background(), []byte(`{"type":`))
	assert.Error(t, err)
}

func TestHandleFrameDisconnectIsGraceful(t *testing.T) {
	sess := newTestSession(newTestSessionServer(newCore(t)), "w1")

	graceful, err := sess.handleFrame(context.Background(), []byte(`{"type":"disconnect"}`))
	require.NoError(t, err)
	assert.True(t, graceful)
}

func TestHandleFrameHeartbeatUpdatesGauges(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	c.seedWorker(t, "w1", store.WorkerBusy)
	sess := newTestSession(newTestSessionServer(c), "w1")

	_, err := sess.handleFrame(ctx, []byte(`{"type":"heartbeat","idle_cpu":33,"max_cpu":90}`))
	require.NoError(t, err)

	w := c.getWorker(t, "w1")
	assert.Equal(t, 33.0, w.IdleCPU)
	assert.Equal(t, store.WorkerBusy, w.Status, "heartbeat never changes status")
}

func TestHandleFramePingAnswersPong(t *testing.T) {
	sess := newTestSession(newTestSessionServer(newCore(t)), "w1")

	_, err := sess.handleFrame(context.Background(), []byte(`{"type":"ping"}`))
	require.NoError(t, err)

	select {
	case frame := <-sess.send:
		pong, ok := frame.(*PongFrame)
		require.True(t, ok)
		assert.Equal(t, FramePong, pong.Type)
		assert.Equal(t, t0.Format(time.RFC3339), pong.ServerTime)
	default:
		t.Fatal("expected a queued pong")
	}
}

func TestHandleStatusUpdateIdleWithInFlightTaskReleasesFirst(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	srv := newTestSessionServer(c)

	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedProcessing(t, "p1", "w1")

	sess := newTestSession(srv, "w1")
	sess.handleStatusUpdate(ctx, store.WorkerIdle)

	w := c.getWorker(t, "w1")
	assert.Equal(t, store.WorkerIdle, w.Status)
	assert.Empty(t, w.CurrentTask)

	p := c.getPlanet(t, "p1")
	assert.Equal(t, store.PlanetQueued, p.Status)
	_, indexed := c.indexDue(t, "p1")
	assert.True(t, indexed)
}

func TestHandleStatusUpdateRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	c.seedWorker(t, "w1", store.WorkerBusy)

	sess := newTestSession(newTestSessionServer(c), "w1")
	sess.handleStatusUpdate(ctx, "sleeping")

	assert.Equal(t, store.WorkerBusy, c.getWorker(t, "w1").Status)
}

func TestTeardownMarksWorkerOfflineAndReleasesOrphan(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	srv := newTestSessionServer(c)

	c.seedWorker(t, "w1", store.WorkerIdle)
	c.seedProcessing(t, "p1", "w1")

	sess := newTestSession(srv, "w1")
	require.Nil(t, c.hub.Attach("w1", sess))

	sess.teardown(ctx)

	w := c.getWorker(t, "w1")
	assert.Equal(t, store.WorkerOffline, w.Status)
	assert.Empty(t, w.CurrentTask)
	require.NotNil(t, w.DisconnectedAt)
	assert.True(t, w.DisconnectedAt.Equal(t0))

	p := c.getPlanet(t, "p1")
	assert.Equal(t, store.PlanetQueued, p.Status)
	assert.Nil(t, c.hub.Get("w1"))
}

func TestTeardownOfReplacedSessionLeavesSuccessorAlone(t *testing.T) {
	ctx := context.Background()
	c := newCore(t)
	srv := newTestSessionServer(c)

	c.seedWorker(t, "w1", store.WorkerIdle)

	old := newTestSession(srv, "w1")
	c.hub.Attach("w1", old)
	successor := newTestSession(srv, "w1")
	c.hub.Attach("w1", successor)

	old.teardown(ctx)

	assert.Equal(t, store.WorkerIdle, c.getWorker(t, "w1").Status)
	assert.Same(t, successor, c.hub.Get("w1").(*Session))
}
