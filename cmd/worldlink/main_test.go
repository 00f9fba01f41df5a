package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/movement"
	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/session"
	"github.com/aeolun/worldlink/pkg/state"
	"github.com/aeolun/worldlink/pkg/timing"
)

func TestNextBackoff(t *testing.T) {
	d := initialBackoff
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		d = nextBackoff(d, 10*time.Second)
		seen = append(seen, d)
	}
	assert.Equal(t, time.Second, seen[0])
	assert.Equal(t, 8*time.Second, seen[3])
	assert.Equal(t, 10*time.Second, seen[7], "capped")
}

func TestParsePoint(t *testing.T) {
	p, err := parsePoint("32800, 32768")
	require.NoError(t, err)
	assert.Equal(t, movement.Point{X: 32800, Y: 32768}, p)

	for _, bad := range []string{"", "1", "a,2", "1,b", "70000,1", "-1,1"} {
		_, err := parsePoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadIntervalsDefault(t *testing.T) {
	table, err := loadIntervals("")
	require.NoError(t, err)
	assert.Equal(t, timing.DefaultIntervalTable().Len(), table.Len())
}

func TestMetricsMux(t *testing.T) {
	m := client.NewMetrics()
	m.RecordHandshake()
	srv := httptest.NewServer(metricsMux(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

type notifications struct {
	mu    sync.Mutex
	count int
}

func (n *notifications) notify(string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func (n *notifications) get() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

func TestRunnerLifecycle(t *testing.T) {
	conn := client.NewMockConnection("127.0.0.1:2000")
	store := state.NewMockState()
	require.NoError(t, store.SaveLastPosition("127.0.0.1:2000", state.Position{X: 1, Y: 1}))
	sess := session.New(conn, timing.NewState(nil, nil, timing.DefaultMargins()), session.Options{})

	r := newRunner(conn, sess, store, zap.NewNop())
	r.tickInterval = time.Millisecond
	r.minBackoff = time.Millisecond
	r.maxBackoff = 5 * time.Millisecond
	n := &notifications{}
	r.notify = n.notify
	r.walkTarget = &movement.Point{X: 55, Y: 60}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()

	require.Eventually(t, conn.IsConnected, time.Second, time.Millisecond)
	conn.SimulateStateChange(client.ConnectionStateUpdate{State: client.StateConnected})
	require.Eventually(t, func() bool {
		rec, ok, _ := store.GetConnectionHistory("127.0.0.1:2000")
		return ok && rec.SuccessCount == 1 && rec.Method == "tcp"
	}, time.Second, time.Millisecond)

	// Placement starts the requested walk.
	conn.SimulateIncoming(&protocol.PositionMessage{ObjectID: 7, X: 50, Y: 60, MapID: 3})
	require.Eventually(t, func() bool {
		msg, err := conn.GetLastSentMessage()
		if err != nil {
			return false
		}
		move, ok := msg.(*protocol.MoveMessage)
		return ok && move.X == 51 && move.Y == 60
	}, time.Second, time.Millisecond)

	conn.DisconnectWithReason(client.DisconnectServerDown)
	conn.SimulateStateChange(client.ConnectionStateUpdate{State: client.StateDisconnected, Reason: client.DisconnectServerDown})
	require.Eventually(t, func() bool {
		rec, _, _ := store.GetConnectionHistory("127.0.0.1:2000")
		return rec.LastDisconnectReason == "server_down"
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return n.get() == 1 }, time.Second, time.Millisecond)

	pos, ok, err := store.GetLastPosition("127.0.0.1:2000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(3), pos.MapID)
	assert.Equal(t, int32(60), pos.Y)
	assert.Equal(t, int32(51), pos.X, "predicted cell is saved")

	// The runner reconnects on its own after the backoff.
	require.Eventually(t, conn.IsConnected, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.False(t, conn.IsConnected(), "shutdown disconnects")
}

func TestRunnerHoldsStepsUntilHandshake(t *testing.T) {
	conn := client.NewMockConnection("127.0.0.1:2000")
	sess := session.New(conn, timing.NewState(nil, nil, timing.DefaultMargins()), session.Options{})

	r := newRunner(conn, sess, state.NewMockState(), zap.NewNop())
	r.tickInterval = time.Millisecond
	r.minBackoff = time.Millisecond
	r.maxBackoff = 5 * time.Millisecond
	r.walkTarget = &movement.Point{X: 55, Y: 60}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, conn.IsConnected, time.Second, time.Millisecond)
	conn.SimulateStateChange(client.ConnectionStateUpdate{State: client.StateConnected})
	conn.SimulateIncoming(&protocol.PositionMessage{ObjectID: 7, X: 50, Y: 60, MapID: 3})
	require.Eventually(t, func() bool { return conn.GetSentMessageCount() > 0 }, time.Second, time.Millisecond)

	// The next link opens but the server has not sent its key yet.
	conn.SetHoldHandshake(true)
	conn.DisconnectWithReason(client.DisconnectServerDown)
	conn.SimulateStateChange(client.ConnectionStateUpdate{State: client.StateDisconnected, Reason: client.DisconnectServerDown})
	require.Eventually(t, func() bool {
		return conn.State() == client.StateAwaitingHandshake
	}, time.Second, time.Millisecond)
	conn.ClearSentMessages()
	conn.SimulateStateChange(client.ConnectionStateUpdate{State: client.StateAwaitingHandshake})

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, conn.GetSentMessageCount(), "no step may precede the handshake")

	// The walk restarts from the new placement, not the old cell.
	conn.CompleteHandshake()
	conn.SimulateStateChange(client.ConnectionStateUpdate{State: client.StateConnected})
	conn.SimulateIncoming(&protocol.PositionMessage{ObjectID: 7, X: 70, Y: 60, MapID: 3})
	require.Eventually(t, func() bool {
		msg, err := conn.GetLastSentMessage()
		if err != nil {
			return false
		}
		move, ok := msg.(*protocol.MoveMessage)
		return ok && move.X == 69 && move.Y == 60
	}, time.Second, time.Millisecond)
}

func TestRunnerRetriesFailedConnect(t *testing.T) {
	conn := client.NewMockConnection("127.0.0.1:2000")
	conn.SetConnectError(assert.AnError)
	sess := session.New(conn, timing.NewState(nil, nil, timing.DefaultMargins()), session.Options{})

	r := newRunner(conn, sess, state.NewMockState(), zap.NewNop())
	r.minBackoff = time.Millisecond
	r.maxBackoff = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, conn.IsConnected())
	conn.SetConnectError(nil)
	require.Eventually(t, conn.IsConnected, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
