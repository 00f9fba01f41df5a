package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/movement"
	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/session"
	"github.com/aeolun/worldlink/pkg/state"
)

const (
	tickInterval      = time.Second / 60
	statsInterval     = 30 * time.Second
	initialBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// runner drives one server connection: connect, tick the session at a
// fixed rate, persist what should survive a restart, and reconnect with
// exponential backoff when the link drops.
type runner struct {
	conn   client.ConnectionInterface
	sess   *session.Session
	store  state.StateInterface
	log    *zap.Logger
	addr   string
	method string

	walkTarget *movement.Point
	notify     func(title, body string)

	tickInterval  time.Duration
	statsInterval time.Duration
	minBackoff    time.Duration
	maxBackoff    time.Duration

	started time.Time
}

func newRunner(conn client.ConnectionInterface, sess *session.Session, store state.StateInterface, log *zap.Logger) *runner {
	r := &runner{
		conn:          conn,
		sess:          sess,
		store:         store,
		log:           log,
		addr:          conn.GetAddress(),
		method:        "tcp",
		notify:        func(string, string) {},
		tickInterval:  tickInterval,
		statsInterval: statsInterval,
		minBackoff:    initialBackoff,
		maxBackoff:    defaultMaxBackoff,
	}
	sess.OnPacket = r.onPacket
	return r
}

// nextBackoff doubles d up to limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		d = limit
	}
	return d
}

// run blocks until ctx is cancelled.
func (r *runner) run(ctx context.Context) error {
	r.started = time.Now()
	r.restorePosition()

	delay := r.minBackoff
	attempt := 1
	for {
		if err := r.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("connect failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		} else {
			attempt = 0
			delay = r.minBackoff
			r.serve(ctx)
			if ctx.Err() != nil {
				return nil
			}
			r.log.Info("reconnecting", zap.Duration("in", delay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, r.maxBackoff)
		attempt++
	}
}

// serve runs the main loop for one link and returns once it is gone.
func (r *runner) serve(ctx context.Context) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()
	stats := time.NewTicker(r.statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			r.savePosition()
			r.conn.Disconnect()
			return

		case u, ok := <-r.conn.StateChanges():
			if !ok || r.handleState(u) {
				return
			}

		case err, ok := <-r.conn.Errors():
			if ok {
				r.log.Debug("connection error", zap.Error(err))
			}

		case <-ticker.C:
			// Lifecycle updates go first so a new link is reset before
			// any of its packets are applied.
			if r.pendingStates() {
				return
			}
			r.sess.Tick()

		case <-stats.C:
			r.logStats()
		}
	}
}

// pendingStates handles every queued lifecycle update and reports whether
// the link is gone.
func (r *runner) pendingStates() bool {
	for {
		select {
		case u, ok := <-r.conn.StateChanges():
			if !ok || r.handleState(u) {
				return true
			}
		default:
			return false
		}
	}
}

// handleState reacts to a lifecycle update and reports whether the link
// is gone.
func (r *runner) handleState(u client.ConnectionStateUpdate) bool {
	switch u.State {
	case client.StateAwaitingHandshake:
		// Nothing from the new link has been drained yet.
		r.sess.Reconnected()
		return false

	case client.StateConnected:
		if err := r.store.RecordConnection(r.addr, r.method); err != nil {
			r.log.Warn("failed to record connection", zap.Error(err))
		}
		r.log.Info("connected", zap.String("addr", r.addr))
		return false

	case client.StateDisconnected:
		// A failed dial publishes Disconnected before Connect returns; only
		// an update that matches the current state ends this link.
		if r.conn.State() != client.StateDisconnected {
			return false
		}
		r.savePosition()
		r.sess.StopWalking()
		if err := r.store.RecordDisconnect(r.addr, u.Reason.String()); err != nil {
			r.log.Warn("failed to record disconnect", zap.Error(err))
		}
		r.log.Warn("connection lost", zap.Stringer("reason", u.Reason), zap.Error(u.Err))
		r.notify("worldlink", "Connection to "+r.addr+" lost ("+u.Reason.String()+")")
		r.logStats()
		return true

	default:
		return false
	}
}

// onPacket starts the requested walk once the server has placed the
// character; walking earlier would start from a guessed cell.
func (r *runner) onPacket(p protocol.ServerPacket) {
	if _, ok := p.(*protocol.PositionMessage); !ok || r.walkTarget == nil {
		return
	}
	r.sess.WalkTo(r.walkTarget.X, r.walkTarget.Y)
	r.log.Info("walking", zap.Int32("x", r.walkTarget.X), zap.Int32("y", r.walkTarget.Y))
}

func (r *runner) restorePosition() {
	pos, ok, err := r.store.GetLastPosition(r.addr)
	if err != nil {
		r.log.Warn("failed to load last position", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	r.sess.Seed(pos.X, pos.Y)
	r.log.Debug("restored last position", zap.Int32("x", pos.X), zap.Int32("y", pos.Y))
}

func (r *runner) savePosition() {
	if _, placed := r.sess.SelfID(); !placed {
		return
	}
	p := r.sess.Position()
	err := r.store.SaveLastPosition(r.addr, state.Position{
		MapID:   r.sess.MapID(),
		X:       p.Predicted.X,
		Y:       p.Predicted.Y,
		Heading: p.Heading,
	})
	if err != nil {
		r.log.Warn("failed to save position", zap.Error(err))
	}
}

func (r *runner) logStats() {
	r.log.Info("traffic",
		zap.String("sent", humanize.Bytes(r.conn.GetBytesSent())),
		zap.String("received", humanize.Bytes(r.conn.GetBytesReceived())),
		zap.String("up_since", humanize.Time(r.started)))
}
