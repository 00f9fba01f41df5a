package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/movement"
	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/session"
	"github.com/aeolun/worldlink/pkg/timing"
)

const (
	tickInterval   = 10 * time.Millisecond
	placeTimeout   = 5 * time.Second
	wanderAttempts = 8
)

// BotClient is one simulated player wandering around its spawn cell.
type BotClient struct {
	id     int
	conn   *client.Connection
	sess   *session.Session
	stats  *Stats
	log    *zap.Logger
	radius int32

	home   movement.Point
	placed bool
}

func NewBotClient(id int, serverAddr string, table *timing.IntervalTable, radius int, stats *Stats, log *zap.Logger) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.Int("bot", id))
	conn.SetLogger(log.Named("transport"))

	bc := &BotClient{
		id:     id,
		conn:   conn,
		sess:   session.New(conn, timing.NewState(table, nil, timing.DefaultMargins()), session.Options{}),
		stats:  stats,
		log:    log,
		radius: int32(radius),
	}
	bc.sess.SetLogger(log.Named("session"))
	bc.sess.OnPacket = bc.onPacket
	return bc, nil
}

func (bc *BotClient) onPacket(msg protocol.ServerPacket) {
	self, ok := bc.sess.SelfID()
	if !ok {
		return
	}
	switch m := msg.(type) {
	case *protocol.PositionMessage:
		if !bc.placed {
			bc.placed = true
			bc.home = movement.Point{X: int32(m.X), Y: int32(m.Y)}
			return
		}
		bc.stats.corrections.Add(1)
	case *protocol.MoveObjectMessage:
		if m.ObjectID == self {
			bc.stats.echoes.Add(1)
		}
	}
}

// Connect dials and ticks until the server places the character.
func (bc *BotClient) Connect(ctx context.Context) error {
	start := time.Now()
	if err := bc.conn.Connect(ctx); err != nil {
		bc.stats.connectErrors.Add(1)
		return err
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	deadline := time.After(placeTimeout)
	for !bc.placed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			bc.stats.placeTimeouts.Add(1)
			return fmt.Errorf("bot %d: not placed within %v", bc.id, placeTimeout)
		case <-ticker.C:
			bc.sess.Tick()
		}
	}
	bc.stats.recordPlaced(time.Since(start))
	return nil
}

// Run wanders until ctx is done or the link drops.
func (bc *BotClient) Run(ctx context.Context) {
	defer bc.conn.Close()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-bc.conn.StateChanges():
			if u.State == client.StateDisconnected {
				bc.stats.disconnects.Add(1)
				bc.log.Debug("disconnected", zap.Stringer("reason", u.Reason), zap.Error(u.Err))
				return
			}
		case <-ticker.C:
			if !bc.sess.Walker().Walking() {
				bc.wander()
			}
			switch bc.sess.Tick() {
			case movement.StepCommitted:
				bc.stats.steps.Add(1)
			case movement.StepThrottled:
				bc.stats.throttled.Add(1)
			case movement.StepSendFailed:
				bc.stats.sendFailed.Add(1)
			}
		}
	}
}

// wander picks a new target within radius of home, away from the current
// cell.
func (bc *BotClient) wander() {
	cur := bc.sess.Position().Predicted
	for range wanderAttempts {
		target := movement.Point{
			X: bc.home.X + rand.Int32N(2*bc.radius+1) - bc.radius,
			Y: bc.home.Y + rand.Int32N(2*bc.radius+1) - bc.radius,
		}
		if target != cur {
			bc.sess.WalkTo(target.X, target.Y)
			return
		}
	}
}
