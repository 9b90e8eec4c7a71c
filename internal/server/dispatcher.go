package server

import (
	"context"

	"github.com/npezzotti/quizhub/internal/broker"
	"go.uber.org/zap"
)

// Dispatcher consumes envelopes from the broker and hands each event to the
// local connections of its audience. Users connected to other nodes are left
// to those nodes.
type Dispatcher struct {
	presence *Presence
	logger   *zap.Logger
}

func NewDispatcher(presence *Presence, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		presence: presence,
		logger:   logger.Named("dispatcher"),
	}
}

// Deliver implements broker.Handler. It never blocks on a connection.
func (d *Dispatcher) Deliver(_ context.Context, env broker.Envelope) {
	var delivered int
	if env.Audience.Room != "" {
		delivered = d.deliverToConnections(env)
	} else {
		delivered = d.deliverToUsers(env)
	}

	if ce := d.logger.Check(zap.DebugLevel, "dispatched"); ce != nil {
		ce.Write(
			zap.String("key", env.Key),
			zap.String("event", env.Event.EventName()),
			zap.Int("delivered", delivered),
		)
	}
}

func (d *Dispatcher) deliverToUsers(env broker.Envelope) int {
	delivered := 0
	for _, userId := range env.Audience.UserIds {
		for _, c := range d.presence.Lookup(env.Audience.Hub, userId) {
			if c.id == env.Audience.SkipConnectionId {
				continue
			}
			if c.deliver(env.Event) {
				delivered++
			}
		}
	}
	return delivered
}

// deliverToConnections handles room scoped events. Only the connections the
// room has bound to its roster receive them, so a second connection of the
// same user that never joined stays quiet.
func (d *Dispatcher) deliverToConnections(env broker.Envelope) int {
	delivered := 0
	for _, connId := range env.Audience.ConnectionIds {
		if connId == env.Audience.SkipConnectionId {
			continue
		}
		c, ok := d.presence.Get(connId)
		if !ok || c.hub != env.Audience.Hub {
			continue
		}
		if c.deliver(env.Event) {
			delivered++
		}
	}
	return delivered
}
