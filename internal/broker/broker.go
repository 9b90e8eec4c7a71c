package broker

import (
	"context"
	"errors"

	"github.com/npezzotti/quizhub/internal/types"
)

var ErrClosed = errors.New("broker closed")

// Audience selects the connections an event is delivered to: every
// connection of UserIds on Hub, except SkipConnectionId. When Room is set the
// event is scoped to that room and only ConnectionIds, the connections bound
// to its roster, receive it.
type Audience struct {
	Hub              types.Hub `json:"hub"`
	UserIds          []string  `json:"userIds"`
	Room             string    `json:"room,omitempty"`
	ConnectionIds    []string  `json:"connectionIds,omitempty"`
	SkipConnectionId string    `json:"skipConnectionId,omitempty"`
}

// Envelope is one event on its way to an audience. Envelopes sharing a Key
// are delivered in publish order.
type Envelope struct {
	Key      string
	Audience Audience
	Event    types.Event
}

type Handler func(ctx context.Context, env Envelope)

// Broker carries envelopes from the node that produced an event to every
// node holding connections of its audience.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Run consumes envelopes and calls h for each until ctx is done or the
	// broker is closed.
	Run(ctx context.Context, h Handler) error
	Close() error
}
