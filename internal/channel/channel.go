package channel

import (
	"context"
	"time"

	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/database"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

type appendReq struct {
	ctx    context.Context
	params database.AppendMessageParams
	reply  chan appendResult
}

type appendResult struct {
	msg types.Message
	err error
}

// Channel serializes appends to one group so that receiveMessage events leave
// this node in sequence order.
type Channel struct {
	id     int64
	store  *Store
	logger *zap.Logger
	inbox  chan appendReq
	done   chan struct{}
	// killTimer unloads the channel after a quiet period
	killTimer *time.Timer
}

func newChannel(s *Store, id int64) *Channel {
	return &Channel{
		id:     id,
		store:  s,
		logger: s.logger.With(zap.Int64("group", id)),
		inbox:  make(chan appendReq, 64),
		done:   make(chan struct{}),
	}
}

func (c *Channel) start(stop <-chan struct{}) {
	defer close(c.done)
	c.logger.Debug("starting channel")

	c.killTimer = time.NewTimer(c.store.cfg.ChannelIdleTimeout)
	defer c.killTimer.Stop()

	for {
		select {
		case req := <-c.inbox:
			msg, err := c.handleAppend(req.ctx, req.params)
			req.reply <- appendResult{msg: msg, err: err}
			c.killTimer.Reset(c.store.cfg.ChannelIdleTimeout)
		case <-c.killTimer.C:
			if c.store.unload(c) {
				c.logger.Debug("channel idle, unloading")
				c.drain()
				return
			}
			c.killTimer.Reset(c.store.cfg.ChannelIdleTimeout)
		case <-stop:
			c.drain()
			return
		}
	}
}

// drain answers requests that raced with the channel going away.
func (c *Channel) drain() {
	for {
		select {
		case req := <-c.inbox:
			msg, err := c.handleAppend(req.ctx, req.params)
			req.reply <- appendResult{msg: msg, err: err}
		default:
			return
		}
	}
}

func (c *Channel) handleAppend(ctx context.Context, params database.AppendMessageParams) (types.Message, error) {
	s := c.store
	msg, duplicate, err := s.repo.AppendMessage(ctx, params)
	if err != nil {
		return types.Message{}, types.ErrUnavailable.Wrap(err)
	}

	if duplicate {
		c.logger.Debug("duplicate client message id",
			zap.String("user", params.UserId),
			zap.String("client_message_id", params.ClientMessageId),
		)
		return msg, nil
	}

	s.stats.Incr(stats.NumMessages)

	if err := s.cache.SetLatest(ctx, c.id, msg.Sequence); err != nil {
		c.logger.Warn("cache latest sequence", zap.Error(err))
	}

	// the sender has read what it wrote
	if _, advanced, err := s.repo.AdvanceReadCursor(ctx, msg.UserId, c.id, msg.Sequence); err != nil {
		c.logger.Warn("advance sender cursor", zap.Error(err))
	} else if advanced {
		if err := s.cache.SetCursor(ctx, msg.UserId, c.id, msg.Sequence); err != nil {
			c.logger.Warn("cache sender cursor", zap.Error(err))
		}
	}

	members, err := s.repo.MemberIds(ctx, c.id)
	if err != nil {
		// the message is stored; members recover it through backfill
		c.logger.Error("load members for fan-out", zap.Error(err))
		return msg, nil
	}

	s.publish(broker.Envelope{
		Key:      groupKey(c.id),
		Audience: broker.Audience{Hub: types.ChatHub, UserIds: members},
		Event:    types.NewReceiveMessage(msg),
	})

	return msg, nil
}
