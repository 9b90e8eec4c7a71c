package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publisher is the publishing half of a Broker.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Outbox decouples producers from the broker. Envelopes are published by a
// single goroutine in the order they were queued, so every key keeps its
// order while Send never waits on the broker.
type Outbox struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger
	queue   chan Envelope
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewOutbox(pub Publisher, size int, timeout time.Duration, logger *zap.Logger) *Outbox {
	if size <= 0 {
		size = 4096
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	o := &Outbox{
		pub:     pub,
		timeout: timeout,
		logger:  logger.Named("outbox"),
		queue:   make(chan Envelope, size),
		done:    make(chan struct{}),
	}
	go o.run()

	return o
}

// Send queues env and returns at once. It reports false when the outbox is
// closed or full; the envelope is dropped in that case.
func (o *Outbox) Send(env Envelope) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		o.logger.Warn("outbox closed, dropping event", zap.String("key", env.Key), zap.String("event", env.Event.EventName()))
		return false
	}

	select {
	case o.queue <- env:
		return true
	default:
		o.logger.Error("outbox full, dropping event", zap.String("key", env.Key), zap.String("event", env.Event.EventName()))
		return false
	}
}

// Close stops accepting envelopes and waits until the queued ones have been
// published or ctx is done.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for env := range o.queue {
		o.publish(env)
	}
}

func (o *Outbox) publish(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := o.pub.Publish(ctx, env); err != nil {
		o.logger.Error("publish failed",
			zap.String("key", env.Key),
			zap.String("event", env.Event.EventName()),
			zap.Error(err),
		)
	}
}
