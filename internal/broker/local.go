package broker

import (
	"context"
	"sync"
)

// Local is a single-node broker backed by a buffered channel.
type Local struct {
	queue chan Envelope
	done  chan struct{}
	once  sync.Once
}

func NewLocal(size int) *Local {
	if size <= 0 {
		size = 1024
	}
	return &Local{
		queue: make(chan Envelope, size),
		done:  make(chan struct{}),
	}
}

func (l *Local) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.queue <- env:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case env := <-l.queue:
			h(ctx, env)
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Local) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
