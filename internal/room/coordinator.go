package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

// Publisher hands events to the delivery layer.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

type Config struct {
	DefaultCapacity    int
	JoinCodeRetries    int
	IdleRoomTimeout    time.Duration
	RosterGraceTimeout time.Duration
	PublishTimeout     time.Duration
	// OutboxSize bounds the events queued for the broker.
	OutboxSize int
	// ClosedCodeTTL is how long a closed room's code answers RoomClosed
	// instead of RoomNotFound.
	ClosedCodeTTL time.Duration
}

type JoinResult struct {
	Snapshot types.RoomSnapshot
	// Rejoined is set when the user was already on the roster.
	Rejoined bool
}

// Coordinator owns the table of live rooms keyed by join code. It never
// touches room state directly; every room operation runs on the room's own
// goroutine.
type Coordinator struct {
	cfg     Config
	outbox  *broker.Outbox
	stats   stats.StatsProvider
	logger  *zap.Logger
	codeGen CodeGenerator

	mu      sync.Mutex
	rooms   map[string]*Room
	closed  map[string]time.Time
	wg      sync.WaitGroup
	stopped bool
}

type Option func(*Coordinator)

func WithCodeGenerator(gen CodeGenerator) Option {
	return func(c *Coordinator) {
		c.codeGen = gen
	}
}

func NewCoordinator(cfg Config, pub Publisher, sp stats.StatsProvider, logger *zap.Logger, opts ...Option) *Coordinator {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 50
	}
	if cfg.JoinCodeRetries <= 0 {
		cfg.JoinCodeRetries = 8
	}
	if cfg.IdleRoomTimeout <= 0 {
		cfg.IdleRoomTimeout = 10 * time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ClosedCodeTTL <= 0 {
		cfg.ClosedCodeTTL = 10 * time.Minute
	}

	logger = logger.Named("room")
	co := &Coordinator{
		cfg:     cfg,
		outbox:  broker.NewOutbox(pub, cfg.OutboxSize, cfg.PublishTimeout, logger),
		stats:   sp,
		logger:  logger,
		codeGen: RandomCode,
		rooms:   make(map[string]*Room),
		closed:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(co)
	}
	sp.RegisterMetric(stats.NumActiveRooms)

	return co
}

// CreateRoom opens a room with host as player #1 and returns its snapshot.
func (co *Coordinator) CreateRoom(ctx context.Context, host types.User, connId, quizId string, capacity int) (types.RoomSnapshot, error) {
	if capacity <= 0 {
		capacity = co.cfg.DefaultCapacity
	}

	co.mu.Lock()
	if co.stopped {
		co.mu.Unlock()
		return types.RoomSnapshot{}, types.ErrUnavailable
	}

	code, err := co.allocateCode()
	if err != nil {
		co.mu.Unlock()
		return types.RoomSnapshot{}, err
	}

	r := newRoom(co, code, quizId, capacity, host, connId)
	co.rooms[code] = r
	delete(co.closed, code)
	co.wg.Add(1)
	co.mu.Unlock()

	go func() {
		defer co.wg.Done()
		r.start()
	}()
	co.stats.Incr(stats.NumActiveRooms)

	return co.Snapshot(ctx, code)
}

// allocateCode must be called with co.mu held.
func (co *Coordinator) allocateCode() (string, error) {
	for range co.cfg.JoinCodeRetries {
		code, err := co.codeGen()
		if err != nil {
			return "", types.ErrInternal.Wrap(fmt.Errorf("generate join code: %w", err))
		}
		code = NormalizeCode(code)
		if _, taken := co.rooms[code]; !taken {
			return code, nil
		}
		co.logger.Debug("join code collision", zap.String("code", code))
	}

	return "", types.ErrCapacityExceeded
}

func (co *Coordinator) JoinRoom(ctx context.Context, code string, user types.User, connId string) (JoinResult, error) {
	r, err := co.lookup(code)
	if err != nil {
		return JoinResult{}, err
	}

	reply := make(chan joinResult, 1)
	res, err := awaitReply(ctx, co, r, joinReq{user: user, connId: connId, reply: reply}, reply)
	if err != nil {
		return JoinResult{}, err
	}

	return res.res, res.err
}

func (co *Coordinator) LeaveRoom(ctx context.Context, code, userId string) error {
	r, err := co.lookup(code)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return co.await(ctx, r, leaveReq{userId: userId, reply: reply}, reply)
}

func (co *Coordinator) StartGame(ctx context.Context, code, userId string) error {
	r, err := co.lookup(code)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return co.await(ctx, r, startReq{userId: userId, reply: reply}, reply)
}

func (co *Coordinator) CloseRoom(ctx context.Context, code, userId string) error {
	r, err := co.lookup(code)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return co.await(ctx, r, closeReq{userId: userId, reason: types.CloseReasonHostClosed, reply: reply}, reply)
}

func (co *Coordinator) RelayRoomEvent(ctx context.Context, code, userId, name string, payload any) error {
	r, err := co.lookup(code)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return co.await(ctx, r, relayReq{userId: userId, name: name, payload: payload, reply: reply}, reply)
}

func (co *Coordinator) Snapshot(ctx context.Context, code string) (types.RoomSnapshot, error) {
	r, err := co.lookup(code)
	if err != nil {
		return types.RoomSnapshot{}, err
	}

	reply := make(chan types.RoomSnapshot, 1)
	return awaitReply(ctx, co, r, snapshotReq{reply: reply}, reply)
}

// Disconnected tells the room that connId of userId went away. It does not
// wait for the room to process it.
func (co *Coordinator) Disconnected(code, userId, connId string) {
	r, err := co.lookup(code)
	if err != nil {
		return
	}

	select {
	case r.inbox <- disconnectReq{userId: userId, connId: connId}:
	case <-r.done:
	default:
		// a full inbox must not stall the connection teardown
		go r.send(disconnectReq{userId: userId, connId: connId})
	}
}

func (co *Coordinator) NumRooms() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.rooms)
}

// Shutdown closes every live room, waits for their goroutines to exit and
// flushes the events they published.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	co.mu.Lock()
	co.stopped = true
	rooms := make([]*Room, 0, len(co.rooms))
	for _, r := range co.rooms {
		rooms = append(rooms, r)
	}
	co.mu.Unlock()

	for _, r := range rooms {
		reply := make(chan error, 1)
		if err := co.await(ctx, r, closeReq{reason: types.CloseReasonShutdown, force: true, reply: reply}, reply); err != nil {
			co.logger.Warn("closing room on shutdown", zap.String("room", r.code), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		co.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return co.outbox.Close(ctx)
}

func (co *Coordinator) lookup(code string) (*Room, error) {
	code = NormalizeCode(code)

	co.mu.Lock()
	defer co.mu.Unlock()

	if r, ok := co.rooms[code]; ok {
		return r, nil
	}

	if closedAt, ok := co.closed[code]; ok {
		if time.Since(closedAt) < co.cfg.ClosedCodeTTL {
			return nil, types.ErrRoomClosed
		}
		delete(co.closed, code)
	}

	return nil, types.ErrRoomNotFound
}

// remove is called by the room goroutine once the room is closed. The code
// becomes available for new rooms.
func (co *Coordinator) remove(r *Room) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if cur, ok := co.rooms[r.code]; ok && cur == r {
		delete(co.rooms, r.code)
		co.closed[r.code] = time.Now()
		co.stats.Decr(stats.NumActiveRooms)
	}

	for code, at := range co.closed {
		if time.Since(at) >= co.cfg.ClosedCodeTTL {
			delete(co.closed, code)
		}
	}
}

func (co *Coordinator) request(ctx context.Context, r *Room, msg any) error {
	select {
	case r.inbox <- msg:
		return nil
	case <-r.done:
		return types.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (co *Coordinator) await(ctx context.Context, r *Room, msg any, reply chan error) error {
	opErr, err := awaitReply(ctx, co, r, msg, reply)
	if err != nil {
		return err
	}
	return opErr
}

// awaitReply sends msg to r and waits for the answer on reply.
func awaitReply[T any](ctx context.Context, co *Coordinator, r *Room, msg any, reply chan T) (T, error) {
	var zero T
	if err := co.request(ctx, r, msg); err != nil {
		return zero, err
	}

	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		// the request may have been the one that closed the room
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, types.ErrRoomClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
