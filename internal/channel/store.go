package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/cache"
	"github.com/npezzotti/quizhub/internal/database"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

// Publisher hands events to the delivery layer.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

type Config struct {
	HistoryMaxLimit    int
	BackfillBatchSize  int
	ChannelIdleTimeout time.Duration
	PublishTimeout     time.Duration
	MaxMessageLength   int
	// OutboxSize bounds the events queued for the broker.
	OutboxSize int
}

// Store is the chat side of the service: it appends to group logs, serves
// history and backfill, and tracks read cursors.
type Store struct {
	cfg    Config
	repo   database.Repository
	cache  cache.UnreadCache
	ids    *snowflake.Node
	outbox *broker.Outbox
	stats  stats.StatsProvider
	logger *zap.Logger

	mu       sync.Mutex
	channels map[int64]*Channel
	stop     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

func NewStore(cfg Config, repo database.Repository, uc cache.UnreadCache, ids *snowflake.Node, pub Publisher, sp stats.StatsProvider, logger *zap.Logger) *Store {
	if cfg.HistoryMaxLimit <= 0 {
		cfg.HistoryMaxLimit = 100
	}
	if cfg.BackfillBatchSize <= 0 {
		cfg.BackfillBatchSize = 200
	}
	if cfg.ChannelIdleTimeout <= 0 {
		cfg.ChannelIdleTimeout = 5 * time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	if uc == nil {
		uc = cache.NoopUnreadCache{}
	}

	sp.RegisterMetric(stats.NumActiveChannels)
	sp.RegisterMetric(stats.NumMessages)

	logger = logger.Named("channel")
	return &Store{
		cfg:      cfg,
		repo:     repo,
		cache:    uc,
		ids:      ids,
		outbox:   broker.NewOutbox(pub, cfg.OutboxSize, cfg.PublishTimeout, logger),
		stats:    sp,
		logger:   logger,
		channels: make(map[int64]*Channel),
		stop:     make(chan struct{}),
	}
}

// AppendMessage stores body as the next message of groupId and fans it out
// to the group's members.
func (s *Store) AppendMessage(ctx context.Context, userId string, groupId int64, body, clientMessageId string) (types.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return types.Message{}, types.ErrInvalidPayload.WithMessage("message is empty")
	}
	if len(body) > s.cfg.MaxMessageLength {
		return types.Message{}, types.ErrInvalidPayload.WithMessage("message is too long")
	}

	if err := s.Authorize(ctx, userId, groupId); err != nil {
		return types.Message{}, err
	}

	params := database.AppendMessageParams{
		MessageId:       s.ids.Generate().Int64(),
		GroupId:         groupId,
		UserId:          userId,
		Body:            body,
		ClientMessageId: clientMessageId,
		CreatedAt:       types.Now(),
	}

	for {
		c, err := s.channel(groupId)
		if err != nil {
			return types.Message{}, err
		}

		reply := make(chan appendResult, 1)
		select {
		case c.inbox <- appendReq{ctx: ctx, params: params, reply: reply}:
		case <-c.done:
			continue
		case <-ctx.Done():
			return types.Message{}, ctx.Err()
		}

		select {
		case res := <-reply:
			return res.msg, res.err
		case <-c.done:
			select {
			case res := <-reply:
				return res.msg, res.err
			default:
				// unloaded before our request was picked up
				continue
			}
		case <-ctx.Done():
			return types.Message{}, ctx.Err()
		}
	}
}

// LoadHistory returns page of the group's history counted back from
// watermark. Page p holds sequences (W-p*limit, W-(p-1)*limit] in ascending
// order. A watermark <= 0 pins the current latest sequence.
func (s *Store) LoadHistory(ctx context.Context, userId string, groupId int64, page, limit int, watermark int64) (types.LoadMessageHistory, error) {
	if err := s.Authorize(ctx, userId, groupId); err != nil {
		return types.LoadMessageHistory{}, err
	}

	limit = min(max(limit, 1), s.cfg.HistoryMaxLimit)
	page = max(page, 1)

	latest, err := s.repo.LatestSequence(ctx, groupId)
	if err != nil {
		return types.LoadMessageHistory{}, types.ErrUnavailable.Wrap(err)
	}
	if watermark <= 0 || watermark > latest {
		watermark = latest
	}

	hist := types.LoadMessageHistory{
		Messages:   []types.Message{},
		Page:       page,
		TotalPages: totalPages(watermark, limit),
		Watermark:  watermark,
	}

	hi := watermark - int64(page-1)*int64(limit)
	if hi <= 0 {
		return hist, nil
	}
	lo := max(hi-int64(limit), 0)

	msgs, err := s.repo.MessagesInRange(ctx, groupId, lo, hi)
	if err != nil {
		return types.LoadMessageHistory{}, types.ErrUnavailable.Wrap(err)
	}
	hist.Messages = msgs

	return hist, nil
}

func totalPages(watermark int64, limit int) int {
	if watermark <= 0 {
		return 0
	}
	return int((watermark + int64(limit) - 1) / int64(limit))
}

// Backfill returns the messages after afterSequence, at most one batch.
// Clients repeat the call while HasMore is set.
func (s *Store) Backfill(ctx context.Context, userId string, groupId, afterSequence int64) (types.Backfill, error) {
	if err := s.Authorize(ctx, userId, groupId); err != nil {
		return types.Backfill{}, err
	}

	afterSequence = max(afterSequence, 0)
	msgs, err := s.repo.MessagesAfter(ctx, groupId, afterSequence, s.cfg.BackfillBatchSize+1)
	if err != nil {
		return types.Backfill{}, types.ErrUnavailable.Wrap(err)
	}

	latest, err := s.repo.LatestSequence(ctx, groupId)
	if err != nil {
		return types.Backfill{}, types.ErrUnavailable.Wrap(err)
	}

	hasMore := len(msgs) > s.cfg.BackfillBatchSize
	if hasMore {
		msgs = msgs[:s.cfg.BackfillBatchSize]
	}

	return types.Backfill{
		GroupId:        groupId,
		Messages:       msgs,
		HasMore:        hasMore,
		LatestSequence: latest,
	}, nil
}

// Authorize fails with ErrChannelAccessDenied unless userId is a member of
// groupId.
func (s *Store) Authorize(ctx context.Context, userId string, groupId int64) error {
	ok, err := s.repo.IsMember(ctx, userId, groupId)
	if err != nil {
		return types.ErrUnavailable.Wrap(fmt.Errorf("check membership: %w", err))
	}
	if !ok {
		return types.ErrChannelAccessDenied
	}
	return nil
}

func (s *Store) channel(groupId int64) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, types.ErrUnavailable
	}

	if c, ok := s.channels[groupId]; ok {
		return c, nil
	}

	c := newChannel(s, groupId)
	s.channels[groupId] = c
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.start(s.stop)
	}()
	s.stats.Incr(stats.NumActiveChannels)

	return c, nil
}

// unload removes c from the table unless it has pending work.
func (s *Store) unload(c *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(c.inbox) > 0 {
		return false
	}
	if cur, ok := s.channels[c.id]; ok && cur == c {
		delete(s.channels, c.id)
		s.stats.Decr(stats.NumActiveChannels)
	}
	return true
}

func (s *Store) NumChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Shutdown stops every channel goroutine after it has answered the requests
// already queued, then flushes the events they published.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.outbox.Close(ctx)
}

// publish queues env behind the events already published by this store.
func (s *Store) publish(env broker.Envelope) {
	s.outbox.Send(env)
}

func groupKey(groupId int64) string {
	return fmt.Sprintf("group:%d", groupId)
}
