package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/config"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

type Config struct {
	NegotiateTimeout time.Duration
	HeartbeatTimeout time.Duration
	JanitorInterval  time.Duration
	SendBufferSize   int
	OverflowPolicy   string
}

func (c *Config) setDefaults() {
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 10 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = config.OverflowDropOldest
	}
}

// Server owns the live connections of this node: it negotiates and attaches
// them, routes their invocations to the room and chat services and delivers
// broker events to them.
type Server struct {
	cfg        Config
	gateway    *Gateway
	presence   *Presence
	dispatcher *Dispatcher
	broker     broker.Broker
	rooms      RoomService
	chat       ChatService
	binder     *binder
	handlers   map[types.Hub]map[string]handlerFunc
	stats      stats.StatsProvider
	logger     *zap.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

func NewServer(cfg Config, authn auth.Authenticator, rooms RoomService, chat ChatService, br broker.Broker, sp stats.StatsProvider, logger *zap.Logger) (*Server, error) {
	cfg.setDefaults()

	gw, err := NewGateway(cfg.NegotiateTimeout, authn, sp, logger)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	presence := NewPresence()
	s := &Server{
		cfg:        cfg,
		gateway:    gw,
		presence:   presence,
		dispatcher: NewDispatcher(presence, logger),
		broker:     br,
		rooms:      rooms,
		chat:       chat,
		binder:     newBinder(),
		stats:      sp,
		logger:     logger.Named("server"),
	}
	s.registerHandlers()
	sp.RegisterMetric(stats.NumConnections)
	sp.RegisterMetric(stats.NumDroppedEvents)

	return s, nil
}

func (s *Server) Negotiate(hub types.Hub) (NegotiateResponse, error) {
	return s.gateway.Negotiate(hub)
}

func (s *Server) Connect(ctx context.Context, hub types.Hub, connectionToken, authToken string) (Session, error) {
	return s.gateway.Connect(ctx, hub, connectionToken, authToken)
}

// Serve attaches an upgraded transport to sess and starts its pumps.
func (s *Server) Serve(sess Session, conn Conn, codec Codec) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return nil, types.ErrUnavailable.WithMessage("server is shutting down")
	}

	c := newClient(sess, conn, codec, s)
	s.presence.Add(c)
	s.stats.Incr(stats.NumConnections)
	c.logger.Info("connection attached", zap.String("hub", string(sess.Hub)), zap.String("protocol", codec.Name()))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.Write()
	}()
	go func() {
		defer s.wg.Done()
		c.Read()
	}()

	return c, nil
}

// detach releases everything c held on this node. Rooms keep the player on
// their roster; they only learn the connection is gone.
func (s *Server) detach(c *Client) {
	if !s.presence.Remove(c) {
		return
	}
	s.stats.Decr(stats.NumConnections)

	for _, code := range c.roomCodes() {
		s.rooms.Disconnected(code, c.user.Id, c.id)
	}
	c.logger.Info("connection detached")
}

func (s *Server) NumConnections() int {
	return s.presence.Count()
}

// Run consumes the broker and sweeps stale connections and negotiations
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.broker.Run(ctx, s.dispatcher.Deliver)
	}()

	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("broker: %w", err)
			}
			<-ctx.Done()
			return nil
		case <-ctx.Done():
			<-errc
			return nil
		}
	}
}

// sweep closes connections that missed their heartbeat window and drops
// expired negotiations.
func (s *Server) sweep() {
	if n := s.gateway.expire(); n > 0 {
		s.logger.Debug("expired negotiations", zap.Int("count", n))
	}

	deadline := time.Now().Add(-s.cfg.HeartbeatTimeout)
	for _, c := range s.presence.All() {
		if c.LastSeen().Before(deadline) {
			c.logger.Info("heartbeat timeout")
			c.Close("heartbeat timeout")
		}
	}
}

// Shutdown closes every connection and waits for their pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.logger.Info("closing connections", zap.Int("count", s.presence.Count()))
	for _, c := range s.presence.All() {
		c.Close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
