package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/stats"
	"github.com/npezzotti/quizhub/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

var availableTransports = []string{"WebSockets"}

type NegotiateResponse struct {
	ConnectionId        string   `json:"connectionId"`
	ConnectionToken     string   `json:"connectionToken"`
	AvailableTransports []string `json:"availableTransports"`
	Protocols           []string `json:"protocols"`
	ExpiresAt           string   `json:"expiresAt"`
}

// Session is the outcome of a successful Connect: a connection id bound to
// an authenticated user on one hub.
type Session struct {
	ConnectionId string
	Hub          types.Hub
	User         types.User
}

type negotiation struct {
	connId  string
	hub     types.Hub
	expires time.Time
}

// Gateway issues connection tokens and trades them, together with an auth
// token, for a Session. Tokens are single use and expire after
// NegotiateTimeout.
type Gateway struct {
	timeout time.Duration
	authn   auth.Authenticator
	ids     *shortid.Shortid
	stats   stats.StatsProvider
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]negotiation
}

func NewGateway(timeout time.Duration, authn auth.Authenticator, sp stats.StatsProvider, logger *zap.Logger) (*Gateway, error) {
	ids, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}

	sp.RegisterMetric(stats.NumPendingNegotiations)

	return &Gateway{
		timeout: timeout,
		authn:   authn,
		ids:     ids,
		stats:   sp,
		logger:  logger.Named("gateway"),
		now:     time.Now,
		pending: make(map[string]negotiation),
	}, nil
}

func (g *Gateway) Negotiate(hub types.Hub) (NegotiateResponse, error) {
	if !hub.Valid() {
		return NegotiateResponse{}, types.ErrInvalidPayload.WithMessage("unknown hub")
	}

	connId, err := g.ids.Generate()
	if err != nil {
		return NegotiateResponse{}, types.ErrInternal.Wrap(err)
	}
	token := uuid.NewString()
	expires := g.now().Add(g.timeout)

	g.mu.Lock()
	g.pending[token] = negotiation{connId: connId, hub: hub, expires: expires}
	g.mu.Unlock()
	g.stats.Incr(stats.NumPendingNegotiations)

	g.logger.Debug("negotiated", zap.String("hub", string(hub)), zap.String("conn", connId))

	return NegotiateResponse{
		ConnectionId:        connId,
		ConnectionToken:     token,
		AvailableTransports: availableTransports,
		Protocols:           []string{ProtocolJSON, ProtocolMessagePack},
		ExpiresAt:           expires.UTC().Format(time.RFC3339),
	}, nil
}

// Connect consumes connectionToken and authenticates authToken. The token
// is spent even when authentication fails.
func (g *Gateway) Connect(ctx context.Context, hub types.Hub, connectionToken, authToken string) (Session, error) {
	g.mu.Lock()
	n, ok := g.pending[connectionToken]
	if ok {
		delete(g.pending, connectionToken)
	}
	g.mu.Unlock()

	if !ok {
		return Session{}, types.ErrNegotiationExpired
	}
	g.stats.Decr(stats.NumPendingNegotiations)

	if g.now().After(n.expires) || n.hub != hub {
		return Session{}, types.ErrNegotiationExpired
	}

	user, err := g.authn.Authenticate(ctx, authToken)
	if err != nil {
		return Session{}, err
	}

	return Session{ConnectionId: n.connId, Hub: hub, User: user}, nil
}

// expire drops negotiations whose window has passed and returns how many.
func (g *Gateway) expire() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for token, neg := range g.pending {
		if now.After(neg.expires) {
			delete(g.pending, token)
			g.stats.Decr(stats.NumPendingNegotiations)
			n++
		}
	}
	return n
}

func (g *Gateway) NumPending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
