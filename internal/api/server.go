package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/cache"
	"github.com/npezzotti/quizhub/internal/config"
	"github.com/npezzotti/quizhub/internal/logging"
	"github.com/npezzotti/quizhub/internal/server"
	"github.com/npezzotti/quizhub/internal/types"
	"go.uber.org/zap"
)

// Hub is the connection layer the HTTP endpoints hand off to.
type Hub interface {
	Negotiate(hub types.Hub) (server.NegotiateResponse, error)
	Connect(ctx context.Context, hub types.Hub, connectionToken, authToken string) (server.Session, error)
	Serve(sess server.Session, conn server.Conn, codec server.Codec) (*server.Client, error)
}

type RoomReader interface {
	Snapshot(ctx context.Context, code string) (types.RoomSnapshot, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	logger         *zap.Logger
	hub            Hub
	rooms          RoomReader
	authn          auth.Authenticator
	limiter        cache.Limiter
	health         map[string]Pinger
	allowedOrigins []string
	srv            *http.Server
}

// NewServer registers the HTTP routes on mux. The caller may have put other
// handlers, such as the metrics endpoint, on mux already.
func NewServer(mux *http.ServeMux, logger *zap.Logger, hub Hub, rooms RoomReader, authn auth.Authenticator, limiter cache.Limiter, health map[string]Pinger, cfg *config.Config) *Server {
	if limiter == nil {
		limiter = cache.NoopLimiter{}
	}

	s := &Server{
		logger:         logger.Named("api"),
		hub:            hub,
		rooms:          rooms,
		authn:          authn,
		limiter:        limiter,
		health:         health,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /{hub}/negotiate", s.rateLimit(http.HandlerFunc(s.negotiate)))
	mux.HandleFunc("GET /{hub}", s.serveWs)
	mux.Handle("GET /api/rooms/{code}", s.authMiddleware(s.getRoom))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.ProxyHeaders(h)
	h = logging.AccessLog(s.logger, h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
