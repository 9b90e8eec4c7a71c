package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/npezzotti/quizhub/internal/api"
	"github.com/npezzotti/quizhub/internal/auth"
	"github.com/npezzotti/quizhub/internal/broker"
	"github.com/npezzotti/quizhub/internal/cache"
	"github.com/npezzotti/quizhub/internal/channel"
	"github.com/npezzotti/quizhub/internal/config"
	"github.com/npezzotti/quizhub/internal/database"
	"github.com/npezzotti/quizhub/internal/logging"
	"github.com/npezzotti/quizhub/internal/room"
	"github.com/npezzotti/quizhub/internal/server"
	"github.com/npezzotti/quizhub/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	// memoryDSN keeps chat history in process, for local development only.
	memoryDSN = "memory"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalln("config:", err)
	}
	if cfg.SigningKeyBase64 == "" {
		cfg.SigningKeyBase64 = defaultSigningKey
	}

	flag.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, `database connection string, or "memory"`)
	flag.StringVar(&cfg.SigningKeyBase64, "signing-key", cfg.SigningKeyBase64, "base64 encoded signing key")
	flag.Var((*stringSliceFlag)(&cfg.AllowedOrigins), "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address, unset to run without a cache")
	flag.StringVar(&cfg.Broker, "broker", cfg.Broker, "event broker: local or kafka")
	flag.Int64Var(&cfg.NodeId, "node-id", cfg.NodeId, "node id for message ids, unique per node")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalln("config:", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalln("logger:", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	health := make(map[string]api.Pinger)

	repo, closeRepo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()
	health["database"] = repo

	var (
		unread  cache.UnreadCache = cache.NoopUnreadCache{}
		limiter cache.Limiter     = cache.NoopLimiter{}
	)
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rc.Close()

		unread = cache.NewRedisUnreadCache(rc, cfg.UnreadCacheTTL)
		limiter = cache.NewFixedWindowLimiter(rc, "negotiate", cfg.NegotiateRateLimit, cfg.NegotiateRateWindow)
		health["redis"] = rc
		logger.Info("redis cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	br, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer br.Close()

	ids, err := snowflake.NewNode(cfg.NodeId)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	rooms := room.NewCoordinator(room.Config{
		DefaultCapacity:    cfg.RoomCapacity,
		JoinCodeRetries:    cfg.JoinCodeRetries,
		IdleRoomTimeout:    cfg.IdleRoomTimeout,
		RosterGraceTimeout: cfg.RosterGraceTimeout,
		PublishTimeout:     cfg.PublishTimeout,
		OutboxSize:         cfg.OutboxSize,
	}, br, statsUpdater, logger)

	chat := channel.NewStore(channel.Config{
		HistoryMaxLimit:    cfg.HistoryMaxLimit,
		BackfillBatchSize:  cfg.BackfillBatchSize,
		ChannelIdleTimeout: cfg.ChannelIdleTimeout,
		PublishTimeout:     cfg.PublishTimeout,
		OutboxSize:         cfg.OutboxSize,
	}, repo, unread, ids, br, statsUpdater, logger)

	authn := auth.NewJWTAuthenticator(cfg.SigningKey, "")
	hub, err := server.NewServer(server.Config{
		NegotiateTimeout: cfg.NegotiateTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		JanitorInterval:  cfg.JanitorInterval,
		SendBufferSize:   cfg.SendBufferSize,
		OverflowPolicy:   cfg.OverflowPolicy,
	}, authn, rooms, chat, br, statsUpdater, logger)
	if err != nil {
		return fmt.Errorf("new server: %w", err)
	}

	srv := api.NewServer(mux, logger, hub, rooms, authn, limiter, health, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.NamedError("cause", context.Cause(gctx)))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return errors.Join(
			srv.Shutdown(shutdownCtx),
			hub.Shutdown(shutdownCtx),
			rooms.Shutdown(shutdownCtx),
			chat.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

// openRepository connects to Postgres, or to the in-process store when the
// DSN is "memory".
func openRepository(cfg *config.Config, logger *zap.Logger) (database.Repository, func(), error) {
	if cfg.DatabaseDSN == memoryDSN {
		logger.Warn("using in-memory repository, chat history will not survive a restart")
		return database.NewMemoryRepository(), func() {}, nil
	}

	db, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	return db, func() {
		if err := db.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}, nil
}

func newBroker(cfg *config.Config, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		logger.Info("using kafka broker", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
		return broker.NewKafka(broker.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupId: fmt.Sprintf("quizhub-node-%d", cfg.NodeId),
		}, logger), nil
	case config.BrokerLocal:
		return broker.NewLocal(1024), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nFlags override QUIZHUB_ environment variables.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
