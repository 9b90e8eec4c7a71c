package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BrokerLocal = "local"
	BrokerKafka = "kafka"

	OverflowDropOldest = "drop-oldest"
	OverflowDisconnect = "disconnect"
)

type Config struct {
	ServerAddr       string   `env:"ADDR" envDefault:"localhost:8000"`
	DatabaseDSN      string   `env:"DATABASE_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	MigrateOnStart   bool     `env:"MIGRATE_ON_START" envDefault:"true"`
	SigningKeyBase64 string   `env:"SIGNING_KEY"`
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	SigningKey       []byte

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Broker       string   `env:"BROKER" envDefault:"local"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"quizhub-events"`
	NodeId       int64    `env:"NODE_ID" envDefault:"1"`

	NegotiateTimeout   time.Duration `env:"NEGOTIATE_TIMEOUT" envDefault:"30s"`
	HeartbeatTimeout   time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
	JanitorInterval    time.Duration `env:"JANITOR_INTERVAL" envDefault:"10s"`
	JoinCodeRetries    int           `env:"JOIN_CODE_RETRIES" envDefault:"8"`
	RoomCapacity       int           `env:"ROOM_CAPACITY" envDefault:"50"`
	IdleRoomTimeout    time.Duration `env:"IDLE_ROOM_TIMEOUT" envDefault:"10m"`
	RosterGraceTimeout time.Duration `env:"ROSTER_GRACE_TIMEOUT" envDefault:"0s"`
	ChannelIdleTimeout time.Duration `env:"CHANNEL_IDLE_TIMEOUT" envDefault:"5m"`
	UnreadCacheTTL     time.Duration `env:"UNREAD_CACHE_TTL" envDefault:"10m"`
	PublishTimeout     time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
	OutboxSize         int           `env:"OUTBOX_SIZE" envDefault:"4096"`
	HistoryMaxLimit    int           `env:"HISTORY_MAX_LIMIT" envDefault:"100"`
	BackfillBatchSize  int           `env:"BACKFILL_BATCH_SIZE" envDefault:"200"`
	SendBufferSize     int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	OverflowPolicy     string        `env:"OVERFLOW_POLICY" envDefault:"drop-oldest"`

	NegotiateRateLimit  int           `env:"NEGOTIATE_RATE_LIMIT" envDefault:"30"`
	NegotiateRateWindow time.Duration `env:"NEGOTIATE_RATE_WINDOW" envDefault:"1m"`

	Log LogConfig `envPrefix:"LOG_"`
}

type LogConfig struct {
	Mode       string `env:"MODE" envDefault:"dev"`
	Level      string `env:"LEVEL" envDefault:"info"`
	FileName   string `env:"FILE"`
	MaxSize    int    `env:"MAX_SIZE" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
	MaxAge     int    `env:"MAX_AGE" envDefault:"30"`
}

// Load reads the configuration from QUIZHUB_ prefixed environment variables.
// The result still has to pass Validate before use.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "QUIZHUB_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks required settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningKeyBase64 == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningKeyBase64)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.Broker {
	case BrokerLocal:
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka broker requires at least one broker address")
		}
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}

	switch c.OverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.OverflowPolicy)
	}

	if c.NegotiateTimeout <= 0 || c.HeartbeatTimeout <= 0 || c.JanitorInterval <= 0 {
		return fmt.Errorf("negotiate, heartbeat and janitor intervals must be positive")
	}
	if c.IdleRoomTimeout <= 0 || c.ChannelIdleTimeout <= 0 {
		return fmt.Errorf("room and channel idle timeouts must be positive")
	}
	if c.UnreadCacheTTL <= 0 || c.PublishTimeout <= 0 || c.OutboxSize < 1 {
		return fmt.Errorf("unread cache ttl, publish timeout and outbox size must be positive")
	}
	if c.JoinCodeRetries <= 0 {
		return fmt.Errorf("join code retries must be positive")
	}
	if c.RoomCapacity < 1 {
		return fmt.Errorf("room capacity must be at least 1")
	}
	if c.HistoryMaxLimit < 1 || c.BackfillBatchSize < 1 || c.SendBufferSize < 1 {
		return fmt.Errorf("history limit, backfill batch and send buffer must be positive")
	}
	if c.NodeId < 0 || c.NodeId > 1023 {
		return fmt.Errorf("node id must be between 0 and 1023")
	}

	return nil
}
