package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/npezzotti/quizhub/internal/types"
	"github.com/segmentio/kafka-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupId must be unique per node so that every node sees every
	// envelope and delivers it to its own connections.
	GroupId string
}

type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *zap.Logger
	once   sync.Once
}

type wireEnvelope struct {
	Key      string             `json:"key"`
	Audience Audience           `json:"audience"`
	Target   string             `json:"target"`
	Payload  msgpack.RawMessage `json:"payload"`
}

func NewKafka(cfg KafkaConfig, logger *zap.Logger) *Kafka {
	sugar := logger.Sugar()
	return &Kafka{
		// Async writes return once the message is batched. The Hash balancer
		// pins a key to one partition, so per key order survives batching.
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
			Completion:   writeCompletion(logger),
			ErrorLogger:  kafka.LoggerFunc(sugar.Errorf),
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupId,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     100 * time.Millisecond,
			StartOffset: kafka.LastOffset,
			ErrorLogger: kafka.LoggerFunc(sugar.Errorf),
		}),
		logger: logger,
	}
}

func (k *Kafka) Publish(ctx context.Context, env Envelope) error {
	value, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Key),
		Value: value,
	})
	if errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}

	return nil
}

// writeCompletion logs the batches an async writer failed to deliver.
func writeCompletion(logger *zap.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		keys := make([]string, len(msgs))
		for i, m := range msgs {
			keys[i] = string(m.Key)
		}
		logger.Error("kafka write failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (k *Kafka) Run(ctx context.Context, h Handler) error {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				// reader closed
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}

		env, err := decodeEnvelope(m.Value)
		if err != nil {
			k.logger.Error("dropping undecodable envelope",
				zap.Error(err),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
			)
			continue
		}

		h(ctx, env)
	}
}

func (k *Kafka) Close() error {
	var err error
	k.once.Do(func() {
		err = errors.Join(k.writer.Close(), k.reader.Close())
	})
	return err
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	if env.Event == nil {
		return nil, errors.New("envelope has no event")
	}

	payload, err := types.MarshalMsgpack(env.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Event.EventName(), err)
	}

	return types.MarshalMsgpack(wireEnvelope{
		Key:      env.Key,
		Audience: env.Audience,
		Target:   env.Event.EventName(),
		Payload:  payload,
	})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := types.UnmarshalMsgpack(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	ptr, err := types.NewEvent(w.Target)
	if err != nil {
		return Envelope{}, err
	}
	if err := types.UnmarshalMsgpack(w.Payload, ptr); err != nil {
		return Envelope{}, fmt.Errorf("decode %s: %w", w.Target, err)
	}

	ev, err := types.Deref(ptr)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Key: w.Key, Audience: w.Audience, Event: ev}, nil
}
