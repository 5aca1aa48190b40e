package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"crashpool/internal/metrics"
)

// Sink is an outbound destination for bus events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Forward drains ch into sink until ch is closed or ctx is done. Sink errors
// are logged and counted; the core never waits on a sink.
func Forward(ctx context.Context, ch <-chan Event, sink Sink, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := sink.Publish(pubCtx, e); err != nil {
				metrics.EventsDropped.WithLabelValues(sink.Name()).Inc()
				log.Warn("[EVENTS] sink publish failed",
					zap.String("sink", sink.Name()), zap.String("kind", string(e.Kind)),
					zap.Uint64("round_id", e.RoundID), zap.Uint64("seq", e.Seq), zap.Error(err))
			}
			cancel()
		}
	}
}

// RedisSink publishes events as JSON on a Redis pub/sub channel for other
// gateway instances.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Close is a no-op; the client is owned by the cache service.
func (s *RedisSink) Close() error { return nil }

// SettlementKinds are the events written to Kafka for downstream accounting.
var SettlementKinds = map[Kind]bool{
	KindRoundResolved:     true,
	KindRoundAborted:      true,
	KindFairnessViolation: true,
	KindFeeAccrued:        true,
	KindRewardsClaimed:    true,
	KindLpStaked:          true,
	KindLpUnstaked:        true,
}

// IsSettlement is a Subscribe filter for SettlementKinds.
func IsSettlement(e Event) bool {
	return SettlementKinds[e.Kind]
}

// KafkaSink writes events keyed by stream id, so each round's events stay
// ordered within one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(e.RoundID, 10)),
		Value: payload,
		Time:  e.At,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
