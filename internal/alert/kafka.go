package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes alerts as JSON to a topic, keyed by subject so
// alerts about one booking stay on one partition.  Every alert is also
// logged, so a broker outage never hides one.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *LogPublisher
	log    *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, l *zap.Logger) *KafkaPublisher {
	if l == nil {
		l = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Logger:       zap.NewStdLog(l.With(zap.String("kafka_component", "alert-producer"))),
	}
	l.Info("Kafka alert producer initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newKafkaPublisher(writer, topic, l)
}

func newKafkaPublisher(w messageWriter, topic string, l *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: NewLogPublisher(l), log: l}
}

func (p *KafkaPublisher) Publish(ctx context.Context, a Alert) error {
	_ = p.logger.Publish(ctx, a)

	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(a.Subject),
		Value: value,
		Time:  a.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(a.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Failed to produce alert to Kafka topic", zap.String("topic", p.topic), zap.Error(err))
		return fmt.Errorf("failed to produce alert: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka alert producer: %w", err)
	}
	return nil
}
