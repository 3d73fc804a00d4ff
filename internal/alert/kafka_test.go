package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisher_WritesKeyedJSON(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, "alerts", zap.NewNop())
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Alert{
		Kind: KindDeadLetter, Severity: SeverityCritical, Subject: "m1",
		Queue: "notifications.email", Attempts: 5, Message: "message dead-lettered", At: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("m1"), w.msgs[0].Key)

	var got Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, KindDeadLetter, got.Kind)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "kind", w.msgs[0].Headers[0].Key)
}

func TestKafkaPublisher_FailureStillLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w := &recordingWriter{err: assert.AnError}
	p := newKafkaPublisher(w, "alerts", zap.New(core))

	err := p.Publish(context.Background(), Alert{Kind: KindOutboxStuck, Severity: SeverityWarning, Subject: "b1", Message: "outbox stuck"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, logs.FilterMessage("outbox stuck").Len())
	assert.Equal(t, 1, logs.FilterMessage("Failed to produce alert to Kafka topic").Len())
}
