// Package alert carries operational alerts: dead-lettered messages,
// permanent delivery failures and outbox rows stuck behind an unavailable
// queue.  Alerts go to a Kafka topic when brokers are configured and to the
// log otherwise.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kinds of alert raised by this service.
const (
	KindDeadLetter       = "dead_letter"
	KindPermanentFailure = "permanent_failure"
	KindOutboxStuck      = "outbox_stuck"
	KindUnhandled        = "unhandled_operation"
)

// Alert is one operational event.  Subject is the id the alert is about
// (message or booking id) and doubles as the Kafka message key.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Queue    string            `json:"queue,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// Publisher delivers alerts.  Implementations must be safe for concurrent
// use; callers log and continue when Publish fails.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
	Close() error
}

// LogPublisher writes alerts to the structured log.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.With(zap.String("component", "alert"))}
}

func (p *LogPublisher) Publish(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", a.Kind),
		zap.String("subject", a.Subject),
		zap.String("queue", a.Queue),
		zap.Int("attempts", a.Attempts),
		zap.Any("details", a.Details),
	}
	if a.Severity == SeverityCritical {
		p.log.Error(a.Message, fields...)
	} else {
		p.log.Warn(a.Message, fields...)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
