// Package outbox moves booking notifications from the transactional outbox
// to the booking task queue.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/alert"
	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/queue"
)

// Store is the outbox side of the booking store.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, seq int64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, seq int64, reason string) (int, error)
}

// Config tunes the forwarder.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// AlertAfter raises an alert every time a row's failed attempts reach a
	// multiple of it.
	AlertAfter int
}

// Forwarder polls pending rows in sequence order and enqueues them keyed by
// booking id.  A row that fails stays pending and blocks later rows of the
// same booking for the rest of the batch, so per-booking order survives
// queue outages.  A crash between enqueue and mark re-sends the row;
// consumers deduplicate.
type Forwarder struct {
	store  Store
	q      queue.Queue
	alerts alert.Publisher
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewForwarder(store Store, q queue.Queue, alerts alert.Publisher, cfg Config, log *zap.Logger) *Forwarder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	if alerts == nil {
		alerts = alert.NewLogPublisher(log)
	}
	return &Forwarder{
		store:  store,
		q:      q,
		alerts: alerts,
		cfg:    cfg,
		log:    log.With(zap.String("component", "outbox")),
		now:    time.Now,
	}
}

// Run forwards until ctx is cancelled.  A batch that came back full is
// followed immediately by the next one.
func (f *Forwarder) Run(ctx context.Context) error {
	f.log.Info("outbox forwarder started", zap.Duration("interval", f.cfg.PollInterval))
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := f.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			f.log.Error("outbox flush failed", zap.Error(err))
		}
		if n == f.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			f.log.Info("outbox forwarder stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush forwards one batch and returns the number of rows read.
func (f *Forwarder) Flush(ctx context.Context) (int, error) {
	rows, err := f.store.PendingOutbox(ctx, f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	blocked := make(map[string]bool)
	for _, row := range rows {
		if ctx.Err() != nil {
			return len(rows), ctx.Err()
		}
		if blocked[row.BookingID] {
			continue
		}
		if _, err := f.q.Enqueue(ctx, row.BookingID, row.Payload); err != nil {
			blocked[row.BookingID] = true
			f.fail(ctx, row, err)
			continue
		}
		if err := f.store.MarkOutboxSent(ctx, row.Seq, f.now().UTC()); err != nil {
			f.log.Warn("outbox row forwarded but not marked; it will be sent again",
				zap.Int64("seq", row.Seq), zap.String("message_id", row.MessageID), zap.Error(err))
			blocked[row.BookingID] = true
			continue
		}
		f.log.Debug("outbox row forwarded",
			zap.Int64("seq", row.Seq),
			zap.String("booking_id", row.BookingID),
			zap.String("operation", row.Operation.String()))
	}
	return len(rows), nil
}

func (f *Forwarder) fail(ctx context.Context, row model.OutboxMessage, cause error) {
	attempts, err := f.store.MarkOutboxFailed(ctx, row.Seq, cause.Error())
	if err != nil {
		f.log.Error("outbox failure not recorded", zap.Int64("seq", row.Seq), zap.Error(err))
		attempts = row.Attempts + 1
	}
	f.log.Warn("outbox enqueue failed",
		zap.Int64("seq", row.Seq),
		zap.String("booking_id", row.BookingID),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if attempts%f.cfg.AlertAfter != 0 {
		return
	}
	a := alert.Alert{
		Kind:     alert.KindOutboxStuck,
		Severity: alert.SeverityCritical,
		Subject:  row.BookingID,
		Queue:    f.q.Name(),
		Attempts: attempts,
		Message:  "booking notification cannot reach the queue",
		Details: map[string]string{
			"messageId": row.MessageID,
			"operation": row.Operation.String(),
			"error":     cause.Error(),
		},
		At: f.now().UTC(),
	}
	if err := f.alerts.Publish(ctx, a); err != nil {
		f.log.Error("alert publish failed", zap.Error(err))
	}
}
