package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/booking-notifications/internal/model"
)

// BookingRepo stores bookings, events and the outbox in MySQL.  Statuses are
// stored by name; metadata is a JSON column.  All timestamps are UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to db.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, event_id, attendee_id, attendee_email, attendee_phone, status,
	capacity_consumed, metadata, version, created_at, transitioned_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b        model.Booking
		status   string
		metadata sql.NullString
	)
	err := row.Scan(&b.ID, &b.EventID, &b.AttendeeID, &b.AttendeeEmail, &b.AttendeePhone, &status,
		&b.CapacityConsumed, &metadata, &b.Version, &b.CreatedAt, &b.TransitionedAt)
	if err != nil {
		return nil, err
	}
	if err := b.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &b, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Load fetches a booking by id.
func (r *BookingRepo) Load(ctx context.Context, id string) (*model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Persistence("load booking", err)
	}
	return b, nil
}

// Save inserts (expectedVersion 0) or updates the booking and writes msg in
// the same transaction.
func (r *BookingRepo) Save(ctx context.Context, b *model.Booking, expectedVersion int64, msg *model.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Persistence("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	meta, err := encodeMetadata(b.Metadata)
	if err != nil {
		return model.Persistence("encode metadata", err)
	}

	if expectedVersion == 0 {
		const ins = `INSERT INTO bookings (id, event_id, attendee_id, attendee_email, attendee_phone, status,
			capacity_consumed, metadata, version, created_at, transitioned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`
		_, err := tx.ExecContext(ctx, ins, b.ID, b.EventID, b.AttendeeID, b.AttendeeEmail, b.AttendeePhone,
			b.Status.String(), b.CapacityConsumed, meta, b.CreatedAt.UTC(), b.TransitionedAt.UTC())
		if isDuplicate(err) {
			return model.ErrVersionConflict
		}
		if err != nil {
			return model.Persistence("insert booking", err)
		}
	} else {
		const upd = `UPDATE bookings SET attendee_email = ?, attendee_phone = ?, status = ?, capacity_consumed = ?,
			metadata = ?, version = version + 1, transitioned_at = ?
			WHERE id = ? AND version = ?`
		res, err := tx.ExecContext(ctx, upd, b.AttendeeEmail, b.AttendeePhone, b.Status.String(),
			b.CapacityConsumed, meta, b.TransitionedAt.UTC(), b.ID, expectedVersion)
		if err != nil {
			return model.Persistence("update booking", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.Persistence("update booking", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE id = ?`, b.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			if err != nil {
				return model.Persistence("update booking", err)
			}
			return model.ErrVersionConflict
		}
	}

	if msg != nil {
		const ins = `INSERT INTO outbox_messages (message_id, booking_id, operation, payload, status, attempts, created_at)
			VALUES (?, ?, ?, ?, 'PENDING', 0, ?)`
		res, err := tx.ExecContext(ctx, ins, msg.MessageID, msg.BookingID, string(msg.Operation), msg.Payload, msg.CreatedAt.UTC())
		if err != nil {
			return model.Persistence("insert outbox", err)
		}
		if seq, err := res.LastInsertId(); err == nil {
			msg.Seq = seq
		}
		msg.Status = model.OutboxPending
	}

	if err := tx.Commit(); err != nil {
		return model.Persistence("commit", err)
	}
	b.Version = expectedVersion + 1
	return nil
}

func (r *BookingRepo) Event(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, capacity, created_at, updated_at FROM events WHERE id = ?`, id).
		Scan(&e.ID, &e.Title, &e.Capacity, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Persistence("load event", err)
	}
	return &e, nil
}

// UpsertEvent creates the event or updates its title and capacity.
func (r *BookingRepo) UpsertEvent(ctx context.Context, e *model.Event) error {
	const q = `INSERT INTO events (id, title, capacity, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE title = VALUES(title), capacity = VALUES(capacity), updated_at = VALUES(updated_at)`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Title, e.Capacity, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	return model.Persistence("upsert event", err)
}

func (r *BookingRepo) CountCapacityConsumed(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE event_id = ? AND capacity_consumed = 1`, eventID).Scan(&n)
	return n, model.Persistence("count capacity", err)
}

// ListQueuePending returns the waitlist of an event, longest waiting first.
func (r *BookingRepo) ListQueuePending(ctx context.Context, eventID string, limit int) ([]*model.Booking, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE event_id = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, eventID, model.StatusQueuePending.String(), limit)
	if err != nil {
		return nil, model.Persistence("list waitlist", err)
	}
	defer rows.Close()
	var out []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, model.Persistence("list waitlist", err)
		}
		out = append(out, b)
	}
	return out, model.Persistence("list waitlist", rows.Err())
}

// PendingOutbox returns unsent outbox rows in insertion order.
func (r *BookingRepo) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	const q = `SELECT seq, message_id, booking_id, operation, payload, status, attempts, last_error, created_at
		FROM outbox_messages WHERE status = 'PENDING' ORDER BY seq ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, model.Persistence("list outbox", err)
	}
	defer rows.Close()
	var out []model.OutboxMessage
	for rows.Next() {
		var (
			m       model.OutboxMessage
			op      string
			status  string
			lastErr sql.NullString
		)
		if err := rows.Scan(&m.Seq, &m.MessageID, &m.BookingID, &op, &m.Payload, &status, &m.Attempts, &lastErr, &m.CreatedAt); err != nil {
			return nil, model.Persistence("list outbox", err)
		}
		m.Operation = model.Operation(op)
		m.Status = model.OutboxStatus(status)
		m.LastError = lastErr.String
		out = append(out, m)
	}
	return out, model.Persistence("list outbox", rows.Err())
}

func (r *BookingRepo) MarkOutboxSent(ctx context.Context, seq int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'SENT', sent_at = ? WHERE seq = ?`, at.UTC(), seq)
	return model.Persistence("mark outbox sent", err)
}

// MarkOutboxFailed records a failed forward and returns the new attempt
// count.
func (r *BookingRepo) MarkOutboxFailed(ctx context.Context, seq int64, reason string) (int, error) {
	if len(reason) > 1024 {
		reason = reason[:1024]
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, reason, seq)
	if err != nil {
		return 0, model.Persistence("mark outbox failed", err)
	}
	var n int
	err = r.db.QueryRowContext(ctx, `SELECT attempts FROM outbox_messages WHERE seq = ?`, seq).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.ErrNotFound
	}
	return n, model.Persistence("mark outbox failed", err)
}
