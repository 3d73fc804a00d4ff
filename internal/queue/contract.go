package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/booking-notifications/internal/model"
)

// Message is implemented by everything that travels through a Channel.
type Message interface {
	Key() string
	Validate() error
}

// BookingNotificationMessage is emitted once per booking transition.  It
// carries a snapshot of the booking, never a reference to live state.
//
// Wire form: {"messageId": "...", "booking": {"id": ..., "eventId": ...,
// "attendeeId": ..., "status": "confirmed"}, "operation": "confirmed",
// "occurredAt": "..."}
type BookingNotificationMessage struct {
	MessageID  string           `json:"messageId"`
	Booking    model.BookingDto `json:"booking"`
	Operation  model.Operation  `json:"operation"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// NewBookingNotification snapshots b for op.
func NewBookingNotification(b *model.Booking, eventTitle string, op model.Operation) BookingNotificationMessage {
	return BookingNotificationMessage{
		MessageID:  uuid.NewString(),
		Booking:    b.Snapshot(eventTitle),
		Operation:  op,
		OccurredAt: b.TransitionedAt.UTC(),
	}
}

// Key orders notifications per booking.
func (m BookingNotificationMessage) Key() string { return m.Booking.ID }

func (m BookingNotificationMessage) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: missing message id", ErrMalformed)
	}
	if m.Booking.ID == "" {
		return fmt.Errorf("%w: missing booking id", ErrMalformed)
	}
	if m.Operation == "" {
		return fmt.Errorf("%w: missing operation", ErrMalformed)
	}
	return nil
}
