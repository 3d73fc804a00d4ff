package model

import "time"

// OutboxStatus tracks whether an outbox row has reached the queue.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
)

// OutboxMessage is a notification recorded in the same write as the booking
// transition that produced it.  The forwarder moves it to the booking task
// queue; Seq gives the global forwarding order.
type OutboxMessage struct {
	Seq       int64
	MessageID string
	BookingID string
	Operation Operation
	Payload   []byte
	Status    OutboxStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	SentAt    *time.Time
}
