// Package queue defines the messages exchanged between the booking service
// and the notification workers, and the queue backends that carry them.
// Producer and consumer roles both import this package so the message
// shapes cannot drift apart.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/booking-notifications/internal/model"
)

// ErrMalformed is returned when a message body decodes but misses a field
// every message must carry.
var ErrMalformed = errors.New("malformed message")

// TaskMessage is the generic envelope for channel notifications.  The
// payload type selects the channel: TaskMessage[EmailPayload] travels on the
// email queue and TaskMessage[PhonePayload] on the phone queue.  A message is
// a value; once built it is only copied, never mutated.
type TaskMessage[T any] struct {
	ID         string          `json:"id"`
	Operation  model.Operation `json:"operation"`
	GroupKey   string          `json:"groupKey"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    T               `json:"payload"`
}

// EmailPayload is the email channel body.  ServiceType and Metadata are
// optional and omitted from the wire when empty.
type EmailPayload struct {
	RecipientEmail string            `json:"recipientEmail"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	ServiceType    string            `json:"serviceType,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PhonePayload is the phone (SMS) channel body.
type PhonePayload struct {
	RecipientPhone string `json:"recipientPhone"`
	Text           string `json:"text"`
}

// EmailTaskMessage and PhoneTaskMessage name the two channel envelopes.
type (
	EmailTaskMessage = TaskMessage[EmailPayload]
	PhoneTaskMessage = TaskMessage[PhonePayload]
)

// NewTaskMessage builds an envelope with a fresh id.  groupKey orders
// messages on backends that support grouping; callers pass the booking id.
func NewTaskMessage[T any](op model.Operation, groupKey string, occurredAt time.Time, payload T) TaskMessage[T] {
	return TaskMessage[T]{
		ID:         uuid.NewString(),
		Operation:  op,
		GroupKey:   groupKey,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}
}

// NewEmailPayload copies metadata so the envelope does not share the map
// with the caller.
func NewEmailPayload(recipient, subject, body, serviceType string, metadata map[string]string) EmailPayload {
	return EmailPayload{
		RecipientEmail: recipient,
		Subject:        subject,
		Body:           body,
		ServiceType:    serviceType,
		Metadata:       model.CopyMetadata(metadata),
	}
}

// Key returns the ordering key of the message.
func (m TaskMessage[T]) Key() string { return m.GroupKey }

// Validate checks the envelope fields shared by every payload type.
func (m TaskMessage[T]) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if m.Operation == "" {
		return fmt.Errorf("%w: missing operation", ErrMalformed)
	}
	return nil
}

// Encode serializes a message for the wire.
func Encode[M any](m M) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// Decode parses a wire body into M and validates it.  Operation tags this
// build does not know decode fine; routing decides what to do with them.
func Decode[M Message](body []byte) (M, error) {
	var m M
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
