package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the delivery budget of a message before it is
// dead-lettered.
const DefaultMaxAttempts = 5

// ReasonMaxAttempts is recorded on messages dead-lettered by a backend
// because their delivery budget ran out.
const ReasonMaxAttempts = "max attempts exceeded"

// ReasonClosed is recorded on messages an in-process backend still held
// when it was closed.
const ReasonClosed = "queue closed with message undelivered"

var (
	// ErrNotLeased is returned by Ack, Nack, ExtendVisibility and DeadLetter
	// when the message is not currently leased to a consumer (already acked,
	// or its visibility timeout ran out and it was handed out again).
	ErrNotLeased = errors.New("message not leased")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
	// ErrUndelivered is returned by Close when messages could not be kept.
	ErrUndelivered = errors.New("undelivered messages dropped on close")
)

// EnqueueError is returned when a message could not be durably accepted.
// Producers must keep the message (outbox) and retry.
type EnqueueError struct {
	Queue string
	Err   error
}

func (e *EnqueueError) Error() string { return fmt.Sprintf("enqueue to %s: %v", e.Queue, e.Err) }

func (e *EnqueueError) Unwrap() error { return e.Err }

// PoisonError reports an undecodable message that could not be moved to the
// dead-letter store.  The message stays leased and comes back after its
// visibility timeout.
type PoisonError struct {
	Queue     string
	MessageID string
	Decode    error
	Err       error
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("dead-letter undecodable message %s in %s (%v): %v", e.MessageID, e.Queue, e.Decode, e.Err)
}

func (e *PoisonError) Unwrap() error { return e.Err }

// RawMessage is a leased queue entry.  Attempts counts deliveries including
// this one.
type RawMessage struct {
	ID         string
	GroupKey   string
	Body       []byte
	Attempts   int
	EnqueuedAt time.Time
}

// DeadLetter is a message that left the active queue for good.
type DeadLetter struct {
	Queue     string    `json:"queue"`
	MessageID string    `json:"messageId"`
	GroupKey  string    `json:"groupKey,omitempty"`
	Body      []byte    `json:"body"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	DeadAt    time.Time `json:"deadAt"`
}

// DeadLetterHook observes every dead-lettered message.  It runs outside the
// backend's locks and must not block for long.
type DeadLetterHook func(DeadLetter)

// Queue is an at-least-once, visibility-timeout based queue.
//
// A dequeued message is leased for the visibility timeout.  It must be
// acknowledged before the lease runs out, otherwise it becomes visible
// again.  A message delivered MaxAttempts times that becomes due again is
// moved to the dead-letter store instead of being delivered.  Messages that
// share a group key are delivered one at a time in enqueue order when the
// backend supports grouping.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, groupKey string, body []byte) (string, error)
	Dequeue(ctx context.Context, max int, visibility time.Duration) ([]RawMessage, error)
	Ack(ctx context.Context, id string) error
	// Nack gives up the lease.  The message becomes visible after delay.
	Nack(ctx context.Context, id string, delay time.Duration) error
	ExtendVisibility(ctx context.Context, id string, d time.Duration) error
	// DeadLetter moves a leased message straight to the dead-letter store.
	DeadLetter(ctx context.Context, id, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}

// Options are shared by all backends.
type Options struct {
	MaxAttempts  int
	OnDeadLetter DeadLetterHook
	Now          func() time.Time
	NewID        func() string
}

// Option customises a backend.
type Option func(*Options)

// WithMaxAttempts sets the delivery budget.  Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n >= 1 {
			o.MaxAttempts = n
		}
	}
}

// WithDeadLetterHook registers an observer for dead-lettered messages.
func WithDeadLetterHook(h DeadLetterHook) Option {
	return func(o *Options) { o.OnDeadLetter = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *Options) {
		if gen != nil {
			o.NewID = gen
		}
	}
}

func buildOptions(opts []Option) Options {
	o := Options{
		MaxAttempts: DefaultMaxAttempts,
		Now:         time.Now,
		NewID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o Options) notifyDead(dead []DeadLetter) {
	if o.OnDeadLetter == nil {
		return
	}
	for _, d := range dead {
		o.OnDeadLetter(d)
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
