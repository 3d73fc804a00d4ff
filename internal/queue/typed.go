package queue

import (
	"context"
	"errors"
	"time"
)

// Channel is a typed view over a Queue.  Publish encodes M as JSON keyed by
// M.Key(); Receive decodes and validates.  Bodies that fail to decode are
// dead-lettered on the spot and never handed to the caller.
type Channel[M Message] struct {
	q Queue
}

// NewChannel wraps q.
func NewChannel[M Message](q Queue) *Channel[M] {
	return &Channel[M]{q: q}
}

// Queue returns the underlying queue.
func (c *Channel[M]) Queue() Queue { return c.q }

// Publish enqueues msg.  The error is an *EnqueueError when the backend
// refused the message.
func (c *Channel[M]) Publish(ctx context.Context, msg M) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", &EnqueueError{Queue: c.q.Name(), Err: err}
	}
	body, err := Encode(msg)
	if err != nil {
		return "", &EnqueueError{Queue: c.q.Name(), Err: err}
	}
	return c.q.Enqueue(ctx, msg.Key(), body)
}

// Receive leases up to max messages for visibility.  Undecodable messages
// are dead-lettered and left out; when that fails the returned error holds
// a *PoisonError for each, alongside the decoded deliveries.
func (c *Channel[M]) Receive(ctx context.Context, max int, visibility time.Duration) ([]*Delivery[M], error) {
	raws, err := c.q.Dequeue(ctx, max, visibility)
	out := make([]*Delivery[M], 0, len(raws))
	for _, raw := range raws {
		msg, derr := Decode[M](raw.Body)
		if derr != nil {
			if dlErr := c.q.DeadLetter(ctx, raw.ID, "undecodable: "+derr.Error()); dlErr != nil {
				err = errors.Join(err, &PoisonError{Queue: c.q.Name(), MessageID: raw.ID, Decode: derr, Err: dlErr})
			}
			continue
		}
		out = append(out, &Delivery[M]{
			ID:         raw.ID,
			Attempts:   raw.Attempts,
			EnqueuedAt: raw.EnqueuedAt,
			Message:    msg,
			q:          c.q,
		})
	}
	return out, err
}

// Delivery is one leased, decoded message.
type Delivery[M Message] struct {
	ID         string
	Attempts   int
	EnqueuedAt time.Time
	Message    M

	q Queue
}

func (d *Delivery[M]) Ack(ctx context.Context) error { return d.q.Ack(ctx, d.ID) }

func (d *Delivery[M]) Nack(ctx context.Context, delay time.Duration) error {
	return d.q.Nack(ctx, d.ID, delay)
}

// Extend pushes the lease deadline to now+dur.
func (d *Delivery[M]) Extend(ctx context.Context, dur time.Duration) error {
	return d.q.ExtendVisibility(ctx, d.ID, dur)
}

func (d *Delivery[M]) DeadLetter(ctx context.Context, reason string) error {
	return d.q.DeadLetter(ctx, d.ID, reason)
}
