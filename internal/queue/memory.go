package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue.  It is the default backend for local
// runs and tests.  Messages sharing a group key are delivered strictly one
// at a time in enqueue order: while one is leased (or waiting out a nack
// delay) the later ones stay hidden.
type MemoryQueue struct {
	name string
	opts Options

	mu       sync.Mutex
	seq      uint64
	ready    []*memEntry
	inflight map[string]*memEntry
	groups   map[string]string
	dead     []DeadLetter
	closed   bool
}

type memEntry struct {
	seq      uint64
	msg      RawMessage
	deadline time.Time
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(name string, opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		name:     name,
		opts:     buildOptions(opts),
		inflight: make(map[string]*memEntry),
		groups:   make(map[string]string),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(ctx context.Context, groupKey string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &EnqueueError{Queue: q.name, Err: err}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", &EnqueueError{Queue: q.name, Err: ErrClosed}
	}
	q.seq++
	e := &memEntry{
		seq: q.seq,
		msg: RawMessage{
			ID:         q.opts.NewID(),
			GroupKey:   groupKey,
			Body:       cloneBytes(body),
			EnqueuedAt: q.opts.Now(),
		},
	}
	q.ready = append(q.ready, e)
	return e.msg.ID, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, max int, visibility time.Duration) ([]RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	now := q.opts.Now()
	q.requeueExpiredLocked(now)

	var (
		out  []RawMessage
		dead []DeadLetter
		keep = q.ready[:0]
	)
	for i, e := range q.ready {
		if len(out) >= max {
			keep = append(keep, q.ready[i:]...)
			break
		}
		g := e.msg.GroupKey
		if g != "" {
			if _, busy := q.groups[g]; busy {
				keep = append(keep, e)
				continue
			}
		}
		if e.msg.Attempts >= q.opts.MaxAttempts {
			dead = append(dead, q.deadLetterLocked(e, ReasonMaxAttempts, now))
			continue
		}
		e.msg.Attempts++
		e.deadline = now.Add(visibility)
		q.inflight[e.msg.ID] = e
		if g != "" {
			q.groups[g] = e.msg.ID
		}
		m := e.msg
		m.Body = cloneBytes(e.msg.Body)
		out = append(out, m)
	}
	q.ready = keep
	q.mu.Unlock()

	q.opts.notifyDead(dead)
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inflight[id]
	if !ok {
		return ErrNotLeased
	}
	q.releaseLocked(e)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inflight[id]
	if !ok {
		return ErrNotLeased
	}
	if delay > 0 {
		e.deadline = q.opts.Now().Add(delay)
		return nil
	}
	q.releaseLocked(e)
	q.insertReadyLocked(e)
	return nil
}

func (q *MemoryQueue) ExtendVisibility(ctx context.Context, id string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.inflight[id]
	if !ok {
		return ErrNotLeased
	}
	e.deadline = q.opts.Now().Add(d)
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	e, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotLeased
	}
	q.releaseLocked(e)
	d := q.deadLetterLocked(e, reason, q.opts.Now())
	q.mu.Unlock()

	q.opts.notifyDead([]DeadLetter{d})
	return nil
}

// DeadLetters returns up to limit dead letters, oldest first.
func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, q.dead[:n])
	return out, nil
}

// Len reports visible plus leased messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Close stops the queue.  Nothing in memory survives the process, so every
// message still ready or leased is moved to the dead-letter store with
// ReasonClosed and reported through the dead-letter hook, and Close returns
// ErrUndelivered with the count.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	left := make([]*memEntry, 0, len(q.ready)+len(q.inflight))
	left = append(left, q.ready...)
	for _, e := range q.inflight {
		left = append(left, e)
	}
	sort.Slice(left, func(i, j int) bool { return left[i].seq < left[j].seq })
	now := q.opts.Now()
	dead := make([]DeadLetter, 0, len(left))
	for _, e := range left {
		dead = append(dead, q.deadLetterLocked(e, ReasonClosed, now))
	}
	q.ready = nil
	q.inflight = make(map[string]*memEntry)
	q.groups = make(map[string]string)
	q.mu.Unlock()

	if len(dead) == 0 {
		return nil
	}
	q.opts.notifyDead(dead)
	return fmt.Errorf("%w: %d in %s", ErrUndelivered, len(dead), q.name)
}

// requeueExpiredLocked returns leases whose deadline passed to the ready
// list at their original position.
func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for _, e := range q.inflight {
		if now.Before(e.deadline) {
			continue
		}
		q.releaseLocked(e)
		q.insertReadyLocked(e)
	}
}

func (q *MemoryQueue) releaseLocked(e *memEntry) {
	delete(q.inflight, e.msg.ID)
	if g := e.msg.GroupKey; g != "" && q.groups[g] == e.msg.ID {
		delete(q.groups, g)
	}
}

func (q *MemoryQueue) insertReadyLocked(e *memEntry) {
	i := sort.Search(len(q.ready), func(i int) bool { return q.ready[i].seq > e.seq })
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = e
}

func (q *MemoryQueue) deadLetterLocked(e *memEntry, reason string, now time.Time) DeadLetter {
	d := DeadLetter{
		Queue:     q.name,
		MessageID: e.msg.ID,
		GroupKey:  e.msg.GroupKey,
		Body:      cloneBytes(e.msg.Body),
		Attempts:  e.msg.Attempts,
		Reason:    reason,
		DeadAt:    now,
	}
	q.dead = append(q.dead, d)
	return d
}
