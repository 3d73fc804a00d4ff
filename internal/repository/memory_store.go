package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/booking-notifications/internal/model"
)

// MemoryStore keeps bookings, events and outbox rows in process memory.
// It enforces the same version and atomicity rules as BookingRepo.
type MemoryStore struct {
	mu       sync.Mutex
	bookings map[string]*model.Booking
	events   map[string]*model.Event
	outbox   []*model.OutboxMessage
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*model.Booking),
		events:   make(map[string]*model.Event),
	}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, b *model.Booking, expectedVersion int64, msg *model.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.bookings[b.ID]
	switch {
	case expectedVersion == 0 && exists:
		return model.ErrVersionConflict
	case expectedVersion != 0 && !exists:
		return model.ErrNotFound
	case expectedVersion != 0 && stored.Version != expectedVersion:
		return model.ErrVersionConflict
	}

	b.Version = expectedVersion + 1
	s.bookings[b.ID] = b.Clone()
	if msg != nil {
		s.seq++
		m := *msg
		m.Seq = s.seq
		m.Payload = append([]byte(nil), msg.Payload...)
		if m.Status == "" {
			m.Status = model.OutboxPending
		}
		msg.Seq = m.Seq
		s.outbox = append(s.outbox, &m)
	}
	return nil
}

func (s *MemoryStore) Event(ctx context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) UpsertEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	if prev, ok := s.events[e.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.events[e.ID] = &c
	return nil
}

func (s *MemoryStore) CountCapacityConsumed(ctx context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bookings {
		if b.EventID == eventID && b.CapacityConsumed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListQueuePending(ctx context.Context, eventID string, limit int) ([]*model.Booking, error) {
	s.mu.Lock()
	var out []*model.Booking
	for _, b := range s.bookings {
		if b.EventID == eventID && b.Status == model.StatusQueuePending {
			out = append(out, b.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingOutbox returns up to limit unsent outbox rows in Seq order.
func (s *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxMessage
	for _, m := range s.outbox {
		if m.Status != model.OutboxPending {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxSent(ctx context.Context, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.outboxLocked(seq)
	if m == nil {
		return model.ErrNotFound
	}
	m.Status = model.OutboxSent
	t := at
	m.SentAt = &t
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, seq int64, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.outboxLocked(seq)
	if m == nil {
		return 0, model.ErrNotFound
	}
	m.Attempts++
	m.LastError = reason
	return m.Attempts, nil
}

// Outbox returns a copy of every outbox row, sent or not.
func (s *MemoryStore) Outbox() []model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxMessage, len(s.outbox))
	for i, m := range s.outbox {
		out[i] = *m
	}
	return out
}

func (s *MemoryStore) outboxLocked(seq int64) *model.OutboxMessage {
	i := sort.Search(len(s.outbox), func(i int) bool { return s.outbox[i].Seq >= seq })
	if i < len(s.outbox) && s.outbox[i].Seq == seq {
		return s.outbox[i]
	}
	return nil
}
