package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/queue"
)

// Store persists bookings, events and the transactional outbox.
//
// Save writes b and, when msg is non-nil, msg in one atomic step.
// expectedVersion 0 inserts a new booking; any other value updates the
// booking only if its stored version still equals expectedVersion and
// fails with model.ErrVersionConflict otherwise.  On success the store sets
// b.Version to the new version.
//
// ListQueuePending returns waitlisted bookings of an event ordered by
// CreatedAt, then ID.
type Store interface {
	Load(ctx context.Context, id string) (*model.Booking, error)
	Save(ctx context.Context, b *model.Booking, expectedVersion int64, msg *model.OutboxMessage) error
	Event(ctx context.Context, id string) (*model.Event, error)
	UpsertEvent(ctx context.Context, e *model.Event) error
	CountCapacityConsumed(ctx context.Context, eventID string) (int, error)
	ListQueuePending(ctx context.Context, eventID string, limit int) ([]*model.Booking, error)
}

// RegisterRequest carries the fields of a new booking.
type RegisterRequest struct {
	EventID    string
	AttendeeID string
	Email      string
	Phone      string
	Metadata   map[string]string
}

// UpdateRequest edits non-status fields.  Nil pointers leave the field as
// it is; a non-nil Metadata replaces the whole map.
type UpdateRequest struct {
	Email    *string
	Phone    *string
	Metadata map[string]string
}

// BookingService applies booking transitions.
type BookingService struct {
	store      Store
	locks      Locker
	log        *zap.Logger
	now        func() time.Time
	newID      func() string
	maxRetries int
}

// Option customises a BookingService.
type Option func(*BookingService)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *BookingService) { s.now = now } }

// WithIDGenerator overrides booking id generation.
func WithIDGenerator(gen func() string) Option { return func(s *BookingService) { s.newID = gen } }

// WithConflictRetries bounds how often a transition is retried after a
// version conflict.
func WithConflictRetries(n int) Option { return func(s *BookingService) { s.maxRetries = n } }

func NewBookingService(store Store, locks Locker, log *zap.Logger, opts ...Option) *BookingService {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &BookingService{
		store:      store,
		locks:      locks,
		log:        log.With(zap.String("component", "booking-service")),
		now:        time.Now,
		newID:      uuid.NewString,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a booking by id.
func (s *BookingService) Get(ctx context.Context, id string) (*model.Booking, error) {
	b, err := s.store.Load(ctx, id)
	return b, model.Persistence("load booking", err)
}

// Register creates a booking.  It lands in Registered when the event has a
// free place and in QueuePending otherwise; a full event is not an error.
// Waitlisted creations produce no notification.
func (s *BookingService) Register(ctx context.Context, req RegisterRequest) (*model.Booking, error) {
	if strings.TrimSpace(req.EventID) == "" || strings.TrimSpace(req.AttendeeID) == "" {
		return nil, fmt.Errorf("%w: event id and attendee id are required", model.ErrInvalidInput)
	}
	unlock, err := s.locks.Lock(ctx, eventKey(req.EventID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := s.store.Event(ctx, req.EventID)
	if err != nil {
		return nil, model.Persistence("load event", err)
	}
	used, err := s.store.CountCapacityConsumed(ctx, ev.ID)
	if err != nil {
		return nil, model.Persistence("count capacity", err)
	}

	status, op, err := initialStatus(ev.Capacity, used)
	if err != nil && !errors.Is(err, model.ErrCapacityExceeded) {
		return nil, err
	}

	now := s.now().UTC()
	b := &model.Booking{
		ID:               s.newID(),
		EventID:          ev.ID,
		AttendeeID:       req.AttendeeID,
		AttendeeEmail:    strings.TrimSpace(req.Email),
		AttendeePhone:    strings.TrimSpace(req.Phone),
		Status:           status,
		CapacityConsumed: ConsumesCapacity(status),
		Metadata:         model.CopyMetadata(req.Metadata),
		CreatedAt:        now,
		TransitionedAt:   now,
	}

	var msg *model.OutboxMessage
	if op != "" {
		if msg, err = s.outboxMessage(b, ev.Title, op); err != nil {
			return nil, err
		}
	}
	if err := s.store.Save(ctx, b, 0, msg); err != nil {
		return nil, model.Persistence("save booking", err)
	}
	s.log.Info("booking registered",
		zap.String("booking_id", b.ID),
		zap.String("event_id", b.EventID),
		zap.Stringer("status", b.Status))
	return b.Clone(), nil
}

// Confirm moves a Registered or QueueEnrolled booking to Confirmed.
func (s *BookingService) Confirm(ctx context.Context, id string) (*model.Booking, error) {
	unlock, err := s.locks.Lock(ctx, bookingKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.apply(ctx, id, ActionConfirm, nil)
}

// Update edits attendee contact details or metadata without changing the
// status.  It is announced as an "updated" notification.
func (s *BookingService) Update(ctx context.Context, id string, req UpdateRequest) (*model.Booking, error) {
	unlock, err := s.locks.Lock(ctx, bookingKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.apply(ctx, id, ActionUpdate, func(b *model.Booking) {
		if req.Email != nil {
			b.AttendeeEmail = strings.TrimSpace(*req.Email)
		}
		if req.Phone != nil {
			b.AttendeePhone = strings.TrimSpace(*req.Phone)
		}
		if req.Metadata != nil {
			b.Metadata = model.CopyMetadata(req.Metadata)
		}
	})
}

// Cancel cancels a booking that is not terminal.  When the booking held a
// place the event waitlist is admitted right away; an admission failure is
// logged and does not undo the cancellation.
func (s *BookingService) Cancel(ctx context.Context, id string) (*model.Booking, error) {
	current, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, model.Persistence("load booking", err)
	}
	unlockEvent, err := s.locks.Lock(ctx, eventKey(current.EventID))
	if err != nil {
		return nil, err
	}
	defer unlockEvent()
	unlock, err := s.locks.Lock(ctx, bookingKey(id))
	if err != nil {
		return nil, err
	}

	var freed bool
	b, err := s.applyWith(ctx, id, ActionCancel, nil, func(prev *model.Booking) { freed = prev.CapacityConsumed })
	unlock()
	if err != nil {
		return nil, err
	}
	if freed {
		if _, err := s.admitLocked(ctx, b.EventID); err != nil {
			s.log.Error("waitlist admission after cancel failed",
				zap.String("event_id", b.EventID), zap.String("booking_id", b.ID), zap.Error(err))
		}
	}
	return b, nil
}

// AdmitWaitlist promotes waitlisted bookings of an event while it has free
// places, longest waiting first.
func (s *BookingService) AdmitWaitlist(ctx context.Context, eventID string) ([]*model.Booking, error) {
	unlock, err := s.locks.Lock(ctx, eventKey(eventID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.admitLocked(ctx, eventID)
}

// UpsertEvent creates or updates an event and admits the waitlist when the
// capacity grew.
func (s *BookingService) UpsertEvent(ctx context.Context, e *model.Event) ([]*model.Booking, error) {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("%w: event id is required", model.ErrInvalidInput)
	}
	if e.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity must not be negative", model.ErrInvalidInput)
	}
	unlock, err := s.locks.Lock(ctx, eventKey(e.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if err := s.store.UpsertEvent(ctx, e); err != nil {
		return nil, model.Persistence("upsert event", err)
	}
	return s.admitLocked(ctx, e.ID)
}

// admitLocked runs with the event lock held.
func (s *BookingService) admitLocked(ctx context.Context, eventID string) ([]*model.Booking, error) {
	ev, err := s.store.Event(ctx, eventID)
	if err != nil {
		return nil, model.Persistence("load event", err)
	}
	used, err := s.store.CountCapacityConsumed(ctx, eventID)
	if err != nil {
		return nil, model.Persistence("count capacity", err)
	}
	free := ev.Capacity - used
	if free <= 0 {
		return nil, nil
	}
	pending, err := s.store.ListQueuePending(ctx, eventID, free)
	if err != nil {
		return nil, model.Persistence("list waitlist", err)
	}

	var admitted []*model.Booking
	for _, p := range pending {
		unlock, err := s.locks.Lock(ctx, bookingKey(p.ID))
		if err != nil {
			return admitted, err
		}
		b, err := s.apply(ctx, p.ID, ActionAdmit, nil)
		unlock()
		if errors.Is(err, model.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return admitted, err
		}
		s.log.Info("booking admitted from waitlist",
			zap.String("booking_id", b.ID), zap.String("event_id", eventID))
		admitted = append(admitted, b)
	}
	return admitted, nil
}

func (s *BookingService) apply(ctx context.Context, id string, a Action, mutate func(*model.Booking)) (*model.Booking, error) {
	return s.applyWith(ctx, id, a, mutate, nil)
}

// applyWith loads the booking, applies a and saves it with its outbox
// message, retrying on version conflicts.  seen observes the state the
// successful attempt started from.
func (s *BookingService) applyWith(ctx context.Context, id string, a Action, mutate func(*model.Booking), seen func(prev *model.Booking)) (*model.Booking, error) {
	for attempt := 0; ; attempt++ {
		prev, err := s.store.Load(ctx, id)
		if err != nil {
			return nil, model.Persistence("load booking", err)
		}
		to, op, err := Next(prev.Status, a)
		if err != nil {
			return nil, err
		}

		b := prev.Clone()
		b.Status = to
		b.CapacityConsumed = ConsumesCapacity(to)
		b.TransitionedAt = s.now().UTC()
		if mutate != nil {
			mutate(b)
		}

		title := ""
		ev, err := s.store.Event(ctx, b.EventID)
		switch {
		case err == nil:
			title = ev.Title
		case !errors.Is(err, model.ErrNotFound):
			return nil, model.Persistence("load event", err)
		}
		msg, err := s.outboxMessage(b, title, op)
		if err != nil {
			return nil, err
		}

		err = s.store.Save(ctx, b, prev.Version, msg)
		if errors.Is(err, model.ErrVersionConflict) && attempt < s.maxRetries {
			s.log.Debug("version conflict, retrying",
				zap.String("booking_id", id), zap.String("action", string(a)), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, model.Persistence("save booking", err)
		}
		if seen != nil {
			seen(prev)
		}
		s.log.Info("booking transition",
			zap.String("booking_id", b.ID),
			zap.String("action", string(a)),
			zap.Stringer("from", prev.Status),
			zap.Stringer("to", b.Status))
		return b.Clone(), nil
	}
}

func (s *BookingService) outboxMessage(b *model.Booking, eventTitle string, op model.Operation) (*model.OutboxMessage, error) {
	n := queue.NewBookingNotification(b, eventTitle, op)
	payload, err := queue.Encode(n)
	if err != nil {
		return nil, err
	}
	return &model.OutboxMessage{
		MessageID: n.MessageID,
		BookingID: b.ID,
		Operation: op,
		Payload:   payload,
		Status:    model.OutboxPending,
		CreatedAt: b.TransitionedAt,
	}, nil
}
