package model

import "time"

// Status is the lifecycle state of a booking.  The zero value is not a
// valid status; every stored booking carries one of the constants below.
type Status uint8

const (
	StatusRegistered Status = iota + 1
	StatusQueueEnrolled
	StatusQueuePending
	StatusConfirmed
	StatusCanceled

	statusEnd
)

// StatusCount is the number of defined statuses.
const StatusCount = int(statusEnd) - 1

var statusNames = [...]string{
	StatusRegistered:    "registered",
	StatusQueueEnrolled: "queue_enrolled",
	StatusQueuePending:  "queue_pending",
	StatusConfirmed:     "confirmed",
	StatusCanceled:      "canceled",
}

// Adding a status without naming it breaks the build here.
var _ = [1]struct{}{}[len(statusNames)-int(statusEnd)]

// String returns the wire name of the status ("queue_pending" etc).
func (s Status) String() string {
	if s == 0 || s >= statusEnd {
		return "unknown"
	}
	return statusNames[s]
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return s > 0 && s < statusEnd }

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool { return s == StatusConfirmed || s == StatusCanceled }

// ParseStatus maps a wire name back to a Status.
func ParseStatus(name string) (Status, bool) {
	for i := 1; i < len(statusNames); i++ {
		if statusNames[i] == name {
			return Status(i), true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler so statuses travel as names.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, ok := ParseStatus(string(b))
	if !ok {
		return &UnknownStatusError{Name: string(b)}
	}
	*s = v
	return nil
}

// Booking is an attendee's claim on an event.  It is owned by the booking
// state machine; everything else sees it through a BookingDto snapshot.
//
// Fields:
//
//	ID               – opaque unique id (uuid).
//	EventID          – event the booking belongs to.
//	AttendeeID       – attendee who made the booking.
//	AttendeeEmail    – email recipient for notifications (optional).
//	AttendeePhone    – phone recipient for notifications (optional, E.164).
//	Status           – current lifecycle state.
//	CapacityConsumed – true while the booking holds one unit of event capacity.
//	Metadata         – free-form attendee edits (seat preference, notes).
//	Version          – optimistic lock counter, incremented on every save.
//	CreatedAt        – creation timestamp; waitlist order key.
//	TransitionedAt   – time of the last transition or update.
type Booking struct {
	ID               string
	EventID          string
	AttendeeID       string
	AttendeeEmail    string
	AttendeePhone    string
	Status           Status
	CapacityConsumed bool
	Metadata         map[string]string
	Version          int64
	CreatedAt        time.Time
	TransitionedAt   time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.Metadata = CopyMetadata(b.Metadata)
	return &c
}

// BookingDto is the immutable snapshot of a booking embedded in
// notification messages.  It never references the live entity.
type BookingDto struct {
	ID             string            `json:"id"`
	EventID        string            `json:"eventId"`
	AttendeeID     string            `json:"attendeeId"`
	Status         Status            `json:"status"`
	AttendeeEmail  string            `json:"attendeeEmail,omitempty"`
	AttendeePhone  string            `json:"attendeePhone,omitempty"`
	EventTitle     string            `json:"eventTitle,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TransitionedAt time.Time         `json:"transitionedAt"`
}

// Snapshot captures the booking as a BookingDto.  eventTitle is optional
// and only used for message text.
func (b *Booking) Snapshot(eventTitle string) BookingDto {
	return BookingDto{
		ID:             b.ID,
		EventID:        b.EventID,
		AttendeeID:     b.AttendeeID,
		Status:         b.Status,
		AttendeeEmail:  b.AttendeeEmail,
		AttendeePhone:  b.AttendeePhone,
		EventTitle:     eventTitle,
		Metadata:       CopyMetadata(b.Metadata),
		TransitionedAt: b.TransitionedAt,
	}
}

// CopyMetadata returns a copy of m, or nil when m is empty.
func CopyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
