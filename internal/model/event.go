package model

import "time"

// Event is the bookable unit.  Capacity bounds the number of bookings that
// may hold a place (CapacityConsumed) at the same time.
type Event struct {
	ID        string
	Title     string
	Capacity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}
