// Package service owns booking state.  BookingService is the only writer
// of bookings: it applies the transition table below, keeps event capacity
// and the waitlist consistent, and records one outbox message per
// transition in the same store write.
package service

import (
	"github.com/iliyamo/booking-notifications/internal/model"
)

// Action is a request to move a booking along the state machine.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionCancel  Action = "cancel"
	ActionAdmit   Action = "admit"
	ActionUpdate  Action = "update"
)

type edge struct {
	to model.Status
	op model.Operation
}

// transitions lists every allowed edge.  Creation is handled by Register
// and is not an edge.
var transitions = map[Action]map[model.Status]edge{
	ActionConfirm: {
		model.StatusRegistered:    {model.StatusConfirmed, model.OperationConfirmed},
		model.StatusQueueEnrolled: {model.StatusConfirmed, model.OperationConfirmed},
	},
	ActionCancel: {
		model.StatusRegistered:    {model.StatusCanceled, model.OperationCanceled},
		model.StatusQueueEnrolled: {model.StatusCanceled, model.OperationCanceled},
		model.StatusQueuePending:  {model.StatusCanceled, model.OperationCanceled},
	},
	ActionAdmit: {
		model.StatusQueuePending: {model.StatusQueueEnrolled, model.OperationQueueEnrolled},
	},
	ActionUpdate: {
		model.StatusRegistered:    {model.StatusRegistered, model.OperationUpdated},
		model.StatusQueueEnrolled: {model.StatusQueueEnrolled, model.OperationUpdated},
		model.StatusQueuePending:  {model.StatusQueuePending, model.OperationUpdated},
		model.StatusConfirmed:     {model.StatusConfirmed, model.OperationUpdated},
	},
}

// Next returns the status a booking in from moves to under a, and the
// operation the move is announced with.
func Next(from model.Status, a Action) (model.Status, model.Operation, error) {
	e, ok := transitions[a][from]
	if !ok {
		return from, "", &model.InvalidTransitionError{From: from, Action: string(a)}
	}
	return e.to, e.op, nil
}

// ConsumesCapacity reports whether a booking in s holds a place at its
// event.
func ConsumesCapacity(s model.Status) bool {
	switch s {
	case model.StatusRegistered, model.StatusQueueEnrolled, model.StatusConfirmed:
		return true
	}
	return false
}

// initialStatus picks the creation status.  A full event yields
// ErrCapacityExceeded together with the waitlist status.
func initialStatus(capacity, consumed int) (model.Status, model.Operation, error) {
	if consumed >= capacity {
		return model.StatusQueuePending, "", model.ErrCapacityExceeded
	}
	return model.StatusRegistered, model.OperationRegistered, nil
}
