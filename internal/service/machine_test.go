package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/booking-notifications/internal/model"
)

func TestNext_AllowedEdges(t *testing.T) {
	tests := []struct {
		from   model.Status
		action Action
		to     model.Status
		op     model.Operation
	}{
		{model.StatusRegistered, ActionConfirm, model.StatusConfirmed, model.OperationConfirmed},
		{model.StatusQueueEnrolled, ActionConfirm, model.StatusConfirmed, model.OperationConfirmed},
		{model.StatusRegistered, ActionCancel, model.StatusCanceled, model.OperationCanceled},
		{model.StatusQueueEnrolled, ActionCancel, model.StatusCanceled, model.OperationCanceled},
		{model.StatusQueuePending, ActionCancel, model.StatusCanceled, model.OperationCanceled},
		{model.StatusQueuePending, ActionAdmit, model.StatusQueueEnrolled, model.OperationQueueEnrolled},
		{model.StatusConfirmed, ActionUpdate, model.StatusConfirmed, model.OperationUpdated},
		{model.StatusQueuePending, ActionUpdate, model.StatusQueuePending, model.OperationUpdated},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+string(tt.action), func(t *testing.T) {
			to, op, err := Next(tt.from, tt.action)
			assert.NoError(t, err)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.op, op)
		})
	}
}

func TestNext_EveryOtherEdgeIsInvalid(t *testing.T) {
	actions := []Action{ActionConfirm, ActionCancel, ActionAdmit, ActionUpdate}
	for s := model.StatusRegistered; s.Valid(); s++ {
		for _, a := range actions {
			_, allowed := transitions[a][s]
			to, _, err := Next(s, a)
			if allowed {
				assert.NoError(t, err)
				continue
			}
			assert.ErrorIs(t, err, model.ErrInvalidTransition, "%s/%s", s, a)
			assert.Equal(t, s, to, "status unchanged on invalid edge")
		}
	}
	_, _, err := Next(model.StatusConfirmed, ActionCancel)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, _, err = Next(model.StatusCanceled, ActionUpdate)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestTransitionsEmitKnownOperations(t *testing.T) {
	for a, edges := range transitions {
		for from, e := range edges {
			assert.True(t, e.op.Known(), "%s from %s", a, from)
			assert.True(t, e.to.Valid())
		}
	}
}

func TestInitialStatus(t *testing.T) {
	s, op, err := initialStatus(2, 1)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusRegistered, s)
	assert.Equal(t, model.OperationRegistered, op)

	s, op, err = initialStatus(2, 2)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	assert.Equal(t, model.StatusQueuePending, s)
	assert.Empty(t, op)
}

func TestConsumesCapacity(t *testing.T) {
	assert.True(t, ConsumesCapacity(model.StatusRegistered))
	assert.True(t, ConsumesCapacity(model.StatusQueueEnrolled))
	assert.True(t, ConsumesCapacity(model.StatusConfirmed))
	assert.False(t, ConsumesCapacity(model.StatusQueuePending))
	assert.False(t, ConsumesCapacity(model.StatusCanceled))
}
