package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/booking-notifications/internal/alert"
	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/queue"
)

type mockEmailSender struct{ mock.Mock }

func (m *mockEmailSender) SendEmail(_ context.Context, recipient, subject, body string, metadata map[string]string) error {
	return m.Called(recipient, subject).Error(0)
}

type mockPhoneSender struct{ mock.Mock }

func (m *mockPhoneSender) SendPhone(_ context.Context, recipient, text string) error {
	return m.Called(recipient, text).Error(0)
}

type capturedAlerts struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *capturedAlerts) Publish(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *capturedAlerts) Close() error { return nil }

func (c *capturedAlerts) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, a := range c.alerts {
		out = append(out, a.Kind)
	}
	return out
}

var occurred = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func emailTask(recipient string) queue.EmailTaskMessage {
	p := queue.NewEmailPayload(recipient, "Booking confirmed: Go meetup", "See you there.", ServiceType, nil)
	return queue.NewTaskMessage(model.OperationConfirmed, "b1", occurred, p)
}

// lease publishes msg on a fresh memory queue and leases it back.
func lease[M queue.Message](t *testing.T, q queue.Queue, msg M) *queue.Delivery[M] {
	t.Helper()
	ch := queue.NewChannel[M](q)
	_, err := ch.Publish(context.Background(), msg)
	require.NoError(t, err)
	ds, err := ch.Receive(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func noWait(d *Dispatcher[queue.EmailPayload]) {
	d.wait = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
}

func TestDispatcher_SendsOnce(t *testing.T) {
	ctx := context.Background()
	sender := &mockEmailSender{}
	sender.On("SendEmail", "ann@example.com", "Booking confirmed: Go meetup").Return(nil).Once()

	stats := &Stats{}
	d := NewEmailDispatcher(sender, Deps{Dedup: NewMemoryDedup(), Stats: stats}, DispatchConfig{})
	msg := emailTask("ann@example.com")

	// the same envelope delivered twice, as after a lost ack
	q := queue.NewMemoryQueue("email")
	require.NoError(t, d.Handle(ctx, lease(t, q, msg)))
	require.NoError(t, d.Handle(ctx, lease(t, queue.NewMemoryQueue("email"), msg)))

	sender.AssertExpectations(t)
	assert.EqualValues(t, 1, stats.Sent.Load())
	assert.EqualValues(t, 1, stats.Duplicates.Load())
}

func TestDispatcher_ReroutedCopyIsDuplicate(t *testing.T) {
	ctx := context.Background()
	sender := &mockEmailSender{}
	sender.On("SendEmail", "ann@example.com", mock.Anything).Return(nil).Once()

	d := NewEmailDispatcher(sender, Deps{}, DispatchConfig{})
	first := emailTask("ann@example.com")
	// a re-routed booking message yields a new envelope id for the same change
	second := emailTask("ann@example.com")
	require.NotEqual(t, first.ID, second.ID)

	require.NoError(t, d.Handle(ctx, lease(t, queue.NewMemoryQueue("email"), first)))
	require.NoError(t, d.Handle(ctx, lease(t, queue.NewMemoryQueue("email"), second)))
	sender.AssertNumberOfCalls(t, "SendEmail", 1)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	sender := &mockEmailSender{}
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(WrapTransient(errors.New("throttled"))).Twice()
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(nil).Once()

	stats := &Stats{}
	d := NewEmailDispatcher(sender, Deps{Stats: stats}, DispatchConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond})
	noWait(d)

	err := d.Handle(context.Background(), lease(t, queue.NewMemoryQueue("email"), emailTask("ann@example.com")))
	require.NoError(t, err)
	sender.AssertNumberOfCalls(t, "SendEmail", 3)
	assert.EqualValues(t, 2, stats.Retries.Load())
	assert.EqualValues(t, 1, stats.Sent.Load())
}

func TestDispatcher_ExhaustedRetriesAreTransient(t *testing.T) {
	ctx := context.Background()
	sender := &mockEmailSender{}
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	dedup := NewMemoryDedup()
	d := NewEmailDispatcher(sender, Deps{Dedup: dedup}, DispatchConfig{MaxAttempts: 2})
	noWait(d)
	msg := emailTask("ann@example.com")

	err := d.Handle(ctx, lease(t, queue.NewMemoryQueue("email"), msg))
	require.Error(t, err)
	assert.Equal(t, Transient, Classify(err))
	sender.AssertNumberOfCalls(t, "SendEmail", 2)

	// the claim was released so a redelivery can send
	key := DedupKey(ChannelEmail, "ann@example.com", msg.Operation, msg.GroupKey, msg.OccurredAt)
	res, _, err := dedup.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, res)
}

func TestDispatcher_PermanentFailureAlerts(t *testing.T) {
	sender := &mockEmailSender{}
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(WrapPermanent(errors.New("address rejected"))).Once()

	stats := &Stats{}
	alerts := &capturedAlerts{}
	d := NewEmailDispatcher(sender, Deps{Stats: stats, Alerts: alerts}, DispatchConfig{MaxAttempts: 5})

	err := d.Handle(context.Background(), lease(t, queue.NewMemoryQueue("email"), emailTask("ann@example.com")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermanent))

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ChannelEmail, de.Channel)

	sender.AssertNumberOfCalls(t, "SendEmail", 1)
	assert.EqualValues(t, 1, stats.Permanent.Load())
	assert.Equal(t, []string{alert.KindPermanentFailure}, alerts.kinds())
}

func TestDispatcher_InvalidRecipientNeverSent(t *testing.T) {
	email := &mockEmailSender{}
	phone := &mockPhoneSender{}
	stats := &Stats{}

	ed := NewEmailDispatcher(email, Deps{Stats: stats}, DispatchConfig{})
	err := ed.Handle(context.Background(), lease(t, queue.NewMemoryQueue("email"), emailTask("not-an-address")))
	assert.True(t, errors.Is(err, ErrPermanent))
	assert.True(t, errors.Is(err, ErrInvalidEmail))

	pd := NewPhoneDispatcher(phone, Deps{Stats: stats}, DispatchConfig{})
	msg := queue.NewTaskMessage(model.OperationConfirmed, "b1", occurred, queue.PhonePayload{RecipientPhone: "0612345678", Text: "hi"})
	err = pd.Handle(context.Background(), lease(t, queue.NewMemoryQueue("phone"), msg))
	assert.True(t, errors.Is(err, ErrInvalidPhone))

	email.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
	phone.AssertNotCalled(t, "SendPhone", mock.Anything, mock.Anything)
	assert.EqualValues(t, 2, stats.Permanent.Load())
}

func TestDispatcher_InFlightClaimIsTransient(t *testing.T) {
	ctx := context.Background()
	sender := &mockEmailSender{}
	dedup := NewMemoryDedup()
	msg := emailTask("ann@example.com")
	key := DedupKey(ChannelEmail, "ann@example.com", msg.Operation, msg.GroupKey, msg.OccurredAt)
	_, _, err := dedup.Claim(ctx, key, time.Minute)
	require.NoError(t, err)

	d := NewEmailDispatcher(sender, Deps{Dedup: dedup}, DispatchConfig{})
	err = d.Handle(ctx, lease(t, queue.NewMemoryQueue("email"), msg))
	require.Error(t, err)
	assert.Equal(t, Transient, Classify(err))
	sender.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
}

func TestValidatePhonePayload(t *testing.T) {
	for _, tc := range []struct {
		phone string
		ok    bool
	}{
		{"+31612345678", true},
		{"+12025550123", true},
		{"+0123", false},
		{"31612345678", false},
		{"+1234567890123456", false},
	} {
		err := ValidatePhonePayload(queue.PhonePayload{RecipientPhone: tc.phone, Text: "hi"})
		assert.Equal(t, tc.ok, err == nil, tc.phone)
	}
}

func TestBackoff_CeilingDoublesAndCaps(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.Ceiling(1))
	assert.Equal(t, 200*time.Millisecond, b.Ceiling(2))
	assert.Equal(t, 800*time.Millisecond, b.Ceiling(4))
	assert.Equal(t, time.Second, b.Ceiling(5))
	assert.Equal(t, time.Second, b.Ceiling(64))

	for i := 1; i < 10; i++ {
		d := b.Next(i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, b.Ceiling(i))
	}
}
