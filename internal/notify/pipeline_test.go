package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/notify"
	"github.com/iliyamo/booking-notifications/internal/outbox"
	"github.com/iliyamo/booking-notifications/internal/queue"
	"github.com/iliyamo/booking-notifications/internal/repository"
	"github.com/iliyamo/booking-notifications/internal/service"
)

type sentNote struct {
	channel   string
	recipient string
	text      string
	metadata  map[string]string
}

// recordingSender stands in for both channel providers.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentNote
}

func (r *recordingSender) SendEmail(_ context.Context, recipient, subject, _ string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNote{channel: notify.ChannelEmail, recipient: recipient, text: subject, metadata: metadata})
	return nil
}

func (r *recordingSender) SendPhone(_ context.Context, recipient, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNote{channel: notify.ChannelPhone, recipient: recipient, text: text})
	return nil
}

func (r *recordingSender) notes() []sentNote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentNote(nil), r.sent...)
}

func (r *recordingSender) to(channel, recipient string) []sentNote {
	var out []sentNote
	for _, n := range r.notes() {
		if n.channel == channel && n.recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}

func TestPipeline_BookingChangesReachEveryChannel(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := service.NewBookingService(store, service.NewKeyedMutex(), nil)
	bookingQ := queue.NewMemoryQueue("booking.notifications")
	emailQ := queue.NewMemoryQueue("notifications.email")
	phoneQ := queue.NewMemoryQueue("notifications.phone")

	_, err := svc.UpsertEvent(ctx, &model.Event{ID: "e1", Title: "Go Meetup", Capacity: 1})
	require.NoError(t, err)
	ann, err := svc.Register(ctx, service.RegisterRequest{
		EventID: "e1", AttendeeID: "ann", Email: "ann@example.com", Phone: "+31612345678",
	})
	require.NoError(t, err)
	bob, err := svc.Register(ctx, service.RegisterRequest{EventID: "e1", AttendeeID: "bob", Email: "bob@example.com"})
	require.NoError(t, err)
	require.Equal(t, model.StatusQueuePending, bob.Status)
	_, err = svc.Cancel(ctx, ann.ID)
	require.NoError(t, err)

	// registered(ann), canceled(ann), queue_enrolled(bob)
	fwd := outbox.NewForwarder(store, bookingQ, nil, outbox.Config{BatchSize: 10}, nil)
	n, err := fwd.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for _, row := range store.Outbox() {
		assert.Equal(t, model.OutboxSent, row.Status)
	}

	// a producer on a newer build emits an operation this one cannot route
	stray := queue.NewBookingNotification(&model.Booking{ID: "b-stray", EventID: "e1", AttendeeEmail: "zoe@example.com"},
		"Go Meetup", model.Operation("rescheduled"))
	_, err = queue.NewChannel[queue.BookingNotificationMessage](bookingQ).Publish(ctx, stray)
	require.NoError(t, err)

	sender := &recordingSender{}
	stats := &notify.Stats{}
	deps := notify.Deps{Stats: stats}
	dcfg := notify.DispatchConfig{SendTimeout: time.Second}
	wcfg := notify.WorkerConfig{
		Concurrency:  4,
		PollInterval: 5 * time.Millisecond,
		Visibility:   time.Minute,
		DrainTimeout: time.Second,
	}
	workers := []interface{ Run(context.Context) error }{
		notify.NewWorker[queue.BookingNotificationMessage](bookingQ,
			notify.NewRouter(emailQ, phoneQ, nil, stats, nil, nil), wcfg, stats, nil),
		notify.NewWorker[queue.EmailTaskMessage](emailQ, notify.NewEmailDispatcher(sender, deps, dcfg), wcfg, stats, nil),
		notify.NewWorker[queue.PhoneTaskMessage](phoneQ, notify.NewPhoneDispatcher(sender, deps, dcfg), wcfg, stats, nil),
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w interface{ Run(context.Context) error }) {
			defer wg.Done()
			assert.NoError(t, w.Run(runCtx))
		}(w)
	}

	require.Eventually(t, func() bool {
		return len(sender.notes()) == 5 && bookingQ.Len()+emailQ.Len()+phoneQ.Len() == 0
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	annEmails := sender.to(notify.ChannelEmail, "ann@example.com")
	require.Len(t, annEmails, 2)
	assert.Equal(t, "You're registered for Go Meetup", annEmails[0].text)
	assert.Equal(t, "Booking canceled: Go Meetup", annEmails[1].text)
	assert.Equal(t, ann.ID, annEmails[0].metadata["bookingId"])
	assert.Equal(t, "canceled", annEmails[1].metadata["operation"])

	annTexts := sender.to(notify.ChannelPhone, "+31612345678")
	require.Len(t, annTexts, 2)
	assert.Contains(t, annTexts[0].text, "Registered for Go Meetup")
	assert.Contains(t, annTexts[1].text, "Canceled: Go Meetup")

	bobEmails := sender.to(notify.ChannelEmail, "bob@example.com")
	require.Len(t, bobEmails, 1)
	assert.Equal(t, "A place opened up for Go Meetup", bobEmails[0].text)
	assert.Equal(t, bob.ID, bobEmails[0].metadata["bookingId"])

	snap := stats.Snapshot()
	assert.EqualValues(t, 5, snap.Sent)
	assert.EqualValues(t, 5, snap.Routed)
	assert.EqualValues(t, 1, snap.Skipped, "bob has no phone")
	assert.EqualValues(t, 1, snap.Unhandled)
	assert.Zero(t, snap.DeadLettered)
	for _, q := range []*queue.MemoryQueue{bookingQ, emailQ, phoneQ} {
		dead, err := q.DeadLetters(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, dead, q.Name())
	}

	// nothing left to forward
	n, err = fwd.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
