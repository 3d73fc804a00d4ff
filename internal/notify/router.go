// Package notify turns booking notifications into channel deliveries.  The
// Router fans a booking message out to the email and phone queues; one
// Dispatcher per channel delivers from its queue through a sender; Worker
// runs either of them over a queue with bounded concurrency.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/alert"
	"github.com/iliyamo/booking-notifications/internal/model"
	"github.com/iliyamo/booking-notifications/internal/queue"
)

// ServiceType tags every email produced by the router.
const ServiceType = "booking"

// Rule says which channels an operation notifies and what they say.
type Rule struct {
	Email *EmailTemplate
	Phone *PhoneTemplate
}

type EmailTemplate struct {
	Subject func(b model.BookingDto) string
	Body    func(b model.BookingDto) string
}

type PhoneTemplate struct {
	Text func(b model.BookingDto) string
}

func eventName(b model.BookingDto) string {
	if b.EventTitle != "" {
		return b.EventTitle
	}
	return "event " + b.EventID
}

// DefaultRules covers every operation in model.KnownOperations.
func DefaultRules() map[model.Operation]Rule {
	return map[model.Operation]Rule{
		model.OperationRegistered: {
			Email: &EmailTemplate{
				Subject: func(b model.BookingDto) string { return "You're registered for " + eventName(b) },
				Body: func(b model.BookingDto) string {
					return fmt.Sprintf("Your booking %s for %s is registered. Confirm it to keep your place.", b.ID, eventName(b))
				},
			},
			Phone: &PhoneTemplate{Text: func(b model.BookingDto) string {
				return fmt.Sprintf("Registered for %s. Booking %s.", eventName(b), b.ID)
			}},
		},
		model.OperationQueueEnrolled: {
			Email: &EmailTemplate{
				Subject: func(b model.BookingDto) string { return "A place opened up for " + eventName(b) },
				Body: func(b model.BookingDto) string {
					return fmt.Sprintf("Good news: booking %s moved off the waitlist for %s. Confirm it to keep your place.", b.ID, eventName(b))
				},
			},
			Phone: &PhoneTemplate{Text: func(b model.BookingDto) string {
				return fmt.Sprintf("A place opened up for %s. Confirm booking %s.", eventName(b), b.ID)
			}},
		},
		model.OperationConfirmed: {
			Email: &EmailTemplate{
				Subject: func(b model.BookingDto) string { return "Booking confirmed: " + eventName(b) },
				Body: func(b model.BookingDto) string {
					return fmt.Sprintf("Your booking %s for %s is confirmed. See you there.", b.ID, eventName(b))
				},
			},
			Phone: &PhoneTemplate{Text: func(b model.BookingDto) string {
				return fmt.Sprintf("Confirmed: %s. Booking %s.", eventName(b), b.ID)
			}},
		},
		model.OperationCanceled: {
			Email: &EmailTemplate{
				Subject: func(b model.BookingDto) string { return "Booking canceled: " + eventName(b) },
				Body: func(b model.BookingDto) string {
					return fmt.Sprintf("Your booking %s for %s has been canceled.", b.ID, eventName(b))
				},
			},
			Phone: &PhoneTemplate{Text: func(b model.BookingDto) string {
				return fmt.Sprintf("Canceled: %s. Booking %s.", eventName(b), b.ID)
			}},
		},
		model.OperationUpdated: {
			Email: &EmailTemplate{
				Subject: func(b model.BookingDto) string { return "Booking updated: " + eventName(b) },
				Body: func(b model.BookingDto) string {
					return fmt.Sprintf("The details of booking %s for %s were updated. Current status: %s.", b.ID, eventName(b), b.Status)
				},
			},
		},
	}
}

// Router consumes booking notifications and enqueues channel envelopes.
type Router struct {
	email  *queue.Channel[queue.EmailTaskMessage]
	phone  *queue.Channel[queue.PhoneTaskMessage]
	rules  map[model.Operation]Rule
	stats  *Stats
	alerts alert.Publisher
	log    *zap.Logger
}

func NewRouter(email, phone queue.Queue, rules map[model.Operation]Rule, stats *Stats, alerts alert.Publisher, log *zap.Logger) *Router {
	if rules == nil {
		rules = DefaultRules()
	}
	if stats == nil {
		stats = &Stats{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if alerts == nil {
		alerts = alert.NewLogPublisher(log)
	}
	return &Router{
		email:  queue.NewChannel[queue.EmailTaskMessage](email),
		phone:  queue.NewChannel[queue.PhoneTaskMessage](phone),
		rules:  rules,
		stats:  stats,
		alerts: alerts,
		log:    log.With(zap.String("component", "router")),
	}
}

// MissingRules lists known operations without a rule.
func MissingRules(rules map[model.Operation]Rule) []model.Operation {
	var out []model.Operation
	for _, op := range model.KnownOperations {
		if _, ok := rules[op]; !ok {
			out = append(out, op)
		}
	}
	return out
}

// Handle implements Handler for the booking task queue.
func (r *Router) Handle(ctx context.Context, d *queue.Delivery[queue.BookingNotificationMessage]) error {
	return r.Route(ctx, d.Message)
}

// Route publishes the channel envelopes for msg.  Unknown operations are
// logged, counted and reported, then dropped.  An enqueue failure is
// transient: the booking message is redelivered and channels that already
// got their envelope are protected by dispatcher deduplication.
func (r *Router) Route(ctx context.Context, msg queue.BookingNotificationMessage) error {
	log := r.log.With(
		zap.String("message_id", msg.MessageID),
		zap.String("booking_id", msg.Booking.ID),
		zap.String("operation", msg.Operation.String()))

	rule, ok := r.rules[msg.Operation]
	if !ok {
		r.stats.Unhandled.Add(1)
		log.Warn("no route for operation; dropping")
		if err := r.alerts.Publish(ctx, alert.Alert{
			Kind:     alert.KindUnhandled,
			Severity: alert.SeverityWarning,
			Subject:  msg.MessageID,
			Message:  "booking notification with unknown operation dropped",
			Details:  map[string]string{"operation": msg.Operation.String(), "bookingId": msg.Booking.ID},
			At:       msg.OccurredAt,
		}); err != nil {
			log.Error("alert publish failed", zap.Error(err))
		}
		return nil
	}

	b := msg.Booking
	if rule.Email != nil {
		if b.AttendeeEmail == "" {
			r.stats.Skipped.Add(1)
			log.Info("no email recipient; skipping email")
		} else {
			payload := queue.NewEmailPayload(b.AttendeeEmail, rule.Email.Subject(b), rule.Email.Body(b), ServiceType, map[string]string{
				"bookingId": b.ID,
				"eventId":   b.EventID,
				"operation": msg.Operation.String(),
			})
			task := queue.NewTaskMessage(msg.Operation, b.ID, msg.OccurredAt, payload)
			if _, err := r.email.Publish(ctx, task); err != nil {
				return &DispatchError{Kind: Transient, Channel: "router", Err: err}
			}
			r.stats.Routed.Add(1)
		}
	}
	if rule.Phone != nil {
		if b.AttendeePhone == "" {
			r.stats.Skipped.Add(1)
			log.Info("no phone recipient; skipping phone")
		} else {
			payload := queue.PhonePayload{RecipientPhone: b.AttendeePhone, Text: rule.Phone.Text(b)}
			task := queue.NewTaskMessage(msg.Operation, b.ID, msg.OccurredAt, payload)
			if _, err := r.phone.Publish(ctx, task); err != nil {
				return &DispatchError{Kind: Transient, Channel: "router", Err: err}
			}
			r.stats.Routed.Add(1)
		}
	}
	log.Debug("booking notification routed")
	return nil
}
