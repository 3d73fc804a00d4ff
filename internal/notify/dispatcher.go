package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/alert"
	"github.com/iliyamo/booking-notifications/internal/queue"
)

// EmailSender delivers one email.  Implementations wrap provider errors
// with WrapTransient or WrapPermanent.
type EmailSender interface {
	SendEmail(ctx context.Context, recipient, subject, body string, metadata map[string]string) error
}

// PhoneSender delivers one text message.
type PhoneSender interface {
	SendPhone(ctx context.Context, recipient, text string) error
}

const (
	ChannelEmail = "email"
	ChannelPhone = "phone"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidPhone = errors.New("invalid e164 phone number")

	e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// DispatchConfig tunes in-process retries of one delivery.
type DispatchConfig struct {
	SendTimeout time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	DedupWindow time.Duration
	// Visibility is the lease the worker took; it is extended before every
	// retry wait so the message stays hidden while it is being worked on.
	Visibility time.Duration
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	return c
}

// Dispatcher delivers TaskMessage[P] through one channel's sender.  A
// delivery is sent at most once per dedup window: a claim is taken in the
// dedup store before sending and marked sent afterwards.
type Dispatcher[P any] struct {
	channel   string
	send      func(ctx context.Context, msg queue.TaskMessage[P]) error
	recipient func(P) string
	validate  func(P) error

	dedup   DedupStore
	cfg     DispatchConfig
	backoff *Backoff
	stats   *Stats
	alerts  alert.Publisher
	log     *zap.Logger
	wait    func(ctx context.Context, d time.Duration) bool
}

// Deps are the collaborators shared by both dispatchers.
type Deps struct {
	Dedup  DedupStore
	Stats  *Stats
	Alerts alert.Publisher
	Log    *zap.Logger
}

func newDispatcher[P any](channel string, deps Deps, cfg DispatchConfig) *Dispatcher[P] {
	cfg = cfg.withDefaults()
	if deps.Dedup == nil {
		deps.Dedup = NewMemoryDedup()
	}
	if deps.Stats == nil {
		deps.Stats = &Stats{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewLogPublisher(deps.Log)
	}
	return &Dispatcher[P]{
		channel: channel,
		dedup:   deps.Dedup,
		cfg:     cfg,
		backoff: NewBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
		stats:   deps.Stats,
		alerts:  deps.Alerts,
		log:     deps.Log.With(zap.String("component", "dispatcher"), zap.String("channel", channel)),
		wait:    sleepCtx,
	}
}

// NewEmailDispatcher delivers the email queue through s.
func NewEmailDispatcher(s EmailSender, deps Deps, cfg DispatchConfig) *Dispatcher[queue.EmailPayload] {
	d := newDispatcher[queue.EmailPayload](ChannelEmail, deps, cfg)
	d.recipient = func(p queue.EmailPayload) string { return p.RecipientEmail }
	d.validate = ValidateEmailPayload
	d.send = func(ctx context.Context, m queue.EmailTaskMessage) error {
		p := m.Payload
		return s.SendEmail(ctx, p.RecipientEmail, p.Subject, p.Body, p.Metadata)
	}
	return d
}

// NewPhoneDispatcher delivers the phone queue through s.
func NewPhoneDispatcher(s PhoneSender, deps Deps, cfg DispatchConfig) *Dispatcher[queue.PhonePayload] {
	d := newDispatcher[queue.PhonePayload](ChannelPhone, deps, cfg)
	d.recipient = func(p queue.PhonePayload) string { return p.RecipientPhone }
	d.validate = ValidatePhonePayload
	d.send = func(ctx context.Context, m queue.PhoneTaskMessage) error {
		return s.SendPhone(ctx, m.Payload.RecipientPhone, m.Payload.Text)
	}
	return d
}

// ValidateEmailPayload rejects payloads no retry can fix.
func ValidateEmailPayload(p queue.EmailPayload) error {
	addr := strings.TrimSpace(p.RecipientEmail)
	if addr == "" {
		return fmt.Errorf("%w: recipient is empty", ErrInvalidEmail)
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, addr)
	}
	if strings.TrimSpace(p.Subject) == "" && strings.TrimSpace(p.Body) == "" {
		return errors.New("email has neither subject nor body")
	}
	return nil
}

func ValidatePhonePayload(p queue.PhonePayload) error {
	if !e164Pattern.MatchString(strings.TrimSpace(p.RecipientPhone)) {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, p.RecipientPhone)
	}
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("text message is empty")
	}
	return nil
}

// Handle delivers one message.  It returns nil when the notification was
// sent now or earlier, a permanent *DispatchError when it can never be
// sent, and a transient one when the queue should redeliver it.
func (d *Dispatcher[P]) Handle(ctx context.Context, del *queue.Delivery[queue.TaskMessage[P]]) error {
	msg := del.Message
	log := d.log.With(
		zap.String("message_id", msg.ID),
		zap.String("booking_id", msg.GroupKey),
		zap.String("operation", msg.Operation.String()),
		zap.Int("delivery", del.Attempts))

	if err := d.validate(msg.Payload); err != nil {
		return d.permanent(ctx, del, log, err)
	}

	key := DedupKey(d.channel, d.recipient(msg.Payload), msg.Operation, msg.GroupKey, msg.OccurredAt)
	claim, token, err := d.dedup.Claim(ctx, key, d.claimLease())
	if err != nil {
		return d.transient(err)
	}
	switch claim {
	case AlreadySent:
		d.stats.Duplicates.Add(1)
		log.Info("duplicate delivery; already sent")
		return nil
	case InFlight:
		return d.transient(errors.New("delivery in flight elsewhere"))
	}

	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.send(sctx, msg)
		cancel()

		if err == nil {
			if cerr := d.dedup.Complete(ctx, key, d.cfg.DedupWindow); cerr != nil {
				log.Warn("sent but dedup marker not stored", zap.Error(cerr))
			}
			d.stats.Sent.Add(1)
			log.Info("notification sent", zap.Int("attempt", attempt))
			return nil
		}

		if Classify(err) == Permanent {
			d.release(key, token, log)
			return d.permanent(ctx, del, log, err)
		}
		if ctx.Err() != nil || attempt >= d.cfg.MaxAttempts {
			d.release(key, token, log)
			log.Warn("send failed; leaving it to the queue", zap.Int("attempt", attempt), zap.Error(err))
			return d.transient(err)
		}

		wait := d.backoff.Next(attempt)
		log.Info("scheduling retry after transient error", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if xerr := del.Extend(ctx, d.cfg.Visibility+wait); xerr != nil {
			log.Warn("lease extension failed", zap.Error(xerr))
		}
		d.stats.Retries.Add(1)
		if !d.wait(ctx, wait) {
			d.release(key, token, log)
			return d.transient(ctx.Err())
		}
	}
}

// claimLease outlives every in-process attempt and wait.
func (d *Dispatcher[P]) claimLease() time.Duration {
	return time.Duration(d.cfg.MaxAttempts)*(d.cfg.SendTimeout+d.cfg.MaxBackoff) + d.cfg.Visibility
}

func (d *Dispatcher[P]) release(key, token string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.dedup.Release(ctx, key, token); err != nil {
		log.Warn("dedup release failed", zap.Error(err))
	}
}

func (d *Dispatcher[P]) transient(err error) error {
	return &DispatchError{Kind: Transient, Channel: d.channel, Err: err}
}

func (d *Dispatcher[P]) permanent(ctx context.Context, del *queue.Delivery[queue.TaskMessage[P]], log *zap.Logger, err error) error {
	d.stats.Permanent.Add(1)
	log.Error("permanent delivery failure; dropping", zap.Error(err))
	a := alert.Alert{
		Kind:     alert.KindPermanentFailure,
		Severity: alert.SeverityCritical,
		Subject:  del.Message.ID,
		Queue:    d.channel,
		Attempts: del.Attempts,
		Message:  "notification could not be delivered",
		Details: map[string]string{
			"bookingId": del.Message.GroupKey,
			"operation": del.Message.Operation.String(),
			"error":     err.Error(),
		},
		At: time.Now().UTC(),
	}
	if aerr := d.alerts.Publish(ctx, a); aerr != nil {
		log.Error("alert publish failed", zap.Error(aerr))
	}
	return &DispatchError{Kind: Permanent, Channel: d.channel, Err: err}
}

// Backoff computes exponential delays with full jitter: attempt n waits a
// random duration in [0, min(base*2^(n-1), max)].
type Backoff struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *Backoff) Next(attempt int) time.Duration {
	return b.fullJitter(b.Ceiling(attempt))
}

// Ceiling is the un-jittered delay for attempt.
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if b.base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(b.base) * math.Pow(2, float64(attempt-1))
	if b.max > 0 && raw > float64(b.max) {
		return b.max
	}
	if raw > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

func (b *Backoff) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rnd.Int63n(int64(max) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
