package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/iliyamo/booking-notifications/internal/alert"
	"github.com/iliyamo/booking-notifications/internal/queue"
)

// Handler processes one delivery.  A nil or permanent error acks it; a
// transient error nacks it for redelivery.
type Handler[M queue.Message] interface {
	Handle(ctx context.Context, d *queue.Delivery[M]) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[M queue.Message] func(ctx context.Context, d *queue.Delivery[M]) error

func (f HandlerFunc[M]) Handle(ctx context.Context, d *queue.Delivery[M]) error { return f(ctx, d) }

// WorkerConfig bounds one worker pool.
type WorkerConfig struct {
	Concurrency   int
	BatchSize     int
	PollInterval  time.Duration
	Visibility    time.Duration
	HandleTimeout time.Duration
	DrainTimeout  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = c.Visibility
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	return c
}

// Worker leases messages from one queue and runs a handler over them with
// at most Concurrency deliveries in flight.
type Worker[M queue.Message] struct {
	name    string
	ch      *queue.Channel[M]
	handler Handler[M]
	cfg     WorkerConfig
	retry   *Backoff
	stats   *Stats
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[string]*queue.Delivery[M]
}

func NewWorker[M queue.Message](q queue.Queue, h Handler[M], cfg WorkerConfig, stats *Stats, log *zap.Logger) *Worker[M] {
	cfg = cfg.withDefaults()
	if stats == nil {
		stats = &Stats{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker[M]{
		name:     q.Name(),
		ch:       queue.NewChannel[M](q),
		handler:  h,
		cfg:      cfg,
		retry:    NewBackoff(cfg.RetryBase, cfg.RetryMax),
		stats:    stats,
		log:      log.With(zap.String("component", "worker"), zap.String("queue", q.Name())),
		inflight: make(map[string]*queue.Delivery[M]),
	}
}

// Run polls until ctx is cancelled.  Dequeuing stops at once; deliveries in
// flight get DrainTimeout to finish, after which their handlers are
// cancelled and the deliveries nacked so another consumer picks them up.
func (w *Worker[M]) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(w.cfg.Concurrency))
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))

	for ctx.Err() == nil {
		// block for the first slot, then take whatever else is free
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		slots := 1
		for slots < w.cfg.BatchSize && sem.TryAcquire(1) {
			slots++
		}

		deliveries, err := w.ch.Receive(ctx, slots, w.cfg.Visibility)
		if err != nil {
			w.receiveFailed(ctx, err)
		}
		for _, d := range deliveries {
			w.track(d)
			wg.Add(1)
			go func(d *queue.Delivery[M]) {
				defer wg.Done()
				defer sem.Release(1)
				w.process(workCtx, d)
			}(d)
		}
		if unused := slots - len(deliveries); unused > 0 {
			sem.Release(int64(unused))
		}
		if len(deliveries) == 0 {
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				break
			}
		}
	}

	w.log.Info("worker draining", zap.Int("in_flight", w.inFlight()))
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.log.Warn("drain timeout; cancelling in-flight deliveries", zap.Int("in_flight", w.inFlight()))
		cancelWork()
		<-done
	}
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker[M]) receiveFailed(ctx context.Context, err error) {
	poison, rest := splitPoison(err)
	for _, pe := range poison {
		w.stats.PoisonStuck.Add(1)
		w.log.Error("undecodable message could not be dead-lettered; it stays leased until visibility runs out",
			zap.String("message_id", pe.MessageID),
			zap.NamedError("decode_error", pe.Decode),
			zap.Error(pe.Err))
	}
	if ctx.Err() != nil {
		return
	}
	for _, e := range rest {
		w.log.Warn("dequeue failed", zap.Error(e))
	}
}

// splitPoison separates the *queue.PoisonError values of a joined Receive
// error from everything else.
func splitPoison(err error) (poison []*queue.PoisonError, rest []error) {
	switch e := err.(type) {
	case nil:
	case *queue.PoisonError:
		poison = append(poison, e)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			p, r := splitPoison(inner)
			poison = append(poison, p...)
			rest = append(rest, r...)
		}
	default:
		rest = append(rest, err)
	}
	return poison, rest
}

func (w *Worker[M]) process(workCtx context.Context, d *queue.Delivery[M]) {
	defer w.untrack(d.ID)
	log := w.log.With(zap.String("delivery_id", d.ID), zap.Int("attempts", d.Attempts))

	hctx, cancel := context.WithTimeout(workCtx, w.cfg.HandleTimeout)
	err := w.handler.Handle(hctx, d)
	cancel()

	// settle outside the handler context so a cancelled drain still reaches
	// the queue
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()

	if err == nil || Classify(err) == Permanent {
		if aerr := d.Ack(sctx); aerr != nil {
			log.Warn("ack failed", zap.Error(aerr))
		}
		return
	}

	delay := w.retry.Next(d.Attempts)
	if workCtx.Err() != nil {
		delay = 0
	}
	if nerr := d.Nack(sctx, delay); nerr != nil && !errors.Is(nerr, queue.ErrClosed) {
		log.Warn("nack failed", zap.Error(nerr))
	}
	w.stats.Nacked.Add(1)
	log.Info("delivery nacked", zap.Duration("delay", delay), zap.Error(err))
}

func (w *Worker[M]) track(d *queue.Delivery[M]) {
	w.mu.Lock()
	w.inflight[d.ID] = d
	w.mu.Unlock()
}

func (w *Worker[M]) untrack(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

func (w *Worker[M]) inFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// DeadLetterObserver returns a hook that counts, logs and reports every
// dead-lettered message.
func DeadLetterObserver(stats *Stats, alerts alert.Publisher, log *zap.Logger) queue.DeadLetterHook {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "dead_letter"))
	return func(dl queue.DeadLetter) {
		if stats != nil {
			stats.DeadLettered.Add(1)
		}
		log.Error("message dead-lettered",
			zap.String("queue", dl.Queue),
			zap.String("message_id", dl.MessageID),
			zap.String("group_key", dl.GroupKey),
			zap.Int("attempts", dl.Attempts),
			zap.String("reason", dl.Reason))
		if alerts == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Publish(ctx, alert.Alert{
			Kind:     alert.KindDeadLetter,
			Severity: alert.SeverityCritical,
			Subject:  dl.MessageID,
			Queue:    dl.Queue,
			Attempts: dl.Attempts,
			Message:  "message moved to dead-letter store",
			Details:  map[string]string{"groupKey": dl.GroupKey, "reason": dl.Reason},
			At:       dl.DeadAt,
		}); err != nil {
			log.Error("alert publish failed", zap.Error(err))
		}
	}
}
