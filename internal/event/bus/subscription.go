package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"chronicle/internal/event"
	"chronicle/internal/event/dlq"
	"chronicle/pkg/platform/circuit"
	"chronicle/pkg/platform/sentinel"
)

const catchUpBatchSize = 100

// subscription owns one subscriber's delivery state: its breaker, its
// bounded queue, its durable cursor, and the single worker that
// preserves per-subscriber ordering.
type subscription struct {
	name    string
	handler Handler
	filter  event.Filter
	bus     *Bus
	breaker *circuit.Breaker

	queue  chan event.Event
	cursor atomic.Int64

	// mu orders enqueues against lagging transitions: submit checks
	// the flag and enqueues under it, and the worker clears the flag
	// under it only after a log probe confirms nothing was skipped.
	mu      sync.Mutex
	lagging atomic.Bool

	// deliverMu keeps the worker and out-of-band dead-letter replays
	// from delivering to the same handler concurrently.
	deliverMu sync.Mutex

	stop      chan struct{}
	drainOnce sync.Once
}

func newSubscription(name string, handler Handler, filter event.Filter, b *Bus) *subscription {
	return &subscription{
		name:    name,
		handler: handler,
		filter:  filter,
		bus:     b,
		breaker: circuit.New(name,
			circuit.WithFailureThreshold(b.cfg.FailureThreshold),
			circuit.WithSuccessThreshold(b.cfg.HalfOpenSuccessThreshold),
			circuit.WithOpenTimeout(b.cfg.OpenTimeout),
		),
		queue: make(chan event.Event, b.cfg.QueueCapacity),
		stop:  make(chan struct{}),
	}
}

// submit is the subscriber's inbound path from Broadcast. The lagging
// check and the enqueue happen under mu: an event skipped here was
// durably committed before the check, so the worker's locked log probe
// in catchUp is guaranteed to see it before clearing the flag.
func (s *subscription) submit(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	if s.lagging.Load() {
		// Already catching up from the log; this event is durable and
		// will be read there.
		s.mu.Unlock()
		return nil
	}

	if !s.breaker.Allow() {
		s.mu.Unlock()
		s.deadLetter(ctx, e, dlq.ReasonCircuitOpen, 0)
		return nil
	}

	select {
	case s.queue <- e:
		s.mu.Unlock()
		s.observeQueueDepth()
		return nil
	default:
	}

	switch s.bus.cfg.OverflowPolicy {
	case PolicySpill:
		// The durable log becomes the catch-up source; nothing is lost.
		s.lagging.Store(true)
		s.mu.Unlock()
		s.bus.logger.WarnContext(ctx, "subscriber queue full, spilling to catch-up",
			"subscriber", s.name, "offset", e.GlobalOffset)
		return nil
	default:
		s.mu.Unlock()
		s.deadLetter(ctx, e, dlq.ReasonQueueFull, 0)
		return fmt.Errorf("enqueue for %s: %w", s.name, sentinel.ErrBackpressure)
	}
}

// run is the delivery worker. One active delivery at a time preserves
// the per-aggregate order every subscriber observes.
func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			s.drain(ctx)
			return
		default:
		}

		if s.lagging.Load() {
			s.catchUp(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			s.drain(ctx)
			return
		case e := <-s.queue:
			s.observeQueueDepth()
			s.handle(ctx, e)
		}
	}
}

// catchUp reads the durable log past the cursor until it reaches the
// head, then resumes live consumption. Queue entries left over from
// before the spill are skipped by the cursor check in handle.
func (s *subscription) catchUp(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		batch, err := s.bus.log.ReadAll(ctx, s.cursor.Load(), catchUpBatchSize)
		if err != nil {
			s.bus.logger.ErrorContext(ctx, "catch-up read failed",
				"subscriber", s.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		if len(batch) == 0 {
			if s.resumeLive(ctx) {
				return
			}
			continue
		}
		for _, e := range batch {
			if !s.filter.Matches(e) {
				// Filtered events still advance the cursor, otherwise
				// catch-up would re-read them forever.
				s.commitCursor(ctx, e.GlobalOffset)
				continue
			}
			s.handle(ctx, e)
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// resumeLive clears the lagging flag after re-probing the log head
// under mu. A submit that skipped an event while lagging ran before
// this probe, and its event was durable before that submit, so a
// non-empty probe sends the worker back to catch-up instead of
// stranding the event behind the flag.
func (s *subscription) resumeLive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.bus.log.ReadAll(ctx, s.cursor.Load(), 1)
	if err != nil {
		s.bus.logger.ErrorContext(ctx, "catch-up head probe failed",
			"subscriber", s.name, "error", err)
		return false
	}
	if len(head) > 0 {
		return false
	}
	s.lagging.Store(false)
	return true
}

// handle delivers one event with retry, backoff, and breaker
// accounting. An event that cannot be delivered is dead-lettered or
// left behind the cursor, never silently dropped.
func (s *subscription) handle(ctx context.Context, e event.Event) {
	if e.GlobalOffset <= s.cursor.Load() {
		// Enqueues happen in offset order, so an offset at or below
		// the cursor is a queue leftover already delivered by
		// catch-up, never an undelivered event.
		return
	}

	if !s.breaker.Allow() {
		s.deadLetter(ctx, e, dlq.ReasonCircuitOpen, 0)
		s.commitCursor(ctx, e.GlobalOffset)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.bus.cfg.RetryBackoffBase
	bo.MaxInterval = 10 * s.bus.cfg.RetryBackoffBase
	bo.Reset()

	attempts := 0
	for {
		attempts++
		err := s.invoke(ctx, e)
		if err == nil {
			s.breaker.RecordSuccess()
			s.observeCircuit()
			s.commitCursor(ctx, e.GlobalOffset)
			if s.bus.metrics != nil {
				s.bus.metrics.DeliveriesTotal.WithLabelValues(s.name).Inc()
			}
			return
		}

		if s.bus.metrics != nil {
			s.bus.metrics.DeliveryFailures.WithLabelValues(s.name).Inc()
		}
		opened := s.breaker.RecordFailure()
		s.observeCircuit()
		if opened {
			s.bus.logger.WarnContext(ctx, "circuit opened",
				"subscriber", s.name, "failures", s.bus.cfg.FailureThreshold)
			s.deadLetter(ctx, e, dlq.ReasonCircuitOpen, attempts)
			s.commitCursor(ctx, e.GlobalOffset)
			return
		}

		if attempts >= s.bus.cfg.MaxRetryAttempts {
			s.deadLetter(ctx, e, dlq.ReasonRetriesExhausted, attempts)
			s.commitCursor(ctx, e.GlobalOffset)
			return
		}

		if s.bus.metrics != nil {
			s.bus.metrics.DeliveryRetries.WithLabelValues(s.name).Inc()
		}
		select {
		case <-ctx.Done():
			// Shutdown mid-retry: the cursor stays behind this event,
			// so catch-up on the next start redelivers it.
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// invoke runs the handler once under the delivery lock and timeout.
func (s *subscription) invoke(ctx context.Context, e event.Event) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, s.bus.cfg.DeliveryTimeout)
	defer cancel()

	ctx, span := s.bus.tracer.Start(dctx, "bus.deliver")
	defer span.End()
	return s.handler(ctx, e)
}

// deliverOnce is the dead-letter replay path: a single attempt through
// the breaker, recording the outcome.
func (s *subscription) deliverOnce(ctx context.Context, e event.Event) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("deliver to %s: %w", s.name, sentinel.ErrCircuitOpen)
	}
	if err := s.invoke(ctx, e); err != nil {
		s.breaker.RecordFailure()
		s.observeCircuit()
		return err
	}
	s.breaker.RecordSuccess()
	s.observeCircuit()
	if s.bus.metrics != nil {
		s.bus.metrics.DeliveriesTotal.WithLabelValues(s.name).Inc()
	}
	return nil
}

func (s *subscription) deadLetter(ctx context.Context, e event.Event, reason dlq.Reason, retries int) {
	now := time.Now().UTC()
	entry := dlq.Entry{
		ID:            uuid.New(),
		EventID:       e.ID,
		AggregateID:   e.AggregateID,
		Sequence:      e.Sequence,
		Subscriber:    s.name,
		Reason:        reason,
		RetryCount:    retries,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	if err := s.bus.dlq.Add(ctx, entry); err != nil {
		// The event stays recoverable from the durable log, but the
		// operator loses the pointer; log loudly.
		s.bus.logger.ErrorContext(ctx, "failed to record dead letter",
			"subscriber", s.name, "event_id", e.ID, "reason", string(reason), "error", err)
		return
	}
	if s.bus.metrics != nil {
		s.bus.metrics.DeadLettersTotal.WithLabelValues(s.name, string(reason)).Inc()
	}
	s.bus.updateDLQDepth(ctx)
	s.bus.logger.WarnContext(ctx, "event dead-lettered",
		"subscriber", s.name,
		"event_id", e.ID,
		"aggregate_id", e.AggregateID,
		"sequence", e.Sequence,
		"reason", string(reason),
	)
}

func (s *subscription) commitCursor(ctx context.Context, offset int64) {
	if offset <= s.cursor.Load() {
		return
	}
	s.cursor.Store(offset)
	if err := s.bus.cursors.Commit(ctx, s.name, offset); err != nil {
		// In-memory cursor advanced; a restart redelivers from the
		// stale durable cursor, which at-least-once consumers absorb.
		s.bus.logger.ErrorContext(ctx, "failed to commit cursor",
			"subscriber", s.name, "offset", offset, "error", err)
	}
}

// beginDrain makes the worker finish the queued backlog and exit.
func (s *subscription) beginDrain() {
	s.drainOnce.Do(func() { close(s.stop) })
}

// drain processes whatever is already queued, then returns.
func (s *subscription) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.handle(ctx, e)
		default:
			return
		}
	}
}

func (s *subscription) observeQueueDepth() {
	if s.bus.metrics != nil {
		s.bus.metrics.QueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
	}
}

func (s *subscription) observeCircuit() {
	if s.bus.metrics != nil {
		s.bus.metrics.SetCircuitState(s.name, s.breaker.State())
	}
}
