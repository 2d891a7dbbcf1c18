// Package bus wires the ordering router, the durable log, the audit
// chain writer, and per-subscriber delivery into one publish path.
//
// Durability precedes visibility: an event is broadcast to subscribers
// only after its append to the durable log has committed, and an
// audit-relevant event commits its ledger entry in the same
// transaction. A publish whose audit append fails is rolled back
// entirely; no activity happens without a corresponding audit record.
package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/internal/event"
	"chronicle/internal/event/dlq"
	"chronicle/internal/event/router"
	"chronicle/internal/platform/metrics"
	"chronicle/pkg/platform/circuit"
	"chronicle/pkg/platform/sentinel"
	txcontext "chronicle/pkg/platform/tx"
)

// Handler consumes one delivered event. Delivery is at-least-once;
// handlers deduplicate by event ID around cursor boundaries.
type Handler func(ctx context.Context, e event.Event) error

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// PolicyReject dead-letters the overflow and reports backpressure
	// on the publish result so producers can throttle.
	PolicyReject OverflowPolicy = "reject"
	// PolicySpill marks the subscriber lagging; its worker catches up
	// from the durable log instead of the live queue.
	PolicySpill OverflowPolicy = "spill"
)

// ParseOverflowPolicy validates a raw policy string.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case PolicyReject, PolicySpill:
		return OverflowPolicy(s), nil
	}
	return "", fmt.Errorf("invalid overflow policy %q", s)
}

// Config carries the tunables recognized by the bus.
type Config struct {
	FailureThreshold         int
	OpenTimeout              time.Duration
	HalfOpenSuccessThreshold int
	QueueCapacity            int
	OverflowPolicy           OverflowPolicy
	MaxRetryAttempts         int
	RetryBackoffBase         time.Duration
	DeliveryTimeout          time.Duration
	DrainTimeout             time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = PolicySpill
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 100 * time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	return c
}

// CursorStore persists per-subscriber acknowledgment offsets.
type CursorStore interface {
	Load(ctx context.Context, subscriber string) (int64, error)
	Commit(ctx context.Context, subscriber string, offset int64) error
}

// PublishResult extends the assigned identity with the names of
// subscribers whose queues rejected the broadcast. The event is durable
// and dead-lettered for them; producers use the field to throttle.
type PublishResult struct {
	ID            uuid.UUID `json:"id"`
	Sequence      int64     `json:"sequence"`
	Backpressured []string  `json:"backpressured,omitempty"`
}

// SubscriberStatus is the observability snapshot for one subscriber.
type SubscriberStatus struct {
	Name       string         `json:"name"`
	Circuit    circuit.Status `json:"circuit"`
	QueueDepth int            `json:"queue_depth"`
	Lagging    bool           `json:"lagging"`
	Cursor     int64          `json:"cursor"`
}

// Bus is an explicit instance constructed with its configuration and
// injected into producers and subscribers. There is no process-wide
// singleton; lifecycle is Start/Stop.
type Bus struct {
	cfg     Config
	log     event.Log
	router  *router.Router
	ledger  *chain.Writer
	dlq     dlq.Store
	cursors CursorStore
	db      *sql.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// publishMu serializes commit and broadcast so events enter
	// subscriber queues in global-offset order. Single-writer commit;
	// a subscriber's cursor is then always a contiguous prefix of the
	// log, and an offset at or below it has provably been handled.
	publishMu sync.Mutex

	mu      sync.RWMutex
	subs    map[string]*subscription
	started bool
	stopped bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures the Bus.
type Option func(*Bus)

// WithLedger attaches the audit chain writer; audit-relevant events
// then append a ledger entry inside the publish transaction.
func WithLedger(w *chain.Writer) Option {
	return func(b *Bus) { b.ledger = w }
}

// WithDB makes Publish wrap the log append and the ledger append in a
// single SQL transaction. Without it (memory mode) appends are direct.
func WithDB(db *sql.DB) Option {
	return func(b *Bus) { b.db = db }
}

// WithMetrics attaches the Prometheus metrics set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New builds a stopped bus. Register subscribers, then Start.
func New(log event.Log, dlqStore dlq.Store, cursors CursorStore, cfg Config, logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		cfg:     cfg.withDefaults(),
		log:     log,
		router:  router.New(log),
		dlq:     dlqStore,
		cursors: cursors,
		logger:  logger,
		tracer:  otel.Tracer("chronicle/event/bus"),
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a named durable subscriber. The returned handle
// is the subscriber's only reference to the bus; the registry owns the
// subscription, so no ownership cycle forms.
func (b *Bus) Subscribe(name string, handler Handler, filter event.Filter) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("subscribe: name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe: handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, fmt.Errorf("subscribe %s: bus already started", name)
	}
	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("subscribe %s: name already registered", name)
	}

	s := newSubscription(name, handler, filter, b)
	b.subs[name] = s
	return &Handle{name: name, bus: b}, nil
}

// Start loads subscriber cursors and launches delivery workers. Every
// subscriber begins in catch-up so events appended while the process
// was down are redelivered from the durable log.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bus already started")
	}

	for _, s := range b.subs {
		cursor, err := b.cursors.Load(ctx, s.name)
		if err != nil {
			return fmt.Errorf("load cursor for %s: %w", s.name, err)
		}
		s.cursor.Store(cursor)
		s.lagging.Store(true)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.group, runCtx = errgroup.WithContext(runCtx)
	for _, s := range b.subs {
		sub := s
		b.group.Go(func() error {
			sub.run(runCtx)
			return nil
		})
	}

	b.started = true
	b.logger.InfoContext(ctx, "bus started", "subscribers", len(b.subs))
	return nil
}

// Stop rejects new publishes, lets in-flight deliveries finish within
// the drain timeout, then cancels the workers. Undelivered queue items
// are not dead-lettered: cursors were never advanced past them, so the
// catch-up read on the next Start redelivers from the durable log.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.beginDrain()
	}

	done := make(chan struct{})
	go func() {
		b.group.Wait()
		close(done)
	}()

	drain := time.NewTimer(b.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-done:
	case <-drain.C:
		b.logger.WarnContext(ctx, "drain timeout elapsed, cancelling workers")
	case <-ctx.Done():
	}

	b.cancel()
	b.group.Wait()
	b.logger.InfoContext(ctx, "bus stopped")
	return nil
}

// Publish sequences, durably appends, audits, and broadcasts an event.
// The caller's deadline governs the whole pipeline; on expiry the
// publish must not be assumed to have succeeded and can be retried,
// since the duplicate-sequence check makes resubmission detectable.
func (b *Bus) Publish(ctx context.Context, e event.Event) (PublishResult, error) {
	ctx, span := b.tracer.Start(ctx, "bus.Publish")
	defer span.End()

	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return PublishResult{}, fmt.Errorf("publish: %w: bus is stopped", sentinel.ErrUnavailable)
	}

	if err := b.validate(&e); err != nil {
		b.incPublishFailure()
		return PublishResult{}, err
	}

	// Broadcast runs inside the commit continuation, under publishMu,
	// so no later-offset event can reach a queue before this one.
	var backpressured []string
	stamped, err := b.router.Route(ctx, e, func(ctx context.Context, e event.Event) (event.Event, error) {
		b.publishMu.Lock()
		defer b.publishMu.Unlock()
		stored, err := b.commit(ctx, e)
		if err != nil {
			return event.Event{}, err
		}
		backpressured = b.broadcast(ctx, stored)
		return stored, nil
	})
	if err != nil {
		b.incPublishFailure()
		return PublishResult{}, err
	}

	if b.metrics != nil {
		b.metrics.PublishesTotal.Inc()
	}

	return PublishResult{
		ID:            stamped.ID,
		Sequence:      stamped.Sequence,
		Backpressured: backpressured,
	}, nil
}

// validate normalizes and rejects at entry, before any sequencing.
func (b *Bus) validate(e *event.Event) error {
	if e.AggregateID == "" || e.AggregateType == "" || e.Type == "" {
		return fmt.Errorf("publish: aggregate_id, aggregate_type and event_type are required")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("publish: payload is required")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.AuditRelevant() {
		if b.ledger == nil {
			return fmt.Errorf("publish: audit-relevant event but no ledger attached")
		}
		if _, err := audit.ParseResult(e.Metadata[event.MetaResult]); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if e.Metadata[event.MetaActorID] == "" {
			return fmt.Errorf("publish: audit-relevant event requires %s metadata", event.MetaActorID)
		}
	}
	return nil
}

// commit durably persists a sequenced event, coupling the ledger append
// to the same transaction for audit-relevant events. Runs inside the
// aggregate's critical section (router) and, when auditing, inside the
// chain writer's critical section as well, so the chain head cannot
// move between the append and the transaction commit.
func (b *Bus) commit(ctx context.Context, e event.Event) (event.Event, error) {
	if !e.AuditRelevant() || b.ledger == nil {
		var stored event.Event
		err := b.inTx(ctx, func(ctx context.Context) error {
			var err error
			stored, err = b.log.Append(ctx, e)
			return err
		})
		return stored, err
	}

	// Ledger first: a failed ledger append aborts before the event
	// becomes durable, and a failed event append rolls the ledger
	// entry back with the transaction.
	var stored event.Event
	err := b.ledger.Chain(func(appendRec chain.AppendFunc) error {
		return b.inTx(ctx, func(ctx context.Context) error {
			if _, err := appendRec(ctx, auditRecord(e)); err != nil {
				if b.metrics != nil {
					b.metrics.AuditAppendErrors.Inc()
				}
				return err
			}
			if b.metrics != nil {
				b.metrics.AuditAppendsTotal.Inc()
			}
			var err error
			stored, err = b.log.Append(ctx, e)
			return err
		})
	})
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
}

func (b *Bus) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.db == nil {
		return fn(ctx)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}
	return nil
}

func auditRecord(e event.Event) audit.Record {
	resourceType := e.Metadata[event.MetaResourceType]
	if resourceType == "" {
		resourceType = e.AggregateType
	}
	resourceID := e.Metadata[event.MetaResourceID]
	if resourceID == "" {
		resourceID = e.AggregateID
	}
	return audit.Record{
		EventType:      e.Type,
		ActorID:        e.Metadata[event.MetaActorID],
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Action:         e.Metadata[event.MetaAction],
		Result:         audit.Result(e.Metadata[event.MetaResult]),
		ComplianceTags: e.ComplianceTags(),
	}
}

// broadcast fans the durable event out to every matching subscriber and
// returns the names of those whose queues rejected it.
func (b *Bus) broadcast(ctx context.Context, e event.Event) []string {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var backpressured []string
	for _, s := range subs {
		if !s.filter.Matches(e) {
			continue
		}
		if err := s.submit(ctx, e); errors.Is(err, sentinel.ErrBackpressure) {
			backpressured = append(backpressured, s.name)
		}
	}
	return backpressured
}

func (b *Bus) incPublishFailure() {
	if b.metrics != nil {
		b.metrics.PublishFailures.Inc()
	}
}

// Replay returns the aggregate's events from the given sequence, for
// collaborators rebuilding state.
func (b *Bus) Replay(ctx context.Context, aggregateID string, fromSequence int64) ([]event.Event, error) {
	return b.log.ReadFrom(ctx, aggregateID, fromSequence)
}

// GetCircuitStatus reports the named subscriber's breaker state.
func (b *Bus) GetCircuitStatus(name string) (circuit.Status, error) {
	b.mu.RLock()
	s, ok := b.subs[name]
	b.mu.RUnlock()
	if !ok {
		return circuit.Status{}, fmt.Errorf("subscriber %s: %w", name, sentinel.ErrNotFound)
	}
	return s.breaker.Status(), nil
}

// Status reports every subscriber's delivery state.
func (b *Bus) Status() []SubscriberStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	statuses := make([]SubscriberStatus, 0, len(b.subs))
	for _, s := range b.subs {
		statuses = append(statuses, SubscriberStatus{
			Name:       s.name,
			Circuit:    s.breaker.Status(),
			QueueDepth: len(s.queue),
			Lagging:    s.lagging.Load(),
			Cursor:     s.cursor.Load(),
		})
	}
	return statuses
}

// ListDeadLetters exposes the DLQ for the operational surface.
func (b *Bus) ListDeadLetters(ctx context.Context, filter dlq.Filter) ([]dlq.Entry, error) {
	return b.dlq.List(ctx, filter)
}

// DeadLetterDepth reports the current DLQ size.
func (b *Bus) DeadLetterDepth(ctx context.Context) (int, error) {
	return b.dlq.Depth(ctx)
}

// ReplayDeadLetter re-reads the original event from the durable log and
// re-attempts delivery through the subscriber's breaker. A successful
// replay removes the entry; replaying an already-removed entry is a
// no-op, so scheduled and manual replays can overlap safely.
func (b *Bus) ReplayDeadLetter(ctx context.Context, id uuid.UUID) error {
	entry, err := b.dlq.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b.mu.RLock()
	s, ok := b.subs[entry.Subscriber]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("replay dead letter %s: subscriber %s: %w", id, entry.Subscriber, sentinel.ErrNotFound)
	}

	events, err := b.log.ReadFrom(ctx, entry.AggregateID, entry.Sequence)
	if err != nil {
		return fmt.Errorf("replay dead letter %s: %w", id, err)
	}
	if len(events) == 0 || events[0].Sequence != entry.Sequence || events[0].ID != entry.EventID {
		return fmt.Errorf("replay dead letter %s: event %s: %w", id, entry.EventID, sentinel.ErrNotFound)
	}

	if err := s.deliverOnce(ctx, events[0]); err != nil {
		now := time.Now().UTC()
		entry.RetryCount++
		entry.LastFailedAt = now
		if addErr := b.dlq.Add(ctx, dlq.Entry{
			ID:            uuid.New(),
			EventID:       entry.EventID,
			AggregateID:   entry.AggregateID,
			Sequence:      entry.Sequence,
			Subscriber:    entry.Subscriber,
			Reason:        entry.Reason,
			RetryCount:    1,
			FirstFailedAt: entry.FirstFailedAt,
			LastFailedAt:  now,
		}); addErr != nil {
			b.logger.ErrorContext(ctx, "failed to update dead letter after replay failure",
				"entry_id", id, "error", addErr)
		}
		return fmt.Errorf("replay dead letter %s: %w", id, err)
	}

	if err := b.dlq.Remove(ctx, id); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	b.updateDLQDepth(ctx)
	return nil
}

func (b *Bus) updateDLQDepth(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	if depth, err := b.dlq.Depth(ctx); err == nil {
		b.metrics.DLQDepth.Set(float64(depth))
	}
}

// Handle is what a subscriber holds after registration. Subscribers
// keep no reference to the bus internals.
type Handle struct {
	name string
	bus  *Bus
}

// Name returns the registered subscriber name.
func (h *Handle) Name() string { return h.name }

// Status returns the subscriber's circuit status.
func (h *Handle) Status() (circuit.Status, error) {
	return h.bus.GetCircuitStatus(h.name)
}
