package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/internal/audit/chain"
	auditmem "chronicle/internal/audit/store/memory"
	"chronicle/internal/event"
	"chronicle/internal/event/dlq"
	eventmem "chronicle/internal/event/store/memory"
	"chronicle/pkg/platform/circuit"
	"chronicle/pkg/platform/sentinel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	bus     *Bus
	log     *eventmem.Store
	dlq     *dlq.MemoryStore
	cursors *eventmem.CursorStore
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		log:     eventmem.NewStore(),
		dlq:     dlq.NewMemoryStore(),
		cursors: eventmem.NewCursorStore(),
	}
	f.bus = New(f.log, f.dlq, f.cursors, cfg, testLogger(), opts...)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.bus.Stop(ctx)
	})
}

func evt(aggregateID, eventType string) event.Event {
	return event.Event{
		AggregateID:   aggregateID,
		AggregateType: "loan_application",
		Type:          eventType,
		Payload:       json.RawMessage(`{"amount":100}`),
	}
}

// recorder collects deliveries in order and signals each arrival.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	seen   chan event.Event
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan event.Event, 64)}
}

func (r *recorder) handle(_ context.Context, e event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.seen <- e
	return nil
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) wait(t *testing.T, n int) []event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries, have %d", n, len(r.snapshot()))
		case <-r.seen:
		}
	}
}

func TestPublishAssignsContiguousSequences(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		res, err := f.bus.Publish(ctx, evt("app-1", "application.created"))
		require.NoError(t, err)
		assert.Equal(t, want, res.Sequence)
		assert.NotEqual(t, res.ID.String(), "00000000-0000-0000-0000-000000000000")
	}

	res, err := f.bus.Publish(ctx, evt("app-2", "application.created"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Sequence, "aggregates sequence independently")
}

func TestPublishValidation(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	t.Run("missing aggregate id", func(t *testing.T) {
		e := evt("", "application.created")
		_, err := f.bus.Publish(ctx, e)
		require.Error(t, err)
	})

	t.Run("missing payload", func(t *testing.T) {
		e := evt("app-1", "application.created")
		e.Payload = nil
		_, err := f.bus.Publish(ctx, e)
		require.Error(t, err)
	})

	t.Run("audit metadata without ledger", func(t *testing.T) {
		e := evt("app-1", "application.created")
		e.Metadata = map[string]string{
			event.MetaActorID: "user-1",
			event.MetaAction:  "create",
			event.MetaResult:  "success",
		}
		_, err := f.bus.Publish(ctx, e)
		require.Error(t, err)
	})
}

func TestDeliveryFollowsDurability(t *testing.T) {
	f := newFixture(t, Config{})

	var durableAtDelivery []int
	var mu sync.Mutex
	done := make(chan struct{}, 8)
	_, err := f.bus.Subscribe("projection", func(_ context.Context, e event.Event) error {
		mu.Lock()
		durableAtDelivery = append(durableAtDelivery, f.log.Len())
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.bus.Publish(ctx, evt("app-1", "application.created"))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, durable := range durableAtDelivery {
		assert.GreaterOrEqual(t, durable, i+1, "event visible to subscriber before it was durable")
	}
}

func TestSubscriberObservesAggregateOrder(t *testing.T) {
	f := newFixture(t, Config{})
	rec := newRecorder()
	_, err := f.bus.Subscribe("projection", rec.handle, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.bus.Publish(ctx, evt("app-1", "application.updated"))
		require.NoError(t, err)
	}

	got := rec.wait(t, 5)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestFilterRestrictsDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	approvals := newRecorder()
	everything := newRecorder()
	_, err := f.bus.Subscribe("approvals", approvals.handle, event.Filter{
		EventTypes: []string{"application.approved"},
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe("everything", everything.handle, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	_, err = f.bus.Publish(ctx, evt("app-1", "application.created"))
	require.NoError(t, err)
	_, err = f.bus.Publish(ctx, evt("app-1", "application.approved"))
	require.NoError(t, err)

	got := everything.wait(t, 2)
	assert.Len(t, got, 2)

	matched := approvals.wait(t, 1)
	require.Len(t, matched, 1)
	assert.Equal(t, "application.approved", matched[0].Type)
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	f := newFixture(t, Config{
		MaxRetryAttempts: 2,
		RetryBackoffBase: time.Millisecond,
		FailureThreshold: 100,
	})
	_, err := f.bus.Subscribe("flaky", func(context.Context, event.Event) error {
		return errors.New("downstream unavailable")
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	res, err := f.bus.Publish(context.Background(), evt("app-1", "application.created"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := f.dlq.List(context.Background(), dlq.Filter{Subscriber: "flaky"})
		return err == nil && len(entries) == 1
	}, 3*time.Second, 10*time.Millisecond)

	entries, err := f.dlq.List(context.Background(), dlq.Filter{Subscriber: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, dlq.ReasonRetriesExhausted, entries[0].Reason)
	assert.Equal(t, res.ID, entries[0].EventID)
	assert.Equal(t, 2, entries[0].RetryCount)
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	f := newFixture(t, Config{
		FailureThreshold:         2,
		HalfOpenSuccessThreshold: 1,
		OpenTimeout:              50 * time.Millisecond,
		MaxRetryAttempts:         10,
		RetryBackoffBase:         time.Millisecond,
	})

	var failing sync.Mutex
	fail := true
	setFailing := func(v bool) { failing.Lock(); fail = v; failing.Unlock() }
	rec := newRecorder()
	_, err := f.bus.Subscribe("fragile", func(ctx context.Context, e event.Event) error {
		failing.Lock()
		shouldFail := fail
		failing.Unlock()
		if shouldFail {
			return errors.New("boom")
		}
		return rec.handle(ctx, e)
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	_, err = f.bus.Publish(ctx, evt("app-1", "application.created"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := f.bus.GetCircuitStatus("fragile")
		return err == nil && st.State == circuit.StateOpen
	}, 3*time.Second, 5*time.Millisecond, "breaker should open after consecutive failures")

	entries, err := f.dlq.List(ctx, dlq.Filter{Subscriber: "fragile"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonCircuitOpen, entries[0].Reason)

	// While open, deliveries are rejected without invoking the handler.
	_, err = f.bus.Publish(ctx, evt("app-1", "application.updated"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		depth, err := f.dlq.Depth(ctx)
		return err == nil && depth == 2
	}, 3*time.Second, 5*time.Millisecond)

	// After the open timeout a trial delivery closes the breaker again.
	setFailing(false)
	time.Sleep(60 * time.Millisecond)
	_, err = f.bus.Publish(ctx, evt("app-1", "application.approved"))
	require.NoError(t, err)

	rec.wait(t, 1)
	require.Eventually(t, func() bool {
		st, err := f.bus.GetCircuitStatus("fragile")
		return err == nil && st.State == circuit.StateClosed
	}, 3*time.Second, 5*time.Millisecond)
}

func TestQueueOverflowReject(t *testing.T) {
	f := newFixture(t, Config{
		QueueCapacity:    1,
		OverflowPolicy:   PolicyReject,
		MaxRetryAttempts: 1,
	})

	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	rec := newRecorder()
	_, err := f.bus.Subscribe("slow", func(ctx context.Context, e event.Event) error {
		entered <- struct{}{}
		<-gate
		return rec.handle(ctx, e)
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()

	// First event occupies the worker, second fills the queue.
	_, err = f.bus.Publish(ctx, evt("app-1", "application.created"))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up first event")
	}
	_, err = f.bus.Publish(ctx, evt("app-1", "application.updated"))
	require.NoError(t, err)

	// Third publish overflows: durable, dead-lettered, reported.
	res, err := f.bus.Publish(ctx, evt("app-1", "application.approved"))
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, res.Backpressured)
	assert.Equal(t, 3, f.log.Len(), "rejected event is still durable")

	entries, err := f.dlq.List(ctx, dlq.Filter{Subscriber: "slow", Reason: dlq.ReasonQueueFull})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.ID, entries[0].EventID)

	close(gate)
	got := rec.wait(t, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)

	// The overflowed event comes back through replay.
	require.NoError(t, f.bus.ReplayDeadLetter(ctx, entries[0].ID))
	got = rec.wait(t, 3)
	assert.Equal(t, int64(3), got[2].Sequence)
	depth, err := f.dlq.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueueOverflowSpill(t *testing.T) {
	f := newFixture(t, Config{
		QueueCapacity:  1,
		OverflowPolicy: PolicySpill,
	})

	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	rec := newRecorder()
	_, err := f.bus.Subscribe("slow", func(ctx context.Context, e event.Event) error {
		entered <- struct{}{}
		<-gate
		return rec.handle(ctx, e)
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	_, err = f.bus.Publish(ctx, evt("app-1", "application.created"))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up first event")
	}
	_, err = f.bus.Publish(ctx, evt("app-1", "application.updated"))
	require.NoError(t, err)

	res, err := f.bus.Publish(ctx, evt("app-1", "application.approved"))
	require.NoError(t, err)
	assert.Empty(t, res.Backpressured, "spill does not report backpressure")
	depth, err := f.dlq.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "spill does not dead-letter")

	close(gate)
	got := rec.wait(t, 3)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence, "catch-up preserves order without duplicates")
	}
	// No extra deliveries arrive after catch-up completes.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 3)
}

func TestRestartCatchUp(t *testing.T) {
	log := eventmem.NewStore()
	dlqStore := dlq.NewMemoryStore()
	cursors := eventmem.NewCursorStore()
	ctx := context.Background()

	producer := New(log, dlqStore, cursors, Config{}, testLogger())
	require.NoError(t, producer.Start(ctx))
	for i := 0; i < 3; i++ {
		_, err := producer.Publish(ctx, evt("app-1", "application.created"))
		require.NoError(t, err)
	}
	require.NoError(t, producer.Stop(ctx))

	// A consumer starting later replays the backlog from the log.
	consumer := New(log, dlqStore, cursors, Config{}, testLogger())
	rec := newRecorder()
	_, err := consumer.Subscribe("late", rec.handle, event.Filter{})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	got := rec.wait(t, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// A restart after acknowledgment does not redeliver.
	require.NoError(t, consumer.Stop(ctx))
	restarted := New(log, dlqStore, cursors, Config{}, testLogger())
	rec2 := newRecorder()
	_, err = restarted.Subscribe("late", rec2.handle, event.Filter{})
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec2.snapshot())
}

func TestAuditAppendFailureRollsBackPublish(t *testing.T) {
	auditStore := auditmem.NewStore()
	writer := chain.NewWriter(auditStore, chain.WithLogger(testLogger()))
	f := newFixture(t, Config{}, WithLedger(writer))
	f.start(t)

	ctx := context.Background()
	auditEvt := func() event.Event {
		e := evt("app-1", "application.approved")
		e.Metadata = map[string]string{
			event.MetaActorID: "underwriter-7",
			event.MetaAction:  "approve",
			event.MetaResult:  "success",
		}
		return e
	}

	auditStore.FailAppends(errors.New("ledger storage down"))
	_, err := f.bus.Publish(ctx, auditEvt())
	require.Error(t, err, "publish must fail closed when the ledger append fails")
	assert.Zero(t, f.log.Len(), "event must not be visible without its audit record")

	// Recovery: the failed attempt burned no sequence number.
	auditStore.FailAppends(nil)
	res, err := f.bus.Publish(ctx, auditEvt())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Sequence)

	last, ok, err := auditStore.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "application.approved", last.EventType)
	assert.Equal(t, "underwriter-7", last.ActorID)
	assert.Equal(t, chain.Genesis, last.PreviousHash)
}

func TestAuditMetadataValidation(t *testing.T) {
	auditStore := auditmem.NewStore()
	writer := chain.NewWriter(auditStore, chain.WithLogger(testLogger()))
	f := newFixture(t, Config{}, WithLedger(writer))
	f.start(t)

	e := evt("app-1", "application.approved")
	e.Metadata = map[string]string{
		event.MetaActorID: "underwriter-7",
		event.MetaAction:  "approve",
		event.MetaResult:  "partial", // not in the closed result set
	}
	_, err := f.bus.Publish(context.Background(), e)
	require.Error(t, err)
}

func TestReplayDeadLetterIdempotent(t *testing.T) {
	f := newFixture(t, Config{
		MaxRetryAttempts: 1,
		RetryBackoffBase: time.Millisecond,
	})

	var healthy sync.Mutex
	ok := false
	rec := newRecorder()
	_, err := f.bus.Subscribe("flaky", func(ctx context.Context, e event.Event) error {
		healthy.Lock()
		h := ok
		healthy.Unlock()
		if !h {
			return errors.New("boom")
		}
		return rec.handle(ctx, e)
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	_, err = f.bus.Publish(ctx, evt("app-1", "application.created"))
	require.NoError(t, err)

	var entry dlq.Entry
	require.Eventually(t, func() bool {
		entries, err := f.dlq.List(ctx, dlq.Filter{Subscriber: "flaky"})
		if err != nil || len(entries) != 1 {
			return false
		}
		entry = entries[0]
		return true
	}, 3*time.Second, 10*time.Millisecond)

	healthy.Lock()
	ok = true
	healthy.Unlock()

	require.NoError(t, f.bus.ReplayDeadLetter(ctx, entry.ID))
	rec.wait(t, 1)
	depth, err := f.dlq.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Replaying an already-consumed entry is a no-op.
	require.NoError(t, f.bus.ReplayDeadLetter(ctx, entry.ID))
	assert.Len(t, rec.snapshot(), 1)
}

func TestReplayReturnsAggregateHistory(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.bus.Publish(ctx, evt("app-1", "application.updated"))
		require.NoError(t, err)
	}

	events, err := f.bus.Replay(ctx, "app-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestSubscribeAfterStartRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	_, err := f.bus.Subscribe("late", func(context.Context, event.Event) error { return nil }, event.Filter{})
	require.Error(t, err)
}

func TestPublishAfterStopRejected(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.bus.Start(context.Background()))
	require.NoError(t, f.bus.Stop(context.Background()))

	_, err := f.bus.Publish(context.Background(), evt("app-1", "application.created"))
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestStopDrainsQueuedDeliveries(t *testing.T) {
	f := newFixture(t, Config{DrainTimeout: 2 * time.Second})

	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	rec := newRecorder()
	_, err := f.bus.Subscribe("slow", func(ctx context.Context, e event.Event) error {
		entered <- struct{}{}
		<-gate
		return rec.handle(ctx, e)
	}, event.Filter{})
	require.NoError(t, err)
	require.NoError(t, f.bus.Start(context.Background()))

	ctx := context.Background()
	_, err = f.bus.Publish(ctx, evt("app-1", "application.created"))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up first event")
	}
	_, err = f.bus.Publish(ctx, evt("app-1", "application.updated"))
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- f.bus.Stop(ctx) }()
	close(gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Len(t, rec.snapshot(), 2, "queued event delivered during drain")
}

func TestConcurrentPublishesDeliverEverythingInOrder(t *testing.T) {
	f := newFixture(t, Config{QueueCapacity: 4096})

	var mu sync.Mutex
	var got []event.Event
	_, err := f.bus.Subscribe("projection", func(_ context.Context, e event.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	const (
		publishers   = 8
		perPublisher = 50
	)
	total := publishers * perPublisher

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				_, err := f.bus.Publish(context.Background(), evt("app-1", "application.updated"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= total || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, total, "no delivery is ever skipped")
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence, "delivery order matches assignment order")
	}
}

func TestSpillDeliversEventsPublishedWhileLagging(t *testing.T) {
	f := newFixture(t, Config{
		QueueCapacity:  1,
		OverflowPolicy: PolicySpill,
	})

	gate := make(chan struct{})
	rec := newRecorder()
	_, err := f.bus.Subscribe("slow", func(ctx context.Context, e event.Event) error {
		<-gate
		return rec.handle(ctx, e)
	}, event.Filter{})
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.bus.Publish(ctx, evt("app-1", "application.updated"))
		require.NoError(t, err)
	}

	// The queue is full by now, so this publish lands while the
	// subscriber is lagging and must surface via catch-up.
	_, err = f.bus.Publish(ctx, evt("app-1", "application.approved"))
	require.NoError(t, err)

	close(gate)
	got := rec.wait(t, 4)
	time.Sleep(50 * time.Millisecond)
	got = rec.snapshot()

	require.Len(t, got, 4, "no duplicates after the catch-up transition")
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}
