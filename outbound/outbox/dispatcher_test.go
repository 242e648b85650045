//go:build unit

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AzRea7/OneHaven/outbound/log"
)

type fakeLedger struct {
	mu          sync.Mutex
	events      map[int64]*Event
	nextID      int64
	listDueErr  error
	countDueErr error
	markErr     error
	listCalls   int
	countCalls  int
}

func newFakeLedger(events ...*Event) *fakeLedger {
	ledger := &fakeLedger{events: make(map[int64]*Event)}
	for _, event := range events {
		ledger.nextID++
		clone := *event
		clone.ID = ledger.nextID
		ledger.events[clone.ID] = &clone
	}

	return ledger
}

func (ledger *fakeLedger) Enqueue(_ context.Context, _ Tx, eventType string, payload json.RawMessage) (*Event, error) {
	event, err := NewEvent(eventType, payload)
	if err != nil {
		return nil, err
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	ledger.nextID++
	event.ID = ledger.nextID
	ledger.events[event.ID] = event

	clone := *event

	return &clone, nil
}

func (ledger *fakeLedger) ListDue(_ context.Context, limit, maxAttempts int, now time.Time) ([]*Event, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	ledger.listCalls++

	if ledger.listDueErr != nil {
		return nil, ledger.listDueErr
	}

	due := make([]*Event, 0, len(ledger.events))
	for _, event := range ledger.events {
		if event.Due(now, maxAttempts) {
			clone := *event
			due = append(due, &clone)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (ledger *fakeLedger) CountDue(_ context.Context, maxAttempts int, now time.Time) (int, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	ledger.countCalls++

	if ledger.countDueErr != nil {
		return 0, ledger.countDueErr
	}

	count := 0
	for _, event := range ledger.events {
		if event.Due(now, maxAttempts) {
			count++
		}
	}

	return count, nil
}

func (ledger *fakeLedger) GetByID(_ context.Context, id int64) (*Event, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	event, ok := ledger.events[id]
	if !ok {
		return nil, errors.New("event not found")
	}

	clone := *event

	return &clone, nil
}

func (ledger *fakeLedger) MarkDelivered(_ context.Context, id int64, attempts int, deliveredAt time.Time) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	if ledger.markErr != nil {
		return ledger.markErr
	}

	event := ledger.events[id]
	event.Status = StatusDelivered
	event.Attempts = attempts
	event.DeliveredAt = &deliveredAt
	event.NextAttemptAt = nil
	event.LastError = ""

	return nil
}

func (ledger *fakeLedger) MarkRetry(_ context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	if ledger.markErr != nil {
		return ledger.markErr
	}

	event := ledger.events[id]
	event.Attempts = attempts
	event.NextAttemptAt = &nextAttemptAt
	event.LastError = lastError

	return nil
}

func (ledger *fakeLedger) MarkFailed(_ context.Context, id int64, attempts int, lastError string) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	if ledger.markErr != nil {
		return ledger.markErr
	}

	event := ledger.events[id]
	event.Status = StatusFailed
	event.Attempts = attempts
	event.NextAttemptAt = nil
	event.LastError = lastError

	return nil
}

func (ledger *fakeLedger) snapshot(id int64) Event {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	return *ledger.events[id]
}

type fakeSink struct {
	mu         sync.Mutex
	name       string
	err        error
	eventTypes []string
	eventIDs   []any
}

func (sink *fakeSink) Name() string { return sink.name }

func (sink *fakeSink) Deliver(_ context.Context, eventType string, data map[string]any) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	sink.eventTypes = append(sink.eventTypes, eventType)
	sink.eventIDs = append(sink.eventIDs, data["event_id"])

	return sink.err
}

func (sink *fakeSink) calls() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	return len(sink.eventTypes)
}

func pendingEvent(eventType, payload string) *Event {
	return &Event{
		EventType: eventType,
		Payload:   json.RawMessage(payload),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func newTestDispatcher(t *testing.T, ledger Ledger, sinks SinkProvider, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")

	dispatcher, err := NewDispatcher(ledger, sinks, log.NewNop(), tracer, opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, NewStaticSinkProvider(), nil, nil)
	require.ErrorIs(t, err, ErrLedgerRequired)

	_, err = NewDispatcher(newFakeLedger(), nil, nil, nil)
	require.ErrorIs(t, err, ErrSinkProviderRequired)
}

func TestDispatchPendingSkipsWhenNoSinksEnabled(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(pendingEvent("listing.created", `{"listing_id":1}`))
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider())

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.True(t, result.SkippedNoSinks)
	require.Zero(t, result.Events)
	require.Zero(t, ledger.listCalls)

	require.Equal(t, StatusPending, ledger.snapshot(1).Status)
	require.Zero(t, ledger.snapshot(1).Attempts)
}

func TestDispatchPendingDeliversOldestFirst(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(
		pendingEvent("listing.created", `{"listing_id":1}`),
		pendingEvent("listing.updated", `{"listing_id":1}`),
		pendingEvent("listing.created", `{"listing_id":2}`),
	)
	sink := &fakeSink{name: "partner"}
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(sink))

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.Events)
	require.Equal(t, 3, result.Delivered)
	require.Zero(t, result.Failed)
	require.Equal(t, 1, result.Sinks)

	require.Equal(t, []string{"listing.created", "listing.updated", "listing.created"}, sink.eventTypes)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, sink.eventIDs)

	for id := int64(1); id <= 3; id++ {
		got := ledger.snapshot(id)
		require.Equal(t, StatusDelivered, got.Status)
		require.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.DeliveredAt)
		require.Empty(t, got.LastError)
	}
}

func TestDispatchPendingRetriesWithBackoffGate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := 5 * time.Second

	ledger := newFakeLedger(pendingEvent("listing.created", `{"listing_id":1}`))
	sink := &fakeSink{name: "partner", err: errors.New("HTTP 500: boom")}
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(sink),
		WithBackoff(base, time.Hour),
		WithClock(func() time.Time { return now }),
	)

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Events)
	require.Zero(t, result.Delivered)

	// A retried event still counts as a failed delivery for this pass.
	require.Equal(t, 1, result.Failed)

	got := ledger.snapshot(1)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Contains(t, got.LastError, "partner")
	require.Contains(t, got.LastError, "HTTP 500")
	require.NotNil(t, got.NextAttemptAt)

	// First retry gate is base plus jitter bounded by base.
	gap := got.NextAttemptAt.Sub(now)
	require.GreaterOrEqual(t, gap, base)
	require.Less(t, gap, 2*base)
}

func TestDispatchPendingConvergesToFailed(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ledger := newFakeLedger(pendingEvent("listing.created", `{"listing_id":1}`))
	sink := &fakeSink{name: "partner", err: errors.New("HTTP 500: boom")}
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(sink),
		WithMaxAttempts(3),
		WithBackoff(time.Second, time.Minute),
		WithClock(func() time.Time { return now }),
	)

	for pass := 0; pass < 3; pass++ {
		// Advance past any backoff gate left by the previous pass.
		now = now.Add(time.Hour)

		result, err := dispatcher.DispatchPending(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Events)
		require.Equal(t, 1, result.Failed)
	}

	got := ledger.snapshot(1)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
	require.Contains(t, got.LastError, "HTTP 500")
	require.Nil(t, got.NextAttemptAt)
	require.Equal(t, 3, sink.calls())

	// Terminal events never come back.
	now = now.Add(time.Hour)

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Events)
	require.Equal(t, 3, sink.calls())
}

func TestDispatchPendingFansOutToAllSinks(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(pendingEvent("listing.created", `{"listing_id":1}`))
	broken := &fakeSink{name: "broken", err: errors.New("HTTP 503: down")}
	healthy := &fakeSink{name: "healthy"}
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(broken, healthy))

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Events)
	require.Zero(t, result.Delivered)
	require.Equal(t, 1, result.Failed)

	// A broken destination never starves the healthy one.
	require.Equal(t, 1, broken.calls())
	require.Equal(t, 1, healthy.calls())

	got := ledger.snapshot(1)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Contains(t, got.LastError, "broken")
}

func TestDispatchPendingContainsMarkFailures(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(
		pendingEvent("listing.created", `{"listing_id":1}`),
		pendingEvent("listing.created", `{"listing_id":2}`),
	)
	ledger.markErr = errors.New("db down")

	sink := &fakeSink{name: "partner"}
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(sink))

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Events)
	require.Equal(t, 2, result.Delivered)
	require.Equal(t, 2, sink.calls())
}

func TestDispatchPendingPacesEachSinkDelivery(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(pendingEvent("listing.created", `{"listing_id":1}`))
	sinks := []Sink{
		&fakeSink{name: "first"},
		&fakeSink{name: "second"},
		&fakeSink{name: "third"},
	}

	// 50 rps means 20ms between individual deliveries. Fanning one event
	// out to three sinks pays the gap twice after the initial token.
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(sinks...), WithRPS(50))

	start := time.Now()

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Delivered)

	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestDispatchPendingHonorsBatchSize(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger(
		pendingEvent("listing.created", `{"listing_id":1}`),
		pendingEvent("listing.created", `{"listing_id":2}`),
		pendingEvent("listing.created", `{"listing_id":3}`),
	)
	sink := &fakeSink{name: "partner"}
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(sink), WithBatchSize(2))

	result, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Events)
	require.Equal(t, []any{int64(1), int64(2)}, sink.eventIDs)
}

func TestHasDueWork(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider())

	hasWork, err := dispatcher.HasDueWork(context.Background())
	require.NoError(t, err)
	require.False(t, hasWork)

	_, err = ledger.Enqueue(context.Background(), nil, "listing.created", json.RawMessage(`{"listing_id":1}`))
	require.NoError(t, err)

	hasWork, err = dispatcher.HasDueWork(context.Background())
	require.NoError(t, err)
	require.True(t, hasWork)
}

func TestDispatchPendingListError(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	ledger.listDueErr = errors.New("db down")

	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(&fakeSink{name: "partner"}))

	_, err := dispatcher.DispatchPending(context.Background())
	require.ErrorContains(t, err, "listing due events")
}

func TestRunContextQuietWhenIdle(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(&fakeSink{name: "partner"}),
		WithDispatchInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dispatcher.RunContext(ctx) }()

	require.Eventually(t, func() bool {
		ledger.mu.Lock()
		defer ledger.mu.Unlock()

		return ledger.countCalls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	dispatcher.Stop()
	require.NoError(t, <-done)

	// Idle passes only count; they never list or touch events.
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.Zero(t, ledger.listCalls)
}

func TestRunContextRejectsSecondRun(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	dispatcher := newTestDispatcher(t, ledger, NewStaticSinkProvider(),
		WithDispatchInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dispatcher.RunContext(ctx) }()

	require.Eventually(t, func() bool {
		dispatcher.runStateMu.Lock()
		defer dispatcher.runStateMu.Unlock()

		return dispatcher.running
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, dispatcher.RunContext(ctx), ErrDispatcherRunning)

	dispatcher.Stop()
	require.NoError(t, <-done)
	require.NoError(t, dispatcher.Shutdown(context.Background()))
}
