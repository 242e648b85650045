package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/AzRea7/OneHaven/outbound"
	"github.com/AzRea7/OneHaven/outbound/backoff"
	"github.com/AzRea7/OneHaven/outbound/log"
	"github.com/AzRea7/OneHaven/outbound/runtime"
)

// Dispatcher drains due outbox events and fans each one out to every
// enabled sink.
type Dispatcher struct {
	ledger  Ledger
	sinks   SinkProvider
	logger  log.Logger
	tracer  trace.Tracer
	cfg     DispatcherConfig
	limiter *rate.Limiter
	now     func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// DispatchResult captures one dispatch pass outcome.
type DispatchResult struct {
	// Events is how many due events the pass picked up.
	Events int
	// Delivered counts events accepted by every enabled sink.
	Delivered int
	// Failed counts events whose delivery failed this pass, whether they
	// were scheduled for retry or exhausted their attempt budget.
	Failed int
	// Sinks is how many sinks the pass fanned out to.
	Sinks int
	// SkippedNoSinks is set when no sink was enabled and the pass
	// returned without touching the ledger.
	SkippedNoSinks bool
}

// NewDispatcher creates an outbox dispatcher over a ledger and sink
// provider.
func NewDispatcher(
	ledger Ledger,
	sinks SinkProvider,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if ledger == nil {
		return nil, ErrLedgerRequired
	}

	if sinks == nil {
		return nil, ErrSinkProviderRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("outbound.noop")
	}

	dispatcher := &Dispatcher{
		ledger: ledger,
		sinks:  sinks,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultDispatcherConfig(),
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.cfg.RPS > 0 {
		dispatcher.limiter = rate.NewLimiter(rate.Limit(dispatcher.cfg.RPS), 1)
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// HasDueWork reports whether any event is currently eligible for
// dispatch. The run loop uses this as a cheap pre-check so idle passes
// never load sink configuration or emit per-pass logs.
func (dispatcher *Dispatcher) HasDueWork(ctx context.Context) (bool, error) {
	if dispatcher == nil || dispatcher.ledger == nil {
		return false, ErrDispatcherRequired
	}

	due, err := dispatcher.ledger.CountDue(ctx, dispatcher.cfg.MaxAttempts, dispatcher.now())
	if err != nil {
		return false, fmt.Errorf("counting due events: %w", err)
	}

	return due > 0, nil
}

// DispatchPending runs one dispatch pass: snapshot the enabled sinks,
// list due events oldest first, and attempt delivery of each one to
// every sink.
//
// Each event's ledger row is finalized immediately after its delivery
// attempt, so a crash mid-pass loses at most the in-flight event's
// bookkeeping, never completed ones. Sink and ledger failures are
// contained per event; the returned error only reports failures that
// prevented the pass itself from running.
func (dispatcher *Dispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	if dispatcher == nil || dispatcher.ledger == nil || dispatcher.sinks == nil {
		return DispatchResult{}, ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := dispatcher.now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	sinks, err := dispatcher.sinks.EnabledSinks(ctx)
	if err != nil {
		span.RecordError(err)

		return DispatchResult{}, fmt.Errorf("resolving enabled sinks: %w", err)
	}

	if len(sinks) == 0 {
		span.SetAttributes(attribute.Bool("outbox.dispatch.skipped_no_sinks", true))

		return DispatchResult{SkippedNoSinks: true}, nil
	}

	events, err := dispatcher.ledger.ListDue(ctx, dispatcher.cfg.BatchSize, dispatcher.cfg.MaxAttempts, start)
	if err != nil {
		span.RecordError(err)

		return DispatchResult{Sinks: len(sinks)}, fmt.Errorf("listing due events: %w", err)
	}

	result := DispatchResult{Sinks: len(sinks)}
	dispatcher.recordQueueDepth(ctx, int64(len(events)))

	exhausted := 0

	// Delivery is at-least-once: a crash between sink acceptance and
	// MarkDelivered replays the event, and receivers dedupe on event_id.
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		result.Events++

		deliverErr := dispatcher.deliverToAll(ctx, event, sinks)

		if deliverErr != nil && ctx.Err() != nil {
			// Interrupted mid-event; leave it pending without burning an
			// attempt so the next pass picks it up cleanly.
			result.Events--

			break
		}

		attempts := event.Attempts + 1

		if deliverErr == nil {
			dispatcher.finalizeDelivered(ctx, event, attempts)

			result.Delivered++

			continue
		}

		result.Failed++

		if dispatcher.finalizeFailure(ctx, event, attempts, deliverErr) {
			exhausted++
		}
	}

	dispatcher.addDelivered(ctx, int64(result.Delivered))
	dispatcher.addFailed(ctx, int64(exhausted))
	dispatcher.recordDispatchLatency(ctx, time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("outbox.dispatch.events", result.Events),
		attribute.Int("outbox.dispatch.delivered", result.Delivered),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.sinks", result.Sinks),
	)

	return result, nil
}

// RunContext polls for due work on the dispatch interval until Stop is
// called or ctx is cancelled. Idle ticks stay silent; only passes with
// actual work produce logs.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.ledger == nil || dispatcher.sinks == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.Duration("interval", dispatcher.cfg.DispatchInterval))
	defer dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher stopped")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.runPass(ctx)

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runPass(ctx)
		}
	}
}

// Stop signals the run loop to stop. Safe to call more than once.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the run loop and waits for the in-flight pass to
// finish, bounded by ctx.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, dispatcher.logger, "outbox", "dispatcher_shutdown_wait", func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// runPass executes one quiet-checked dispatch pass inside the run loop.
func (dispatcher *Dispatcher) runPass(ctx context.Context) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	passCtx := outbound.ContextWithCorrelationID(ctx, "")
	passCtx, span := dispatcher.tracer.Start(passCtx, "outbox.dispatcher.pass")
	defer span.End()
	defer runtime.RecoverAndLog(passCtx, dispatcher.logger, "outbox", "dispatcher_pass")

	hasWork, err := dispatcher.HasDueWork(passCtx)
	if err != nil {
		span.RecordError(err)
		dispatcher.logger.Log(passCtx, log.LevelError, "outbox due-work check failed", log.Err(err))

		return
	}

	if !hasWork {
		return
	}

	result, err := dispatcher.DispatchPending(passCtx)
	if err != nil {
		span.RecordError(err)
		dispatcher.logger.Log(passCtx, log.LevelError, "outbox dispatch pass failed", log.Err(err))

		return
	}

	if result.SkippedNoSinks {
		dispatcher.logger.Log(passCtx, log.LevelDebug, "outbox dispatch skipped: no enabled sinks")

		return
	}

	dispatcher.logger.Log(passCtx, log.LevelInfo, "outbox dispatch pass completed",
		log.Int("events", result.Events),
		log.Int("delivered", result.Delivered),
		log.Int("failed", result.Failed),
		log.Int("sinks", result.Sinks),
	)
}

// deliverToAll fans one event out to every sink, pacing each individual
// delivery attempt at the configured rate. All sinks are attempted even
// after a failure so a broken destination cannot starve the others; the
// last failure wins as the stored error.
func (dispatcher *Dispatcher) deliverToAll(ctx context.Context, event *Event, sinks []Sink) error {
	data, err := event.envelopeData()
	if err != nil {
		return fmt.Errorf("building envelope: %w", err)
	}

	var lastErr error

	for _, sink := range sinks {
		if sink == nil {
			continue
		}

		if err := dispatcher.pace(ctx); err != nil {
			return fmt.Errorf("pacing delivery: %w", err)
		}

		if err := sink.Deliver(ctx, event.EventType, data); err != nil {
			lastErr = fmt.Errorf("%s: %w", sink.Name(), err)

			dispatcher.logger.Log(ctx, log.LevelWarn, "outbox sink delivery failed",
				log.Int64("event_id", event.ID),
				log.String("event_type", event.EventType),
				log.String("sink", sink.Name()),
				log.String("error", sanitizeErrorForStorage(err)),
			)
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) finalizeDelivered(ctx context.Context, event *Event, attempts int) {
	if err := dispatcher.ledger.MarkDelivered(ctx, event.ID, attempts, dispatcher.now()); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError,
			"outbox event delivered but failed to persist delivered state; event may be redelivered",
			log.Int64("event_id", event.ID),
			log.String("error", sanitizeErrorForStorage(err)),
		)
	}
}

// finalizeFailure records a failed pass and reports whether the event
// went terminal.
func (dispatcher *Dispatcher) finalizeFailure(ctx context.Context, event *Event, attempts int, deliverErr error) bool {
	lastError := sanitizeErrorForStorage(deliverErr)

	if attempts >= dispatcher.cfg.MaxAttempts {
		if err := dispatcher.ledger.MarkFailed(ctx, event.ID, attempts, lastError); err != nil {
			dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox event failed",
				log.Int64("event_id", event.ID),
				log.String("error", sanitizeErrorForStorage(err)),
			)
		}

		dispatcher.logger.Log(ctx, log.LevelError, "outbox event exhausted attempt budget",
			log.Int64("event_id", event.ID),
			log.String("event_type", event.EventType),
			log.Int("attempts", attempts),
			log.String("last_error", lastError),
		)

		return true
	}

	nextAttemptAt := dispatcher.now().Add(
		backoff.Delivery(dispatcher.cfg.BackoffBase, dispatcher.cfg.BackoffCap, attempts))

	if err := dispatcher.ledger.MarkRetry(ctx, event.ID, attempts, nextAttemptAt, lastError); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox event for retry",
			log.Int64("event_id", event.ID),
			log.String("error", sanitizeErrorForStorage(err)),
		)
	}

	dispatcher.addRetried(ctx, 1)

	return false
}

func (dispatcher *Dispatcher) pace(ctx context.Context) error {
	if dispatcher.limiter == nil {
		return nil
	}

	return dispatcher.limiter.Wait(ctx)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (dispatcher *Dispatcher) recordQueueDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.queueDepth == nil {
		return
	}

	dispatcher.metrics.queueDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDelivered(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsDelivered == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsDelivered.Add(ctx, count)
}

func (dispatcher *Dispatcher) addRetried(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsRetried == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsRetried.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.eventsFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.eventsFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
}
