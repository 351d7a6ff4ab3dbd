package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/security"
)

const (
	// DefaultWorkers is the number of delivery goroutines started by Start
	DefaultWorkers = 2

	// DefaultQueueSize bounds the deliveries waiting for a worker
	DefaultQueueSize = 1024

	// queueMetricName labels dropped deliveries in metrics
	queueMetricName = "queue"
)

type namedAlert struct {
	name string
	fn   security.AlertFunc
}

type namedSink struct {
	name string
	sink security.EventSink
}

// Fanout forwards alerts and events to named destinations.
//
// Once started, deliveries from an attached Monitor are queued and run by
// worker goroutines so the recording request never waits on a destination.
// A full queue drops the delivery and counts it.
type Fanout struct {
	mu      sync.RWMutex
	alerts  []namedAlert
	sinks   []namedSink
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	qmu     sync.RWMutex
	queue   chan func()
	closed  bool
	workers sync.WaitGroup
	dropped atomic.Int64
}

// New creates an empty Fanout. metrics may be nil.
func New(metrics *instrumentation.Metrics, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		metrics: metrics,
		logger:  logger,
	}
}

// AddAlertCallback registers an alert destination
func (f *Fanout) AddAlertCallback(name string, fn security.AlertFunc) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, namedAlert{name: name, fn: fn})
}

// AddSink registers an event destination
func (f *Fanout) AddSink(name string, sink security.EventSink) {
	if sink == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
}

// Attach registers the fanout with m as both alert callback and event sink.
// Deliveries are queued when the fanout has been started and run inline
// otherwise.
func (f *Fanout) Attach(m *security.Monitor) {
	m.AddAlertCallback(func(ctx context.Context, alert security.Alert) error {
		if f.destinations().alerts == 0 {
			return nil
		}
		ctx = context.WithoutCancel(ctx)
		f.enqueue(func() { _ = f.Alert(ctx, alert) })
		return nil
	})
	m.AddSink(security.EventSinkFunc(func(ctx context.Context, event security.Event) error {
		if f.destinations().sinks == 0 {
			return nil
		}
		ctx = context.WithoutCancel(ctx)
		f.enqueue(func() { _ = f.HandleEvent(ctx, event) })
		return nil
	}))
}

type counts struct {
	alerts, sinks int
}

func (f *Fanout) destinations() counts {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return counts{alerts: len(f.alerts), sinks: len(f.sinks)}
}

// Start launches workers delivery goroutines over a queue of queueSize.
// Non-positive values use DefaultWorkers and DefaultQueueSize. Calls after
// the first are no-ops.
func (f *Fanout) Start(workers, queueSize int) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	f.qmu.Lock()
	defer f.qmu.Unlock()
	if f.queue != nil || f.closed {
		return
	}
	f.queue = make(chan func(), queueSize)
	for range workers {
		f.workers.Add(1)
		go f.work(f.queue)
	}
}

func (f *Fanout) work(queue <-chan func()) {
	defer f.workers.Done()
	for run := range queue {
		run()
	}
}

// enqueue hands run to a worker without blocking. Before Start it runs
// inline; after Close or on a full queue the delivery is dropped.
func (f *Fanout) enqueue(run func()) {
	f.qmu.RLock()
	if f.queue == nil && !f.closed {
		f.qmu.RUnlock()
		run()
		return
	}
	defer f.qmu.RUnlock()

	if !f.closed {
		select {
		case f.queue <- run:
			return
		default:
		}
	}
	n := f.dropped.Add(1)
	f.metrics.RecordDeliveryDropped(context.Background(), queueMetricName)
	f.logger.Warn("Notification dropped", "dropped_total", n, "closed", f.closed)
}

// Dropped returns how many deliveries were dropped
func (f *Fanout) Dropped() int64 {
	return f.dropped.Load()
}

// Close stops accepting deliveries and waits for queued ones to finish,
// or for ctx to end.
func (f *Fanout) Close(ctx context.Context) error {
	f.qmu.Lock()
	if f.closed {
		f.qmu.Unlock()
		return nil
	}
	f.closed = true
	if f.queue != nil {
		close(f.queue)
	}
	f.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		f.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain notification queue: %w", ctx.Err())
	}
}

// Alert delivers alert to every alert destination and joins their errors
func (f *Fanout) Alert(ctx context.Context, alert security.Alert) error {
	f.mu.RLock()
	targets := f.alerts
	f.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		err := deliver(func() error { return t.fn(ctx, alert) })
		f.metrics.RecordDelivery(ctx, t.name, err)
		if err != nil {
			f.logger.Warn("Alert delivery failed",
				"sink", t.name,
				"event_type", string(alert.Type),
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

// HandleEvent implements security.EventSink
func (f *Fanout) HandleEvent(ctx context.Context, event security.Event) error {
	f.mu.RLock()
	targets := f.sinks
	f.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		err := deliver(func() error { return t.sink.HandleEvent(ctx, event) })
		f.metrics.RecordDelivery(ctx, t.name, err)
		if err != nil {
			f.logger.Debug("Event delivery failed",
				"sink", t.name,
				"event_type", string(event.Type),
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

func deliver(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// SafeDetails returns a copy of details fit for delivery outside the
// process: credential-like fields are masked and the identity is reduced
// to a masked e-mail.
func SafeDetails(details map[string]any) map[string]any {
	return security.RedactDetails(details)
}
