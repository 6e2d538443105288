// Package notify delivers usage threshold warnings off the request path.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/quotaguard/internal/clock"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 2
	deliveryTimeout    = 5 * time.Second
	EventTypeThreshold = "usage.threshold"
)

// ThresholdEvent is one warning, identified by a ULID so consumers can dedupe.
type ThresholdEvent struct {
	ID          string               `json:"id"`
	Type        string               `json:"type"`
	Identity    quotadomain.Identity `json:"identity"`
	PercentUsed int                  `json:"percent_used"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// Handler delivers an event to one destination.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event ThresholdEvent) error
}

// Dispatcher queues events on a bounded channel and delivers them from a fixed
// worker pool. A full queue drops the event rather than blocking the caller.
type Dispatcher struct {
	log      *zap.Logger
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
	handlers []Handler
	queue    chan ThresholdEvent
	workers  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewDispatcher(log *zap.Logger, clk clock.Clock, metrics *obsmetrics.Metrics, queueSize, workers int, handlers ...Handler) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		log:      log.Named("notify.dispatcher"),
		clock:    clk,
		metrics:  metrics,
		handlers: handlers,
		queue:    make(chan ThresholdEvent, queueSize),
		workers:  workers,
	}
}

// NotifyUsageThreshold never blocks.
func (d *Dispatcher) NotifyUsageThreshold(ctx context.Context, identity quotadomain.Identity, percentUsed int) {
	event := ThresholdEvent{
		ID:          ulid.Make().String(),
		Type:        EventTypeThreshold,
		Identity:    identity,
		PercentUsed: percentUsed,
		OccurredAt:  d.clock.Now(),
	}

	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		d.metrics.RecordNotification(ctx, "dropped")
		d.log.Warn("notification queue full, dropping threshold event",
			zap.String("identity", identity.Key()),
			zap.Int("percent_used", percentUsed),
		)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Stop halts the workers and waits for in-flight deliveries until ctx expires.
// Events still queued are discarded.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *Dispatcher) deliver(event ThresholdEvent) {
	for _, handler := range d.handlers {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := handler.Handle(ctx, event)
		cancel()
		if err != nil {
			d.metrics.RecordNotification(context.Background(), "failed")
			d.log.Warn("threshold notification failed",
				zap.String("handler", handler.Name()),
				zap.String("notification_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		d.metrics.RecordNotification(context.Background(), "delivered")
	}
}
