package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/grocery-orders/internal/metrics"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"go.uber.org/zap"
)

// Handler consumes one enveloped event.
type Handler func(ctx context.Context, env orders.Envelope) error

// Queue is the in-process orders.Notifier used when no broker is configured.
// Notify only enqueues; workers deliver in the background. A full queue drops.
type Queue struct {
	ch       chan orders.Event
	handle   Handler
	producer string
	workers  int
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(size, workers int, producer string, h Handler, log *zap.Logger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		ch:       make(chan orders.Event, size),
		handle:   h,
		producer: producer,
		workers:  workers,
		log:      log,
		metrics:  m,
	}
}

func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for ev := range q.ch {
				q.dispatch(ctx, ev)
			}
		}()
	}
}

func (q *Queue) dispatch(ctx context.Context, ev orders.Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("notify_handler_panic", zap.String("event_type", ev.Type), zap.Any("panic", r))
		}
	}()
	env, err := ev.Envelope(q.producer)
	if err != nil {
		q.log.Error("notify_encode_failed", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	if err := q.handle(context.WithoutCancel(ctx), env); err != nil {
		q.log.Warn("notify_failed", zap.String("event_type", ev.Type), zap.String("order_id", ev.OrderID), zap.Error(err))
	}
}

func (q *Queue) Notify(ctx context.Context, ev orders.Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.metrics.NotificationDropped()
		q.log.Warn("notify_dropped", zap.String("event_type", ev.Type), zap.String("order_id", ev.OrderID))
	}
}

// Close stops intake and waits for queued events to drain.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("notify: queue already closed")
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
