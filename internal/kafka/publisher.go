package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ariefcatur/grocery-orders/internal/metrics"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher is the orders.Notifier that ships events to Kafka.
type EventPublisher struct {
	Producer    *Producer
	ServiceName string
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

func (p *EventPublisher) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func (p *EventPublisher) Notify(ctx context.Context, ev orders.Event) {
	env, err := ev.Envelope(p.ServiceName)
	if err != nil {
		p.logger().Error("notify_encode_failed", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		p.logger().Error("notify_encode_failed", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	ok := p.Producer.TryPublish(orders.PartitionKey(ev.OrderID), value,
		kafka.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	)
	if !ok {
		p.Metrics.NotificationDropped()
		p.logger().Warn("notify_dropped", zap.String("event_type", ev.Type), zap.String("order_id", ev.OrderID))
	}
}
