package notify

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/grocery-orders/internal/kafka"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/ariefcatur/grocery-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notification is what a Sender delivers to the customer channel.
type Notification struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	OrderID   string `json:"order_id"`
	Email     string `json:"email,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Service turns order events into customer notifications. Each event is
// delivered at most once per dedup window; delivery errors are logged only.
type Service struct {
	Redis  *redis.Client // nil disables dedup
	Sender Sender
	Name   string // dedup namespace
	Log    *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// HandleMessage dipasang sebagai handler consumer Kafka.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// poison message: log and commit so the partition keeps moving
		s.logger().Error("notify_bad_message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	return s.Handle(ctx, env)
}

func (s *Service) Handle(ctx context.Context, env orders.Envelope) error {
	n, ok, err := render(env)
	if err != nil {
		s.logger().Error("notify_bad_payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil // ignore
	}

	// dedup via Redis (pakai event_id)
	if s.Redis != nil {
		first, err := redisx.MarkOnce(ctx, s.Redis, redisx.DedupKey(s.name(), env.EventID), redisx.TTLDedup)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			s.logger().Debug("notify_duplicate", zap.String("event_id", env.EventID))
			return nil
		}
	}

	if err := s.Sender.Send(ctx, n); err != nil {
		s.logger().Warn("notify_send_failed",
			zap.String("event_id", env.EventID), zap.String("order_id", n.OrderID), zap.Error(err))
		return nil
	}
	s.logger().Info("notify_sent", zap.String("event_type", n.EventType), zap.String("order_id", n.OrderID))
	return nil
}

func (s *Service) name() string {
	if s.Name == "" {
		return "notifier"
	}
	return s.Name
}

func render(env orders.Envelope) (Notification, bool, error) {
	n := Notification{EventID: env.EventID, EventType: env.EventType, OrderID: env.CorrelationID}
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return n, false, err
		}
		n.OrderID, n.Email = p.OrderID, p.Email
		n.Subject = fmt.Sprintf("Order %s received", p.OrderNumber)
		n.Body = fmt.Sprintf("We received your order %s totalling %s, paid by %s.", p.OrderNumber, p.TotalAmount, p.PaymentMethod)
	case orders.EventStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.StatusChangedPayload](env.Payload)
		if err != nil {
			return n, false, err
		}
		n.OrderID = p.OrderID
		n.Subject = fmt.Sprintf("Order update: %s", p.NewStatus)
		n.Body = fmt.Sprintf("Your order moved from %s to %s.", p.OldStatus, p.NewStatus)
	case orders.EventPaymentStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.PaymentStatusChangedPayload](env.Payload)
		if err != nil {
			return n, false, err
		}
		n.OrderID = p.OrderID
		n.Subject = fmt.Sprintf("Payment %s", p.NewStatus)
		n.Body = fmt.Sprintf("Payment for your order is now %s.", p.NewStatus)
	default:
		return n, false, nil
	}
	return n, true, nil
}
