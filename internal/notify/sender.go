package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ExchangeName = "order_notifications"
	ExchangeType = "topic"
)

// LogSender writes notifications to the service log.
type LogSender struct{ Log *zap.Logger }

func (s LogSender) Send(ctx context.Context, n Notification) error {
	s.Log.Info("notification",
		zap.String("event_type", n.EventType),
		zap.String("order_id", n.OrderID),
		zap.String("subject", n.Subject),
	)
	return nil
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitSender hands notifications to the mail/SMS workers over RabbitMQ.
type RabbitSender struct {
	ch amqpPublisher
}

func NewRabbitSender(ch *amqp.Channel) *RabbitSender { return &RabbitSender{ch: ch} }

// RoutingKey: order.<event_type> (e.g. order.statuschanged)
func RoutingKey(eventType string) string { return "order." + strings.ToLower(eventType) }

func (s *RabbitSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("could not marshal notification: %w", err)
	}
	return s.ch.PublishWithContext(ctx,
		ExchangeName,
		RoutingKey(n.EventType),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.EventID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
}

// SetupRabbit dials with a short retry and declares the topic exchange.
func SetupRabbit(url string, log *zap.Logger) (*amqp.Connection, *amqp.Channel, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn("rabbitmq_dial_failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("could not declare exchange: %w", err)
	}
	return conn, ch, nil
}
