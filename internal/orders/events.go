package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated         = "OrderCreated"
	EventStatusChanged        = "StatusChanged"
	EventPaymentStatusChanged = "PaymentStatusChanged"
)

// Topic carries every order event; partition key is the order id so events of
// one order stay ordered.
const Topic = "order.events"

func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// Event is a domain fact handed to the Notifier after a durable commit.
type Event struct {
	ID         string
	Type       string
	OrderID    string
	OccurredAt time.Time
	Payload    any
}

type OrderCreatedPayload struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	TotalAmount   string `json:"total_amount"`
	PaymentMethod string `json:"payment_method"`
	Email         string `json:"email,omitempty"` // guest contact
}

type StatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

type PaymentStatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

func newEvent(typ, orderID string, at time.Time, payload any) Event {
	return Event{ID: uuid.NewString(), Type: typ, OrderID: orderID, OccurredAt: at.UTC(), Payload: payload}
}

func OrderCreated(o *Order, at time.Time) Event {
	p := OrderCreatedPayload{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		TotalAmount:   o.TotalAmount.StringFixed(2),
		PaymentMethod: string(o.PaymentMethod),
	}
	if o.Guest != nil {
		p.Email = o.Guest.Email
	}
	return newEvent(EventOrderCreated, o.ID, at, p)
}

func StatusChanged(orderID string, from, to Status, at time.Time) Event {
	return newEvent(EventStatusChanged, orderID, at, StatusChangedPayload{
		OrderID: orderID, OldStatus: string(from), NewStatus: string(to),
	})
}

func PaymentStatusChanged(orderID string, from, to PaymentStatus, at time.Time) Event {
	return newEvent(EventPaymentStatusChanged, orderID, at, PaymentStatusChangedPayload{
		OrderID: orderID, OldStatus: string(from), NewStatus: string(to),
	})
}

// Envelope wraps the event in the wire format shared by every transport.
func (e Event) Envelope(producer string) (Envelope, error) {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       e.ID,
		EventType:     e.Type,
		EventVersion:  1,
		OccurredAt:    e.OccurredAt,
		Producer:      producer,
		CorrelationID: e.OrderID,
		Payload:       b,
	}, nil
}

// Notifier accepts events without blocking on delivery. Implementations drop
// rather than wait when they cannot keep up.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
