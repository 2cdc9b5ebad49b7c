package httpx

import (
	"time"

	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/shopspring/decimal"
)

type itemView struct {
	ProductID string          `json:"product_id"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type orderView struct {
	ID                string               `json:"id"`
	OrderNumber       string               `json:"order_number"`
	TrackingNumber    string               `json:"tracking_number"`
	UserID            string               `json:"user_id,omitempty"`
	Guest             *orders.GuestContact `json:"guest,omitempty"`
	TotalAmount       decimal.Decimal      `json:"total_amount"`
	PaymentFee        decimal.Decimal      `json:"payment_fee"`
	AmountDue         decimal.Decimal      `json:"amount_due"`
	Status            orders.Status        `json:"status"`
	PaymentMethod     orders.PaymentMethod `json:"payment_method"`
	PaymentStatus     orders.PaymentStatus `json:"payment_status"`
	ShippingAddress   orders.Address       `json:"shipping_address"`
	Notes             string               `json:"notes,omitempty"`
	EstimatedDelivery *time.Time           `json:"estimated_delivery,omitempty"`
	Items             []itemView           `json:"items"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func toView(o *orders.Order) orderView {
	v := orderView{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		TrackingNumber:    o.TrackingNumber,
		UserID:            o.UserID,
		Guest:             o.Guest,
		TotalAmount:       o.TotalAmount,
		PaymentFee:        o.PaymentFee,
		AmountDue:         o.ChargeAmount(),
		Status:            o.Status,
		PaymentMethod:     o.PaymentMethod,
		PaymentStatus:     o.PaymentStatus,
		ShippingAddress:   o.ShippingAddress,
		Notes:             o.Notes,
		EstimatedDelivery: o.EstimatedDelivery,
		Items:             make([]itemView, 0, len(o.Items)),
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, itemView{ProductID: it.ProductID, Qty: it.Quantity, UnitPrice: it.UnitPrice, LineTotal: it.LineTotal})
	}
	return v
}

// visibleTo mirrors the ownership rule of the order service for cached views.
func (v orderView) visibleTo(id orders.Identity) bool {
	switch c := id.(type) {
	case nil:
		return true
	case orders.Authenticated:
		return c.UserID != "" && c.UserID == v.UserID
	case orders.Guest:
		return v.Guest != nil && equalFold(v.Guest.Email, c.Contact.Email)
	}
	return false
}
