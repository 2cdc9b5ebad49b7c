package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCreditCard     PaymentMethod = "credit_card"
	PaymentBankTransfer   PaymentMethod = "bank_transfer"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCreditCard, PaymentBankTransfer, PaymentCashOnDelivery:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Product is the catalog snapshot read inside a commit.
type Product struct {
	ID            string
	SKU           string
	Name          string
	Price         decimal.Decimal
	DiscountPrice *decimal.Decimal
	Stock         int
	IsActive      bool
	UpdatedAt     time.Time
}

// UnitPrice is the price frozen into an order line: discount if set, else list price.
func (p Product) UnitPrice() decimal.Decimal {
	if p.DiscountPrice != nil {
		return *p.DiscountPrice
	}
	return p.Price
}

type Address struct {
	ID         string `json:"id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type GuestContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Order struct {
	ID                string
	OrderNumber       string
	TrackingNumber    string
	UserID            string        // empty for guest orders
	Guest             *GuestContact // nil for authenticated orders
	TotalAmount       decimal.Decimal
	PaymentFee        decimal.Decimal
	Status            Status
	PaymentMethod     PaymentMethod
	PaymentStatus     PaymentStatus
	ShippingAddressID string
	ShippingAddress   Address
	Notes             string
	EstimatedDelivery *time.Time
	IdempotencyKey    string
	Items             []OrderItem
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ChargeAmount is what the customer pays: the goods total plus the method fee.
func (o *Order) ChargeAmount() decimal.Decimal {
	return o.TotalAmount.Add(o.PaymentFee)
}

// Clone returns a deep copy safe to hand out of a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Guest != nil {
		g := *o.Guest
		c.Guest = &g
	}
	if o.EstimatedDelivery != nil {
		t := *o.EstimatedDelivery
		c.EstimatedDelivery = &t
	}
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal // frozen at commit
	LineTotal decimal.Decimal
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}
