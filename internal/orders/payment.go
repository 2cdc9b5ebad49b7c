package orders

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	cardMin     = decimal.NewFromInt(10)
	cardMax     = decimal.NewFromInt(10000)
	cardFeeRate = decimal.RequireFromString("0.025")
	transferMin = decimal.NewFromInt(50)
	codMax      = decimal.NewFromInt(500)
	codFee      = decimal.NewFromInt(5)
)

// Capturer charges a card synchronously. A nil error means the money moved.
type Capturer interface {
	Capture(ctx context.Context, orderID string, amount decimal.Decimal) error
}

// Gate applies the per-method payment policy. It never touches order status.
type Gate struct {
	Capturer Capturer
	// CODCities lists the destinations served by cash on delivery.
	CODCities []string
}

// Check enforces the eligibility bounds and returns the method fee.
// It runs inside the commit before anything is written.
func (g *Gate) Check(method PaymentMethod, amount decimal.Decimal, city string) (decimal.Decimal, error) {
	switch method {
	case PaymentCreditCard:
		if amount.LessThan(cardMin) || amount.GreaterThan(cardMax) {
			return decimal.Zero, &BoundsError{Method: method, Amount: amount, Reason: "amount must be between 10 and 10000"}
		}
		return amount.Mul(cardFeeRate).Round(2), nil
	case PaymentBankTransfer:
		if amount.LessThan(transferMin) {
			return decimal.Zero, &BoundsError{Method: method, Amount: amount, Reason: "amount must be at least 50"}
		}
		return decimal.Zero, nil
	case PaymentCashOnDelivery:
		if amount.GreaterThan(codMax) {
			return decimal.Zero, &BoundsError{Method: method, Amount: amount, Reason: "amount must not exceed 500"}
		}
		if !g.codServes(city) {
			return decimal.Zero, &BoundsError{Method: method, Amount: amount, Reason: fmt.Sprintf("city %q not served", city)}
		}
		return codFee, nil
	}
	return decimal.Zero, validationf("unknown payment method %q", method)
}

func (g *Gate) codServes(city string) bool {
	city = strings.TrimSpace(city)
	for _, c := range g.CODCities {
		if strings.EqualFold(c, city) {
			return true
		}
	}
	return false
}

// Settle runs the post-commit capture step. Card orders are charged now and
// become PAID on success; other methods stay PENDING until settled out of band.
func (g *Gate) Settle(ctx context.Context, o *Order) (PaymentStatus, error) {
	if o.PaymentMethod != PaymentCreditCard {
		return PaymentPending, nil
	}
	if g.Capturer == nil {
		return PaymentPending, fmt.Errorf("%w: no card processor configured", ErrPaymentDeclined)
	}
	if err := g.Capturer.Capture(ctx, o.ID, o.ChargeAmount()); err != nil {
		return PaymentPending, fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	}
	return PaymentPaid, nil
}

// MockCapturer simulates a card network that approves a fixed share of charges.
type MockCapturer struct {
	mu          sync.Mutex
	random      *rand.Rand
	successRate float64
}

func NewMockCapturer(successRate float64) *MockCapturer {
	return &MockCapturer{
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
	}
}

func (m *MockCapturer) Capture(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.random.Float64() < m.successRate {
		return nil
	}
	return fmt.Errorf("card declined for order %s", orderID)
}

func (m *MockCapturer) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successRate
}
