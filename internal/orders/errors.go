package orders

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation            = errors.New("order: validation failed")
	ErrProductUnavailable    = errors.New("order: product unavailable")
	ErrInsufficientStock     = errors.New("order: insufficient stock")
	ErrInvalidAddress        = errors.New("order: invalid shipping address")
	ErrPaymentDeclined       = errors.New("order: payment declined")
	ErrPaymentBoundsExceeded = errors.New("order: payment bounds exceeded")
	ErrStateTransition       = errors.New("order: operation not allowed")
	ErrNotFound              = errors.New("order: not found")
	ErrTransactionConflict   = errors.New("order: transaction conflict")
	ErrDuplicateNumber       = errors.New("order: duplicate order number")
	ErrInvalidSignature      = errors.New("order: invalid webhook signature")
)

type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type ProductUnavailableError struct {
	ProductID string `json:"product_id"`
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s is unavailable", e.ProductID)
}

func (e *ProductUnavailableError) Is(target error) bool { return target == ErrProductUnavailable }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("order: %s is final, cannot move to %s", e.From, e.To)
	}
	return fmt.Sprintf("order: transition %s -> %s not allowed", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrStateTransition }

type BoundsError struct {
	Method PaymentMethod
	Amount decimal.Decimal
	Reason string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("payment %s not allowed for amount %s: %s", e.Method, e.Amount.StringFixed(2), e.Reason)
}

func (e *BoundsError) Is(target error) bool { return target == ErrPaymentBoundsExceeded }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransactionConflict, fmt.Sprintf(format, args...))
}
