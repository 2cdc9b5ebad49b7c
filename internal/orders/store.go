package orders

import (
	"context"
	"strings"
)

// Catalog reads the live product row. Inside a Tx this is the same snapshot
// that Reserve mutates. A missing product returns ErrNotFound.
type Catalog interface {
	Product(ctx context.Context, id string) (*Product, error)
}

// Ledger owns the stock counters.
//
// Reserve is a single conditional decrement: it succeeds only when stock >= qty
// at the instant of the write, otherwise it returns *InsufficientStockError.
// Release gives back exactly the reserved quantity, at most once per
// reservation, and returns how much was restocked (0 if already released).
type Ledger interface {
	Reserve(ctx context.Context, orderID, productID string, qty int) error
	Release(ctx context.Context, orderID, productID string) (int, error)
}

// Tx is one atomic unit of work. Nothing written through it is visible to
// other readers until WithinTx returns nil.
type Tx interface {
	Catalog
	Ledger

	// Address returns a saved address or ErrNotFound.
	Address(ctx context.Context, id string) (*Address, error)
	// FindByIdempotencyKey returns nil, nil when the key was never used by owner.
	FindByIdempotencyKey(ctx context.Context, owner, key string) (*Order, error)
	// InsertOrder writes the header and items. A clash on order or tracking
	// number returns ErrDuplicateNumber.
	InsertOrder(ctx context.Context, o *Order) error
	// LockOrder loads an order with its items and holds it until the tx ends.
	LockOrder(ctx context.Context, id string) (*Order, error)
	// UpdateOrder persists status, payment and shipping fields. Items never change.
	UpdateOrder(ctx context.Context, o *Order) error
}

type Store interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Order(ctx context.Context, id string) (*Order, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// Owner is the idempotency scope of the order: user id, or guest email.
func (o *Order) Owner() string {
	if o.Guest != nil {
		return "guest:" + strings.ToLower(strings.TrimSpace(o.Guest.Email))
	}
	return o.UserID
}
