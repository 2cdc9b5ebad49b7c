package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Validator prices a cart against the catalog and checks availability.
// By default it stops at the first failing line; CollectAll joins every failure.
type Validator struct {
	CollectAll bool
}

// Validate returns the priced lines in cart order plus their total.
// Lines for the same product are merged.
func (v Validator) Validate(ctx context.Context, cat Catalog, lines []ItemInput) ([]OrderItem, decimal.Decimal, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, decimal.Zero, err
	}

	items := make([]OrderItem, 0, len(merged))
	total := decimal.Zero
	var errs []error

	for _, ln := range merged {
		p, err := cat.Product(ctx, ln.ProductID)
		switch {
		case errors.Is(err, ErrNotFound):
			err = &ProductUnavailableError{ProductID: ln.ProductID}
		case err != nil:
			return nil, decimal.Zero, fmt.Errorf("load product %s: %w", ln.ProductID, err)
		case p == nil || !p.IsActive:
			err = &ProductUnavailableError{ProductID: ln.ProductID}
		case p.Stock < ln.Qty:
			err = &InsufficientStockError{ProductID: ln.ProductID, Requested: ln.Qty, Available: p.Stock}
		}
		if err != nil {
			if !v.CollectAll {
				return nil, decimal.Zero, err
			}
			errs = append(errs, err)
			continue
		}

		unit := p.UnitPrice().Round(2)
		line := unit.Mul(decimal.NewFromInt(int64(ln.Qty))).Round(2)
		items = append(items, OrderItem{
			ProductID: ln.ProductID,
			Quantity:  ln.Qty,
			UnitPrice: unit,
			LineTotal: line,
		})
		total = total.Add(line)
	}
	if len(errs) > 0 {
		return nil, decimal.Zero, errors.Join(errs...)
	}
	return items, total, nil
}

func mergeLines(lines []ItemInput) ([]ItemInput, error) {
	if len(lines) == 0 {
		return nil, validationf("cart is empty")
	}
	out := make([]ItemInput, 0, len(lines))
	idx := make(map[string]int, len(lines))
	for _, ln := range lines {
		id := strings.TrimSpace(ln.ProductID)
		if id == "" {
			return nil, validationf("product_id required")
		}
		if ln.Qty < 1 {
			return nil, validationf("invalid qty for product %s", id)
		}
		if i, ok := idx[id]; ok {
			out[i].Qty += ln.Qty
			continue
		}
		idx[id] = len(out)
		out = append(out, ItemInput{ProductID: id, Qty: ln.Qty})
	}
	return out, nil
}
