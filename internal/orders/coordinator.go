package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type CreateOrderInput struct {
	Identity Identity
	Items    []ItemInput
	// ShippingAddressID references a saved address of an authenticated user.
	// Guests, and users without a saved address, send ShippingAddress inline.
	ShippingAddressID string
	ShippingAddress   *Address
	PaymentMethod     PaymentMethod
	Notes             string
	IdempotencyKey    string
}

type CreateOrderResult struct {
	Order *Order
	// Idempotent is set when the key matched an order committed earlier.
	Idempotent bool
	// PaymentErr reports a capture that did not go through. The order is
	// committed and stays PENDING so the customer can retry.
	PaymentErr error
}

// CreateOrder validates the cart, commits order, items and stock reservations
// as one unit, then runs the payment gate. Nothing is written when any step of
// the commit fails.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	ctx, span := s.startSpan(ctx, "orders.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.String("payment_method", string(in.PaymentMethod)))

	if err := checkCreateInput(in); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	var (
		res *CreateOrderResult
		err error
	)
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		res, err = s.commitOrder(ctx, in)
		if !errors.Is(err, ErrDuplicateNumber) {
			break
		}
		s.log().Warn("order_number_collision", zap.Int("attempt", attempt))
	}
	s.Metrics.ObserveCommit(time.Since(start))
	if err != nil {
		s.Metrics.CommitFailed(failureReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log().Info("order_commit_failed", zap.String("reason", failureReason(err)), zap.Error(err))
		return nil, err
	}

	o := res.Order
	span.SetAttributes(attribute.String("order_id", o.ID))
	if res.Idempotent {
		s.log().Info("order_replayed", zap.String("order_id", o.ID), zap.String("idempotency_key", in.IdempotencyKey))
		return res, nil
	}

	s.Metrics.OrderCreated(string(o.PaymentMethod))
	s.log().Info("order_committed",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("total", o.TotalAmount.StringFixed(2)),
		zap.String("payment_method", string(o.PaymentMethod)),
	)

	// Payment runs after the commit is durable; a failure here never undoes the order.
	if perr := s.settle(ctx, o); perr != nil {
		res.PaymentErr = perr
		span.AddEvent("payment_declined")
		return res, nil
	}
	s.notifier().Notify(ctx, OrderCreated(o, s.now()))
	return res, nil
}

func (s *Service) commitOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	res := &CreateOrderResult{}
	owner := in.Identity.Owner()

	err := s.withinTx(ctx, func(ctx context.Context, tx Tx) error {
		if in.IdempotencyKey != "" {
			prev, err := tx.FindByIdempotencyKey(ctx, owner, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				res.Order, res.Idempotent = prev, true
				return nil
			}
		}

		addr, err := resolveAddress(ctx, tx, in)
		if err != nil {
			return err
		}

		// Validate against the same rows that Reserve will mutate.
		items, total, err := s.Validator.Validate(ctx, tx, in.Items)
		if err != nil {
			return err
		}
		fee, err := s.gate().Check(in.PaymentMethod, total, addr.City)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		orderNo, trackingNo := s.numbers(now)
		o := &Order{
			ID:                uuid.NewString(),
			OrderNumber:       orderNo,
			TrackingNumber:    trackingNo,
			TotalAmount:       total,
			PaymentFee:        fee,
			Status:            StatusPending,
			PaymentMethod:     in.PaymentMethod,
			PaymentStatus:     PaymentPending,
			ShippingAddressID: addr.ID,
			ShippingAddress:   *addr,
			Notes:             strings.TrimSpace(in.Notes),
			IdempotencyKey:    in.IdempotencyKey,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		switch id := in.Identity.(type) {
		case Authenticated:
			o.UserID = id.UserID
		case Guest:
			g := id.Contact
			g.Email = strings.TrimSpace(g.Email)
			o.Guest = &g
		}
		for i := range items {
			items[i].ID = uuid.NewString()
			items[i].OrderID = o.ID
		}
		o.Items = items

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		// Ascending product id keeps concurrent multi-product commits from deadlocking.
		for _, it := range sortedByProduct(items) {
			if err := tx.Reserve(ctx, o.ID, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		res.Order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// settle captures a card payment while holding the order lock. A concurrent
// cancel or second capture for the same order waits behind it and then sees
// the recorded result. Only card orders change here.
func (s *Service) settle(ctx context.Context, o *Order) error {
	if o.PaymentMethod != PaymentCreditCard {
		s.Metrics.PaymentAttempt(string(o.PaymentMethod), "deferred")
		return nil
	}

	var (
		old      PaymentStatus
		status   PaymentStatus
		captured bool
	)
	err := s.withinTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.PaymentStatus == PaymentPaid || !cur.Status.Cancellable() {
			*o = *cur
			return fmt.Errorf("%w: payment already settled or order closed", ErrStateTransition)
		}
		status, err = s.gate().Settle(ctx, cur)
		if err != nil {
			return err
		}
		captured = true
		old = cur.PaymentStatus
		cur.PaymentStatus = status
		cur.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOrder(ctx, cur); err != nil {
			return err
		}
		*o = *cur
		return nil
	})
	switch {
	case err == nil:
	case captured:
		// The card was charged but we could not record it; leave it for the webhook.
		s.Metrics.PaymentAttempt(string(o.PaymentMethod), "captured")
		s.log().Error("payment_record_failed", zap.String("order_id", o.ID), zap.Error(err))
		return nil
	case errors.Is(err, ErrPaymentDeclined):
		s.Metrics.PaymentAttempt(string(o.PaymentMethod), "declined")
		s.log().Warn("payment_declined", zap.String("order_id", o.ID), zap.Error(err))
		return err
	default:
		return err
	}

	s.Metrics.PaymentAttempt(string(o.PaymentMethod), "captured")
	if old != status {
		s.notifier().Notify(ctx, PaymentStatusChanged(o.ID, old, status, s.now()))
	}
	return nil
}

func checkCreateInput(in CreateOrderInput) error {
	if err := validateIdentity(in.Identity); err != nil {
		return err
	}
	if !in.PaymentMethod.Valid() {
		return validationf("unknown payment method %q", in.PaymentMethod)
	}
	if len(in.Items) == 0 {
		return validationf("cart is empty")
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" || it.Qty < 1 {
			return validationf("each item needs product_id and qty >= 1")
		}
	}
	if len(in.IdempotencyKey) > 128 {
		return validationf("idempotency key too long")
	}
	switch in.Identity.(type) {
	case Guest:
		if in.ShippingAddressID != "" {
			return validationf("guest orders need an inline address")
		}
	case Authenticated:
		if in.ShippingAddressID == "" && in.ShippingAddress == nil {
			return validationf("shipping address required")
		}
	}
	return nil
}

func resolveAddress(ctx context.Context, tx Tx, in CreateOrderInput) (*Address, error) {
	switch id := in.Identity.(type) {
	case Guest:
		a := id.Address
		if in.ShippingAddress != nil {
			a = *in.ShippingAddress
		}
		if !inlineAddressValid(a) {
			return nil, fmt.Errorf("%w: full_name, line1 and city are required", ErrInvalidAddress)
		}
		a.ID, a.UserID = "", ""
		return &a, nil
	case Authenticated:
		if in.ShippingAddressID == "" {
			a := *in.ShippingAddress
			if !inlineAddressValid(a) {
				return nil, fmt.Errorf("%w: full_name, line1 and city are required", ErrInvalidAddress)
			}
			a.ID, a.UserID = "", id.UserID
			return &a, nil
		}
		a, err := tx.Address(ctx, in.ShippingAddressID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: address %s not found", ErrInvalidAddress, in.ShippingAddressID)
		}
		if err != nil {
			return nil, err
		}
		if a.UserID != id.UserID {
			return nil, fmt.Errorf("%w: address %s does not belong to user", ErrInvalidAddress, in.ShippingAddressID)
		}
		return a, nil
	}
	return nil, validationf("identity required")
}

func sortedByProduct(items []OrderItem) []OrderItem {
	out := append([]OrderItem(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrPaymentBoundsExceeded):
		return "payment_bounds"
	case errors.Is(err, ErrTransactionConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicateNumber):
		return "duplicate_number"
	}
	return "internal"
}
