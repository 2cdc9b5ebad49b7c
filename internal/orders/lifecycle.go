package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// StatusUpdate is an admin request to move an order along its lifecycle.
// The optional fields are stored with the transition but never gate it.
type StatusUpdate struct {
	OrderID           string
	Status            Status
	TrackingNumber    *string
	EstimatedDelivery *time.Time
	Notes             *string
}

// GetOrder loads an order. A nil caller is an admin; customers only see their own orders.
func (s *Service) GetOrder(ctx context.Context, orderID string, caller Identity) (*Order, error) {
	o, err := s.Store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller != nil && !ownsOrder(caller, o) {
		return nil, ErrNotFound
	}
	return o, nil
}

// UpdateStatus validates the transition and persists it. Moving to CANCELLED
// takes the cancellation path so stock is released.
func (s *Service) UpdateStatus(ctx context.Context, in StatusUpdate) (*Order, error) {
	if !in.Status.Valid() {
		return nil, validationf("unknown status %q", in.Status)
	}
	if in.Status == StatusCancelled {
		return s.Cancel(ctx, in.OrderID, nil)
	}

	ctx, span := s.startSpan(ctx, "orders.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", in.OrderID), attribute.String("to", string(in.Status)))

	var (
		from       Status
		oldPayment PaymentStatus
		out        *Order
	)
	err := s.withinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		from, oldPayment = o.Status, o.PaymentStatus

		if !CanTransition(o.Status, in.Status) {
			return &TransitionError{From: o.Status, To: in.Status}
		}
		// Card orders ship only once the money is in.
		if o.PaymentMethod == PaymentCreditCard && o.PaymentStatus != PaymentPaid &&
			(in.Status == StatusShipped || in.Status == StatusDelivered) {
			return &TransitionError{From: o.Status, To: in.Status}
		}

		o.Status = in.Status
		if in.TrackingNumber != nil && strings.TrimSpace(*in.TrackingNumber) != "" {
			o.TrackingNumber = strings.TrimSpace(*in.TrackingNumber)
		}
		if in.EstimatedDelivery != nil {
			t := in.EstimatedDelivery.UTC()
			o.EstimatedDelivery = &t
		}
		if in.Notes != nil {
			o.Notes = strings.TrimSpace(*in.Notes)
		}
		// Cash is collected at the door.
		if in.Status == StatusDelivered && o.PaymentMethod == PaymentCashOnDelivery {
			o.PaymentStatus = PaymentPaid
		}
		o.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.Metrics.StatusTransition(string(from), string(out.Status))
	s.log().Info("order_status_changed",
		zap.String("order_id", out.ID), zap.String("from", string(from)), zap.String("to", string(out.Status)))
	now := s.now()
	s.notifier().Notify(ctx, StatusChanged(out.ID, from, out.Status, now))
	if oldPayment != out.PaymentStatus {
		s.notifier().Notify(ctx, PaymentStatusChanged(out.ID, oldPayment, out.PaymentStatus, now))
	}
	return out, nil
}

// Cancel moves a PENDING or CONFIRMED order to CANCELLED and releases every
// reserved line. A nil caller is an admin. Cancelling twice returns a
// TransitionError and restocks nothing.
func (s *Service) Cancel(ctx context.Context, orderID string, caller Identity) (*Order, error) {
	ctx, span := s.startSpan(ctx, "orders.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	var (
		from     Status
		out      *Order
		restocks int
	)
	err := s.withinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if caller != nil && !ownsOrder(caller, o) {
			return ErrNotFound
		}
		if !o.Status.Cancellable() {
			return &TransitionError{From: o.Status, To: StatusCancelled}
		}
		from = o.Status
		o.Status = StatusCancelled
		o.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		for _, it := range sortedByProduct(o.Items) {
			n, err := tx.Release(ctx, o.ID, it.ProductID)
			if err != nil {
				return fmt.Errorf("release %s: %w", it.ProductID, err)
			}
			restocks += n
		}
		out = o
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.Metrics.StatusTransition(string(from), string(StatusCancelled))
	s.log().Info("order_cancelled", zap.String("order_id", out.ID), zap.String("from", string(from)), zap.Int("restocked_units", restocks))
	if out.PaymentMethod == PaymentCreditCard && out.PaymentStatus == PaymentPaid {
		s.log().Warn("payment_refund_required", zap.String("order_id", out.ID), zap.String("amount", out.ChargeAmount().StringFixed(2)))
	}
	s.notifier().Notify(ctx, StatusChanged(out.ID, from, StatusCancelled, s.now()))
	return out, nil
}

// RetryPayment re-attempts the card capture for an order still awaiting payment.
// The first successful capture also announces the order, since a declined
// checkout never did.
func (s *Service) RetryPayment(ctx context.Context, orderID string, caller Identity) (*Order, error) {
	ctx, span := s.startSpan(ctx, "orders.RetryPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	o, err := s.GetOrder(ctx, orderID, caller)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != PaymentCreditCard {
		return nil, validationf("payment retry is only available for credit_card orders")
	}

	// settle re-checks status and payment under the order lock.
	if err := s.settle(ctx, o); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrStateTransition) {
			return nil, err
		}
		return o, err
	}
	if o.PaymentStatus == PaymentPaid {
		s.notifier().Notify(ctx, OrderCreated(o, s.now()))
	}
	return o, nil
}

// IsRetryable reports whether err leaves a committed order that the caller may pay again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPaymentDeclined)
}
