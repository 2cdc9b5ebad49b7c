package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	WebhookSuccess = "success"
	WebhookFailed  = "failed"
)

type PaymentWebhook struct {
	OrderID        string          `json:"order_id"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	Status         string          `json:"status"` // success | failed
	Signature      string          `json:"signature"`
}

// paymentClaims is what the provider signs. Every field must match the body.
type paymentClaims struct {
	OrderID        string `json:"order_id"`
	CapturedAmount string `json:"captured_amount"`
	Status         string `json:"status"`
	jwt.RegisteredClaims
}

// WebhookVerifier checks the HS256 signature the payment provider attaches
// to each callback.
type WebhookVerifier struct {
	secret []byte
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

// Sign produces the signature for a callback. Used by the provider simulator and tests.
func (v *WebhookVerifier) Sign(orderID string, amount decimal.Decimal, status string, now time.Time) (string, error) {
	c := paymentClaims{
		OrderID:        orderID,
		CapturedAmount: amount.StringFixed(2),
		Status:         status,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

func (v *WebhookVerifier) Verify(in PaymentWebhook) error {
	if v == nil || len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	var c paymentClaims
	_, err := jwt.ParseWithClaims(in.Signature, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	amt, err := decimal.NewFromString(c.CapturedAmount)
	if err != nil {
		return fmt.Errorf("%w: bad captured_amount claim", ErrInvalidSignature)
	}
	if c.OrderID != in.OrderID || c.Status != in.Status || !amt.Equal(in.CapturedAmount) {
		return fmt.Errorf("%w: claims do not match payload", ErrInvalidSignature)
	}
	return nil
}

// ApplyPaymentWebhook records an asynchronous payment result. The signature is
// verified first and any mismatch rejects the update as a whole.
func (s *Service) ApplyPaymentWebhook(ctx context.Context, in PaymentWebhook) (*Order, error) {
	ctx, span := s.startSpan(ctx, "orders.ApplyPaymentWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", in.OrderID), attribute.String("status", in.Status))

	if err := s.Webhooks.Verify(in); err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.log().Warn("webhook_rejected", zap.String("order_id", in.OrderID), zap.Error(err))
		return nil, err
	}
	var next PaymentStatus
	switch in.Status {
	case WebhookSuccess:
		next = PaymentPaid
	case WebhookFailed:
		next = PaymentFailed
	default:
		return nil, validationf("unknown webhook status %q", in.Status)
	}

	var (
		old PaymentStatus
		out *Order
	)
	err := s.withinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		old = o.PaymentStatus
		if !in.CapturedAmount.Equal(o.ChargeAmount()) {
			return validationf("captured amount %s does not match %s", in.CapturedAmount.StringFixed(2), o.ChargeAmount().StringFixed(2))
		}
		if o.PaymentStatus == PaymentPaid {
			if next == PaymentPaid {
				out = o // duplicate delivery
				return nil
			}
			return fmt.Errorf("%w: order already paid", ErrStateTransition)
		}
		if o.Status == StatusCancelled {
			return fmt.Errorf("%w: order is cancelled", ErrStateTransition)
		}
		o.PaymentStatus = next
		o.UpdatedAt = s.now().UTC()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrNotFound) {
			s.log().Warn("webhook_not_applied", zap.String("order_id", in.OrderID), zap.Error(err))
		}
		return nil, err
	}

	s.Metrics.PaymentAttempt(string(out.PaymentMethod), "webhook_"+in.Status)
	if old != out.PaymentStatus {
		s.log().Info("payment_status_changed", zap.String("order_id", out.ID),
			zap.String("from", string(old)), zap.String("to", string(out.PaymentStatus)))
		s.notifier().Notify(ctx, PaymentStatusChanged(out.ID, old, out.PaymentStatus, s.now()))
	}
	return out, nil
}
