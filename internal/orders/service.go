package orders

import (
	"context"
	"strings"
	"time"

	"github.com/ariefcatur/grocery-orders/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultCommitTimeout = 5 * time.Second
	numberAttempts       = 3
)

// Service is the order use-case layer: create, lifecycle, payment.
// It holds no order state itself; everything goes through Store.
type Service struct {
	Store     Store
	Gate      *Gate
	Validator Validator
	Notifier  Notifier
	Webhooks  *WebhookVerifier
	Log       *zap.Logger
	Metrics   *metrics.Metrics

	// CommitTimeout bounds each atomic unit, including lock waits.
	CommitTimeout time.Duration
	Now           func() time.Time
	Numbers       func(now time.Time) (orderNumber, trackingNumber string)
}

var tracer = otel.Tracer("github.com/ariefcatur/grocery-orders/internal/orders")

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) notifier() Notifier {
	if s.Notifier == nil {
		return NopNotifier{}
	}
	return s.Notifier
}

func (s *Service) gate() *Gate {
	if s.Gate == nil {
		return &Gate{}
	}
	return s.Gate
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func (s *Service) numbers(now time.Time) (string, string) {
	if s.Numbers != nil {
		return s.Numbers(now)
	}
	return GenerateNumbers(now)
}

// withinTx runs fn as one atomic unit bounded by CommitTimeout. Running out of
// time while waiting on a lock is reported as ErrTransactionConflict.
func (s *Service) withinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	timeout := s.CommitTimeout
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.Store.WithinTx(cctx, fn)
	if err != nil && ctx.Err() == nil && cctx.Err() != nil {
		return conflictf("commit timed out after %s: %v", timeout, err)
	}
	return err
}

// GenerateNumbers returns a date-seeded order number and tracking number with
// random suffixes, e.g. ORD-20260102-3FA85F64 and TRK2026010210A3C9E2F1.
// Uniqueness is enforced by the store, not here.
func GenerateNumbers(now time.Time) (string, string) {
	day := now.UTC().Format("20060102")
	return "ORD-" + day + "-" + randomSuffix(8), "TRK" + day + randomSuffix(10)
}

func randomSuffix(n int) string {
	s := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return s[:n]
}
