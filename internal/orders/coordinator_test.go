package orders_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/grocery-orders/internal/memory"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/shopspring/decimal"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []orders.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev orders.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type stubCapturer struct {
	approve atomic.Bool
	calls   atomic.Int32
}

func (c *stubCapturer) Capture(ctx context.Context, orderID string, amount decimal.Decimal) error {
	c.calls.Add(1)
	if c.approve.Load() {
		return nil
	}
	return errors.New("do not honor")
}

// gatedCapturer approves every charge, but only once release is closed.
type gatedCapturer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newGatedCapturer() *gatedCapturer {
	return &gatedCapturer{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *gatedCapturer) Capture(ctx context.Context, orderID string, amount decimal.Decimal) error {
	c.calls.Add(1)
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fixture struct {
	store    *memory.Store
	svc      *orders.Service
	notes    *recordingNotifier
	capturer *stubCapturer
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore()
	disc := dec("2.99")
	for _, p := range []orders.Product{
		{ID: "A", SKU: "A", Name: "Apples", Price: dec("10"), Stock: 10, IsActive: true},
		{ID: "B", SKU: "B", Name: "Bread", Price: dec("5"), Stock: 5, IsActive: true},
		{ID: "C", SKU: "C", Name: "Cheese", Price: dec("3.50"), DiscountPrice: &disc, Stock: 20, IsActive: true},
		{ID: "D", SKU: "D", Name: "Discontinued", Price: dec("1"), Stock: 5, IsActive: false},
		{ID: "S", SKU: "S", Name: "Saffron", Price: dec("20"), Stock: 1, IsActive: true},
		{ID: "W", SKU: "W", Name: "Wagyu", Price: dec("300"), Stock: 10, IsActive: true},
	} {
		st.PutProduct(p)
	}
	st.PutAddress(orders.Address{ID: "addr-1", UserID: "u1", FullName: "Budi", Line1: "Jl. Sudirman 1", City: "Jakarta"})
	st.PutAddress(orders.Address{ID: "addr-2", UserID: "u2", FullName: "Sari", Line1: "Jl. Asia Afrika 2", City: "Bandung"})

	c := &stubCapturer{}
	c.approve.Store(true)
	n := &recordingNotifier{}
	return &fixture{
		store:    st,
		notes:    n,
		capturer: c,
		svc: &orders.Service{
			Store:         st,
			Gate:          &orders.Gate{Capturer: c, CODCities: []string{"Jakarta"}},
			Notifier:      n,
			Webhooks:      orders.NewWebhookVerifier("whsec"),
			CommitTimeout: 2 * time.Second,
		},
	}
}

func authed(method orders.PaymentMethod, items ...orders.ItemInput) orders.CreateOrderInput {
	return orders.CreateOrderInput{
		Identity:          orders.Authenticated{UserID: "u1"},
		Items:             items,
		ShippingAddressID: "addr-1",
		PaymentMethod:     method,
	}
}

func item(id string, qty int) orders.ItemInput { return orders.ItemInput{ProductID: id, Qty: qty} }

func sumLines(o *orders.Order) decimal.Decimal {
	s := decimal.Zero
	for _, it := range o.Items {
		s = s.Add(it.LineTotal)
	}
	return s
}

func TestCreateOrderEndToEnd(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCashOnDelivery, item("A", 2), item("B", 1)))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	o := res.Order
	if !o.TotalAmount.Equal(dec("25")) {
		t.Fatalf("total = %s, want 25", o.TotalAmount)
	}
	if !o.PaymentFee.Equal(dec("5")) {
		t.Fatalf("fee = %s, want 5", o.PaymentFee)
	}
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentPending {
		t.Fatalf("status = %s/%s", o.Status, o.PaymentStatus)
	}
	if got := f.store.Stock("A"); got != 8 {
		t.Fatalf("stock A = %d, want 8", got)
	}
	if got := f.store.Stock("B"); got != 4 {
		t.Fatalf("stock B = %d, want 4", got)
	}
	if o.OrderNumber == "" || o.TrackingNumber == "" {
		t.Fatal("missing order or tracking number")
	}
	if o.ShippingAddress.City != "Jakarta" {
		t.Fatalf("address snapshot = %+v", o.ShippingAddress)
	}
	if types := f.notes.types(); len(types) != 1 || types[0] != orders.EventOrderCreated {
		t.Fatalf("events = %v", types)
	}
	stored, err := f.store.Order(context.Background(), o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !sumLines(stored).Equal(stored.TotalAmount) {
		t.Fatalf("sum of lines %s != total %s", sumLines(stored), stored.TotalAmount)
	}
}

func TestCreateOrderFreezesDiscountPrice(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCreditCard, item("C", 3), item("A", 1)))
	if err != nil {
		t.Fatal(err)
	}
	o := res.Order
	if !o.TotalAmount.Equal(dec("18.97")) || !sumLines(o).Equal(o.TotalAmount) {
		t.Fatalf("total = %s, lines = %s", o.TotalAmount, sumLines(o))
	}

	// later catalog changes do not touch the committed line
	f.store.PutProduct(orders.Product{ID: "C", SKU: "C", Name: "Cheese", Price: dec("9"), Stock: 17, IsActive: true})
	stored, _ := f.store.Order(context.Background(), o.ID)
	for _, it := range stored.Items {
		if it.ProductID == "C" && !it.UnitPrice.Equal(dec("2.99")) {
			t.Fatalf("unit price changed to %s", it.UnitPrice)
		}
	}
	if !o.PaymentFee.Equal(dec("0.47")) {
		t.Fatalf("card fee = %s, want 0.47", o.PaymentFee)
	}
	if o.PaymentStatus != orders.PaymentPaid {
		t.Fatalf("payment = %s, want PAID", o.PaymentStatus)
	}
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	f := newFixture(t)
	const n = 2
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		ok      atomic.Int32
		noStock atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCreditCard, item("S", 1)))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, orders.ErrInsufficientStock):
				noStock.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || noStock.Load() != 1 {
		t.Fatalf("ok=%d insufficient=%d", ok.Load(), noStock.Load())
	}
	if got := f.store.Stock("S"); got != 0 {
		t.Fatalf("stock S = %d, want 0", got)
	}
}

func TestManyConcurrentCommitsDrainStockExactly(t *testing.T) {
	f := newFixture(t)
	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// cart order differs from the lock order on purpose
			_, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCreditCard, item("B", 1), item("A", 1)))
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, orders.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 5 {
		t.Fatalf("successful orders = %d, want 5", ok.Load())
	}
	if f.store.Stock("B") != 0 || f.store.Stock("A") != 5 {
		t.Fatalf("stock A=%d B=%d", f.store.Stock("A"), f.store.Stock("B"))
	}
}

func TestFailedReservationRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCreditCard, item("A", 2), item("B", 6)))
	var se *orders.InsufficientStockError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want InsufficientStockError", err)
	}
	if se.ProductID != "B" || se.Requested != 6 || se.Available != 5 {
		t.Fatalf("detail = %+v", se)
	}
	if f.store.Stock("A") != 10 || f.store.Stock("B") != 5 {
		t.Fatal("stock changed after a failed commit")
	}
	if len(f.notes.types()) != 0 {
		t.Fatal("notification emitted for a failed commit")
	}
}

func TestCreateOrderRejections(t *testing.T) {
	cases := []struct {
		name string
		in   orders.CreateOrderInput
		want error
	}{
		{"inactive product", authed(orders.PaymentCreditCard, item("D", 1), item("A", 1)), orders.ErrProductUnavailable},
		{"unknown product", authed(orders.PaymentCreditCard, item("nope", 1)), orders.ErrProductUnavailable},
		{"zero qty", authed(orders.PaymentCreditCard, item("A", 0)), orders.ErrValidation},
		{"empty cart", authed(orders.PaymentCreditCard), orders.ErrValidation},
		{"unknown method", authed("bitcoin", item("A", 1)), orders.ErrValidation},
		{"cod over 500", authed(orders.PaymentCashOnDelivery, item("W", 2)), orders.ErrPaymentBoundsExceeded},
		{"card under 10", authed(orders.PaymentCreditCard, item("B", 1)), orders.ErrPaymentBoundsExceeded},
		{"transfer under 50", authed(orders.PaymentBankTransfer, item("A", 2)), orders.ErrPaymentBoundsExceeded},
		{"foreign address", func() orders.CreateOrderInput {
			in := authed(orders.PaymentCreditCard, item("A", 1))
			in.ShippingAddressID = "addr-2"
			return in
		}(), orders.ErrInvalidAddress},
		{"missing address", func() orders.CreateOrderInput {
			in := authed(orders.PaymentCreditCard, item("A", 1))
			in.ShippingAddressID = "addr-404"
			return in
		}(), orders.ErrInvalidAddress},
		{"cod to unserved city", func() orders.CreateOrderInput {
			in := authed(orders.PaymentCashOnDelivery, item("A", 1))
			in.ShippingAddressID = ""
			in.ShippingAddress = &orders.Address{FullName: "Budi", Line1: "Jl. Braga 5", City: "Bandung"}
			return in
		}(), orders.ErrPaymentBoundsExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateOrder(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if f.store.Stock("A") != 10 || f.store.Stock("W") != 10 {
				t.Fatal("stock mutated by a rejected order")
			}
		})
	}
}

func TestCancelRestocksExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 2), item("B", 1)))
	if err != nil {
		t.Fatal(err)
	}
	caller := orders.Authenticated{UserID: "u1"}

	o, err := f.svc.Cancel(ctx, res.Order.ID, caller)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if o.Status != orders.StatusCancelled {
		t.Fatalf("status = %s", o.Status)
	}
	if f.store.Stock("A") != 10 || f.store.Stock("B") != 5 {
		t.Fatalf("stock after cancel A=%d B=%d", f.store.Stock("A"), f.store.Stock("B"))
	}

	_, err = f.svc.Cancel(ctx, res.Order.ID, caller)
	if !errors.Is(err, orders.ErrStateTransition) {
		t.Fatalf("second cancel err = %v", err)
	}
	if f.store.Stock("A") != 10 || f.store.Stock("B") != 5 {
		t.Fatal("second cancel restocked again")
	}
}

func TestConcurrentCancelsRestockOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 3)))
	if err != nil {
		t.Fatal(err)
	}
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Cancel(ctx, res.Order.ID, nil); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("%d cancels succeeded", won.Load())
	}
	if f.store.Stock("A") != 10 {
		t.Fatalf("stock A = %d, want 10", f.store.Stock("A"))
	}
}

func TestCancelRequiresOwner(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCashOnDelivery, item("A", 1)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Cancel(context.Background(), res.Order.ID, orders.Authenticated{UserID: "u2"})
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if f.store.Stock("A") != 9 {
		t.Fatal("stranger cancelled the order")
	}
}

func TestCancelNotAllowedAfterPreparing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1)))
	for _, s := range []orders.Status{orders.StatusConfirmed, orders.StatusPreparing} {
		if _, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: res.Order.ID, Status: s}); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}
	_, err := f.svc.Cancel(ctx, res.Order.ID, nil)
	var te *orders.TransitionError
	if !errors.As(err, &te) || te.From != orders.StatusPreparing {
		t.Fatalf("err = %v", err)
	}
	if f.store.Stock("A") != 9 {
		t.Fatal("restocked a preparing order")
	}
}

func TestLifecycleAndTerminalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1)))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Order.ID
	eta := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	trk := "JNE-123"
	for _, s := range []orders.Status{orders.StatusConfirmed, orders.StatusPreparing, orders.StatusShipped, orders.StatusDelivered} {
		up := orders.StatusUpdate{OrderID: id, Status: s}
		if s == orders.StatusShipped {
			up.TrackingNumber, up.EstimatedDelivery = &trk, &eta
		}
		if _, err := f.svc.UpdateStatus(ctx, up); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}

	_, err = f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: id, Status: orders.StatusConfirmed})
	if !errors.Is(err, orders.ErrStateTransition) {
		t.Fatalf("DELIVERED -> CONFIRMED err = %v", err)
	}
	o, _ := f.svc.GetOrder(ctx, id, nil)
	if o.Status != orders.StatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", o.Status)
	}
	if o.PaymentStatus != orders.PaymentPaid {
		t.Fatalf("cod payment = %s, want PAID on delivery", o.PaymentStatus)
	}
	if o.TrackingNumber != trk || o.EstimatedDelivery == nil || !o.EstimatedDelivery.Equal(eta) {
		t.Fatalf("shipping fields not stored: %s %v", o.TrackingNumber, o.EstimatedDelivery)
	}
}

func TestSkippingStatesIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1)))
	_, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: res.Order.ID, Status: orders.StatusShipped})
	if !errors.Is(err, orders.ErrStateTransition) {
		t.Fatalf("PENDING -> SHIPPED err = %v", err)
	}
	_, err = f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: res.Order.ID, Status: "LOST"})
	if !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("unknown status err = %v", err)
	}
}

func TestTrackingNumberClashIsValidationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1)))
	second, _ := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("B", 1)))

	taken := first.Order.TrackingNumber
	_, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: second.Order.ID, Status: orders.StatusConfirmed, TrackingNumber: &taken})
	if !errors.Is(err, orders.ErrValidation) || errors.Is(err, orders.ErrDuplicateNumber) {
		t.Fatalf("err = %v", err)
	}
	o, _ := f.svc.GetOrder(ctx, second.Order.ID, nil)
	if o.Status != orders.StatusPending || o.TrackingNumber != second.Order.TrackingNumber {
		t.Fatalf("rejected update applied: %s %s", o.Status, o.TrackingNumber)
	}
}

func TestAdminCancelViaStatusUpdateRestocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("B", 2)))
	if _, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: res.Order.ID, Status: orders.StatusConfirmed}); err != nil {
		t.Fatal(err)
	}
	o, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: res.Order.ID, Status: orders.StatusCancelled})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orders.StatusCancelled || f.store.Stock("B") != 5 {
		t.Fatalf("status=%s stock B=%d", o.Status, f.store.Stock("B"))
	}
}

func TestDeclinedCardLeavesOrderPendingAndReserved(t *testing.T) {
	f := newFixture(t)
	f.capturer.approve.Store(false)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCreditCard, item("A", 2)))
	if err != nil {
		t.Fatalf("commit must survive a declined card: %v", err)
	}
	if !errors.Is(res.PaymentErr, orders.ErrPaymentDeclined) {
		t.Fatalf("PaymentErr = %v", res.PaymentErr)
	}
	o, _ := f.svc.GetOrder(ctx, res.Order.ID, nil)
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentPending {
		t.Fatalf("status = %s/%s", o.Status, o.PaymentStatus)
	}
	if f.store.Stock("A") != 8 {
		t.Fatalf("stock A = %d, want 8 (no restock)", f.store.Stock("A"))
	}
	if len(f.notes.types()) != 0 {
		t.Fatalf("events = %v", f.notes.types())
	}

	// retry declined again
	if _, err := f.svc.RetryPayment(ctx, o.ID, orders.Authenticated{UserID: "u1"}); !errors.Is(err, orders.ErrPaymentDeclined) {
		t.Fatalf("retry err = %v", err)
	}
	f.capturer.approve.Store(true)
	o, err = f.svc.RetryPayment(ctx, o.ID, orders.Authenticated{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if o.PaymentStatus != orders.PaymentPaid || o.Status != orders.StatusPending {
		t.Fatalf("after retry = %s/%s", o.Status, o.PaymentStatus)
	}
	// the order is announced once the money is in
	if got := f.notes.types(); len(got) != 2 || got[0] != orders.EventPaymentStatusChanged || got[1] != orders.EventOrderCreated {
		t.Fatalf("events = %v", got)
	}
	if _, err := f.svc.RetryPayment(ctx, o.ID, nil); !errors.Is(err, orders.ErrStateTransition) {
		t.Fatalf("retry on paid order err = %v", err)
	}
	if got := f.notes.types(); len(got) != 2 {
		t.Fatalf("rejected retry emitted events: %v", got)
	}
}

func declinedCardOrder(t *testing.T, f *fixture) *orders.Order {
	t.Helper()
	f.capturer.approve.Store(false)
	res, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCreditCard, item("A", 2)))
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(res.PaymentErr, orders.ErrPaymentDeclined) {
		t.Fatalf("PaymentErr = %v", res.PaymentErr)
	}
	return res.Order
}

func TestRetryAfterCancelNeverCaptures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := declinedCardOrder(t, f)
	if _, err := f.svc.Cancel(ctx, o.ID, orders.Authenticated{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	f.capturer.approve.Store(true)
	before := f.capturer.calls.Load()

	if _, err := f.svc.RetryPayment(ctx, o.ID, orders.Authenticated{UserID: "u1"}); !errors.Is(err, orders.ErrStateTransition) {
		t.Fatalf("retry on cancelled order err = %v", err)
	}
	if f.capturer.calls.Load() != before {
		t.Fatal("card charged for a cancelled order")
	}
	got, _ := f.svc.GetOrder(ctx, o.ID, nil)
	if got.Status != orders.StatusCancelled || got.PaymentStatus != orders.PaymentPending || f.store.Stock("A") != 10 {
		t.Fatalf("final = %s/%s stock A=%d", got.Status, got.PaymentStatus, f.store.Stock("A"))
	}
}

func TestCancelWaitsForInFlightCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := declinedCardOrder(t, f)
	g := newGatedCapturer()
	f.svc.Gate = &orders.Gate{Capturer: g}

	var (
		wg       sync.WaitGroup
		retryErr error
		paid     *orders.Order
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		paid, retryErr = f.svc.RetryPayment(ctx, o.ID, orders.Authenticated{UserID: "u1"})
	}()
	<-g.entered

	cancelled := make(chan error, 1)
	go func() {
		_, err := f.svc.Cancel(ctx, o.ID, orders.Authenticated{UserID: "u1"})
		cancelled <- err
	}()
	select {
	case err := <-cancelled:
		t.Fatalf("cancel finished during the capture: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if cur, _ := f.svc.GetOrder(ctx, o.ID, nil); cur.Status != orders.StatusPending || f.store.Stock("A") != 8 {
		t.Fatalf("mid-capture = %s stock A=%d", cur.Status, f.store.Stock("A"))
	}

	close(g.release)
	wg.Wait()
	if retryErr != nil || paid.PaymentStatus != orders.PaymentPaid || paid.Status != orders.StatusPending {
		t.Fatalf("retry = %v %+v", retryErr, paid)
	}
	if err := <-cancelled; err != nil {
		t.Fatalf("cancel after capture: %v", err)
	}
	if f.store.Stock("A") != 10 {
		t.Fatalf("stock A = %d, want 10", f.store.Stock("A"))
	}

	// payment was recorded before the cancellation, never after it
	types := f.notes.types()
	pay, closed := -1, -1
	for i, ty := range types {
		switch ty {
		case orders.EventPaymentStatusChanged:
			pay = i
		case orders.EventStatusChanged:
			closed = i
		}
	}
	if pay < 0 || closed < 0 || pay > closed {
		t.Fatalf("events = %v", types)
	}
}

func TestConcurrentRetriesCaptureOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := declinedCardOrder(t, f)
	g := newGatedCapturer()
	f.svc.Gate = &orders.Gate{Capturer: g}

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.RetryPayment(ctx, o.ID, orders.Authenticated{UserID: "u1"})
			errs <- err
		}()
	}
	close(start)
	<-g.entered
	time.Sleep(20 * time.Millisecond)
	close(g.release)
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, orders.ErrStateTransition):
			rejected++
		default:
			t.Fatalf("unexpected err %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
	if n := g.calls.Load(); n != 1 {
		t.Fatalf("captures = %d, want 1", n)
	}
	created := 0
	for _, ty := range f.notes.types() {
		if ty == orders.EventOrderCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("OrderCreated emitted %d times", created)
	}
}

func TestCardOrderShipsOnlyWhenPaid(t *testing.T) {
	f := newFixture(t)
	f.capturer.approve.Store(false)
	ctx := context.Background()
	res, _ := f.svc.CreateOrder(ctx, authed(orders.PaymentCreditCard, item("A", 1)))
	id := res.Order.ID
	for _, s := range []orders.Status{orders.StatusConfirmed, orders.StatusPreparing} {
		if _, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: id, Status: s}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.UpdateStatus(ctx, orders.StatusUpdate{OrderID: id, Status: orders.StatusShipped}); !errors.Is(err, orders.ErrStateTransition) {
		t.Fatalf("unpaid ship err = %v", err)
	}
}

func TestGuestOrderFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := orders.Guest{
		Contact: orders.GuestContact{Name: "Rina", Email: "Rina@example.com"},
		Address: orders.Address{FullName: "Rina", Line1: "Jl. Thamrin 9", City: "jakarta"},
	}
	res, err := f.svc.CreateOrder(ctx, orders.CreateOrderInput{
		Identity:      guest,
		Items:         []orders.ItemInput{item("A", 1)},
		PaymentMethod: orders.PaymentCashOnDelivery,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Order.UserID != "" || res.Order.Guest == nil || res.Order.Guest.Email != "Rina@example.com" {
		t.Fatalf("owner = %q %+v", res.Order.UserID, res.Order.Guest)
	}

	other := orders.Guest{Contact: orders.GuestContact{Email: "eve@example.com"}}
	if _, err := f.svc.GetOrder(ctx, res.Order.ID, other); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("foreign guest read err = %v", err)
	}
	same := orders.Guest{Contact: orders.GuestContact{Email: "rina@example.com"}}
	if _, err := f.svc.Cancel(ctx, res.Order.ID, same); err != nil {
		t.Fatalf("guest cancel: %v", err)
	}

	// guests never reference saved addresses
	_, err = f.svc.CreateOrder(ctx, orders.CreateOrderInput{
		Identity:          orders.Guest{Contact: orders.GuestContact{Name: "Rina", Email: "rina@example.com"}},
		Items:             []orders.ItemInput{item("A", 1)},
		ShippingAddressID: "addr-1",
		PaymentMethod:     orders.PaymentCashOnDelivery,
	})
	if !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("guest with saved address err = %v", err)
	}
	_, err = f.svc.CreateOrder(ctx, orders.CreateOrderInput{
		Identity:      orders.Guest{Contact: orders.GuestContact{Name: "Rina", Email: "rina@example.com"}},
		Items:         []orders.ItemInput{item("A", 1)},
		PaymentMethod: orders.PaymentCashOnDelivery,
	})
	if !errors.Is(err, orders.ErrInvalidAddress) {
		t.Fatalf("guest without address err = %v", err)
	}
}

func TestIdempotencyKeyReplaysOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := authed(orders.PaymentCashOnDelivery, item("A", 2))
	in.IdempotencyKey = "checkout-1"

	first, err := f.svc.CreateOrder(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.CreateOrder(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Idempotent || second.Order.ID != first.Order.ID {
		t.Fatalf("replay = %+v", second)
	}
	if f.store.Stock("A") != 8 {
		t.Fatalf("stock A = %d, want 8", f.store.Stock("A"))
	}
}

func TestDuplicateNumbersAreRetried(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.svc.Numbers = func(now time.Time) (string, string) {
		n := calls.Add(1)
		if n <= 2 {
			return "ORD-FIXED", "TRK-FIXED"
		}
		return fmt.Sprintf("ORD-%d", n), fmt.Sprintf("TRK-%d", n)
	}
	ctx := context.Background()
	if _, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1))); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1)))
	if err != nil {
		t.Fatalf("second order should retry past the collision: %v", err)
	}
	if res.Order.OrderNumber != "ORD-3" {
		t.Fatalf("order number = %s", res.Order.OrderNumber)
	}
	if f.store.Stock("A") != 8 {
		t.Fatalf("stock A = %d, want 8", f.store.Stock("A"))
	}

	f.svc.Numbers = func(time.Time) (string, string) { return "ORD-FIXED", "TRK-FIXED" }
	if _, err := f.svc.CreateOrder(ctx, authed(orders.PaymentCashOnDelivery, item("A", 1))); !errors.Is(err, orders.ErrDuplicateNumber) {
		t.Fatalf("err = %v, want ErrDuplicateNumber", err)
	}
	if f.store.Stock("A") != 8 {
		t.Fatal("failed attempts leaked stock")
	}
}

func TestCommitTimeoutOnHotProduct(t *testing.T) {
	f := newFixture(t)
	f.svc.CommitTimeout = 50 * time.Millisecond

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.store.WithinTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
			if err := tx.Reserve(ctx, "blocker", "A", 1); err != nil {
				return err
			}
			close(held)
			<-release
			return errors.New("abort")
		})
	}()
	<-held
	defer close(release)

	_, err := f.svc.CreateOrder(context.Background(), authed(orders.PaymentCashOnDelivery, item("A", 1)))
	if !errors.Is(err, orders.ErrTransactionConflict) {
		t.Fatalf("err = %v, want ErrTransactionConflict", err)
	}
}

func TestPaymentWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, authed(orders.PaymentBankTransfer, item("A", 6)))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Order.ID
	amount := res.Order.ChargeAmount()
	v := orders.NewWebhookVerifier("whsec")
	now := time.Now()

	forged, _ := orders.NewWebhookVerifier("other").Sign(id, amount, orders.WebhookSuccess, now)
	_, err = f.svc.ApplyPaymentWebhook(ctx, orders.PaymentWebhook{OrderID: id, CapturedAmount: amount, Status: orders.WebhookSuccess, Signature: forged})
	if !errors.Is(err, orders.ErrInvalidSignature) {
		t.Fatalf("forged err = %v", err)
	}

	// signed for a different amount than the body claims
	sig, _ := v.Sign(id, dec("1"), orders.WebhookSuccess, now)
	_, err = f.svc.ApplyPaymentWebhook(ctx, orders.PaymentWebhook{OrderID: id, CapturedAmount: amount, Status: orders.WebhookSuccess, Signature: sig})
	if !errors.Is(err, orders.ErrInvalidSignature) {
		t.Fatalf("tampered err = %v", err)
	}

	// validly signed but wrong amount for the order
	sig, _ = v.Sign(id, dec("1"), orders.WebhookSuccess, now)
	_, err = f.svc.ApplyPaymentWebhook(ctx, orders.PaymentWebhook{OrderID: id, CapturedAmount: dec("1"), Status: orders.WebhookSuccess, Signature: sig})
	if !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("amount mismatch err = %v", err)
	}
	o, _ := f.svc.GetOrder(ctx, id, nil)
	if o.PaymentStatus != orders.PaymentPending {
		t.Fatalf("rejected webhook changed payment to %s", o.PaymentStatus)
	}

	sig, _ = v.Sign(id, amount, orders.WebhookSuccess, now)
	o, err = f.svc.ApplyPaymentWebhook(ctx, orders.PaymentWebhook{OrderID: id, CapturedAmount: amount, Status: orders.WebhookSuccess, Signature: sig})
	if err != nil {
		t.Fatal(err)
	}
	if o.PaymentStatus != orders.PaymentPaid || o.Status != orders.StatusPending {
		t.Fatalf("after webhook = %s/%s", o.Status, o.PaymentStatus)
	}
	// duplicate delivery is a no-op
	if _, err := f.svc.ApplyPaymentWebhook(ctx, orders.PaymentWebhook{OrderID: id, CapturedAmount: amount, Status: orders.WebhookSuccess, Signature: sig}); err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}
	types := f.notes.types()
	if types[len(types)-1] != orders.EventPaymentStatusChanged {
		t.Fatalf("events = %v", types)
	}
}
