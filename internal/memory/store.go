// Package memory is an in-process orders.Store used by tests and local runs
// without Postgres. Row locks are emulated with one-slot channels held until
// the unit of work ends, so the same contention rules apply.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ariefcatur/grocery-orders/internal/orders"
)

type resKey struct{ orderID, productID string }

type reservation struct {
	qty      int
	released bool
}

type Store struct {
	mu           sync.RWMutex
	products     map[string]*orders.Product
	addresses    map[string]orders.Address
	orders       map[string]*orders.Order
	numbers      map[string]string // order or tracking number -> order id
	idem         map[string]string // owner|key -> order id
	reservations map[resKey]*reservation

	lmu   sync.Mutex
	locks map[string]chan struct{}
}

func NewStore() *Store {
	return &Store{
		products:     make(map[string]*orders.Product),
		addresses:    make(map[string]orders.Address),
		orders:       make(map[string]*orders.Order),
		numbers:      make(map[string]string),
		idem:         make(map[string]string),
		reservations: make(map[resKey]*reservation),
		locks:        make(map[string]chan struct{}),
	}
}

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = cloneProduct(&p)
}

func (s *Store) PutAddress(a orders.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[a.ID] = a
}

// Stock returns the committed stock of a product, -1 if unknown.
func (s *Store) Stock(productID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return -1
	}
	return p.Stock
}

func (s *Store) Order(ctx context.Context, id string) (*orders.Order, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	t := &tx{
		s:        s,
		held:     make(map[string]bool),
		stock:    make(map[string]int),
		updates:  make(map[string]*orders.Order),
		reserved: make(map[resKey]int),
		released: make(map[resKey]bool),
	}
	defer t.unlockAll()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", orders.ErrTransactionConflict, err)
	}
	return t.commit()
}

// lock blocks until key is free or ctx is done. A lost wait is a conflict,
// like a lock_timeout in Postgres.
func (s *Store) lock(ctx context.Context, key string) error {
	s.lmu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.lmu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s: %v", orders.ErrTransactionConflict, key, ctx.Err())
	}
}

func (s *Store) unlock(key string) {
	s.lmu.Lock()
	ch := s.locks[key]
	s.lmu.Unlock()
	<-ch
}

type tx struct {
	s    *Store
	held map[string]bool
	keys []string

	stock    map[string]int // staged delta per product
	inserts  []*orders.Order
	updates  map[string]*orders.Order
	reserved map[resKey]int
	released map[resKey]bool
}

func (t *tx) acquire(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.lock(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	t.keys = append(t.keys, key)
	return nil
}

func (t *tx) unlockAll() {
	for i := len(t.keys) - 1; i >= 0; i-- {
		t.s.unlock(t.keys[i])
	}
	t.keys = nil
	t.held = map[string]bool{}
}

func (t *tx) Product(ctx context.Context, id string) (*orders.Product, error) {
	_ = ctx
	t.s.mu.RLock()
	p, ok := t.s.products[id]
	if ok {
		p = cloneProduct(p)
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, orders.ErrNotFound
	}
	p.Stock += t.stock[id]
	return p, nil
}

func (t *tx) Address(ctx context.Context, id string) (*orders.Address, error) {
	_ = ctx
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.addresses[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &a, nil
}

// Reserve holds the product lock until the unit of work ends, so the check
// and the decrement cannot interleave with another order.
func (t *tx) Reserve(ctx context.Context, orderID, productID string, qty int) error {
	if err := t.acquire(ctx, "product:"+productID); err != nil {
		return err
	}
	p, err := t.Product(ctx, productID)
	if err != nil {
		return err
	}
	if p.Stock < qty {
		return &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
	}
	k := resKey{orderID, productID}
	if _, dup := t.reserved[k]; dup {
		return nil
	}
	t.stock[productID] -= qty
	t.reserved[k] = qty
	return nil
}

func (t *tx) Release(ctx context.Context, orderID, productID string) (int, error) {
	if err := t.acquire(ctx, "product:"+productID); err != nil {
		return 0, err
	}
	k := resKey{orderID, productID}
	if t.released[k] {
		return 0, nil
	}
	t.s.mu.RLock()
	r, ok := t.s.reservations[k]
	var qty int
	if ok && !r.released {
		qty = r.qty
	}
	t.s.mu.RUnlock()
	if qty == 0 {
		return 0, nil
	}
	t.released[k] = true
	t.stock[productID] += qty
	return qty, nil
}

func (t *tx) FindByIdempotencyKey(ctx context.Context, owner, key string) (*orders.Order, error) {
	// Same key from the same owner serializes here.
	if err := t.acquire(ctx, "idem:"+owner+"|"+key); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.idem[owner+"|"+key]
	if !ok {
		return nil, nil
	}
	return t.s.orders[id].Clone(), nil
}

func (t *tx) InsertOrder(ctx context.Context, o *orders.Order) error {
	_ = ctx
	t.s.mu.RLock()
	_, a := t.s.numbers[o.OrderNumber]
	_, b := t.s.numbers[o.TrackingNumber]
	t.s.mu.RUnlock()
	if a || b {
		return orders.ErrDuplicateNumber
	}
	t.inserts = append(t.inserts, o.Clone())
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	if err := t.acquire(ctx, "order:"+id); err != nil {
		return nil, err
	}
	if o, ok := t.updates[id]; ok {
		return o.Clone(), nil
	}
	return t.s.Order(ctx, id)
}

func (t *tx) UpdateOrder(ctx context.Context, o *orders.Order) error {
	_ = ctx
	if !t.held["order:"+o.ID] {
		return fmt.Errorf("memory: order %s updated without lock", o.ID)
	}
	t.s.mu.RLock()
	err := t.s.trackingTaken(o)
	t.s.mu.RUnlock()
	if err != nil {
		return err
	}
	t.updates[o.ID] = o.Clone()
	return nil
}

// trackingTaken rejects a tracking number already used by another order.
// Caller holds s.mu.
func (s *Store) trackingTaken(o *orders.Order) error {
	if owner, ok := s.numbers[o.TrackingNumber]; ok && owner != o.ID {
		return fmt.Errorf("%w: tracking number already in use", orders.ErrValidation)
	}
	return nil
}

// commit applies the staged writes under the store mutex so readers see all
// of them or none.
func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range t.inserts {
		if _, ok := s.numbers[o.OrderNumber]; ok {
			return orders.ErrDuplicateNumber
		}
		if _, ok := s.numbers[o.TrackingNumber]; ok {
			return orders.ErrDuplicateNumber
		}
		if o.IdempotencyKey != "" {
			if _, ok := s.idem[o.Owner()+"|"+o.IdempotencyKey]; ok {
				return orders.ErrDuplicateNumber
			}
		}
	}
	for _, o := range t.updates {
		if err := s.trackingTaken(o); err != nil {
			return err
		}
	}
	for id, d := range t.stock {
		if p, ok := s.products[id]; !ok || p.Stock+d < 0 {
			return fmt.Errorf("%w: stock for %s would go negative", orders.ErrTransactionConflict, id)
		}
	}

	for id, d := range t.stock {
		s.products[id].Stock += d
	}
	for _, o := range t.inserts {
		s.orders[o.ID] = o
		s.numbers[o.OrderNumber] = o.ID
		s.numbers[o.TrackingNumber] = o.ID
		if o.IdempotencyKey != "" {
			s.idem[o.Owner()+"|"+o.IdempotencyKey] = o.ID
		}
	}
	for id, o := range t.updates {
		if o.TrackingNumber != s.orders[id].TrackingNumber {
			delete(s.numbers, s.orders[id].TrackingNumber)
			s.numbers[o.TrackingNumber] = id
		}
		s.orders[id] = o
	}
	for k, q := range t.reserved {
		s.reservations[k] = &reservation{qty: q}
	}
	for k := range t.released {
		s.reservations[k].released = true
	}
	return nil
}

func cloneProduct(p *orders.Product) *orders.Product {
	c := *p
	if p.DiscountPrice != nil {
		d := *p.DiscountPrice
		c.DiscountPrice = &d
	}
	return &c
}
