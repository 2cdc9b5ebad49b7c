package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store implements orders.Store on Postgres. Stock guards rely on conditional
// updates, not on the isolation level.
type Store struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock waits must not outlive the caller's deadline.
	if dl, ok := ctx.Deadline(); ok {
		ms := time.Until(dl).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
			return mapErr(err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) Order(ctx context.Context, id string) (*orders.Order, error) {
	return loadOrder(ctx, s.DB, id, false)
}

func (s *Store) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type pgTx struct{ tx pgx.Tx }

const productCols = `id, sku, name, price, discount_price, stock, is_active, updated_at`

func scanProduct(row pgx.Row) (*orders.Product, error) {
	var (
		p    orders.Product
		disc decimal.NullDecimal
	)
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &disc, &p.Stock, &p.IsActive, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if disc.Valid {
		d := disc.Decimal
		p.DiscountPrice = &d
	}
	return &p, nil
}

func (t *pgTx) Product(ctx context.Context, id string) (*orders.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	return p, err
}

func (t *pgTx) Address(ctx context.Context, id string) (*orders.Address, error) {
	var a orders.Address
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, full_name, phone, line1, line2, city, postal_code, country
		FROM addresses WHERE id=$1`, id).
		Scan(&a.ID, &a.UserID, &a.FullName, &a.Phone, &a.Line1, &a.Line2, &a.City, &a.PostalCode, &a.Country)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Reserve: satu UPDATE bersyarat, stok dicek dan dikurangi dalam statement yang sama.
func (t *pgTx) Reserve(ctx context.Context, orderID, productID string, qty int) error {
	var left int
	err := t.tx.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`, productID, qty).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		var avail int
		if err := t.tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&avail); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return orders.ErrNotFound
			}
			return err
		}
		return &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: avail}
	}
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, qty, status)
		VALUES ($1,$2,$3,'RESERVED')
		ON CONFLICT (order_id, product_id) DO NOTHING`, orderID, productID, qty)
	return err
}

// Release flips RESERVED -> RELEASED and restocks only if the flip happened.
func (t *pgTx) Release(ctx context.Context, orderID, productID string) (int, error) {
	var qty int
	err := t.tx.QueryRow(ctx, `
		UPDATE reservations SET status='RELEASED', updated_at = now()
		WHERE order_id=$1 AND product_id=$2 AND status='RESERVED'
		RETURNING qty`, orderID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty); err != nil {
		return 0, err
	}
	return qty, nil
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, owner, key string) (*orders.Order, error) {
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM orders WHERE owner=$1 AND idempotency_key=$2`, owner, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loadOrder(ctx, t.tx, id, false)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	var guestName, guestEmail, guestPhone *string
	if o.Guest != nil {
		guestName, guestEmail, guestPhone = &o.Guest.Name, &o.Guest.Email, &o.Guest.Phone
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, tracking_number, owner, user_id,
			guest_name, guest_email, guest_phone, total_amount, payment_fee,
			status, payment_method, payment_status, shipping_address_id, shipping_address,
			notes, estimated_delivery, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		o.ID, o.OrderNumber, o.TrackingNumber, o.Owner(), nullable(o.UserID),
		guestName, guestEmail, guestPhone, o.TotalAmount, o.PaymentFee,
		string(o.Status), string(o.PaymentMethod), string(o.PaymentStatus), nullable(o.ShippingAddressID), o.ShippingAddress,
		o.Notes, o.EstimatedDelivery, nullable(o.IdempotencyKey), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}

	for _, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, qty, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.UnitPrice, it.LineTotal,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, tracking_number=$4,
			estimated_delivery=$5, notes=$6, updated_at=$7
		WHERE id=$1`,
		o.ID, string(o.Status), string(o.PaymentStatus), o.TrackingNumber,
		o.EstimatedDelivery, o.Notes, o.UpdatedAt)
	if err != nil {
		return mapUpdateErr(err)
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}

const orderCols = `id, order_number, tracking_number, user_id, guest_name, guest_email, guest_phone,
	total_amount, payment_fee, status, payment_method, payment_status,
	shipping_address_id, shipping_address, notes, estimated_delivery, idempotency_key,
	created_at, updated_at`

func loadOrder(ctx context.Context, q querier, id string, forUpdate bool) (*orders.Order, error) {
	sql := `SELECT ` + orderCols + ` FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		o                                 orders.Order
		userID, addrID, idemKey           *string
		guestName, guestEmail, guestPhone *string
		status, method, payStatus         string
	)
	err := q.QueryRow(ctx, sql, id).Scan(
		&o.ID, &o.OrderNumber, &o.TrackingNumber, &userID, &guestName, &guestEmail, &guestPhone,
		&o.TotalAmount, &o.PaymentFee, &status, &method, &payStatus,
		&addrID, &o.ShippingAddress, &o.Notes, &o.EstimatedDelivery, &idemKey,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status, o.PaymentMethod, o.PaymentStatus = orders.Status(status), orders.PaymentMethod(method), orders.PaymentStatus(payStatus)
	o.UserID, o.ShippingAddressID, o.IdempotencyKey = deref(userID), deref(addrID), deref(idemKey)
	if guestEmail != nil {
		o.Guest = &orders.GuestContact{Name: deref(guestName), Email: *guestEmail, Phone: deref(guestPhone)}
	}

	rows, err := q.Query(ctx, `
		SELECT id, product_id, qty, unit_price, line_total
		FROM order_items WHERE order_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it := orders.OrderItem{OrderID: id}
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// mapErr turns contention and uniqueness failures into domain errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", orders.ErrDuplicateNumber, pgErr.ConstraintName)
		case "40001", "40P01", "55P03": // serialization, deadlock, lock_not_available
			return fmt.Errorf("%w: %s", orders.ErrTransactionConflict, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", orders.ErrTransactionConflict, err)
	}
	return err
}

// mapUpdateErr maps errors from UpdateOrder. The only unique column an update
// can touch is tracking_number, and a clash there is bad input, not a
// generated-number collision worth retrying.
func mapUpdateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: tracking number already in use", orders.ErrValidation)
	}
	return mapErr(err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
