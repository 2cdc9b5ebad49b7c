package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	sku            TEXT UNIQUE NOT NULL,
	name           TEXT NOT NULL,
	price          NUMERIC(12,2) NOT NULL CHECK (price >= 0),
	discount_price NUMERIC(12,2),
	stock          INTEGER NOT NULL CHECK (stock >= 0),
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS addresses (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	full_name   TEXT NOT NULL,
	phone       TEXT NOT NULL DEFAULT '',
	line1       TEXT NOT NULL,
	line2       TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL,
	postal_code TEXT NOT NULL DEFAULT '',
	country     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	order_number        TEXT NOT NULL UNIQUE,
	tracking_number     TEXT NOT NULL UNIQUE,
	owner               TEXT NOT NULL,
	user_id             TEXT,
	guest_name          TEXT,
	guest_email         TEXT,
	guest_phone         TEXT,
	total_amount        NUMERIC(12,2) NOT NULL,
	payment_fee         NUMERIC(12,2) NOT NULL DEFAULT 0,
	status              TEXT NOT NULL,
	payment_method      TEXT NOT NULL,
	payment_status      TEXT NOT NULL,
	shipping_address_id TEXT,
	shipping_address    JSONB NOT NULL,
	notes               TEXT NOT NULL DEFAULT '',
	estimated_delivery  TIMESTAMPTZ,
	idempotency_key     TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS orders_owner_idem_key
	ON orders(owner, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS order_items (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	product_id TEXT NOT NULL REFERENCES products(id),
	qty        INTEGER NOT NULL CHECK (qty >= 1),
	unit_price NUMERIC(12,2) NOT NULL,
	line_total NUMERIC(12,2) NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	order_id   TEXT NOT NULL REFERENCES orders(id),
	product_id TEXT NOT NULL REFERENCES products(id),
	qty        INTEGER NOT NULL,
	status     TEXT NOT NULL, -- RESERVED | RELEASED
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (order_id, product_id)
);
`

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
