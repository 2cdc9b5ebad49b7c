// Package catalog serves the storefront product listing. Reads go through a
// short-lived Redis cache; concurrent misses collapse into one store query.
// Order validation never reads from here.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/ariefcatur/grocery-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Lister interface {
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

// Item is the public listing shape.
type Item struct {
	ID            string           `json:"id"`
	SKU           string           `json:"sku"`
	Name          string           `json:"name"`
	Price         decimal.Decimal  `json:"price"`
	DiscountPrice *decimal.Decimal `json:"discount_price,omitempty"`
	InStock       bool             `json:"in_stock"`
}

type Service struct {
	store Lister
	rdb   *redis.Client // nil disables caching
	log   *zap.Logger
	group singleflight.Group
}

func New(store Lister, rdb *redis.Client, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, rdb: rdb, log: log}
}

func (s *Service) List(ctx context.Context) ([]Item, error) {
	if items, ok := s.cached(ctx); ok {
		return items, nil
	}
	v, err, _ := s.group.Do(redisx.KeyProductList, func() (any, error) {
		if items, ok := s.cached(ctx); ok {
			return items, nil
		}
		ps, err := s.store.ListProducts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		items := toItems(ps)
		s.fill(ctx, items)
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Item), nil
}

func (s *Service) cached(ctx context.Context) ([]Item, bool) {
	if s.rdb == nil {
		return nil, false
	}
	b, err := s.rdb.Get(ctx, redisx.KeyProductList).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("catalog_cache_get_failed", zap.Error(err))
		}
		return nil, false
	}
	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, false
	}
	return items, true
}

func (s *Service) fill(ctx context.Context, items []Item) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(items)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisx.KeyProductList, b, redisx.TTLProductList).Err(); err != nil {
		s.log.Warn("catalog_cache_set_failed", zap.Error(err))
	}
}

// toItems keeps active products only.
func toItems(ps []orders.Product) []Item {
	out := make([]Item, 0, len(ps))
	for _, p := range ps {
		if !p.IsActive {
			continue
		}
		out = append(out, Item{
			ID:            p.ID,
			SKU:           p.SKU,
			Name:          p.Name,
			Price:         p.Price,
			DiscountPrice: p.DiscountPrice,
			InStock:       p.Stock > 0,
		})
	}
	return out
}
