package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	productColumns  = "id, name, description, category, image_url, price_minor, inventory, created_at, updated_at"
	productCacheTTL = 5 * time.Minute
)

// ProductCache holds cached products
type ProductCache struct {
	mu    sync.RWMutex
	items map[string]cachedProduct
}

type cachedProduct struct {
	product models.Product
	expires time.Time
}

// NewProductCache creates an empty cache.
func NewProductCache() *ProductCache {
	return &ProductCache{items: make(map[string]cachedProduct)}
}

func (c *ProductCache) get(id string, now time.Time) (models.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.items[id]
	if !ok || !now.Before(cached.expires) {
		return models.Product{}, false
	}
	return cached.product, true
}

func (c *ProductCache) put(p models.Product, expires time.Time) {
	c.mu.Lock()
	c.items[p.ID] = cachedProduct{product: p, expires: expires}
	c.mu.Unlock()
}

func (c *ProductCache) delete(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// ProductService handles product-related operations. Cached rows are served
// for display only; checkout always reads prices and stock from the database.
type ProductService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	cache   *ProductCache
	group   singleflight.Group
	now     func() time.Time
}

// NewProductService creates a new product service
func NewProductService(database *db.DB, m *metrics.AppMetrics) *ProductService {
	return &ProductService{
		db:      database,
		metrics: m,
		cache:   NewProductCache(),
		now:     time.Now,
	}
}

// ListProducts returns a page of the catalog ordered by category and name.
func (s *ProductService) ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	start := time.Now()
	query := "SELECT " + productColumns + " FROM products ORDER BY category, name LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// GetProduct returns a product by ID. Concurrent misses for the same id share one query.
func (s *ProductService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if p, ok := s.cache.get(id, s.now()); ok {
		s.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName(nil)...))
		s.recordView(ctx, &p)
		return &p, nil
	}
	s.metrics.CacheMisses.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName(nil)...))

	v, err, _ := s.group.Do(id, func() (any, error) {
		p, err := s.loadProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cache.put(*p, s.now().Add(productCacheTTL))
		return *p, nil
	})
	if err != nil {
		return nil, err
	}

	p := v.(models.Product)
	s.recordView(ctx, &p)
	return &p, nil
}

// LookupProducts reads the given products straight from the database.
// A missing id fails with *ProductNotFoundError.
func (s *ProductService) LookupProducts(ctx context.Context, ids []string) (map[string]models.Product, error) {
	out := make(map[string]models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	start := time.Now()
	query := fmt.Sprintf("SELECT %s FROM products WHERE id IN (%s)", productColumns, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out[p.ID] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, &ProductNotFoundError{ProductID: id}
		}
	}
	return out, nil
}

// Invalidate drops a product from the cache after its stock or price changed.
func (s *ProductService) Invalidate(id string) {
	s.cache.delete(id)
}

func (s *ProductService) loadProduct(ctx context.Context, id string) (*models.Product, error) {
	start := time.Now()
	query := "SELECT " + productColumns + " FROM products WHERE id = ?"
	p, err := scanProduct(s.db.QueryRowContext(ctx, query, id))
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

func (s *ProductService) recordView(ctx context.Context, p *models.Product) {
	s.metrics.ProductsViewed.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("product_id", p.ID),
		attribute.String("product_category", p.Category),
	})...))
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	var price int64
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.ImageURL, &price, &p.Inventory, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Price = models.Money(price)
	return &p, nil
}
