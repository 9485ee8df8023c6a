package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/google/uuid"
)

const galleryColumns = "id, title, description, content, type, image_url, published, created_at, updated_at"

// GalleryService manages gallery images and articles.
type GalleryService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	now     func() time.Time
}

// NewGalleryService creates a gallery service.
func NewGalleryService(database *db.DB, m *metrics.AppMetrics) *GalleryService {
	return &GalleryService{db: database, metrics: m, now: time.Now}
}

// ListPublished returns published items, newest first.
func (s *GalleryService) ListPublished(ctx context.Context) ([]models.GalleryItem, error) {
	return s.list(ctx, "SELECT "+galleryColumns+" FROM gallery_items WHERE published = ? ORDER BY created_at DESC, id", true)
}

// ListAll returns every item including drafts.
func (s *GalleryService) ListAll(ctx context.Context) ([]models.GalleryItem, error) {
	return s.list(ctx, "SELECT "+galleryColumns+" FROM gallery_items ORDER BY created_at DESC, id")
}

// Get returns one item. Drafts are only visible when includeDrafts is set.
func (s *GalleryService) Get(ctx context.Context, id string, includeDrafts bool) (*models.GalleryItem, error) {
	start := time.Now()
	query := "SELECT " + galleryColumns + " FROM gallery_items WHERE id = ?"
	item, err := scanGalleryItem(s.db.QueryRowContext(ctx, query, id))
	s.metrics.RecordDBQuery(ctx, "SELECT", "gallery_items", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGalleryItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gallery item: %w", err)
	}
	if !item.Published && !includeDrafts {
		return nil, ErrGalleryItemNotFound
	}
	return item, nil
}

// Create adds a new item.
func (s *GalleryService) Create(ctx context.Context, req models.GalleryItemRequest) (*models.GalleryItem, error) {
	now := s.now().UTC().Truncate(time.Second)
	item := &models.GalleryItem{ID: uuid.NewString(), CreatedAt: now}
	if err := applyGalleryRequest(item, req); err != nil {
		return nil, err
	}
	item.UpdatedAt = now

	start := time.Now()
	query := "INSERT INTO gallery_items (" + galleryColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := s.db.ExecContext(ctx, query, item.ID, item.Title, item.Description, item.Content, item.Type,
		item.ImageURL, item.Published, item.CreatedAt, item.UpdatedAt)
	s.metrics.RecordDBQuery(ctx, "INSERT", "gallery_items", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create gallery item: %w", err)
	}
	return item, nil
}

// Update replaces the editable fields of an item.
func (s *GalleryService) Update(ctx context.Context, id string, req models.GalleryItemRequest) (*models.GalleryItem, error) {
	item, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if err := applyGalleryRequest(item, req); err != nil {
		return nil, err
	}
	item.UpdatedAt = s.now().UTC().Truncate(time.Second)

	start := time.Now()
	query := `UPDATE gallery_items SET title = ?, description = ?, content = ?, type = ?, image_url = ?,
		published = ?, updated_at = ? WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query, item.Title, item.Description, item.Content, item.Type, item.ImageURL,
		item.Published, item.UpdatedAt, item.ID)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "gallery_items", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update gallery item: %w", err)
	}
	return item, nil
}

// Delete removes an item.
func (s *GalleryService) Delete(ctx context.Context, id string) error {
	start := time.Now()
	query := "DELETE FROM gallery_items WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, id)
	s.metrics.RecordDBQuery(ctx, "DELETE", "gallery_items", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to delete gallery item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrGalleryItemNotFound
	}
	return nil
}

func (s *GalleryService) list(ctx context.Context, query string, args ...any) ([]models.GalleryItem, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "gallery_items", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query gallery items: %w", err)
	}
	defer rows.Close()

	items := []models.GalleryItem{}
	for rows.Next() {
		item, err := scanGalleryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gallery item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func applyGalleryRequest(item *models.GalleryItem, req models.GalleryItemRequest) error {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	kind := req.Type
	if kind == "" {
		kind = models.GalleryImage
	}
	if kind != models.GalleryImage && kind != models.GalleryArticle {
		return fmt.Errorf("%w: type must be %q or %q", ErrInvalidInput, models.GalleryImage, models.GalleryArticle)
	}

	item.Title = title
	item.Description = req.Description
	item.Content = req.Content
	item.Type = kind
	item.ImageURL = req.ImageURL
	if req.Published != nil {
		item.Published = *req.Published
	}
	return nil
}

func scanGalleryItem(row rowScanner) (*models.GalleryItem, error) {
	var item models.GalleryItem
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Content, &item.Type, &item.ImageURL,
		&item.Published, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
