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

// UserService stores back office accounts. Password hashing is the caller's job.
type UserService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
}

// NewUserService creates a new user service
func NewUserService(database *db.DB, m *metrics.AppMetrics) *UserService {
	return &UserService{
		db:      database,
		metrics: m,
	}
}

// CreateUser creates a new admin user
func (s *UserService) CreateUser(ctx context.Context, email, name, passwordHash string) (*models.AdminUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	user := &models.AdminUser{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	start := time.Now()
	query := "INSERT INTO admin_users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)"
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Email, user.Name, user.PasswordHash, user.CreatedAt)
	s.metrics.RecordDBQuery(ctx, "INSERT", "admin_users", query, start, err == nil)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser returns a user by ID
func (s *UserService) GetUser(ctx context.Context, id string) (*models.AdminUser, error) {
	return s.getBy(ctx, "id", id)
}

// GetUserByEmail returns a user by email
func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.AdminUser, error) {
	return s.getBy(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// UpdatePassword replaces the stored hash for email.
func (s *UserService) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	start := time.Now()
	query := "UPDATE admin_users SET password_hash = ? WHERE email = ?"
	result, err := s.db.ExecContext(ctx, query, passwordHash, strings.ToLower(strings.TrimSpace(email)))
	s.metrics.RecordDBQuery(ctx, "UPDATE", "admin_users", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *UserService) getBy(ctx context.Context, column, value string) (*models.AdminUser, error) {
	start := time.Now()
	query := "SELECT id, email, name, password_hash, created_at FROM admin_users WHERE " + column + " = ?"
	var user models.AdminUser
	err := s.db.QueryRowContext(ctx, query, value).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt)
	s.metrics.RecordDBQuery(ctx, "SELECT", "admin_users", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
