// Package auth issues and checks admin bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/services"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned for missing, malformed, expired or foreign tokens.
var ErrInvalidToken = errors.New("invalid token")

const issuer = "artist-storefront"

var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	return h
})

// Claims are carried by admin tokens.
type Claims struct {
	Email string `json:"email"`
	Admin bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Service authenticates admin users.
type Service struct {
	users  *services.UserService
	secret []byte
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an auth service signing HS256 tokens with secret.
func NewService(users *services.UserService, secret string, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Login checks credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.AdminUser, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, services.ErrUserNotFound) {
		// keep timing close to the found case
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return "", nil, services.ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, services.ErrInvalidCredentials
	}

	token, err := s.Issue(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Issue signs a token for user.
func (s *Service) Issue(user *models.AdminUser) (string, error) {
	now := s.now()
	claims := Claims{
		Email: user.Email,
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns its claims.
func (s *Service) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !claims.Admin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// EnsureAdmin creates the bootstrap admin, or resets its password when it
// no longer matches.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		s.logger.Warn("admin_bootstrap_skipped", zap.String("reason", "ADMIN_EMAIL or ADMIN_PASSWORD not set"))
		return nil
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if bcrypt.CompareHashAndPassword([]byte(existing.PasswordHash), []byte(password)) == nil {
			return nil
		}
		hash, err := HashPassword(password)
		if err != nil {
			return err
		}
		if err := s.users.UpdatePassword(ctx, email, hash); err != nil {
			return err
		}
		s.logger.Info("admin_password_updated", zap.String("email", existing.Email))
		return nil
	case !errors.Is(err, services.ErrUserNotFound):
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user, err := s.users.CreateUser(ctx, email, "Admin", hash)
	if errors.Is(err, services.ErrUserExists) {
		// another instance created it first
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("admin_created", zap.String("email", user.Email))
	return nil
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
