// Package token issues, verifies, and revokes the garden's token pairs.
// Access tokens are short-lived JWTs; each carries a jti referencing the
// stored refresh token, so revoking the refresh token kills the whole
// pair.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
)

// Claims is the access token payload.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies token pairs.
type Service struct {
	repo       repository.Repository
	logger     *slog.Logger
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService wires a Service. Zero TTLs fall back to 15 minutes for
// access and 24 hours for refresh.
func NewService(
	repo repository.Repository,
	logger *slog.Logger,
	secret []byte,
	accessTTL, refreshTTL time.Duration,
) *Service {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}
	return &Service{
		repo:       repo,
		logger:     logger.With("component", "token"),
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Issue authenticates the user and mints a fresh pair.
func (s *Service) Issue(ctx context.Context, username, password string) (*model.TokenPair, error) {
	user, err := s.repo.Users().Get(ctx, username)
	if err != nil {
		// Uniform failure for unknown user and bad password.
		return nil, errors.WrapKind(errors.KindAuthRequired, errors.ErrTokenInvalid,
			"Service", "Issue", "verify credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, errors.WrapKind(errors.KindAuthRequired, errors.ErrTokenInvalid,
			"Service", "Issue", "verify credentials")
	}

	now := time.Now().UTC()
	refresh := &model.RefreshToken{
		UUID:      uuid.NewString(),
		User:      user.Username,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.repo.Tokens().Create(ctx, refresh); err != nil {
		return nil, err
	}

	access, err := s.sign(user, refresh.UUID, now)
	if err != nil {
		return nil, err
	}
	s.logger.Info("token pair issued", "user", user.Username)
	return &model.TokenPair{Access: access, Refresh: refresh.UUID}, nil
}

// Refresh mints a new access token against an existing refresh token. The
// refresh token keeps its original expiry; a pair cannot outlive its
// first issuance.
func (s *Service) Refresh(ctx context.Context, refreshUUID string) (*model.TokenPair, error) {
	refresh, err := s.repo.Tokens().Get(ctx, refreshUUID)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Refresh", "lookup refresh token")
	}

	now := time.Now().UTC()
	if refresh.Expired(now) {
		if err := s.repo.Tokens().Delete(ctx, refresh.UUID); err != nil && !errors.IsNotFound(err) {
			s.logger.Warn("expired token cleanup failed", "error", err)
		}
		return nil, errors.WrapKind(errors.KindTokenExpired, errors.ErrTokenExpired,
			"Service", "Refresh", "check expiry")
	}

	user, err := s.repo.Users().Get(ctx, refresh.User)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Refresh", "lookup user")
	}

	access, err := s.sign(user, refresh.UUID, now)
	if err != nil {
		return nil, err
	}
	return &model.TokenPair{Access: access, Refresh: refresh.UUID}, nil
}

// Verify parses and validates an access token, then confirms its paired
// refresh token still exists. An expired access token revokes the pair so
// a stolen refresh token cannot be milked after the access half leaks in
// logs.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if claims.ID != "" && errors.Is(err, jwt.ErrTokenExpired) {
			// An expired access token presented as live is suspect; drop
			// the whole user's session state, not just this pair.
			if refresh, lookupErr := s.repo.Tokens().Get(ctx, claims.ID); lookupErr == nil {
				if revokeErr := s.RevokeUser(ctx, refresh.User); revokeErr != nil {
					s.logger.Warn("session revocation failed", "user", refresh.User, "error", revokeErr)
				}
			}
			return nil, errors.WrapKind(errors.KindTokenExpired, errors.ErrTokenExpired,
				"Service", "Verify", "check expiry")
		}
		return nil, errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Verify", "parse token")
	}
	if !parsed.Valid {
		return nil, errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Verify", "validate token")
	}

	if _, err := s.repo.Tokens().Get(ctx, claims.ID); err != nil {
		return nil, errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Verify", "confirm refresh token")
	}
	return claims, nil
}

// Revoke deletes the refresh token paired with the given access token.
// The token is parsed without expiry validation so even a dead access
// token can be used to revoke.
func (s *Service) Revoke(ctx context.Context, accessToken string) error {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Revoke", "parse token")
	}
	if claims.ID == "" {
		return errors.WrapKind(errors.KindTokenInvalid, errors.ErrTokenInvalid,
			"Service", "Revoke", "missing jti")
	}
	s.revokeUUID(ctx, claims.ID)
	return nil
}

// RevokeUser deletes every refresh token belonging to the user.
func (s *Service) RevokeUser(ctx context.Context, username string) error {
	return s.repo.Tokens().DeleteForUser(ctx, username, "")
}

func (s *Service) revokeUUID(ctx context.Context, id string) {
	if err := s.repo.Tokens().Delete(ctx, id); err != nil && !errors.IsNotFound(err) {
		s.logger.Warn("token revoke failed", "error", err)
	}
}

func (s *Service) sign(user *model.User, jti string, now time.Time) (string, error) {
	claims := Claims{
		Roles: user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    "beer-garden",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "Service", "sign", "sign access token")
	}
	return signed, nil
}
