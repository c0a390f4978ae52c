// Package token implements the access/refresh token lifecycle: issuance,
// stateless access validation, and single-slot refresh rotation.
//
// Access tokens are short-lived HS256 JWTs validated without storage.
// Refresh tokens are long-lived HS256 JWTs additionally pinned to the single
// refresh slot on the user row; rotation swaps the slot with a
// compare-and-swap so concurrent rotations with the same token resolve to
// exactly one winner.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/observability"
)

// SessionStore is the slice of the identity store the manager needs.
// Implemented by identity.PostgresStore.
type SessionStore interface {
	GetByID(ctx context.Context, userID int64) (*identity.User, error)
	SetRefreshToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error
	SwapRefreshToken(ctx context.Context, userID int64, presented, next string, expiresAt time.Time) (bool, error)
	ClearRefreshToken(ctx context.Context, userID int64) error
}

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims carried by a refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// Pair is one issued access/refresh token pair with the expiries the HTTP
// layer needs for cookie lifetimes.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Config holds the signing material and lifetimes.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Manager issues, validates, rotates, and revokes token pairs.
type Manager struct {
	store         SessionStore
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewManager creates a token manager.
func NewManager(store SessionStore, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:         store,
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// IssuePair signs a fresh access/refresh pair and stores the refresh token in
// the user's slot, displacing any previously active session.
func (m *Manager) IssuePair(ctx context.Context, user *identity.User) (*Pair, error) {
	pair, err := m.sign(user)
	if err != nil {
		return nil, err
	}

	if err := m.store.SetRefreshToken(ctx, user.ID, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return pair, nil
}

// ValidateAccess checks an access token's signature and expiry. It is
// stateless: revocation applies only to the refresh side. Errors collapse to
// TokenExpired or TokenInvalid, nothing finer.
func (m *Manager) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return m.accessSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.TokenExpired("access token expired")
		}
		return nil, apperr.TokenInvalid("invalid access token")
	}
	return claims, nil
}

// Rotate exchanges a presented refresh token for a fresh pair. The presented
// token must verify, belong to an existing user, and still occupy that user's
// refresh slot; the slot is then swapped with a compare-and-swap. Exactly one
// of two concurrent rotations with the same token succeeds; the loser gets
// Unauthenticated.
func (m *Manager) Rotate(ctx context.Context, presented string) (*Pair, *identity.User, error) {
	userID, err := m.verifyRefresh(presented)
	if err != nil {
		m.rotation("rejected")
		return nil, nil, err
	}

	user, err := m.store.GetByID(ctx, userID)
	if err != nil {
		m.rotation("rejected")
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, nil, apperr.Unauthenticated("invalid refresh token")
		}
		return nil, nil, err
	}

	if user.RefreshToken == "" || user.RefreshToken != presented {
		m.rotation("rejected")
		return nil, nil, apperr.Unauthenticated("refresh token is no longer active")
	}

	pair, err := m.sign(user)
	if err != nil {
		m.rotation("rejected")
		return nil, nil, err
	}

	swapped, err := m.store.SwapRefreshToken(ctx, user.ID, presented, pair.RefreshToken, pair.RefreshExpiresAt)
	if err != nil {
		m.rotation("rejected")
		return nil, nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !swapped {
		m.rotation("lost_race")
		m.logger.WithField("user_id", user.ID).Info("refresh rotation lost to a concurrent rotation")
		return nil, nil, apperr.Unauthenticated("refresh token is no longer active")
	}

	m.rotation("success")
	return pair, user.Sanitized(), nil
}

// Revoke clears the user's refresh slot. Outstanding access tokens remain
// valid until they expire.
func (m *Manager) Revoke(ctx context.Context, userID int64) error {
	return m.store.ClearRefreshToken(ctx, userID)
}

func (m *Manager) sign(user *identity.User) (*Pair, error) {
	now := m.now()
	accessExpiry := now.Add(m.accessTTL)
	refreshExpiry := now.Add(m.refreshTTL)
	subject := strconv.FormatInt(user.ID, 10)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Email:    user.Email,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	})
	accessToken, err := access.SignedString(m.accessSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	// The jti makes every refresh token unique even within one clock second,
	// so the slot compare-and-swap always distinguishes old from new.
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
		},
	})
	refreshToken, err := refresh.SignedString(m.refreshSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// SubjectID parses the user ID out of access claims.
func SubjectID(claims *AccessClaims) (int64, error) {
	return strconv.ParseInt(claims.Subject, 10, 64)
}

// verifyRefresh checks the signature and expiry of a refresh token and
// returns the subject user ID.
func (m *Manager) verifyRefresh(tokenString string) (int64, error) {
	claims := &RefreshClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return m.refreshSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, apperr.TokenExpired("refresh token expired")
		}
		return 0, apperr.TokenInvalid("invalid refresh token")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, apperr.TokenInvalid("invalid refresh token")
	}
	return userID, nil
}

func (m *Manager) rotation(outcome string) {
	if m.metrics != nil {
		m.metrics.TokenRotationsTotal.WithLabelValues(outcome).Inc()
	}
}
