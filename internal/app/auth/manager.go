// Package auth issues and rotates the access/refresh token pairs that keep
// drivers and dashboards authenticated, including the long-lived SSE
// connections that outlast any single access token.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/session"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/pkg/logger"
)

// Config holds the two independent signing secrets and token lifetimes.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type refreshClaims struct {
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	DeviceID     string
}

// Manager implements login, single-use refresh rotation, and logout.
type Manager struct {
	cfg    Config
	users  storage.UserStore
	tokens storage.TokenStore
	clock  geo.Clock
	log    *logger.Logger
}

// NewManager wires a Manager. TTLs default to 1h access / 7d refresh.
func NewManager(cfg Config, users storage.UserStore, tokens storage.TokenStore, clock geo.Clock, log *logger.Logger) *Manager {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if clock == nil {
		clock = geo.SystemClock{}
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Manager{cfg: cfg, users: users, tokens: tokens, clock: clock, log: log}
}

// HashToken returns the hex SHA-256 of a refresh token; only this hash is
// ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) issueAccess(u user.User, now time.Time) (string, error) {
	claims := AccessClaims{
		Email: u.Email,
		Role:  string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.AccessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.AccessSecret)
}

func (m *Manager) issueRefresh(userID string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(m.cfg.RefreshTTL)
	claims := refreshClaims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.RefreshSecret)
	return signed, expiresAt, err
}

// Login verifies credentials and issues a token pair bound to the device.
func (m *Manager) Login(ctx context.Context, email, password, deviceID, deviceInfo string) (user.User, TokenPair, error) {
	u, err := m.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, TokenPair{}, apperrors.Unauthenticated("invalid credentials")
		}
		return user.User{}, TokenPair{}, apperrors.DatabaseError("get user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return user.User{}, TokenPair{}, apperrors.Unauthenticated("invalid credentials")
	}
	if !u.IsActive {
		return user.User{}, TokenPair{}, apperrors.Unauthenticated("account disabled")
	}

	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	now := m.clock.Now()
	pair, rec, err := m.newPair(u, deviceID, now)
	if err != nil {
		return user.User{}, TokenPair{}, err
	}
	rec.DeviceInfo = deviceInfo
	if _, err := m.tokens.SaveRefreshToken(ctx, rec); err != nil {
		return user.User{}, TokenPair{}, apperrors.DatabaseError("save refresh token", err)
	}
	if err := m.users.SetLastLogin(ctx, u.ID, now); err != nil {
		m.log.WithError(err).Warn("record last login")
	}
	u.LastLoginAt = now
	return u, pair, nil
}

func (m *Manager) newPair(u user.User, deviceID string, now time.Time) (TokenPair, session.RefreshTokenRecord, error) {
	access, err := m.issueAccess(u, now)
	if err != nil {
		return TokenPair{}, session.RefreshTokenRecord{}, apperrors.Internal("sign access token", err)
	}
	refresh, expiresAt, err := m.issueRefresh(u.ID, now)
	if err != nil {
		return TokenPair{}, session.RefreshTokenRecord{}, apperrors.Internal("sign refresh token", err)
	}
	rec := session.RefreshTokenRecord{
		UserID:    u.ID,
		TokenHash: HashToken(refresh),
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, DeviceID: deviceID}, rec, nil
}

// Refresh exchanges a refresh token for a new pair. Each token is single-use:
// the rotation revokes the presented token, and a replay (or any concurrent
// second use) fails with TokenInvalid.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (user.User, TokenPair, error) {
	userID, err := m.parseRefresh(refreshToken)
	if err != nil {
		return user.User{}, TokenPair{}, apperrors.TokenInvalid()
	}

	u, err := m.users.GetUser(ctx, userID)
	if err != nil || !u.IsActive {
		return user.User{}, TokenPair{}, apperrors.TokenInvalid()
	}

	now := m.clock.Now()
	pair, rec, err := m.newPair(u, "", now)
	if err != nil {
		return user.User{}, TokenPair{}, err
	}

	stored, err := m.tokens.RotateRefreshToken(ctx, userID, HashToken(refreshToken), now, rec)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Replayed, revoked, or expired. The audit trail matters here:
			// a replay of an already-rotated token is the signature of a
			// stolen refresh token.
			m.log.WithField("user_id", userID).WithField("audit", true).
				Warn("refresh token replay or reuse detected")
			return user.User{}, TokenPair{}, apperrors.TokenInvalid()
		}
		return user.User{}, TokenPair{}, apperrors.DatabaseError("rotate refresh token", err)
	}
	pair.DeviceID = stored.DeviceID
	return u, pair, nil
}

func (m *Manager) parseRefresh(token string) (string, error) {
	var claims refreshClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.cfg.RefreshSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid refresh token")
	}
	if claims.TokenType != "refresh" || claims.Subject == "" {
		return "", errors.New("not a refresh token")
	}
	return claims.Subject, nil
}

// ValidateAccess parses and verifies an access token.
func (m *Manager) ValidateAccess(token string) (*AccessClaims, error) {
	var claims AccessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.cfg.AccessSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperrors.Unauthenticated("invalid access token")
	}
	return &claims, nil
}

// Logout revokes the presented refresh token. Access tokens expire naturally.
func (m *Manager) Logout(ctx context.Context, userID, refreshToken string) error {
	err := m.tokens.RevokeRefreshToken(ctx, userID, HashToken(refreshToken), m.clock.Now())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.DatabaseError("revoke refresh token", err)
	}
	return nil
}

// LogoutAll revokes every live refresh token for the user and clears the
// push token so the device stops receiving notifications.
func (m *Manager) LogoutAll(ctx context.Context, userID string) (int, error) {
	revoked, err := m.tokens.RevokeAllRefreshTokens(ctx, userID, m.clock.Now())
	if err != nil {
		return 0, apperrors.DatabaseError("revoke refresh tokens", err)
	}
	if err := m.users.SetPushToken(ctx, userID, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.WithError(err).Warn("clear push token")
	}
	return revoked, nil
}
