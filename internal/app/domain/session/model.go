package session

import "time"

// RefreshTokenRecord is the persisted half of a refresh token. Only the
// SHA-256 hash of the JWT is stored. At most one non-revoked record exists
// per (UserID, DeviceID) at any instant.
type RefreshTokenRecord struct {
	ID         string
	UserID     string
	TokenHash  string
	DeviceID   string
	DeviceInfo string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time
}

// Revoked reports whether the record has been invalidated.
func (r RefreshTokenRecord) Revoked() bool { return !r.RevokedAt.IsZero() }
