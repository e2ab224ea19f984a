package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/session"
	"github.com/rutaops/dispatch/internal/app/storage"
)

// --- TokenStore -------------------------------------------------------------

func (s *Store) SaveRefreshToken(ctx context.Context, rec session.RefreshTokenRecord) (session.RefreshTokenRecord, error) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = time.Now().UTC()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens SET revoked_at = $3
			WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL
		`, rec.UserID, rec.DeviceID, rec.IssuedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refresh_tokens (id, user_id, token_hash, device_id, device_info, issued_at, expires_at, revoked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.ID, rec.UserID, rec.TokenHash, rec.DeviceID, toNullString(rec.DeviceInfo),
			rec.IssuedAt, rec.ExpiresAt.UTC(), toNullTime(rec.RevokedAt))
		return err
	})
	if err != nil {
		return session.RefreshTokenRecord{}, mapErr(err)
	}
	return rec, nil
}

// RotateRefreshToken is the single-use refresh primitive. The conditional
// UPDATE on revoked_at IS NULL decides races: of two concurrent rotations of
// the same presented token, exactly one revokes the live row; the other sees
// zero rows and fails.
func (s *Store) RotateRefreshToken(ctx context.Context, userID, tokenHash string, now time.Time, next session.RefreshTokenRecord) (session.RefreshTokenRecord, error) {
	if next.ID == "" {
		next.ID = newID()
	}
	if next.IssuedAt.IsZero() {
		next.IssuedAt = now.UTC()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var deviceID string
		var deviceInfo sql.NullString
		err := tx.QueryRowContext(ctx, `
			UPDATE refresh_tokens SET revoked_at = $3
			WHERE user_id = $1 AND token_hash = $2 AND revoked_at IS NULL AND expires_at > $3
			RETURNING device_id, device_info
		`, userID, tokenHash, now.UTC()).Scan(&deviceID, &deviceInfo)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next.UserID = userID
		next.DeviceID = deviceID
		next.DeviceInfo = deviceInfo.String
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refresh_tokens (id, user_id, token_hash, device_id, device_info, issued_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, next.ID, next.UserID, next.TokenHash, next.DeviceID, toNullString(next.DeviceInfo),
			next.IssuedAt, next.ExpiresAt.UTC())
		return err
	})
	if err != nil {
		return session.RefreshTokenRecord{}, mapErr(err)
	}
	return next, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, userID, tokenHash string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = $3
		WHERE user_id = $1 AND token_hash = $2 AND revoked_at IS NULL
	`, userID, tokenHash, now.UTC())
	if err != nil {
		return mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID string, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
	`, before.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
