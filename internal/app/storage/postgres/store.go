// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/storage"
)

// Store implements every storage interface over a single database handle.
type Store struct {
	db *sql.DB
}

var (
	_ storage.UserStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.RouteStore    = (*Store)(nil)
	_ storage.DepotStore    = (*Store)(nil)
	_ storage.AddressStore  = (*Store)(nil)
	_ storage.PaymentStore  = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Stores returns the aggregate wiring, every interface backed by s.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{
		Users: s, Tokens: s, Routes: s, Depots: s, Addresses: s, Payments: s, Settings: s,
	}
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapErr normalizes driver errors to the storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return storage.ErrDuplicate
		case "23503": // foreign_key_violation
			return storage.ErrConflict
		}
	}
	return err
}

func newID() string { return uuid.NewString() }

type rowScanner interface {
	Scan(dest ...any) error
}

func toNullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func fromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// --- UserStore --------------------------------------------------------------

const userColumns = `id, email, password_hash, name, role, is_active, phone, push_token, preferences, last_login_at, created_at, updated_at`

func scanUser(sc rowScanner) (user.User, error) {
	var (
		u         user.User
		phone     sql.NullString
		pushToken sql.NullString
		prefsRaw  []byte
		lastLogin sql.NullTime
	)
	if err := sc.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.IsActive,
		&phone, &pushToken, &prefsRaw, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, err
	}
	u.Phone = phone.String
	u.PushToken = pushToken.String
	if len(prefsRaw) > 0 {
		_ = json.Unmarshal(prefsRaw, &u.Preferences)
	}
	u.LastLoginAt = fromNullTime(lastLogin)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	u.Email = user.NormalizeEmail(u.Email)
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	prefsJSON, err := json.Marshal(u.Preferences)
	if err != nil {
		return user.User{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, name, role, is_active, phone, push_token, preferences, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.IsActive,
		toNullString(u.Phone), toNullString(u.PushToken), prefsJSON, toNullTime(u.LastLoginAt), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.Email = user.NormalizeEmail(u.Email)
	u.UpdatedAt = time.Now().UTC()

	prefsJSON, err := json.Marshal(u.Preferences)
	if err != nil {
		return user.User{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, password_hash = $3, name = $4, role = $5, is_active = $6,
		    phone = $7, push_token = $8, preferences = $9, updated_at = $10
		WHERE id = $1
	`, u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.IsActive,
		toNullString(u.Phone), toNullString(u.PushToken), prefsJSON, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, user.NormalizeEmail(email))
	u, err := scanUser(row)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, role user.Role) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE $1 = '' OR role = $1
		ORDER BY email
	`, string(role))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) SetPushToken(ctx context.Context, userID, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET push_token = $2, updated_at = $3 WHERE id = $1
	`, userID, toNullString(token), time.Now().UTC())
	if err != nil {
		return mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2 WHERE id = $1
	`, userID, at.UTC())
	return mapErr(err)
}
