package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/depot"
	"github.com/rutaops/dispatch/internal/app/domain/payment"
	"github.com/rutaops/dispatch/internal/app/storage"
)

// --- DepotStore -------------------------------------------------------------

const depotColumns = `id, name, address, lat, lng, default_departure_time, default_service_minutes,
	eta_window_before_min, eta_window_after_min, is_default, is_active, created_at, updated_at`

func scanDepot(sc rowScanner) (depot.Depot, error) {
	var d depot.Depot
	if err := sc.Scan(&d.ID, &d.Name, &d.Address, &d.Lat, &d.Lng, &d.DefaultDepartureTime, &d.DefaultServiceMinutes,
		&d.EtaWindowBeforeMin, &d.EtaWindowAfterMin, &d.IsDefault, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return depot.Depot{}, err
	}
	return d, nil
}

func (s *Store) CreateDepot(ctx context.Context, d depot.Depot) (depot.Depot, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if d.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE depots SET is_default = FALSE WHERE is_default`); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO depots (`+depotColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, d.ID, d.Name, d.Address, d.Lat, d.Lng, d.DefaultDepartureTime, d.DefaultServiceMinutes,
			d.EtaWindowBeforeMin, d.EtaWindowAfterMin, d.IsDefault, d.IsActive, d.CreatedAt, d.UpdatedAt)
		return err
	})
	if err != nil {
		return depot.Depot{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) UpdateDepot(ctx context.Context, d depot.Depot) (depot.Depot, error) {
	d.UpdatedAt = time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if d.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE depots SET is_default = FALSE WHERE is_default AND id <> $1`, d.ID); err != nil {
				return err
			}
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE depots SET name = $2, address = $3, lat = $4, lng = $5, default_departure_time = $6,
				default_service_minutes = $7, eta_window_before_min = $8, eta_window_after_min = $9,
				is_default = $10, is_active = $11, updated_at = $12
			WHERE id = $1
		`, d.ID, d.Name, d.Address, d.Lat, d.Lng, d.DefaultDepartureTime,
			d.DefaultServiceMinutes, d.EtaWindowBeforeMin, d.EtaWindowAfterMin,
			d.IsDefault, d.IsActive, d.UpdatedAt)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return depot.Depot{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) GetDepot(ctx context.Context, id string) (depot.Depot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+depotColumns+` FROM depots WHERE id = $1`, id)
	d, err := scanDepot(row)
	if err != nil {
		return depot.Depot{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) GetDefaultDepot(ctx context.Context) (depot.Depot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+depotColumns+` FROM depots WHERE is_default AND is_active LIMIT 1
	`)
	d, err := scanDepot(row)
	if err != nil {
		return depot.Depot{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) ListDepots(ctx context.Context) ([]depot.Depot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depotColumns+` FROM depots ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []depot.Depot
	for rows.Next() {
		d, err := scanDepot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- AddressStore -----------------------------------------------------------

const addressColumns = `id, street, city, full_address, lat, lng, geocode_status,
	customer_name, customer_phone, customer_rut, external_order_id, payment_method, created_at, updated_at`

const addressPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14`

func addressArgs(a address.Address) []any {
	return []any{
		a.ID, a.Street, a.City, a.FullAddress, toNullFloat(a.Lat), toNullFloat(a.Lng), a.GeocodeStatus,
		toNullString(a.CustomerName), toNullString(a.CustomerPhone), toNullString(a.CustomerRut),
		toNullString(a.ExternalOrderID), toNullString(a.PaymentMethod), a.CreatedAt, a.UpdatedAt,
	}
}

func scanAddress(sc rowScanner) (address.Address, error) {
	var (
		a          address.Address
		lat        sql.NullFloat64
		lng        sql.NullFloat64
		custName   sql.NullString
		custPhone  sql.NullString
		custRut    sql.NullString
		externalID sql.NullString
		payMethod  sql.NullString
	)
	if err := sc.Scan(&a.ID, &a.Street, &a.City, &a.FullAddress, &lat, &lng, &a.GeocodeStatus,
		&custName, &custPhone, &custRut, &externalID, &payMethod, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return address.Address{}, err
	}
	a.Lat = fromNullFloat(lat)
	a.Lng = fromNullFloat(lng)
	a.CustomerName = custName.String
	a.CustomerPhone = custPhone.String
	a.CustomerRut = custRut.String
	a.ExternalOrderID = externalID.String
	a.PaymentMethod = payMethod.String
	return a, nil
}

func (s *Store) CreateAddress(ctx context.Context, a address.Address) (address.Address, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.GeocodeStatus == "" {
		a.GeocodeStatus = address.GeocodePending
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO addresses (`+addressColumns+`) VALUES (`+addressPlaceholders+`)`, addressArgs(a)...)
	if err != nil {
		return address.Address{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) UpdateAddress(ctx context.Context, a address.Address) (address.Address, error) {
	a.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE addresses SET street = $2, city = $3, full_address = $4, lat = $5, lng = $6,
			geocode_status = $7, customer_name = $8, customer_phone = $9, customer_rut = $10,
			external_order_id = $11, payment_method = $12, updated_at = $13
		WHERE id = $1
	`, a.ID, a.Street, a.City, a.FullAddress, toNullFloat(a.Lat), toNullFloat(a.Lng),
		a.GeocodeStatus, toNullString(a.CustomerName), toNullString(a.CustomerPhone), toNullString(a.CustomerRut),
		toNullString(a.ExternalOrderID), toNullString(a.PaymentMethod), a.UpdatedAt)
	if err != nil {
		return address.Address{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return address.Address{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAddress(ctx context.Context, id string) (address.Address, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+addressColumns+` FROM addresses WHERE id = $1`, id)
	a, err := scanAddress(row)
	if err != nil {
		return address.Address{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) ListAddresses(ctx context.Context, limit, offset int) ([]address.Address, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+addressColumns+` FROM addresses ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []address.Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) DeleteAddress(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var dependents int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM stops WHERE address_id = $1
		`, id).Scan(&dependents); err != nil {
			return err
		}
		if dependents > 0 {
			return storage.ErrConflict
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM addresses WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	return mapErr(err)
}

// --- PaymentStore -----------------------------------------------------------

const paymentColumns = `id, stop_id, amount, method, status, customer_rut, transaction_id,
	bank_reference, verified_at, verified_by, created_at`

func scanPayment(sc rowScanner) (payment.Payment, error) {
	var (
		p          payment.Payment
		rut        sql.NullString
		txID       sql.NullString
		bankRef    sql.NullString
		verifiedAt sql.NullTime
		verifiedBy sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.StopID, &p.Amount, &p.Method, &p.Status, &rut, &txID,
		&bankRef, &verifiedAt, &verifiedBy, &p.CreatedAt); err != nil {
		return payment.Payment{}, err
	}
	p.CustomerRut = rut.String
	p.TransactionID = txID.String
	p.BankReference = bankRef.String
	p.VerifiedAt = fromNullTime(verifiedAt)
	p.VerifiedBy = verifiedBy.String
	return p, nil
}

func (s *Store) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = payment.StatusPending
	}
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.StopID, p.Amount, p.Method, p.Status, toNullString(p.CustomerRut), toNullString(p.TransactionID),
		toNullString(p.BankReference), toNullTime(p.VerifiedAt), toNullString(p.VerifiedBy), p.CreatedAt)
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (payment.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) GetPaymentByTransactionID(ctx context.Context, txID string) (payment.Payment, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return payment.Payment{}, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, txID)
	p, err := scanPayment(row)
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) ListPaymentsForStop(ctx context.Context, stopID string) ([]payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE stop_id = $1 ORDER BY created_at
	`, stopID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) VerifyPayment(ctx context.Context, id, verifiedBy string, at time.Time) (payment.Payment, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var stopID string
		err := tx.QueryRowContext(ctx, `
			UPDATE payments SET status = $2, verified_at = $3, verified_by = $4
			WHERE id = $1
			RETURNING stop_id
		`, id, payment.StatusVerified, at.UTC(), toNullString(verifiedBy)).Scan(&stopID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE stops SET is_paid = TRUE, payment_status = $2, updated_at = $3 WHERE id = $1
		`, stopID, "PAID", at.UTC())
		return err
	})
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return s.GetPayment(ctx, id)
}

// --- SettingsStore ----------------------------------------------------------

func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return nil, mapErr(err)
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	return mapErr(err)
}
