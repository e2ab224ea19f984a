package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/storage"
)

const stopColumns = `id, route_id, address_id, sequence_order, status, estimated_minutes, priority,
	time_window_start, time_window_end, estimated_arrival, original_estimated_arrival,
	travel_minutes_from_previous, arrived_at, completed_at, require_signature, require_photo,
	signature_url, photo_url, is_paid, payment_status, payment_method, payment_amount,
	customer_rut, external_order_id, notes, failure_reason, lat, lng, created_at, updated_at`

const stopPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30`

func stopArgs(st route.Stop) []any {
	return []any{
		st.ID, st.RouteID, st.AddressID, st.SequenceOrder, st.Status, st.EstimatedMinutes, st.Priority,
		toNullTime(st.TimeWindowStart), toNullTime(st.TimeWindowEnd), toNullTime(st.EstimatedArrival), toNullTime(st.OriginalEstimated),
		st.TravelMinutesFromPrev, toNullTime(st.ArrivedAt), toNullTime(st.CompletedAt), st.RequireSignature, st.RequirePhoto,
		toNullString(st.SignatureURL), toNullString(st.PhotoURL), st.IsPaid, st.PaymentStatus, toNullString(st.PaymentMethod), st.PaymentAmount,
		toNullString(st.CustomerRut), toNullString(st.ExternalOrderID), toNullString(st.Notes), toNullString(st.FailureReason),
		toNullFloat(st.Lat), toNullFloat(st.Lng), st.CreatedAt, st.UpdatedAt,
	}
}

func scanStop(sc rowScanner) (route.Stop, error) {
	var (
		st          route.Stop
		twStart     sql.NullTime
		twEnd       sql.NullTime
		eta         sql.NullTime
		originalEta sql.NullTime
		arrivedAt   sql.NullTime
		completedAt sql.NullTime
		sigURL      sql.NullString
		photoURL    sql.NullString
		payMethod   sql.NullString
		rut         sql.NullString
		externalID  sql.NullString
		notes       sql.NullString
		failure     sql.NullString
		lat         sql.NullFloat64
		lng         sql.NullFloat64
	)
	if err := sc.Scan(&st.ID, &st.RouteID, &st.AddressID, &st.SequenceOrder, &st.Status, &st.EstimatedMinutes, &st.Priority,
		&twStart, &twEnd, &eta, &originalEta,
		&st.TravelMinutesFromPrev, &arrivedAt, &completedAt, &st.RequireSignature, &st.RequirePhoto,
		&sigURL, &photoURL, &st.IsPaid, &st.PaymentStatus, &payMethod, &st.PaymentAmount,
		&rut, &externalID, &notes, &failure, &lat, &lng, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return route.Stop{}, err
	}
	st.TimeWindowStart = fromNullTime(twStart)
	st.TimeWindowEnd = fromNullTime(twEnd)
	st.EstimatedArrival = fromNullTime(eta)
	st.OriginalEstimated = fromNullTime(originalEta)
	st.ArrivedAt = fromNullTime(arrivedAt)
	st.CompletedAt = fromNullTime(completedAt)
	st.SignatureURL = sigURL.String
	st.PhotoURL = photoURL.String
	st.PaymentMethod = payMethod.String
	st.CustomerRut = rut.String
	st.ExternalOrderID = externalID.String
	st.Notes = notes.String
	st.FailureReason = failure.String
	st.Lat = fromNullFloat(lat)
	st.Lng = fromNullFloat(lng)
	return st, nil
}

func (s *Store) AddStop(ctx context.Context, st route.Stop) (route.Stop, error) {
	if st.ID == "" {
		st.ID = newID()
	}
	if st.Status == "" {
		st.Status = route.StopPending
	}
	if st.PaymentStatus == "" {
		st.PaymentStatus = route.PaymentPending
	}
	now := time.Now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if st.SequenceOrder == 0 {
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(sequence_order), 0) + 1 FROM stops WHERE route_id = $1
			`, st.RouteID).Scan(&st.SequenceOrder); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stops (`+stopColumns+`) VALUES (`+stopPlaceholders+`)`, stopArgs(st)...)
		return err
	})
	if err != nil {
		return route.Stop{}, mapErr(err)
	}
	return st, nil
}

func (s *Store) GetStop(ctx context.Context, stopID string) (route.Stop, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stopColumns+` FROM stops WHERE id = $1`, stopID)
	st, err := scanStop(row)
	if err != nil {
		return route.Stop{}, mapErr(err)
	}
	return st, nil
}

func (s *Store) ListStops(ctx context.Context, routeID string) ([]route.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stopColumns+` FROM stops WHERE route_id = $1 ORDER BY sequence_order
	`, routeID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []route.Stop
	for rows.Next() {
		st, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *Store) UpdateStop(ctx context.Context, st route.Stop) (route.Stop, error) {
	st.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE stops SET
			address_id = $2, status = $3, estimated_minutes = $4, priority = $5,
			time_window_start = $6, time_window_end = $7, estimated_arrival = $8,
			travel_minutes_from_previous = $9, arrived_at = $10, completed_at = $11,
			require_signature = $12, require_photo = $13, signature_url = $14, photo_url = $15,
			is_paid = $16, payment_status = $17, payment_method = $18, payment_amount = $19,
			customer_rut = $20, external_order_id = $21, notes = $22, failure_reason = $23,
			lat = $24, lng = $25, updated_at = $26
		WHERE id = $1
	`, st.ID, st.AddressID, st.Status, st.EstimatedMinutes, st.Priority,
		toNullTime(st.TimeWindowStart), toNullTime(st.TimeWindowEnd), toNullTime(st.EstimatedArrival),
		st.TravelMinutesFromPrev, toNullTime(st.ArrivedAt), toNullTime(st.CompletedAt),
		st.RequireSignature, st.RequirePhoto, toNullString(st.SignatureURL), toNullString(st.PhotoURL),
		st.IsPaid, st.PaymentStatus, toNullString(st.PaymentMethod), st.PaymentAmount,
		toNullString(st.CustomerRut), toNullString(st.ExternalOrderID), toNullString(st.Notes), toNullString(st.FailureReason),
		toNullFloat(st.Lat), toNullFloat(st.Lng), st.UpdatedAt)
	if err != nil {
		return route.Stop{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return route.Stop{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *Store) DeleteStop(ctx context.Context, stopID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var routeID string
		var seq int
		err := tx.QueryRowContext(ctx, `
			DELETE FROM stops WHERE id = $1 RETURNING route_id, sequence_order
		`, stopID).Scan(&routeID, &seq)
		if err != nil {
			return err
		}
		// Close the gap through the negative range so (route_id, sequence_order)
		// stays unique at every intermediate state.
		if _, err := tx.ExecContext(ctx, `
			UPDATE stops SET sequence_order = -sequence_order
			WHERE route_id = $1 AND sequence_order > $2
		`, routeID, seq); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE stops SET sequence_order = -sequence_order - 1
			WHERE route_id = $1 AND sequence_order < 0
		`, routeID)
		return err
	})
	return mapErr(err)
}

// ReorderStops rewrites the sequence in two phases: all rows move to the
// negative of their target first, then flip positive. The uniqueness
// constraint on (route_id, sequence_order) never sees a duplicate, even when
// the new order equals the old one.
func (s *Store) ReorderStops(ctx context.Context, routeID string, orderedIDs []string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM stops WHERE route_id = $1
		`, routeID).Scan(&count); err != nil {
			return err
		}
		if count != len(orderedIDs) {
			return storage.ErrConflict
		}
		for i, id := range orderedIDs {
			result, err := tx.ExecContext(ctx, `
				UPDATE stops SET sequence_order = $3 WHERE id = $1 AND route_id = $2
			`, id, routeID, -(i + 1))
			if err != nil {
				return err
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return storage.ErrNotFound
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE stops SET sequence_order = -sequence_order, updated_at = $2
			WHERE route_id = $1 AND sequence_order < 0
		`, routeID, time.Now().UTC())
		return err
	})
	return mapErr(err)
}

func (s *Store) SetStopETAs(ctx context.Context, updates []storage.StopETA) error {
	if len(updates) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			query := `UPDATE stops SET estimated_arrival = $2, updated_at = $3`
			args := []any{u.StopID, toNullTime(u.EstimatedArrival), now}
			if u.TravelMinutesFromPrev != nil {
				args = append(args, *u.TravelMinutesFromPrev)
				query += `, travel_minutes_from_previous = $4`
			}
			if u.SetOriginal {
				// set-once: never overwrite a frozen original
				query += `, original_estimated_arrival = COALESCE(original_estimated_arrival, $2)`
			}
			if u.Sequence > 0 {
				args = append(args, u.Sequence)
				query += `, sequence_order = $` + itoa(len(args))
			}
			query += ` WHERE id = $1`
			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return storage.ErrNotFound
			}
		}
		return nil
	})
	return mapErr(err)
}

func itoa(n int) string {
	// tiny positive-int formatter for placeholder indexes
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// MarkStopTerminal writes the terminal status with a guard on the current
// status: the first writer wins, later writers observe ErrAlreadyProcessed.
func (s *Store) MarkStopTerminal(ctx context.Context, stopID string, w storage.TerminalStopWrite) (route.Stop, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE stops SET status = $2, completed_at = $3,
			notes = COALESCE(NULLIF($4, ''), notes),
			failure_reason = NULLIF($5, ''),
			signature_url = COALESCE(NULLIF($6, ''), signature_url),
			photo_url = COALESCE(NULLIF($7, ''), photo_url),
			payment_amount = CASE WHEN $8 > 0 THEN $8 ELSE payment_amount END,
			payment_method = CASE WHEN $8 > 0 THEN NULLIF($9, '') ELSE payment_method END,
			updated_at = $10
		WHERE id = $1 AND status NOT IN ($11, $12, $13)
	`, stopID, w.Status, w.CompletedAt.UTC(), w.Notes, w.FailureReason, w.SignatureURL, w.PhotoURL,
		w.PaymentAmount, w.PaymentMethod, now, route.StopCompleted, route.StopFailed, route.StopSkipped)
	if err != nil {
		return route.Stop{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// distinguish a missing stop from a lost race
		if _, getErr := s.GetStop(ctx, stopID); getErr != nil {
			return route.Stop{}, getErr
		}
		return route.Stop{}, storage.ErrAlreadyProcessed
	}
	return s.GetStop(ctx, stopID)
}

func (s *Store) MarkStopInTransit(ctx context.Context, stopID string, eta time.Time) (route.Stop, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE stops SET status = $2,
			estimated_arrival = COALESCE($3, estimated_arrival),
			updated_at = $4
		WHERE id = $1 AND status = $5
	`, stopID, route.StopInTransit, toNullTime(eta), time.Now().UTC(), route.StopPending)
	if err != nil {
		return route.Stop{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		st, getErr := s.GetStop(ctx, stopID)
		if getErr != nil {
			return route.Stop{}, getErr
		}
		if st.Status.Terminal() {
			return route.Stop{}, storage.ErrAlreadyProcessed
		}
		return route.Stop{}, storage.ErrConflict
	}
	return s.GetStop(ctx, stopID)
}
