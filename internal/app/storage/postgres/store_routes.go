package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/storage"
)

const routeColumns = `id, name, status, scheduled_date, departure_time, depot_id,
	origin_lat, origin_lng, origin_address, assigned_driver_id, created_by,
	sent_at, loaded_at, started_at, actual_start_time, paused_at, completed_at,
	total_distance_km, total_duration_min, optimized_at, optimization_hash,
	depot_return_time, driver_lat, driver_lng, driver_location_at, driver_heading,
	driver_speed, created_at, updated_at`

func scanRoute(sc rowScanner) (route.Route, error) {
	var (
		r             route.Route
		scheduled     sql.NullTime
		departure     sql.NullString
		depotID       sql.NullString
		originLat     sql.NullFloat64
		originLng     sql.NullFloat64
		originAddr    sql.NullString
		driverID      sql.NullString
		sentAt        sql.NullTime
		loadedAt      sql.NullTime
		startedAt     sql.NullTime
		actualStart   sql.NullTime
		pausedAt      sql.NullTime
		completedAt   sql.NullTime
		distanceKm    sql.NullFloat64
		durationMin   sql.NullFloat64
		optimizedAt   sql.NullTime
		optimHash     sql.NullString
		depotReturn   sql.NullTime
		driverLat     sql.NullFloat64
		driverLng     sql.NullFloat64
		driverLocAt   sql.NullTime
		driverHeading sql.NullFloat64
		driverSpeed   sql.NullFloat64
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Status, &scheduled, &departure, &depotID,
		&originLat, &originLng, &originAddr, &driverID, &r.CreatedBy,
		&sentAt, &loadedAt, &startedAt, &actualStart, &pausedAt, &completedAt,
		&distanceKm, &durationMin, &optimizedAt, &optimHash,
		&depotReturn, &driverLat, &driverLng, &driverLocAt, &driverHeading,
		&driverSpeed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return route.Route{}, err
	}
	r.ScheduledDate = fromNullTime(scheduled)
	r.DepartureTime = departure.String
	r.DepotID = depotID.String
	r.OriginLat = fromNullFloat(originLat)
	r.OriginLng = fromNullFloat(originLng)
	r.OriginAddress = originAddr.String
	r.AssignedDriverID = driverID.String
	r.SentAt = fromNullTime(sentAt)
	r.LoadedAt = fromNullTime(loadedAt)
	r.StartedAt = fromNullTime(startedAt)
	r.ActualStartTime = fromNullTime(actualStart)
	r.PausedAt = fromNullTime(pausedAt)
	r.CompletedAt = fromNullTime(completedAt)
	r.TotalDistanceKm = distanceKm.Float64
	r.TotalDurationMin = durationMin.Float64
	r.OptimizedAt = fromNullTime(optimizedAt)
	r.OptimizationHash = optimHash.String
	r.DepotReturnTime = fromNullTime(depotReturn)
	r.DriverLat = fromNullFloat(driverLat)
	r.DriverLng = fromNullFloat(driverLng)
	r.DriverLocationAt = fromNullTime(driverLocAt)
	r.DriverHeading = fromNullFloat(driverHeading)
	r.DriverSpeed = fromNullFloat(driverSpeed)
	return r, nil
}

func routeArgs(r route.Route) []any {
	return []any{
		r.ID, r.Name, r.Status, toNullTime(r.ScheduledDate), toNullString(r.DepartureTime), toNullString(r.DepotID),
		toNullFloat(r.OriginLat), toNullFloat(r.OriginLng), toNullString(r.OriginAddress), toNullString(r.AssignedDriverID), r.CreatedBy,
		toNullTime(r.SentAt), toNullTime(r.LoadedAt), toNullTime(r.StartedAt), toNullTime(r.ActualStartTime), toNullTime(r.PausedAt), toNullTime(r.CompletedAt),
		r.TotalDistanceKm, r.TotalDurationMin, toNullTime(r.OptimizedAt), toNullString(r.OptimizationHash),
		toNullTime(r.DepotReturnTime), toNullFloat(r.DriverLat), toNullFloat(r.DriverLng), toNullTime(r.DriverLocationAt), toNullFloat(r.DriverHeading),
		toNullFloat(r.DriverSpeed), r.CreatedAt, r.UpdatedAt,
	}
}

const routePlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29`

func (s *Store) CreateRoute(ctx context.Context, r route.Route) (route.Route, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = route.StatusDraft
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (`+routeColumns+`) VALUES (`+routePlaceholders+`)`, routeArgs(r)...)
	if err != nil {
		return route.Route{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) UpdateRoute(ctx context.Context, r route.Route) (route.Route, error) {
	r.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE routes SET
			name = $2, status = $3, scheduled_date = $4, departure_time = $5, depot_id = $6,
			origin_lat = $7, origin_lng = $8, origin_address = $9, assigned_driver_id = $10,
			sent_at = $11, loaded_at = $12, started_at = $13, actual_start_time = $14,
			paused_at = $15, completed_at = $16, total_distance_km = $17, total_duration_min = $18,
			optimized_at = $19, optimization_hash = $20, depot_return_time = $21,
			driver_lat = $22, driver_lng = $23, driver_location_at = $24, driver_heading = $25,
			driver_speed = $26, updated_at = $27
		WHERE id = $1
	`, r.ID, r.Name, r.Status, toNullTime(r.ScheduledDate), toNullString(r.DepartureTime), toNullString(r.DepotID),
		toNullFloat(r.OriginLat), toNullFloat(r.OriginLng), toNullString(r.OriginAddress), toNullString(r.AssignedDriverID),
		toNullTime(r.SentAt), toNullTime(r.LoadedAt), toNullTime(r.StartedAt), toNullTime(r.ActualStartTime),
		toNullTime(r.PausedAt), toNullTime(r.CompletedAt), r.TotalDistanceKm, r.TotalDurationMin,
		toNullTime(r.OptimizedAt), toNullString(r.OptimizationHash), toNullTime(r.DepotReturnTime),
		toNullFloat(r.DriverLat), toNullFloat(r.DriverLng), toNullTime(r.DriverLocationAt), toNullFloat(r.DriverHeading),
		toNullFloat(r.DriverSpeed), r.UpdatedAt)
	if err != nil {
		return route.Route{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return route.Route{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetRoute(ctx context.Context, id string) (route.Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id)
	r, err := scanRoute(row)
	if err != nil {
		return route.Route{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) ListRoutes(ctx context.Context, f storage.RouteFilter) ([]route.Route, int, error) {
	conds := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.DriverID != "" {
		conds = append(conds, "assigned_driver_id = "+arg(f.DriverID))
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = arg(string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}

	query := `SELECT ` + routeColumns + ` FROM routes WHERE ` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var result []route.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, r)
	}
	return result, total, rows.Err()
}

func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	// stops and tracking points cascade via their foreign keys
	result, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveRouteForDriver(ctx context.Context, driverID string) (route.Route, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+routeColumns+` FROM routes
		WHERE assigned_driver_id = $1 AND status IN ($2, $3)
		LIMIT 1
	`, driverID, route.StatusInProgress, route.StatusPaused)
	r, err := scanRoute(row)
	if err != nil {
		return route.Route{}, mapErr(err)
	}
	return r, nil
}

// --- Tracking ---------------------------------------------------------------

func (s *Store) UpdateDriverLocation(ctx context.Context, p route.TrackingPoint) error {
	if p.ID == "" {
		p.ID = newID()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE routes SET driver_lat = $2, driver_lng = $3, driver_location_at = $4,
				driver_heading = $5, driver_speed = $6, updated_at = $4
			WHERE id = $1
		`, p.RouteID, p.Lat, p.Lng, p.RecordedAt.UTC(), toNullFloat(p.Heading), toNullFloat(p.Speed))
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO route_tracking_points (id, route_id, lat, lng, heading, speed, accuracy, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.ID, p.RouteID, p.Lat, p.Lng, toNullFloat(p.Heading), toNullFloat(p.Speed), toNullFloat(p.Accuracy), p.RecordedAt.UTC())
		return err
	})
	return mapErr(err)
}

func (s *Store) ListTrackingPoints(ctx context.Context, routeID string, limit int) ([]route.TrackingPoint, error) {
	query := `
		SELECT id, route_id, lat, lng, heading, speed, accuracy, recorded_at
		FROM route_tracking_points
		WHERE route_id = $1
		ORDER BY recorded_at`
	args := []any{routeID}
	if limit > 0 {
		query += ` DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []route.TrackingPoint
	for rows.Next() {
		var (
			p       route.TrackingPoint
			heading sql.NullFloat64
			speed   sql.NullFloat64
			acc     sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.RouteID, &p.Lat, &p.Lng, &heading, &speed, &acc, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.Heading = fromNullFloat(heading)
		p.Speed = fromNullFloat(speed)
		p.Accuracy = fromNullFloat(acc)
		result = append(result, p)
	}
	if limit > 0 { // restore chronological order after LIMIT DESC
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	return result, rows.Err()
}

func (s *Store) PruneTrackingPoints(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM route_tracking_points WHERE recorded_at < $1
	`, before.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// --- Import -----------------------------------------------------------------

func (s *Store) ImportRoute(ctx context.Context, r route.Route, addrs []address.Address, stops []route.Stop) (route.Route, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = route.StatusDraft
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (`+routeColumns+`) VALUES (`+routePlaceholders+`)`, routeArgs(r)...); err != nil {
			return err
		}
		for i := range addrs {
			if addrs[i].ID == "" {
				addrs[i].ID = newID()
			}
			if addrs[i].GeocodeStatus == "" {
				addrs[i].GeocodeStatus = address.GeocodePending
			}
			addrs[i].CreatedAt, addrs[i].UpdatedAt = now, now
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO addresses (`+addressColumns+`) VALUES (`+addressPlaceholders+`)`, addressArgs(addrs[i])...); err != nil {
				return err
			}
		}
		for i := range stops {
			stops[i].RouteID = r.ID
			if i < len(addrs) && stops[i].AddressID == "" {
				stops[i].AddressID = addrs[i].ID
			}
			if stops[i].ID == "" {
				stops[i].ID = newID()
			}
			if stops[i].Status == "" {
				stops[i].Status = route.StopPending
			}
			if stops[i].PaymentStatus == "" {
				stops[i].PaymentStatus = route.PaymentPending
			}
			if stops[i].SequenceOrder == 0 {
				stops[i].SequenceOrder = i + 1
			}
			stops[i].CreatedAt, stops[i].UpdatedAt = now, now
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stops (`+stopColumns+`) VALUES (`+stopPlaceholders+`)`, stopArgs(stops[i])...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return route.Route{}, mapErr(err)
	}
	return r, nil
}
