package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/session"
	"github.com/rutaops/dispatch/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestRotateRefreshTokenSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked_at").
		WithArgs("u1", "old-hash", now).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "device_info"}).AddRow("device-1", "android"))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next, err := s.RotateRefreshToken(context.Background(), "u1", "old-hash", now, session.RefreshTokenRecord{
		TokenHash: "new-hash",
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.DeviceID != "device-1" || next.DeviceInfo != "android" {
		t.Fatalf("device fields must carry over, got %+v", next)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRotateRefreshTokenReplayFails(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	// The conditional UPDATE finds no live row: replayed or revoked token.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked_at").
		WithArgs("u1", "replayed-hash", now).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "device_info"}))
	mock.ExpectRollback()

	_, err := s.RotateRefreshToken(context.Background(), "u1", "replayed-hash", now, session.RefreshTokenRecord{
		TokenHash: "next", ExpiresAt: now.Add(time.Hour),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveRefreshTokenRevokesDeviceFirst(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.SaveRefreshToken(context.Background(), session.RefreshTokenRecord{
		UserID: "u1", TokenHash: "h", DeviceID: "d1", ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkStopTerminalLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	// Guarded update touches zero rows; the follow-up read shows the stop
	// exists, so the caller lost the race.
	mock.ExpectExec("UPDATE stops SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := stopRows()
	mock.ExpectQuery("SELECT (.+) FROM stops WHERE id").WillReturnRows(rows)

	_, err := s.MarkStopTerminal(context.Background(), "s1", storage.TerminalStopWrite{
		Status: route.StopCompleted, CompletedAt: time.Now().UTC(),
	})
	if !errors.Is(err, storage.ErrAlreadyProcessed) {
		t.Fatalf("want ErrAlreadyProcessed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func stopRows() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "route_id", "address_id", "sequence_order", "status", "estimated_minutes", "priority",
		"time_window_start", "time_window_end", "estimated_arrival", "original_estimated_arrival",
		"travel_minutes_from_previous", "arrived_at", "completed_at", "require_signature", "require_photo",
		"signature_url", "photo_url", "is_paid", "payment_status", "payment_method", "payment_amount",
		"customer_rut", "external_order_id", "notes", "failure_reason", "lat", "lng", "created_at", "updated_at",
	}).AddRow(
		"s1", "r1", "a1", 1, "COMPLETED", 10, 0,
		nil, nil, nil, nil,
		5.0, nil, now, false, false,
		nil, nil, false, "PENDING", nil, 0.0,
		nil, nil, nil, nil, -33.45, -70.66, now, now,
	)
}

func TestReorderStopsIsTwoPhase(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	// Phase one: every row to its negative target.
	mock.ExpectExec("UPDATE stops SET sequence_order = ").
		WithArgs("s2", "r1", -1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE stops SET sequence_order = ").
		WithArgs("s1", "r1", -2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Phase two: flip positive.
	mock.ExpectExec("UPDATE stops SET sequence_order = -sequence_order").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := s.ReorderStops(context.Background(), "r1", []string{"s2", "s1"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReorderStopsRejectsWrongCount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err := s.ReorderStops(context.Background(), "r1", []string{"s1"})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestUpdateDriverLocationIsAtomic(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE routes SET driver_lat").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO route_tracking_points").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateDriverLocation(context.Background(), route.TrackingPoint{
		RouteID: "r1", Lat: -33.45, Lng: -70.66, RecordedAt: now,
	})
	if err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
