package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/depot"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/session"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/storage"
)

func seedRoute(t *testing.T, s *Store, stops int) (route.Route, []route.Stop) {
	t.Helper()
	ctx := context.Background()
	rt, err := s.CreateRoute(ctx, route.Route{Name: "r"})
	if err != nil {
		t.Fatalf("create route: %v", err)
	}
	a, err := s.CreateAddress(ctx, address.Address{Street: "x"})
	if err != nil {
		t.Fatalf("create address: %v", err)
	}
	var out []route.Stop
	for i := 0; i < stops; i++ {
		st, err := s.AddStop(ctx, route.Stop{RouteID: rt.ID, AddressID: a.ID})
		if err != nil {
			t.Fatalf("add stop: %v", err)
		}
		out = append(out, st)
	}
	return rt, out
}

func TestAddStopAssignsGaplessSequence(t *testing.T) {
	s := New()
	_, stops := seedRoute(t, s, 3)
	for i, st := range stops {
		if st.SequenceOrder != i+1 {
			t.Fatalf("stop %d sequence = %d", i, st.SequenceOrder)
		}
	}
}

func TestDeleteStopClosesGap(t *testing.T) {
	s := New()
	rt, stops := seedRoute(t, s, 3)
	ctx := context.Background()

	if err := s.DeleteStop(ctx, stops[1].ID); err != nil {
		t.Fatalf("delete stop: %v", err)
	}
	remaining, _ := s.ListStops(ctx, rt.ID)
	if len(remaining) != 2 {
		t.Fatalf("len = %d", len(remaining))
	}
	for i, st := range remaining {
		if st.SequenceOrder != i+1 {
			t.Fatalf("sequence has a gap: %v", st.SequenceOrder)
		}
	}
}

func TestReorderStops(t *testing.T) {
	s := New()
	rt, stops := seedRoute(t, s, 3)
	ctx := context.Background()

	order := []string{stops[2].ID, stops[0].ID, stops[1].ID}
	if err := s.ReorderStops(ctx, rt.ID, order); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	got, _ := s.ListStops(ctx, rt.ID)
	for i, st := range got {
		if st.ID != order[i] {
			t.Fatalf("position %d = %s, want %s", i, st.ID, order[i])
		}
	}

	// Same order again is a no-op, not an error.
	if err := s.ReorderStops(ctx, rt.ID, order); err != nil {
		t.Fatalf("identity reorder: %v", err)
	}
}

func TestReorderRejectsPartialList(t *testing.T) {
	s := New()
	rt, stops := seedRoute(t, s, 3)
	if err := s.ReorderStops(context.Background(), rt.ID, []string{stops[0].ID}); err != storage.ErrConflict {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestMarkStopTerminalFirstWriterWins(t *testing.T) {
	s := New()
	_, stops := seedRoute(t, s, 1)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.MarkStopTerminal(ctx, stops[0].ID, storage.TerminalStopWrite{
		Status: route.StopCompleted, CompletedAt: now,
	}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := s.MarkStopTerminal(ctx, stops[0].ID, storage.TerminalStopWrite{
		Status: route.StopFailed, CompletedAt: now,
	}); err != storage.ErrAlreadyProcessed {
		t.Fatalf("want ErrAlreadyProcessed, got %v", err)
	}
}

func TestSetStopETAsNeverOverwritesOriginal(t *testing.T) {
	s := New()
	_, stops := seedRoute(t, s, 1)
	ctx := context.Background()
	first := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	second := first.Add(40 * time.Minute)

	if err := s.SetStopETAs(ctx, []storage.StopETA{{StopID: stops[0].ID, EstimatedArrival: first, SetOriginal: true}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStopETAs(ctx, []storage.StopETA{{StopID: stops[0].ID, EstimatedArrival: second, SetOriginal: true}}); err != nil {
		t.Fatal(err)
	}

	st, _ := s.GetStop(ctx, stops[0].ID)
	if !st.OriginalEstimated.Equal(first) {
		t.Fatalf("original = %v, want first write %v", st.OriginalEstimated, first)
	}
	if !st.EstimatedArrival.Equal(second) {
		t.Fatalf("estimate = %v, want %v", st.EstimatedArrival, second)
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, user.User{Email: "A@b.c", PasswordHash: "x", Role: user.RoleDriver}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateUser(ctx, user.User{Email: "a@B.C", PasswordHash: "x", Role: user.RoleDriver}); err != storage.ErrDuplicate {
		t.Fatalf("want ErrDuplicate for case-insensitive email, got %v", err)
	}
}

func TestSingleDefaultDepot(t *testing.T) {
	s := New()
	ctx := context.Background()
	first, _ := s.CreateDepot(ctx, depotNamed("one", true))
	second, _ := s.CreateDepot(ctx, depotNamed("two", true))

	got, err := s.GetDefaultDepot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Fatalf("default = %s, want the most recent %s", got.Name, second.Name)
	}
	old, _ := s.GetDepot(ctx, first.ID)
	if old.IsDefault {
		t.Fatal("previous default must be cleared")
	}
}

func TestAddressDeleteBlockedByStops(t *testing.T) {
	s := New()
	_, stops := seedRoute(t, s, 1)
	ctx := context.Background()
	if err := s.DeleteAddress(ctx, stops[0].AddressID); err != storage.ErrConflict {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := s.SaveRefreshToken(ctx, session.RefreshTokenRecord{
		UserID: "u1", TokenHash: "h1", DeviceID: "d1", ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Same device: saving a second token revokes the first.
	_, err = s.SaveRefreshToken(ctx, session.RefreshTokenRecord{
		UserID: "u1", TokenHash: "h2", DeviceID: "d1", ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RotateRefreshToken(ctx, "u1", rec.TokenHash, now, session.RefreshTokenRecord{
		TokenHash: "h3", ExpiresAt: now.Add(time.Hour),
	}); err != storage.ErrNotFound {
		t.Fatalf("revoked token must not rotate, got %v", err)
	}

	next, err := s.RotateRefreshToken(ctx, "u1", "h2", now, session.RefreshTokenRecord{
		TokenHash: "h3", ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if next.DeviceID != "d1" {
		t.Fatalf("device binding lost: %q", next.DeviceID)
	}
}

func depotNamed(name string, isDefault bool) depot.Depot {
	return depot.Depot{
		Name:      name,
		Lat:       -33.45,
		Lng:       -70.66,
		IsDefault: isDefault,
		IsActive:  true,
	}
}
