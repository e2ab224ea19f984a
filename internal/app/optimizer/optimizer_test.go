package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/travel"
)

var santiagoDepot = geo.Point{Lat: -33.45, Lng: -70.66}

func testStops() []Stop {
	return []Stop{
		{ID: "A", Pos: geo.Point{Lat: -33.46, Lng: -70.65}, ServiceMinutes: 10},
		{ID: "B", Pos: geo.Point{Lat: -33.44, Lng: -70.67}, ServiceMinutes: 10},
		{ID: "C", Pos: geo.Point{Lat: -33.45, Lng: -70.68}, ServiceMinutes: 10},
	}
}

func newTestOptimizer() *Optimizer {
	return New(nil, travel.NewCheapProvider())
}

func shiftAt(hhmm string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04", "2025-03-10 "+hhmm)
	return t.UTC()
}

func tourDistance(plan Plan) float64 { return plan.TotalDistanceKm }

func TestOptimizeZeroStops(t *testing.T) {
	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		ShiftStart: shiftAt("10:00"),
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Order)
	assert.Zero(t, plan.TotalDistanceKm)
	assert.Zero(t, plan.TotalDurationMin)
}

func TestOptimizeSingleStop(t *testing.T) {
	stop := testStops()[0]
	start := shiftAt("10:00")
	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		Stops:      []Stop{stop},
		ShiftStart: start,
	})
	require.NoError(t, err)
	require.Len(t, plan.Stops, 1)

	cheap := travel.NewCheapProvider()
	minutes, _, err := cheap.TravelTime(context.Background(), santiagoDepot, stop.Pos, start)
	require.NoError(t, err)

	wantArrival := start.Add(time.Duration(minutes * float64(time.Minute)))
	assert.WithinDuration(t, wantArrival, plan.Stops[0].Arrival, time.Second)
}

func TestOptimizeThreeStopsMinimizesDistance(t *testing.T) {
	// The literal scenario: depot at (-33.45,-70.66), three nearby stops,
	// cheap provider. The chosen tour must beat or equal every other
	// permutation on total distance.
	opt := newTestOptimizer()
	req := Request{
		Depot:      santiagoDepot,
		Stops:      testStops(),
		ShiftStart: shiftAt("10:00"),
	}
	plan, err := opt.Optimize(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, plan.Order, 3)

	best := tourDistance(plan)
	perms := [][]string{
		{"A", "B", "C"}, {"A", "C", "B"}, {"B", "A", "C"},
		{"B", "C", "A"}, {"C", "A", "B"}, {"C", "B", "A"},
	}
	cheap := travel.NewCheapProvider()
	byID := map[string]Stop{}
	for _, s := range req.Stops {
		byID[s.ID] = s
	}
	for _, perm := range perms {
		total := 0.0
		prev := santiagoDepot
		for _, id := range perm {
			_, meters, _ := cheap.TravelTime(context.Background(), prev, byID[id].Pos, time.Time{})
			total += meters / 1000
			prev = byID[id].Pos
		}
		_, back, _ := cheap.TravelTime(context.Background(), prev, santiagoDepot, time.Time{})
		total += back / 1000
		assert.LessOrEqual(t, best, total+1e-6, "tour %v should not beat the optimizer", perm)
	}

	// Arrivals advance by travel + service.
	for i := 1; i < len(plan.Stops); i++ {
		assert.True(t, plan.Stops[i].Arrival.After(plan.Stops[i-1].Departure))
	}
	assert.False(t, plan.DepotReturnAt.IsZero())
}

func TestOptimizeDeterministic(t *testing.T) {
	opt := newTestOptimizer()
	req := Request{Depot: santiagoDepot, Stops: testStops(), ShiftStart: shiftAt("09:00")}

	first, err := opt.Optimize(context.Background(), req)
	require.NoError(t, err)
	second, err := opt.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Order, second.Order, "same inputs must produce the same order")
}

func TestFingerprintStable(t *testing.T) {
	stops := testStops()
	assert.Equal(t, Fingerprint(stops), Fingerprint(testStops()))

	reordered := []Stop{stops[1], stops[0], stops[2]}
	assert.NotEqual(t, Fingerprint(stops), Fingerprint(reordered), "order is part of the fingerprint")

	moved := testStops()
	lat := moved[0].Pos.Lat + 0.01
	moved[0].Pos.Lat = lat
	assert.NotEqual(t, Fingerprint(stops), Fingerprint(moved))
}

func TestTimeWindowsRespected(t *testing.T) {
	start := shiftAt("09:00")
	late := shiftAt("11:00")
	lateEnd := shiftAt("12:00")
	stops := []Stop{
		{ID: "near", Pos: geo.Point{Lat: -33.451, Lng: -70.661}, ServiceMinutes: 5},
		{ID: "windowed", Pos: geo.Point{Lat: -33.46, Lng: -70.65}, ServiceMinutes: 5,
			TimeWindowStart: late, TimeWindowEnd: lateEnd},
	}

	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		Stops:      stops,
		ShiftStart: start,
	})
	require.NoError(t, err)
	require.Len(t, plan.Stops, 2)

	for _, ps := range plan.Stops {
		if ps.StopID == "windowed" {
			assert.False(t, ps.Arrival.Add(time.Duration(ps.WaitMinutes*float64(time.Minute))).Before(late),
				"service must not start before the window opens")
			assert.Zero(t, ps.LateMinutes)
		}
	}
}

func TestPriorityPullsStopForward(t *testing.T) {
	// Two equidistant-ish stops; the prioritized one must come first.
	stops := []Stop{
		{ID: "plain", Pos: geo.Point{Lat: -33.451, Lng: -70.661}, ServiceMinutes: 5},
		{ID: "vip", Pos: geo.Point{Lat: -33.459, Lng: -70.669}, ServiceMinutes: 5, Priority: 3},
	}
	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		Stops:      stops,
		ShiftStart: shiftAt("09:00"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Order)
	assert.Equal(t, "vip", plan.Order[0])
}

func TestUnserviceableOutsideShift(t *testing.T) {
	// A shift that ends before any stop can be served.
	start := shiftAt("09:00")
	end := start.Add(1 * time.Minute)
	stops := []Stop{
		{ID: "far", Pos: geo.Point{Lat: -33.60, Lng: -70.80}, ServiceMinutes: 30, Priority: 1},
	}
	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		Stops:      stops,
		ShiftStart: start,
		ShiftEnd:   end,
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Unserviceable, "far")
	assert.NotEmpty(t, plan.Warnings)
}

func TestPinnedFirstStop(t *testing.T) {
	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:       santiagoDepot,
		Stops:       testStops(),
		ShiftStart:  shiftAt("09:00"),
		FirstStopID: "C",
	})
	require.NoError(t, err)
	require.Len(t, plan.Order, 3)
	assert.Equal(t, "C", plan.Order[0])
}

func TestPinnedLastStop(t *testing.T) {
	plan, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		Stops:      testStops(),
		ShiftStart: shiftAt("09:00"),
		LastStopID: "A",
	})
	require.NoError(t, err)
	require.Len(t, plan.Order, 3)
	assert.Equal(t, "A", plan.Order[2])
}

func TestInvalidCoordinatesRejected(t *testing.T) {
	_, err := newTestOptimizer().Optimize(context.Background(), Request{
		Depot:      santiagoDepot,
		Stops:      []Stop{{ID: "bad", Pos: geo.Point{Lat: 200, Lng: 0}}},
		ShiftStart: shiftAt("09:00"),
	})
	require.Error(t, err)
	optErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindInvalidInput, optErr.Kind)
}
