// Package optimizer orders route stops under travel-time and time-window
// constraints. Routes with windows or priorities use a greedy next-stop
// selection heuristic; unconstrained routes use nearest-neighbor seeding, simulated
// annealing, and a 2-opt polish. Optimality is traded for latency: inputs are
// at most a few dozen stops.
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/travel"
)

// matrixStopLimit is the largest stop count sent to the remote provider.
// Matrix calls grow quadratically and exceed its batch limits beyond this.
const matrixStopLimit = 9

// Kind classifies optimizer failures.
type Kind int

const (
	KindTravelTimeUnavailable Kind = iota
	KindUnreachable
	KindInvalidInput
)

// Error is the only error type the optimizer returns.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("optimizer: %s: %v", e.Msg, e.Err)
	}
	return "optimizer: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Stop is one optimization candidate.
type Stop struct {
	ID              string
	Pos             geo.Point
	ServiceMinutes  int
	TimeWindowStart time.Time // zero = unconstrained
	TimeWindowEnd   time.Time
	Priority        int // 0 = none
}

// Request carries everything a single optimization needs.
type Request struct {
	Depot       geo.Point
	Stops       []Stop
	ShiftStart  time.Time
	ShiftEnd    time.Time // zero = open-ended
	FirstStopID string    // pin as fixed prefix
	LastStopID  string    // pin as fixed suffix
	UseHaversine bool     // force the cheap provider
	ForceMaps    bool     // force the remote provider
}

// PlannedStop is one ordered visit in the resulting plan.
type PlannedStop struct {
	StopID         string
	Sequence       int
	TravelMinutes  float64
	DistanceMeters float64
	Arrival        time.Time
	WaitMinutes    float64
	LateMinutes    float64
	Departure      time.Time
}

// Plan is the optimization result.
type Plan struct {
	Order            []string
	Stops            []PlannedStop
	TotalDistanceKm  float64
	TotalDurationMin float64
	TotalWaitMinutes float64
	Unserviceable    []string
	DepotReturnAt    time.Time
	Warnings         []string
	Provider         string
}

// Optimizer selects a travel provider and runs the appropriate heuristic.
// Maps may be nil when no remote provider is configured.
type Optimizer struct {
	Maps  travel.Provider
	Cheap travel.Provider
}

// New builds an Optimizer. cheap must be non-nil.
func New(maps, cheap travel.Provider) *Optimizer {
	return &Optimizer{Maps: maps, Cheap: cheap}
}

// Fingerprint returns a stable hash of the optimization inputs in the current
// sequence order. Equal fingerprints make optimization a no-op.
func Fingerprint(stops []Stop) string {
	var b strings.Builder
	for i, s := range stops {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s:%.6f:%.6f:%s:%s", s.ID, s.Pos.Lat, s.Pos.Lng,
			timeKey(s.TimeWindowStart), timeKey(s.TimeWindowEnd))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func timeKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// seedFor derives a deterministic annealing seed from the inputs so repeated
// runs over identical stops produce identical tours.
func seedFor(stops []Stop) int64 {
	sum := sha256.Sum256([]byte(Fingerprint(stops)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (o *Optimizer) pick(req Request) travel.Provider {
	switch {
	case req.UseHaversine:
		return o.Cheap
	case req.ForceMaps && o.Maps != nil:
		return o.Maps
	case len(req.Stops) > matrixStopLimit:
		return o.Cheap
	case o.Maps != nil:
		return o.Maps
	default:
		return o.Cheap
	}
}

// Optimize runs the optimization and returns an ordered plan. A zero-stop
// request yields an empty plan; a one-stop request yields a single visit.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (Plan, error) {
	for _, s := range req.Stops {
		if !s.Pos.Valid() {
			return Plan{}, &Error{Kind: KindInvalidInput, Msg: "stop " + s.ID + " has invalid coordinates"}
		}
	}
	if !req.Depot.Valid() {
		return Plan{}, &Error{Kind: KindInvalidInput, Msg: "depot has invalid coordinates"}
	}

	provider := o.pick(req)
	if len(req.Stops) == 0 {
		return Plan{Provider: provider.Name()}, nil
	}

	constrained := false
	for _, s := range req.Stops {
		if !s.TimeWindowStart.IsZero() || !s.TimeWindowEnd.IsZero() || s.Priority > 0 {
			constrained = true
			break
		}
	}

	minutes, meters, err := buildMatrix(ctx, provider, req)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	if constrained {
		plan = o.solveTimeWindows(req, minutes, meters)
	} else {
		plan, err = o.solveAnnealing(ctx, req, provider, minutes, meters)
		if err != nil {
			return Plan{}, err
		}
	}
	plan.Provider = provider.Name()
	return plan, nil
}

// buildMatrix returns travel minutes and meters over {depot} ∪ stops, with the
// depot at index 0 and stop i at index i+1.
func buildMatrix(ctx context.Context, provider travel.Provider, req Request) ([][]float64, [][]float64, error) {
	points := make([]geo.Point, 0, len(req.Stops)+1)
	points = append(points, req.Depot)
	for _, s := range req.Stops {
		points = append(points, s.Pos)
	}
	minutes, meters, err := provider.Matrix(ctx, points)
	if err != nil {
		return nil, nil, &Error{Kind: KindTravelTimeUnavailable, Msg: "matrix call failed", Err: err}
	}
	return minutes, meters, nil
}

// assemble walks a tour (stop indices) computing arrivals, waits, lateness,
// and totals. Waits and lateness are only non-zero for windowed stops.
func assemble(req Request, tour []int, minutes, meters [][]float64) Plan {
	plan := Plan{Order: make([]string, 0, len(tour))}
	current := req.ShiftStart
	prev := 0 // depot row

	for seq, idx := range tour {
		s := req.Stops[idx]
		travelMin := minutes[prev][idx+1]
		dist := meters[prev][idx+1]
		arrival := current.Add(durationMin(travelMin))

		var waitMin float64
		if !s.TimeWindowStart.IsZero() && arrival.Before(s.TimeWindowStart) {
			waitMin = s.TimeWindowStart.Sub(arrival).Minutes()
		}
		started := arrival.Add(durationMin(waitMin))

		var lateMin float64
		if !s.TimeWindowEnd.IsZero() && started.After(s.TimeWindowEnd) {
			lateMin = started.Sub(s.TimeWindowEnd).Minutes()
		}

		departure := started.Add(time.Duration(s.ServiceMinutes) * time.Minute)
		plan.Order = append(plan.Order, s.ID)
		plan.Stops = append(plan.Stops, PlannedStop{
			StopID:         s.ID,
			Sequence:       seq + 1,
			TravelMinutes:  travelMin,
			DistanceMeters: dist,
			Arrival:        arrival,
			WaitMinutes:    waitMin,
			LateMinutes:    lateMin,
			Departure:      departure,
		})
		plan.TotalDistanceKm += dist / 1000
		plan.TotalWaitMinutes += waitMin
		current = departure
		prev = idx + 1
	}

	if len(tour) > 0 {
		last := tour[len(tour)-1]
		returnMin := minutes[last+1][0]
		plan.TotalDistanceKm += meters[last+1][0] / 1000
		plan.DepotReturnAt = current.Add(durationMin(returnMin))
		plan.TotalDurationMin = plan.DepotReturnAt.Sub(req.ShiftStart).Minutes()
	}
	return plan
}

func durationMin(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}
