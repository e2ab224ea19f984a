// Package travel abstracts travel-time estimation behind a capability
// interface with two implementations: a remote mapping API and a cheap
// haversine fallback. The optimizer receives a provider by composition and
// never inspects its concrete type.
package travel

import (
	"context"
	"errors"
	"time"

	"github.com/rutaops/dispatch/internal/app/geo"
)

// ErrUnavailable wraps transport or quota failures from the mapping backend.
var ErrUnavailable = errors.New("travel time unavailable")

// Provider estimates travel between coordinates.
type Provider interface {
	// TravelTime returns the driving minutes and meters for a single leg.
	TravelTime(ctx context.Context, origin, dest geo.Point, departAt time.Time) (minutes float64, meters float64, err error)

	// Matrix returns per-leg minutes and meters between every pair of points.
	// Result is indexed [from][to].
	Matrix(ctx context.Context, points []geo.Point) (minutes [][]float64, meters [][]float64, err error)

	// OptimizeWaypoints returns a permutation of waypoints minimizing total
	// travel time from origin to dest. Providers without a native optimizer
	// return the identity permutation.
	OptimizeWaypoints(ctx context.Context, origin geo.Point, waypoints []geo.Point, dest geo.Point) ([]int, error)

	// Name identifies the provider in the optimizer plan, metrics and cache keys.
	Name() string
}

func identity(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return perm
}
