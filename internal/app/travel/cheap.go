package travel

import (
	"context"
	"time"

	"github.com/rutaops/dispatch/internal/app/geo"
)

// Defaults for the haversine fallback: urban road distance runs ~35% over the
// great circle, at an average of 30 km/h including intersections.
const (
	DefaultRoadFactor = 1.35
	DefaultSpeedKmh   = 30.0
)

// CheapProvider estimates travel from straight-line distance. It never fails
// and costs nothing, which makes it the default once matrix sizes exceed the
// remote provider's batch limits.
type CheapProvider struct {
	RoadFactor float64
	SpeedKmh   float64
}

// NewCheapProvider returns a CheapProvider with the default road factor and speed.
func NewCheapProvider() *CheapProvider {
	return &CheapProvider{RoadFactor: DefaultRoadFactor, SpeedKmh: DefaultSpeedKmh}
}

func (p *CheapProvider) Name() string { return "haversine" }

func (p *CheapProvider) leg(origin, dest geo.Point) (minutes, meters float64) {
	km := geo.HaversineKm(origin, dest) * p.roadFactor()
	return km / p.speed() * 60, km * 1000
}

func (p *CheapProvider) roadFactor() float64 {
	if p.RoadFactor > 0 {
		return p.RoadFactor
	}
	return DefaultRoadFactor
}

func (p *CheapProvider) speed() float64 {
	if p.SpeedKmh > 0 {
		return p.SpeedKmh
	}
	return DefaultSpeedKmh
}

func (p *CheapProvider) TravelTime(_ context.Context, origin, dest geo.Point, _ time.Time) (float64, float64, error) {
	minutes, meters := p.leg(origin, dest)
	return minutes, meters, nil
}

func (p *CheapProvider) Matrix(_ context.Context, points []geo.Point) ([][]float64, [][]float64, error) {
	n := len(points)
	minutes := make([][]float64, n)
	meters := make([][]float64, n)
	for i := range points {
		minutes[i] = make([]float64, n)
		meters[i] = make([]float64, n)
		for j := range points {
			if i == j {
				continue
			}
			minutes[i][j], meters[i][j] = p.leg(points[i], points[j])
		}
	}
	return minutes, meters, nil
}

func (p *CheapProvider) OptimizeWaypoints(_ context.Context, _ geo.Point, waypoints []geo.Point, _ geo.Point) ([]int, error) {
	return identity(len(waypoints)), nil
}
