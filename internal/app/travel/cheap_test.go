package travel

import (
	"context"
	"testing"
	"time"

	"github.com/rutaops/dispatch/internal/app/geo"
)

func TestCheapProviderLeg(t *testing.T) {
	p := NewCheapProvider()
	origin := geo.Point{Lat: -33.45, Lng: -70.66}
	dest := geo.Point{Lat: -33.44, Lng: -70.67}

	minutes, meters, err := p.TravelTime(context.Background(), origin, dest, time.Now())
	if err != nil {
		t.Fatalf("TravelTime: %v", err)
	}

	km := geo.HaversineKm(origin, dest) * DefaultRoadFactor
	wantMinutes := km / DefaultSpeedKmh * 60
	if diff := minutes - wantMinutes; diff > 0.001 || diff < -0.001 {
		t.Errorf("minutes = %.3f, want %.3f", minutes, wantMinutes)
	}
	if diff := meters - km*1000; diff > 0.1 || diff < -0.1 {
		t.Errorf("meters = %.1f, want %.1f", meters, km*1000)
	}
}

func TestCheapProviderMatrix(t *testing.T) {
	p := NewCheapProvider()
	points := []geo.Point{
		{Lat: -33.45, Lng: -70.66},
		{Lat: -33.46, Lng: -70.65},
		{Lat: -33.44, Lng: -70.67},
	}

	minutes, meters, err := p.Matrix(context.Background(), points)
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if len(minutes) != 3 || len(meters) != 3 {
		t.Fatalf("matrix dimensions wrong")
	}
	for i := range points {
		if minutes[i][i] != 0 {
			t.Errorf("diagonal [%d][%d] = %v, want 0", i, i, minutes[i][i])
		}
		for j := range points {
			if minutes[i][j] != minutes[j][i] {
				t.Errorf("haversine matrix should be symmetric at [%d][%d]", i, j)
			}
		}
	}
}

func TestCheapProviderWaypointsIdentity(t *testing.T) {
	p := NewCheapProvider()
	wps := []geo.Point{{Lat: -33.45, Lng: -70.66}, {Lat: -33.44, Lng: -70.67}}
	perm, err := p.OptimizeWaypoints(context.Background(), geo.Point{}, wps, geo.Point{})
	if err != nil {
		t.Fatalf("OptimizeWaypoints: %v", err)
	}
	if len(perm) != 2 || perm[0] != 0 || perm[1] != 1 {
		t.Errorf("perm = %v, want identity", perm)
	}
}

func TestCheapProviderZeroValuesUseDefaults(t *testing.T) {
	p := &CheapProvider{}
	minutes, _, err := p.TravelTime(context.Background(),
		geo.Point{Lat: -33.45, Lng: -70.66}, geo.Point{Lat: -33.44, Lng: -70.67}, time.Time{})
	if err != nil || minutes <= 0 {
		t.Fatalf("zero-value provider should fall back to defaults, got %v %v", minutes, err)
	}
}
