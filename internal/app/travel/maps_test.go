package travel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rutaops/dispatch/internal/app/geo"
)

func matrixFixture(n int) string {
	rows := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			rows += ","
		}
		elements := ""
		for j := 0; j < n; j++ {
			if j > 0 {
				elements += ","
			}
			elements += fmt.Sprintf(`{"status":"OK","duration":{"value":%d},"distance":{"value":%d}}`,
				(i+j+1)*60, (i+j+1)*1000)
		}
		rows += fmt.Sprintf(`{"elements":[%s]}`, elements)
	}
	return fmt.Sprintf(`{"status":"OK","rows":[%s]}`, rows)
}

func TestMapsProviderMatrix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/distancematrix/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key not forwarded")
		}
		fmt.Fprint(w, matrixFixture(2))
	}))
	defer srv.Close()

	p := NewMapsProvider(MapsConfig{BaseURL: srv.URL, APIKey: "test-key"})
	points := []geo.Point{{Lat: -33.45, Lng: -70.66}, {Lat: -33.44, Lng: -70.67}}

	minutes, meters, err := p.Matrix(context.Background(), points)
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if minutes[0][1] != 2 { // 120 seconds
		t.Errorf("minutes[0][1] = %v, want 2", minutes[0][1])
	}
	if meters[1][0] != 2000 {
		t.Errorf("meters[1][0] = %v, want 2000", meters[1][0])
	}
}

func TestMapsProviderTrafficAwareDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"OK","rows":[{"elements":[{"status":"OK",
			"duration":{"value":600},"duration_in_traffic":{"value":900},"distance":{"value":5000}}]}]}`)
	}))
	defer srv.Close()

	p := NewMapsProvider(MapsConfig{BaseURL: srv.URL, APIKey: "k"})
	minutes, _, err := p.TravelTime(context.Background(),
		geo.Point{Lat: -33.45, Lng: -70.66}, geo.Point{Lat: -33.44, Lng: -70.67}, time.Now())
	if err != nil {
		t.Fatalf("TravelTime: %v", err)
	}
	if minutes != 15 {
		t.Errorf("minutes = %v, want traffic-aware 15", minutes)
	}
}

func TestMapsProviderAPIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"OVER_QUERY_LIMIT","rows":[]}`)
	}))
	defer srv.Close()

	p := NewMapsProvider(MapsConfig{BaseURL: srv.URL, APIKey: "k"})
	_, _, err := p.Matrix(context.Background(), []geo.Point{{Lat: 1, Lng: 1}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestMapsProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewMapsProvider(MapsConfig{BaseURL: srv.URL, APIKey: "k"})
	_, _, err := p.TravelTime(context.Background(), geo.Point{Lat: 1, Lng: 1}, geo.Point{Lat: 2, Lng: 2}, time.Now())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestMapsProviderOptimizeWaypoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/directions/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"OK","routes":[{"waypoint_order":[2,0,1]}]}`)
	}))
	defer srv.Close()

	p := NewMapsProvider(MapsConfig{BaseURL: srv.URL, APIKey: "k"})
	wps := []geo.Point{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}, {Lat: 3, Lng: 3}}
	perm, err := p.OptimizeWaypoints(context.Background(), geo.Point{}, wps, geo.Point{})
	if err != nil {
		t.Fatalf("OptimizeWaypoints: %v", err)
	}
	want := []int{2, 0, 1}
	for i := range want {
		if perm[i] != want[i] {
			t.Fatalf("perm = %v, want %v", perm, want)
		}
	}
}
