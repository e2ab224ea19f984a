package travel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rutaops/dispatch/internal/app/geo"
)

// MapsConfig configures the remote mapping provider.
type MapsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// MapsProvider calls an external distance-matrix / directions API. Matrix
// calls grow quadratically with the number of points; callers are expected to
// bound them (the optimizer switches to the cheap provider above 9 stops).
type MapsProvider struct {
	cfg    MapsConfig
	client *http.Client
}

// NewMapsProvider builds a provider against the configured mapping API.
func NewMapsProvider(cfg MapsConfig) *MapsProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MapsProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *MapsProvider) Name() string { return "maps" }

func encodePoints(points []geo.Point) string {
	parts := make([]string, len(points))
	for i, pt := range points {
		parts[i] = fmt.Sprintf("%.6f,%.6f", pt.Lat, pt.Lng)
	}
	return strings.Join(parts, "|")
}

func (p *MapsProvider) get(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	query.Set("key", p.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body := gjson.ParseBytes(buf)
	if status := body.Get("status").String(); status != "" && status != "OK" {
		return gjson.Result{}, fmt.Errorf("%w: api status %s", ErrUnavailable, status)
	}
	return body, nil
}

func (p *MapsProvider) Matrix(ctx context.Context, points []geo.Point) ([][]float64, [][]float64, error) {
	q := url.Values{}
	q.Set("origins", encodePoints(points))
	q.Set("destinations", encodePoints(points))
	q.Set("departure_time", "now")

	body, err := p.get(ctx, "/distancematrix/json", q)
	if err != nil {
		return nil, nil, err
	}

	rows := body.Get("rows").Array()
	if len(rows) != len(points) {
		return nil, nil, fmt.Errorf("%w: expected %d rows, got %d", ErrUnavailable, len(points), len(rows))
	}

	minutes := make([][]float64, len(points))
	meters := make([][]float64, len(points))
	for i, row := range rows {
		elements := row.Get("elements").Array()
		if len(elements) != len(points) {
			return nil, nil, fmt.Errorf("%w: ragged matrix row %d", ErrUnavailable, i)
		}
		minutes[i] = make([]float64, len(points))
		meters[i] = make([]float64, len(points))
		for j, el := range elements {
			if el.Get("status").String() != "OK" {
				return nil, nil, fmt.Errorf("%w: element %d,%d status %s", ErrUnavailable, i, j, el.Get("status").String())
			}
			// Prefer traffic-aware duration when the API returns one.
			seconds := el.Get("duration_in_traffic.value").Float()
			if seconds == 0 {
				seconds = el.Get("duration.value").Float()
			}
			minutes[i][j] = seconds / 60
			meters[i][j] = el.Get("distance.value").Float()
		}
	}
	return minutes, meters, nil
}

func (p *MapsProvider) TravelTime(ctx context.Context, origin, dest geo.Point, _ time.Time) (float64, float64, error) {
	q := url.Values{}
	q.Set("origins", encodePoints([]geo.Point{origin}))
	q.Set("destinations", encodePoints([]geo.Point{dest}))
	q.Set("departure_time", "now")

	body, err := p.get(ctx, "/distancematrix/json", q)
	if err != nil {
		return 0, 0, err
	}
	el := body.Get("rows.0.elements.0")
	if !el.Exists() || el.Get("status").String() != "OK" {
		return 0, 0, fmt.Errorf("%w: no element in response", ErrUnavailable)
	}
	seconds := el.Get("duration_in_traffic.value").Float()
	if seconds == 0 {
		seconds = el.Get("duration.value").Float()
	}
	return seconds / 60, el.Get("distance.value").Float(), nil
}

func (p *MapsProvider) OptimizeWaypoints(ctx context.Context, origin geo.Point, waypoints []geo.Point, dest geo.Point) ([]int, error) {
	if len(waypoints) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("origin", encodePoints([]geo.Point{origin}))
	q.Set("destination", encodePoints([]geo.Point{dest}))
	q.Set("waypoints", "optimize:true|"+encodePoints(waypoints))

	body, err := p.get(ctx, "/directions/json", q)
	if err != nil {
		return nil, err
	}
	order := body.Get("routes.0.waypoint_order").Array()
	if len(order) != len(waypoints) {
		return nil, fmt.Errorf("%w: waypoint order length %d, want %d", ErrUnavailable, len(order), len(waypoints))
	}
	perm := make([]int, len(order))
	for i, v := range order {
		perm[i] = int(v.Int())
	}
	return perm, nil
}
