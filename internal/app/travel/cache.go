package travel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rutaops/dispatch/internal/app/geo"
)

// legCacheTTL bounds how long a cached leg estimate stays fresh. Traffic
// shifts on the order of tens of minutes.
const legCacheTTL = 10 * time.Minute

// CachedProvider wraps a Provider with a Redis leg cache. Only single-leg
// lookups are cached; matrix and waypoint calls pass through. A cache failure
// is never surfaced to the caller.
type CachedProvider struct {
	inner Provider
	rdb   *redis.Client
}

// NewCachedProvider wraps inner with the given Redis client.
func NewCachedProvider(inner Provider, rdb *redis.Client) *CachedProvider {
	return &CachedProvider{inner: inner, rdb: rdb}
}

func (p *CachedProvider) Name() string { return p.inner.Name() }

// legKey rounds coordinates to ~11m so nearby lookups share an entry.
func legKey(provider string, origin, dest geo.Point) string {
	return fmt.Sprintf("travel:%s:%.4f,%.4f:%.4f,%.4f", provider, origin.Lat, origin.Lng, dest.Lat, dest.Lng)
}

func (p *CachedProvider) TravelTime(ctx context.Context, origin, dest geo.Point, departAt time.Time) (float64, float64, error) {
	key := legKey(p.inner.Name(), origin, dest)

	var minutes, meters float64
	if vals, err := p.rdb.HMGet(ctx, key, "min", "m").Result(); err == nil && len(vals) == 2 && vals[0] != nil && vals[1] != nil {
		if _, scanErr := fmt.Sscanf(fmt.Sprint(vals[0]), "%f", &minutes); scanErr == nil {
			if _, scanErr = fmt.Sscanf(fmt.Sprint(vals[1]), "%f", &meters); scanErr == nil {
				return minutes, meters, nil
			}
		}
	}

	minutes, meters, err := p.inner.TravelTime(ctx, origin, dest, departAt)
	if err != nil {
		return 0, 0, err
	}

	pipe := p.rdb.Pipeline()
	pipe.HSet(ctx, key, "min", minutes, "m", meters)
	pipe.Expire(ctx, key, legCacheTTL)
	_, _ = pipe.Exec(ctx)

	return minutes, meters, nil
}

func (p *CachedProvider) Matrix(ctx context.Context, points []geo.Point) ([][]float64, [][]float64, error) {
	return p.inner.Matrix(ctx, points)
}

func (p *CachedProvider) OptimizeWaypoints(ctx context.Context, origin geo.Point, waypoints []geo.Point, dest geo.Point) ([]int, error) {
	return p.inner.OptimizeWaypoints(ctx, origin, waypoints, dest)
}
