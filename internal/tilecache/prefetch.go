package tilecache

import (
	"context"
	"log"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// prefetchConcurrency bounds parallel tile downloads during prefetch.
const prefetchConcurrency = 8

// BoundingBox is a lat/lon rectangle.
type BoundingBox struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// TileXY converts a coordinate to slippy-map tile indices at a zoom level.
func TileXY(lat, lon float64, zoom int) (x, y int) {
	n := math.Exp2(float64(zoom))
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	max := int(n) - 1
	x = clamp(x, 0, max)
	y = clamp(y, 0, max)
	return x, y
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PrefetchRegion downloads every tile covering the box at the zoom level.
// Tiles already on disk are skipped; failures are counted, logged, and do
// not abort the remaining tiles. Returns fetched and failed counts.
func (c *Cache) PrefetchRegion(ctx context.Context, box BoundingBox, zoom int) (fetched, failed int, err error) {
	x0, y1 := TileXY(box.MinLat, box.MinLon, zoom) // south-west: max y
	x1, y0 := TileXY(box.MaxLat, box.MaxLon, zoom) // north-east: min y
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}

	type result struct{ ok bool }
	results := make(chan result, (x1-x0+1)*(y1-y0+1))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			g.Go(func() error {
				if c.Has(zoom, x, y) {
					return nil
				}
				if err := c.Ensure(ctx, zoom, x, y); err != nil {
					log.Printf("[tilecache] prefetch %d/%d/%d: %v", zoom, x, y, err)
					results <- result{ok: false}
					return nil
				}
				results <- result{ok: true}
				return nil
			})
		}
	}
	gerr := g.Wait()
	close(results)
	for r := range results {
		if r.ok {
			fetched++
		} else {
			failed++
		}
	}
	return fetched, failed, gerr
}

// RouteState is the position sample the route prefetcher extrapolates from.
type RouteState struct {
	Lat, Lon   float64
	SpeedMS    float64
	HeadingDeg float64
}

// RoutePrefetchParams tunes route prefetch.
type RoutePrefetchParams struct {
	Zoom      int
	Lookahead int // extrapolation steps ahead along the heading
	Radius    int // tiles around each predicted point
	StepSecs  float64
}

// PrefetchRoute extrapolates the current track along its heading and
// downloads tiles around the predicted positions. Tiles prefetched within
// the recent-touch TTL are skipped so a slow-moving device does not hammer
// the upstream. A stationary device prefetches nothing.
func (c *Cache) PrefetchRoute(ctx context.Context, st RouteState, p RoutePrefetchParams) (int, error) {
	if st.SpeedMS <= 0 || p.Lookahead <= 0 {
		return 0, nil
	}
	var fetched atomic.Int64
	if p.StepSecs <= 0 {
		p.StepSecs = 30
	}

	headingRad := st.HeadingDeg * math.Pi / 180.0
	// Meters per degree: latitude is constant, longitude shrinks by cos(lat).
	const metersPerDegLat = 111320.0
	metersPerDegLon := metersPerDegLat * math.Cos(st.Lat*math.Pi/180.0)
	if metersPerDegLon < 1 {
		return 0, nil // poles
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)

	for step := 1; step <= p.Lookahead; step++ {
		dist := st.SpeedMS * p.StepSecs * float64(step)
		lat := st.Lat + dist*math.Cos(headingRad)/metersPerDegLat
		lon := st.Lon + dist*math.Sin(headingRad)/metersPerDegLon
		cx, cy := TileXY(lat, lon, p.Zoom)

		for dx := -p.Radius; dx <= p.Radius; dx++ {
			for dy := -p.Radius; dy <= p.Radius; dy++ {
				x, y := cx+dx, cy+dy
				if x < 0 || y < 0 {
					continue
				}
				if !c.markRecent(p.Zoom, x, y) {
					continue
				}
				g.Go(func() error {
					if err := c.Ensure(ctx, p.Zoom, x, y); err != nil {
						log.Printf("[tilecache] route prefetch %d/%d/%d: %v", p.Zoom, x, y, err)
					} else {
						fetched.Add(1)
					}
					return nil
				})
			}
		}
	}
	err := g.Wait()
	return int(fetched.Load()), err
}
