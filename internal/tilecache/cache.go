// Package tilecache maintains the offline slippy-map tile store under
// $PW_HOME/tiles/{z}/{x}/{y}.png, with deduplicated concurrent fetches,
// region and route prefetch, and age/size maintenance.
package tilecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/retry"
)

const (
	// recentPrefetchTTL suppresses re-fetching tiles the route prefetcher
	// touched recently.
	recentPrefetchTTL = 10 * time.Minute

	recentPrefetchCapacity = 4096
)

// Cache is the on-disk tile store plus its fetch pipeline.
type Cache struct {
	root      string
	sourceURL func() string
	client    *http.Client
	locks     *xsync.Map[string, *sync.Mutex]
	limiter   *rate.Limiter
	recent    otter.Cache[string, struct{}]

	fetchRetry retry.Policy
}

// Options configures a cache.
type Options struct {
	Root      string        // tiles directory
	SourceURL func() string // URL template with {z}/{x}/{y}, read per fetch
	Client    *http.Client
	// RatePerSecond bounds upstream tile requests. Zero means 10/s.
	RatePerSecond float64
}

// New creates the cache, building the tiles directory if needed.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, errs.New(errs.KindValidation, "tile cache requires a root directory")
	}
	if opts.SourceURL == nil {
		return nil, errs.New(errs.KindValidation, "tile cache requires a source URL")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 8 * time.Second}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create tile root: %w", err)
	}

	recent, err := otter.MustBuilder[string, struct{}](recentPrefetchCapacity).
		WithTTL(recentPrefetchTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build recent-tile cache: %w", err)
	}

	return &Cache{
		root:      opts.Root,
		sourceURL: opts.SourceURL,
		client:    opts.Client,
		locks:     xsync.NewMap[string, *sync.Mutex](),
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSecond), int(opts.RatePerSecond)),
		recent:    recent,
		fetchRetry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   250 * time.Millisecond,
			Cap:         2 * time.Second,
			Jitter:      true,
			Retriable:   isRetriableFetch,
		},
	}, nil
}

func isRetriableFetch(err error) bool {
	return errs.KindOf(err) != errs.KindPermanentProtocol
}

// TilePath returns the on-disk location for a tile.
func (c *Cache) TilePath(z, x, y int) string {
	return filepath.Join(c.root, fmt.Sprintf("%d", z), fmt.Sprintf("%d", x), fmt.Sprintf("%d.png", y))
}

// Has reports whether the tile is already cached.
func (c *Cache) Has(z, x, y int) bool {
	info, err := os.Stat(c.TilePath(z, x, y))
	return err == nil && info.Size() > 0
}

// Ensure downloads the tile unless it is already on disk. Concurrent calls
// for the same tile collapse onto one download.
func (c *Cache) Ensure(ctx context.Context, z, x, y int) error {
	if c.Has(z, x, y) {
		return nil
	}

	key := fmt.Sprintf("%d/%d/%d", z, x, y)
	mu, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	defer func() {
		mu.Unlock()
		c.locks.Delete(key)
	}()

	// A concurrent caller may have fetched it while we waited.
	if c.Has(z, x, y) {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.fetchRetry.Do(ctx, func(ctx context.Context) error {
		return c.download(ctx, z, x, y)
	})
}

// download performs one fetch attempt and writes the tile atomically.
func (c *Cache) download(ctx context.Context, z, x, y int) error {
	url := c.tileURL(z, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.KindPermanentProtocol, "build tile request", err)
	}
	req.Header.Set("User-Agent", "piwardrive-tile-prefetch")

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "fetch tile "+url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Newf(errs.KindTransientNetwork, "tile %s: upstream status %d", url, resp.StatusCode)
	default:
		return errs.Newf(errs.KindPermanentProtocol, "tile %s: upstream status %d", url, resp.StatusCode)
	}

	path := c.TilePath(z, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindStorage, "create tile dir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return errs.Wrap(errs.KindStorage, "create tile tmp", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindTransientNetwork, "read tile body", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindStorage, "close tile tmp", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Wrap(errs.KindStorage, "commit tile", err)
	}
	return nil
}

func (c *Cache) tileURL(z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", fmt.Sprintf("%d", z),
		"{x}", fmt.Sprintf("%d", x),
		"{y}", fmt.Sprintf("%d", y),
	)
	return r.Replace(c.sourceURL())
}

// markRecent records a prefetcher touch; returns false when the tile was
// already touched within the TTL.
func (c *Cache) markRecent(z, x, y int) bool {
	key := fmt.Sprintf("%d/%d/%d", z, x, y)
	if c.recent.Has(key) {
		return false
	}
	c.recent.Set(key, struct{}{})
	return true
}
