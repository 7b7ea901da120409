package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/export"
	"github.com/piwardrive/piwardrive/internal/logrotate"
	"github.com/piwardrive/piwardrive/internal/remotesync"
	"github.com/piwardrive/piwardrive/internal/store"
	"github.com/piwardrive/piwardrive/internal/tilecache"
)

// dataHome resolves the data directory without requiring the full serve
// environment; offline subcommands only need PW_HOME.
func dataHome() string {
	if home := os.Getenv("PW_HOME"); home != "" {
		return home
	}
	return "/var/lib/piwardrive"
}

func loadRuntimeDoc(home string) (*config.Config, error) {
	return config.LoadConfigFile(filepath.Join(home, "config.json"))
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", filepath.Join(dataHome(), "state.db"), "database path")
	to := fs.Int("to", -1, "target schema version; -1 applies all pending migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := store.OpenDB(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if *to < 0 {
		if err := store.MigrateUp(db); err != nil {
			return err
		}
	} else {
		if err := store.MigrateTo(db, uint(*to)); err != nil {
			return err
		}
	}
	version, err := store.SchemaVersion(db)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", version)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", filepath.Join(dataHome(), "state.db"), "database path")
	what := fs.String("what", "health", "record set: health or track")
	formatName := fs.String("format", "csv", "output format: csv, json, or kml")
	out := fs.String("out", "", "output file; stdout when empty")
	start := fs.String("start", "", "range start, RFC3339")
	end := fs.String("end", "", "range end, RFC3339")
	limit := fs.Int("limit", 1000, "max health records when no range is given")
	if err := fs.Parse(args); err != nil {
		return err
	}

	format, err := export.ParseFormat(*formatName)
	if err != nil {
		return err
	}

	st, err := store.Open(*dbPath, store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	switch *what {
	case "health":
		var records []store.HealthRecord
		if *start != "" && *end != "" {
			records, err = st.HealthRange(*start, *end)
		} else {
			records, err = st.LoadRecentHealth(*limit)
		}
		if err != nil {
			return err
		}
		return export.Health(w, records, format)
	case "track":
		if *start == "" || *end == "" {
			return fmt.Errorf("track export requires -start and -end")
		}
		points, err := st.GPSTrackRange(*start, *end)
		if err != nil {
			return err
		}
		return export.Track(w, points, format)
	default:
		return fmt.Errorf("unknown record set %q", *what)
	}
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	home := dataHome()
	dbPath := fs.String("db", filepath.Join(home, "state.db"), "database path")
	url := fs.String("url", "", "destination URL; defaults to the configured remote_sync_url")
	once := fs.Bool("once", false, "upload a single batch instead of draining the backlog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadRuntimeDoc(home)
	if err != nil {
		return err
	}
	dest := *url
	if dest == "" {
		dest = cfg.RemoteSyncURL
	}
	if dest == "" {
		return errs.New(errs.KindValidation, "no sync destination: set -url or remote_sync_url in config")
	}

	st, err := store.Open(*dbPath, store.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	offsets, err := remotesync.LoadOffsets(filepath.Join(home, "offsets.json"))
	if err != nil {
		return err
	}
	engine, err := remotesync.New(remotesync.Options{
		Destination: dest,
		Source:      st,
		Offsets:     offsets,
		BatchMax:    cfg.RemoteSyncBatchMax,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Without -once, keep uploading batches until the cursor stops moving.
	for {
		before := offsets.Get(dest).LastRowID
		if err := engine.SyncOnce(ctx); err != nil {
			return err
		}
		if *once || offsets.Get(dest).LastRowID == before {
			return nil
		}
	}
}

func runTiles(args []string) error {
	if len(args) == 0 {
		return errs.New(errs.KindValidation,
			"tiles requires a subcommand: prefetch, purge-old, enforce-limit, or usage")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "prefetch":
		return runTilesPrefetch(rest)
	case "purge-old":
		return runTilesPurgeOld(rest)
	case "enforce-limit":
		return runTilesEnforceLimit(rest)
	case "usage":
		return runTilesUsage(rest)
	default:
		return errs.Newf(errs.KindValidation, "unknown tiles subcommand %q", sub)
	}
}

// tileFolderFlag adds the shared -folder override to a tiles flag set.
func tileFolderFlag(fs *flag.FlagSet) *string {
	return fs.String("folder", "", "tile directory; defaults to the configured offline_tile_path")
}

func openTileCache(home string, cfg *config.Config, folder string) (*tilecache.Cache, error) {
	dir := folder
	if dir == "" {
		dir = tileRoot(home, cfg)
	}
	return tilecache.New(tilecache.Options{
		Root:      dir,
		SourceURL: func() string { return cfg.TileSourceURL },
		Client:    &http.Client{Timeout: 8 * time.Second},
	})
}

func runTilesPrefetch(args []string) error {
	fs := flag.NewFlagSet("tiles prefetch", flag.ExitOnError)
	folder := tileFolderFlag(fs)
	bbox := fs.String("bbox", "", "region minLat,minLon,maxLat,maxLon")
	zoom := fs.Int("zoom", 0, "zoom level; defaults to route_prefetch_zoom")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bbox == "" {
		return errs.New(errs.KindValidation, "tiles prefetch requires -bbox")
	}

	home := dataHome()
	cfg, err := loadRuntimeDoc(home)
	if err != nil {
		return err
	}
	cache, err := openTileCache(home, cfg, *folder)
	if err != nil {
		return err
	}

	box, err := parseBoundingBox(*bbox)
	if err != nil {
		return err
	}
	z := *zoom
	if z <= 0 {
		z = cfg.RoutePrefetchZoom
	}
	fetched, failed, err := cache.PrefetchRegion(context.Background(), box, z)
	if err != nil {
		return err
	}
	fmt.Printf("prefetched %d tiles, %d failed\n", fetched, failed)
	return nil
}

func runTilesPurgeOld(args []string) error {
	fs := flag.NewFlagSet("tiles purge-old", flag.ExitOnError)
	folder := tileFolderFlag(fs)
	days := fs.Int("days", 0, "age threshold; defaults to tile_max_age_days")
	if err := fs.Parse(args); err != nil {
		return err
	}

	home := dataHome()
	cfg, err := loadRuntimeDoc(home)
	if err != nil {
		return err
	}
	cache, err := openTileCache(home, cfg, *folder)
	if err != nil {
		return err
	}

	maxAge := *days
	if maxAge <= 0 {
		maxAge = cfg.TileMaxAgeDays
	}
	purged, err := cache.PurgeOld(maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d stale tiles\n", purged)
	return nil
}

func runTilesEnforceLimit(args []string) error {
	fs := flag.NewFlagSet("tiles enforce-limit", flag.ExitOnError)
	folder := tileFolderFlag(fs)
	limitMB := fs.Int("limit-mb", 0, "cache size cap; defaults to tile_cache_limit_mb")
	if err := fs.Parse(args); err != nil {
		return err
	}

	home := dataHome()
	cfg, err := loadRuntimeDoc(home)
	if err != nil {
		return err
	}
	cache, err := openTileCache(home, cfg, *folder)
	if err != nil {
		return err
	}

	limit := *limitMB
	if limit <= 0 {
		limit = cfg.TileCacheLimitMB
	}
	evicted, err := cache.EnforceLimit(limit)
	if err != nil {
		return err
	}
	fmt.Printf("evicted %d tiles over limit\n", evicted)
	return nil
}

func runTilesUsage(args []string) error {
	fs := flag.NewFlagSet("tiles usage", flag.ExitOnError)
	folder := tileFolderFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	home := dataHome()
	cfg, err := loadRuntimeDoc(home)
	if err != nil {
		return err
	}
	cache, err := openTileCache(home, cfg, *folder)
	if err != nil {
		return err
	}

	count, bytes, err := cache.Usage()
	if err != nil {
		return err
	}
	fmt.Printf("%d tiles, %.1f MB\n", count, float64(bytes)/(1<<20))
	return nil
}

func runRotateLogs(args []string) error {
	fs := flag.NewFlagSet("rotate-logs", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadRuntimeDoc(dataHome())
	if err != nil {
		return err
	}
	rotator := logrotate.New(
		func() []string { return cfg.LogPaths },
		func() int { return cfg.LogRotateArchives },
	)
	return rotator.RotateNow()
}

func parseBoundingBox(s string) (tilecache.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tilecache.BoundingBox{}, fmt.Errorf("prefetch region must be minLat,minLon,maxLat,maxLon")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tilecache.BoundingBox{}, fmt.Errorf("prefetch region: bad coordinate %q", p)
		}
		vals[i] = v
	}
	return tilecache.BoundingBox{
		MinLat: vals[0], MinLon: vals[1],
		MaxLat: vals[2], MaxLon: vals[3],
	}, nil
}

// runExportLogs tails the last n lines of one log to a file, optionally
// POSTing the result to a collection endpoint.
func runExportLogs(args []string) error {
	fs := flag.NewFlagSet("export-logs", flag.ExitOnError)
	path := fs.String("path", "", "log to export; defaults to the first configured log path")
	lines := fs.Int("n", 200, "number of trailing lines")
	out := fs.String("output", "piwardrive-logs.txt", "output file path")
	upload := fs.String("upload", "", "optional URL to POST the exported lines to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lines <= 0 {
		return errs.New(errs.KindValidation, "-n must be a positive line count")
	}

	cfg, err := loadRuntimeDoc(dataHome())
	if err != nil {
		return err
	}
	target := *path
	if target == "" {
		if len(cfg.LogPaths) == 0 {
			return errs.New(errs.KindValidation, "no log paths configured and -path not given")
		}
		target = cfg.LogPaths[0]
	}

	tail, err := logrotate.Tail(target, *lines)
	if err != nil {
		return err
	}
	body := strings.Join(tail, "\n")
	if body != "" {
		body += "\n"
	}
	if err := os.WriteFile(*out, []byte(body), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d lines to %s\n", len(tail), *out)

	if *upload == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *upload, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "upload logs", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Newf(errs.KindPermanentProtocol, "log upload rejected with status %d", resp.StatusCode)
	}
	fmt.Printf("uploaded to %s\n", *upload)
	return nil
}

// tileRoot picks the configured tile directory, defaulting under the data home.
func tileRoot(home string, cfg *config.Config) string {
	if cfg.OfflineTilePath != "" {
		return cfg.OfflineTilePath
	}
	return filepath.Join(home, "tiles")
}
