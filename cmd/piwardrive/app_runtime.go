package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/piwardrive/piwardrive/internal/api"
	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/geofence"
	"github.com/piwardrive/piwardrive/internal/gpsd"
	"github.com/piwardrive/piwardrive/internal/health"
	"github.com/piwardrive/piwardrive/internal/logrotate"
	"github.com/piwardrive/piwardrive/internal/remotesync"
	"github.com/piwardrive/piwardrive/internal/scheduler"
	"github.com/piwardrive/piwardrive/internal/store"
	"github.com/piwardrive/piwardrive/internal/svcmgr"
	"github.com/piwardrive/piwardrive/internal/taskqueue"
	"github.com/piwardrive/piwardrive/internal/tilecache"
	"github.com/piwardrive/piwardrive/internal/widget"
)

const (
	jobHealthPoll      = "health-poll"
	jobGPSPoll         = "gps-poll"
	jobTileMaintenance = "tile-maintenance"
	jobRoutePrefetch   = "route-prefetch"
	jobRemoteSync      = "remote-sync"
	jobRetentionPurge  = "retention-purge"
	jobStoreVacuum     = "store-vacuum"

	retentionPurgeInterval = time.Hour
	storeVacuumInterval    = 24 * time.Hour
	shutdownGrace          = 5 * time.Second
)

type appRuntime struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.Config]
	configPath string

	store     *store.Store
	bus       *bus.Bus
	queue     *taskqueue.Queue
	sched     *scheduler.Scheduler
	collector *health.Collector
	gps       *gpsd.Client
	tiles     *tilecache.Cache
	rotator   *logrotate.Rotator
	geofences *geofence.Watcher
	syncEng   *remotesync.Engine // nil without a configured destination
	services  *svcmgr.Manager
	widgets   *widget.Registry
	registry  *prometheus.Registry
	server    *api.Server

	sessionID string
}

func runServe() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakPassword(envCfg.AdminPassword) {
		log.Printf("warning: PW_ADMIN_PASSWORD is weak; pick a longer passphrase")
	}

	app, err := newAppRuntime(envCfg)
	if err != nil {
		return err
	}
	log.Printf("piwardrive data home %s", envCfg.Home)

	serverErrCh := app.startServer()
	runtimeErr := waitForShutdown(serverErrCh)

	app.shutdown()
	return runtimeErr
}

func newAppRuntime(envCfg *config.EnvConfig) (*appRuntime, error) {
	app := &appRuntime{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.Config]{},
		configPath: filepath.Join(envCfg.Home, "config.json"),
	}

	cfg, err := config.LoadConfigFile(app.configPath)
	if err != nil {
		return nil, err
	}
	app.runtimeCfg.Store(cfg)

	if err := app.initPersistence(); err != nil {
		return nil, err
	}
	if err := app.initCollaborators(); err != nil {
		app.store.Close()
		return nil, err
	}
	if err := app.registerJobs(); err != nil {
		app.store.Close()
		return nil, err
	}
	app.buildServer()
	return app, nil
}

func (a *appRuntime) cfg() *config.Config { return a.runtimeCfg.Load() }

func (a *appRuntime) initPersistence() error {
	st, err := store.Open(filepath.Join(a.envCfg.Home, "state.db"), store.Options{})
	if err != nil {
		return err
	}
	a.store = st

	// One scan session spans the process lifetime; detection appends and
	// GPS track points hang off it.
	a.sessionID = uuid.NewString()
	err = st.CreateScanSession(store.ScanSession{
		ID:        a.sessionID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		ScanType:  "combined",
	})
	if err != nil {
		st.Close()
		return err
	}
	return nil
}

func (a *appRuntime) initCollaborators() error {
	a.bus = bus.New(bus.DefaultBufferSize)
	a.registry = prometheus.NewRegistry()
	a.queue = taskqueue.New(taskqueue.Options{
		Name:    "polls",
		Policy:  taskqueue.ShedLow,
		Metrics: taskqueue.NewMetrics(a.registry),
	})
	a.sched = scheduler.New(a.queue)
	a.gps = gpsd.New(a.envCfg.GPSDHost, a.envCfg.GPSDPort)
	a.services = svcmgr.New(a.cfg().ServiceUnits, a.envCfg.SubprocessTimeout)

	a.collector = health.NewCollector(health.Options{
		Saver:      a.store,
		Bus:        a.bus,
		Service:    a.services,
		Config:     func() *config.Config { return a.cfg() },
		Units:      a.cfg().ServiceUnits,
		HealthFile: a.envCfg.HealthFile,
	})

	tiles, err := tilecache.New(tilecache.Options{
		Root:      tileRoot(a.envCfg.Home, a.cfg()),
		SourceURL: func() string { return a.cfg().TileSourceURL },
		Client:    &http.Client{Timeout: a.envCfg.TileFetchTimeout},
	})
	if err != nil {
		return err
	}
	a.tiles = tiles

	fences, err := geofence.Load(filepath.Join(a.envCfg.Home, "geofences.yaml"), a.bus)
	if err != nil {
		return err
	}
	a.geofences = fences

	a.rotator = logrotate.New(
		func() []string { return a.cfg().LogPaths },
		func() int { return a.cfg().LogRotateArchives },
	)
	if err := a.rotator.Start(a.cfg().LogRotateSchedule); err != nil {
		return err
	}

	if dest := a.cfg().RemoteSyncURL; dest != "" {
		offsets, err := remotesync.LoadOffsets(filepath.Join(a.envCfg.Home, "offsets.json"))
		if err != nil {
			return err
		}
		engine, err := remotesync.New(remotesync.Options{
			Destination: dest,
			Source:      a.store,
			Offsets:     offsets,
			Client:      &http.Client{Timeout: a.envCfg.OutboundHTTPTimeout},
			Bus:         a.bus,
			BatchMax:    a.cfg().RemoteSyncBatchMax,
		})
		if err != nil {
			return err
		}
		a.syncEng = engine
	}

	a.widgets = widget.NewRegistry()
	a.widgets.Register(widget.Widget{
		Name:     "gps_status",
		Snapshot: func(health.Status) any { return a.gps.CurrentFix() },
	})
	a.widgets.Register(widget.Widget{
		Name: "handshake_count",
		Snapshot: func(health.Status) any {
			counts, err := a.store.TableCounts()
			if err != nil {
				return nil
			}
			return counts["wifi_detections"]
		},
	})
	return nil
}

func (a *appRuntime) healthPollInterval() time.Duration {
	if a.envCfg.HealthPollInterval > 0 {
		return a.envCfg.HealthPollInterval
	}
	return a.cfg().HealthPollInterval.Std()
}

func (a *appRuntime) registerJobs() error {
	cfg := a.cfg()

	jobs := []scheduler.JobSpec{
		{
			Name:     jobHealthPoll,
			Interval: a.healthPollInterval(),
			Priority: 10,
			Deadline: 30 * time.Second,
			Run:      a.collector.Tick,
		},
		{
			Name:     jobGPSPoll,
			Interval: cfg.MapPollGPS.Std(),
			Priority: 10,
			Deadline: 10 * time.Second,
			Run:      a.pollGPS,
		},
		{
			Name:     jobTileMaintenance,
			Interval: cfg.TileMaintenanceInterval.Std(),
			Priority: 1,
			Deadline: 5 * time.Minute,
			Run:      a.maintainTiles,
		},
		{
			Name:     jobRoutePrefetch,
			Interval: cfg.RoutePrefetchInterval.Std(),
			Priority: 3,
			Deadline: 2 * time.Minute,
			Run:      a.prefetchRoute,
		},
		{
			Name:     jobRetentionPurge,
			Interval: retentionPurgeInterval,
			Priority: 1,
			Deadline: 5 * time.Minute,
			Run:      a.purgeRetention,
		},
		{
			// Reclaims the space the nightly purges free up.
			Name:     jobStoreVacuum,
			Interval: storeVacuumInterval,
			Priority: 1,
			Deadline: 10 * time.Minute,
			Run:      func(ctx context.Context) error { return a.store.Vacuum() },
		},
	}
	if a.syncEng != nil {
		jobs = append(jobs, scheduler.JobSpec{
			Name:     jobRemoteSync,
			Interval: cfg.RemoteSyncInterval.Std(),
			Priority: 5,
			Deadline: 5 * time.Minute,
			Run:      a.syncEng.SyncOnce,
		})
	}

	for _, spec := range jobs {
		if err := a.sched.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// pollGPS reads the current fix, records the track point, checks geofences,
// and retunes its own poll interval to the movement speed.
func (a *appRuntime) pollGPS(ctx context.Context) error {
	fix := a.gps.CurrentFix()
	if fix == nil {
		a.adjustGPSCadence(0)
		return nil
	}

	a.bus.Publish(bus.TopicGPS, fix)

	point := store.GPSTrackPoint{
		ScanSessionID:      a.sessionID,
		DetectionTimestamp: time.Now().UTC().Format(time.RFC3339),
		Lat:                fix.Lat,
		Lon:                fix.Lon,
		SpeedMS:            fix.SpeedMS,
		HeadingDeg:         fix.HeadingDeg,
	}
	if err := a.store.AppendGPSTrackPoints([]store.GPSTrackPoint{point}); err != nil {
		return err
	}

	a.geofences.Update(fix.Lat, fix.Lon)

	speed := 0.0
	if fix.SpeedMS != nil {
		speed = *fix.SpeedMS
	}
	a.adjustGPSCadence(speed)
	return nil
}

func (a *appRuntime) adjustGPSCadence(speed float64) {
	cfg := a.cfg()
	next := scheduler.AdjustGPSInterval(speed, scheduler.GPSIntervalParams{
		Base:      cfg.MapPollGPS.Std(),
		Max:       cfg.MapPollGPSMax.Std(),
		FastSpeed: cfg.GPSMovementThreshold,
	})
	if next > 0 {
		a.sched.SetInterval(jobGPSPoll, next)
	}
}

func (a *appRuntime) maintainTiles(ctx context.Context) error {
	cfg := a.cfg()
	purged, err := a.tiles.PurgeOld(cfg.TileMaxAgeDays)
	if err != nil {
		return err
	}
	evicted, err := a.tiles.EnforceLimit(cfg.TileCacheLimitMB)
	if err != nil {
		return err
	}
	if purged > 0 || evicted > 0 {
		log.Printf("[tiles] maintenance purged %d, evicted %d", purged, evicted)
	}
	return nil
}

func (a *appRuntime) prefetchRoute(ctx context.Context) error {
	fix := a.gps.CurrentFix()
	if fix == nil || fix.SpeedMS == nil {
		return nil
	}
	heading := 0.0
	if fix.HeadingDeg != nil {
		heading = *fix.HeadingDeg
	}
	cfg := a.cfg()
	_, err := a.tiles.PrefetchRoute(ctx, tilecache.RouteState{
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		SpeedMS:    *fix.SpeedMS,
		HeadingDeg: heading,
	}, tilecache.RoutePrefetchParams{
		Zoom:      cfg.RoutePrefetchZoom,
		Lookahead: cfg.RoutePrefetchLookahead,
		Radius:    cfg.RoutePrefetchRadius,
	})
	return err
}

func (a *appRuntime) purgeRetention(ctx context.Context) error {
	cfg := a.cfg()
	now := time.Now().UTC()

	if _, err := a.store.PurgeOldHealth(now.Add(-cfg.Retention.Health.Std())); err != nil {
		return err
	}
	detectionCutoff := now.Add(-cfg.Retention.Detections.Std()).Format(time.RFC3339)
	if _, err := a.store.PurgeOldDetections(detectionCutoff); err != nil {
		return err
	}
	return nil
}

// onConfigUpdate applies a validated config swap to the running collaborators.
func (a *appRuntime) onConfigUpdate(old, next *config.Config) {
	if old.HealthPollInterval != next.HealthPollInterval && a.envCfg.HealthPollInterval == 0 {
		a.sched.SetInterval(jobHealthPoll, next.HealthPollInterval.Std())
	}
	if old.TileMaintenanceInterval != next.TileMaintenanceInterval {
		a.sched.SetInterval(jobTileMaintenance, next.TileMaintenanceInterval.Std())
	}
	if old.RoutePrefetchInterval != next.RoutePrefetchInterval {
		a.sched.SetInterval(jobRoutePrefetch, next.RoutePrefetchInterval.Std())
	}
	if a.syncEng != nil && old.RemoteSyncInterval != next.RemoteSyncInterval {
		a.sched.SetInterval(jobRemoteSync, next.RemoteSyncInterval.Std())
	}
	if old.LogRotateSchedule != next.LogRotateSchedule {
		if err := a.rotator.Start(next.LogRotateSchedule); err != nil {
			log.Printf("[config] reschedule log rotation: %v", err)
		}
	}
}

func (a *appRuntime) buildServer() {
	deps := api.Deps{
		Env:            a.envCfg,
		Runtime:        a.runtimeCfg,
		ConfigPath:     a.configPath,
		Collector:      a.collector,
		Scheduler:      a.sched,
		Queue:          a.queue,
		Bus:            a.bus,
		Widgets:        a.widgets,
		Services:       a.services,
		GPS:            a.gps,
		History:        a.store,
		Tokens:         api.NewTokenStore(a.envCfg.AdminPassword, a.envCfg.AuthTokenTTL),
		OnConfigUpdate: a.onConfigUpdate,
		Metrics:        a.registry,
	}
	if a.syncEng != nil {
		deps.SyncNow = a.syncEng.SyncOnce
	}
	a.server = api.NewServer(deps)
}

func (a *appRuntime) startServer() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("piwardrive API listening on %s:%d", a.envCfg.ListenAddress, a.envCfg.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// shutdown stops collaborators in dependency order: no new polls, drain the
// queue, stop serving, then flush and close the store.
func (a *appRuntime) shutdown() {
	a.sched.Stop()
	a.rotator.Stop()
	a.queue.Shutdown(shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	endedAt := time.Now().UTC().Format(time.RFC3339)
	if err := a.store.EndScanSession(a.sessionID, endedAt); err != nil {
		log.Printf("end scan session: %v", err)
	}
	a.gps.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
	log.Println("shutdown complete")
}
