package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/gpsd"
	"github.com/piwardrive/piwardrive/internal/health"
	"github.com/piwardrive/piwardrive/internal/scheduler"
	"github.com/piwardrive/piwardrive/internal/store"
	"github.com/piwardrive/piwardrive/internal/svcmgr"
	"github.com/piwardrive/piwardrive/internal/taskqueue"
	"github.com/piwardrive/piwardrive/internal/widget"
)

// GPSSource yields the latest position fix, or nil without one.
type GPSSource interface {
	CurrentFix() *gpsd.Fix
}

// HealthHistory serves recent persisted health samples.
type HealthHistory interface {
	LoadRecentHealth(n int) ([]store.HealthRecord, error)
}

// Deps carries the collaborators the API exposes.
type Deps struct {
	Env        *config.EnvConfig
	Runtime    *atomic.Pointer[config.Config]
	ConfigPath string

	Collector *health.Collector
	Scheduler *scheduler.Scheduler
	Queue     *taskqueue.Queue
	Bus       *bus.Bus
	Widgets   *widget.Registry
	Services  *svcmgr.Manager
	GPS       GPSSource
	History   HealthHistory
	Tokens    *TokenStore

	// SyncNow, when set, triggers an immediate remote sync.
	SyncNow func(ctx context.Context) error

	// OnConfigUpdate runs after a validated config swap.
	OnConfigUpdate func(old, next *config.Config)

	Metrics prometheus.Gatherer
}

// Server wraps the HTTP server and mux for the PiWardrive API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the API server wired with all routes.
func NewServer(d Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", handleHealthz())
	mux.Handle("POST /api/auth/login", handleLogin(d.Tokens))

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("POST /api/auth/logout", handleLogout(d.Tokens))
	authed.Handle("GET /api/status", handleStatus(d))
	authed.Handle("GET /api/system", handleSystem(d))
	if d.History != nil {
		authed.Handle("GET /api/status/history", handleStatusHistory(d.History))
	}
	authed.Handle("GET /api/widgets", handleWidgets(d))
	authed.Handle("GET /api/gps", handleGPS(d.GPS))

	authed.Handle("GET /api/config", handleGetConfig(d.Runtime))
	authed.Handle("POST /api/config", handleUpdateConfig(d))

	authed.Handle("GET /api/logs", handleTailLog(d.Runtime))
	authed.Handle("GET /api/logs/export", handleExportLogs(d.Runtime))

	authed.Handle("POST /api/service/{unit}/{action}", handleServiceAction(d.Services))
	authed.Handle("GET /api/service/{unit}", handleServiceStatus(d.Services))

	if d.SyncNow != nil {
		authed.Handle("POST /api/sync", handleSyncNow(d.SyncNow))
	}

	authed.Handle("GET /api/ws", handleWebSocket(d))
	authed.Handle("GET /api/sse", handleSSE(d))

	// Named push routes for the dashboard's fixed feeds.
	authed.Handle("GET /ws/aps", handleWebSocketTopics(d, []string{bus.TopicAccessPts}))
	authed.Handle("GET /ws/status", handleWebSocketTopics(d, []string{bus.TopicStatus}))
	authed.Handle("GET /sse/aps", handleSSETopics(d, []string{bus.TopicAccessPts}))
	authed.Handle("GET /sse/status", handleSSETopics(d, []string{bus.TopicStatus}))
	authed.Handle("GET /sse/history", handleSSEHistory(d))

	if d.Metrics != nil {
		authed.Handle("GET /metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}

	var maxBody int64
	if d.Env != nil {
		maxBody = int64(d.Env.APIMaxBodyBytes)
	}
	limitedAuthed := RequestBodyLimitMiddleware(maxBody, authed)
	wrapped := AuthMiddleware(d.Tokens, limitedAuthed)
	mux.Handle("/api/", wrapped)
	mux.Handle("/ws/", wrapped)
	mux.Handle("/sse/", wrapped)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", wrapped)
	}

	addr := ""
	port := 8080
	if d.Env != nil {
		addr = d.Env.ListenAddress
		port = d.Env.Port
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort(addr, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
