package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/health"
	"github.com/piwardrive/piwardrive/internal/logrotate"
	"github.com/piwardrive/piwardrive/internal/store"
	"github.com/piwardrive/piwardrive/internal/svcmgr"
)

func handleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func handleLogin(tokens *TokenStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidArgument(w, "malformed login body")
			return
		}
		token, expiresAt, err := tokens.Issue(req.Password)
		if err != nil {
			writeKindError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
	})
}

// handleLogout revokes the presented bearer token. The auth middleware has
// already validated it, so a bare prefix strip is enough here.
func handleLogout(tokens *TokenStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
			tokens.Revoke(auth[len(prefix):])
		}
		WriteJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	})
}

const defaultHistoryLimit = 100

func handleStatusHistory(history HealthHistory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "limit must be a positive integer")
				return
			}
			limit = n
		}
		records, err := history.LoadRecentHealth(limit)
		if err != nil {
			writeKindError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"records": records})
	})
}

// handleStatus serves recent health records. When a health file override is
// configured the file's JSON document is relayed byte for byte instead, so
// staged fixtures (including top-level arrays) come back exactly as written.
func handleStatus(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := d.Collector.FileSnapshot()
		if err != nil {
			writeKindError(w, err)
			return
		}
		if raw != nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write(raw) //nolint:errcheck
			return
		}

		limit := defaultHistoryLimit
		if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
			n, err := strconv.Atoi(rawLimit)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "limit must be a positive integer")
				return
			}
			limit = n
		}
		if d.History != nil {
			records, err := d.History.LoadRecentHealth(limit)
			if err != nil {
				writeKindError(w, err)
				return
			}
			if records == nil {
				records = []store.HealthRecord{}
			}
			WriteJSON(w, http.StatusOK, records)
			return
		}
		// No persistence wired (tests, dry runs): the last live sample is
		// the whole history.
		WriteJSON(w, http.StatusOK, []health.Status{d.Collector.Snapshot()})
	})
}

// systemResponse aggregates the live view of the appliance.
type systemResponse struct {
	Health    any `json:"health"`
	Jobs      any `json:"jobs,omitempty"`
	TaskQueue any `json:"task_queue,omitempty"`
	GPS       any `json:"gps,omitempty"`
}

func handleSystem(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := systemResponse{Health: d.Collector.Snapshot()}
		if d.Scheduler != nil {
			resp.Jobs = d.Scheduler.Status()
		}
		if d.Queue != nil {
			resp.TaskQueue = d.Queue.Snapshot()
		}
		if d.GPS != nil {
			resp.GPS = d.GPS.CurrentFix() // nil without a fix
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

func handleWidgets(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := d.Runtime.Load()
		WriteJSON(w, http.StatusOK, map[string]any{
			"widgets": d.Widgets.Names(),
			"values":  d.Widgets.Values(d.Collector.Snapshot(), cfg.Widgets),
		})
	})
}

func handleGPS(gps GPSSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gps == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"fix": nil})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"fix": gps.CurrentFix()})
	})
}

func handleGetConfig(runtime *atomic.Pointer[config.Config]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, runtime.Load())
	})
}

// handleUpdateConfig validates the replacement document, swaps it
// copy-on-write, and persists it. An invalid document changes nothing.
func handleUpdateConfig(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next := config.NewDefaultConfig()
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(next); err != nil {
			writeInvalidArgument(w, "malformed config body: "+err.Error())
			return
		}
		if err := next.Validate(); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		old := d.Runtime.Load()
		d.Runtime.Store(next)
		if d.ConfigPath != "" {
			if err := config.SaveConfigFile(d.ConfigPath, next); err != nil {
				writeKindError(w, errs.Wrap(errs.KindStorage, "persist config", err))
				return
			}
		}
		if d.OnConfigUpdate != nil {
			d.OnConfigUpdate(old, next)
		}
		WriteJSON(w, http.StatusOK, next)
	})
}

const defaultTailLines = 200

// handleTailLog returns the last n lines of one allow-listed log.
func handleTailLog(runtime *atomic.Pointer[config.Config]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			writeInvalidArgument(w, "missing path parameter")
			return
		}
		allowed := false
		for _, p := range runtime.Load().LogPaths {
			if p == path {
				allowed = true
				break
			}
		}
		if !allowed {
			// Path probing is an access violation, not a malformed request.
			WriteError(w, http.StatusForbidden, string(errs.KindAuth),
				fmt.Sprintf("log path %q is not exported", path))
			return
		}

		lines := defaultTailLines
		if raw := r.URL.Query().Get("lines"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeInvalidArgument(w, "lines must be a positive integer")
				return
			}
			lines = n
		}

		tail, err := logrotate.Tail(path, lines)
		if err != nil {
			writeKindError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"path": path, "lines": tail})
	})
}

func handleExportLogs(runtime *atomic.Pointer[config.Config]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := runtime.Load().LogPaths
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="piwardrive-logs.tar.gz"`)
		if err := logrotate.Export(w, allowed, allowed); err != nil {
			// Headers are out; the truncated stream is the best signal left.
			return
		}
	})
}

func handleServiceAction(mgr *svcmgr.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unit := r.PathValue("unit")
		action := svcmgr.Action(r.PathValue("action"))
		if err := mgr.Apply(r.Context(), unit, action); err != nil {
			writeKindError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"unit": unit, "action": string(action), "result": "ok"})
	})
}

func handleServiceStatus(mgr *svcmgr.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unit := r.PathValue("unit")
		active, err := mgr.IsActive(r.Context(), unit)
		if err != nil {
			writeKindError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"unit": unit, "active": active})
	})
}

func handleSyncNow(sync func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sync(r.Context()); err != nil {
			writeKindError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	})
}
