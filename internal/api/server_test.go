package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/health"
	"github.com/piwardrive/piwardrive/internal/store"
	"github.com/piwardrive/piwardrive/internal/svcmgr"
	"github.com/piwardrive/piwardrive/internal/widget"
)

type fakeHistory struct {
	records []store.HealthRecord
}

func (f fakeHistory) LoadRecentHealth(n int) ([]store.HealthRecord, error) {
	if n > len(f.records) {
		n = len(f.records)
	}
	return f.records[:n], nil
}

type serverFixture struct {
	deps    Deps
	runtime *atomic.Pointer[config.Config]
}

func newTestServer(t *testing.T, mutate func(f *serverFixture)) (*httptest.Server, *serverFixture) {
	t.Helper()

	runtime := &atomic.Pointer[config.Config]{}
	runtime.Store(config.NewDefaultConfig())

	f := &serverFixture{
		runtime: runtime,
		deps: Deps{
			Env: &config.EnvConfig{
				ListenAddress:        "127.0.0.1",
				Port:                 8080,
				APIMaxBodyBytes:      1 << 20,
				WebSocketSendTimeout: 2 * time.Second,
			},
			Runtime: runtime,
			Collector: health.NewCollector(health.Options{
				Config: func() *config.Config { return runtime.Load() },
			}),
			Bus:      bus.New(0),
			Widgets:  widget.NewRegistry(),
			Services: svcmgr.New([]string{"gpsd", "kismet"}, time.Second),
			Tokens:   NewTokenStore("", time.Hour),
		},
	}
	if mutate != nil {
		mutate(f)
	}

	ts := httptest.NewServer(NewServer(f.deps).Handler())
	t.Cleanup(ts.Close)
	return ts, f
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return e
}

func TestAuthFlow(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.Tokens = NewTokenStore("hunter2", time.Hour)
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Error.Kind != "AuthError" {
		t.Fatalf("kind = %q, want AuthError", e.Error.Kind)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", loginRequest{Password: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: got %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", loginRequest{Password: "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: got %d, want 200", resp.StatusCode)
	}
	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("login returned empty token")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: got %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status", "bogus-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: got %d, want 401", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.Tokens = NewTokenStore("hunter2", time.Hour)
	})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", loginRequest{Password: "hunter2"})
	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/auth/logout", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: got %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status", login.Token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token: got %d, want 401", resp.StatusCode)
	}
}

func TestStatusHistory(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.History = fakeHistory{records: []store.HealthRecord{
			{ID: 3, Timestamp: "2026-01-03T00:00:00Z"},
			{ID: 2, Timestamp: "2026-01-02T00:00:00Z"},
			{ID: 1, Timestamp: "2026-01-01T00:00:00Z"},
		}}
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status/history?limit=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	var body struct {
		Records []store.HealthRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(body.Records) != 2 || body.Records[0].ID != 3 {
		t.Fatalf("records = %+v, want newest 2", body.Records)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status/history?limit=zero", "", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit: got %d, want 422", resp.StatusCode)
	}
}

func TestAuthDisabledPassesAll(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.Tokens = NewTokenStore("hunter2", time.Hour)
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
}

func TestStatusMalformedHealthFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.Collector = health.NewCollector(health.Options{HealthFile: path})
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Error.Kind != "StorageError" {
		t.Fatalf("kind = %q, want StorageError", e.Error.Kind)
	}
}

func TestStatusHealthFileServedVerbatim(t *testing.T) {
	// A staged file must come back exactly as written, including document
	// shapes the live snapshot would never produce, like a top-level array.
	payload := `[{"timestamp":"ts1"}]`
	path := filepath.Join(t.TempDir(), "health.json")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.Collector = health.NewCollector(health.Options{HealthFile: path})
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("body = %s, want %s verbatim", body, payload)
	}
}

func TestStatusServesRecentRecords(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.History = fakeHistory{records: []store.HealthRecord{
			{ID: 3, Timestamp: "2026-01-03T00:00:00Z"},
			{ID: 2, Timestamp: "2026-01-02T00:00:00Z"},
			{ID: 1, Timestamp: "2026-01-01T00:00:00Z"},
		}}
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status?limit=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	var records []store.HealthRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(records) != 2 || records[0].ID != 3 {
		t.Fatalf("records = %+v, want newest 2", records)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status?limit=nope", "", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit: got %d, want 422", resp.StatusCode)
	}
}

func TestSystemAggregatesLiveView(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/system", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	var body struct {
		Health health.Status `json:"health"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode system: %v", err)
	}
	if body.Health.Timestamp == "" {
		t.Fatal("live health snapshot missing timestamp")
	}
}

func TestConfigUpdateRoundTrip(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	ts, f := newTestServer(t, func(f *serverFixture) {
		f.deps.ConfigPath = cfgPath
	})

	next := config.NewDefaultConfig()
	next.HealthPollInterval = config.Duration(42 * time.Second)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/config", "", next)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: got %d, want 200", resp.StatusCode)
	}

	if got := f.runtime.Load().HealthPollInterval; got != next.HealthPollInterval {
		t.Fatalf("runtime interval = %v, want %v", got, next.HealthPollInterval)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/config", "", nil)
	var fetched config.Config
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if fetched.HealthPollInterval != next.HealthPollInterval {
		t.Fatalf("fetched interval = %v, want %v", fetched.HealthPollInterval, next.HealthPollInterval)
	}

	saved, err := config.LoadConfigFile(cfgPath)
	if err != nil {
		t.Fatalf("load persisted config: %v", err)
	}
	if saved.HealthPollInterval != next.HealthPollInterval {
		t.Fatalf("persisted interval = %v, want %v", saved.HealthPollInterval, next.HealthPollInterval)
	}
}

func TestConfigUpdateInvalidLeavesRuntimeUnchanged(t *testing.T) {
	ts, f := newTestServer(t, nil)
	before := f.runtime.Load()

	bad := config.NewDefaultConfig()
	bad.TileMaxAgeDays = 0
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/config", "", bad)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Error.Kind != "ValidationError" {
		t.Fatalf("kind = %q, want ValidationError", e.Error.Kind)
	}
	if f.runtime.Load() != before {
		t.Fatal("runtime config swapped despite invalid document")
	}
}

func TestConfigUpdateRejectsUnknownFields(t *testing.T) {
	ts, f := newTestServer(t, nil)
	before := f.runtime.Load()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/config", "", map[string]any{"no_such_key": 1})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", resp.StatusCode)
	}
	if f.runtime.Load() != before {
		t.Fatal("runtime config swapped despite unknown field")
	}
}

func TestTailLogAllowListed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(logPath, []byte("one\ntwo\nthree\nfour\nfive\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts, f := newTestServer(t, nil)
	cfg := *f.runtime.Load()
	cfg.LogPaths = []string{logPath}
	f.runtime.Store(&cfg)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/logs?path="+logPath+"&lines=3", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	var body struct {
		Lines []string `json:"lines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode tail: %v", err)
	}
	want := []string{"three", "four", "five"}
	if len(body.Lines) != len(want) {
		t.Fatalf("lines = %v, want %v", body.Lines, want)
	}
	for i := range want {
		if body.Lines[i] != want[i] {
			t.Fatalf("lines[%d] = %q, want %q", i, body.Lines[i], want[i])
		}
	}
}

func TestTailLogForbidsUnlistedPath(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/logs?path=/etc/shadow", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("got %d, want 403", resp.StatusCode)
	}
}

func TestWidgetsRespectEnablement(t *testing.T) {
	ts, f := newTestServer(t, nil)
	cfg := *f.runtime.Load()
	cfg.Widgets = map[string]bool{"cpu_percent": true}
	f.runtime.Store(&cfg)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/widgets", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	var body struct {
		Widgets []string       `json:"widgets"`
		Values  map[string]any `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode widgets: %v", err)
	}
	if len(body.Widgets) == 0 {
		t.Fatal("no widgets listed")
	}
	if _, ok := body.Values["cpu_percent"]; !ok {
		t.Fatalf("values = %v, want cpu_percent present", body.Values)
	}
	if _, ok := body.Values["mem_percent"]; ok {
		t.Fatal("disabled widget mem_percent present in values")
	}
}

func TestServiceRouteValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/service/nginx/restart", "", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown unit: got %d, want 422", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/service/gpsd/mask", "", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown action: got %d, want 422", resp.StatusCode)
	}
}

func TestSyncRouteAbsentWithoutSyncNow(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sync", "", nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatal("sync route served without a sync engine")
	}
}

func TestRequestedTopicsParsing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/ws?topics=status,%20alerts", nil)
	got := requestedTopics(req)
	if len(got) != 2 || got[0] != "status" || got[1] != "alerts" {
		t.Fatalf("topics = %v, want [status alerts]", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	if got := requestedTopics(req); len(got) != len(defaultTopics) {
		t.Fatalf("default topics = %v", got)
	}
}

func TestErrorEnvelopeCarriesKind(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.Tokens = NewTokenStore("hunter2", time.Hour)
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	var body map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if got := body["error"]["kind"]; got != "AuthError" {
		t.Fatalf(`error.kind = %v, want "AuthError"`, got)
	}
	if _, legacy := body["error"]["code"]; legacy {
		t.Fatal("envelope still carries the old code field")
	}
}

func TestSSEHistoryReplaysRecords(t *testing.T) {
	ts, _ := newTestServer(t, func(f *serverFixture) {
		f.deps.History = fakeHistory{records: []store.HealthRecord{
			{ID: 3, Timestamp: "2026-01-03T00:00:00Z"},
			{ID: 2, Timestamp: "2026-01-02T00:00:00Z"},
			{ID: 1, Timestamp: "2026-01-01T00:00:00Z"},
		}}
	})

	resp := doJSON(t, http.MethodGet, ts.URL+"/sse/history?limit=2&interval=1ms", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	var ids []int64
	for _, line := range strings.Split(string(body), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var rec store.HealthRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		ids = append(ids, rec.ID)
	}
	// Newest two records, replayed oldest first.
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("replayed ids = %v, want [2 3]", ids)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/sse/history?interval=banana", "", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad interval: got %d, want 422", resp.StatusCode)
	}
}

func TestNamedWebSocketStatusRoute(t *testing.T) {
	ts, f := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %v)", wsURL, err, resp)
	}
	defer conn.Close()

	// The subscription attaches just after the upgrade; publish until the
	// frame comes through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				f.deps.Bus.Publish(bus.TopicStatus, health.Status{Timestamp: "2026-01-01T00:00:00Z"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if ev.Topic != bus.TopicStatus {
		t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicStatus)
	}
}

func TestNamedSSEAccessPointRoute(t *testing.T) {
	ts, f := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse/aps", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				f.deps.Bus.Publish(bus.TopicAccessPts, map[string]string{"bssid": "aa:bb:cc:dd:ee:ff"})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: aps" {
			return
		}
	}
	t.Fatalf("stream ended without an aps event: %v", scanner.Err())
}
