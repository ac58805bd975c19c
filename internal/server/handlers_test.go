package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/perfectuser21/grapnel/internal/config"
	"github.com/perfectuser21/grapnel/internal/events"
	"github.com/perfectuser21/grapnel/internal/history"
	"github.com/perfectuser21/grapnel/internal/hooks"
	"github.com/perfectuser21/grapnel/internal/hostinfo"
	"github.com/perfectuser21/grapnel/internal/scheduler"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, inv hooks.Invocation) (hooks.RunOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return hooks.RunOutput{Stdout: "ok"}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSampler struct{}

func (fakeSampler) Sample(ctx context.Context) (hostinfo.Snapshot, error) {
	return hostinfo.Snapshot{CPUPercent: 12.5, MemoryPercent: 40}, nil
}

func defaultServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Enabled:      true,
		Host:         "127.0.0.1",
		Port:         8456,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}
}

func newTestEngine(t *testing.T) (*hooks.Engine, *hooks.Registry, *fakeRunner) {
	t.Helper()

	runner := &fakeRunner{}
	registry, err := hooks.NewRegistry([]hooks.Config{
		{Name: "notify-slack", Command: "notify.sh", Priority: 10},
		{Name: "deploy-docs", Command: "deploy.sh", Priority: 5},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	engine, err := hooks.NewEngine(registry, hooks.Options{
		Workers:        4,
		RetryBaseDelay: time.Millisecond,
		Runner:         runner,
		Sampler:        fakeSampler{},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	return engine, registry, runner
}

func newTestServer(t *testing.T, cfg config.ServerConfig, opts ...Option) (*Server, *fakeRunner) {
	t.Helper()
	engine, registry, runner := newTestEngine(t)
	return New(cfg, engine, registry, opts...), runner
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any, wantStatus int) []byte {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshaling request body failed: %v", err)
		}
		rdr = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != wantStatus {
		t.Fatalf("%s %s = %d, want %d (body: %s)", method, target, rec.Code, wantStatus, rec.Body.String())
	}
	return rec.Body.Bytes()
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	body := doJSON(t, srv.Handler(), "GET", "/healthz", nil, http.StatusOK)

	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshaling response failed: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestExecuteBatch(t *testing.T) {
	srv, runner := newTestServer(t, defaultServerConfig())

	body := doJSON(t, srv.Handler(), "POST", "/api/execute", executeRequest{
		Hooks:   []string{"notify-slack"},
		Context: map[string]any{"env": "prod"},
	}, http.StatusOK)

	var resp executeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshaling response failed: %v", err)
	}
	if resp.Count != 1 || len(resp.Results) != 1 {
		t.Fatalf("Count = %d, results = %d, want 1 each", resp.Count, len(resp.Results))
	}
	if !resp.Results[0].Success || resp.Results[0].HookName != "notify-slack" {
		t.Errorf("Unexpected result: %+v", resp.Results[0])
	}
	if runner.callCount() != 1 {
		t.Errorf("Runner saw %d calls, want 1", runner.callCount())
	}
}

func TestExecuteExpandsGlobs(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	body := doJSON(t, srv.Handler(), "POST", "/api/execute", executeRequest{
		Hooks: []string{"*"},
	}, http.StatusOK)

	var resp executeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshaling response failed: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("Count = %d, want 2", resp.Count)
	}
	// Results come back ordered by priority.
	if resp.Results[0].HookName != "notify-slack" || resp.Results[1].HookName != "deploy-docs" {
		t.Errorf("Result order = %s, %s", resp.Results[0].HookName, resp.Results[1].HookName)
	}
}

func TestExecuteValidation(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	// Missing hooks.
	doJSON(t, srv.Handler(), "POST", "/api/execute", executeRequest{}, http.StatusBadRequest)

	// Malformed body.
	req := httptest.NewRequest("POST", "/api/execute", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Malformed body = %d, want 400", rec.Code)
	}

	// Invalid glob pattern.
	doJSON(t, srv.Handler(), "POST", "/api/execute", executeRequest{
		Hooks: []string{"["},
	}, http.StatusBadRequest)
}

func TestExecuteAfterShutdown(t *testing.T) {
	engine, registry, _ := newTestEngine(t)
	srv := New(defaultServerConfig(), engine, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	doJSON(t, srv.Handler(), "POST", "/api/execute", executeRequest{
		Hooks: []string{"notify-slack"},
	}, http.StatusServiceUnavailable)
}

func TestHooksEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	body := doJSON(t, srv.Handler(), "GET", "/api/hooks", nil, http.StatusOK)

	var resp struct {
		Hooks []hooks.Config `json:"hooks"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshaling response failed: %v", err)
	}
	if resp.Count != 2 || len(resp.Hooks) != 2 {
		t.Errorf("Count = %d, hooks = %d, want 2 each", resp.Count, len(resp.Hooks))
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	// Run something first so there is a little substance to the stats.
	doJSON(t, srv.Handler(), "POST", "/api/execute", executeRequest{
		Hooks: []string{"notify-slack"},
	}, http.StatusOK)

	body := doJSON(t, srv.Handler(), "GET", "/api/stats", nil, http.StatusOK)

	var stats hooks.EngineStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("Unmarshaling stats failed: %v", err)
	}
	if stats.Registered != 2 {
		t.Errorf("Registered = %d, want 2", stats.Registered)
	}
	if stats.Workers < 1 {
		t.Errorf("Workers = %d, want >= 1", stats.Workers)
	}
	if stats.Host.CPUPercent != 12.5 {
		t.Errorf("Host CPU = %v, want sampler value", stats.Host.CPUPercent)
	}
	if _, ok := stats.Hooks["notify-slack"]; !ok {
		t.Error("Stats should include executed hook")
	}
}

func TestAPIAuthentication(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.Auth = config.AuthConfig{
		Secret:   testSecret,
		TokenTTL: time.Hour,
		Issuer:   "grapnel",
	}
	srv, _ := newTestServer(t, cfg)

	// No token.
	doJSON(t, srv.Handler(), "GET", "/api/hooks", nil, http.StatusUnauthorized)

	// Health stays open.
	doJSON(t, srv.Handler(), "GET", "/healthz", nil, http.StatusOK)

	token, _, err := srv.tokens.Mint("ops")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	// Bearer header.
	req := httptest.NewRequest("GET", "/api/hooks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Authorized request = %d, want 200", rec.Code)
	}

	// Token query parameter, for websocket clients.
	doJSON(t, srv.Handler(), "GET", "/api/hooks?token="+token, nil, http.StatusOK)

	// Garbage token.
	req = httptest.NewRequest("GET", "/api/hooks", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Bad token = %d, want 401", rec.Code)
	}
}

func TestExecutionsEndpoints(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, rec := range []*history.Record{
		{ID: "rec-1", BatchID: "b1", HookName: "notify-slack", Source: "api", Status: "success", Success: true},
		{ID: "rec-2", BatchID: "b2", HookName: "deploy-docs", Source: "cli", Status: "failed"},
	} {
		rec.StartedAt = base.Add(time.Duration(i) * time.Minute)
		rec.FinishedAt = rec.StartedAt.Add(time.Second)
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	srv, _ := newTestServer(t, defaultServerConfig(), WithHistory(store))

	var list struct {
		Executions []*history.Record `json:"executions"`
		Count      int               `json:"count"`
	}
	body := doJSON(t, srv.Handler(), "GET", "/api/executions", nil, http.StatusOK)
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Unmarshaling list failed: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("Count = %d, want 2", list.Count)
	}
	// Newest first.
	if list.Executions[0].ID != "rec-2" {
		t.Errorf("First record = %s, want rec-2", list.Executions[0].ID)
	}

	body = doJSON(t, srv.Handler(), "GET", "/api/executions?hook=notify-slack", nil, http.StatusOK)
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Unmarshaling filtered list failed: %v", err)
	}
	if list.Count != 1 || list.Executions[0].HookName != "notify-slack" {
		t.Errorf("Filtered list = %+v", list.Executions)
	}

	// Bad filter values.
	doJSON(t, srv.Handler(), "GET", "/api/executions?limit=zero", nil, http.StatusBadRequest)
	doJSON(t, srv.Handler(), "GET", "/api/executions?since=yesterday", nil, http.StatusBadRequest)

	// Single record.
	body = doJSON(t, srv.Handler(), "GET", "/api/executions/rec-1", nil, http.StatusOK)
	var rec history.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("Unmarshaling record failed: %v", err)
	}
	if rec.ID != "rec-1" || rec.Status != "success" {
		t.Errorf("Record = %+v", rec)
	}

	doJSON(t, srv.Handler(), "GET", "/api/executions/missing", nil, http.StatusNotFound)
}

func TestExecutionsDisabled(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	doJSON(t, srv.Handler(), "GET", "/api/executions", nil, http.StatusServiceUnavailable)
	doJSON(t, srv.Handler(), "GET", "/api/executions/rec-1", nil, http.StatusServiceUnavailable)
}

func TestSchedulesEndpoint(t *testing.T) {
	engine, registry, _ := newTestEngine(t)

	sched, err := scheduler.New([]scheduler.Entry{
		{Name: "nightly", Cron: "0 2 * * *", Hooks: []string{"*"}},
	}, engine, registry)
	if err != nil {
		t.Fatalf("scheduler.New failed: %v", err)
	}

	srv := New(defaultServerConfig(), engine, registry, WithScheduler(sched))

	var resp struct {
		Schedules []scheduler.EntryStatus `json:"schedules"`
		Count     int                     `json:"count"`
	}
	body := doJSON(t, srv.Handler(), "GET", "/api/schedules", nil, http.StatusOK)
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshaling schedules failed: %v", err)
	}
	if resp.Count != 1 || resp.Schedules[0].Name != "nightly" {
		t.Errorf("Schedules = %+v", resp.Schedules)
	}
	if resp.Schedules[0].NextRun.IsZero() {
		t.Error("NextRun should be set")
	}
}

func TestSchedulesEndpointWithoutScheduler(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	var resp struct {
		Count int `json:"count"`
	}
	body := doJSON(t, srv.Handler(), "GET", "/api/schedules", nil, http.StatusOK)
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshaling schedules failed: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("Count = %d, want 0", resp.Count)
	}
}

func TestEventsWebsocket(t *testing.T) {
	hub := events.NewHub(16)
	srv, _ := newTestServer(t, defaultServerConfig(), WithHub(hub))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Events published before the client connects live in the ring.
	hub.BatchExecuted("b1", "api", 1)
	hub.BatchExecuted("b2", "api", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?since=0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev events.Event
	for wantID := int64(1); wantID <= 2; wantID++ {
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("Reading backlog event failed: %v", err)
		}
		if ev.ID != wantID || ev.Type != events.TypeBatchExecuted {
			t.Errorf("Backlog event = %+v, want ID %d", ev, wantID)
		}
	}

	// Live event after connect.
	hub.BatchExecuted("b3", "api", 3)
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("Reading live event failed: %v", err)
	}
	if ev.ID != 3 {
		t.Errorf("Live event ID = %d, want 3", ev.ID)
	}

	var payload events.BatchEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("Unmarshaling payload failed: %v", err)
	}
	if payload.BatchID != "b3" {
		t.Errorf("Payload batch = %q, want b3", payload.BatchID)
	}
}

func TestEventsWebsocketDisabled(t *testing.T) {
	srv, _ := newTestServer(t, defaultServerConfig())

	doJSON(t, srv.Handler(), "GET", "/api/events", nil, http.StatusServiceUnavailable)
}
