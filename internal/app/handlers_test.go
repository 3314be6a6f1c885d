package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quenby/porter/internal/adapter/proxy"
	"github.com/quenby/porter/internal/adapter/stats"
	"github.com/quenby/porter/internal/adapter/tracker"
	"github.com/quenby/porter/internal/config"
	"github.com/quenby/porter/internal/core/domain"
	"github.com/quenby/porter/internal/core/ports"
	"github.com/quenby/porter/internal/logger"
)

func newTestApplication(t *testing.T, subs ...domain.Subscription) *Application {
	t.Helper()
	log := logger.NewDiscard()
	return &Application{
		logger:    log,
		tracker:   tracker.New(subs, 5*time.Second, log),
		startTime: time.Now(),
	}
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthHandler(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
	body := decodeJSONBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestRootHandler(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.rootHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	if body["service"] != "porter" {
		t.Errorf("service = %v, want porter", body["service"])
	}
	if _, ok := body["version"]; !ok {
		t.Error("expected version field")
	}
}

func TestStatusHandler(t *testing.T) {
	app := newTestApplication(t,
		domain.Subscription{Name: "alpha", APIKey: "sk-ant-a", MaxConcurrent: 5, Priority: 1, Enabled: true},
		domain.Subscription{Name: "beta", APIKey: "sk-ant-b", MaxConcurrent: 3, Priority: 2, Enabled: true},
	)

	state := app.tracker.Subscription("alpha")
	release, ok := app.tracker.Acquire(state)
	if !ok {
		t.Fatal("expected to acquire a slot on alpha")
	}
	defer release()

	rec := httptest.NewRecorder()
	app.statusHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	if got := body["total_capacity"].(float64); got != 8 {
		t.Errorf("total_capacity = %v, want 8", got)
	}
	if got := body["total_active"].(float64); got != 1 {
		t.Errorf("total_active = %v, want 1", got)
	}
	if got := body["available_capacity"].(float64); got != 7 {
		t.Errorf("available_capacity = %v, want 7", got)
	}
	subs, ok := body["subscriptions"].([]any)
	if !ok || len(subs) != 2 {
		t.Fatalf("subscriptions = %v, want 2 entries", body["subscriptions"])
	}
}

func TestUsageHandlerWithoutStore(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.usageHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/usage", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	detail := body["error"].(map[string]any)
	if detail["type"] != "not_ready" {
		t.Errorf("error type = %v, want not_ready", detail["type"])
	}
}

func TestClientsHandlerWithoutStore(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.clientsHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/clients", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestUsageHandlerWithStore(t *testing.T) {
	app := newTestApplication(t)

	store, err := stats.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"), app.logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	app.store = store

	err = store.RecordRequest(context.Background(), ports.RequestRecord{
		Timestamp:    time.Now(),
		ClientID:     "alice",
		Subscription: "alpha",
		Model:        "claude-sonnet-4",
		InputTokens:  120,
		OutputTokens: 80,
		StatusCode:   200,
		LatencyMs:    450,
	})
	if err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	rec := httptest.NewRecorder()
	app.usageHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/usage?period=day", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSONBody(t, rec)
	if got := body["total_requests"].(float64); got != 1 {
		t.Errorf("total_requests = %v, want 1", got)
	}

	rec = httptest.NewRecorder()
	app.usageHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/usage?period=day&client_id=alice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("client usage status = %d, want 200", rec.Code)
	}
	body = decodeJSONBody(t, rec)
	if got := body["total_input_tokens"].(float64); got != 120 {
		t.Errorf("total_input_tokens = %v, want 120", got)
	}

	rec = httptest.NewRecorder()
	app.clientsHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/clients", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clients status = %d, want 200", rec.Code)
	}
	body = decodeJSONBody(t, rec)
	clients := body["clients"].([]any)
	if len(clients) != 1 {
		t.Fatalf("clients = %v, want 1 entry", clients)
	}
}

func TestUtilizationHandler(t *testing.T) {
	app := newTestApplication(t,
		domain.Subscription{Name: "alpha", APIKey: "sk-ant-a", MaxConcurrent: 5, Priority: 1, Enabled: true},
	)

	payload := `{"alpha":{"short_window":{"percent":40,"hours_to_reset":2},"long_window":{"percent":55,"hours_to_reset":84}}}`
	req := httptest.NewRequest(http.MethodPost, "/internal/utilization", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	app.utilizationHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSONBody(t, rec)
	if got := body["accounts"].(float64); got != 1 {
		t.Errorf("accounts = %v, want 1", got)
	}
}

func TestUtilizationHandlerRejectsGet(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.utilizationHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/utilization", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestUtilizationHandlerRejectsBadPayload(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/utilization", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	app.utilizationHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReloadHandlerRejectsGet(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.reloadHandler(rec, httptest.NewRequest(http.MethodGet, "/internal/reload", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestApplyReload_SwapsRoutingState(t *testing.T) {
	log := logger.NewDiscard()
	tr := tracker.New([]domain.Subscription{
		{Name: "old", APIKey: "sk-ant-old", MaxConcurrent: 2, Priority: 1, Enabled: true},
	}, 5*time.Second, log)

	svc, err := proxy.NewService(config.ProxyConfig{
		BaseURL:          "http://127.0.0.1:1",
		ConnectTimeout:   time.Second,
		ResponseTimeout:  time.Second,
		MaxIdleConns:     1,
		MaxConns:         2,
		MaxBodyBytes:     1 << 20,
		MaxRetries429:    1,
		StreamBufferSize: 1024,
	}, tr, nil, nil, nil, log)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	app := &Application{
		logger:       log,
		config:       config.DefaultConfig(),
		tracker:      tr,
		proxyService: svc,
		startTime:    time.Now(),
	}

	newCfg := config.DefaultConfig()
	newCfg.Subscriptions = []config.SubscriptionConfig{
		{Name: "fresh-a", APIKey: "sk-ant-a", MaxConcurrent: 3, Priority: 1, Enabled: true},
		{Name: "fresh-b", APIKey: "sk-ant-b", MaxConcurrent: 4, Priority: 2, Enabled: true},
	}
	app.applyReload(newCfg)

	status := tr.Status()
	if len(status.Subscriptions) != 2 {
		t.Fatalf("subscriptions after reload = %d, want 2", len(status.Subscriptions))
	}
	if status.TotalCapacity != 7 {
		t.Errorf("total capacity after reload = %d, want 7", status.TotalCapacity)
	}
	if app.getConfig() != newCfg {
		t.Error("active config was not swapped")
	}
}
