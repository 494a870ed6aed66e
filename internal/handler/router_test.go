package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/service/support/supporttest"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, health Pinger) http.Handler {
	t.Helper()
	svc, _ := supporttest.New(t, supporttest.Proceeding("hi"))
	return NewRouter(Dependencies{
		Sessions:       svc,
		Health:         health,
		Metrics:        metrics.New(),
		AllowedOrigins: []string{"*"},
		Logger:         zerolog.Nop(),
	})
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, pingFunc(func(context.Context) error { return nil }))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}

	r = newTestRouter(t, pingFunc(func(context.Context) error { return errors.New("disk gone") }))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	r := newTestRouter(t, nil)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://shop.example")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	r := newTestRouter(t, nil)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/sessions/missing/trace", nil))
	if resp.Code != http.StatusNotFound || !strings.Contains(resp.Body.String(), "session not found") {
		t.Fatalf("unexpected trace response %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/stream/missing", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 from stream without message, got %d", resp.Code)
	}
}
