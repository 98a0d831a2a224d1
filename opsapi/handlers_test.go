package opsapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nyigoro/pneuma/broker"
	"github.com/nyigoro/pneuma/config"
)

// fakeStatusServer answers every StatusRequest on queue with snap, until
// stopped. It stands in for a real broker.Service in handler tests.
func fakeStatusServer(t *testing.T, queue chan broker.Request, snap broker.Snapshot) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case req, ok := <-queue:
				if !ok {
					close(done)
					return
				}
				if sr, ok := req.(broker.StatusRequest); ok {
					sr.Reply <- broker.Reply[broker.Snapshot]{Value: snap}
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func TestHealthHandler_HealthyWhenNoFailuresOrBackoff(t *testing.T) {
	gin.SetMode(gin.TestMode)
	queue := make(chan broker.Request, 1)
	stop := fakeStatusServer(t, queue, broker.Snapshot{Role: broker.RolePrimary})
	defer stop()

	h := broker.NewHandle(queue)
	router := gin.New()
	router.GET("/healthz", healthHandler(h, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); !strings.Contains(got, `"status":"healthy"`) {
		t.Fatalf("expected healthy status, got %s", got)
	}
}

func TestHealthHandler_DegradedWhenInBackoff(t *testing.T) {
	gin.SetMode(gin.TestMode)
	queue := make(chan broker.Request, 1)
	stop := fakeStatusServer(t, queue, broker.Snapshot{Role: broker.RolePrimary, InBackoff: true})
	defer stop()

	h := broker.NewHandle(queue)
	router := gin.New()
	router.GET("/healthz", healthHandler(h, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("expected degraded status, got %s", rec.Body.String())
	}
}

func TestStatusHandler_ReportsSnapshotFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	queue := make(chan broker.Request, 1)
	stop := fakeStatusServer(t, queue, broker.Snapshot{Role: broker.RoleSecondaryProxy, NextPageID: 7})
	defer stop()

	h := broker.NewHandle(queue)
	router := gin.New()
	router.GET("/statez", statusHandler(h))

	req := httptest.NewRequest(http.MethodGet, "/statez", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"role":"secondary_proxy"`) {
		t.Fatalf("expected secondary_proxy role, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"next_page_id":7`) {
		t.Fatalf("expected next_page_id 7, got %s", rec.Body.String())
	}
}

func TestMetricsHandler_RendersCounters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := broker.NewMetrics()
	router := gin.New()
	router.GET("/metricsz", metricsHandler(m))

	req := httptest.NewRequest(http.MethodGet, "/metricsz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `pneuma_requests_total{kind="navigate"} 0`) {
		t.Fatalf("expected a zeroed navigate counter line, got %s", rec.Body.String())
	}
}

func TestNewRouter_RegistersAllEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	queue := make(chan broker.Request, 1)
	stop := fakeStatusServer(t, queue, broker.Snapshot{})
	defer stop()

	h := broker.NewHandle(queue)
	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	router := NewRouter(h, broker.NewMetrics(), cfg, time.Now())

	for _, path := range []string{"/healthz", "/statez", "/metricsz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
