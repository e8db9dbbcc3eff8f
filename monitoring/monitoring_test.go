package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mhaberler/adsb-feeder/logging"
)

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestLoggingMiddlewareDoesNotPanicWithNilLogger(t *testing.T) {
	handler := LoggingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestETagMiddlewareSets304OnMatch(t *testing.T) {
	body := []byte(`{"ok":true}`)
	handler := ETagMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected an ETag header to be set")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/status", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec2.Code)
	}
}

func TestETagMiddlewareSkipsWebSocketUpgrade(t *testing.T) {
	called := false
	handler := ETagMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("expected the handler to run for a WebSocket upgrade request")
	}
	if rec.Header().Get("ETag") != "" {
		t.Fatalf("expected no ETag for a WebSocket upgrade request")
	}
}

func TestInitTracerNoEndpointReturnsShutdown(t *testing.T) {
	shutdown := InitTracer("", "adsb-feeder-test", logging.Nop)
	defer shutdown()
	if shutdown == nil {
		t.Fatalf("expected a non-nil shutdown function")
	}
}
