package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordEnqueued("normal")
	m.RecordAssigned(time.Second)
	m.RecordWebSocketConnect("signaling")
	m.RecordHTTPRequest("/health", 200, time.Millisecond)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RecordEnqueued("urgent")
	m.RecordAssigned(3 * time.Second)
	m.RecordWebSocketConnect("updates")
	m.RecordRelayed("offer")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`livecall_calls_enqueued_total{priority="urgent"} 1`,
		`livecall_calls_assigned_total 1`,
		`livecall_websocket_connections{channel="updates"} 1`,
		`livecall_signaling_relayed_total{kind="offer"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/calls/abc", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `livecall_http_requests_total{route="/calls/{id}",status="418"} 1`) {
		t.Errorf("expected route pattern in metrics, got:\n%s", rec.Body.String())
	}
}
