package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.EventsPublishedTotal.WithLabelValues("alarm.raised").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "launchctrl_bus_events_published_total") {
		t.Fatalf("expected metric name in output, got:\n%s", body)
	}
}

func TestNewRegistersWithoutPanicking(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("New() panicked: %v", r)
		}
	}()
	New()
}
