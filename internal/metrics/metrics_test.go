package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.AlertCreated("LowFeed", "critical")
	m.AlertCreated("LowFeed", "critical")
	m.AlertResolved("LowFeed", "auto")
	m.SetDeviceOnline(true, true)
	m.SetUnresolved(2, 1)

	if got := testutil.ToFloat64(m.alertsCreated.WithLabelValues("LowFeed", "critical")); got != 2 {
		t.Fatalf("expected 2 created alerts, got %v", got)
	}
	if got := testutil.ToFloat64(m.deviceOnline); got != 1 {
		t.Fatalf("expected device online gauge 1, got %v", got)
	}

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	for _, want := range []string{
		"coopwatch_alerts_created_total",
		"coopwatch_alerts_resolved_total",
		`coopwatch_alerts_unresolved{severity="warning"} 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.AlertCreated("LowFeed", "critical")
	m.Notification("telegram", "error")
	m.SetDeviceOnline(false, true)
	m.ObserveEvaluate(0.1)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", recorder.Code)
	}
}
