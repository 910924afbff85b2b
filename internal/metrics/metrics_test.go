package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_IncAndSnapshot(t *testing.T) {
	m := New()
	m.Inc(MessageRelayed)
	m.Inc(MessageRelayed)
	m.Inc(AnswerDropped)

	if got := m.Get(MessageRelayed); got != 2 {
		t.Fatalf("Get(%s) = %d, want 2", MessageRelayed, got)
	}

	snap := m.Snapshot()
	if snap[AnswerDropped] != 1 {
		t.Fatalf("snapshot[%s] = %d, want 1", AnswerDropped, snap[AnswerDropped])
	}

	// Snapshot must be a copy.
	snap[AnswerDropped] = 99
	if got := m.Get(AnswerDropped); got != 1 {
		t.Fatalf("Get(%s) after snapshot mutation = %d, want 1", AnswerDropped, got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(RoomCreated)
	if got := m.Get(RoomCreated); got != 0 {
		t.Fatalf("nil metrics Get = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("nil metrics Snapshot = %v, want nil", snap)
	}
}

func TestPrometheusHandler_Exposition(t *testing.T) {
	m := New()
	m.Inc(RoomCreated)
	m.Inc(IceBuffered)
	m.Inc(IceBuffered)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE zvonilka_signal_events_total counter",
		`zvonilka_signal_events_total{event="room_created"} 1`,
		`zvonilka_signal_events_total{event="ice_buffered"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
