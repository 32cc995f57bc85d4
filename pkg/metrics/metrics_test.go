package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshot_FlattensSeries(t *testing.T) {
	TasksSubmitted.Add(3)
	TasksFinished.WithLabelValues("completed").Add(2)
	TasksFinished.WithLabelValues("failed").Inc()

	snap, err := Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if snap["lockclaw_tasks_submitted_total"] < 3 {
		t.Errorf("submitted = %v, want >= 3", snap["lockclaw_tasks_submitted_total"])
	}
	if snap["lockclaw_tasks_finished_total{status=completed}"] < 2 {
		t.Errorf("finished{completed} = %v, want >= 2", snap["lockclaw_tasks_finished_total{status=completed}"])
	}
	for key := range snap {
		if !strings.HasPrefix(key, "lockclaw_") {
			t.Errorf("snapshot leaked non-platform series %q", key)
		}
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	InjectionBlocked.WithLabelValues("sql_injection").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "lockclaw_injection_blocked_total") {
		t.Error("exposition missing lockclaw_injection_blocked_total")
	}
}
