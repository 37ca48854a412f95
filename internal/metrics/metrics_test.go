package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.RecordToolCall("run_spec", "ok")
	m.RecordRun("passed", 12.5, 4096)
	m.RecordBusyRejection()
	m.RecordGuardRejection("auth")
	m.RecordRedactionHit()
	m.SetRunActive(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`specgate_tool_calls_total{result="ok",tool="run_spec"} 1`,
		`specgate_runs_total{outcome="passed"} 1`,
		`specgate_busy_rejections_total 1`,
		`specgate_guard_rejections_total{stage="auth"} 1`,
		`specgate_auth_failures_total 1`,
		`specgate_redaction_hits_total 1`,
		`specgate_run_active 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSetRunActiveToggle(t *testing.T) {
	m := New()
	m.SetRunActive(true)
	m.SetRunActive(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "specgate_run_active 0") {
		t.Error("gauge not reset to 0")
	}
}
