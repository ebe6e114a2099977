package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figsettings/fig/internal/metrics"
)

func TestMetricsExposed(t *testing.T) {
	m := metrics.New()
	m.Heartbeat("ok")
	m.Registration("InitialRegistration")
	m.VerificationRun("Dynamic", true, 5*time.Millisecond)
	m.MemoryLeakDetected()
	m.Pruned("audit_events", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `fig_status_heartbeats_total{result="ok"} 1`)
	assert.Contains(t, out, `fig_registry_registrations_total{outcome="InitialRegistration"} 1`)
	assert.Contains(t, out, `fig_verification_runs_total{kind="Dynamic",result="success"} 1`)
	assert.Contains(t, out, `fig_status_memory_leaks_detected_total 1`)
	assert.Contains(t, out, `fig_retention_pruned_total{kind="audit_events"} 3`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Heartbeat("ok")
		m.VerificationRun("Plugin", false, time.Second)
		m.MemoryLeakDetected()
	})
}
