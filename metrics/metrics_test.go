package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.StepOpened("EUR_USD", "long")
	m.StepOpened("EUR_USD", "long")
	m.AdmissionRejected("EUR_USD", "too_close")
	m.Modified("EUR_USD", "trail")
	m.ExecutionFailed("EUR_USD", "modify_stop")
	m.Reversal("EUR_USD", "short")
	m.SetOpenSteps("EUR_USD", "long", 2)
	m.SetEquity(10250)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsOpened.WithLabelValues("EUR_USD", "long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("EUR_USD", "too_close")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modifications.WithLabelValues("EUR_USD", "trail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("EUR_USD", "modify_stop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reversals.WithLabelValues("EUR_USD", "short")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openSteps.WithLabelValues("EUR_USD", "long")))
	assert.Equal(t, 10250.0, testutil.ToFloat64(m.equity))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.StepOpened("EUR_USD", "long")
		m.AdmissionRejected("EUR_USD", "max_steps")
		m.Modified("EUR_USD", "lock")
		m.ExecutionFailed("EUR_USD", "open")
		m.Reversal("EUR_USD", "long")
		m.SetOpenSteps("EUR_USD", "long", 0)
		m.SetEquity(0)
	})
	assert.NotNil(t, m.Handler())
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewWith(reg)
	m.StepOpened("GBP_USD", "short")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `pyramid_steps_opened_total{direction="short",instrument="GBP_USD"} 1`))
}
