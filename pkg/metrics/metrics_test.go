package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObservePublish("A", 0.1, true)
		m.BridgeMessage("b", "out", "observation")
		m.BridgeRestart("b")
		m.BridgeState("b", 3)
		m.BridgeQueued("b", 2)
	})
	assert.Nil(t, m.Registry())
}

func TestObservePublishCountsFailures(t *testing.T) {
	m := New()

	m.ObservePublish("A", 0.01, false)
	m.ObservePublish("A", 0.01, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishTotal.WithLabelValues("A")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.observerErrors.WithLabelValues("A")))
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a := New()
	b := New()

	a.BridgeRestart("x")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.bridgeRestarts.WithLabelValues("x")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.bridgeRestarts.WithLabelValues("x")))
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.BridgeMessage("banana", "in", "publication")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `busbridge_bridge_messages_total{bridge="banana",direction="in",kind="publication"} 1`)
}
