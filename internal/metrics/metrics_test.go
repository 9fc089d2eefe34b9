package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Handshakes.WithLabelValues("ok").Inc()
	a.Handshakes.WithLabelValues("ok").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Handshakes.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Handshakes.WithLabelValues("ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RingConnections.Set(3)
	m.Operations.WithLabelValues("put", "success").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ringnet_ring_connections 3")
	assert.Contains(t, body, `ringnet_ops_completed_total{outcome="success",type="put"} 1`)
}
