package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddlewareCountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/orders/:orderId", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/orders/:orderId", "4xx")
	before := readCounter(t, counter.Write)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/abc", nil))

	assert.Equal(t, before+1, readCounter(t, counter.Write))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	WebhookEventsTotal.WithLabelValues("funded").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"escrowd_active_websocket_clients",
		"escrowd_notify_queue_depth",
		"escrowd_webhook_events_total",
	} {
		assert.True(t, strings.Contains(body, name), "expected %s in metrics output", name)
	}
}

func readCounter(t *testing.T, write func(*dto.Metric) error) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, write(m))
	return m.GetCounter().GetValue()
}
