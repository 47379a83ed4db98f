package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

func TestRequestMetrics_LabelByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewServer(FromStore(store.NewMemory()), logging.Nop(), &Config{Gatherer: reg, Registerer: reg})
	require.NoError(t, err)

	for _, path := range []string{"/health", "/api/v1/deployments/dep-1", "/api/v1/deployments/dep-2"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
# HELP autodeploy_http_requests_total API requests by method, route and status code.
# TYPE autodeploy_http_requests_total counter
autodeploy_http_requests_total{code="200",method="GET",route="/health"} 1
autodeploy_http_requests_total{code="404",method="GET",route="/api/v1/deployments/:id"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "autodeploy_http_requests_total"))

	n, err := testutil.GatherAndCount(reg, "autodeploy_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one histogram per route")
}

func TestRequestMetrics_HandlerErrorStatus(t *testing.T) {
	m := newRequestMetrics(nil)
	e := echo.New()
	e.Use(m.middleware())
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/boom", "418")))
	assert.Zero(t, testutil.ToFloat64(m.inFlight))
}
