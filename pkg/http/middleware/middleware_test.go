package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	applogger "FinAgent/pkg/logger"
)

func TestHTTPMetricsLabelsByRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(Recover(applogger.NewNop()), RequestLogging(applogger.NewNop(), time.Second), m.Middleware())
	e.GET("/api/items/:id", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/boom", func(c echo.Context) error { panic("boom") })

	for _, path := range []string{"/api/items/1", "/api/items/2"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/api/items/:id", http.MethodGet, "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("/api/items/:id", http.MethodGet)))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
}
