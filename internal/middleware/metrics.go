package middleware

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"cyberix-auth-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests are labelled with the matched route
// pattern, so every configured callback route gets its own series. Paths
// that match no registered route fall back to a bounded prefix.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	var (
		once   sync.Once
		routes map[string]bool
	)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Routes are registered after the middleware chain is built.
			once.Do(func() { routes = registeredRoutes(c.Echo()) })

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written later by Echo's error handler.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			route := c.Path()
			if !routes[route] || errors.Is(err, echo.ErrNotFound) {
				route = metrics.NormalizePath(c.Request().URL.Path)
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)

			m.RequestsTotal.WithLabelValues(method, status, route).Inc()
			m.RequestDuration.WithLabelValues(method, status, route).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

func registeredRoutes(e *echo.Echo) map[string]bool {
	out := make(map[string]bool)
	for _, r := range e.Routes() {
		out[r.Path] = true
	}
	return out
}
