// Package handler exposes the auth proxy over HTTP.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cyberix-auth-proxy/internal/config"
	"cyberix-auth-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, auth *AuthHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	for _, r := range cfg.Routes {
		e.GET(r.Path, auth.Callback(r.BackendPath))
	}
	e.GET("/api/auth/session", auth.Session)
	e.POST("/api/auth/logout", auth.Logout)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
