package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"cyberix-auth-proxy/internal/metrics"
)

// newAuthEcho mimics the service's route set: two callback routes, session
// status and logout.
func newAuthEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	callback := func(c echo.Context) error {
		return c.Redirect(http.StatusTemporaryRedirect, "http://localhost:3000/dashboard")
	}
	e.GET("/api/auth/google/callback", callback)
	e.GET("/api/auth/website/google/callback", callback)
	e.GET("/api/auth/session", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"authenticated": false})
	})
	e.POST("/api/auth/logout", func(c echo.Context) error {
		return c.Redirect(http.StatusSeeOther, "http://localhost:3000/login")
	})
	return e
}

func serve(e *echo.Echo, method, target string) int {
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

// requestCounts returns http_requests_total keyed by "method status route".
func requestCounts(t *testing.T, m *metrics.Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != "cyberix_auth_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			key := labels["method"] + " " + labels["status_code"] + " " + labels["route"]
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func TestMetricsMiddleware_LabelsByRoute(t *testing.T) {
	m := metrics.New()
	e := newAuthEcho(m)

	serve(e, http.MethodGet, "/api/auth/google/callback?code=a")
	serve(e, http.MethodGet, "/api/auth/google/callback?code=b")
	serve(e, http.MethodGet, "/api/auth/website/google/callback?code=c")
	serve(e, http.MethodGet, "/api/auth/session")
	serve(e, http.MethodPost, "/api/auth/logout")

	counts := requestCounts(t, m)
	tests := []struct {
		key  string
		want float64
	}{
		{"GET 307 /api/auth/google/callback", 2},
		{"GET 307 /api/auth/website/google/callback", 1},
		{"GET 200 /api/auth/session", 1},
		{"POST 303 /api/auth/logout", 1},
	}
	for _, tt := range tests {
		if got := counts[tt.key]; got != tt.want {
			t.Errorf("requests{%s} = %v, want %v (all: %v)", tt.key, got, tt.want, counts)
		}
	}
}

func TestMetricsMiddleware_UnmatchedPathsStayBounded(t *testing.T) {
	m := metrics.New()
	e := newAuthEcho(m)

	if code := serve(e, http.MethodGet, "/api/auth/facebook/callback?code=x"); code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", code, http.StatusNotFound)
	}
	serve(e, http.MethodGet, "/wp-login.php")
	serve(e, http.MethodGet, "/random/123")

	counts := requestCounts(t, m)
	if got := counts["GET 404 /api/auth"]; got != 1 {
		t.Errorf("requests{GET 404 /api/auth} = %v, want 1 (all: %v)", got, counts)
	}
	if got := counts["GET 404 other"]; got != 2 {
		t.Errorf("requests{GET 404 other} = %v, want 2 (all: %v)", got, counts)
	}
	for key := range counts {
		if key == "GET 404 /api/auth/facebook/callback" || key == "GET 404 /wp-login.php" {
			t.Errorf("unexpected unbounded series %q", key)
		}
	}
}

func TestMetricsMiddleware_LogoutWrongMethod(t *testing.T) {
	m := metrics.New()
	e := newAuthEcho(m)

	if code := serve(e, http.MethodGet, "/api/auth/logout"); code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", code, http.StatusMethodNotAllowed)
	}

	counts := requestCounts(t, m)
	var total float64
	for key, v := range counts {
		if strings.HasPrefix(key, "GET 405 ") {
			total += v
		}
	}
	if total != 1 {
		t.Errorf("405 requests = %v, want 1 (all: %v)", total, counts)
	}
}

func TestMetricsMiddleware_RecordsCallbackDuration(t *testing.T) {
	m := metrics.New()
	e := newAuthEcho(m)

	serve(e, http.MethodGet, "/api/auth/google/callback?code=x")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "cyberix_auth_proxy_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "route" && lp.GetValue() == "/api/auth/google/callback" &&
					metric.GetHistogram().GetSampleCount() == 1 {
					return
				}
			}
		}
	}
	t.Error("expected one duration sample for the callback route")
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/api/auth/session", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "backend down")
	})

	serve(e, http.MethodGet, "/api/auth/session")

	if got := requestCounts(t, m)["GET 503 /api/auth/session"]; got != 1 {
		t.Errorf("requests{GET 503 /api/auth/session} = %v, want 1", got)
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()
	e := newAuthEcho(m)

	serve(e, http.MethodGet, "/api/auth/session")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "cyberix_auth_proxy_http_requests_in_flight" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("in flight = %v, want 0", v)
			}
			return
		}
	}
	t.Error("in-flight gauge not gathered")
}
