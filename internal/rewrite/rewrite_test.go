package rewrite

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"cyberix-auth-proxy/internal/config"
)

func newTestRewriter(t *testing.T, mutate func(*config.SiteConfig)) *Rewriter {
	t.Helper()
	cfg := &config.Config{Site: config.SiteConfig{
		PublicOrigin:  "http://localhost:3000",
		LoginPath:     "/login",
		InternalHosts: []string{"localhost:5000", "127.0.0.1:5000", "api.internal"},
		InternalPorts: []int{5000, 5001},
		PathRewrites:  []config.PathRewrite{{From: "/backend-admin", To: "/admin"}},
	}}
	if mutate != nil {
		mutate(&cfg.Site)
	}
	rw, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return rw
}

func TestRewrite(t *testing.T) {
	rw := newTestRewriter(t, nil)

	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"internal host", "http://localhost:5000/dashboard", "http://localhost:3000/dashboard"},
		{"internal host over https", "https://localhost:5000/dashboard?x=1", "http://localhost:3000/dashboard?x=1"},
		{"internal loopback ip", "http://127.0.0.1:5000/profile", "http://localhost:3000/profile"},
		{"internal hostname any port", "http://api.internal:8443/welcome", "http://localhost:3000/welcome"},
		{"admin console path", "http://localhost:5000/backend-admin/users", "http://localhost:3000/admin/users"},
		{"admin console root", "http://localhost:5000/backend-admin", "http://localhost:3000/admin"},
		{"admin prefix is segment bound", "http://localhost:5000/backend-administrator", "http://localhost:3000/backend-administrator"},
		{"other internal port", "http://localhost:5001/x", "http://localhost:3000/x"},
		{"internal port on foreign host", "http://10.0.0.7:5001/x", "http://10.0.0.7:3000/x"},
		{"loopback without port", "http://localhost/dashboard", "http://localhost:3000/dashboard"},
		{"loopback other port", "https://localhost:4000/dashboard", "http://localhost:3000/dashboard"},
		{"relative path", "/dashboard", "http://localhost:3000/dashboard"},
		{"relative with query and fragment", "/dashboard?tab=plans#top", "http://localhost:3000/dashboard?tab=plans#top"},
		{"relative without slash", "dashboard", "http://localhost:3000/dashboard"},
		{"external target untouched", "https://accounts.google.com/o/oauth2/auth?x=1", "https://accounts.google.com/o/oauth2/auth?x=1"},
		{"surrounding whitespace", "  /dashboard ", "http://localhost:3000/dashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rw.Rewrite(tt.location)
			if err != nil {
				t.Fatalf("Rewrite(%q) error = %v", tt.location, err)
			}
			if got != tt.want {
				t.Errorf("Rewrite(%q) = %q, want %q", tt.location, got, tt.want)
			}
		})
	}
}

func TestRewrite_NeverLeaksInternalPort(t *testing.T) {
	rw := newTestRewriter(t, nil)
	for _, loc := range []string{
		"http://localhost:5000/",
		"https://localhost:5000/a/b?c=d",
		"http://127.0.0.1:5000/backend-admin",
		"http://localhost:5001/",
		"//localhost:5000/dashboard",
		"http://localhost:5000/auth/done?next=http://localhost:5000/dashboard",
		"/auth/done?next=http%3A%2F%2F127.0.0.1%3A5000%2Fprofile&tab=1",
	} {
		got, err := rw.Rewrite(loc)
		if err != nil {
			t.Fatalf("Rewrite(%q) error = %v", loc, err)
		}
		u, err := url.Parse(got)
		if err != nil {
			t.Fatalf("parse %q: %v", got, err)
		}
		if u.Port() == "5000" || u.Port() == "5001" {
			t.Errorf("Rewrite(%q) = %q leaks internal port", loc, got)
		}
		if u.Host != "localhost:3000" {
			t.Errorf("Rewrite(%q) host = %q, want localhost:3000", loc, u.Host)
		}
		if strings.Contains(got, "5000") || strings.Contains(got, "5001") {
			t.Errorf("Rewrite(%q) = %q leaks internal port in query", loc, got)
		}
	}
}

func TestRewrite_QueryValues(t *testing.T) {
	rw := newTestRewriter(t, nil)

	tests := []struct {
		name     string
		location string
		wantNext string
	}{
		{"internal next", "http://localhost:5000/auth/done?next=http://localhost:5000/dashboard", "http://localhost:3000/dashboard"},
		{"internal admin next", "/auth/done?next=http://api.internal/backend-admin/users", "http://localhost:3000/admin/users"},
		{"external next untouched", "/auth/done?next=https://accounts.google.com/x", "https://accounts.google.com/x"},
		{"plain value untouched", "/auth/done?next=dashboard", "dashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rw.Rewrite(tt.location)
			if err != nil {
				t.Fatalf("Rewrite(%q) error = %v", tt.location, err)
			}
			u, err := url.Parse(got)
			if err != nil {
				t.Fatalf("parse %q: %v", got, err)
			}
			if next := u.Query().Get("next"); next != tt.wantNext {
				t.Errorf("next = %q, want %q", next, tt.wantNext)
			}
		})
	}
}

func TestRewrite_UnchangedQueryKeepsOrder(t *testing.T) {
	rw := newTestRewriter(t, nil)

	got, err := rw.Rewrite("/dashboard?z=1&a=2")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got != "http://localhost:3000/dashboard?z=1&a=2" {
		t.Errorf("Rewrite() = %q, want query order preserved", got)
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	rw := newTestRewriter(t, nil)
	for _, loc := range []string{
		"http://localhost:5000/backend-admin/x?y=1",
		"/dashboard",
		"https://cyberix.example/p",
		"/done?next=http://localhost:5000/a&b=1",
	} {
		once, err := rw.Rewrite(loc)
		if err != nil {
			t.Fatalf("Rewrite(%q) error = %v", loc, err)
		}
		twice, err := rw.Rewrite(once)
		if err != nil {
			t.Fatalf("Rewrite(%q) error = %v", once, err)
		}
		if once != twice {
			t.Errorf("Rewrite not idempotent: %q -> %q -> %q", loc, once, twice)
		}
	}
}

func TestRewrite_Invalid(t *testing.T) {
	rw := newTestRewriter(t, nil)
	for _, loc := range []string{"", "   ", "javascript:alert(1)", "http://[::1", "mailto:a@b.c"} {
		if _, err := rw.Rewrite(loc); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("Rewrite(%q) error = %v, want ErrInvalidLocation", loc, err)
		}
	}
}

func TestRewrite_PublicHTTPSOrigin(t *testing.T) {
	rw := newTestRewriter(t, func(s *config.SiteConfig) {
		s.PublicOrigin = "https://cyberix.example"
		s.InternalHosts = []string{"api.internal"}
	})

	got, err := rw.Rewrite("http://api.internal:5000/dashboard")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got != "https://cyberix.example/dashboard" {
		t.Errorf("Rewrite() = %q, want https://cyberix.example/dashboard", got)
	}
}

func TestRewrite_CanonicalPortOverride(t *testing.T) {
	rw := newTestRewriter(t, func(s *config.SiteConfig) { s.CanonicalPort = 3001 })

	got, err := rw.Rewrite("http://localhost:3000/dashboard")
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got != "http://localhost:3001/dashboard" {
		t.Errorf("Rewrite() = %q, want canonical port 3001", got)
	}
}

func TestLoginAndRoot(t *testing.T) {
	rw := newTestRewriter(t, nil)

	login := rw.Login("Invalid code & more")
	u, err := url.Parse(login)
	if err != nil {
		t.Fatalf("parse %q: %v", login, err)
	}
	if u.Host != "localhost:3000" || u.Path != "/login" {
		t.Errorf("Login() = %q, want public /login", login)
	}
	if got := u.Query().Get("error"); got != "Invalid code & more" {
		t.Errorf("error param = %q, want decoded message", got)
	}
	if strings.Contains(login, " ") {
		t.Errorf("Login() = %q, message must be encoded", login)
	}

	if got := rw.Login(""); got != "http://localhost:3000/login" {
		t.Errorf("Login(\"\") = %q", got)
	}
	if got := rw.Root(); got != "http://localhost:3000/" {
		t.Errorf("Root() = %q", got)
	}
	if got := rw.Origin(); got != "http://localhost:3000" {
		t.Errorf("Origin() = %q", got)
	}
}

func TestNew_RejectsRelativeOrigin(t *testing.T) {
	_, err := New(&config.Config{Site: config.SiteConfig{PublicOrigin: "/site"}})
	if err == nil {
		t.Fatal("New() expected error for relative public origin, got nil")
	}
}
