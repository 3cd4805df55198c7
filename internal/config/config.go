// Package config handles TOML configuration loading, environment overrides
// and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cyberix-auth-proxy/config.toml",
	"configs/config.toml",
}

// Environment names accepted in site.environment / APP_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// devBackendURL is only used when running in development without a backend URL.
const devBackendURL = "http://localhost:5000"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL  string `kong:"help='Backend API base URL (overrides config and BACKEND_API_URL).'"`
	Environment string `kong:"help='Deployment environment: development|production (overrides config and APP_ENV).'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Site      SiteConfig      `toml:"site"`
	Routes    []RouteConfig   `toml:"routes"`
	Cookies   CookieConfig    `toml:"cookies"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the auth routes.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig holds backend session API settings.
type BackendConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	ProfilePath     string `toml:"profile_path"`
	LogoutPath      string `toml:"logout_path"`
}

// SiteConfig describes the public-facing site and the internal addresses
// that must never leak into browser redirects.
type SiteConfig struct {
	Environment   string        `toml:"environment"`
	PublicOrigin  string        `toml:"public_origin"`
	CanonicalPort int           `toml:"canonical_port"` // 0 means "port of public_origin"
	LoginPath     string        `toml:"login_path"`
	InternalHosts []string      `toml:"internal_hosts"` // "host" or "host:port"
	InternalPorts []int         `toml:"internal_ports"`
	PathRewrites  []PathRewrite `toml:"path_rewrite"`
}

// PathRewrite maps an internal path prefix to its public equivalent.
type PathRewrite struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// RouteConfig maps an inbound callback route to a backend callback path.
type RouteConfig struct {
	Path        string `toml:"path"`
	BackendPath string `toml:"backend_path"`
}

// CookieConfig holds settings for client-readable display cookies.
type CookieConfig struct {
	DisplayTTLHours int `toml:"display_ttl_hours"`
	// ForwardIssued sends cookies issued by the callback to the profile
	// lookup in addition to the browser's original cookies.
	ForwardIssued bool `toml:"forward_issued"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"` // empty disables tracing
	ServiceName string `toml:"service_name"`
}

// envOverrides holds raw environment values applied on top of the file.
type envOverrides struct {
	BackendURL   string `env:"BACKEND_API_URL"`
	Environment  string `env:"APP_ENV"`
	PublicOrigin string `env:"PUBLIC_ORIGIN"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Production reports whether the site runs in production mode.
func (s *SiteConfig) Production() bool {
	return strings.EqualFold(s.Environment, EnvProduction)
}

// Load reads the TOML config file, applies environment and CLI overrides,
// then fills defaults and validates. The file is optional: when none is
// given or found, the service is configured from the environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides config values with non-empty environment variables.
func (c *Config) applyEnv() error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if raw.BackendURL != "" {
		c.Backend.BaseURL = raw.BackendURL
	}
	if raw.Environment != "" {
		c.Site.Environment = raw.Environment
	}
	if raw.PublicOrigin != "" {
		c.Site.PublicOrigin = raw.PublicOrigin
	}
	if raw.OTLPEndpoint != "" {
		c.Telemetry.Endpoint = raw.OTLPEndpoint
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.Environment != "" {
		c.Site.Environment = cli.Environment
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Site.Environment) {
	case EnvDevelopment, EnvProduction:
		// valid
	default:
		return fmt.Errorf("site.environment must be one of: development, production; got %q", c.Site.Environment)
	}

	// A production deployment must name its backend explicitly.
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required in production (set BACKEND_API_URL)")
	}
	if err := validateOrigin("backend.base_url", c.Backend.BaseURL); err != nil {
		return err
	}
	if err := validateOrigin("site.public_origin", c.Site.PublicOrigin); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Site.CanonicalPort < 0 || c.Site.CanonicalPort > 65535 {
		return fmt.Errorf("site.canonical_port must be 0–65535; got %d", c.Site.CanonicalPort)
	}
	for _, p := range c.Site.InternalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("site.internal_ports must be 1–65535; got %d", p)
		}
	}
	if c.Cookies.DisplayTTLHours < 0 {
		return fmt.Errorf("cookies.display_ttl_hours must be non-negative; got %d", c.Cookies.DisplayTTLHours)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Paths.
	for name, p := range map[string]string{
		"backend.profile_path": c.Backend.ProfilePath,
		"backend.logout_path":  c.Backend.LogoutPath,
		"site.login_path":      c.Site.LoginPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}
	for _, pr := range c.Site.PathRewrites {
		if !strings.HasPrefix(pr.From, "/") || !strings.HasPrefix(pr.To, "/") {
			return fmt.Errorf("site.path_rewrite entries must start with '/'; got %q -> %q", pr.From, pr.To)
		}
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") || !strings.HasPrefix(r.BackendPath, "/") {
			return fmt.Errorf("routes entries must start with '/'; got %q -> %q", r.Path, r.BackendPath)
		}
		if seen[r.Path] {
			return fmt.Errorf("routes: duplicate path %q", r.Path)
		}
		seen[r.Path] = true
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.ReservedPaths() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Site.Environment == "" {
		c.Site.Environment = EnvDevelopment
	}
	c.Site.Environment = strings.ToLower(c.Site.Environment)
	if c.Backend.BaseURL == "" && !c.Site.Production() {
		c.Backend.BaseURL = devBackendURL
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 30
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Backend.ProfilePath == "" {
		c.Backend.ProfilePath = "/api/auth/me"
	}
	if c.Backend.LogoutPath == "" {
		c.Backend.LogoutPath = "/api/auth/logout"
	}
	if c.Site.PublicOrigin == "" {
		c.Site.PublicOrigin = "http://localhost:3000"
	}
	if c.Site.LoginPath == "" {
		c.Site.LoginPath = "/login"
	}
	if c.Site.InternalHosts == nil {
		c.Site.InternalHosts = []string{"localhost:5000", "127.0.0.1:5000"}
	}
	if c.Site.InternalPorts == nil {
		c.Site.InternalPorts = []int{5000}
	}
	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{
			{Path: "/api/auth/google/callback", BackendPath: "/api/auth/google/callback"},
			{Path: "/api/auth/website/google/callback", BackendPath: "/api/auth/google/website/callback"},
		}
	}
	if c.Cookies.DisplayTTLHours == 0 {
		c.Cookies.DisplayTTLHours = 7 * 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "cyberix-auth-proxy"
	}
}

// ReservedPaths lists the routes served by the proxy itself.
func (c *Config) ReservedPaths() []string {
	paths := []string{"/api/auth/session", "/api/auth/logout", "/healthz", "/proxy/status"}
	for _, r := range c.Routes {
		paths = append(paths, r.Path)
	}
	return paths
}

func validateOrigin(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", name, raw)
	}
	return nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
