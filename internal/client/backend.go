// Package client provides the HTTP client for the backend session API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"cyberix-auth-proxy/internal/config"
	"cyberix-auth-proxy/internal/metrics"
	"cyberix-auth-proxy/internal/model"
)

// Endpoint label values.
const (
	EndpointCallback = "callback"
	EndpointProfile  = "profile"
	EndpointLogout   = "logout"
)

var (
	// ErrUnexpectedStatus is returned by Profile for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected backend status")
	// ErrNoProfile is returned by Profile when the body carries no user record.
	ErrNoProfile = errors.New("backend returned no user record")
)

// maxBodyBytes caps how much of a backend body is buffered. Callback and
// profile bodies are small JSON documents.
const maxBodyBytes = 64 * 1024

const userAgent = "cyberix-auth-proxy/1.0"

// BackendClient sends requests to the backend session API. It never follows
// redirects so that 3xx responses and their Set-Cookie headers are observed
// as sent.
type BackendClient struct {
	httpClient  *http.Client
	baseURL     *url.URL
	profilePath string
	logoutPath  string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp trace.TracerProvider) (*BackendClient, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:     u,
		profilePath: cfg.Backend.ProfilePath,
		logoutPath:  cfg.Backend.LogoutPath,
		logger:      logger.With("component", "backend_client"),
		metrics:     m,
		tracer:      tp.Tracer("cyberix-auth-proxy/internal/client"),
		propagator:  propagation.TraceContext{},
	}, nil
}

// Callback replays an identity-provider callback against the backend.
// A non-nil error means the backend could not be reached; any HTTP status,
// including errors, is returned as a response.
func (c *BackendClient) Callback(ctx context.Context, path, rawQuery, cookie string) (*model.UpstreamResponse, error) {
	return c.do(ctx, EndpointCallback, http.MethodGet, path, rawQuery, cookie)
}

// Logout forwards a logout to the backend.
func (c *BackendClient) Logout(ctx context.Context, cookie string) (*model.UpstreamResponse, error) {
	return c.do(ctx, EndpointLogout, http.MethodPost, c.logoutPath, "", cookie)
}

// profileEnvelope is the backend profile response body.
type profileEnvelope struct {
	Data *model.Profile `json:"data"`
}

// Profile fetches the current user's profile using the given cookies.
func (c *BackendClient) Profile(ctx context.Context, cookie string) (*model.Profile, error) {
	resp, err := c.do(ctx, EndpointProfile, http.MethodGet, c.profilePath, "", cookie)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var env profileEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if env.Data == nil {
		return nil, ErrNoProfile
	}
	return env.Data, nil
}

func (c *BackendClient) do(ctx context.Context, endpoint, method, path, rawQuery, cookie string) (*model.UpstreamResponse, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery

	ctx, span := c.tracer.Start(ctx, "backend."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.logger.Debug("backend request",
		"endpoint", endpoint,
		"method", method,
		"path", path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(duration)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend request failed")
		return nil, fmt.Errorf("backend %s request: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read backend body")
		return nil, fmt.Errorf("read backend %s body: %w", endpoint, err)
	}
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
