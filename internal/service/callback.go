// Package service implements the auth proxy flows: the identity-provider
// callback, session status and logout.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"cyberix-auth-proxy/internal/config"
	"cyberix-auth-proxy/internal/cookie"
	"cyberix-auth-proxy/internal/metrics"
	"cyberix-auth-proxy/internal/model"
	"cyberix-auth-proxy/internal/rewrite"
)

// Display cookie names read by the site's client-side scripts.
const (
	UserEmailCookie = "userEmail"
	UserNameCookie  = "userName"
)

// User-facing messages carried in the login page's error parameter.
const (
	MsgAuthFailed     = "Authentication failed"
	MsgBackendTimeout = "Authentication service timed out, please try again"
	MsgBackendDown    = "Authentication service is unavailable, please try again later"
	MsgCanceled       = "Authentication was interrupted, please try again"
)

// Backend is the subset of the backend session API used by the services.
type Backend interface {
	Callback(ctx context.Context, path, rawQuery, cookie string) (*model.UpstreamResponse, error)
	Profile(ctx context.Context, cookie string) (*model.Profile, error)
	Logout(ctx context.Context, cookie string) (*model.UpstreamResponse, error)
}

// EnrichmentResult is the outcome of the best-effort profile lookup. A failed
// lookup only means the display cookies are omitted.
type EnrichmentResult struct {
	Profile *model.Profile
	Err     error
}

// OK reports whether a usable profile was fetched.
func (r EnrichmentResult) OK() bool {
	return r.Err == nil && r.Profile != nil
}

// CallbackService turns a backend callback response into a browser redirect.
type CallbackService struct {
	backend  Backend
	rewriter *rewrite.Rewriter
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewCallbackService creates a CallbackService. The metrics parameter is
// optional; pass nil to disable outcome recording.
func NewCallbackService(b Backend, rw *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *CallbackService {
	return &CallbackService{
		backend:  b,
		rewriter: rw,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "callback_service"),
		now:      time.Now,
	}
}

// Handle replays the callback against the backend and always produces a
// redirect: to the rewritten backend target on 3xx, to the login page with
// an error message on 4xx+ or any failure, and to the site root otherwise.
func (s *CallbackService) Handle(ctx context.Context, req model.CallbackRequest) (out model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panic", "panic", fmt.Sprint(r), "path", req.BackendPath)
			out = s.fail(MsgAuthFailed)
		}
	}()

	resp, err := s.backend.Callback(ctx, req.BackendPath, req.RawQuery, req.Cookie)
	if err != nil {
		msg := failureMessage(err)
		s.logger.Error("backend callback failed",
			"err", err,
			"path", req.BackendPath,
			"user_message", msg,
		)
		return s.fail(msg)
	}

	switch {
	case resp.IsRedirect():
		return s.redirect(ctx, req, resp)
	case resp.IsError():
		msg := errorMessage(resp.Body)
		s.logger.Warn("backend rejected callback",
			"status", resp.StatusCode,
			"message", msg,
			"path", req.BackendPath,
		)
		s.countOutcome(metrics.OutcomeError)
		return model.Outcome{Location: s.rewriter.Login(msg)}
	default:
		s.logger.Info("backend callback returned no redirect", "status", resp.StatusCode)
		s.countOutcome(metrics.OutcomeNoRedirect)
		return model.Outcome{Location: s.rewriter.Root()}
	}
}

func (s *CallbackService) redirect(ctx context.Context, req model.CallbackRequest, resp *model.UpstreamResponse) model.Outcome {
	location, err := s.rewriter.Rewrite(resp.Header.Get("Location"))
	if err != nil {
		s.logger.Error("rewrite backend location", "err", err, "location", resp.Header.Get("Location"))
		return s.fail(MsgAuthFailed)
	}

	directives := s.translate(resp.Header.Values("Set-Cookie"))

	lookupCookie := req.Cookie
	if s.cfg.Cookies.ForwardIssued {
		lookupCookie = mergeCookieHeader(req.Cookie, directives)
	}
	if res := s.enrich(ctx, lookupCookie); res.OK() {
		directives = append(directives, s.displayCookies(res.Profile)...)
	}

	s.countOutcome(metrics.OutcomeRedirect)
	return model.Outcome{Location: location, Cookies: httpCookies(directives)}
}

// translate parses backend Set-Cookie values, skipping malformed directives.
func (s *CallbackService) translate(values []string) []cookie.Directive {
	directives, errs := cookie.Translate(values, s.now())
	for _, err := range errs {
		s.logger.Warn("skipping backend cookie", "err", err)
	}
	if s.metrics != nil {
		s.metrics.CookieTranslations.WithLabelValues("translated").Add(float64(len(directives)))
		s.metrics.CookieTranslations.WithLabelValues("skipped").Add(float64(len(errs)))
	}
	return directives
}

// enrich looks up the user profile. Failures are logged and returned in the
// result; they never affect the redirect.
func (s *CallbackService) enrich(ctx context.Context, cookieHeader string) EnrichmentResult {
	p, err := s.backend.Profile(ctx, cookieHeader)
	res := EnrichmentResult{Profile: p, Err: err}

	result := "ok"
	if !res.OK() {
		result = "failed"
		s.logger.Warn("profile enrichment failed", "err", err)
	}
	if s.metrics != nil {
		s.metrics.EnrichmentResults.WithLabelValues(result).Inc()
	}
	return res
}

func (s *CallbackService) displayCookies(p *model.Profile) []cookie.Directive {
	prod := s.cfg.Site.Production()
	ttl := time.Duration(s.cfg.Cookies.DisplayTTLHours) * time.Hour

	var out []cookie.Directive
	if email := strings.TrimSpace(p.Email); email != "" {
		out = append(out, cookie.Display(UserEmailCookie, email, prod, ttl))
	}
	name := cookie.DisplayName(p.Email, p.FirstName, p.LastName)
	return append(out, cookie.Display(UserNameCookie, name, prod, ttl))
}

func (s *CallbackService) fail(msg string) model.Outcome {
	s.countOutcome(metrics.OutcomeFailure)
	return model.Outcome{Location: s.rewriter.Login(msg)}
}

func (s *CallbackService) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.CallbackOutcomes.WithLabelValues(outcome).Inc()
	}
}

// errorEnvelope is the backend error body: {"error":{"message":"..."}}.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// errorMessage extracts the backend error message, falling back to a
// generic one when the body is not the expected JSON.
func errorMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return MsgAuthFailed
	}
	if msg := strings.TrimSpace(env.Error.Message); msg != "" {
		return msg
	}
	return MsgAuthFailed
}

// failureMessage maps a transport error to a message safe to show a user.
func failureMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return MsgCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MsgBackendTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return MsgBackendTimeout
		}
		return MsgBackendDown
	}
	return MsgAuthFailed
}

// mergeCookieHeader adds freshly issued cookies to a Cookie request header.
// Issued values replace browser values of the same name; deletions drop them.
func mergeCookieHeader(original string, issued []cookie.Directive) string {
	var pairs []string
	seen := make(map[string]bool, len(issued))
	for _, d := range issued {
		seen[d.Name] = true
		if d.HasMaxAge && d.MaxAge == 0 {
			continue
		}
		pairs = append(pairs, d.Name+"="+d.Value)
	}
	for _, p := range strings.Split(original, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if name, _, _ := strings.Cut(p, "="); seen[name] {
			continue
		}
		pairs = append(pairs, p)
	}
	return strings.Join(pairs, "; ")
}

func httpCookies(directives []cookie.Directive) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(directives))
	for _, d := range directives {
		out = append(out, d.HTTPCookie())
	}
	return out
}
