package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"cyberix-auth-proxy/internal/config"
	"cyberix-auth-proxy/internal/cookie"
	"cyberix-auth-proxy/internal/model"
	"cyberix-auth-proxy/internal/rewrite"
)

// SessionStatus answers the site's "is the user logged in" check.
type SessionStatus struct {
	Authenticated bool         `json:"authenticated"`
	User          *SessionUser `json:"user,omitempty"`
}

// SessionUser carries the display fields of the logged-in user.
type SessionUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SessionService serves session status checks and logout.
type SessionService struct {
	backend  Backend
	rewriter *rewrite.Rewriter
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionService creates a SessionService.
func NewSessionService(b Backend, rw *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger) *SessionService {
	return &SessionService{
		backend:  b,
		rewriter: rw,
		cfg:      cfg,
		logger:   logger.With("component", "session_service"),
		now:      time.Now,
	}
}

// Status reports whether the browser's cookies identify a user. A browser
// without cookies is anonymous without asking the backend.
func (s *SessionService) Status(ctx context.Context, cookieHeader string) SessionStatus {
	if strings.TrimSpace(cookieHeader) == "" {
		return SessionStatus{}
	}

	p, err := s.backend.Profile(ctx, cookieHeader)
	if err != nil {
		s.logger.Debug("session lookup failed", "err", err)
		return SessionStatus{}
	}

	return SessionStatus{
		Authenticated: true,
		User: &SessionUser{
			Email: p.Email,
			Name:  cookie.DisplayName(p.Email, p.FirstName, p.LastName),
		},
	}
}

// Logout forwards the logout to the backend, passes on the cookies it
// clears and always expires the display cookies. The browser lands on the
// login page even when the backend is unreachable.
func (s *SessionService) Logout(ctx context.Context, cookieHeader string) model.Outcome {
	var directives []cookie.Directive

	resp, err := s.backend.Logout(ctx, cookieHeader)
	switch {
	case err != nil:
		s.logger.Error("backend logout failed", "err", err)
	case resp.IsError():
		s.logger.Warn("backend rejected logout", "status", resp.StatusCode, "message", errorMessage(resp.Body))
		fallthrough
	default:
		var errs []error
		directives, errs = cookie.Translate(resp.Header.Values("Set-Cookie"), s.now())
		for _, err := range errs {
			s.logger.Warn("skipping backend cookie", "err", err)
		}
	}

	prod := s.cfg.Site.Production()
	directives = append(directives,
		cookie.Expire(UserEmailCookie, prod),
		cookie.Expire(UserNameCookie, prod),
	)

	return model.Outcome{Location: s.rewriter.Login(""), Cookies: httpCookies(directives)}
}
