package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"cyberix-auth-proxy/internal/model"
	"cyberix-auth-proxy/internal/service"
)

// AuthHandler serves the identity-provider callback, session status and logout.
type AuthHandler struct {
	callback *service.CallbackService
	session  *service.SessionService
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(cb *service.CallbackService, ss *service.SessionService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		callback: cb,
		session:  ss,
		logger:   logger.With("component", "auth_handler"),
	}
}

// Callback returns a handler that replays the identity-provider redirect
// against backendPath. It always answers with a redirect.
func (h *AuthHandler) Callback(backendPath string) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		out := h.callback.Handle(req.Context(), model.CallbackRequest{
			BackendPath: backendPath,
			RawQuery:    req.URL.RawQuery,
			Cookie:      cookieHeader(req),
		})
		h.logger.Debug("callback handled",
			"path", req.URL.Path,
			"cookies", len(out.Cookies),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return redirect(c, http.StatusTemporaryRedirect, out)
	}
}

// Session reports whether the browser's cookies identify a logged-in user.
func (h *AuthHandler) Session(c echo.Context) error {
	req := c.Request()
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, h.session.Status(req.Context(), cookieHeader(req)))
}

// Logout ends the backend session and sends the browser to the login page.
func (h *AuthHandler) Logout(c echo.Context) error {
	req := c.Request()
	out := h.session.Logout(req.Context(), cookieHeader(req))
	return redirect(c, http.StatusSeeOther, out)
}

func redirect(c echo.Context, code int, out model.Outcome) error {
	for _, ck := range out.Cookies {
		c.SetCookie(ck)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Redirect(code, out.Location)
}

// cookieHeader returns the request's Cookie header; HTTP/2 clients may send
// several.
func cookieHeader(req *http.Request) string {
	return strings.Join(req.Header.Values("Cookie"), "; ")
}
