// Package model defines shared types for the auth proxy.
package model

import (
	"net/http"
)

// CallbackRequest is an identity-provider redirect to be replayed against the backend.
type CallbackRequest struct {
	BackendPath string // backend callback path for the route that received the request
	RawQuery    string // forwarded verbatim
	Cookie      string // may be empty for anonymous browsers
}

// UpstreamResponse is the backend's raw reply. Redirects are never followed,
// so a 3xx carries its own Location and Set-Cookie headers.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsRedirect reports whether the status falls in the 3xx band.
func (r *UpstreamResponse) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// IsError reports whether the status is 4xx or above.
func (r *UpstreamResponse) IsError() bool {
	return r.StatusCode >= 400
}

// Profile is the subset of the backend user record used for display cookies.
type Profile struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Outcome is the browser-facing result of a proxied auth exchange.
type Outcome struct {
	Location string
	Cookies  []*http.Cookie
}
