// Package cookie translates backend Set-Cookie directives into cookies the
// public site can issue on its own origin.
package cookie

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMalformed is returned for a directive whose name or value cannot be parsed.
var ErrMalformed = errors.New("malformed cookie directive")

// SameSite is the normalized same-site policy of a directive.
type SameSite string

const (
	SameSiteLax    SameSite = "lax"
	SameSiteStrict SameSite = "strict"
	SameSiteNone   SameSite = "none"
)

// Directive is one parsed Set-Cookie entry. Path is always "/" and Domain is
// never carried over, so the browser binds the cookie to the public host.
type Directive struct {
	Name     string
	Value    string
	Quoted   bool
	HttpOnly bool
	Secure   bool
	SameSite SameSite

	// MaxAge is only meaningful when HasMaxAge is set; otherwise the
	// directive is a session cookie. Zero expires the cookie immediately.
	MaxAge    int
	HasMaxAge bool
}

// Parse parses a single Set-Cookie directive. Expires is converted to a
// relative Max-Age against now, floored at zero.
func Parse(raw string, now time.Time) (Directive, error) {
	c, err := http.ParseSetCookie(raw)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d := Directive{
		Name:     c.Name,
		Value:    c.Value,
		Quoted:   c.Quoted,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
		SameSite: sameSiteFrom(c.SameSite),
	}

	switch {
	case c.MaxAge > 0:
		d.MaxAge, d.HasMaxAge = c.MaxAge, true
	case c.MaxAge < 0:
		// net/http reports Max-Age=0 and negative values as -1.
		d.MaxAge, d.HasMaxAge = 0, true
	case !c.Expires.IsZero():
		d.MaxAge, d.HasMaxAge = remainingSeconds(c.Expires, now), true
	}

	return d, nil
}

// Translate splits and parses every Set-Cookie value. Directives that fail to
// parse are reported in errs and do not affect the others.
func Translate(values []string, now time.Time) (directives []Directive, errs []error) {
	for _, raw := range SplitAll(values) {
		d, err := Parse(raw, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		directives = append(directives, d)
	}
	return directives, errs
}

// HTTPCookie builds the cookie to emit on the outgoing response.
func (d Directive) HTTPCookie() *http.Cookie {
	c := &http.Cookie{
		Name:     d.Name,
		Value:    d.Value,
		Quoted:   d.Quoted,
		Path:     "/",
		HttpOnly: d.HttpOnly,
		Secure:   d.Secure,
		SameSite: d.SameSite.mode(),
	}
	if d.HasMaxAge {
		if d.MaxAge > 0 {
			c.MaxAge = d.MaxAge
		} else {
			c.MaxAge = -1
		}
	}
	return c
}

// Display builds a script-readable cookie. Secure and strict same-site are
// only applied in production so the site keeps working over plain http
// during local development.
func Display(name, value string, production bool, ttl time.Duration) Directive {
	d := Directive{
		Name:      name,
		Value:     EncodeComponent(value),
		Secure:    production,
		SameSite:  SameSiteLax,
		MaxAge:    int(ttl / time.Second),
		HasMaxAge: true,
	}
	if production {
		d.SameSite = SameSiteStrict
	}
	return d
}

// componentUnescapes restores the marks that URI component encoding leaves
// as-is but url.QueryEscape escapes.
var componentUnescapes = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// EncodeComponent percent-encodes s as a URI component: everything except
// ASCII letters, digits and - _ . ! ~ * ' ( ) is escaped, so the site's
// decodeURIComponent reads the value back unchanged.
func EncodeComponent(s string) string {
	return componentUnescapes.Replace(url.QueryEscape(s))
}

// Expire returns a directive that deletes a display cookie.
func Expire(name string, production bool) Directive {
	return Display(name, "", production, 0)
}

// DisplayName joins first and last name, falling back to the local part of
// the email and then to "User".
func DisplayName(email, firstName, lastName string) string {
	if name := strings.TrimSpace(strings.TrimSpace(firstName) + " " + strings.TrimSpace(lastName)); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(strings.TrimSpace(email), "@"); local != "" {
		return local
	}
	return "User"
}

func remainingSeconds(expires, now time.Time) int {
	d := expires.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

func sameSiteFrom(m http.SameSite) SameSite {
	switch m {
	case http.SameSiteStrictMode:
		return SameSiteStrict
	case http.SameSiteNoneMode:
		return SameSiteNone
	default:
		return SameSiteLax
	}
}

func (s SameSite) mode() http.SameSite {
	switch s {
	case SameSiteStrict:
		return http.SameSiteStrictMode
	case SameSiteNone:
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
