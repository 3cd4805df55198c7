// Package rewrite maps backend redirect targets onto the public site origin.
package rewrite

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"cyberix-auth-proxy/internal/config"
)

// ErrInvalidLocation is returned when a redirect target cannot be parsed or
// does not resolve to an http(s) URL.
var ErrInvalidLocation = errors.New("invalid redirect location")

const loopbackHost = "localhost"

// Rewriter rewrites redirect targets using a parsed URL model.
type Rewriter struct {
	public        *url.URL
	canonicalPort string
	loginPath     string
	internalHosts []string
	internalPorts map[string]bool
	pathRewrites  []config.PathRewrite
}

// New builds a Rewriter from the site configuration.
func New(cfg *config.Config) (*Rewriter, error) {
	site := cfg.Site
	public, err := url.Parse(site.PublicOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse site.public_origin: %w", err)
	}
	if public.Scheme == "" || public.Host == "" {
		return nil, fmt.Errorf("site.public_origin must be absolute; got %q", site.PublicOrigin)
	}
	public = &url.URL{Scheme: public.Scheme, Host: public.Host}

	port := public.Port()
	if site.CanonicalPort != 0 {
		port = strconv.Itoa(site.CanonicalPort)
	}
	if port == "" {
		port = defaultPort(public.Scheme)
	}

	ports := make(map[string]bool, len(site.InternalPorts))
	for _, p := range site.InternalPorts {
		ports[strconv.Itoa(p)] = true
	}

	hosts := make([]string, 0, len(site.InternalHosts))
	for _, h := range site.InternalHosts {
		hosts = append(hosts, strings.ToLower(h))
	}

	loginPath := site.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}

	return &Rewriter{
		public:        public,
		canonicalPort: port,
		loginPath:     loginPath,
		internalHosts: hosts,
		internalPorts: ports,
		pathRewrites:  site.PathRewrites,
	}, nil
}

// Rewrite maps a backend Location value onto the public origin. References
// to internal hosts become the public origin, relative targets resolve
// against the public origin, and internal ports become the canonical port.
func (r *Rewriter) Rewrite(location string) (string, error) {
	loc := strings.TrimSpace(location)
	if loc == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}

	switch {
	case u.Host == "" && u.Scheme == "":
		u = r.public.ResolveReference(u)
	case u.Scheme == "":
		// Scheme-relative "//host/path".
		u.Scheme = r.public.Scheme
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidLocation, u.Scheme)
	}

	r.rewriteAbsolute(u)
	r.rewriteQuery(u)

	return u.String(), nil
}

// Login returns the public login page URL carrying an error message.
func (r *Rewriter) Login(message string) string {
	ref := &url.URL{Path: r.loginPath}
	if message != "" {
		ref.RawQuery = url.Values{"error": {message}}.Encode()
	}
	return r.public.ResolveReference(ref).String()
}

// Root returns the public site root URL.
func (r *Rewriter) Root() string {
	return r.public.ResolveReference(&url.URL{Path: "/"}).String()
}

// Origin returns the public origin, e.g. "http://localhost:3000".
func (r *Rewriter) Origin() string {
	return r.public.String()
}

// rewriteAbsolute moves an absolute http(s) URL off internal hosts and ports.
func (r *Rewriter) rewriteAbsolute(u *url.URL) {
	switch {
	case r.isInternalHost(u):
		u.Scheme = r.public.Scheme
		u.Host = r.public.Host
	case r.internalPorts[u.Port()]:
		u.Host = net.JoinHostPort(u.Hostname(), r.canonicalPort)
	}

	if p, ok := r.rewritePath(u.Path); ok {
		u.Path = p
		u.RawPath = ""
	}

	// The loopback host always serves the public site on the canonical port.
	if strings.EqualFold(u.Hostname(), loopbackHost) {
		u.Scheme = "http"
		u.Host = net.JoinHostPort(loopbackHost, r.canonicalPort)
	}
}

// rewriteQuery applies rewriteAbsolute to query values that are absolute
// http(s) URLs, such as a "next" or "redirect_uri" parameter. The query is
// only re-encoded when a value changed.
func (r *Rewriter) rewriteQuery(u *url.URL) {
	if u.RawQuery == "" {
		return
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return
	}

	changed := false
	for key, values := range q {
		for i, v := range values {
			inner, err := url.Parse(v)
			if err != nil || inner.Host == "" || (inner.Scheme != "http" && inner.Scheme != "https") {
				continue
			}
			r.rewriteAbsolute(inner)
			if s := inner.String(); s != v {
				q[key][i] = s
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
}

func (r *Rewriter) isInternalHost(u *url.URL) bool {
	host := strings.ToLower(u.Host)
	name := strings.ToLower(u.Hostname())
	for _, h := range r.internalHosts {
		if strings.Contains(h, ":") {
			if h == host {
				return true
			}
			continue
		}
		if h == name {
			return true
		}
	}
	return false
}

func (r *Rewriter) rewritePath(p string) (string, bool) {
	for _, pr := range r.pathRewrites {
		if p == pr.From {
			return pr.To, true
		}
		if strings.HasPrefix(p, strings.TrimSuffix(pr.From, "/")+"/") {
			return strings.TrimSuffix(pr.To, "/") + p[len(strings.TrimSuffix(pr.From, "/")):], true
		}
	}
	return p, false
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
