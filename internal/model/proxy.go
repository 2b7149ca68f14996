// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// TargetURL is a validated, absolute http or https origin URL.
// It is built once per inbound request and never mutated.
type TargetURL struct {
	u    url.URL
	port string
}

// NewTargetURL wraps an already validated absolute URL. The fragment is dropped.
func NewTargetURL(u *url.URL) TargetURL {
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""

	port := cp.Port()
	if port == "" {
		port = DefaultPort(cp.Scheme)
	}
	return TargetURL{u: cp, port: port}
}

// DefaultPort returns the well-known port for scheme.
func DefaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// Scheme returns "http" or "https".
func (t TargetURL) Scheme() string { return t.u.Scheme }

// Host returns the host name without port.
func (t TargetURL) Host() string { return t.u.Hostname() }

// Port returns the explicit port, or the scheme default.
func (t TargetURL) Port() string { return t.port }

// Path returns the unescaped path.
func (t TargetURL) Path() string { return t.u.Path }

// Origin returns scheme://host[:port], omitting the scheme default port.
func (t TargetURL) Origin() string {
	host := t.u.Hostname()
	if t.port != DefaultPort(t.u.Scheme) {
		host = t.u.Host
	}
	return t.u.Scheme + "://" + host
}

// String returns the full URL.
func (t TargetURL) String() string { return t.u.String() }

// URL returns a copy of the underlying URL.
func (t TargetURL) URL() *url.URL {
	cp := t.u
	return &cp
}

// ProxyRequest represents a client request arriving at /proxy.
type ProxyRequest struct {
	Ctx       context.Context
	Method    string
	RawURL    string     // the url query parameter
	Protocol  string     // optional default scheme
	Render    bool       // render=1
	Extra     url.Values // remaining query parameters, merged into the target query
	Header    http.Header
	Body      io.Reader // nil when the request has no body
	Length    int64     // inbound Content-Length, -1 when unknown
	SessionID string
}

// ProxyResponse is the relay-ready result of a proxied request.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Cookies    []*http.Cookie // origin cookies to relay to the client
	SessionID  string
	NewSession bool
	Rewritten  bool
}

// UpstreamRequest is the outbound request sent to an origin.
type UpstreamRequest struct {
	Method        string
	Target        TargetURL
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// UpstreamResponse is the origin's response. The caller closes Body.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
