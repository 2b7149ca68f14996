// Package resolver turns raw target strings into validated TargetURLs.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"rewrite-proxy-go/internal/model"
)

var (
	// ErrInvalidURL is returned for empty, unparsable or non-http(s) targets.
	ErrInvalidURL = errors.New("invalid url")
	// ErrForbidden is returned when the host policy rejects the target.
	ErrForbidden = errors.New("target host not allowed")
)

// schemePrefix matches an explicit "scheme://" at the start of a target.
var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// HostPolicy decides whether a single host name may be proxied.
type HostPolicy interface {
	Allowed(host string) bool
}

// Resolver validates targets against an optional HostPolicy.
type Resolver struct {
	policy HostPolicy
}

// New creates a Resolver. A nil policy allows every host.
func New(policy HostPolicy) *Resolver {
	return &Resolver{policy: policy}
}

// Resolve parses raw into a TargetURL. When raw has no scheme, defaultScheme
// ("https", "https:" or "https://") is prefixed, or http:// when it is empty.
func (r *Resolver) Resolve(raw, defaultScheme string) (model.TargetURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.TargetURL{}, fmt.Errorf("%w: empty target", ErrInvalidURL)
	}

	if !schemePrefix.MatchString(raw) {
		scheme := normalizeScheme(defaultScheme)
		raw = scheme + "://" + strings.TrimPrefix(raw, "//")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return model.TargetURL{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return model.TargetURL{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return model.TargetURL{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return model.TargetURL{}, fmt.Errorf("%w: whitespace in host", ErrInvalidURL)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return model.TargetURL{}, fmt.Errorf("%w: invalid port %q", ErrInvalidURL, p)
		}
	}
	u.Host = strings.ToLower(u.Host)

	if !r.allowed(strings.ToLower(host)) {
		return model.TargetURL{}, fmt.Errorf("%w: %s", ErrForbidden, host)
	}

	if u.Path == "" {
		u.Path = "/"
	}
	return model.NewTargetURL(u), nil
}

// allowed walks host and each of its parent domains.
func (r *Resolver) allowed(host string) bool {
	if r.policy == nil {
		return true
	}
	for candidate := host; candidate != ""; {
		if r.policy.Allowed(candidate) {
			return true
		}
		i := strings.IndexByte(candidate, '.')
		if i < 0 {
			break
		}
		candidate = candidate[i+1:]
	}
	return false
}

func normalizeScheme(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "://")
	s = strings.TrimSuffix(s, ":")
	if s == "" {
		return "http"
	}
	return s
}
