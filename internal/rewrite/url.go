package rewrite

import (
	"net/url"
	"strings"
)

// Prefix starts every proxy-relative URL.
const Prefix = "/proxy?url="

// skipPrefixes are references that must never be routed through the proxy.
var skipPrefixes = []string{"javascript:", "data:", "mailto:", "tel:", "blob:", "about:", "#"}

// Proxify turns an absolute URL into a proxy-relative one.
func Proxify(abs string) string {
	return Prefix + url.QueryEscape(abs)
}

// IsProxied reports whether value already points at the proxy.
func IsProxied(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), Prefix)
}

// URL rewrites a single reference found in a document served from base.
// It is idempotent and leaves special-scheme, fragment-only, empty and
// unparsable values unchanged. A fragment on the reference stays outside
// the encoded target so in-page anchors keep working.
func URL(value string, base *url.URL) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || IsProxied(trimmed) {
		return value
	}
	lower := strings.ToLower(trimmed)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return value
		}
	}

	ref, err := url.Parse(trimmed)
	if err != nil {
		return value
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return value
	}

	frag := abs.EscapedFragment()
	abs.Fragment = ""
	abs.RawFragment = ""

	out := Proxify(abs.String())
	if frag != "" {
		out += "#" + frag
	}
	return out
}

// Absolute resolves value against base without proxying it.
func Absolute(value string, base *url.URL) (*url.URL, bool) {
	ref, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	return abs, true
}
