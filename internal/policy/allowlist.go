// Package policy implements the target host allow-list.
package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"rewrite-proxy-go/internal/config"
)

// AllowList matches host names against exact domains and glob patterns.
// An empty list allows every host. It is read-only after construction.
type AllowList struct {
	domains  map[string]bool
	patterns []string
}

// New builds an AllowList from the [policy] section.
func New(cfg *config.Config) (*AllowList, error) {
	return FromEntries(cfg.Policy.Allow)
}

// FromEntries builds an AllowList from raw entries such as "example.com"
// or "*.example.org".
func FromEntries(entries []string) (*AllowList, error) {
	a := &AllowList{domains: make(map[string]bool)}
	for _, raw := range entries {
		entry := strings.ToLower(strings.TrimSpace(raw))
		entry = strings.TrimPrefix(entry, ".")
		if entry == "" {
			continue
		}
		if strings.ContainsAny(entry, "*?[{") {
			if !doublestar.ValidatePattern(entry) {
				return nil, fmt.Errorf("policy: invalid pattern %q", raw)
			}
			a.patterns = append(a.patterns, entry)
			continue
		}
		a.domains[entry] = true
	}
	return a, nil
}

// Empty reports whether no entries were configured.
func (a *AllowList) Empty() bool {
	return len(a.domains) == 0 && len(a.patterns) == 0
}

// Allowed reports whether host is listed exactly or matches a pattern.
// Parent-domain walking is done by the caller.
func (a *AllowList) Allowed(host string) bool {
	if a.Empty() {
		return true
	}
	host = strings.ToLower(host)
	if a.domains[host] {
		return true
	}
	for _, p := range a.patterns {
		if ok, _ := doublestar.Match(p, host); ok {
			return true
		}
	}
	return false
}

// Size returns the number of configured entries.
func (a *AllowList) Size() int {
	return len(a.domains) + len(a.patterns)
}
