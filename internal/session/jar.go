package session

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
)

// Attach replaces the outbound Cookie header with the jar contents that
// apply to the request target. The header is removed when nothing applies.
func (s *Store) Attach(req *model.UpstreamRequest, sess *Session) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Del("Cookie")

	cookies := s.Cookies(sess, req.Target)
	if len(cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))
}

// Absorb merges every Set-Cookie of resp into the session jar and returns the
// parsed cookies in header order. Later cookies with the same name win;
// cookies that arrive already expired are deleted from the jar.
func (s *Store) Absorb(resp *model.UpstreamResponse, target model.TargetURL, sess *Session) []*http.Cookie {
	lines := resp.Header.Values("Set-Cookie")
	if len(lines) == 0 {
		return nil
	}
	cookies := make([]*http.Cookie, 0, len(lines))
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			s.logger.Debug("ignoring malformed Set-Cookie", "host", target.Host(), "err", err)
			continue
		}
		cookies = append(cookies, c)
	}
	s.Merge(sess, target, cookies)
	return cookies
}

// Merge stores cookies received from target into the session jar.
func (s *Store) Merge(sess *Session, target model.TargetURL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	now := s.now()
	host := target.Host()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	for _, c := range cookies {
		key := s.jarKey(host, c)
		jar := sess.jars[key]
		if expiredOnArrival(c, now) {
			if jar != nil {
				delete(jar, c.Name)
			}
			continue
		}
		if jar == nil {
			jar = make(map[string]*http.Cookie)
			sess.jars[key] = jar
		}
		stored := &http.Cookie{Name: c.Name, Value: c.Value, Expires: c.Expires}
		if c.MaxAge > 0 {
			stored.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if strings.HasPrefix(key, ".") {
			stored.Domain = key[1:]
		}
		jar[c.Name] = stored
	}
	sess.lastSeen = now
}

// Cookies returns the live cookies that apply to target, sorted by name.
func (s *Store) Cookies(sess *Session, target model.TargetURL) []*http.Cookie {
	now := s.now()
	host := target.Host()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var out []*http.Cookie
	for key, jar := range sess.jars {
		if !s.jarApplies(key, host) {
			continue
		}
		for name, c := range jar {
			if !c.Expires.IsZero() && c.Expires.Before(now) {
				delete(jar, name)
				continue
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return len(out[i].Domain) > len(out[j].Domain)
	})
	return out
}

// ClientCookies renders origin cookies as Set-Cookie values for the client.
// Domain is dropped, Path becomes "/", and Secure is removed when the proxy
// itself is served over plain HTTP. A cookie named like the proxy's own
// session cookie is never relayed.
func (s *Store) ClientCookies(cookies []*http.Cookie, secure bool) []string {
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == s.cookieName {
			continue
		}
		cp := *c
		cp.Domain = ""
		cp.Path = "/"
		cp.Raw = ""
		cp.Unparsed = nil
		if !secure {
			cp.Secure = false
			if cp.SameSite == http.SameSiteNoneMode {
				cp.SameSite = http.SameSiteLaxMode
			}
		}
		if v := cp.String(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// jarKey picks the jar a cookie from host belongs to. Host-only cookies are
// keyed by host; cookies with a valid Domain attribute by "." + domain.
func (s *Store) jarKey(host string, c *http.Cookie) string {
	if s.scope == config.CookieScopeSession {
		return sharedJar
	}
	d := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if d != "" && (d == host || strings.HasSuffix(host, "."+d)) {
		return "." + d
	}
	return host
}

func (s *Store) jarApplies(key, host string) bool {
	if key == sharedJar || key == host {
		return true
	}
	return strings.HasPrefix(key, ".") && (host == key[1:] || strings.HasSuffix(host, key))
}

func expiredOnArrival(c *http.Cookie, now time.Time) bool {
	if c.MaxAge < 0 {
		return true
	}
	return c.MaxAge == 0 && !c.Expires.IsZero() && !c.Expires.After(now)
}
