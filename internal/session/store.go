// Package session keeps per-client proxy sessions and their cookie jars.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
)

// sharedJar is the jar key used when cookies are scoped to the whole session.
const sharedJar = "*"

// Session is one proxy session. Its jars are guarded by mu; unrelated
// sessions never contend.
type Session struct {
	ID string

	mu       sync.Mutex
	jars     map[string]map[string]*http.Cookie // jar key -> cookie name -> cookie
	lastSeen time.Time
}

// Store holds live sessions keyed by id.
type Store struct {
	sessions sync.Map // id -> *Session
	count    atomic.Int64

	idle       time.Duration
	scope      string
	cookieName string
	now        func() time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a Store from the [session] section.
// The metrics parameter is optional.
func NewStore(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		idle:       cfg.Session.IdleTimeout(),
		scope:      cfg.Session.CookieScope,
		cookieName: cfg.Session.CookieName,
		now:        time.Now,
		logger:     logger.With("component", "session_store"),
		metrics:    m,
	}
}

// CookieName returns the name of the proxy's own session cookie.
func (s *Store) CookieName() string { return s.cookieName }

// Scope returns the configured jar scope.
func (s *Store) Scope() string { return s.scope }

// Len returns the number of live sessions.
func (s *Store) Len() int { return int(s.count.Load()) }

// Obtain returns the live session for id, or a fresh one when id is empty,
// unknown or expired. created reports whether a new session was issued.
func (s *Store) Obtain(id string) (sess *Session, created bool) {
	if id != "" {
		if v, ok := s.sessions.Load(id); ok {
			sess = v.(*Session)
			now := s.now()
			sess.mu.Lock()
			expired := s.expired(sess, now)
			if !expired {
				sess.lastSeen = now
			}
			sess.mu.Unlock()
			if !expired {
				return sess, false
			}
			s.remove(id)
		}
	}

	sess = &Session{
		ID:       uuid.NewString(),
		jars:     make(map[string]map[string]*http.Cookie),
		lastSeen: s.now(),
	}
	s.sessions.Store(sess.ID, sess)
	s.count.Add(1)
	s.reportCount()
	s.logger.Debug("session created", "session", sess.ID)
	return sess, true
}

// Release drops sess immediately, for sessions whose id never reached a client.
func (s *Store) Release(sess *Session) {
	if s.remove(sess.ID) {
		s.logger.Debug("session released", "session", sess.ID)
	}
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	s.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		sess.mu.Lock()
		expired := s.expired(sess, now)
		sess.mu.Unlock()
		if expired && s.remove(key.(string)) {
			removed++
		}
		return true
	})
	if removed > 0 {
		s.logger.Debug("expired sessions swept", "removed", removed, "active", s.Len())
	}
	return removed
}

// Run sweeps expired sessions until ctx is canceled.
func (s *Store) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// SweepInterval returns how often the janitor should run.
func (s *Store) SweepInterval() time.Duration {
	every := s.idle / 4
	if every < time.Second {
		every = time.Second
	}
	return every
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return s.idle > 0 && now.Sub(sess.lastSeen) > s.idle
}

func (s *Store) remove(id string) bool {
	if _, loaded := s.sessions.LoadAndDelete(id); loaded {
		s.count.Add(-1)
		s.reportCount()
		return true
	}
	return false
}

func (s *Store) reportCount() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.count.Load()))
	}
}
