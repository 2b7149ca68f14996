// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rewrite-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Allow    []string `kong:"help='Allowed target domains or glob patterns (overrides config).',env='ALLOW_HOSTS',sep=','"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Session  SessionConfig  `toml:"session"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Policy   PolicyConfig   `toml:"policy"`
	Render   RenderConfig   `toml:"render"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`           // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited; uploads are streamed
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	UserAgent       string `toml:"user_agent"` // empty forwards the client's User-Agent
}

// Timeout returns the outbound request timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Cookie jar scoping modes.
const (
	CookieScopeOrigin  = "origin"
	CookieScopeSession = "session"
)

// SessionConfig controls proxy sessions and their cookie jars.
type SessionConfig struct {
	CookieName  string `toml:"cookie_name"`
	IdleMinutes int    `toml:"idle_minutes"`
	CookieScope string `toml:"cookie_scope"` // "origin" or "session"
}

// IdleTimeout returns how long an untouched session lives.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleMinutes) * time.Minute
}

// RewriteConfig controls the content rewriter.
type RewriteConfig struct {
	// InjectScript is a pointer so an explicit false survives setDefaults.
	InjectScript *bool `toml:"inject_script"`
	MaxHTMLBytes int64 `toml:"max_html_bytes"`
}

// ScriptEnabled reports whether the runtime interceptor script is injected.
func (r RewriteConfig) ScriptEnabled() bool {
	return r.InjectScript == nil || *r.InjectScript
}

// PolicyConfig holds the target host allow-list. An empty list allows every host.
type PolicyConfig struct {
	Allow []string `toml:"allow"`
}

// RenderConfig controls the optional script renderer.
type RenderConfig struct {
	Enabled        bool `toml:"enabled"`
	TimeoutSeconds int  `toml:"timeout_seconds"`
	MaxScripts     int  `toml:"max_scripts"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/rewrite-proxy/config.toml then configs/config.toml; if neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.Allow) > 0 {
		c.Policy.Allow = cli.Allow
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Session.IdleMinutes < 0 {
		return fmt.Errorf("session.idle_minutes must be non-negative; got %d", c.Session.IdleMinutes)
	}
	if c.Rewrite.MaxHTMLBytes < 0 {
		return fmt.Errorf("rewrite.max_html_bytes must be non-negative; got %d", c.Rewrite.MaxHTMLBytes)
	}
	if c.Render.TimeoutSeconds < 0 || c.Render.MaxScripts < 0 {
		return fmt.Errorf("render.timeout_seconds and render.max_scripts must be non-negative")
	}

	switch strings.ToLower(c.Session.CookieScope) {
	case CookieScopeOrigin, CookieScopeSession, "":
		// valid
	default:
		return fmt.Errorf("session.cookie_scope must be one of: origin, session; got %q", c.Session.CookieScope)
	}
	if name := c.Session.CookieName; name != "" && strings.ContainsAny(name, " ;=,\t\r\n") {
		return fmt.Errorf("session.cookie_name contains invalid characters; got %q", name)
	}

	for _, entry := range c.Policy.Allow {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("policy.allow must not contain empty entries")
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range []string{"/proxy", "/healthz"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key. BodyMaxBytes is the exception: 0 keeps
// request bodies unlimited so uploads stream through.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "rp_session"
	}
	if c.Session.IdleMinutes == 0 {
		c.Session.IdleMinutes = 30
	}
	c.Session.CookieScope = strings.ToLower(c.Session.CookieScope)
	if c.Session.CookieScope == "" {
		c.Session.CookieScope = CookieScopeOrigin
	}
	if c.Rewrite.MaxHTMLBytes == 0 {
		c.Rewrite.MaxHTMLBytes = 20 * 1024 * 1024 // 20 MB
	}
	if c.Render.TimeoutSeconds == 0 {
		c.Render.TimeoutSeconds = 5
	}
	if c.Render.MaxScripts == 0 {
		c.Render.MaxScripts = 64
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// FilePath returns the config file the settings were read from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
