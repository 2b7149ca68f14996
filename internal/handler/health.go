package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/session"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	store   *session.Store
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, store *session.Store, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, store: store, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"active_sessions": h.store.Len(),
		"cookie_scope":    h.store.Scope(),
		"render_enabled":  h.cfg.Render.Enabled,
	})
}
