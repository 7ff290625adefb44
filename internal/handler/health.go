package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"binance-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the local health endpoint.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health returns relay status without touching the upstream.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
	})
}
