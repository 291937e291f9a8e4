package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"pathproxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"path_syntax":     h.cfg.Forward.PathSyntax,
		"emission":        h.cfg.Forward.Emission,
		"timeout_seconds": h.cfg.Forward.TimeoutSeconds,
		"verify_tls":      h.cfg.Forward.VerifyTLS || h.cfg.Forward.CAFile != "",
		"mount_path":      h.cfg.Server.MountPath,
	})
}
