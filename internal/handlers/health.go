package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/knowbot/internal/healthcheck"
)

// HealthHandler serves liveness and runtime check endpoints.
type HealthHandler struct {
	logger   *slog.Logger
	checkers []healthcheck.Checker
}

func NewHealthHandler(log *slog.Logger, checkers ...healthcheck.Checker) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{
		logger:   log.With(slog.String("handler", "health")),
		checkers: checkers,
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Head)
	e.GET("/health/checks", h.Checks)
}

func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HealthHandler) Head(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Checks runs every checker. The response is 503 when any check errors.
func (h *HealthHandler) Checks(c echo.Context) error {
	report := healthcheck.Collect(c.Request().Context(), h.checkers...)
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
		h.logger.Warn("health checks failing", slog.Int("checks", len(report.Checks)))
	}
	return c.JSON(status, report)
}
