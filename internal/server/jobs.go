package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loreweaver/loreweaver/internal/worker"
)

// JobsHandler lets an external cron trigger a single worker pass. The
// endpoints are guarded by a shared worker token, not user auth.
type JobsHandler struct {
	Token string
	Tasks []worker.Task
}

func (h *JobsHandler) Register(g *echo.Group) {
	for _, t := range h.Tasks {
		task := t
		g.POST("/"+task.Name()+"/run", func(c echo.Context) error {
			return h.run(c, task)
		})
	}
}

func (h *JobsHandler) run(c echo.Context, task worker.Task) error {
	if h.Token == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "worker token not configured")
	}
	got := c.Request().Header.Get("X-Worker-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid worker token")
	}
	sum, err := task.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"task":      task.Name(),
		"processed": sum.Processed,
		"applied":   sum.Applied,
		"failed":    sum.Failed,
		"skipped":   sum.Skipped,
	})
}
