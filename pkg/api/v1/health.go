package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthGroup struct {
	source      Source
	routerGroup *echo.Group
}

func NewHealthGroup(g *echo.Group, source Source) *HealthGroup {
	h := &HealthGroup{source: source, routerGroup: g}
	g.GET("", h.check)
	return h
}

// check answers 200 while the mount serves and 503 otherwise.
func (h *HealthGroup) check(c echo.Context) error {
	err := h.source.Health()
	if err == nil {
		return c.JSON(http.StatusOK, healthStatus{Status: "ok"})
	}

	log.Warn().Err(err).Msg("status probe: mount unhealthy")
	return c.JSON(http.StatusServiceUnavailable, healthStatus{Status: "not ok", Error: err.Error()})
}
