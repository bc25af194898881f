package apiv1

import (
	"github.com/beam-cloud/soundfs/pkg/cache"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/stream"
	"github.com/labstack/echo/v4"
)

// Source is what the status server reports on. A mount session implements it.
type Source interface {
	Health() error
	Stats() Stats
}

// Stats is a point-in-time view of one mounted session.
type Stats struct {
	MountPoint  string              `json:"mount_point"`
	Backend     string              `json:"backend"`
	State       string              `json:"state"`
	Uptime      string              `json:"uptime"`
	OpenHandles int                 `json:"open_handles"`
	Tree        namespace.TreeStats `json:"tree"`
	Metadata    cache.MetadataStats `json:"metadata"`
	Ranges      cache.RangeStats    `json:"ranges"`
	Reader      stream.ReaderStats  `json:"reader"`
}

type StatsGroup struct {
	source      Source
	routerGroup *echo.Group
}

func NewStatsGroup(g *echo.Group, source Source) *StatsGroup {
	group := &StatsGroup{routerGroup: g, source: source}

	g.GET("", group.GetStats)

	return group
}

func (s *StatsGroup) GetStats(c echo.Context) error {
	return SuccessResponse(c, s.source.Stats())
}
