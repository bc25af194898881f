package apiv1

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
)

// Server exposes the read-only status endpoints of one mount.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(addr string, source Source, prettyLogs bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())

	if prettyLogs {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	e.Use(middleware.Recover())

	base := e.Group(BasePath)
	NewHealthGroup(base.Group("/health"), source)
	NewStatsGroup(base.Group("/stats"), source)

	return &Server{
		echo: e,
		httpServer: &http.Server{
			Addr:    addr,
			Handler: e,
		},
	}
}

// Handler is the routed echo instance, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
