package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/bot"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/versioning"
)

// Pinger checks backing storage
type Pinger interface {
	Ping(ctx context.Context) error
}

// VersionStats computes per-version performance
type VersionStats interface {
	Stats(ctx context.Context, modelID uint, now time.Time) ([]versioning.Stats, error)
}

// Controller pauses and resumes betting
type Controller interface {
	Pause()
	Resume()
	Paused() bool
}

// Deps are the handlers' collaborators. Nil fields disable their routes.
type Deps struct {
	DB       Pinger
	Models   bot.StatsProvider
	Versions VersionStats
	Control  Controller
	Metrics  http.Handler
	Stream   http.Handler
}

// Server wraps the Echo instance serving health, metrics and the event stream
type Server struct {
	echo *echo.Echo
	addr string
	now  func() time.Time
}

// New builds the server and registers routes
func New(addr string, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("HTTP request")
			return nil
		},
	}))

	s := &Server{echo: e, addr: addr, now: time.Now}

	e.GET("/healthz", func(c echo.Context) error {
		if deps.DB != nil {
			if err := deps.DB.Ping(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics))
	}
	if deps.Stream != nil {
		e.GET("/ws", echo.WrapHandler(deps.Stream))
	}
	if deps.Models != nil {
		e.GET("/models", func(c echo.Context) error {
			sums, err := deps.Models.Summaries(c.Request().Context())
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			return c.JSON(http.StatusOK, sums)
		})
	}
	if deps.Versions != nil {
		e.GET("/models/:id/versions", func(c echo.Context) error {
			id, err := strconv.ParseUint(c.Param("id"), 10, 64)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid model id")
			}
			stats, err := deps.Versions.Stats(c.Request().Context(), uint(id), s.now())
			if errors.Is(err, storage.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "model not found")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			return c.JSON(http.StatusOK, stats)
		})
	}
	if deps.Control != nil {
		e.POST("/pause", func(c echo.Context) error {
			deps.Control.Pause()
			return c.JSON(http.StatusOK, map[string]bool{"paused": deps.Control.Paused()})
		})
		e.POST("/resume", func(c echo.Context) error {
			deps.Control.Resume()
			return c.JSON(http.StatusOK, map[string]bool{"paused": deps.Control.Paused()})
		})
	}

	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("🌐 HTTP server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}
