// Package api exposes the HTTP surface: webhook intake and a small set of
// read endpoints for runs and learned rules.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/reviewloop/internal/engine"
	"github.com/reviewloop/internal/store"
)

// Server is the API server.
type Server struct {
	echo   *echo.Echo
	listen string
	logger zerolog.Logger

	engine        *engine.Engine
	events        store.EventStore
	runs          store.RunStore
	rules         store.RuleStore
	webhookSecret string
}

// Options carries the server's dependencies.
type Options struct {
	Listen        string
	WebhookSecret string
	Engine        *engine.Engine
	Events        store.EventStore
	Runs          store.RunStore
	Rules         store.RuleStore
	Logger        zerolog.Logger
}

// NewServer creates the server and registers all routes.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:          e,
		listen:        opts.Listen,
		logger:        opts.Logger,
		engine:        opts.Engine,
		events:        opts.Events,
		runs:          opts.Runs,
		rules:         opts.Rules,
		webhookSecret: opts.WebhookSecret,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	s.echo.POST("/webhooks/github", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.GET("/rules", s.listRules)
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.listen).Msg("api server starting")
	if err := s.echo.Start(s.listen); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the given timeout.
func (s *Server) Shutdown(ctx context.Context, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(sctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }
