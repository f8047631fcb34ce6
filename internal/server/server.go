package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anima/config"
	"anima/internal/agent/telemetry"
	"anima/internal/artifacts"
	"anima/internal/memory"
	"anima/internal/store"
)

// Server is the HTTP surface of the assistant. All construction happens in
// New; Start and Shutdown only drive the embedded echo instance so the
// caller stays in charge of process lifecycle.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo
}

// New wires the echo instance: middleware, auth, and the API route groups.
// The caller owns the store, agent, and memory service and passes them in,
// which keeps every handler constructible in isolation.
func New(cfg *config.Config, st *store.Store, agent TurnProcessor, mem *memory.Service, art *artifacts.Manager, tele *telemetry.Telemetry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	secret := []byte(cfg.Server.JWTSecret)
	auth := &AuthHandler{
		Store:      st,
		Secret:     secret,
		CookieName: cfg.Server.CookieName,
		TokenTTL:   cfg.Server.TokenTTL,
	}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	// Everything below requires a valid token. The user id from the token
	// claims scopes every store call; handlers never accept it as input.
	protected := api.Group("", authMiddleware(secret, cfg.Server.CookieName))

	ch := &ChatHandler{Agent: agent, Logger: log.New(log.Writer(), "[CHAT] ", log.LstdFlags)}
	ch.Register(protected.Group("/chat"))

	mh := &MemoryHandler{Memory: mem}
	mh.Register(protected.Group("/memory"))

	ah := &ArtifactsHandler{Artifacts: art}
	ah.Register(protected.Group("/artifacts"))

	sh := &StatusHandler{Config: cfg, Memory: mem, Telemetry: tele, StartedAt: time.Now().UTC()}
	protected.GET("/status", sh.handleStatus)

	return &Server{cfg: cfg, echo: e}
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Printf("[SERVER] listening on %s", s.cfg.Server.Address)
	if err := s.echo.Start(s.cfg.Server.Address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
