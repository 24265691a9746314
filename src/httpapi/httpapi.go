// Package httpapi is the plain-HTTP surface next to the WebSocket
// endpoint: liveness, introspection, and the bulk presence query used by
// backends that cannot hold a socket open.
package httpapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/voiceping/router/src/hub"
	"github.com/voiceping/router/src/presence"
)

// statusDirectory answers bulk presence queries.
type statusDirectory interface {
	BulkStatus(ctx context.Context, userIDs []string) ([]presence.UserStatus, error)
}

// statsSource exposes hub introspection.
type statsSource interface {
	Stats() hub.Stats
}

// Compile-time interface assertions.
var (
	_ statusDirectory = (*presence.Manager)(nil)
	_ statsSource     = (*hub.Hub)(nil)
)

// Server assembles the fiber app. The WebSocket endpoint is not here; it
// lives on the raw fasthttp server because the upgrader needs the
// request context fiber v3 does not expose.
type Server struct {
	app       *fiber.App
	directory statusDirectory
	stats     statsSource
	version   string
	logger    zerolog.Logger
}

// New builds the HTTP surface.
func New(directory statusDirectory, stats statsSource, version string, logger zerolog.Logger) *Server {
	s := &Server{
		app:       fiber.New(fiber.Config{AppName: "voiceping-router"}),
		directory: directory,
		stats:     stats,
		version:   version,
		logger:    logger.With().Str("component", "httpapi").Logger(),
	}

	// Preflight answers 200. The cors middleware replies 204, which some
	// of the older mobile SDK builds treat as a failed request.
	s.app.Use(func(c fiber.Ctx) error {
		err := c.Next()
		if c.Method() == fiber.MethodOptions && c.Response().StatusCode() == fiber.StatusNoContent {
			c.Status(fiber.StatusOK)
		}
		return err
	})
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))

	s.app.Get("/", s.handleWelcome)
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/stats", s.handleStats)
	s.app.Post("/api/presence/status", s.handleStatus)
	return s
}

// Handler exposes the app for the root fasthttp server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.app.Handler()
}

func (s *Server) handleWelcome(c fiber.Ctx) error {
	return c.SendString("Welcome to VoicePing Router " + s.version)
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStats(c fiber.Ctx) error {
	return c.JSON(s.stats.Stats())
}

// statusRequest is the bulk presence query body.
type statusRequest struct {
	UserIDs []string `json:"userIds"`
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	var req statusRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.UserIDs == nil {
		return badRequest(c, "userIds must be an array")
	}
	for _, id := range req.UserIDs {
		if id == "" {
			return badRequest(c, "userIds must not contain empty ids")
		}
	}

	users, err := s.directory.BulkStatus(c.Context(), req.UserIDs)
	if err != nil {
		s.logger.Error().Err(err).Int("users", len(req.UserIDs)).Msg("bulk status lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "status lookup failed",
		})
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"users":     users,
		"timestamp": time.Now().UnixMilli(),
	})
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}
