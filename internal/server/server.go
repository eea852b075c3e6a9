// Package server provides the HTTP API for go-wayfind
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-wayfind/internal/config"
	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/guidance"
	"github.com/teslashibe/go-wayfind/internal/health"
	"github.com/teslashibe/go-wayfind/internal/protocol"
	"github.com/teslashibe/go-wayfind/internal/session"
)

// StatsFunc contributes a named section to /api/stats
type StatsFunc func() interface{}

// Server is the HTTP server for go-wayfind
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	manager   *session.Manager
	checker   *health.Checker
	logger    *slog.Logger
	wsHub     *WSHub
	extra     map[string]StatsFunc
	startTime time.Time
	version   string
}

// New creates a new HTTP server
func New(cfg *config.Config, manager *session.Manager, checker *health.Checker, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-wayfind",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		manager:   manager,
		checker:   checker,
		logger:    logger,
		wsHub:     NewWSHub(manager, logger),
		extra:     make(map[string]StatsFunc),
		startTime: time.Now(),
		version:   version,
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	sessions := api.Group("/sessions")
	sessions.Post("/", s.createSessionHandler)
	sessions.Get("/", s.listSessionsHandler)
	sessions.Get("/:id", s.getSessionHandler)
	sessions.Delete("/:id", s.cancelSessionHandler)
	sessions.Post("/:id/fixes", s.fixHandler)
	sessions.Get("/:id/events", s.wsHub.UpgradeHandler())

	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)
}

// AddStats registers an extra section for /api/stats, e.g. relay counters
func (s *Server) AddStats(name string, fn StatsFunc) {
	s.extra[name] = fn
}

// createSessionRequest is the body of POST /api/sessions
type createSessionRequest struct {
	Mode  string          `json:"mode"`
	Steps []guidance.Step `json:"steps"`
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, geo.ErrInvalidCoordinate), errors.Is(err, guidance.ErrUnknownMode):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func errorResponse(c *fiber.Ctx, err error) error {
	return c.Status(errorStatus(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// createSessionHandler starts navigation over the posted steps
func (s *Server) createSessionHandler(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	modeName := req.Mode
	if modeName == "" {
		modeName = s.cfg.Guidance.DefaultMode
	}
	mode, err := guidance.ParseMode(modeName)
	if err != nil {
		return errorResponse(c, err)
	}

	sess, events, err := s.manager.Create(req.Steps, mode)
	if err != nil {
		return errorResponse(c, err)
	}

	if events == nil {
		events = []guidance.Event{}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session": sess.Info(),
		"events":  events,
	})
}

func (s *Server) listSessionsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions": s.manager.List(),
	})
}

func (s *Server) getSessionHandler(c *fiber.Ctx) error {
	sess, err := s.manager.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(sess.Info())
}

// cancelSessionHandler cancels a session; ?remove=true also forgets it
func (s *Server) cancelSessionHandler(c *fiber.Ctx) error {
	id := c.Params("id")

	sess, err := s.manager.Get(id)
	if err != nil {
		return errorResponse(c, err)
	}

	if c.QueryBool("remove") {
		err = s.manager.Remove(id)
	} else {
		err = s.manager.Cancel(id)
	}
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(sess.Info())
}

// fixHandler feeds one fix to a session
func (s *Server) fixHandler(c *fiber.Ctx) error {
	sess, err := s.manager.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}

	var fd protocol.FixData
	if err := c.BodyParser(&fd); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	res, err := sess.HandleFix(fd.Fix())
	if err != nil {
		return errorResponse(c, err)
	}

	if res.Events == nil {
		res.Events = []guidance.Event{}
	}

	return c.JSON(fiber.Map{
		"events":  res.Events,
		"ignored": res.Ignored,
		"state":   sess.State(),
	})
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.checker.GetStatus()
	stats := s.manager.Stats()

	return c.JSON(fiber.Map{
		"status":          status.Status,
		"version":         s.version,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"components":      status.Components,
		"active_sessions": stats.Active,
	})
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
		"guidance": fiber.Map{
			"advance_threshold_m": s.cfg.Guidance.AdvanceThreshold,
			"warn_min_m":          s.cfg.Guidance.WarnMin,
			"warn_max_m":          s.cfg.Guidance.WarnMax,
			"default_mode":        s.cfg.Guidance.DefaultMode,
		},
		"position": fiber.Map{
			"source":         s.cfg.Position.Source,
			"retry_delay_ms": s.cfg.Position.RetryDelay.Milliseconds(),
		},
	})
}

// statsHandler returns session statistics plus registered sections
func (s *Server) statsHandler(c *fiber.Ctx) error {
	out := fiber.Map{
		"sessions":          s.manager.Stats(),
		"websocket_clients": s.wsHub.ClientCount(),
	}
	for name, fn := range s.extra {
		out[name] = fn()
	}
	return c.JSON(out)
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	stats := s.manager.Stats()

	metrics := fmt.Sprintf(`# HELP wayfind_sessions Sessions currently held
# TYPE wayfind_sessions gauge
wayfind_sessions %d

# HELP wayfind_sessions_active Sessions currently navigating
# TYPE wayfind_sessions_active gauge
wayfind_sessions_active %d

# HELP wayfind_sessions_created_total Sessions created
# TYPE wayfind_sessions_created_total counter
wayfind_sessions_created_total %d

# HELP wayfind_fixes_total Fixes evaluated
# TYPE wayfind_fixes_total counter
wayfind_fixes_total %d

# HELP wayfind_fixes_rejected_total Fixes rejected for invalid coordinates
# TYPE wayfind_fixes_rejected_total counter
wayfind_fixes_rejected_total %d

# HELP wayfind_announcements_total Announcements emitted
# TYPE wayfind_announcements_total counter
wayfind_announcements_total %d

# HELP wayfind_source_errors_total Position source errors
# TYPE wayfind_source_errors_total counter
wayfind_source_errors_total %d

# HELP wayfind_events_dropped_total Events dropped for slow subscribers
# TYPE wayfind_events_dropped_total counter
wayfind_events_dropped_total %d

# HELP wayfind_healthy Overall health (1=ok, 0=degraded)
# TYPE wayfind_healthy gauge
wayfind_healthy %d

# HELP wayfind_uptime_seconds Server uptime in seconds
# TYPE wayfind_uptime_seconds gauge
wayfind_uptime_seconds %d

# HELP wayfind_websocket_clients Current WebSocket client count
# TYPE wayfind_websocket_clients gauge
wayfind_websocket_clients %d
`,
		stats.Sessions,
		stats.Active,
		stats.Created,
		stats.Fixes,
		stats.RejectedFixes,
		stats.Announcements,
		stats.SourceErrors,
		stats.Dropped,
		boolToInt(s.checker.IsHealthy()),
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
