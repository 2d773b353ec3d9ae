// Package router provides HTTP routing, middleware configuration, and server setup for the web application
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/handlers"
	"github.com/amirphl/Kusanagi/app/middleware"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthPath = "/api/v1/health"

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	Shutdown(ctx context.Context) error
	GetApp() *fiber.App
}

// Handlers bundles every handler the router mounts
type Handlers struct {
	Webhook    handlers.WebhookHandlerInterface
	Campaign   handlers.CampaignHandlerInterface
	Task       handlers.TaskHandlerInterface
	Experiment handlers.ExperimentHandlerInterface
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app        *fiber.App
	handlers   Handlers
	auth       *middleware.APIKeyAuth
	checks     map[string]HealthCheck
	server     config.ServerConfig
	metrics    config.MetricsConfig
	deployment config.DeploymentConfig
	logger     *slog.Logger
}

func NewFiberRouter(cfg *config.ProductionConfig, h Handlers, checks map[string]HealthCheck, logger *slog.Logger) Router {
	logger = logger.With("component", "router")
	app := fiber.New(fiber.Config{
		AppName:      "Kusanagi",
		ServerHeader: "Kusanagi",
		ErrorHandler: errorHandler(logger),
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return &FiberRouter{
		app:        app,
		handlers:   h,
		auth:       middleware.NewAPIKeyAuth(cfg.Server.APIKeys),
		checks:     checks,
		server:     cfg.Server,
		metrics:    cfg.Metrics,
		deployment: cfg.Deployment,
		logger:     logger,
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	if r.metrics.Enabled {
		r.app.Get(r.metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := r.app.Group("/api/v1")
	api.Get("/health", r.healthCheck)

	if r.server.RateLimit > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        r.server.RateLimit,
			Expiration: time.Minute,
			KeyGenerator: func(c fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
					Success: false,
					Message: "Too many requests. Please try again later.",
					Error: dto.ErrorDetail{
						Code: "RATE_LIMIT_EXCEEDED",
					},
				})
			},
			Next: func(c fiber.Ctx) bool {
				// Provider callbacks arrive in bursts from a handful of IPs
				return c.Path() == healthPath || strings.HasPrefix(c.Path(), "/api/v1/webhooks/")
			},
		}))
	}

	// Webhooks authenticate each event through its correlation token
	webhooks := api.Group("/webhooks")
	webhooks.Post("/delivery-events", r.handlers.Webhook.DeliveryEvents)
	webhooks.Post("/ses", r.handlers.Webhook.SESEvents)

	guarded := r.auth.Authenticate()

	tasks := api.Group("/tasks", guarded)
	tasks.Post("/", r.handlers.Task.Enqueue)
	tasks.Get("/:id", r.handlers.Task.Get)
	tasks.Post("/:id/cancel", r.handlers.Task.Cancel)

	campaigns := api.Group("/campaigns", guarded)
	campaigns.Post("/", r.handlers.Campaign.Import)
	campaigns.Get("/:id", r.handlers.Campaign.Get)
	campaigns.Post("/:id/enrollments", r.handlers.Campaign.Enroll)
	campaigns.Post("/:id/pause", r.handlers.Campaign.Pause)
	campaigns.Post("/:id/resume", r.handlers.Campaign.Resume)

	enrollments := api.Group("/enrollments", guarded)
	enrollments.Get("/:id", r.handlers.Campaign.GetEnrollment)

	experiments := api.Group("/experiments", guarded)
	experiments.Post("/:id/evaluate", r.handlers.Experiment.Evaluate)
	experiments.Get("/:id/report", r.handlers.Experiment.Report)

	r.app.Use(r.notFoundHandler)

	if !r.auth.Enabled() {
		r.logger.Warn("API_KEYS is empty; the control API is unauthenticated")
	}
	r.logger.Info("routes configured", "metrics", r.metrics.Enabled)
}

func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return uuid.NewString()
		},
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Error("panic while serving request",
				"request_id", c.Locals("requestid"),
				"panic", e,
				"path", c.Path(),
				"method", c.Method(),
				"ip", c.IP(),
			)
		},
	}))

	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ReferrerPolicy:        "no-referrer",
		XDNSPrefetchControl:   "off",
		XPermittedCrossDomain: "none",
	}))

	r.app.Use(cors.New(cors.Config{
		AllowOrigins: r.server.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Request-ID",
			"X-API-Key",
		},
		ExposeHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:        utils.CORSMaxAge,
	}))

	r.app.Use(middleware.Metrics())

	r.app.Use(logger.New(logger.Config{
		Format:     `{"time":"${time}","request_id":"${locals:requestid}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
		TimeFormat: time.RFC3339,
		TimeZone:   "UTC",
		Next: func(c fiber.Ctx) bool {
			return c.Path() == healthPath || c.Path() == r.metrics.Path
		},
	}))
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.Info("starting server", "address", address)
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

func (r *FiberRouter) Shutdown(ctx context.Context) error {
	return r.app.ShutdownWithContext(ctx)
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	status := fiber.Map{}
	healthy := true
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			healthy = false
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}

	data := fiber.Map{
		"status":       "ok",
		"timestamp":    utils.UTCNow().Unix(),
		"version":      r.deployment.Version,
		"commit":       r.deployment.CommitHash,
		"dependencies": status,
	}
	if !healthy {
		data["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.APIResponse{
			Success: false,
			Message: "Service is degraded",
			Data:    data,
		})
	}
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data:    data,
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": c.Locals("requestid"),
			},
		},
	})
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "An internal server error occurred"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error("request failed", "status", code, "path", c.Path(), "error", err)
		}

		return c.Status(code).JSON(dto.APIResponse{
			Success: false,
			Message: message,
			Error: dto.ErrorDetail{
				Code: "INTERNAL_ERROR",
				Details: fiber.Map{
					"timestamp":  utils.UTCNow().Unix(),
					"request_id": c.Locals("requestid"),
				},
			},
		})
	}
}
