package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	swagger "github.com/go-swagno/swagno-fiber/swagger"
	"github.com/saturnino-fabrica-de-software/vigia/internal/api/docs"
	"github.com/saturnino-fabrica-de-software/vigia/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/vigia/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ratelimit"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

// Dependencies are built in cmd/api. Nil services leave their routes unregistered.
type Dependencies struct {
	ReplicaID string

	Events handler.EventService
	Alerts handler.AlertService

	Authenticator middleware.Authenticator
	Limiter       ratelimit.Limiter
	RateLimitMax  int

	// Streams holds one manager per channel.
	Streams   map[broadcast.Channel]*ws.Manager
	Publisher handler.PublisherStats

	Checks map[string]handler.Check
}

type Router struct {
	app    *fiber.App
	logger *slog.Logger
	deps   *Dependencies
}

func NewRouter(logger *slog.Logger, deps *Dependencies) *Router {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(logger),
		AppName:               "Vigia API",
		DisableStartupMessage: true,
	})

	if deps == nil {
		deps = &Dependencies{}
	}

	return &Router{
		app:    app,
		logger: logger,
		deps:   deps,
	}
}

func (r *Router) Setup() {
	// Global middlewares
	r.app.Use(requestid.New())
	r.app.Use(middleware.Recover(r.logger))
	r.app.Use(middleware.Logger(r.logger))
	r.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))

	// Swagger documentation (no auth required)
	sw := docs.NewSwagger()
	swagger.SwaggerHandler(r.app, sw.MustToJson())

	// Health check endpoints (no auth required)
	healthHandler := handler.NewHealthHandler(r.deps.Checks)
	r.app.Get("/health", healthHandler.Health)
	r.app.Get("/ready", healthHandler.Ready)

	// Streams authenticate inside the manager so failures become close frames.
	// They must be registered before the /v1 auth middleware.
	r.setupStreamRoutes()

	v1 := r.app.Group("/v1")
	v1.Use(middleware.Auth(middleware.AuthDependencies{
		Authenticator: r.deps.Authenticator,
		Scope:         string(broadcast.ChannelEvents),
		Logger:        r.logger,
	}))
	if r.deps.Limiter != nil {
		rl := middleware.NewRateLimiter(r.deps.Limiter, middleware.RateLimiterConfig{Max: r.deps.RateLimitMax}, r.logger)
		v1.Use(rl.Handler())
	}

	if r.deps.Events != nil {
		eventHandler := handler.NewEventHandler(r.deps.Events)
		v1.Get("/events", eventHandler.List)
		v1.Get("/events/:id", eventHandler.Get)
	}

	if r.deps.Alerts != nil {
		alertHandler := handler.NewAlertHandler(r.deps.Alerts)
		v1.Get("/alerts", alertHandler.List)
		v1.Get("/alerts/:id", alertHandler.Get)
		v1.Patch("/alerts/:id", alertHandler.Update)
		v1.Delete("/alerts/:id", alertHandler.Delete)
		v1.Post("/alerts/:id/acknowledge", alertHandler.Acknowledge)
		v1.Post("/alerts/:id/resolve", alertHandler.Resolve)
		v1.Post("/alerts/:id/dismiss", alertHandler.Dismiss)
	}

	channels := make([]handler.ChannelStats, 0, len(broadcast.Channels))
	for _, ch := range broadcast.Channels {
		if m, ok := r.deps.Streams[ch]; ok {
			channels = append(channels, m)
		}
	}
	streamHandler := handler.NewStreamHandler(r.deps.ReplicaID, r.deps.Publisher, channels...)
	v1.Get("/stream/status", streamHandler.Status)
}

func (r *Router) setupStreamRoutes() {
	paths := map[broadcast.Channel]string{
		broadcast.ChannelEvents: "/v1/ws/events",
		broadcast.ChannelSystem: "/v1/ws/system",
		broadcast.ChannelJobs:   "/v1/ws/jobs/:id",
	}
	for ch, path := range paths {
		m, ok := r.deps.Streams[ch]
		if !ok {
			continue
		}
		r.app.Get(path, ws.UpgradeMiddleware(), ws.Handler(m))
	}
}

func (r *Router) App() *fiber.App {
	return r.app
}

func (r *Router) Listen(addr string) error {
	return r.app.Listen(addr)
}

// Shutdown stops accepting requests. Stream managers are shut down by the caller
// first so clients get a close frame.
func (r *Router) Shutdown() error {
	return r.app.Shutdown()
}
