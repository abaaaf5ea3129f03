package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"engagesync/internal/config"
	"engagesync/internal/models"
	"engagesync/internal/observability"
	"engagesync/internal/repository"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	promOnce       sync.Once
	promMiddleware *fiberprometheus.FiberPrometheus
)

// initMetrics registers the HTTP collectors once per process so several
// servers (tests) can share the default registry.
func initMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promMiddleware = fiberprometheus.NewWithRegistry(prometheus.DefaultRegisterer, serviceName, "engage", "http", nil)
	})
	return promMiddleware
}

// Server is the reference engagement gateway.
type Server struct {
	config     *config.Config
	db         *gorm.DB
	redis      *redis.Client
	repo       repository.EngagementRepository
	hub        *Hub
	dispatcher *Dispatcher
	prom       *fiberprometheus.FiberPrometheus
	app        *fiber.App
	log        *observability.ChannelLogger

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// NewServer wires a gateway over already-initialized dependencies. redisClient
// may be nil for a single instance.
func NewServer(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	if cfg == nil || db == nil {
		return nil, errors.New("gateway requires config and database")
	}
	repo := repository.NewEngagementRepository(db)
	hub := NewHub(NewNotifier(redisClient))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		db:          db,
		redis:       redisClient,
		repo:        repo,
		hub:         hub,
		dispatcher:  NewDispatcher(hub, repo),
		prom:        initMetrics("engagesync-gateway"),
		log:         observability.NewChannelLogger("gateway"),
		shutdownCtx: ctx,
		shutdownFn:  cancel,
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "Engagement Gateway",
		ErrorHandler: errorHandler,
	})
	s.SetupMiddleware(s.app)
	s.SetupRoutes(s.app)
	return s, nil
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Hub exposes the room hub.
func (s *Server) Hub() *Hub { return s.hub }

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())
	app.Use(contextMiddleware())

	// Prometheus Metrics
	if s.prom != nil {
		s.prom.RegisterAt(app, "/metrics")
		app.Use(s.prom.Middleware)
	}

	// Security headers
	app.Use(helmet.New())

	app.Use(structuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400, // 24 hours
	}))

	if s.config.RateLimitPerMinute > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        s.config.RateLimitPerMinute,
			Expiration: time.Minute,
			// Never rate-limit preflight requests; they should be handled by CORS.
			Next: func(c *fiber.Ctx) bool {
				return c.Method() == fiber.MethodOptions
			},
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
					Error: "Too many requests, please try again later.",
					Code:  models.CodeMutationRejected,
				})
			},
		}))
	}
}

// SetupRoutes configures all routes for the gateway
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.HealthCheck)
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	api := app.Group("/api", AuthRequired(s.config.JWTSecret))
	likeLimit := rateLimit(s.redis, s.config.LikeLimitPerMinute, time.Minute, "like")
	api.Post("/like", likeLimit, s.Like)
	api.Delete("/unlike", likeLimit, s.Unlike)
	api.Get("/like-status", s.LikeStatus)
	api.Get("/share/recipients", s.ShareRecipients)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", WebSocketAuthRequired(s.config.JWTSecret), s.WebSocketHandler())
}

// WebSocketHandler serves the engagement channel.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()
		userID, _ := conn.Locals(localsUserID).(string)
		if userID == "" {
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(userID, conn)
		if err != nil {
			s.log.LogError(ctx, userID, err, "register")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			_ = conn.Close()
			return
		}
		client.IncomingHandler = s.dispatcher.Handle
		s.log.LogConnect(ctx, userID, "/ws")

		done := make(chan struct{})
		go func() {
			defer close(done)
			client.WritePump()
		}()
		// Read pump runs in the handler goroutine; the connection is released
		// once both pumps are gone.
		client.ReadPump()
		<-done
		s.log.LogDisconnect(ctx, userID, "read pump ended")
	})
}

// Start wires cross-instance fan-out and listens on the configured port.
func (s *Server) Start() error {
	s.startWiring()
	observability.GlobalLogger.Info("Gateway starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Listener serves on ln, for tests and embedding.
func (s *Server) Listener(ln net.Listener) error {
	s.startWiring()
	return s.app.Listener(ln)
}

func (s *Server) startWiring() {
	if err := s.hub.StartWiring(s.shutdownCtx); err != nil {
		observability.GlobalLogger.Error("failed to start hub wiring",
			slog.String("hub", s.hub.Name()), slog.String("error", err.Error()))
	}
}

// Shutdown gracefully shuts down the gateway and releases its resources.
func (s *Server) Shutdown(ctx context.Context) error {
	// Cancel the server-scoped context to stop the Redis subscriber
	s.shutdownFn()

	// Close WebSocket connections first so their handlers can return
	if err := s.hub.Shutdown(ctx); err != nil {
		observability.GlobalLogger.Error("error shutting down hub", slog.String("error", err.Error()))
	}

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		observability.GlobalLogger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			observability.GlobalLogger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			observability.GlobalLogger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	observability.GlobalLogger.Info("Gateway shutdown complete")
	return nil
}

// errorHandler renders every error as models.ErrorResponse.
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	resp := models.ErrorResponse{Error: "internal error", Code: models.CodeInternal}

	var fiberErr *fiber.Error
	var appErr *models.AppError
	switch {
	case errors.As(err, &appErr):
		status = statusFor(appErr.Code)
		resp = models.ErrorResponse{Error: appErr.Message, Code: appErr.Code}
		if appErr.Code == models.CodeInternal {
			resp.Error = "internal error"
		}
	case errors.As(err, &fiberErr):
		status = fiberErr.Code
		resp = models.ErrorResponse{Error: fiberErr.Message, Code: codeForStatus(fiberErr.Code)}
	}

	if status >= fiber.StatusInternalServerError {
		observability.GlobalLogger.ErrorContext(c.UserContext(), "request failed",
			slog.String("path", c.Path()),
			slog.String("request_id", requestID(c)),
			slog.String("error", err.Error()))
	}
	return c.Status(status).JSON(resp)
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals(requestid.ConfigDefault.ContextKey).(string)
	return id
}

func statusFor(code string) int {
	switch code {
	case models.CodeUnauthenticated:
		return fiber.StatusUnauthorized
	case models.CodeForbidden:
		return fiber.StatusForbidden
	case models.CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeValidation, models.CodeInvalidReference:
		return fiber.StatusBadRequest
	case models.CodeMutationRejected, models.CodeMutationInFlight, models.CodeSubmitPending:
		return fiber.StatusConflict
	case models.CodeTimeout:
		return fiber.StatusGatewayTimeout
	case models.CodeTransportUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusUnauthorized:
		return models.CodeUnauthenticated
	case fiber.StatusForbidden:
		return models.CodeForbidden
	case fiber.StatusNotFound:
		return models.CodeNotFound
	}
	if status >= fiber.StatusInternalServerError {
		return models.CodeInternal
	}
	return models.CodeValidation
}
