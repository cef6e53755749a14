package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/promptmesh/api/internal/auth"
	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/config"
	"github.com/promptmesh/api/internal/handler"
	"github.com/promptmesh/api/internal/middleware"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
	"github.com/promptmesh/api/internal/store"
	ws "github.com/promptmesh/api/internal/websocket"
	"github.com/promptmesh/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Pick the persistence backend. Redis is the production path; the
	// in-memory store keeps local development working without it.
	ctx := context.Background()
	var recordStore store.RecordStore
	var configStore store.ConfigStore
	redisUp := redisClient.Ping(ctx).Err() == nil
	if redisUp {
		rs := store.NewRedisStore(redisClient)
		recordStore = rs
		configStore = rs
	} else {
		log.Println("Warning: Redis not available, using in-memory store")
		ms := store.NewMemStore()
		recordStore = ms
		configStore = ms
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub. The snapshot closure is bound before the
	// service exists; svc is assigned below, before any connection arrives.
	var svc *service.RequestService
	hub := ws.NewHub(func(ctx context.Context, requestID string) (interface{}, error) {
		return svc.Snapshot(ctx, requestID)
	})
	go hub.Run()

	// Initialize generation providers (mocks when API keys are missing)
	imageProvider := client.NewImageProvider(&cfg.Fal)
	modelProvider := client.NewModelProvider(&cfg.Meshy)

	// Initialize R2 client (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, serving provider URLs directly")
	}

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Runtime queue config cache, seeded from env defaults
	cache := queue.NewConfigCache(configStore, cfg.Pipeline.QueueDefaults(), cfg.Pipeline.CacheTTL)
	if err := cache.EnsureDefaults(ctx); err != nil {
		log.Printf("Warning: failed to seed queue configs: %v", err)
	}

	// Request service and stage pools
	svc = service.NewRequestService(recordStore, storage, hub, cfg.Pipeline.ImageCount)

	imageWorker := worker.NewImageWorker(svc, imageProvider, storage, cache)
	modelWorker := worker.NewModelWorker(svc, modelProvider, storage, cache)

	imagePool := queue.NewPool(model.StageImage, cache, imageWorker, func(requestID string, err error) {
		svc.FailStage(context.Background(), requestID, model.StageImage, nil, service.CodeQueueError, err.Error())
	})
	modelPool := queue.NewPool(model.StageModel, cache, modelWorker, func(requestID string, err error) {
		svc.FailStage(context.Background(), requestID, model.StageModel, nil, service.CodeQueueError, err.Error())
	})
	svc.AttachQueues(imagePool, modelPool)

	poolCtx, stopPools := context.WithCancel(context.Background())
	go imagePool.Run(poolCtx)
	go modelPool.Run(poolCtx)

	// Initialize handlers
	requestHandler := handler.NewRequestHandler(svc, validate)
	adminHandler := handler.NewAdminHandler(cache, map[model.Stage]service.StageQueue{
		model.StageImage: imagePool,
		model.StageModel: modelPool,
	}, validate)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}

	var rateLimiter *middleware.RateLimiter
	if redisUp {
		rateLimiter = middleware.NewRateLimiter(redisClient)
	} else {
		rateLimiter = middleware.NewRateLimiter(nil)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024, // 1MB, JSON bodies only
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": redisUp,
				"image": cfg.Fal.APIKey != "",
				"model": cfg.Meshy.APIKey != "",
				"r2":    storage != nil,
				"auth":  jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Request routes
	requests := api.Group("/requests")
	requests.Post("/", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), requestHandler.Create)
	requests.Get("/", requestHandler.List)
	requests.Get("/:id", requestHandler.Get)
	requests.Post("/:id/select", requestHandler.SelectImage)
	requests.Post("/:id/cancel", requestHandler.Cancel)
	requests.Post("/:id/retry", requestHandler.Retry)
	requests.Delete("/:id", requestHandler.Delete)

	// Admin routes
	admin := api.Group("/admin")
	admin.Get("/queues", adminHandler.ListQueues)
	admin.Get("/queues/:stage", adminHandler.GetQueue)
	admin.Patch("/queues/:stage", adminHandler.UpdateQueue)
	admin.Post("/queues/:stage/pause", adminHandler.PauseQueue)
	admin.Post("/queues/:stage/resume", adminHandler.ResumeQueue)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/requests/:id", websocket.New(func(c *websocket.Conn) {
		requestID := c.Params("id")
		hub.HandleConnection(c, requestID)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		stopPools()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
