package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/cutline/render/internal/auth"
	"github.com/cutline/render/internal/config"
	"github.com/cutline/render/internal/encoderd"
	"github.com/cutline/render/internal/handler"
	"github.com/cutline/render/internal/metrics"
	"github.com/cutline/render/internal/middleware"
	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/service"
	"github.com/cutline/render/internal/storage"
	ws "github.com/cutline/render/internal/websocket"
	"github.com/cutline/render/internal/worker"
	"github.com/cutline/render/pkg/response"
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

	// Test Redis connection
	ctx := context.Background()
	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, using in-memory job store: %v", err)
		redisUp = false
	}

	m := metrics.New()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize object storage (optional - outputs stay on local disk if not configured)
	var store storage.Client
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		s3Client, err := storage.NewS3Client(&cfg.Storage)
		if err != nil {
			log.Printf("Warning: storage client not initialized: %v", err)
		} else {
			store = s3Client
		}
	} else {
		log.Println("Info: object storage not configured, outputs stay in the encoder work dir")
	}

	// Initialize OIDC verifier (optional - falls back to HMAC tokens)
	var oidcVerifier *auth.OIDCVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		oidcVerifier, err = auth.NewOIDCVerifier(ctx, &cfg.OIDC)
		if err != nil {
			log.Printf("Warning: OIDC verifier not initialized: %v", err)
		} else {
			defer oidcVerifier.Close()
		}
	}

	// Job store and queue
	var (
		jobStore    service.JobStore
		enqueuer    service.Enqueuer
		inline      *worker.InlineQueue
		credits     service.CreditChecker
		rateLimiter *middleware.RateLimiter
	)
	if redisUp {
		asynqClient := asynq.NewClient(redisOpt(cfg))
		defer asynqClient.Close()
		jobStore = service.NewRedisJobStore(redisClient)
		enqueuer = asynqClient
		rateLimiter = middleware.NewRateLimiter(redisClient)
		if cfg.Credits.Enabled {
			credits = service.NewRedisCredits(redisClient, cfg.Credits.DefaultBalance)
		}
	} else {
		inline = worker.NewInlineQueue(cfg.Server.Concurrency)
		jobStore = service.NewMemoryJobStore()
		enqueuer = inline
		rateLimiter = middleware.NewRateLimiter(nil)
	}

	// Initialize services
	renderService := service.NewRenderService(jobStore, enqueuer, service.RenderServiceOptions{
		Credits: credits,
		Storage: store,
		Defaults: service.RenderDefaults{
			FPS:    cfg.Render.DefaultFPS,
			Width:  cfg.Render.Width,
			Height: cfg.Render.Height,
		},
		URLExpiry: cfg.Storage.URLExpiry,
		Metrics:   m,
	})
	renderWorker := worker.NewRenderWorker(renderService, hub, m, worker.NewDriverFactory(cfg))
	if inline != nil {
		inline.Handle(asynq.HandlerFunc(renderWorker.ProcessTask))
	}

	gateway := &encoderd.Gateway{
		NewSink: encoderd.NewFFmpegFactory(encoderd.FFmpegConfig{
			Path:    cfg.Encoder.FFmpegPath,
			WorkDir: cfg.Encoder.WorkDir,
		}),
		Storage: store,
		Metrics: m,
	}

	// Initialize handlers
	renderHandler := handler.NewRenderHandler(renderService, validate, store)
	jobsHandler := handler.NewJobsHandler(renderService)

	// Initialize middleware (with fallback support)
	var authMiddleware *middleware.AuthMiddleware
	if oidcVerifier != nil && cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(oidcVerifier, cfg.JWT.Secret)
	} else if oidcVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(oidcVerifier)
	} else {
		authMiddleware = middleware.NewHMACAuthMiddleware(cfg.JWT.Secret)
	}
	internalKey := middleware.InternalKey(cfg.Server.InternalKey)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
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
				"redis":   redisUp,
				"storage": store != nil,
				"credits": credits != nil,
				"auth":    oidcVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())
	api.Post("/render", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.Start)
	api.Post("/render/download-url", renderHandler.DownloadURL)
	api.Get("/render/download", renderHandler.Download)
	api.Get("/render/:jobId", renderHandler.Status)

	// Session payloads, fetched by headless sessions
	app.Get("/jobs/:token", internalKey, jobsHandler.Payload)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	app.Get("/ws/encoder/:token", internalKey, jobsHandler.RequireSession, websocket.New(func(c *websocket.Conn) {
		gateway.HandleConnection(c, c.Params("token"))
	}))

	// Start Asynq worker server
	if redisUp {
		go startWorkerServer(cfg, renderWorker)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
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

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func startWorkerServer(cfg *config.Config, renderWorker *worker.RenderWorker) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.Server.Concurrency,
			Queues: map[string]int{
				"render": 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(model.TaskTypeRenderSession, renderWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if !errors.As(err, &fe) {
		log.Printf("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	}
	return response.FromError(c, err)
}
