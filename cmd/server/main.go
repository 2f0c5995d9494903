package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/cache"
	"github.com/Henrry-Ojeda/gym-app/internal/config"
	"github.com/Henrry-Ojeda/gym-app/internal/database"
	"github.com/Henrry-Ojeda/gym-app/internal/logging"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/routes"
	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}
	logging.Setup(cfg.LogLevel, cfg.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		log.Fatal("DB_URL is required")
	}
	pool, err := database.Connect(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal("failed to connect to database", "err", err)
	}
	defer pool.Close()

	// 3. Change notifier and unread cache
	deps := routes.Dependencies{DB: pool}
	if cfg.NatsURL != "" {
		events, err := notifier.NewNATS(ctx, cfg.NatsURL, cfg.NatsStream)
		if err != nil {
			log.Fatal("failed to connect to nats", "err", err)
		}
		defer events.Close()
		deps.Events = events
		log.Info("change events on nats", "stream", cfg.NatsStream)
	} else {
		deps.Events = notifier.NewMemory(0)
		log.Warn("NATS_URL not set, change events stay in process")
	}

	var unreadCache *cache.UnreadCache
	if cfg.RedisURL != "" {
		unreadCache, err = cache.NewUnreadCache(cfg.RedisURL, cfg.UnreadCacheTTL)
		if err != nil {
			log.Fatal("failed to connect to redis", "err", err)
		}
		defer unreadCache.Close()
		deps.UnreadCache = unreadCache
	}

	// 4. Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := pool.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database unavailable"})
		}
		if unreadCache != nil {
			if err := unreadCache.Ping(c.Context()); err != nil {
				log.Warn("unread cache ping failed", "err", err)
			}
		}
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	hub := routes.RegisterRoutes(app, cfg, deps)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error("chat hub stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown", "err", err)
		}
	}()

	// 5. Start Server
	log.Info("server starting", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal("server failed to start", "err", err)
	}
}
