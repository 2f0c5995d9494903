package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Henrry-Ojeda/gym-app/internal/cache"
	"github.com/Henrry-Ojeda/gym-app/internal/config"
	"github.com/Henrry-Ojeda/gym-app/internal/database"
	"github.com/Henrry-Ojeda/gym-app/internal/logging"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/repository"
	"github.com/Henrry-Ojeda/gym-app/internal/services"
	"github.com/Henrry-Ojeda/gym-app/internal/tasks"
	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}
	logging.Setup(cfg.LogLevel, cfg.IsProduction())

	if cfg.DBUrl == "" {
		log.Fatal("DB_URL is required")
	}
	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal("failed to connect to database", "err", err)
	}
	defer pool.Close()

	unreadCache, err := cache.NewUnreadCache(cfg.RedisURL, cfg.UnreadCacheTTL)
	if err != nil {
		log.Fatal("failed to connect to redis", "err", err)
	}
	defer unreadCache.Close()

	conversationRepo := repository.NewConversationRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	unreadService := services.NewUnreadService(messageRepo, conversationRepo, unreadCache, cfg.OperatorRoles)

	// Without NATS, rebuilt summaries reach connected sessions on their next
	// list only.
	var events notifier.Notifier
	if cfg.NatsURL != "" {
		natsEvents, err := notifier.NewNATS(ctx, cfg.NatsURL, cfg.NatsStream)
		if err != nil {
			log.Fatal("failed to connect to nats", "err", err)
		}
		defer natsEvents.Close()
		events = natsEvents
	} else {
		log.Warn("NATS_URL not set, summary repairs are not published")
	}

	chatService := services.NewChatService(
		pool,
		conversationRepo,
		messageRepo,
		repository.NewUserRepository(pool),
		events,
		unreadService,
		services.ChatPolicy{OperatorRoles: cfg.OperatorRoles, Greeting: cfg.ChatGreeting},
	)

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to parse REDIS_URL", "err", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{tasks.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			log.Error("task failed", "type", task.Type(), "err", err)
		}),
	})
	mux := asynq.NewServeMux()
	tasks.NewHandlers(unreadService, chatService).Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if err := tasks.RegisterSchedule(scheduler, cfg.ReconcileInterval); err != nil {
		log.Fatal("failed to register schedule", "err", err)
	}

	if err := server.Start(mux); err != nil {
		log.Fatal("failed to start worker", "err", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatal("failed to start scheduler", "err", err)
	}
	log.Info("worker started", "interval", cfg.ReconcileInterval, "concurrency", cfg.WorkerConcurrency)

	<-ctx.Done()
	log.Info("worker shutting down")
	scheduler.Shutdown()
	server.Shutdown()
}
