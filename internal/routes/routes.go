package routes

import (
	"github.com/Henrry-Ojeda/gym-app/internal/config"
	"github.com/Henrry-Ojeda/gym-app/internal/handlers"
	"github.com/Henrry-Ojeda/gym-app/internal/middleware"
	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/repository"
	"github.com/Henrry-Ojeda/gym-app/internal/services"
	chatws "github.com/Henrry-Ojeda/gym-app/internal/websocket"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dependencies are the long-lived clients owned by main.
type Dependencies struct {
	DB     *pgxpool.Pool
	Events notifier.Notifier
	// UnreadCache is optional; leave it nil to count from Postgres only.
	UnreadCache services.CountCache
}

// RegisterRoutes mounts the chat API and returns the websocket hub, which the
// caller must Run.
func RegisterRoutes(app *fiber.App, cfg *config.Config, deps Dependencies) *chatws.Hub {
	isOperator := models.NewOperatorPredicate(cfg.OperatorRoles...)

	userRepo := repository.NewUserRepository(deps.DB)
	conversationRepo := repository.NewConversationRepository(deps.DB)
	messageRepo := repository.NewMessageRepository(deps.DB)

	unreadService := services.NewUnreadService(messageRepo, conversationRepo, deps.UnreadCache, cfg.OperatorRoles)
	chatService := services.NewChatService(
		deps.DB,
		conversationRepo,
		messageRepo,
		userRepo,
		deps.Events,
		unreadService,
		services.ChatPolicy{OperatorRoles: cfg.OperatorRoles, Greeting: cfg.ChatGreeting},
	)
	chatHub := chatws.NewHub(deps.Events, isOperator)
	chatHandler := handlers.NewChatHandler(chatService, unreadService, chatHub, cfg.JWTSecret)

	api := app.Group("/api")

	// Mounted before the bearer-auth group: browsers pass the token as a
	// query parameter on upgrade.
	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Put("/:id/summary", chatHandler.UpdateSummary)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/read", chatHandler.MarkConversationRead)
	conversations.Get("/:id/unread", chatHandler.CountUnread)

	authProtected.Post("/messages/read", chatHandler.MarkRead)
	authProtected.Get("/unread", chatHandler.ListUnread)

	return chatHub
}
