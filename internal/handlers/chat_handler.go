package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/middleware"
	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/services"
	chatws "github.com/Henrry-Ojeda/gym-app/internal/websocket"
	"github.com/Henrry-Ojeda/gym-app/pkg/utils"
	"github.com/charmbracelet/log"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

var (
	errInvalidViewer       = errors.New("invalid viewer")
	errInvalidConversation = errors.New("invalid conversation id")
)

type chatApplicationService interface {
	FindOrCreate(ctx context.Context, requesterID int64, counterpartID int64) (*models.Conversation, error)
	ContactOperator(ctx context.Context, client models.Identity, operatorID int64) (*models.Conversation, error)
	IsOperator(identity models.Identity) bool
	Authorize(ctx context.Context, viewer models.Identity, conversationID int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, viewer models.Identity) ([]models.ConversationSummary, error)
	UpdateSummary(ctx context.Context, conversationID int64, lastMessage string, at time.Time) error
	Append(ctx context.Context, conversationID int64, sender models.Identity, body string, clientTempID string) (*models.Message, error)
	ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error)
	MarkRead(ctx context.Context, reader models.Identity, messageIDs []int64) ([]int64, error)
	MarkConversationRead(ctx context.Context, reader models.Identity, conversationID int64) (int, error)
}

type unreadApplicationService interface {
	CountUnread(ctx context.Context, conversationID int64, viewer models.Identity) (int, error)
	Badges(ctx context.Context, viewer models.Identity) ([]models.UnreadBadge, error)
}

type ChatHandler struct {
	service   chatApplicationService
	unread    unreadApplicationService
	hub       *chatws.Hub
	jwtSecret string
}

type createConversationRequest struct {
	CounterpartID int64 `json:"counterpart_id"`
}

type updateSummaryRequest struct {
	LastMessage string    `json:"last_message"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type appendMessageRequest struct {
	Body         string `json:"body"`
	ClientTempID string `json:"client_temp_id"`
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

func NewChatHandler(service chatApplicationService, unread unreadApplicationService, hub *chatws.Hub, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		service:   service,
		unread:    unread,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), viewer)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

// CreateConversation opens the conversation with counterpart_id. Operators
// may address anyone; clients are routed to an operator, the first eligible
// one when counterpart_id is omitted.
func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createConversationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	var conversation *models.Conversation
	if h.service.IsOperator(viewer) {
		conversation, err = h.service.FindOrCreate(c.Context(), viewer.ID, req.CounterpartID)
	} else {
		conversation, err = h.service.ContactOperator(c.Context(), viewer, req.CounterpartID)
	}
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) UpdateSummary(c *fiber.Ctx) error {
	viewer, conversationID, err := h.participant(c)
	if err != nil {
		return mapChatError(c, err)
	}

	var req updateSummaryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := h.service.UpdateSummary(c.Context(), conversationID, req.LastMessage, req.UpdatedAt); err != nil {
		return mapChatError(c, err)
	}

	log.Debug("conversation summary updated", "conversation_id", conversationID, "user_id", viewer.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	_, conversationID, err := h.reader(c)
	if err != nil {
		return mapChatError(c, err)
	}

	messages, err := h.service.ListByConversation(c.Context(), conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"messages": messages})
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return mapChatError(c, err)
	}

	var req appendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	message, err := h.service.Append(c.Context(), conversationID, viewer, req.Body, req.ClientTempID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req markReadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	changed, err := h.service.MarkRead(c.Context(), viewer, req.MessageIDs)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"message_ids": changed})
}

func (h *ChatHandler) MarkConversationRead(c *fiber.Ctx) error {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return mapChatError(c, err)
	}

	changed, err := h.service.MarkConversationRead(c.Context(), viewer, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"marked": changed})
}

func (h *ChatHandler) CountUnread(c *fiber.Ctx) error {
	viewer, conversationID, err := h.reader(c)
	if err != nil {
		return mapChatError(c, err)
	}

	count, err := h.unread.CountUnread(c.Context(), conversationID, viewer)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(models.UnreadBadge{ConversationID: conversationID, UnreadCount: count})
}

func (h *ChatHandler) ListUnread(c *fiber.Ctx) error {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	badges, err := h.unread.Badges(c.Context(), viewer)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"unread": badges})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)

	viewer, err := viewerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var conversationID int64
	if raw := strings.TrimSpace(c.Query("conversation_id")); raw != "" {
		conversationID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || conversationID <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
		}
		if _, err := h.service.Authorize(c.Context(), viewer, conversationID); err != nil {
			return mapChatError(c, err)
		}
	}
	c.Locals("conversation_id", conversationID)

	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	role, _ := conn.Locals("role").(string)
	conversationID, _ := conn.Locals("conversation_id").(int64)
	id, _ := strconv.ParseInt(userID, 10, 64)

	client := chatws.NewClient(h.hub, conn, models.Identity{ID: id, Role: role}, conversationID)
	if err := h.hub.Register(client); err != nil {
		log.Warn("websocket rejected", "user_id", id, "err", err)
		_ = conn.Close()
		return
	}
	go client.WritePump()
	client.ReadPump(h.service)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		if bearer, ok := middleware.BearerToken(c.Get("Authorization")); ok {
			tokenString = bearer
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

// reader resolves the conversation in the path for a viewer allowed to read
// it.
func (h *ChatHandler) reader(c *fiber.Ctx) (models.Identity, int64, error) {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return viewer, 0, err
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return viewer, 0, err
	}

	if _, err := h.service.Authorize(c.Context(), viewer, conversationID); err != nil {
		return viewer, 0, err
	}
	return viewer, conversationID, nil
}

// participant is reader restricted to the two members of the conversation.
func (h *ChatHandler) participant(c *fiber.Ctx) (models.Identity, int64, error) {
	viewer, err := viewerIdentity(c)
	if err != nil {
		return viewer, 0, err
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return viewer, 0, err
	}

	conversation, err := h.service.Authorize(c.Context(), viewer, conversationID)
	if err != nil {
		return viewer, 0, err
	}
	if !conversation.HasParticipant(viewer.ID) {
		return viewer, 0, services.ErrForbidden
	}
	return viewer, conversationID, nil
}

func viewerIdentity(c *fiber.Ctx) (models.Identity, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok {
		return models.Identity{}, errInvalidViewer
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || id <= 0 {
		return models.Identity{}, errInvalidViewer
	}
	role, _ := c.Locals("role").(string)
	return models.Identity{ID: id, Role: role}, nil
}

func parseConversationID(c *fiber.Ctx) (int64, error) {
	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return 0, errInvalidConversation
	}
	return conversationID, nil
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errInvalidViewer):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	case errors.Is(err, errInvalidConversation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id", "code": "invalid_input"})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden", "code": "forbidden"})
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Message body is empty or too long", "code": "validation"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request", "code": "invalid_input"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found", "code": "not_found"})
	case errors.Is(err, services.ErrChannelUnavailable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Chat channel unavailable", "code": "channel_unavailable"})
	default:
		log.Error("chat request failed", "path", c.Path(), "err", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
