package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/repository"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
)

// MaxClientTempIDLength bounds the sender-supplied local message id.
const MaxClientTempIDLength = 64

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	ListByRoles(ctx context.Context, roles []string) ([]models.User, error)
}

type unreadInvalidator interface {
	Invalidate(ctx context.Context, conversationIDs ...int64)
}

// ChatPolicy holds the operator roles and the greeting written into a
// conversation a client opens with an operator.
type ChatPolicy struct {
	OperatorRoles []string
	Greeting      string
}

// ChatService is the conversation store and message log. Every accepted
// write is followed by a change event on the notifier.
type ChatService struct {
	db               txBeginner
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	userRepo         userReader
	events           notifier.Notifier
	unread           unreadInvalidator
	isOperator       models.OperatorPredicate
	policy           ChatPolicy
}

func NewChatService(
	db txBeginner,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	userRepo userReader,
	events notifier.Notifier,
	unread unreadInvalidator,
	policy ChatPolicy,
) *ChatService {
	if len(policy.OperatorRoles) == 0 {
		policy.OperatorRoles = models.DefaultOperatorRoles
	}
	roles := make([]string, 0, len(policy.OperatorRoles))
	for _, role := range policy.OperatorRoles {
		roles = append(roles, strings.ToLower(strings.TrimSpace(role)))
	}
	policy.OperatorRoles = roles
	return &ChatService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		userRepo:         userRepo,
		events:           events,
		unread:           unread,
		isOperator:       models.NewOperatorPredicate(policy.OperatorRoles...),
		policy:           policy,
	}
}

// IsOperator is the shared capability check for staff identities.
func (s *ChatService) IsOperator(identity models.Identity) bool {
	return s.isOperator(identity)
}

// FindOrCreate returns the conversation between the two users, creating it
// with an empty summary on first contact.
func (s *ChatService) FindOrCreate(ctx context.Context, requesterID int64, counterpartID int64) (*models.Conversation, error) {
	if requesterID <= 0 || counterpartID <= 0 || requesterID == counterpartID {
		return nil, ErrInvalidInput
	}

	if _, err := s.userRepo.GetByID(ctx, counterpartID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelUnavailable
		}
		return nil, err
	}

	return s.createOrGet(ctx, requesterID, counterpartID, "")
}

// ContactOperator opens (or reopens) the conversation between a client and an
// operator. A zero operatorID picks the first eligible operator.
func (s *ChatService) ContactOperator(ctx context.Context, client models.Identity, operatorID int64) (*models.Conversation, error) {
	if client.ID <= 0 || operatorID < 0 || operatorID == client.ID {
		return nil, ErrInvalidInput
	}
	if s.isOperator(client) {
		return nil, ErrForbidden
	}

	if operatorID > 0 {
		operator, err := s.userRepo.GetByID(ctx, operatorID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrChannelUnavailable
			}
			return nil, err
		}
		if !s.isOperator(models.Identity{ID: operator.ID, Role: operator.Role}) {
			return nil, ErrChannelUnavailable
		}
		return s.createOrGet(ctx, client.ID, operator.ID, s.policy.Greeting)
	}

	operators, err := s.userRepo.ListByRoles(ctx, s.policy.OperatorRoles)
	if err != nil {
		return nil, err
	}
	for _, operator := range operators {
		if operator.ID != client.ID {
			return s.createOrGet(ctx, client.ID, operator.ID, s.policy.Greeting)
		}
	}
	return nil, ErrChannelUnavailable
}

func (s *ChatService) createOrGet(ctx context.Context, requesterID int64, counterpartID int64, greeting string) (*models.Conversation, error) {
	conversation, created, err := s.conversationRepo.CreateOrGet(ctx, requesterID, counterpartID, greeting)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("conversation created", "conversation_id", conversation.ID,
			"requester_id", requesterID, "counterpart_id", counterpartID)
		s.publish(ctx, notifier.ConversationEvent(models.EventInsert, *conversation))
	}
	return conversation, nil
}

// Authorize loads the conversation for viewer. Participants and operators may
// read it; everyone else is refused.
func (s *ChatService) Authorize(ctx context.Context, viewer models.Identity, conversationID int64) (*models.Conversation, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	conversation, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(viewer.ID) && !s.isOperator(viewer) {
		return nil, ErrForbidden
	}
	return conversation, nil
}

func (s *ChatService) ListConversations(ctx context.Context, viewer models.Identity) ([]models.ConversationSummary, error) {
	if viewer.ID <= 0 {
		return nil, ErrForbidden
	}

	participantID := viewer.ID
	if s.isOperator(viewer) {
		participantID = 0
	}
	return s.conversationRepo.ListSummaries(ctx, viewer.ID, participantID, s.staffRoles(viewer))
}

// UpdateSummary overwrites last_message/updated_at. Calls carrying a
// timestamp older than the stored summary are ignored; timestamps from the
// future are capped at now.
func (s *ChatService) UpdateSummary(ctx context.Context, conversationID int64, lastMessage string, at time.Time) error {
	if conversationID <= 0 {
		return ErrInvalidInput
	}
	if now := time.Now(); at.IsZero() || at.After(now) {
		at = now
	}

	conversation, applied, err := s.conversationRepo.UpdateSummary(ctx, conversationID, lastMessage, at.UTC())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if applied {
		s.publish(ctx, notifier.ConversationEvent(models.EventUpdate, *conversation))
	}
	return nil
}

// Append validates and stores a message from a participant or from staff.
// The message row and the summary update commit together. clientTempID is
// the sender's local id, stored and echoed back on the row.
func (s *ChatService) Append(
	ctx context.Context,
	conversationID int64,
	sender models.Identity,
	body string,
	clientTempID string,
) (*models.Message, error) {
	trimmed, err := ValidateBody(body)
	if err != nil {
		return nil, err
	}
	clientTempID = strings.TrimSpace(clientTempID)
	if conversationID <= 0 || sender.ID <= 0 || utf8.RuneCountInString(clientTempID) > MaxClientTempIDLength {
		return nil, ErrInvalidInput
	}

	conversation, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(sender.ID) && !s.isOperator(sender) {
		return nil, ErrForbidden
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, err := txMessageRepo.Create(ctx, conversationID, sender.ID, trimmed, clientTempID)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	updated, applied, err := txConversationRepo.UpdateSummary(ctx, conversationID, message.Body, message.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("update conversation summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.invalidate(ctx, conversationID)
	s.publish(ctx, notifier.MessageEvent(models.EventInsert, conversation, *message))
	if applied {
		s.publish(ctx, notifier.ConversationEvent(models.EventUpdate, *updated))
	}

	return message, nil
}

func (s *ChatService) ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.messageRepo.ListByConversation(ctx, conversationID)
}

// MarkRead sets is_read on the given messages on behalf of reader and
// returns the ids that actually changed. Unknown, already read and
// self-authored ids are skipped, as are messages not addressed to reader.
// Staff cover the client side of every conversation.
func (s *ChatService) MarkRead(ctx context.Context, reader models.Identity, messageIDs []int64) ([]int64, error) {
	if reader.ID <= 0 {
		return nil, ErrInvalidInput
	}

	ids := uniquePositive(messageIDs)
	if len(ids) == 0 {
		return []int64{}, nil
	}

	changed, err := s.messageRepo.MarkRead(ctx, ids, reader.ID, s.staffRoles(reader))
	if err != nil {
		return nil, err
	}
	s.announceRead(ctx, changed)

	changedIDs := make([]int64, 0, len(changed))
	for _, message := range changed {
		changedIDs = append(changedIDs, message.ID)
	}
	return changedIDs, nil
}

// MarkConversationRead marks every message addressed to reader in the
// conversation and returns how many changed.
func (s *ChatService) MarkConversationRead(ctx context.Context, reader models.Identity, conversationID int64) (int, error) {
	if reader.ID <= 0 || conversationID <= 0 {
		return 0, ErrInvalidInput
	}

	conversation, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conversation.HasParticipant(reader.ID) && !s.isOperator(reader) {
		return 0, ErrForbidden
	}

	changed, err := s.messageRepo.MarkConversationRead(ctx, conversationID, reader.ID, s.staffRoles(reader))
	if err != nil {
		return 0, err
	}
	s.announceRead(ctx, changed)
	return len(changed), nil
}

// RebuildSummaries recomputes every conversation summary from its newest
// message and returns how many were repaired.
func (s *ChatService) RebuildSummaries(ctx context.Context) (int, error) {
	ids, err := s.conversationRepo.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, id := range ids {
		changed, err := s.conversationRepo.RebuildSummary(ctx, id)
		if err != nil {
			return repaired, fmt.Errorf("rebuild summary %d: %w", id, err)
		}
		if !changed {
			continue
		}
		repaired++
		if conversation, err := s.conversationRepo.GetByID(ctx, id); err == nil {
			s.publish(ctx, notifier.ConversationEvent(models.EventUpdate, *conversation))
		}
	}
	return repaired, nil
}

func (s *ChatService) announceRead(ctx context.Context, changed []models.Message) {
	if len(changed) == 0 {
		return
	}

	conversations := make(map[int64]*models.Conversation)
	for _, message := range changed {
		conversation, ok := conversations[message.ConversationID]
		if !ok {
			var err error
			conversation, err = s.conversationRepo.GetByID(ctx, message.ConversationID)
			if err != nil {
				log.Warn("read receipt without conversation", "conversation_id", message.ConversationID, "err", err)
				conversation = &models.Conversation{ID: message.ConversationID}
			}
			conversations[message.ConversationID] = conversation
			s.invalidate(ctx, message.ConversationID)
		}
		s.publish(ctx, notifier.MessageEvent(models.EventUpdate, conversation, message))
	}
}

func (s *ChatService) getConversation(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conversation, nil
}

// staffRoles is the role list handed to read-state queries: the operator
// roles for staff, nil for everyone else.
func (s *ChatService) staffRoles(identity models.Identity) []string {
	if s.isOperator(identity) {
		return s.policy.OperatorRoles
	}
	return nil
}

func (s *ChatService) publish(ctx context.Context, event models.ChangeEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		log.Error("publish change event", "event_id", event.ID, "type", event.Type,
			"entity", event.Entity, "conversation_id", event.ConversationID, "err", err)
	}
}

func (s *ChatService) invalidate(ctx context.Context, conversationID int64) {
	if s.unread != nil {
		s.unread.Invalidate(ctx, conversationID)
	}
}

// ValidateBody trims a message body and rejects empty or oversized text.
func ValidateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", ErrValidation
	}
	if utf8.RuneCountInString(trimmed) > models.MaxMessageLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrValidation, models.MaxMessageLength)
	}
	return trimmed, nil
}

func uniquePositive(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
