// Package notifier carries row-level change events for conversations and
// messages. Delivery is best-effort and at-least-once: subscribers must
// deduplicate by entity id and must not rely on ordering.
package notifier

import (
	"context"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/google/uuid"
)

// Filter selects the events a subscription receives. A zero ConversationID
// matches every conversation.
type Filter struct {
	ConversationID int64
}

func (f Filter) Matches(event models.ChangeEvent) bool {
	return f.ConversationID == 0 || f.ConversationID == event.ConversationID
}

type Subscription interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

type Notifier interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

func MessageEvent(eventType models.EventType, conversation *models.Conversation, message models.Message) models.ChangeEvent {
	event := newEvent(eventType, models.EntityMessage, conversation)
	event.ConversationID = message.ConversationID
	event.Message = &message
	return event
}

func ConversationEvent(eventType models.EventType, conversation models.Conversation) models.ChangeEvent {
	event := newEvent(eventType, models.EntityConversation, &conversation)
	event.Conversation = &conversation
	return event
}

func newEvent(eventType models.EventType, entity models.EntityType, conversation *models.Conversation) models.ChangeEvent {
	event := models.ChangeEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Entity:     entity,
		OccurredAt: time.Now().UTC(),
	}
	if conversation != nil {
		event.ConversationID = conversation.ID
		event.Participants = [2]int64{conversation.RequesterID, conversation.CounterpartID}
	}
	return event
}
