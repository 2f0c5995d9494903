package models

import "time"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

type EntityType string

const (
	EntityMessage      EntityType = "message"
	EntityConversation EntityType = "conversation"
)

// ChangeEvent is a row-level change notification. Exactly one of Message or
// Conversation is set, matching Entity. Participants lets push transports
// route the event without another lookup.
type ChangeEvent struct {
	ID             string        `json:"id"`
	Type           EventType     `json:"type"`
	Entity         EntityType    `json:"entity"`
	ConversationID int64         `json:"conversation_id"`
	Participants   [2]int64      `json:"participants"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// Involves reports whether userID participates in the event's conversation.
func (e ChangeEvent) Involves(userID int64) bool {
	return e.Participants[0] == userID || e.Participants[1] == userID
}
