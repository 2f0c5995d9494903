package models

import "time"

// MaxMessageLength bounds a message body in runes.
const MaxMessageLength = 4000

type Conversation struct {
	ID            int64     `json:"id"`
	RequesterID   int64     `json:"requester_id"`
	CounterpartID int64     `json:"counterpart_id"`
	LastMessage   string    `json:"last_message"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c != nil && (c.RequesterID == userID || c.CounterpartID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID int64) int64 {
	if c.RequesterID == userID {
		return c.CounterpartID
	}
	return c.RequesterID
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Body           string    `json:"body"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`

	// ClientTempID is the sender's local id for the message, echoed back so
	// the sending session can match its optimistic entry.
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// Before orders messages by creation time, breaking ties by id.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

type UnreadBadge struct {
	ConversationID int64 `json:"conversation_id"`
	UnreadCount    int   `json:"unread_count"`
}
