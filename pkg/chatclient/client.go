// Package chatclient is the viewer side of the chat subsystem: a Session per
// open conversation view and a BadgeBoard for the conversation list. Both
// talk to the backend through the Store, Counter and Subscriber interfaces,
// implemented in-process by Local and over HTTP/websocket by Remote.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
)

type (
	Conversation = models.Conversation
	Message      = models.Message
	ChangeEvent  = models.ChangeEvent
	Identity     = models.Identity
	UnreadBadge  = models.UnreadBadge
)

var (
	ErrValidation         = errors.New("chatclient: message body is empty or too long")
	ErrChannelUnavailable = errors.New("chatclient: chat channel unavailable")
	ErrForbidden          = errors.New("chatclient: forbidden")
	ErrNotFound           = errors.New("chatclient: conversation not found")
	ErrClosed             = errors.New("chatclient: session closed")
	ErrSendTimeout        = errors.New("chatclient: send timed out")
)

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "validation":
		return ErrValidation
	case "channel_unavailable":
		return ErrChannelUnavailable
	case "forbidden":
		return ErrForbidden
	case "not_found":
		return ErrNotFound
	default:
		return nil
	}
}

// Store is the conversation store and message log as seen by one viewer.
type Store interface {
	FindOrCreate(ctx context.Context, counterpartID int64) (*Conversation, error)
	// ContactOperator opens the viewer's conversation with an operator; a
	// zero operatorID lets the backend pick one.
	ContactOperator(ctx context.Context, operatorID int64) (*Conversation, error)
	ListByConversation(ctx context.Context, conversationID int64) ([]Message, error)
	// Append stores body; tempID is echoed back on the stored row and its
	// INSERT event.
	Append(ctx context.Context, conversationID int64, body string, tempID string) (*Message, error)
	// MarkRead returns the ids the backend actually flipped.
	MarkRead(ctx context.Context, messageIDs []int64) ([]int64, error)
	UpdateSummary(ctx context.Context, conversationID int64, lastMessage string, at time.Time) error
}

type Counter interface {
	CountUnread(ctx context.Context, conversationID int64) (int, error)
	Badges(ctx context.Context) ([]UnreadBadge, error)
}

// Feed is a live change-event stream. Events is closed after Close or when
// the backend ends the stream.
type Feed interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Subscriber opens change feeds. A zero conversationID follows every
// conversation visible to the viewer.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID int64) (Feed, error)
}

// Backend is everything a viewer needs, bound to that viewer's identity.
type Backend interface {
	Store
	Counter
	Subscriber
	Viewer() Identity
}
