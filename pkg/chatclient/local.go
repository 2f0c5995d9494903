package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/services"
)

// Local is a Backend running against the services in the same process.
type Local struct {
	chat   *services.ChatService
	unread *services.UnreadService
	events notifier.Notifier
	viewer Identity
}

func NewLocal(chat *services.ChatService, unread *services.UnreadService, events notifier.Notifier, viewer Identity) *Local {
	return &Local{chat: chat, unread: unread, events: events, viewer: viewer}
}

func (l *Local) Viewer() Identity {
	return l.viewer
}

func (l *Local) FindOrCreate(ctx context.Context, counterpartID int64) (*Conversation, error) {
	conversation, err := l.chat.FindOrCreate(ctx, l.viewer.ID, counterpartID)
	return conversation, translate(err)
}

func (l *Local) ContactOperator(ctx context.Context, operatorID int64) (*Conversation, error) {
	conversation, err := l.chat.ContactOperator(ctx, l.viewer, operatorID)
	return conversation, translate(err)
}

func (l *Local) ListByConversation(ctx context.Context, conversationID int64) ([]Message, error) {
	if _, err := l.chat.Authorize(ctx, l.viewer, conversationID); err != nil {
		return nil, translate(err)
	}
	messages, err := l.chat.ListByConversation(ctx, conversationID)
	return messages, translate(err)
}

func (l *Local) Append(ctx context.Context, conversationID int64, body string, tempID string) (*Message, error) {
	message, err := l.chat.Append(ctx, conversationID, l.viewer, body, tempID)
	return message, translate(err)
}

func (l *Local) MarkRead(ctx context.Context, messageIDs []int64) ([]int64, error) {
	changed, err := l.chat.MarkRead(ctx, l.viewer, messageIDs)
	return changed, translate(err)
}

func (l *Local) UpdateSummary(ctx context.Context, conversationID int64, lastMessage string, at time.Time) error {
	conversation, err := l.chat.Authorize(ctx, l.viewer, conversationID)
	if err != nil {
		return translate(err)
	}
	if !conversation.HasParticipant(l.viewer.ID) {
		return ErrForbidden
	}
	return translate(l.chat.UpdateSummary(ctx, conversationID, lastMessage, at))
}

func (l *Local) CountUnread(ctx context.Context, conversationID int64) (int, error) {
	if _, err := l.chat.Authorize(ctx, l.viewer, conversationID); err != nil {
		return 0, translate(err)
	}
	count, err := l.unread.CountUnread(ctx, conversationID, l.viewer)
	return count, translate(err)
}

func (l *Local) Badges(ctx context.Context) ([]UnreadBadge, error) {
	badges, err := l.unread.Badges(ctx, l.viewer)
	return badges, translate(err)
}

// Subscribe follows one conversation, or with a zero id every conversation
// the viewer may read.
func (l *Local) Subscribe(ctx context.Context, conversationID int64) (Feed, error) {
	if conversationID != 0 {
		if _, err := l.chat.Authorize(ctx, l.viewer, conversationID); err != nil {
			return nil, translate(err)
		}
	}

	sub, err := l.events.Subscribe(ctx, notifier.Filter{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	if conversationID != 0 || l.chat.IsOperator(l.viewer) {
		return sub, nil
	}
	return newFilteredFeed(sub, func(event ChangeEvent) bool {
		return event.Involves(l.viewer.ID)
	}), nil
}

type filteredFeed struct {
	inner  notifier.Subscription
	keep   func(ChangeEvent) bool
	events chan ChangeEvent
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFilteredFeed(inner notifier.Subscription, keep func(ChangeEvent) bool) *filteredFeed {
	f := &filteredFeed{
		inner:  inner,
		keep:   keep,
		events: make(chan ChangeEvent, cap(inner.Events())),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.forward()
	return f
}

func (f *filteredFeed) forward() {
	defer close(f.done)
	defer close(f.events)

	for {
		select {
		case <-f.stop:
			return
		case event, ok := <-f.inner.Events():
			if !ok {
				return
			}
			if !f.keep(event) {
				continue
			}
			select {
			case f.events <- event:
			case <-f.stop:
				return
			}
		}
	}
}

func (f *filteredFeed) Events() <-chan ChangeEvent {
	return f.events
}

func (f *filteredFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.stop)
		err = f.inner.Close()
		<-f.done
	})
	return err
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrValidation):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, services.ErrChannelUnavailable):
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	case errors.Is(err, services.ErrForbidden):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case errors.Is(err, services.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return err
	}
}

var _ Backend = (*Local)(nil)
