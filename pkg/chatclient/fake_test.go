package chatclient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
)

// fakeLog is an in-memory conversation store and message log shared by the
// fake backends of several viewers.
type fakeLog struct {
	mu            sync.Mutex
	events        *notifier.Memory
	conversations map[int64]*Conversation
	messages      []Message
	nextID        int64
	clock         time.Time
	tick          time.Duration
	silent        bool
	operators     []int64

	appendHook   func(ctx context.Context) error
	markReadHits int
	summaryHits  int
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		events:        notifier.NewMemory(256),
		conversations: make(map[int64]*Conversation),
		clock:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		tick:          time.Millisecond,
	}
}

func (l *fakeLog) backend(viewer Identity) *fakeBackend {
	return &fakeBackend{log: l, viewer: viewer}
}

func (l *fakeLog) conversation(requesterID int64, counterpartID int64) Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.findOrCreateLocked(requesterID, counterpartID)
}

func (l *fakeLog) findOrCreateLocked(requesterID int64, counterpartID int64) *Conversation {
	for _, c := range l.conversations {
		if c.HasParticipant(requesterID) && c.HasParticipant(counterpartID) {
			return c
		}
	}
	l.nextID++
	c := &Conversation{ID: l.nextID, RequesterID: requesterID, CounterpartID: counterpartID, CreatedAt: l.clock, UpdatedAt: l.clock}
	l.conversations[c.ID] = c
	return c
}

// store writes a message without publishing it.
func (l *fakeLog) store(conversationID int64, senderID int64, body string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storeLocked(conversationID, senderID, body, "")
}

func (l *fakeLog) storeLocked(conversationID int64, senderID int64, body string, tempID string) Message {
	l.nextID++
	l.clock = l.clock.Add(l.tick)
	message := Message{
		ID:             l.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      l.clock,
		ClientTempID:   tempID,
	}
	l.messages = append(l.messages, message)
	return message
}

func (l *fakeLog) insertEvent(message Message) ChangeEvent {
	l.mu.Lock()
	conversation := *l.conversations[message.ConversationID]
	l.mu.Unlock()
	return notifier.MessageEvent(models.EventInsert, &conversation, message)
}

func (l *fakeLog) publish(event ChangeEvent) {
	l.mu.Lock()
	silent := l.silent
	l.mu.Unlock()
	if !silent {
		_ = l.events.Publish(context.Background(), event)
	}
}

func (l *fakeLog) rows(conversationID int64) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rows []Message
	for _, message := range l.messages {
		if message.ConversationID == conversationID {
			rows = append(rows, message)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Before(rows[j]) })
	return rows
}

func (l *fakeLog) unread(conversationID int64, viewerID int64) int {
	count := 0
	for _, message := range l.rows(conversationID) {
		if message.SenderID != viewerID && !message.IsRead {
			count++
		}
	}
	return count
}

type fakeBackend struct {
	log    *fakeLog
	viewer Identity
}

func (b *fakeBackend) Viewer() Identity {
	return b.viewer
}

func (b *fakeBackend) FindOrCreate(_ context.Context, counterpartID int64) (*Conversation, error) {
	if counterpartID == 404 {
		return nil, ErrChannelUnavailable
	}
	conversation := b.log.conversation(b.viewer.ID, counterpartID)
	return &conversation, nil
}

func (b *fakeBackend) ContactOperator(ctx context.Context, operatorID int64) (*Conversation, error) {
	b.log.mu.Lock()
	operators := append([]int64(nil), b.log.operators...)
	b.log.mu.Unlock()
	if operatorID == 0 {
		if len(operators) == 0 {
			return nil, ErrChannelUnavailable
		}
		operatorID = operators[0]
	}
	return b.FindOrCreate(ctx, operatorID)
}

func (b *fakeBackend) ListByConversation(_ context.Context, conversationID int64) ([]Message, error) {
	return b.log.rows(conversationID), nil
}

func (b *fakeBackend) Append(ctx context.Context, conversationID int64, body string, tempID string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrValidation
	}

	b.log.mu.Lock()
	hook := b.log.appendHook
	b.log.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	b.log.mu.Lock()
	message := b.log.storeLocked(conversationID, b.viewer.ID, body, tempID)
	b.log.mu.Unlock()
	b.log.publish(b.log.insertEvent(message))
	return &message, nil
}

// MarkRead flips only messages addressed to the viewer in conversations it
// takes part in.
func (b *fakeBackend) MarkRead(_ context.Context, ids []int64) ([]int64, error) {
	b.log.mu.Lock()
	b.log.markReadHits++
	var changed []Message
	for _, id := range ids {
		for i := range b.log.messages {
			message := &b.log.messages[i]
			c, ok := b.log.conversations[message.ConversationID]
			if !ok || !c.HasParticipant(b.viewer.ID) {
				continue
			}
			if message.ID == id && message.SenderID != b.viewer.ID && !message.IsRead {
				message.IsRead = true
				changed = append(changed, *message)
			}
		}
	}
	b.log.mu.Unlock()

	for _, message := range changed {
		event := b.log.insertEvent(message)
		event.Type = models.EventUpdate
		b.log.publish(event)
	}
	return messageIDs(changed), nil
}

func (b *fakeBackend) UpdateSummary(_ context.Context, conversationID int64, lastMessage string, at time.Time) error {
	b.log.mu.Lock()
	defer b.log.mu.Unlock()
	b.log.summaryHits++
	if c, ok := b.log.conversations[conversationID]; ok && !at.Before(c.UpdatedAt) {
		c.LastMessage = lastMessage
		c.UpdatedAt = at
	}
	return nil
}

func (b *fakeBackend) CountUnread(_ context.Context, conversationID int64) (int, error) {
	return b.log.unread(conversationID, b.viewer.ID), nil
}

func (b *fakeBackend) Badges(context.Context) ([]UnreadBadge, error) {
	b.log.mu.Lock()
	var ids []int64
	for id, c := range b.log.conversations {
		if c.HasParticipant(b.viewer.ID) {
			ids = append(ids, id)
		}
	}
	b.log.mu.Unlock()

	badges := make([]UnreadBadge, 0, len(ids))
	for _, id := range ids {
		badges = append(badges, UnreadBadge{ConversationID: id, UnreadCount: b.log.unread(id, b.viewer.ID)})
	}
	return badges, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, conversationID int64) (Feed, error) {
	return b.log.events.Subscribe(ctx, notifier.Filter{ConversationID: conversationID})
}

func entryIDs(entries []Entry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

func messageIDs(messages []Message) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	return ids
}
