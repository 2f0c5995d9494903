package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/charmbracelet/log"
)

// ErrFeedClosed is returned by BadgeBoard.Run when the backend ends the
// change feed.
var ErrFeedClosed = errors.New("chatclient: change feed closed")

// BadgeBoard keeps the viewer's unread count per conversation. Counts are
// always read back from the backend, never incremented locally, so the
// order in which events arrive does not matter.
type BadgeBoard struct {
	counter  Counter
	viewerID int64

	mu     sync.Mutex
	counts map[int64]int
	open   map[int64]int
}

func NewBadgeBoard(counter Counter, viewerID int64) *BadgeBoard {
	return &BadgeBoard{
		counter:  counter,
		viewerID: viewerID,
		counts:   make(map[int64]int),
		open:     make(map[int64]int),
	}
}

// Count is the badge for the conversation. It is 0 while a session has the
// conversation open.
func (b *BadgeBoard) Count(conversationID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open[conversationID] > 0 {
		return 0
	}
	return b.counts[conversationID]
}

func (b *BadgeBoard) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for conversationID, count := range b.counts {
		if b.open[conversationID] == 0 {
			total += count
		}
	}
	return total
}

// SetOpen marks a conversation as being viewed. Calls nest, so two sessions
// on the same conversation keep it open until both close.
func (b *BadgeBoard) SetOpen(conversationID int64, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if open {
		b.open[conversationID]++
		return
	}
	if b.open[conversationID] <= 1 {
		delete(b.open, conversationID)
		return
	}
	b.open[conversationID]--
}

// HandleEvent recounts a conversation when a message from someone else
// lands outside the open conversation, or when read state changes.
func (b *BadgeBoard) HandleEvent(ctx context.Context, event ChangeEvent) error {
	if event.Entity != models.EntityMessage || event.Message == nil {
		return nil
	}

	switch event.Type {
	case models.EventInsert:
		if event.Message.SenderID == b.viewerID {
			return nil
		}
		b.mu.Lock()
		open := b.open[event.ConversationID] > 0
		b.mu.Unlock()
		if open {
			return nil
		}
	case models.EventUpdate:
	default:
		return nil
	}

	return b.Recount(ctx, event.ConversationID)
}

func (b *BadgeBoard) Recount(ctx context.Context, conversationID int64) error {
	count, err := b.counter.CountUnread(ctx, conversationID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.counts[conversationID] = count
	b.mu.Unlock()
	return nil
}

// Reconcile replaces every count with a full recount from the backend.
func (b *BadgeBoard) Reconcile(ctx context.Context) error {
	badges, err := b.counter.Badges(ctx)
	if err != nil {
		return err
	}

	counts := make(map[int64]int, len(badges))
	for _, badge := range badges {
		counts[badge.ConversationID] = badge.UnreadCount
	}
	b.mu.Lock()
	b.counts = counts
	b.mu.Unlock()
	return nil
}

// Run follows every conversation the viewer can see and reconciles every
// interval until ctx ends.
func (b *BadgeBoard) Run(ctx context.Context, subscriber Subscriber, interval time.Duration) error {
	feed, err := subscriber.Subscribe(ctx, 0)
	if err != nil {
		return err
	}
	defer feed.Close()

	if err := b.Reconcile(ctx); err != nil {
		log.Warn("badge reconcile failed", "err", err)
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := feed.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return ErrFeedClosed
			}
			if err := b.HandleEvent(ctx, event); err != nil {
				log.Warn("badge recount failed", "conversation_id", event.ConversationID, "err", err)
			}
		case <-tick:
			if err := b.Reconcile(ctx); err != nil {
				log.Warn("badge reconcile failed", "err", err)
			}
		}
	}
}
