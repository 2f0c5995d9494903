package chatclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCounter struct {
	*fakeBackend
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingCounter) CountUnread(ctx context.Context, conversationID int64) (int, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.fakeBackend.CountUnread(ctx, conversationID)
}

func (c *countingCounter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestBadgeBoardRecountsOnCounterpartInsert(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	counter := &countingCounter{fakeBackend: log.backend(coachIdentity)}
	board := NewBadgeBoard(counter, coachID)

	first := log.store(conversation.ID, clientID, "one")
	require.NoError(t, board.HandleEvent(context.Background(), log.insertEvent(first)))
	assert.Equal(t, 1, board.Count(conversation.ID))

	own := log.store(conversation.ID, coachID, "mine")
	require.NoError(t, board.HandleEvent(context.Background(), log.insertEvent(own)))
	assert.Equal(t, 1, counter.callCount(), "own messages do not trigger a recount")
	assert.Equal(t, 1, board.Total())
}

func TestBadgeBoardSkipsOpenConversationInserts(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	counter := &countingCounter{fakeBackend: log.backend(coachIdentity)}
	board := NewBadgeBoard(counter, coachID)
	board.SetOpen(conversation.ID, true)

	message := log.store(conversation.ID, clientID, "while open")
	require.NoError(t, board.HandleEvent(context.Background(), log.insertEvent(message)))
	assert.Equal(t, 0, counter.callCount())
	assert.Equal(t, 0, board.Count(conversation.ID))
}

func TestBadgeBoardNestedOpen(t *testing.T) {
	board := NewBadgeBoard(&countingCounter{fakeBackend: newFakeLog().backend(coachIdentity)}, coachID)
	board.counts[7] = 3

	board.SetOpen(7, true)
	board.SetOpen(7, true)
	board.SetOpen(7, false)
	assert.Equal(t, 0, board.Count(7))
	board.SetOpen(7, false)
	assert.Equal(t, 3, board.Count(7))
	board.SetOpen(7, false)
	assert.Equal(t, 3, board.Count(7))
}

func TestBadgeBoardConvergesRegardlessOfEventOrder(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	coach := log.backend(coachIdentity)
	board := NewBadgeBoard(coach, coachID)

	first := log.store(conversation.ID, clientID, "one")
	second := log.store(conversation.ID, clientID, "two")
	_, err := coach.MarkRead(context.Background(), []int64{first.ID})
	require.NoError(t, err)

	readFirst := first
	readFirst.IsRead = true
	update := log.insertEvent(readFirst)
	update.Type = models.EventUpdate

	// Delivered newest first, the read receipt ahead of both inserts.
	for _, event := range []ChangeEvent{update, log.insertEvent(second), log.insertEvent(first)} {
		require.NoError(t, board.HandleEvent(context.Background(), event))
	}

	assert.Equal(t, log.unread(conversation.ID, coachID), board.Count(conversation.ID))
	assert.Equal(t, 1, board.Count(conversation.ID))
}

func TestBadgeBoardReconcileReplacesCounts(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	board := NewBadgeBoard(log.backend(coachIdentity), coachID)
	board.counts[999] = 4
	board.counts[conversation.ID] = 9

	log.store(conversation.ID, clientID, "one")
	require.NoError(t, board.Reconcile(context.Background()))

	assert.Equal(t, 1, board.Count(conversation.ID))
	assert.Equal(t, 0, board.Count(999))
}

func TestBadgeBoardPropagatesCounterErrors(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	boom := errors.New("offline")
	board := NewBadgeBoard(&countingCounter{fakeBackend: log.backend(coachIdentity), err: boom}, coachID)

	message := log.store(conversation.ID, clientID, "one")
	err := board.HandleEvent(context.Background(), log.insertEvent(message))
	assert.ErrorIs(t, err, boom)
}

func TestBadgeBoardRunFollowsEvents(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	coach := log.backend(coachIdentity)
	board := NewBadgeBoard(coach, coachID)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() {
		stopped <- board.Run(ctx, coach, time.Hour)
	}()
	require.Eventually(t, func() bool {
		return log.events.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := log.backend(clientIdentity).Append(context.Background(), conversation.ID, "hello", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return board.Count(conversation.ID) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-stopped)
}

func TestBadgeBoardRunReconcilesPeriodically(t *testing.T) {
	log := newFakeLog()
	conversation := log.conversation(clientID, coachID)
	coach := log.backend(coachIdentity)
	board := NewBadgeBoard(coach, coachID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = board.Run(ctx, coach, 10*time.Millisecond)
	}()

	// Not published: only the periodic recount can find it.
	log.store(conversation.ID, clientID, "dropped notification")

	require.Eventually(t, func() bool {
		return board.Count(conversation.ID) == 1
	}, time.Second, 5*time.Millisecond)
}
