package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestChatServiceOfflineRecipientSeesMessageOnOpen(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, unread, events := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID) })

	client := models.Identity{ID: clientID, Role: "client"}
	coach := models.Identity{ID: coachID, Role: "coach"}

	conversation, err := service.ContactOperator(ctx, client, coachID)
	if err != nil {
		t.Fatalf("ContactOperator: %v", err)
	}

	feed, err := events.Subscribe(ctx, notifier.Filter{ConversationID: conversation.ID})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	message, err := service.Append(ctx, conversation.ID, client, "  hello  ", "tmp-hello")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if message.Body != "hello" || message.IsRead || message.ClientTempID != "tmp-hello" {
		t.Fatalf("unexpected stored message: %+v", message)
	}

	count, err := unread.CountUnread(ctx, conversation.ID, coach)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 unread for coach, got %d (%v)", count, err)
	}
	if own, _ := unread.CountUnread(ctx, conversation.ID, client); own != 0 {
		t.Fatalf("sender must not see own message as unread, got %d", own)
	}

	changed, err := service.MarkRead(ctx, client, []int64{message.ID})
	if err != nil {
		t.Fatalf("MarkRead by sender: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("sender marking own message must be a no-op, changed %v", changed)
	}
	if count, _ := unread.CountUnread(ctx, conversation.ID, coach); count != 1 {
		t.Fatalf("sender marking own message must be a no-op, got %d", count)
	}

	changed, err = service.MarkRead(ctx, coach, []int64{message.ID, message.ID, 999999999})
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(changed) != 1 || changed[0] != message.ID {
		t.Fatalf("expected only %d to change, got %v", message.ID, changed)
	}
	if count, _ := unread.CountUnread(ctx, conversation.ID, coach); count != 0 {
		t.Fatalf("expected 0 unread after read, got %d", count)
	}

	seen := map[models.EventType]int{}
	timeout := time.After(2 * time.Second)
	for seen[models.EventUpdate] < 2 || seen[models.EventInsert] < 1 {
		select {
		case event := <-feed.Events():
			seen[event.Type]++
		case <-timeout:
			t.Fatalf("missing change events, saw %v", seen)
		}
	}

	conversations, err := service.ListConversations(ctx, client)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 1 || conversations[0].LastMessage != "hello" {
		t.Fatalf("expected summary with last message, got %+v", conversations)
	}
}

func TestChatServiceReadStateIsMonotonic(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _, _ := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID) })

	conversation, err := service.FindOrCreate(ctx, coachID, clientID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	message, err := service.Append(ctx, conversation.ID, models.Identity{ID: coachID, Role: "coach"}, "plan ready", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := service.MarkRead(ctx, models.Identity{ID: clientID, Role: "client"}, []int64{message.ID}); err != nil {
			t.Fatalf("MarkRead #%d: %v", i, err)
		}
	}
	if _, err := pool.Exec(ctx, "UPDATE messages SET is_read = FALSE WHERE id = $1", message.ID); err != nil {
		t.Fatalf("direct reset: %v", err)
	}

	messages, err := service.ListByConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(messages) != 1 || !messages[0].IsRead {
		t.Fatalf("expected read flag to stay true, got %+v", messages)
	}
}

func TestChatServiceFindOrCreateIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _, _ := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID) })

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requester, counterpart := clientID, coachID
			if i%2 == 1 {
				requester, counterpart = coachID, clientID
			}
			conversation, err := service.FindOrCreate(ctx, requester, counterpart)
			errs[i] = err
			if conversation != nil {
				ids[i] = conversation.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("FindOrCreate #%d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected a single conversation, got ids %v", ids)
		}
	}

	if _, err := service.FindOrCreate(ctx, clientID, 999999999); !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable for missing counterpart, got %v", err)
	}
}

func TestChatServiceConcurrentSendsAreBothStored(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _, _ := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID) })

	conversation, err := service.FindOrCreate(ctx, clientID, coachID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	var wg sync.WaitGroup
	for _, sender := range []models.Identity{{ID: clientID, Role: "client"}, {ID: coachID, Role: "coach"}} {
		wg.Add(1)
		go func(sender models.Identity) {
			defer wg.Done()
			if _, err := service.Append(ctx, conversation.ID, sender, fmt.Sprintf("from %d", sender.ID), ""); err != nil {
				t.Errorf("Append from %d: %v", sender.ID, err)
			}
		}(sender)
	}
	wg.Wait()

	messages, err := service.ListByConversation(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected both messages, got %+v", messages)
	}
	if messages[1].Before(messages[0]) {
		t.Fatalf("messages not in creation order: %+v", messages)
	}

	if _, err := service.Append(ctx, conversation.ID, models.Identity{ID: clientID, Role: "client"}, " ", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	after, _ := service.ListByConversation(ctx, conversation.ID)
	if len(after) != 2 {
		t.Fatalf("validation failure must not write, got %d rows", len(after))
	}
}

func TestChatServiceSummaryIgnoresStaleAndFutureTimestamps(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _, _ := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID) })
	client := models.Identity{ID: clientID, Role: "client"}

	conversation, err := service.FindOrCreate(ctx, clientID, coachID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	future := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := service.UpdateSummary(ctx, conversation.ID, "from the future", future); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	stored, err := service.Authorize(ctx, client, conversation.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if stored.UpdatedAt.After(time.Now().Add(time.Minute)) {
		t.Fatalf("future timestamp was stored: %v", stored.UpdatedAt)
	}

	if _, err := service.Append(ctx, conversation.ID, client, "after the clock skew", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := service.UpdateSummary(ctx, conversation.ID, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("stale UpdateSummary: %v", err)
	}

	conversations, err := service.ListConversations(ctx, client)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 1 || conversations[0].LastMessage != "after the clock skew" {
		t.Fatalf("expected the appended message as summary, got %+v", conversations)
	}
}

func TestChatServiceRebuildSummariesHealsWedgedTimestamp(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _, events := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID) })

	conversation, err := service.FindOrCreate(ctx, clientID, coachID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	message, err := service.Append(ctx, conversation.ID, models.Identity{ID: clientID, Role: "client"}, "newest", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := pool.Exec(ctx,
		"UPDATE conversations SET last_message = 'wedged', updated_at = '2099-01-01T00:00:00Z' WHERE id = $1",
		conversation.ID,
	); err != nil {
		t.Fatalf("direct wedge: %v", err)
	}

	feed, err := events.Subscribe(ctx, notifier.Filter{ConversationID: conversation.ID})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer feed.Close()

	repaired, err := service.RebuildSummaries(ctx)
	if err != nil {
		t.Fatalf("RebuildSummaries: %v", err)
	}
	if repaired < 1 {
		t.Fatalf("expected the wedged summary to be repaired, got %d", repaired)
	}

	select {
	case event := <-feed.Events():
		if event.Entity != models.EntityConversation || event.Conversation == nil || event.Conversation.LastMessage != "newest" {
			t.Fatalf("unexpected repair event: %+v", event)
		}
		if !event.Conversation.UpdatedAt.Equal(message.CreatedAt) {
			t.Fatalf("expected updated_at %v, got %v", message.CreatedAt, event.Conversation.UpdatedAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("repair was not published")
	}
}

func TestChatServiceOperatorsCoverClientMessages(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, unread, _ := newIntegrationChatService(pool)

	clientID := createTestAccount(t, ctx, pool, "client")
	coachID := createTestAccount(t, ctx, pool, "coach")
	otherCoachID := createTestAccount(t, ctx, pool, "coach")
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, clientID, coachID, otherCoachID) })

	client := models.Identity{ID: clientID, Role: "client"}
	coach := models.Identity{ID: coachID, Role: "coach"}
	otherCoach := models.Identity{ID: otherCoachID, Role: "Coach"}

	conversation, err := service.FindOrCreate(ctx, clientID, coachID)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	question, err := service.Append(ctx, conversation.ID, client, "can I swap leg day?", "")
	if err != nil {
		t.Fatalf("Append client: %v", err)
	}
	answer, err := service.Append(ctx, conversation.ID, coach, "sure", "")
	if err != nil {
		t.Fatalf("Append coach: %v", err)
	}

	if count, err := unread.CountUnread(ctx, conversation.ID, otherCoach); err != nil || count != 1 {
		t.Fatalf("other coach should only count the client message, got %d (%v)", count, err)
	}

	changed, err := service.MarkRead(ctx, otherCoach, []int64{question.ID, answer.ID})
	if err != nil {
		t.Fatalf("MarkRead by other coach: %v", err)
	}
	if len(changed) != 1 || changed[0] != question.ID {
		t.Fatalf("expected only the client message to flip, got %v", changed)
	}
	if count, _ := unread.CountUnread(ctx, conversation.ID, otherCoach); count != 0 {
		t.Fatalf("expected 0 unread for other coach, got %d", count)
	}
	if count, _ := unread.CountUnread(ctx, conversation.ID, client); count != 1 {
		t.Fatalf("staff reply must stay unread for the client, got %d", count)
	}

	if _, err := service.Append(ctx, conversation.ID, otherCoach, "covering for your coach", ""); err != nil {
		t.Fatalf("Append by other coach: %v", err)
	}
	if marked, err := service.MarkConversationRead(ctx, otherCoach, conversation.ID); err != nil || marked != 0 {
		t.Fatalf("nothing from the client is left to mark, got %d (%v)", marked, err)
	}
	if marked, err := service.MarkConversationRead(ctx, client, conversation.ID); err != nil || marked != 2 {
		t.Fatalf("client should read both staff replies, got %d (%v)", marked, err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationChatService(pool *pgxpool.Pool) (*ChatService, *UnreadService, *notifier.Memory) {
	events := notifier.NewMemory(32)
	conversationRepo := repository.NewConversationRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	unread := NewUnreadService(messageRepo, conversationRepo, nil, []string{"coach"})
	chat := NewChatService(
		pool,
		conversationRepo,
		messageRepo,
		repository.NewUserRepository(pool),
		events,
		unread,
		ChatPolicy{OperatorRoles: []string{"coach"}, Greeting: "Hi!"},
	)
	return chat, unread, events
}

func createTestAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) int64 {
	t.Helper()

	user := &models.User{
		Email:     fmt.Sprintf("chat-test-%s-%d@example.com", role, time.Now().UnixNano()),
		FirstName: "Test",
		LastName:  role,
		Role:      role,
	}
	if err := repository.NewUserRepository(pool).CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser(%s): %v", role, err)
	}
	return user.ID
}

func cleanupTestUsers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userIDs ...int64) {
	t.Helper()

	if len(userIDs) == 0 {
		return
	}

	if _, err := pool.Exec(ctx, "DELETE FROM messages WHERE sender_id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup messages: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM conversations WHERE requester_id = ANY($1) OR counterpart_id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup conversations: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM users WHERE id = ANY($1)", userIDs); err != nil {
		t.Fatalf("cleanup users: %v", err)
	}
}
