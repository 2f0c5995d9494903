package repository

import (
	"context"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.body, m.is_read, m.created_at, m.client_temp_id`

// addressedTo selects unread messages meant for the viewer ($2) in the
// conversation c. Participants see everything the other side wrote. Staff
// ($3 = staff roles, empty for everyone else) also cover the client side of
// conversations they are not part of.
const addressedTo = `
		m.sender_id <> $2
		AND m.is_read = FALSE
		AND (
			c.requester_id = $2
			OR c.counterpart_id = $2
			OR (
				COALESCE(cardinality($3::TEXT[]), 0) > 0
				AND m.sender_id IN (SELECT u.id FROM users u WHERE NOT (LOWER(u.role) = ANY($3::TEXT[])))
			)
		)`

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	body string,
	clientTempID string,
) (*models.Message, error) {
	query := `
		INSERT INTO messages AS m (conversation_id, sender_id, body, is_read, client_temp_id)
		VALUES ($1, $2, $3, FALSE, $4)
		RETURNING ` + messageColumns

	var message models.Message
	err := r.db.QueryRow(ctx, query, conversationID, senderID, body, clientTempID).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Body,
		&message.IsRead,
		&message.CreatedAt,
		&message.ClientTempID,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListByConversation returns every message of the conversation, oldest first.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MarkRead flips is_read for the given ids and returns only the rows that
// actually changed. Rows not addressed to the reader are skipped.
func (r *MessageRepository) MarkRead(
	ctx context.Context,
	messageIDs []int64,
	readerID int64,
	staffRoles []string,
) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return []models.Message{}, nil
	}

	rows, err := r.db.Query(ctx, `
		UPDATE messages m
		SET is_read = TRUE
		FROM conversations c
		WHERE c.id = m.conversation_id
		  AND m.id = ANY($1)
		  AND `+addressedTo+`
		RETURNING `+messageColumns, messageIDs, readerID, roleList(staffRoles))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *MessageRepository) MarkConversationRead(
	ctx context.Context,
	conversationID int64,
	readerID int64,
	staffRoles []string,
) ([]models.Message, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE messages m
		SET is_read = TRUE
		FROM conversations c
		WHERE c.id = m.conversation_id
		  AND m.conversation_id = $1
		  AND `+addressedTo+`
		RETURNING `+messageColumns, conversationID, readerID, roleList(staffRoles))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *MessageRepository) CountUnread(
	ctx context.Context,
	conversationID int64,
	viewerID int64,
	staffRoles []string,
) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1
		  AND `+addressedTo, conversationID, viewerID, roleList(staffRoles)).Scan(&count)
	return count, err
}

// UnreadByParticipant counts, for every conversation, the unread messages
// addressed to each of its two participants.
func (r *MessageRepository) UnreadByParticipant(ctx context.Context) ([]ParticipantUnread, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, p.viewer_id, COUNT(m.id)
		FROM conversations c
		CROSS JOIN LATERAL (VALUES (c.requester_id), (c.counterpart_id)) AS p(viewer_id)
		LEFT JOIN messages m
		  ON m.conversation_id = c.id
		 AND m.sender_id <> p.viewer_id
		 AND m.is_read = FALSE
		GROUP BY c.id, p.viewer_id
		ORDER BY c.id, p.viewer_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]ParticipantUnread, 0)
	for rows.Next() {
		var item ParticipantUnread
		if err := rows.Scan(&item.ConversationID, &item.ViewerID, &item.UnreadCount); err != nil {
			return nil, err
		}
		counts = append(counts, item)
	}
	return counts, rows.Err()
}

type ParticipantUnread struct {
	ConversationID int64
	ViewerID       int64
	UnreadCount    int
}

func roleList(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var message models.Message
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.Body,
			&message.IsRead,
			&message.CreatedAt,
			&message.ClientTempID,
		); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}
