package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, requester_id, counterpart_id, last_message, created_at, updated_at`

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// CreateOrGet returns the conversation of the unordered pair, inserting it
// when absent. created is true only for the call that inserted the row.
func (r *ConversationRepository) CreateOrGet(
	ctx context.Context,
	requesterID int64,
	counterpartID int64,
	greeting string,
) (*models.Conversation, bool, error) {
	query := `
		INSERT INTO conversations (requester_id, counterpart_id, last_message)
		VALUES ($1, $2, $3)
		ON CONFLICT ((LEAST(requester_id, counterpart_id)), (GREATEST(requester_id, counterpart_id)))
		DO UPDATE SET updated_at = conversations.updated_at
		RETURNING ` + conversationColumns + `, (xmax = 0) AS inserted
	`

	var conversation models.Conversation
	var inserted bool
	err := r.db.QueryRow(ctx, query, requesterID, counterpartID, greeting).Scan(
		&conversation.ID,
		&conversation.RequesterID,
		&conversation.CounterpartID,
		&conversation.LastMessage,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, err
	}

	return &conversation, inserted, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID))
}

// UpdateSummary overwrites the denormalized summary unless the stored one is
// newer than at. at is capped at the database clock so a caller can never
// push updated_at into the future. It reports whether the row changed.
func (r *ConversationRepository) UpdateSummary(
	ctx context.Context,
	conversationID int64,
	lastMessage string,
	at time.Time,
) (*models.Conversation, bool, error) {
	query := `
		UPDATE conversations
		SET last_message = $2, updated_at = LEAST($3::TIMESTAMPTZ, NOW())
		WHERE id = $1 AND updated_at <= LEAST($3::TIMESTAMPTZ, NOW())
		RETURNING ` + conversationColumns

	conversation, err := scanConversation(r.db.QueryRow(ctx, query, conversationID, lastMessage, at))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, conversationID)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return conversation, true, nil
}

// RebuildSummary resets the summary to the newest message of the
// conversation, text and timestamp both. Conversations without messages are
// left untouched.
func (r *ConversationRepository) RebuildSummary(ctx context.Context, conversationID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations c
		SET last_message = lm.body, updated_at = lm.created_at
		FROM (
			SELECT body, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm
		WHERE c.id = $1
		  AND (c.last_message IS DISTINCT FROM lm.body OR c.updated_at IS DISTINCT FROM lm.created_at)
	`, conversationID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListSummaries lists conversations with the viewer's unread count. A zero
// participantID lists every conversation. staffRoles is non-empty only for
// staff viewers.
func (r *ConversationRepository) ListSummaries(
	ctx context.Context,
	viewerID int64,
	participantID int64,
	staffRoles []string,
) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			c.id,
			c.requester_id,
			c.counterpart_id,
			c.last_message,
			c.created_at,
			c.updated_at,
			COALESCE(uc.unread_count, 0)
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages m
			WHERE m.conversation_id = c.id
			  AND ` + addressedTo + `
		) uc ON TRUE
		WHERE $1::BIGINT = 0 OR c.requester_id = $1 OR c.counterpart_id = $1
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID, viewerID, roleList(staffRoles))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.RequesterID,
			&summary.CounterpartID,
			&summary.LastMessage,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

// ListIDs returns every conversation id; used by the reconciliation jobs.
func (r *ConversationRepository) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conversation models.Conversation
	err := row.Scan(
		&conversation.ID,
		&conversation.RequesterID,
		&conversation.CounterpartID,
		&conversation.LastMessage,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}
