package services

import (
	"context"
	"errors"
	"strings"

	"github.com/Henrry-Ojeda/gym-app/internal/cache"
	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/repository"
	"github.com/charmbracelet/log"
)

type unreadCounter interface {
	CountUnread(ctx context.Context, conversationID int64, viewerID int64, staffRoles []string) (int, error)
	UnreadByParticipant(ctx context.Context) ([]repository.ParticipantUnread, error)
}

type summaryLister interface {
	ListSummaries(ctx context.Context, viewerID int64, participantID int64, staffRoles []string) ([]models.ConversationSummary, error)
	ListIDs(ctx context.Context) ([]int64, error)
}

// CountCache is the optional store for derived unread counts. Set must refuse
// a count whose generation was bumped by Invalidate.
type CountCache interface {
	Get(ctx context.Context, conversationID int64, viewerID int64) (int, error)
	Generations(ctx context.Context, conversationIDs ...int64) (map[int64]int64, error)
	Set(ctx context.Context, conversationID int64, viewerID int64, count int, generation int64) error
	Invalidate(ctx context.Context, conversationIDs ...int64) error
}

// UnreadService derives unread counts from message read-state. The optional
// cache only speeds reads up; a miss or a cache error falls back to the
// message log.
type UnreadService struct {
	messages      unreadCounter
	conversations summaryLister
	cache         CountCache
	operatorRoles []string
	isOperator    models.OperatorPredicate
}

func NewUnreadService(
	messages unreadCounter,
	conversations summaryLister,
	counts CountCache,
	operatorRoles []string,
) *UnreadService {
	if len(operatorRoles) == 0 {
		operatorRoles = models.DefaultOperatorRoles
	}
	roles := make([]string, 0, len(operatorRoles))
	for _, role := range operatorRoles {
		roles = append(roles, strings.ToLower(strings.TrimSpace(role)))
	}
	return &UnreadService{
		messages:      messages,
		conversations: conversations,
		cache:         counts,
		operatorRoles: roles,
		isOperator:    models.NewOperatorPredicate(roles...),
	}
}

// CountUnread counts unread messages in the conversation addressed to the
// viewer. Staff outside the conversation count the client side only.
func (s *UnreadService) CountUnread(ctx context.Context, conversationID int64, viewer models.Identity) (int, error) {
	if conversationID <= 0 || viewer.ID <= 0 {
		return 0, ErrInvalidInput
	}

	generation, cacheable := int64(0), false
	if s.cache != nil {
		count, err := s.cache.Get(ctx, conversationID, viewer.ID)
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn("unread cache read failed", "conversation_id", conversationID, "err", err)
		}

		generations, err := s.cache.Generations(ctx, conversationID)
		if err != nil {
			log.Warn("unread cache generation read failed", "conversation_id", conversationID, "err", err)
		} else {
			generation, cacheable = generations[conversationID], true
		}
	}

	count, err := s.messages.CountUnread(ctx, conversationID, viewer.ID, s.staffRoles(viewer))
	if err != nil {
		return 0, err
	}
	if cacheable {
		s.store(ctx, conversationID, viewer.ID, count, generation)
	}
	return count, nil
}

// Badges returns the viewer's unread count for every conversation it can
// enumerate. It always reads the message log.
func (s *UnreadService) Badges(ctx context.Context, viewer models.Identity) ([]models.UnreadBadge, error) {
	if viewer.ID <= 0 {
		return nil, ErrForbidden
	}

	participantID := viewer.ID
	if s.isOperator(viewer) {
		participantID = 0
	}

	summaries, err := s.conversations.ListSummaries(ctx, viewer.ID, participantID, s.staffRoles(viewer))
	if err != nil {
		return nil, err
	}

	badges := make([]models.UnreadBadge, 0, len(summaries))
	for _, summary := range summaries {
		badges = append(badges, models.UnreadBadge{
			ConversationID: summary.ID,
			UnreadCount:    summary.UnreadCount,
		})
	}
	return badges, nil
}

// Invalidate drops cached counts after a write to the conversations.
func (s *UnreadService) Invalidate(ctx context.Context, conversationIDs ...int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, conversationIDs...); err != nil {
		log.Warn("unread cache invalidate failed", "conversation_ids", conversationIDs, "err", err)
	}
}

// Reconcile recounts every participant's unread messages from the message
// log and rewrites the cache. Counts overtaken by a concurrent write are
// skipped. It returns the number of counters written.
func (s *UnreadService) Reconcile(ctx context.Context) (int, error) {
	if s.cache == nil {
		_, err := s.messages.UnreadByParticipant(ctx)
		return 0, err
	}

	ids, err := s.conversations.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	generations, err := s.cache.Generations(ctx, ids...)
	if err != nil {
		return 0, err
	}

	counts, err := s.messages.UnreadByParticipant(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, item := range counts {
		generation, ok := generations[item.ConversationID]
		if !ok {
			// Created after the generation snapshot.
			continue
		}
		err := s.cache.Set(ctx, item.ConversationID, item.ViewerID, item.UnreadCount, generation)
		if errors.Is(err, cache.ErrStale) {
			continue
		}
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *UnreadService) staffRoles(viewer models.Identity) []string {
	if s.isOperator(viewer) {
		return s.operatorRoles
	}
	return nil
}

func (s *UnreadService) store(ctx context.Context, conversationID int64, viewerID int64, count int, generation int64) {
	err := s.cache.Set(ctx, conversationID, viewerID, count, generation)
	if err != nil && !errors.Is(err, cache.ErrStale) {
		log.Warn("unread cache write failed", "conversation_id", conversationID, "err", err)
	}
}
