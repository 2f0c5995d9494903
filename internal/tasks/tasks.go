// Package tasks holds the background jobs that repair derived chat state:
// cached unread counts and conversation summaries.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
)

const (
	TypeReconcileUnread  = "chat:reconcile_unread"
	TypeRebuildSummaries = "chat:rebuild_summaries"

	Queue = "chat"
)

type unreadReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type summaryRebuilder interface {
	RebuildSummaries(ctx context.Context) (int, error)
}

// NewReconcileUnreadTask recounts every participant's unread messages. Only
// one copy is queued per interval.
func NewReconcileUnreadTask(interval time.Duration) *asynq.Task {
	return asynq.NewTask(TypeReconcileUnread, nil,
		asynq.Queue(Queue), asynq.MaxRetry(1), asynq.Unique(interval))
}

func NewRebuildSummariesTask(interval time.Duration) *asynq.Task {
	return asynq.NewTask(TypeRebuildSummaries, nil,
		asynq.Queue(Queue), asynq.MaxRetry(1), asynq.Unique(interval))
}

type Handlers struct {
	unread    unreadReconciler
	summaries summaryRebuilder
}

func NewHandlers(unread unreadReconciler, summaries summaryRebuilder) *Handlers {
	return &Handlers{unread: unread, summaries: summaries}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReconcileUnread, h.HandleReconcileUnread)
	mux.HandleFunc(TypeRebuildSummaries, h.HandleRebuildSummaries)
}

func (h *Handlers) HandleReconcileUnread(ctx context.Context, _ *asynq.Task) error {
	started := time.Now()
	written, err := h.unread.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile unread: %w", err)
	}
	log.Info("unread counts reconciled", "written", written, "took", time.Since(started))
	return nil
}

func (h *Handlers) HandleRebuildSummaries(ctx context.Context, _ *asynq.Task) error {
	started := time.Now()
	repaired, err := h.summaries.RebuildSummaries(ctx)
	if err != nil {
		return fmt.Errorf("rebuild summaries: %w", err)
	}
	if repaired > 0 {
		log.Warn("conversation summaries repaired", "repaired", repaired, "took", time.Since(started))
	}
	return nil
}

// RegisterSchedule enqueues both repair jobs every interval.
func RegisterSchedule(scheduler *asynq.Scheduler, interval time.Duration) error {
	cronspec := fmt.Sprintf("@every %s", interval)
	if _, err := scheduler.Register(cronspec, NewReconcileUnreadTask(interval)); err != nil {
		return fmt.Errorf("schedule %s: %w", TypeReconcileUnread, err)
	}
	if _, err := scheduler.Register(cronspec, NewRebuildSummariesTask(interval)); err != nil {
		return fmt.Errorf("schedule %s: %w", TypeRebuildSummaries, err)
	}
	return nil
}
