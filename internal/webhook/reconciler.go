package webhook

import (
	"context"
	"errors"
	"time"

	"codeloom/internal/metrics"
	"codeloom/internal/task"
	"codeloom/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PullRequestEvent is the subset of the provider's pull_request payload the
// reconciler consumes. It is never persisted; reconciliation is the only
// durable effect of handling a delivery.
type PullRequestEvent struct {
	Action string `json:"action"`
	PR     struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Result reports what a delivery did.
type Result struct {
	Matched bool   `json:"matched"`
	TaskID  uint   `json:"task_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Column  string `json:"column,omitempty"`
}

// Reconciler applies pull-request notifications to the task board. Deliveries
// arrive at least once and possibly out of order; safety comes from the pure
// transition functions and the by-key task lookup, not from deduplication.
type Reconciler struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler with an injected clock. A nil clock uses
// time.Now.
func NewReconciler(db *gorm.DB, now func() time.Time, logger *zap.Logger) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger, metrics: metrics.Get(), now: now}
}

// HandlePullRequest advances the task matching the event's branch and PR
// number. An event that matches no task is acknowledged as a no-op success so
// the sender does not retry.
func (r *Reconciler) HandlePullRequest(ctx context.Context, ev *PullRequestEvent) (*Result, error) {
	r.metrics.WebhooksReceived.WithLabelValues(ev.Action).Inc()

	var tsk models.Task
	err := r.db.WithContext(ctx).
		Where("branch_name = ? AND pr_number = ?", ev.PR.Head.Ref, ev.PR.Number).
		First(&tsk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.logger.Info("webhook matched no task",
			zap.String("action", ev.Action),
			zap.String("branch", ev.PR.Head.Ref),
			zap.Int("pr_number", ev.PR.Number))
		return &Result{Matched: false}, nil
	}
	if err != nil {
		return nil, err
	}

	before := task.StateOf(&tsk)

	var event task.Event
	switch ev.Action {
	case "closed":
		if ev.PR.Merged {
			event = task.EventPRMerged
		} else {
			event = task.EventPRClosedUnmerged
		}
	case "reopened":
		event = task.EventPRReopened
	case "ready_for_review":
		event = task.EventPRReadyForReview
	default:
		// opened and everything else leave the task unchanged.
		return &Result{Matched: true, TaskID: tsk.ID, Status: tsk.Status, Column: tsk.Column}, nil
	}

	next := task.Apply(before, event)
	task.Write(&tsk, next)

	// Build-status side effects apply only when the task is in the event's
	// target state, so a stray or re-delivered event cannot rewrite the
	// fields of a task the transition did not touch.
	switch {
	case event == task.EventPRMerged && next == task.Done:
		tsk.BuildStatus = models.BuildStatusReady
		if tsk.CompletedAt == nil {
			now := r.now()
			tsk.CompletedAt = &now
		}
	case event == task.EventPRClosedUnmerged && next == task.Todo:
		tsk.BuildStatus = models.BuildStatusPending
		tsk.CompletedAt = nil
	case event == task.EventPRReopened && next == task.Review:
		tsk.BuildStatus = models.BuildStatusReady
	}
	// ready_for_review leaves buildStatus unchanged.

	if err := r.db.WithContext(ctx).Save(&tsk).Error; err != nil {
		return nil, err
	}

	if next != before {
		r.metrics.TasksTransitions.WithLabelValues(string(event)).Inc()
		r.logger.Info("task reconciled from webhook",
			zap.Uint("task_id", tsk.ID),
			zap.String("action", ev.Action),
			zap.String("status", tsk.Status),
			zap.String("column", tsk.Column))
	}

	return &Result{Matched: true, TaskID: tsk.ID, Status: tsk.Status, Column: tsk.Column}, nil
}
