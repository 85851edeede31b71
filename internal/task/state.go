// Package task models the board lifecycle of a task as a pure state machine.
//
// A task's state is the pair (status, column). Only the pairs on the board
// path are valid:
//
//	(todo, research) -> (in_progress, building) -> (review, testing) -> (done, done)
//
// plus the revert edge (review, testing) -> (todo, research) taken when a pull
// request closes without merging. Every transition is total and idempotent:
// applying an event to a state it does not recognize returns the state
// unchanged.
package task

import "codeloom/pkg/models"

// State is a (status, column) pair.
type State struct {
	Status string
	Column string
}

// Event is a closed set of things that can move a task across the board.
type Event string

const (
	// EventGenerationStarted fires when a user drags todo -> in_progress and
	// an agent run begins.
	EventGenerationStarted Event = "generation_started"
	// EventGenerationCompleted fires when the agent run finishes and a PR is
	// opened.
	EventGenerationCompleted Event = "generation_completed"
	// EventMergeRequested fires when a user drags in_progress -> done; the
	// merge itself lands via the webhook.
	EventMergeRequested Event = "merge_requested"
	// EventPRMerged fires when the hosting provider reports a merged close.
	EventPRMerged Event = "pr_merged"
	// EventPRClosedUnmerged fires when a PR closes without merging.
	EventPRClosedUnmerged Event = "pr_closed_unmerged"
	// EventPRReopened fires when a closed PR reopens.
	EventPRReopened Event = "pr_reopened"
	// EventPRReadyForReview fires when a draft PR becomes reviewable.
	EventPRReadyForReview Event = "pr_ready_for_review"
)

// Canonical states.
var (
	Todo       = State{models.TaskStatusTodo, models.ColumnResearch}
	InProgress = State{models.TaskStatusInProgress, models.ColumnBuilding}
	Review     = State{models.TaskStatusReview, models.ColumnTesting}
	Done       = State{models.TaskStatusDone, models.ColumnDone}
)

// ColumnFor returns the board column a status maps to. The mapping is fixed;
// no other (status, column) pair is ever written.
func ColumnFor(status string) string {
	switch status {
	case models.TaskStatusTodo:
		return models.ColumnResearch
	case models.TaskStatusInProgress:
		return models.ColumnBuilding
	case models.TaskStatusReview:
		return models.ColumnTesting
	case models.TaskStatusDone:
		return models.ColumnDone
	default:
		return models.ColumnResearch
	}
}

// Valid reports whether s is one of the recognized pairs.
func Valid(s State) bool {
	switch s {
	case Todo, InProgress, Review, Done:
		return true
	}
	return false
}

// Apply advances a state by one event. Unknown (state, event) pairs return the
// input unchanged, which makes re-delivery of the same event a no-op.
func Apply(s State, e Event) State {
	switch e {
	case EventGenerationStarted:
		if s == Todo {
			return InProgress
		}
	case EventGenerationCompleted:
		if s == InProgress {
			return Review
		}
	case EventMergeRequested:
		if s == InProgress || s == Review {
			return Review
		}
	case EventPRMerged:
		if s == Review || s == InProgress {
			return Done
		}
	case EventPRClosedUnmerged:
		if s == Review {
			return Todo
		}
	case EventPRReopened, EventPRReadyForReview:
		if s == Todo || s == Review {
			return Review
		}
	}
	return s
}

// StateOf reads the state pair off a task record.
func StateOf(t *models.Task) State {
	return State{Status: t.Status, Column: t.Column}
}

// Write stores a state pair back onto a task record, keeping the column
// derived from the status even if the input pair was inconsistent.
func Write(t *models.Task, s State) {
	t.Status = s.Status
	t.Column = ColumnFor(s.Status)
}
