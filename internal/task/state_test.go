package task

import (
	"testing"

	"codeloom/pkg/models"
)

func TestHappyPathAcrossTheBoard(t *testing.T) {
	s := Todo
	s = Apply(s, EventGenerationStarted)
	if s != InProgress {
		t.Fatalf("expected in_progress/building, got %+v", s)
	}
	s = Apply(s, EventGenerationCompleted)
	if s != Review {
		t.Fatalf("expected review/testing, got %+v", s)
	}
	s = Apply(s, EventPRMerged)
	if s != Done {
		t.Fatalf("expected done/done, got %+v", s)
	}
}

func TestRevertEdgeOnUnmergedClose(t *testing.T) {
	if got := Apply(Review, EventPRClosedUnmerged); got != Todo {
		t.Fatalf("expected todo/research, got %+v", got)
	}
}

func TestTransitionsAreTotal(t *testing.T) {
	states := []State{Todo, InProgress, Review, Done, {Status: "bogus", Column: "nowhere"}}
	events := []Event{
		EventGenerationStarted, EventGenerationCompleted, EventMergeRequested,
		EventPRMerged, EventPRClosedUnmerged, EventPRReopened, EventPRReadyForReview,
		Event("unknown_event"),
	}

	for _, s := range states {
		for _, e := range events {
			got := Apply(s, e)
			// A transition either lands on a valid state or leaves the
			// input untouched; it never invents a new pair and never panics.
			if got != s && !Valid(got) {
				t.Fatalf("Apply(%+v, %s) produced invalid state %+v", s, e, got)
			}
		}
	}
}

func TestTransitionsAreIdempotent(t *testing.T) {
	cases := []struct {
		state State
		event Event
	}{
		{Todo, EventGenerationStarted},
		{InProgress, EventGenerationCompleted},
		{Review, EventPRMerged},
		{Review, EventPRClosedUnmerged},
		{Todo, EventPRReopened},
	}
	for _, tc := range cases {
		once := Apply(tc.state, tc.event)
		twice := Apply(once, tc.event)
		if once != twice {
			t.Fatalf("Apply(%+v, %s) not idempotent: %+v then %+v", tc.state, tc.event, once, twice)
		}
	}
}

func TestUnrecognizedStateIsUntouched(t *testing.T) {
	weird := State{Status: "archived", Column: "archive"}
	for _, e := range []Event{EventGenerationStarted, EventPRMerged, EventPRClosedUnmerged} {
		if got := Apply(weird, e); got != weird {
			t.Fatalf("Apply(%+v, %s) = %+v, want unchanged", weird, e, got)
		}
	}
}

func TestColumnForCoversEveryStatus(t *testing.T) {
	want := map[string]string{
		models.TaskStatusTodo:       models.ColumnResearch,
		models.TaskStatusInProgress: models.ColumnBuilding,
		models.TaskStatusReview:     models.ColumnTesting,
		models.TaskStatusDone:       models.ColumnDone,
	}
	for status, column := range want {
		if got := ColumnFor(status); got != column {
			t.Fatalf("ColumnFor(%s) = %s, want %s", status, got, column)
		}
	}
}

func TestWriteKeepsColumnDerived(t *testing.T) {
	tsk := &models.Task{Status: models.TaskStatusTodo, Column: models.ColumnResearch}
	Write(tsk, State{Status: models.TaskStatusReview, Column: "wrong"})
	if tsk.Column != models.ColumnTesting {
		t.Fatalf("column not derived from status: %s", tsk.Column)
	}
}
