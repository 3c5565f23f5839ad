package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
)

func TestUpdateEventKinds(t *testing.T) {
	tests := []struct {
		name  string
		res   update.Result
		kind  Kind
		title string
	}{
		{"success", update.Result{Success: true, Stage: update.StageDone, Revision: "2222222222222222"}, KindUpdateSucceeded, "Update succeeded"},
		{"rolled back", update.Result{Stage: update.StageHealthCheck, RolledBack: true}, KindUpdateRolledBack, "rolled back"},
		{"preflight", update.Result{Stage: update.StagePreflight}, KindUpdateFailed, "failed at preflight"},
		{"manual rollback", update.Result{Success: true, Stage: update.StageRollback, RolledBack: true}, KindRollback, "Rolled back on request"},
		{"rollback failed", update.Result{Stage: update.StageRollback}, KindUpdateFailed, "Rollback failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := UpdateEvent(tt.res)
			if ev.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, ev.Kind)
			}
			if !strings.Contains(ev.Title, tt.title) {
				t.Fatalf("expected title to contain %q, got %q", tt.title, ev.Title)
			}
		})
	}
}

func TestUpdateEventShortensRevisions(t *testing.T) {
	ev := UpdateEvent(update.Result{Success: true, Revision: "2222222222222222222222"})
	if len(ev.Fields) != 1 || ev.Fields[0].Value != "222222222222" {
		t.Fatalf("unexpected fields %+v", ev.Fields)
	}
}

func TestSequenceEvent(t *testing.T) {
	if _, ok := SequenceEvent(progress.Result{Outcome: progress.Completed}); ok {
		t.Fatalf("completed runs should not notify")
	}
	ev, ok := SequenceEvent(progress.Result{
		Kind:       "recipe",
		Label:      "Margarita",
		Outcome:    progress.Failed,
		Error:      "step 2: set Relay 2: line busy",
		StepsRun:   2,
		FinishedAt: time.Now(),
	})
	if !ok {
		t.Fatalf("expected event for failed run")
	}
	if ev.Kind != KindSequenceFailed || ev.Title != "Margarita failed" || !strings.Contains(ev.Detail, "line busy") {
		t.Fatalf("unexpected event %+v", ev)
	}
}
