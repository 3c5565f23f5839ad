// Package notify tells operators about update outcomes and failed pours.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
)

// Kind classifies an event. Rate limiting is applied per kind.
type Kind string

const (
	KindUpdateSucceeded  Kind = "update_succeeded"
	KindUpdateFailed     Kind = "update_failed"
	KindUpdateRolledBack Kind = "update_rolled_back"
	KindRollback         Kind = "rollback"
	KindSequenceFailed   Kind = "sequence_failed"
)

// Field is one labelled value shown with an event.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is a single operator notification.
type Event struct {
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title"`
	Detail     string    `json:"detail,omitempty"`
	Fields     []Field   `json:"fields,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier delivers events to external systems.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// UpdateEvent describes a finished update or rollback attempt.
func UpdateEvent(res update.Result) Event {
	ev := Event{
		Detail:     res.Diagnostic,
		OccurredAt: res.FinishedAt,
	}
	switch {
	case res.Stage == update.StageRollback && res.Success:
		ev.Kind, ev.Title = KindRollback, "Rolled back on request"
	case res.Stage == update.StageRollback:
		ev.Kind, ev.Title = KindUpdateFailed, "Rollback failed"
	case res.Success:
		ev.Kind, ev.Title = KindUpdateSucceeded, "Update succeeded"
	case res.RolledBack:
		ev.Kind, ev.Title = KindUpdateRolledBack, "Update failed its health check and was rolled back"
	default:
		ev.Kind, ev.Title = KindUpdateFailed, fmt.Sprintf("Update failed at %s", res.Stage)
	}
	if res.PreviousRevision != "" {
		ev.Fields = append(ev.Fields, Field{Name: "Previous", Value: shortRevision(res.PreviousRevision)})
	}
	if res.Revision != "" {
		ev.Fields = append(ev.Fields, Field{Name: "Revision", Value: shortRevision(res.Revision)})
	}
	if res.BackupDir != "" {
		ev.Fields = append(ev.Fields, Field{Name: "Backup", Value: res.BackupDir})
	}
	return ev
}

// SequenceEvent describes a failed sequence run. Completed runs produce no
// event; ok is false for them.
func SequenceEvent(res progress.Result) (Event, bool) {
	if res.Outcome != progress.Failed {
		return Event{}, false
	}
	return Event{
		Kind:   KindSequenceFailed,
		Title:  fmt.Sprintf("%s failed", res.Label),
		Detail: res.Error,
		Fields: []Field{
			{Name: "Kind", Value: res.Kind},
			{Name: "Steps run", Value: fmt.Sprintf("%d", res.StepsRun)},
		},
		OccurredAt: res.FinishedAt,
	}, true
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
