// Package audit publishes run and promotion events and archives terminal run
// result sets. Both are best-effort: callers log failures and carry on.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

type EventType string

const (
	EventRunPrepared    EventType = "run.prepared"
	EventRunFailed      EventType = "run.failed"
	EventRunCancelled   EventType = "run.cancelled"
	EventPolicyPromoted EventType = "policy.promoted"
)

type Event struct {
	ID            string                `json:"id"`
	Type          EventType             `json:"type"`
	PolicyID      string                `json:"policyId"`
	PolicyVersion int                   `json:"policyVersion"`
	RunID         string                `json:"runId"`
	Status        models.RunStatus      `json:"status,omitempty"`
	Progress      *models.ProgressStats `json:"progress,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Actor         string                `json:"actor,omitempty"`
	OccurredAt    time.Time             `json:"occurredAt"`
}

// RunEvent builds the event for a run's terminal transition.
func RunEvent(run models.EvaluationRun) Event {
	var t EventType
	switch run.Status {
	case models.RunStatusPrepared:
		t = EventRunPrepared
	case models.RunStatusFailed:
		t = EventRunFailed
	case models.RunStatusCancelled:
		t = EventRunCancelled
	case models.RunStatusPromoted:
		t = EventPolicyPromoted
	case models.RunStatusPending, models.RunStatusRunning:
		t = EventType("run." + string(run.Status))
	}
	progress := run.Progress
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		PolicyID:      run.TargetPolicyID,
		PolicyVersion: run.TargetPolicyVersion,
		RunID:         run.ID,
		Status:        run.Status,
		Progress:      &progress,
		Reason:        run.FailureReason,
		OccurredAt:    time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Archiver interface {
	// ArchiveRun stores the run and its eligible ids and returns the object key.
	ArchiveRun(ctx context.Context, run models.EvaluationRun, eligibleIDs []string) (string, error)
}

type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }

type NopArchiver struct{}

func (NopArchiver) ArchiveRun(ctx context.Context, run models.EvaluationRun, eligibleIDs []string) (string, error) {
	return "", nil
}
