package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store holds policies, their versions and evaluation runs. The active version of a
// policy only changes through CompareAndSwapActive or PromoteRun.
type Store interface {
	CreatePolicy(ctx context.Context, in PolicyInput) (models.PolicyVersion, error)
	CreateVersion(ctx context.Context, policyID string, cfg models.PolicyConfig, createdBy string) (models.PolicyVersion, error)
	GetPolicy(ctx context.Context, id string) (models.Policy, error)
	GetPolicyDetail(ctx context.Context, id string) (models.PolicyDetail, error)
	ListPolicies(ctx context.Context) ([]models.Policy, error)
	GetVersion(ctx context.Context, policyID string, version int) (models.PolicyVersion, error)
	CompareAndSwapActive(ctx context.Context, policyID string, expected *int, next int) (bool, error)

	// CreateRun fails with ErrConflict when the policy already has a non-terminal run.
	CreateRun(ctx context.Context, in RunInput) (models.EvaluationRun, error)
	GetRun(ctx context.Context, id string) (models.EvaluationRun, error)
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]models.EvaluationRun, error)
	ListNonTerminalRuns(ctx context.Context) ([]models.EvaluationRun, error)
	// UpdateRunProgress reports whether a cancel was requested for the run.
	UpdateRunProgress(ctx context.Context, id string, progress models.ProgressStats) (bool, error)
	// RequestCancel flags a non-terminal run; the owning dispatcher sees it on its next progress write.
	RequestCancel(ctx context.Context, id string) error
	AppendRunResults(ctx context.Context, id string, itemIDs []string) error
	RunResultIDs(ctx context.Context, id string) (map[string]struct{}, error)
	// FinishRun moves a non-terminal run to a terminal status; ErrConflict if it already left running.
	FinishRun(ctx context.Context, id string, fin RunFinish) (models.EvaluationRun, error)
	SetRunArchiveKey(ctx context.Context, id, key string) error
	// PromoteRun swaps the active version and marks the run promoted in one step.
	// It returns false, with nothing changed, if the active version is not expected
	// or the run is no longer prepared.
	PromoteRun(ctx context.Context, runID, policyID string, expected *int, next int) (bool, error)
	Ping(ctx context.Context) error
}

type PolicyInput struct {
	ID        string
	Name      string
	Config    models.PolicyConfig
	CreatedBy string
}

type RunInput struct {
	ID                string
	PolicyID          string
	PolicyVersion     int
	BaseActiveVersion *int
	Total             int64
	BatchSize         int
	Concurrency       int
	StartedAt         time.Time
}

type RunFinish struct {
	Status        models.RunStatus
	Progress      models.ProgressStats
	FailureReason string
	FinishedAt    time.Time
}

type ListRunsFilter struct {
	PolicyID string
	Limit    int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func checkFinishStatus(status models.RunStatus) error {
	switch status {
	case models.RunStatusPrepared, models.RunStatusFailed, models.RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("finish run: %q is not a finishing status", status)
	}
}

func intPtr(v int) *int { return &v }

func sameVersion(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
