// Package promotion decides whether a prepared run may become its policy's
// active version and performs the swap.
package promotion

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reelhouse/catalog/policy-engine/internal/audit"
	"github.com/reelhouse/catalog/policy-engine/internal/metrics"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
	"github.com/reelhouse/catalog/policy-engine/internal/validation"
)

type Thresholds struct {
	CoverageThreshold float64 `json:"coverageThreshold"`
	MaxErrors         int64   `json:"maxErrors"`
}

// DefaultThresholds require full coverage and no item errors.
func DefaultThresholds() Thresholds {
	return Thresholds{CoverageThreshold: 1.0, MaxErrors: 0}
}

func (t Thresholds) validate() error {
	var problems []validation.Problem
	if math.IsNaN(t.CoverageThreshold) || t.CoverageThreshold < 0 || t.CoverageThreshold > 1 {
		problems = append(problems, validation.Problem{Field: "coverageThreshold", Message: "must be between 0 and 1"})
	}
	if t.MaxErrors < 0 {
		problems = append(problems, validation.Problem{Field: "maxErrors", Message: "must not be negative"})
	}
	if len(problems) > 0 {
		return &validation.Error{Subject: "promotion thresholds", Problems: problems}
	}
	return nil
}

// Request overrides the gate's default thresholds field by field.
type Request struct {
	CoverageThreshold *float64
	MaxErrors         *int64
	Actor             string
}

type Result struct {
	Success         bool                    `json:"success"`
	RunID           string                  `json:"runId"`
	PolicyID        string                  `json:"policyId,omitempty"`
	ActiveVersion   int                     `json:"activeVersion,omitempty"`
	BlockingReasons []models.BlockingReason `json:"blockingReasons,omitempty"`
	Message         string                  `json:"message"`
}

// BlockingReasons lists every gate the run fails against the policy's current
// state. An empty list means the run may be promoted. A run with an unknown
// status is an error, not a blocked run.
func BlockingReasons(run models.EvaluationRun, policy models.Policy, t Thresholds) ([]models.BlockingReason, error) {
	if err := run.Status.Validate(); err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	reasons := []models.BlockingReason{}
	if run.Status != models.RunStatusPrepared {
		reasons = append(reasons, models.BlockingReasonRunNotSuccess)
	}
	if run.Progress.Coverage() < t.CoverageThreshold {
		reasons = append(reasons, models.BlockingReasonCoverageNotMet)
	}
	if run.Progress.Errors > t.MaxErrors {
		reasons = append(reasons, models.BlockingReasonErrorsExceeded)
	}
	if policy.ActiveVersion != nil && *policy.ActiveVersion == run.TargetPolicyVersion {
		reasons = append(reasons, models.BlockingReasonAlreadyPromoted)
	}
	return reasons, nil
}

type Option func(*Gate)

func WithPublisher(p audit.Publisher) Option {
	return func(g *Gate) { g.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// Gate is the only writer of a policy's active version.
type Gate struct {
	store     store.Store
	defaults  Thresholds
	publisher audit.Publisher
	logger    zerolog.Logger
}

func NewGate(st store.Store, defaults Thresholds, opts ...Option) *Gate {
	g := &Gate{store: st, defaults: defaults, publisher: audit.NopPublisher{}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Defaults() Thresholds { return g.defaults }

// Assess computes the blocking reasons for a run using the default thresholds.
func (g *Gate) Assess(ctx context.Context, run models.EvaluationRun) ([]models.BlockingReason, error) {
	policy, err := g.store.GetPolicy(ctx, run.TargetPolicyID)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", run.TargetPolicyID, err)
	}
	return BlockingReasons(run, policy, g.defaults)
}

// Promote makes the run's target version active. Blocking reasons are computed
// fresh on every call and come back in the Result, not as an error. Promoting a
// promoted run succeeds without swapping again. ErrConflict means another
// promotion changed the active version after this run was prepared.
func (g *Gate) Promote(ctx context.Context, runID string, req Request) (Result, error) {
	t := g.defaults
	if req.CoverageThreshold != nil {
		t.CoverageThreshold = *req.CoverageThreshold
	}
	if req.MaxErrors != nil {
		t.MaxErrors = *req.MaxErrors
	}
	if err := t.validate(); err != nil {
		return Result{}, err
	}

	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status == models.RunStatusPromoted {
		metrics.RecordPromotion("idempotent")
		return alreadyPromoted(run), nil
	}

	policy, err := g.store.GetPolicy(ctx, run.TargetPolicyID)
	if err != nil {
		return Result{}, fmt.Errorf("policy %s: %w", run.TargetPolicyID, err)
	}
	log := g.logger.With().Str("run_id", run.ID).Str("policy_id", policy.ID).Int("policy_version", run.TargetPolicyVersion).Logger()

	reasons, err := BlockingReasons(run, policy, t)
	if err != nil {
		return Result{}, err
	}
	if len(reasons) > 0 {
		// a concurrent call may have promoted this run between the two reads
		if current, err := g.store.GetRun(ctx, run.ID); err == nil && current.Status == models.RunStatusPromoted {
			metrics.RecordPromotion("idempotent")
			return alreadyPromoted(current), nil
		}
		metrics.RecordPromotion("blocked")
		log.Info().Interface("blocking_reasons", reasons).Msg("promotion blocked")
		return Result{
			RunID:           run.ID,
			PolicyID:        policy.ID,
			BlockingReasons: reasons,
			Message:         describe(reasons),
		}, nil
	}

	ok, err := g.store.PromoteRun(ctx, run.ID, policy.ID, run.BaseActiveVersion, run.TargetPolicyVersion)
	if err != nil {
		return Result{}, fmt.Errorf("promote run %s: %w", run.ID, err)
	}
	if !ok {
		current, err := g.store.GetRun(ctx, run.ID)
		if err == nil && current.Status == models.RunStatusPromoted {
			metrics.RecordPromotion("idempotent")
			return alreadyPromoted(current), nil
		}
		metrics.RecordPromotion("conflict")
		log.Warn().Msg("promotion lost compare-and-swap")
		return Result{}, fmt.Errorf("promote run %s: active version of policy %s changed since the run was prepared: %w", run.ID, policy.ID, store.ErrConflict)
	}

	metrics.RecordPromotion("promoted")
	log.Info().Str("actor", req.Actor).Msg("policy version promoted")

	promoted, err := g.store.GetRun(ctx, run.ID)
	if err != nil {
		promoted = run
		promoted.Status = models.RunStatusPromoted
	}
	ev := audit.RunEvent(promoted)
	ev.Actor = req.Actor
	if err := g.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("publish promotion event")
	}
	return Result{
		Success:       true,
		RunID:         run.ID,
		PolicyID:      policy.ID,
		ActiveVersion: run.TargetPolicyVersion,
		Message:       fmt.Sprintf("policy %s version %d is now active", policy.ID, run.TargetPolicyVersion),
	}, nil
}

func alreadyPromoted(run models.EvaluationRun) Result {
	return Result{
		Success:       true,
		RunID:         run.ID,
		PolicyID:      run.TargetPolicyID,
		ActiveVersion: run.TargetPolicyVersion,
		Message:       "run already promoted",
	}
}

func describe(reasons []models.BlockingReason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.Message())
	}
	return "promotion blocked: " + strings.Join(parts, "; ")
}
