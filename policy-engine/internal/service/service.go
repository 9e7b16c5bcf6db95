// Package service is the admin facade over policies, runs, diffs and promotion.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/reelhouse/catalog/policy-engine/internal/diff"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/promotion"
	"github.com/reelhouse/catalog/policy-engine/internal/runs"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
	"github.com/reelhouse/catalog/policy-engine/internal/validation"
)

type Service struct {
	store store.Store
	runs  *runs.Orchestrator
	diff  *diff.Engine
	gate  *promotion.Gate
}

func New(st store.Store, orch *runs.Orchestrator, d *diff.Engine, gate *promotion.Gate) *Service {
	return &Service{store: st, runs: orch, diff: d, gate: gate}
}

type CreatePolicyRequest struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Config models.PolicyConfig `json:"config"`
}

type PolicyRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (s *Service) CreatePolicy(ctx context.Context, req CreatePolicyRequest, actor string) (PolicyRef, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return PolicyRef{}, validation.Fail("policy", "name", "is required")
	}
	if err := validation.PolicyConfig(&req.Config); err != nil {
		return PolicyRef{}, err
	}
	v, err := s.store.CreatePolicy(ctx, store.PolicyInput{
		ID:        strings.TrimSpace(req.ID),
		Name:      req.Name,
		Config:    req.Config,
		CreatedBy: actor,
	})
	if err != nil {
		return PolicyRef{}, fmt.Errorf("create policy: %w", err)
	}
	return PolicyRef{ID: v.PolicyID, Version: v.Version}, nil
}

// CreateVersion appends an immutable version; it never changes the active one.
func (s *Service) CreateVersion(ctx context.Context, policyID string, cfg models.PolicyConfig, actor string) (PolicyRef, error) {
	if err := validation.PolicyConfig(&cfg); err != nil {
		return PolicyRef{}, err
	}
	v, err := s.store.CreateVersion(ctx, policyID, cfg, actor)
	if err != nil {
		return PolicyRef{}, fmt.Errorf("create version of policy %s: %w", policyID, err)
	}
	return PolicyRef{ID: v.PolicyID, Version: v.Version}, nil
}

func (s *Service) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	return s.store.ListPolicies(ctx)
}

func (s *Service) GetPolicy(ctx context.Context, policyID string) (models.PolicyDetail, error) {
	detail, err := s.store.GetPolicyDetail(ctx, policyID)
	if err != nil {
		return models.PolicyDetail{}, fmt.Errorf("policy %s: %w", policyID, err)
	}
	return detail, nil
}

type RunRef struct {
	RunID  string           `json:"runId"`
	Status models.RunStatus `json:"status"`
}

func (s *Service) PrepareRun(ctx context.Context, policyID string, opts runs.Options) (RunRef, error) {
	run, err := s.runs.Prepare(ctx, policyID, opts)
	if err != nil {
		return RunRef{}, err
	}
	return RunRef{RunID: run.ID, Status: run.Status}, nil
}

type RunView struct {
	models.EvaluationRun
	ReadyToPromote bool `json:"readyToPromote"`
}

// GetRunStatus returns the run with blocking reasons computed against the
// default thresholds.
func (s *Service) GetRunStatus(ctx context.Context, runID string) (RunView, error) {
	run, err := s.runs.GetStatus(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	reasons, err := s.gate.Assess(ctx, run)
	if err != nil {
		return RunView{}, err
	}
	run.BlockingReasons = reasons
	return RunView{
		EvaluationRun:  run,
		ReadyToPromote: len(reasons) == 0 && run.Status == models.RunStatusPrepared,
	}, nil
}

func (s *Service) ListRuns(ctx context.Context, filter store.ListRunsFilter) ([]models.EvaluationRun, error) {
	return s.runs.List(ctx, filter)
}

func (s *Service) PromoteRun(ctx context.Context, runID string, req promotion.Request) (promotion.Result, error) {
	return s.gate.Promote(ctx, runID, req)
}

type CancelResult struct {
	Success bool             `json:"success"`
	Status  models.RunStatus `json:"status"`
	Message string           `json:"message"`
}

func (s *Service) CancelRun(ctx context.Context, runID string) (CancelResult, error) {
	run, err := s.runs.Cancel(ctx, runID)
	if err != nil {
		return CancelResult{}, err
	}
	msg := "cancellation requested; the run stops after its current batch"
	switch run.Status {
	case models.RunStatusPending, models.RunStatusRunning:
	case models.RunStatusCancelled:
		msg = "run cancelled"
	case models.RunStatusPrepared, models.RunStatusFailed, models.RunStatusPromoted:
		msg = fmt.Sprintf("run already %s", run.Status)
	}
	return CancelResult{Success: true, Status: run.Status, Message: msg}, nil
}

func (s *Service) DiffRun(ctx context.Context, runID string, sampleSize int) (models.DiffReport, error) {
	return s.diff.Diff(ctx, runID, sampleSize)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
