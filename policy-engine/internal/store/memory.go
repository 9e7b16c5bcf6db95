package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]models.Policy
	versions map[string][]models.PolicyVersion
	runs     map[string]models.EvaluationRun
	results  map[string]map[string]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: map[string]models.Policy{},
		versions: map[string][]models.PolicyVersion{},
		runs:     map[string]models.EvaluationRun{},
		results:  map[string]map[string]struct{}{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// copyConfig deep-copies through JSON so stored versions stay immutable.
func copyConfig(cfg models.PolicyConfig) models.PolicyConfig {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out models.PolicyConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		return cfg
	}
	return out
}

func copyRun(run models.EvaluationRun) models.EvaluationRun {
	if run.BaseActiveVersion != nil {
		run.BaseActiveVersion = intPtr(*run.BaseActiveVersion)
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		run.FinishedAt = &t
	}
	if run.PromotedAt != nil {
		t := *run.PromotedAt
		run.PromotedAt = &t
	}
	run.BlockingReasons = append([]models.BlockingReason(nil), run.BlockingReasons...)
	return run
}

func copyPolicy(p models.Policy) models.Policy {
	if p.ActiveVersion != nil {
		p.ActiveVersion = intPtr(*p.ActiveVersion)
	}
	return p
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, in PolicyInput) (models.PolicyVersion, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.policies[in.ID]; exists {
		return models.PolicyVersion{}, ErrConflict
	}
	m.policies[in.ID] = models.Policy{ID: in.ID, Name: in.Name, LatestVersion: 1, CreatedAt: now, UpdatedAt: now}
	v := models.PolicyVersion{PolicyID: in.ID, Version: 1, Config: copyConfig(in.Config), CreatedBy: in.CreatedBy, CreatedAt: now}
	m.versions[in.ID] = []models.PolicyVersion{v}
	return v, nil
}

func (m *MemoryStore) CreateVersion(ctx context.Context, policyID string, cfg models.PolicyConfig, createdBy string) (models.PolicyVersion, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyID]
	if !ok {
		return models.PolicyVersion{}, ErrNotFound
	}
	p.LatestVersion++
	p.UpdatedAt = now
	m.policies[policyID] = p
	v := models.PolicyVersion{PolicyID: policyID, Version: p.LatestVersion, Config: copyConfig(cfg), CreatedBy: createdBy, CreatedAt: now}
	m.versions[policyID] = append(m.versions[policyID], v)
	return v, nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return models.Policy{}, ErrNotFound
	}
	return copyPolicy(p), nil
}

func (m *MemoryStore) GetPolicyDetail(ctx context.Context, id string) (models.PolicyDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return models.PolicyDetail{}, ErrNotFound
	}
	detail := models.PolicyDetail{Policy: copyPolicy(p)}
	for _, v := range m.versions[id] {
		v.Config = copyConfig(v.Config)
		detail.Versions = append(detail.Versions, v)
	}
	if n := len(detail.Versions); n > 0 {
		detail.Config = detail.Versions[n-1].Config
	}
	return detail, nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, copyPolicy(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, policyID string, version int) (models.PolicyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[policyID] {
		if v.Version == version {
			v.Config = copyConfig(v.Config)
			return v, nil
		}
	}
	return models.PolicyVersion{}, ErrNotFound
}

func (m *MemoryStore) CompareAndSwapActive(ctx context.Context, policyID string, expected *int, next int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapActiveLocked(policyID, expected, next)
}

func (m *MemoryStore) swapActiveLocked(policyID string, expected *int, next int) (bool, error) {
	p, ok := m.policies[policyID]
	if !ok {
		return false, ErrNotFound
	}
	if !sameVersion(p.ActiveVersion, expected) {
		return false, nil
	}
	p.ActiveVersion = intPtr(next)
	p.UpdatedAt = m.now()
	m.policies[policyID] = p
	return true, nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, in RunInput) (models.EvaluationRun, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[in.PolicyID]; !ok {
		return models.EvaluationRun{}, ErrNotFound
	}
	if _, exists := m.runs[in.ID]; exists {
		return models.EvaluationRun{}, ErrConflict
	}
	for _, r := range m.runs {
		if r.TargetPolicyID == in.PolicyID && !r.Status.IsTerminal() {
			return models.EvaluationRun{}, ErrConflict
		}
	}
	run := models.EvaluationRun{
		ID:                  in.ID,
		TargetPolicyID:      in.PolicyID,
		TargetPolicyVersion: in.PolicyVersion,
		Status:              models.RunStatusRunning,
		Progress:            models.ProgressStats{Total: in.Total, Pending: in.Total},
		BatchSize:           in.BatchSize,
		Concurrency:         in.Concurrency,
		StartedAt:           in.StartedAt,
	}
	if in.BaseActiveVersion != nil {
		run.BaseActiveVersion = intPtr(*in.BaseActiveVersion)
	}
	m.runs[run.ID] = run
	m.results[run.ID] = map[string]struct{}{}
	return copyRun(run), nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (models.EvaluationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return models.EvaluationRun{}, ErrNotFound
	}
	return copyRun(run), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter ListRunsFilter) ([]models.EvaluationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EvaluationRun, 0, len(m.runs))
	for _, r := range m.runs {
		if filter.PolicyID != "" && r.TargetPolicyID != filter.PolicyID {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListNonTerminalRuns(ctx context.Context) ([]models.EvaluationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EvaluationRun
	for _, r := range m.runs {
		if !r.Status.IsTerminal() {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRunProgress(ctx context.Context, id string, p models.ProgressStats) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status.IsTerminal() {
		return false, fmt.Errorf("update run progress %s: %w", id, ErrConflict)
	}
	run.Progress = withTotal(p, run.Progress.Total)
	m.runs[id] = run
	return run.CancelRequested, nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !run.Status.IsTerminal() {
		run.CancelRequested = true
		m.runs[id] = run
	}
	return nil
}

func withTotal(p models.ProgressStats, total int64) models.ProgressStats {
	p.Total = total
	p.Pending = total - p.Processed
	return p
}

func (m *MemoryStore) AppendRunResults(ctx context.Context, id string, itemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.results[id]
	if !ok {
		return ErrNotFound
	}
	for _, item := range itemIDs {
		set[item] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) RunResultIDs(ctx context.Context, id string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]struct{}, len(set))
	for item := range set {
		out[item] = struct{}{}
	}
	return out, nil
}

func (m *MemoryStore) FinishRun(ctx context.Context, id string, fin RunFinish) (models.EvaluationRun, error) {
	if err := checkFinishStatus(fin.Status); err != nil {
		return models.EvaluationRun{}, err
	}
	if fin.FinishedAt.IsZero() {
		fin.FinishedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.EvaluationRun{}, ErrNotFound
	}
	if run.Status.IsTerminal() {
		return models.EvaluationRun{}, fmt.Errorf("finish run %s: %w", id, ErrConflict)
	}
	run.Status = fin.Status
	run.Progress = withTotal(fin.Progress, run.Progress.Total)
	run.FailureReason = fin.FailureReason
	finished := fin.FinishedAt
	run.FinishedAt = &finished
	m.runs[id] = run
	return copyRun(run), nil
}

func (m *MemoryStore) SetRunArchiveKey(ctx context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.ArchiveKey = key
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) PromoteRun(ctx context.Context, runID, policyID string, expected *int, next int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status != models.RunStatusPrepared {
		return false, nil
	}
	swapped, err := m.swapActiveLocked(policyID, expected, next)
	if err != nil || !swapped {
		return false, err
	}
	now := m.now()
	run.Status = models.RunStatusPromoted
	run.PromotedAt = &now
	m.runs[runID] = run
	return true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// SeedRun stores a run as-is. It lets tests and tools load runs in any status.
func (m *MemoryStore) SeedRun(run models.EvaluationRun, resultIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = copyRun(run)
	set := make(map[string]struct{}, len(resultIDs))
	for _, id := range resultIDs {
		set[id] = struct{}{}
	}
	m.results[run.ID] = set
}
