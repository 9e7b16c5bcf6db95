package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the policy and run tables if they are missing. The partial
// unique index is what makes CreateRun's one-in-flight-run check atomic.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS policies (
  id text PRIMARY KEY,
  name text NOT NULL,
  latest_version integer NOT NULL,
  active_version integer,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS policy_versions (
  policy_id text NOT NULL REFERENCES policies(id),
  version integer NOT NULL,
  config jsonb NOT NULL,
  created_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (policy_id, version)
);
CREATE TABLE IF NOT EXISTS evaluation_runs (
  id text PRIMARY KEY,
  policy_id text NOT NULL REFERENCES policies(id),
  policy_version integer NOT NULL,
  base_active_version integer,
  status text NOT NULL,
  processed bigint NOT NULL DEFAULT 0,
  total bigint NOT NULL DEFAULT 0,
  eligible bigint NOT NULL DEFAULT 0,
  ineligible bigint NOT NULL DEFAULT 0,
  errors bigint NOT NULL DEFAULT 0,
  batch_size integer NOT NULL,
  concurrency integer NOT NULL,
  failure_reason text NOT NULL DEFAULT '',
  archive_key text NOT NULL DEFAULT '',
  cancel_requested boolean NOT NULL DEFAULT false,
  started_at timestamptz NOT NULL,
  finished_at timestamptz,
  promoted_at timestamptz
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_evaluation_runs_in_flight
  ON evaluation_runs (policy_id) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_evaluation_runs_started_at ON evaluation_runs (started_at DESC);
CREATE TABLE IF NOT EXISTS run_results (
  run_id text NOT NULL REFERENCES evaluation_runs(id),
  item_id text NOT NULL,
  PRIMARY KEY (run_id, item_id)
);
`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const policyColumns = `id, name, latest_version, active_version, created_at, updated_at`

const runColumns = `id, policy_id, policy_version, base_active_version, status, processed, total, eligible,
		ineligible, errors, batch_size, concurrency, failure_reason, archive_key, cancel_requested, started_at,
		finished_at, promoted_at`

func scanPolicy(row rowScanner) (models.Policy, error) {
	var (
		p      models.Policy
		active sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.LatestVersion, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Policy{}, err
	}
	if active.Valid {
		p.ActiveVersion = intPtr(int(active.Int64))
	}
	return p, nil
}

func scanRun(row rowScanner) (models.EvaluationRun, error) {
	var (
		run        models.EvaluationRun
		base       sql.NullInt64
		status     string
		finishedAt sql.NullTime
		promotedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.TargetPolicyID,
		&run.TargetPolicyVersion,
		&base,
		&status,
		&run.Progress.Processed,
		&run.Progress.Total,
		&run.Progress.Eligible,
		&run.Progress.Ineligible,
		&run.Progress.Errors,
		&run.BatchSize,
		&run.Concurrency,
		&run.FailureReason,
		&run.ArchiveKey,
		&run.CancelRequested,
		&run.StartedAt,
		&finishedAt,
		&promotedAt,
	); err != nil {
		return models.EvaluationRun{}, err
	}
	parsed, err := models.ParseRunStatus(status)
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	run.Status = parsed
	run.Progress.Pending = run.Progress.Total - run.Progress.Processed
	if base.Valid {
		run.BaseActiveVersion = intPtr(int(base.Int64))
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if promotedAt.Valid {
		t := promotedAt.Time
		run.PromotedAt = &t
	}
	return run, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func (s *PGStore) CreatePolicy(ctx context.Context, in PolicyInput) (models.PolicyVersion, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(in.Config)
	if err != nil {
		return models.PolicyVersion{}, fmt.Errorf("marshal policy config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PolicyVersion{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policies (id, name, latest_version) VALUES ($1,$2,1)`,
		in.ID, in.Name); err != nil {
		if isUniqueViolation(err) {
			return models.PolicyVersion{}, ErrConflict
		}
		return models.PolicyVersion{}, fmt.Errorf("insert policy: %w", err)
	}
	version := models.PolicyVersion{PolicyID: in.ID, Version: 1, Config: in.Config, CreatedBy: in.CreatedBy}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO policy_versions (policy_id, version, config, created_by)
		VALUES ($1,1,$2,$3)
		RETURNING created_at
	`, in.ID, cfg, in.CreatedBy).Scan(&version.CreatedAt); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("insert policy version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("commit policy: %w", err)
	}
	return version, nil
}

// CreateVersion bumps latest_version first so the row lock serializes concurrent appends.
func (s *PGStore) CreateVersion(ctx context.Context, policyID string, config models.PolicyConfig, createdBy string) (models.PolicyVersion, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return models.PolicyVersion{}, fmt.Errorf("marshal policy config: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PolicyVersion{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	version := models.PolicyVersion{PolicyID: policyID, Config: config, CreatedBy: createdBy}
	if err := tx.QueryRowContext(ctx, `
		UPDATE policies SET latest_version = latest_version + 1, updated_at = NOW()
		WHERE id=$1
		RETURNING latest_version
	`, policyID).Scan(&version.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PolicyVersion{}, ErrNotFound
		}
		return models.PolicyVersion{}, fmt.Errorf("bump policy version: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO policy_versions (policy_id, version, config, created_by)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, policyID, version.Version, cfg, createdBy).Scan(&version.CreatedAt); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("insert policy version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("commit policy version: %w", err)
	}
	return version, nil
}

func (s *PGStore) GetPolicy(ctx context.Context, id string) (models.Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Policy{}, ErrNotFound
		}
		return models.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetPolicyDetail(ctx context.Context, id string) (models.PolicyDetail, error) {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return models.PolicyDetail{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, version, config, created_by, created_at
		FROM policy_versions WHERE policy_id=$1
		ORDER BY version
	`, id)
	if err != nil {
		return models.PolicyDetail{}, fmt.Errorf("list policy versions: %w", err)
	}
	defer rows.Close()

	detail := models.PolicyDetail{Policy: p}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return models.PolicyDetail{}, err
		}
		detail.Versions = append(detail.Versions, v)
	}
	if err := rows.Err(); err != nil {
		return models.PolicyDetail{}, fmt.Errorf("iterate policy versions: %w", err)
	}
	if n := len(detail.Versions); n > 0 {
		detail.Config = detail.Versions[n-1].Config
	}
	return detail, nil
}

func scanVersion(row rowScanner) (models.PolicyVersion, error) {
	var (
		v   models.PolicyVersion
		raw []byte
	)
	if err := row.Scan(&v.PolicyID, &v.Version, &raw, &v.CreatedBy, &v.CreatedAt); err != nil {
		return models.PolicyVersion{}, err
	}
	if err := json.Unmarshal(raw, &v.Config); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("decode config for %s v%d: %w", v.PolicyID, v.Version, err)
	}
	return v, nil
}

func (s *PGStore) ListPolicies(ctx context.Context) ([]models.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []models.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetVersion(ctx context.Context, policyID string, version int) (models.PolicyVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT policy_id, version, config, created_by, created_at
		FROM policy_versions WHERE policy_id=$1 AND version=$2
	`, policyID, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PolicyVersion{}, ErrNotFound
		}
		return models.PolicyVersion{}, fmt.Errorf("get policy version: %w", err)
	}
	return v, nil
}

func (s *PGStore) CompareAndSwapActive(ctx context.Context, policyID string, expected *int, next int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET active_version=$3, updated_at=NOW()
		WHERE id=$1 AND active_version IS NOT DISTINCT FROM $2
	`, policyID, nullableInt(expected), next)
	if err != nil {
		return false, fmt.Errorf("swap active version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap active version: %w", err)
	}
	if n == 0 {
		if _, err := s.GetPolicy(ctx, policyID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PGStore) CreateRun(ctx context.Context, in RunInput) (models.EvaluationRun, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		INSERT INTO evaluation_runs (id, policy_id, policy_version, base_active_version, status, total,
			batch_size, concurrency, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+runColumns,
		in.ID, in.PolicyID, in.PolicyVersion, nullableInt(in.BaseActiveVersion), string(models.RunStatusRunning),
		in.Total, in.BatchSize, in.Concurrency, in.StartedAt))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return models.EvaluationRun{}, ErrConflict
		case isForeignKeyViolation(err):
			return models.EvaluationRun{}, ErrNotFound
		}
		return models.EvaluationRun{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *PGStore) GetRun(ctx context.Context, id string) (models.EvaluationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvaluationRun{}, ErrNotFound
		}
		return models.EvaluationRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *PGStore) ListRuns(ctx context.Context, filter ListRunsFilter) ([]models.EvaluationRun, error) {
	query := `SELECT ` + runColumns + ` FROM evaluation_runs`
	args := []interface{}{}
	argPos := 1
	if filter.PolicyID != "" {
		query += fmt.Sprintf(" WHERE policy_id=$%d", argPos)
		args = append(args, filter.PolicyID)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC, id LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	return s.queryRuns(ctx, query, args...)
}

func (s *PGStore) ListNonTerminalRuns(ctx context.Context) ([]models.EvaluationRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE status IN ('pending','running') ORDER BY started_at`)
}

func (s *PGStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]models.EvaluationRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.EvaluationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateRunProgress(ctx context.Context, id string, p models.ProgressStats) (bool, error) {
	var cancelRequested bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE evaluation_runs
		SET processed=$2, eligible=$3, ineligible=$4, errors=$5
		WHERE id=$1 AND status IN ('pending','running')
		RETURNING cancel_requested
	`, id, p.Processed, p.Eligible, p.Ineligible, p.Errors).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("update run progress %s: %w", id, ErrConflict)
		}
		return false, fmt.Errorf("update run progress: %w", err)
	}
	return cancelRequested, nil
}

func (s *PGStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluation_runs SET cancel_requested=true
		WHERE id=$1 AND status IN ('pending','running')
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *PGStore) AppendRunResults(ctx context.Context, id string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO run_results (run_id, item_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`, id, pq.Array(itemIDs)); err != nil {
		return fmt.Errorf("append run results: %w", err)
	}
	return nil
}

func (s *PGStore) RunResultIDs(ctx context.Context, id string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM run_results WHERE run_id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("query run results: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan run result: %w", err)
		}
		out[item] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run results: %w", err)
	}
	return out, nil
}

func (s *PGStore) FinishRun(ctx context.Context, id string, fin RunFinish) (models.EvaluationRun, error) {
	if err := checkFinishStatus(fin.Status); err != nil {
		return models.EvaluationRun{}, err
	}
	if fin.FinishedAt.IsZero() {
		fin.FinishedAt = time.Now().UTC()
	}
	p := fin.Progress
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		UPDATE evaluation_runs
		SET status=$2, processed=$3, eligible=$4, ineligible=$5, errors=$6, failure_reason=$7, finished_at=$8
		WHERE id=$1 AND status IN ('pending','running')
		RETURNING `+runColumns,
		id, string(fin.Status), p.Processed, p.Eligible, p.Ineligible, p.Errors, fin.FailureReason, fin.FinishedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetRun(ctx, id); getErr != nil {
				return models.EvaluationRun{}, getErr
			}
			return models.EvaluationRun{}, fmt.Errorf("finish run %s: %w", id, ErrConflict)
		}
		return models.EvaluationRun{}, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

func (s *PGStore) SetRunArchiveKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE evaluation_runs SET archive_key=$2 WHERE id=$1`, id, key)
	if err != nil {
		return fmt.Errorf("set archive key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) PromoteRun(ctx context.Context, runID, policyID string, expected *int, next int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE policies SET active_version=$3, updated_at=NOW()
		WHERE id=$1 AND active_version IS NOT DISTINCT FROM $2
	`, policyID, nullableInt(expected), next)
	if err != nil {
		return false, fmt.Errorf("swap active version: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE evaluation_runs SET status='promoted', promoted_at=NOW()
		WHERE id=$1 AND status='prepared'
	`, runID)
	if err != nil {
		return false, fmt.Errorf("mark run promoted: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit promotion: %w", err)
	}
	return true, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
