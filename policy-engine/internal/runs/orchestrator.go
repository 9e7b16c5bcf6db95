// Package runs dispatches evaluation runs: it streams the catalog through a
// compiled policy version in bounded batches, keeps progress counters, and
// drives every run to exactly one terminal status.
package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reelhouse/catalog/policy-engine/internal/audit"
	"github.com/reelhouse/catalog/policy-engine/internal/catalog"
	"github.com/reelhouse/catalog/policy-engine/internal/eligibility"
	"github.com/reelhouse/catalog/policy-engine/internal/lease"
	"github.com/reelhouse/catalog/policy-engine/internal/metrics"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
	"github.com/reelhouse/catalog/policy-engine/internal/validation"
)

const (
	MaxBatchSize   = 10000
	MaxConcurrency = 256

	finishTimeout  = 30 * time.Second
	finishRetry    = 200 * time.Millisecond
	finishRetryMax = 10 * time.Second
	orphanedReason = "orphaned: owner lost"
)

var ErrShuttingDown = errors.New("orchestrator shutting down")

type Config struct {
	DefaultBatchSize   int
	DefaultConcurrency int
	LeaseTTL           time.Duration
}

// Options tune a single run. Zero values fall back to the configured defaults;
// Version 0 targets the policy's latest version.
type Options struct {
	BatchSize   int
	Concurrency int
	Version     int
	Actor       string
}

type Option func(*Orchestrator)

func WithLocker(l lease.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithPublisher(p audit.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithArchiver(a audit.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithEvaluatorOptions(opts ...eligibility.Option) Option {
	return func(o *Orchestrator) { o.evalOpts = append(o.evalOpts, opts...) }
}

type Orchestrator struct {
	store     store.Store
	source    catalog.Source
	cfg       Config
	locker    lease.Locker
	publisher audit.Publisher
	archiver  audit.Archiver
	logger    zerolog.Logger
	evalOpts  []eligibility.Option
	now       func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*tracker
	closed bool
}

func New(st store.Store, src catalog.Source, cfg Config, opts ...Option) *Orchestrator {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 500
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 8
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     st,
		source:    src,
		cfg:       cfg,
		locker:    lease.NewLocalLocker(),
		publisher: audit.NopPublisher{},
		archiver:  audit.NopArchiver{},
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		base:      base,
		stop:      stop,
		active:    map[string]*tracker{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare creates a running run for the policy and starts dispatching it in the
// background. Infrastructure failures after the run exists do not surface here;
// they leave the returned run (or its later state) failed.
func (o *Orchestrator) Prepare(ctx context.Context, policyID string, opts Options) (models.EvaluationRun, error) {
	batchSize, concurrency, err := o.resolve(opts)
	if err != nil {
		return models.EvaluationRun{}, err
	}
	if o.isClosed() {
		return models.EvaluationRun{}, ErrShuttingDown
	}

	policy, err := o.store.GetPolicy(ctx, policyID)
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("policy %s: %w", policyID, err)
	}
	version := opts.Version
	if version == 0 {
		version = policy.LatestVersion
	}
	pv, err := o.store.GetVersion(ctx, policyID, version)
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("policy %s version %d: %w", policyID, version, err)
	}
	total, err := o.source.Count(ctx)
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("count catalog: %w", err)
	}

	run, err := o.store.CreateRun(ctx, store.RunInput{
		ID:                uuid.NewString(),
		PolicyID:          policyID,
		PolicyVersion:     pv.Version,
		BaseActiveVersion: policy.ActiveVersion,
		Total:             total,
		BatchSize:         batchSize,
		Concurrency:       concurrency,
		StartedAt:         o.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.EvaluationRun{}, fmt.Errorf("policy %s already has a run in flight: %w", policyID, err)
		}
		return models.EvaluationRun{}, fmt.Errorf("create run: %w", err)
	}
	metrics.RunsStarted.Inc()
	metrics.RunsInFlight.Inc()

	log := o.logger.With().Str("run_id", run.ID).Str("policy_id", policyID).Int("policy_version", pv.Version).Logger()
	log.Info().Int64("total", total).Int("batch_size", batchSize).Int("concurrency", concurrency).Str("actor", opts.Actor).Msg("run started")

	t := newTracker(run)
	l, err := o.locker.Acquire(ctx, lease.RunKey(run.ID), o.cfg.LeaseTTL)
	var leaseErr error
	if err != nil {
		l, leaseErr = nil, fmt.Errorf("acquire run lease: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return o.complete(t, l, false, ErrShuttingDown), nil
	}
	o.active[run.ID] = t
	o.wg.Add(1)
	o.mu.Unlock()

	if leaseErr != nil {
		go func() {
			defer o.wg.Done()
			o.complete(t, nil, false, leaseErr)
		}()
		return t.snapshot(), nil
	}
	ev := eligibility.Compile(pv.Config, o.evalOpts...)
	go o.dispatch(t, l, ev, log)
	return t.snapshot(), nil
}

func (o *Orchestrator) resolve(opts Options) (int, int, error) {
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = o.cfg.DefaultBatchSize
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		return 0, 0, validation.Fail("run options", "batchSize", fmt.Sprintf("must be between 1 and %d", MaxBatchSize))
	}
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = o.cfg.DefaultConcurrency
	}
	if concurrency < 1 || concurrency > MaxConcurrency {
		return 0, 0, validation.Fail("run options", "concurrency", fmt.Sprintf("must be between 1 and %d", MaxConcurrency))
	}
	if opts.Version < 0 {
		return 0, 0, validation.Fail("run options", "version", "must be positive")
	}
	return batchSize, concurrency, nil
}

func (o *Orchestrator) dispatch(t *tracker, l *lease.Lease, ev *eligibility.Evaluator, log zerolog.Logger) {
	defer o.wg.Done()
	exhausted, cause := o.evaluateAll(o.base, t, l, ev, log)
	o.complete(t, l, exhausted, cause)
}

// evaluateAll runs batches until the catalog or the snapshot is exhausted, a
// cancel is observed, or an infrastructure error stops it. Cancellation is only
// checked between batches.
func (o *Orchestrator) evaluateAll(ctx context.Context, t *tracker, l *lease.Lease, ev *eligibility.Evaluator, log zerolog.Logger) (bool, error) {
	cur, err := o.source.Open(ctx, t.batchSize)
	if err != nil {
		return false, infraError(ctx, "open catalog", err)
	}
	defer cur.Close()

	for {
		if t.cancelled() {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ErrShuttingDown
		}
		p := t.progress()
		if p.Processed >= p.Total {
			return true, nil
		}

		start := time.Now()
		batch, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, infraError(ctx, "read catalog", err)
		}
		// items beyond the snapshot taken at prepare are ignored
		if remaining := p.Total - p.Processed; int64(len(batch)) > remaining {
			batch = batch[:remaining]
		}

		eligible, counts := evaluateBatch(t, ev, batch, log)
		if err := o.store.AppendRunResults(ctx, t.runID, eligible); err != nil {
			return false, infraError(ctx, "persist run results", err)
		}
		cancelRequested, err := o.store.UpdateRunProgress(ctx, t.runID, t.progress())
		if err != nil {
			return false, infraError(ctx, "persist run progress", err)
		}
		if cancelRequested {
			t.requestCancel()
		}
		if err := l.Refresh(ctx); err != nil {
			return false, infraError(ctx, "refresh run lease", err)
		}
		metrics.RecordBatch(counts[outcomeEligible], counts[outcomeIneligible], counts[outcomeError], time.Since(start))
	}
}

func infraError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ErrShuttingDown
	}
	return fmt.Errorf("%s: %w", op, err)
}

// evaluateBatch fans the batch out to at most t.concurrency workers. Item errors
// are counted and never stop the batch. It returns the eligible ids in batch order.
func evaluateBatch(t *tracker, ev *eligibility.Evaluator, batch []models.CatalogItem, log zerolog.Logger) ([]string, [3]int64) {
	outcomes := make([]outcome, len(batch))
	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for i := range batch {
		i := i
		g.Go(func() error {
			v, err := ev.Evaluate(batch[i])
			switch {
			case err != nil:
				outcomes[i] = outcomeError
				log.Debug().Err(err).Str("item_id", batch[i].ID).Msg("item evaluation failed")
			case v.Eligible:
				outcomes[i] = outcomeEligible
			default:
				outcomes[i] = outcomeIneligible
			}
			t.record(outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	var counts [3]int64
	eligible := make([]string, 0, len(batch))
	for i, oc := range outcomes {
		counts[oc]++
		if oc == outcomeEligible {
			eligible = append(eligible, batch[i].ID)
		}
	}
	return eligible, counts
}

// complete decides and persists the terminal status, then archives, publishes
// and releases the lease. l may be nil when the lease was never acquired. The
// run stays tracked and its lease held until the status is stored.
func (o *Orchestrator) complete(t *tracker, l *lease.Lease, exhausted bool, cause error) models.EvaluationRun {
	decided := t.conclude(exhausted, cause, o.now())
	log := o.logger.With().Str("run_id", decided.ID).Str("policy_id", decided.TargetPolicyID).Logger()

	run, finished := o.persistTerminal(l, decided, log)
	t.adopt(run)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), finishTimeout)
	defer cancel()

	if finished {
		ev := log.Info()
		if run.Status == models.RunStatusFailed {
			ev = log.Error().Str("reason", run.FailureReason)
		}
		ev.Str("status", string(run.Status)).
			Int64("processed", run.Progress.Processed).
			Int64("total", run.Progress.Total).
			Int64("errors", run.Progress.Errors).
			Msg("run finished")
		metrics.RecordRunFinished(string(run.Status))
		run = o.recordTerminal(ctx, run, log)
		t.adopt(run)
	}

	if l != nil {
		if err := l.Release(ctx); err != nil {
			log.Warn().Err(err).Msg("release run lease")
		}
	}
	o.mu.Lock()
	delete(o.active, decided.ID)
	o.mu.Unlock()
	close(t.done)
	metrics.RunsInFlight.Dec()
	return run
}

// persistTerminal stores the decided status, retrying with backoff and keeping
// the lease alive between attempts. It stops retrying once the orchestrator is
// shut down; the row is then left for orphan recovery or an unowned cancel.
// The bool is false when nothing was written here.
func (o *Orchestrator) persistTerminal(l *lease.Lease, decided models.EvaluationRun, log zerolog.Logger) (models.EvaluationRun, bool) {
	fin := store.RunFinish{
		Status:        decided.Status,
		Progress:      decided.Progress,
		FailureReason: decided.FailureReason,
		FinishedAt:    *decided.FinishedAt,
	}
	delay := finishRetry
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.base), finishTimeout)
		run, err := o.store.FinishRun(ctx, decided.ID, fin)
		if err == nil {
			cancel()
			return run, true
		}
		if errors.Is(err, store.ErrConflict) {
			// already terminal, e.g. cancelled by a replica that saw no owner
			stored, gerr := o.store.GetRun(ctx, decided.ID)
			cancel()
			if gerr != nil {
				return decided, false
			}
			log.Warn().Str("status", string(stored.Status)).Msg("run was finished elsewhere")
			return stored, false
		}
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("run disappeared before its terminal status was stored")
			return decided, false
		}
		log.Error().Err(err).Int("attempt", attempt).Str("status", string(decided.Status)).Msg("persist terminal status")

		select {
		case <-o.base.Done():
			log.Warn().Msg("shutting down before terminal status was stored; leaving run for recovery")
			return decided, false
		case <-time.After(delay):
		}
		if l != nil {
			ctx, cancel := context.WithTimeout(o.base, finishTimeout)
			if err := l.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("refresh run lease")
			}
			cancel()
		}
		delay *= 2
		if delay > finishRetryMax {
			delay = finishRetryMax
		}
	}
}

// recordTerminal archives the run's result set and publishes its event. Both are
// best effort.
func (o *Orchestrator) recordTerminal(ctx context.Context, run models.EvaluationRun, log zerolog.Logger) models.EvaluationRun {
	ids, err := o.store.RunResultIDs(ctx, run.ID)
	if err != nil {
		log.Warn().Err(err).Msg("load run results for archive")
	} else {
		key, err := o.archiver.ArchiveRun(ctx, run, sortedIDs(ids))
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("archive run")
		case key != "":
			if err := o.store.SetRunArchiveKey(ctx, run.ID, key); err != nil {
				log.Warn().Err(err).Str("archive_key", key).Msg("store archive key")
			} else {
				run.ArchiveKey = key
			}
		}
	}
	if err := o.publisher.Publish(ctx, audit.RunEvent(run)); err != nil {
		log.Warn().Err(err).Msg("publish run event")
	}
	return run
}

// Cancel asks a run to stop after its in-flight batch. Cancelling a terminal run
// is a no-op that returns the run unchanged. A non-terminal run whose lease is
// not held has no owner to observe the request, so it is cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (models.EvaluationRun, error) {
	if t := o.tracked(runID); t != nil {
		if t.requestCancel() {
			o.logger.Info().Str("run_id", runID).Msg("cancel requested")
		}
		return t.snapshot(), nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	if err := o.store.RequestCancel(ctx, runID); err != nil && !errors.Is(err, store.ErrConflict) {
		return models.EvaluationRun{}, fmt.Errorf("request cancel: %w", err)
	}
	held, err := o.locker.IsHeld(ctx, lease.RunKey(runID))
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("check lease for run %s: %w", runID, err)
	}
	if held {
		// the owner sees the flag on its next progress write
		o.logger.Info().Str("run_id", runID).Msg("cancel requested for remote run")
		return o.store.GetRun(ctx, runID)
	}

	cancelled, err := o.store.FinishRun(ctx, runID, store.RunFinish{
		Status:     models.RunStatusCancelled,
		Progress:   run.Progress,
		FinishedAt: o.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return o.store.GetRun(ctx, runID)
	}
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("cancel unowned run %s: %w", runID, err)
	}
	log := o.logger.With().Str("run_id", runID).Str("policy_id", cancelled.TargetPolicyID).Logger()
	log.Warn().Msg("unowned run cancelled")
	metrics.RecordRunFinished(string(cancelled.Status))
	return o.recordTerminal(ctx, cancelled, log), nil
}

// GetStatus returns a consistent snapshot. Runs dispatched here are read from
// memory, so the snapshot is never older than the last counted item.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (models.EvaluationRun, error) {
	if t := o.tracked(runID); t != nil {
		return t.snapshot(), nil
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return models.EvaluationRun{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

// Wait blocks until a run dispatched here has persisted its terminal status and
// returns the stored run. Runs owned elsewhere are returned as currently stored.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (models.EvaluationRun, error) {
	if t := o.tracked(runID); t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return models.EvaluationRun{}, ctx.Err()
		}
	}
	return o.GetStatus(ctx, runID)
}

// List returns runs newest first, overlaying live progress for local runs.
func (o *Orchestrator) List(ctx context.Context, filter store.ListRunsFilter) ([]models.EvaluationRun, error) {
	runs, err := o.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if t := o.tracked(runs[i].ID); t != nil {
			runs[i] = t.snapshot()
		}
	}
	return runs, nil
}

// RecoverOrphans fails non-terminal runs that no live process owns. It returns
// how many runs it failed.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	pending, err := o.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list non-terminal runs: %w", err)
	}
	recovered := 0
	for _, run := range pending {
		if o.tracked(run.ID) != nil {
			continue
		}
		held, err := o.locker.IsHeld(ctx, lease.RunKey(run.ID))
		if err != nil {
			return recovered, fmt.Errorf("check lease for run %s: %w", run.ID, err)
		}
		if held {
			continue
		}
		failed, err := o.store.FinishRun(ctx, run.ID, store.RunFinish{
			Status:        models.RunStatusFailed,
			Progress:      run.Progress,
			FailureReason: orphanedReason,
			FinishedAt:    o.now(),
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("fail orphaned run %s: %w", run.ID, err)
		}
		log := o.logger.With().Str("run_id", run.ID).Str("policy_id", run.TargetPolicyID).Logger()
		log.Warn().Msg("orphaned run failed")
		metrics.RecordRunFinished(string(failed.Status))
		o.recordTerminal(ctx, failed, log)
		recovered++
	}
	return recovered, nil
}

// Shutdown stops dispatch; runs still in flight end failed. It waits for them
// to persist their terminal status or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) tracked(runID string) *tracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[runID]
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func sortedIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
