package runs

import (
	"sync"
	"time"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

// tracker owns the live state of a run dispatched by this process. One mutex
// guards counters, status and the cancel flag, so every snapshot is consistent
// and the terminal status is decided exactly once.
type tracker struct {
	// immutable after creation
	runID       string
	batchSize   int
	concurrency int
	done        chan struct{}

	mu              sync.Mutex
	run             models.EvaluationRun
	cancelRequested bool
}

func newTracker(run models.EvaluationRun) *tracker {
	return &tracker{runID: run.ID, batchSize: run.BatchSize, concurrency: run.Concurrency, done: make(chan struct{}), run: run}
}

type outcome int

const (
	outcomeEligible outcome = iota
	outcomeIneligible
	outcomeError
)

// record counts one evaluated item.
func (t *tracker) record(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.run.Progress
	switch o {
	case outcomeEligible:
		p.Eligible++
	case outcomeIneligible:
		p.Ineligible++
	case outcomeError:
		p.Errors++
	}
	p.Processed++
	p.Pending = p.Total - p.Processed
}

func (t *tracker) progress() models.ProgressStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Progress
}

func (t *tracker) snapshot() models.EvaluationRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	run := t.run
	run.CancelRequested = t.cancelRequested
	return run
}

// requestCancel sets the flag unless the run already reached a terminal status.
func (t *tracker) requestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status.IsTerminal() {
		return false
	}
	t.cancelRequested = true
	return true
}

func (t *tracker) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// conclude is the single decision point for the terminal status. A failure wins
// over a cancel request, and a cancel request seen here wins over completion.
func (t *tracker) conclude(exhausted bool, cause error, at time.Time) models.EvaluationRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.FinishedAt = &at
	switch {
	case cause != nil:
		t.run.Status = models.RunStatusFailed
		t.run.FailureReason = cause.Error()
	case t.cancelRequested:
		t.run.Status = models.RunStatusCancelled
	case exhausted:
		t.run.Status = models.RunStatusPrepared
	default:
		t.run.Status = models.RunStatusFailed
		t.run.FailureReason = "dispatch stopped before the catalog was exhausted"
	}
	run := t.run
	run.CancelRequested = t.cancelRequested
	return run
}

// adopt replaces the tracked run with the persisted terminal record.
func (t *tracker) adopt(run models.EvaluationRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run = run
}
