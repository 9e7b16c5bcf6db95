// Package diff compares a run's eligible set against what the catalog shows today.
package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/reelhouse/catalog/policy-engine/internal/catalog"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
	"github.com/reelhouse/catalog/policy-engine/internal/validation"
)

var ErrRunNotTerminal = errors.New("run has not finished")

const (
	DefaultSampleSize = 50
	MaxSampleSize     = 1000
)

type Engine struct {
	store         store.Store
	source        catalog.Source
	defaultSample int
	maxSample     int
}

// NewEngine returns an engine with the given sample bounds; zero values use the
// package defaults.
func NewEngine(st store.Store, src catalog.Source, defaultSample, maxSample int) *Engine {
	if maxSample <= 0 {
		maxSample = MaxSampleSize
	}
	if defaultSample <= 0 {
		defaultSample = DefaultSampleSize
	}
	if defaultSample > maxSample {
		defaultSample = maxSample
	}
	return &Engine{store: st, source: src, defaultSample: defaultSample, maxSample: maxSample}
}

// Diff reports regressions (live but not in the run) and improvements (in the
// run but not live). Samples are the lowest ids; counts are never truncated.
// A sampleSize of 0 uses the default.
func (e *Engine) Diff(ctx context.Context, runID string, sampleSize int) (models.DiffReport, error) {
	if sampleSize < 0 || sampleSize > e.maxSample {
		return models.DiffReport{}, validation.Fail("diff options", "sampleSize", fmt.Sprintf("must be between 0 and %d", e.maxSample))
	}
	if sampleSize == 0 {
		sampleSize = e.defaultSample
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return models.DiffReport{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if !run.Status.IsTerminal() {
		return models.DiffReport{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunNotTerminal)
	}

	result, err := e.store.RunResultIDs(ctx, runID)
	if err != nil {
		return models.DiffReport{}, fmt.Errorf("load run results: %w", err)
	}
	live, err := e.source.EligibleIDs(ctx)
	if err != nil {
		return models.DiffReport{}, fmt.Errorf("load live eligible set: %w", err)
	}

	regressions := minus(live, result)
	improvements := minus(result, live)
	return models.DiffReport{
		RunID:             runID,
		Regressions:       sample(regressions, sampleSize),
		RegressionsCount:  len(regressions),
		Improvements:      sample(improvements, sampleSize),
		ImprovementsCount: len(improvements),
		SampleSize:        sampleSize,
	}, nil
}

// minus returns a - b sorted by id.
func minus(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sample(ids []string, n int) []string {
	if len(ids) > n {
		return ids[:n]
	}
	return ids
}
