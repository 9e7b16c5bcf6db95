package acceptance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog/policy-engine/internal/audit"
	"github.com/reelhouse/catalog/policy-engine/internal/catalog"
	"github.com/reelhouse/catalog/policy-engine/internal/diff"
	"github.com/reelhouse/catalog/policy-engine/internal/lease"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/promotion"
	"github.com/reelhouse/catalog/policy-engine/internal/runs"
	"github.com/reelhouse/catalog/policy-engine/internal/service"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
)

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Publish(ctx context.Context, ev audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) count(t audit.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	svc    *service.Service
	orch   *runs.Orchestrator
	source *catalog.MemorySource
	events *eventLog
}

func newHarness(t *testing.T, items []models.CatalogItem) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	src := catalog.NewMemorySource(items, nil)
	events := &eventLog{}
	orch := runs.New(st, src,
		runs.Config{DefaultBatchSize: 7, DefaultConcurrency: 3, LeaseTTL: time.Minute},
		runs.WithPublisher(events),
		runs.WithLocker(lease.NewLocalLocker()),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	gate := promotion.NewGate(st, promotion.DefaultThresholds(), promotion.WithPublisher(events))
	return &harness{
		svc:    service.New(st, orch, diff.NewEngine(st, src, 0, 0), gate),
		orch:   orch,
		source: src,
		events: events,
	}
}

// prepare starts a run and blocks until it is terminal.
func (h *harness) prepare(t *testing.T, policyID string, opts runs.Options) service.RunView {
	t.Helper()
	ref, err := h.svc.PrepareRun(context.Background(), policyID, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.orch.Wait(ctx, ref.RunID)
	require.NoError(t, err)
	view, err := h.svc.GetRunStatus(context.Background(), ref.RunID)
	require.NoError(t, err)
	return view
}

// catalogOf builds n titles: every fourth is only in RU, the next is only in BY,
// the rest in US. t001 has enough IMDb votes to break out.
func catalogOf(n int) []models.CatalogItem {
	out := make([]models.CatalogItem, n)
	for i := range out {
		item := models.CatalogItem{ID: fmt.Sprintf("t%03d", i), MediaType: "movie", Regions: []string{"US"}}
		switch i % 4 {
		case 0:
			item.Regions = []string{"RU"}
		case 1:
			item.Regions = []string{"BY"}
		}
		if i == 1 {
			votes := int64(25000)
			item.ImdbVotes = &votes
		}
		out[i] = item
	}
	return out
}

func eligibleIDs(items []models.CatalogItem, blocked ...string) []string {
	deny := map[string]bool{}
	for _, b := range blocked {
		deny[b] = true
	}
	var ids []string
	for _, it := range items {
		if !deny[it.Regions[0]] {
			ids = append(ids, it.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func TestPolicyRolloutEndToEnd(t *testing.T) {
	items := catalogOf(40)
	h := newHarness(t, items)
	ctx := context.Background()

	v1 := models.PolicyConfig{
		BlockedCountries:   []string{"RU"},
		BlockedCountryMode: models.CountryModeAny,
		EligibilityMode:    models.EligibilityModeStrict,
	}
	ref, err := h.svc.CreatePolicy(ctx, service.CreatePolicyRequest{ID: "homepage", Name: "Homepage", Config: v1}, "ops@example.com")
	require.NoError(t, err)

	// first rollout: nothing is active yet
	run1 := h.prepare(t, ref.ID, runs.Options{})
	require.Equal(t, models.RunStatusPrepared, run1.Status)
	assert.Equal(t, int64(40), run1.Progress.Processed)
	assert.Equal(t, int64(30), run1.Progress.Eligible)
	assert.Nil(t, run1.BaseActiveVersion)
	assert.True(t, run1.ReadyToPromote)

	res, err := h.svc.PromoteRun(ctx, run1.ID, promotion.Request{Actor: "ops@example.com"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.ActiveVersion)

	// the live catalog now follows version 1
	h.source.SetEligible(eligibleIDs(items, "RU"))

	v2 := v1
	v2.BlockedCountries = []string{"RU", "BY"}
	v2.BreakoutRules = []models.BreakoutRule{{
		ID:           "blockbuster",
		Name:         "Blockbuster",
		Priority:     1,
		Requirements: models.BreakoutRuleRequirements{MinImdbVotes: int64Ptr(10000)},
	}}
	ref2, err := h.svc.CreateVersion(ctx, ref.ID, v2, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, ref2.Version)

	detail, err := h.svc.GetPolicy(ctx, ref.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.ActiveVersion)
	assert.Equal(t, 1, *detail.ActiveVersion, "creating a version never activates it")

	run2 := h.prepare(t, ref.ID, runs.Options{BatchSize: 4, Concurrency: 2})
	require.Equal(t, models.RunStatusPrepared, run2.Status)
	assert.Equal(t, int64(21), run2.Progress.Eligible)
	require.NotNil(t, run2.BaseActiveVersion)
	assert.Equal(t, 1, *run2.BaseActiveVersion)

	report, err := h.svc.DiffRun(ctx, run2.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 9, report.RegressionsCount)
	assert.Equal(t, []string{"t005", "t009", "t013", "t017", "t021"}, report.Regressions)
	assert.Zero(t, report.ImprovementsCount)
	assert.NotContains(t, report.Regressions, "t001")

	// a third version prepared against the same base wins the race
	v3 := v1
	v3.AllowedCountries = []string{"US"}
	_, err = h.svc.CreateVersion(ctx, ref.ID, v3, "ops@example.com")
	require.NoError(t, err)
	run3 := h.prepare(t, ref.ID, runs.Options{})
	require.Equal(t, models.RunStatusPrepared, run3.Status)
	assert.Equal(t, int64(20), run3.Progress.Eligible)

	res, err = h.svc.PromoteRun(ctx, run3.ID, promotion.Request{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.ActiveVersion)

	_, err = h.svc.PromoteRun(ctx, run2.ID, promotion.Request{})
	assert.ErrorIs(t, err, store.ErrConflict)

	detail, err = h.svc.GetPolicy(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, *detail.ActiveVersion)

	// reverting is a forward promotion of an earlier version
	revert := h.prepare(t, ref.ID, runs.Options{Version: 1})
	assert.Equal(t, 1, revert.TargetPolicyVersion)
	assert.True(t, revert.ReadyToPromote)
	res, err = h.svc.PromoteRun(ctx, revert.ID, promotion.Request{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, 4, h.events.count(audit.EventRunPrepared))
	assert.Equal(t, 3, h.events.count(audit.EventPolicyPromoted))

	list, err := h.svc.ListRuns(ctx, store.ListRunsFilter{PolicyID: ref.ID})
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestCancelIsNoOpOnPreparedRunAndShutdownRejectsPrepare(t *testing.T) {
	h := newHarness(t, catalogOf(12))
	ctx := context.Background()
	ref, err := h.svc.CreatePolicy(ctx, service.CreatePolicyRequest{Name: "Kids", Config: models.PolicyConfig{
		BlockedCountryMode: models.CountryModeAll,
		EligibilityMode:    models.EligibilityModeLenient,
	}}, "")
	require.NoError(t, err)

	view := h.prepare(t, ref.ID, runs.Options{})
	require.Equal(t, models.RunStatusPrepared, view.Status)

	cancelled, err := h.svc.CancelRun(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.Success)
	assert.Equal(t, models.RunStatusPrepared, cancelled.Status)

	laterRef, err := h.svc.CreatePolicy(ctx, service.CreatePolicyRequest{Name: "Late", Config: models.PolicyConfig{
		BlockedCountryMode: models.CountryModeAny,
		EligibilityMode:    models.EligibilityModeStrict,
	}}, "")
	require.NoError(t, err)
	require.NoError(t, h.orch.Shutdown(ctx))

	_, err = h.svc.PrepareRun(ctx, laterRef.ID, runs.Options{})
	assert.ErrorIs(t, err, runs.ErrShuttingDown)
}

func int64Ptr(v int64) *int64 { return &v }
