package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog/policy-engine/internal/auth"
	"github.com/reelhouse/catalog/policy-engine/internal/catalog"
	"github.com/reelhouse/catalog/policy-engine/internal/diff"
	"github.com/reelhouse/catalog/policy-engine/internal/httpserver"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/promotion"
	"github.com/reelhouse/catalog/policy-engine/internal/runs"
	"github.com/reelhouse/catalog/policy-engine/internal/service"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
)

const debugToken = "local-dev"

type fixture struct {
	handler http.Handler
	store   *store.MemoryStore
	runs    *runs.Orchestrator
}

func newFixture(t *testing.T, items []models.CatalogItem) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	src := catalog.NewMemorySource(items, nil)
	orch := runs.New(st, src, runs.Config{DefaultBatchSize: 5, DefaultConcurrency: 2, LeaseTTL: time.Minute})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	svc := service.New(st, orch, diff.NewEngine(st, src, 0, 0), promotion.NewGate(st, promotion.DefaultThresholds()))
	v, err := auth.NewVerifier(auth.Config{AllowDebugToken: true, DebugToken: debugToken})
	require.NoError(t, err)
	return &fixture{
		handler: httpserver.New(svc, v, zerolog.Nop()).Router(),
		store:   st,
		runs:    orch,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+debugToken)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func titles(n int) []models.CatalogItem {
	out := make([]models.CatalogItem, n)
	for i := range out {
		region := "US"
		if i%5 == 0 {
			region = "RU"
		}
		out[i] = models.CatalogItem{ID: fmt.Sprintf("tt%04d", i), Regions: []string{region}}
	}
	return out
}

var policyBody = map[string]interface{}{
	"name": "Homepage",
	"config": map[string]interface{}{
		"blockedCountries":   []string{"ru"},
		"blockedCountryMode": "ANY",
		"eligibilityMode":    "STRICT",
	},
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, true, body["ok"])
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/policies", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPolicyLifecycle(t *testing.T) {
	f := newFixture(t, titles(20))

	rr := f.do(t, http.MethodPost, "/admin/policies", policyBody)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ref := decode[service.PolicyRef](t, rr)
	assert.Equal(t, 1, ref.Version)

	rr = f.do(t, http.MethodGet, "/admin/policies/"+ref.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[models.PolicyDetail](t, rr)
	assert.Equal(t, []string{"RU"}, detail.Config.BlockedCountries)

	rr = f.do(t, http.MethodPost, "/admin/policies/"+ref.ID+"/runs", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	run := decode[service.RunRef](t, rr)
	require.NotEmpty(t, run.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.runs.Wait(ctx, run.RunID)
	require.NoError(t, err)

	rr = f.do(t, http.MethodGet, "/admin/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[service.RunView](t, rr)
	assert.Equal(t, models.RunStatusPrepared, view.Status)
	assert.Equal(t, int64(16), view.Progress.Eligible)
	assert.True(t, view.ReadyToPromote)

	rr = f.do(t, http.MethodGet, "/admin/runs/"+run.RunID+"/diff?sampleSize=3", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[models.DiffReport](t, rr)
	assert.Equal(t, 16, report.ImprovementsCount)
	assert.Len(t, report.Improvements, 3)

	rr = f.do(t, http.MethodPost, "/admin/runs/"+run.RunID+"/promote", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[promotion.Result](t, rr)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ActiveVersion)

	rr = f.do(t, http.MethodPost, "/admin/runs/"+run.RunID+"/promote", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/admin/runs?policyId="+ref.ID+"&limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.EvaluationRun](t, rr), 1)
}

func TestPromoteBlockedReturns422(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodPost, "/admin/policies", policyBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	ref := decode[service.PolicyRef](t, rr)

	f.store.SeedRun(models.EvaluationRun{
		ID:                  "run-blocked",
		TargetPolicyID:      ref.ID,
		TargetPolicyVersion: 1,
		Status:              models.RunStatusPrepared,
		Progress:            models.ProgressStats{Processed: 1000, Total: 1000, Eligible: 850, Ineligible: 100, Errors: 50},
		StartedAt:           time.Now().UTC(),
	}, nil)

	rr = f.do(t, http.MethodPost, "/admin/runs/run-blocked/promote", map[string]interface{}{"coverageThreshold": 1.0})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "PROMOTION_BLOCKED", body["code"])
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []interface{}{"ERRORS_EXCEEDED"}, body["blockingReasons"])

	rr = f.do(t, http.MethodPost, "/admin/runs/run-blocked/promote", map[string]interface{}{"maxErrors": 50})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, titles(3))

	rr := f.do(t, http.MethodPost, "/admin/policies", map[string]interface{}{
		"name":   "Bad",
		"config": map[string]interface{}{"blockedCountryMode": "SOME", "eligibilityMode": "STRICT"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_FAILED", decode[map[string]interface{}](t, rr)["code"])

	rr = f.do(t, http.MethodGet, "/admin/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode[map[string]interface{}](t, rr)["code"])

	rr = f.do(t, http.MethodGet, "/admin/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/admin/policies", policyBody)
	ref := decode[service.PolicyRef](t, rr)
	f.store.SeedRun(models.EvaluationRun{
		ID:                  "run-live",
		TargetPolicyID:      ref.ID,
		TargetPolicyVersion: 1,
		Status:              models.RunStatusRunning,
		StartedAt:           time.Now().UTC(),
	}, nil)

	rr = f.do(t, http.MethodPost, "/admin/policies/"+ref.ID+"/runs", map[string]int{"batchSize": 10})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/admin/runs/run-live/diff", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "RUN_NOT_TERMINAL", decode[map[string]interface{}](t, rr)["code"])

	rr = f.do(t, http.MethodPost, "/admin/policies/"+ref.ID+"/runs", map[string]int{"batchSize": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
