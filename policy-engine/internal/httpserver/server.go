package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/reelhouse/catalog/policy-engine/internal/auth"
	"github.com/reelhouse/catalog/policy-engine/internal/diff"
	"github.com/reelhouse/catalog/policy-engine/internal/metrics"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
	"github.com/reelhouse/catalog/policy-engine/internal/promotion"
	"github.com/reelhouse/catalog/policy-engine/internal/runs"
	"github.com/reelhouse/catalog/policy-engine/internal/service"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
	"github.com/reelhouse/catalog/policy-engine/internal/validation"
)

const maxBodyBytes = 1 << 20

type Server struct {
	service  *service.Service
	verifier *auth.Verifier
	logger   zerolog.Logger
}

func New(svc *service.Service, verifier *auth.Verifier, logger zerolog.Logger) *Server {
	return &Server{service: svc, verifier: verifier, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(instrument)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleViewer))
			r.Get("/policies", s.handleListPolicies)
			r.Get("/policies/{policyID}", s.handleGetPolicy)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Get("/runs/{runID}/diff", s.handleDiff)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleOperator))
			r.Post("/policies", s.handleCreatePolicy)
			r.Post("/policies/{policyID}/versions", s.handleCreateVersion)
			r.Post("/policies/{policyID}/runs", s.handlePrepareRun)
			r.Post("/runs/{runID}/cancel", s.handleCancelRun)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RolePromoter))
			r.Post("/runs/{runID}/promote", s.handlePromote)
		})
	})

	return r
}

// instrument records request counts and latency by route pattern, so ids in
// paths do not blow up label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "ok"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.service.ListPolicies(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if policies == nil {
		policies = []models.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

type createPolicyRequest struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Config models.PolicyConfig `json:"config"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ref, err := s.service.CreatePolicy(r.Context(), service.CreatePolicyRequest{
		ID:     req.ID,
		Name:   req.Name,
		Config: req.Config,
	}, auth.Actor(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ref)
}

type createVersionRequest struct {
	Config models.PolicyConfig `json:"config"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ref, err := s.service.CreateVersion(r.Context(), chi.URLParam(r, "policyID"), req.Config, auth.Actor(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ref)
}

type prepareRequest struct {
	BatchSize   int `json:"batchSize"`
	Concurrency int `json:"concurrency"`
	Version     int `json:"version"`
}

func (s *Server) handlePrepareRun(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ref, err := s.service.PrepareRun(r.Context(), chi.URLParam(r, "policyID"), runs.Options{
		BatchSize:   req.BatchSize,
		Concurrency: req.Concurrency,
		Version:     req.Version,
		Actor:       auth.Actor(r.Context()),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ref)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.ListRunsFilter{PolicyID: r.URL.Query().Get("policyId")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	list, err := s.service.ListRuns(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.EvaluationRun{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetRunStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type promoteRequest struct {
	CoverageThreshold *float64 `json:"coverageThreshold"`
	MaxErrors         *int64   `json:"maxErrors"`
}

type blockedResponse struct {
	promotion.Result
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res, err := s.service.PromoteRun(r.Context(), chi.URLParam(r, "runID"), promotion.Request{
		CoverageThreshold: req.CoverageThreshold,
		MaxErrors:         req.MaxErrors,
		Actor:             auth.Actor(r.Context()),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if !res.Success {
		respondJSON(w, http.StatusUnprocessableEntity, blockedResponse{
			Result: res,
			Error:  res.Message,
			Code:   "PROMOTION_BLOCKED",
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.CancelRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	sampleSize := 0
	if raw := r.URL.Query().Get("sampleSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "sampleSize must be an integer")
			return
		}
		sampleSize = n
	}
	report, err := s.service.DiffRun(r.Context(), chi.URLParam(r, "runID"), sampleSize)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    err.Error(),
			"code":     "VALIDATION_FAILED",
			"problems": verr.Problems,
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, diff.ErrRunNotTerminal):
		respondError(w, http.StatusConflict, "RUN_NOT_TERMINAL", err.Error())
	case errors.Is(err, runs.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves v at its zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := decodeJSON(w, r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{"error": msg, "code": code})
}
