// Package api exposes the HTTP interface for the audit service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/audit"
	"github.com/agencykit/siteaudit/internal/config"
	"github.com/agencykit/siteaudit/internal/metrics"
)

// BatchRunner triggers and cancels background audit batches.
type BatchRunner interface {
	Trigger(auditID string) bool
	Cancel(ctx context.Context, auditID string) error
}

// Server wires HTTP handlers to the store and batch runner.
type Server struct {
	router chi.Router
	store  audit.Store
	runner BatchRunner
	idGen  audit.IDGenerator
	clock  audit.Clock
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store audit.Store,
	runner BatchRunner,
	idGen audit.IDGenerator,
	clock audit.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		runner: runner,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/audits", func(r chi.Router) {
			r.Post("/", s.submitAudit)
			r.Route("/{audit_id}", func(r chi.Router) {
				r.Get("/status", s.getAuditStatus)
				r.Get("/checks", s.getAuditChecks)
				r.Post("/continue", s.continueAudit)
				r.Post("/cancel", s.cancelAudit)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitAuditRequest struct {
	URL        string `json:"url"`
	PageBudget *int   `json:"page_budget"`
}

func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req submitAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := audit.NormalizeURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "url must be a valid http(s) URL")
		return
	}

	budget := s.cfg.Crawler.DefaultPageBudget
	if req.PageBudget != nil {
		budget = *req.PageBudget
	}
	if budget <= 0 || budget > s.cfg.Crawler.MaxPageBudget {
		writeError(w, http.StatusBadRequest, "page_budget out of range")
		return
	}

	auditID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate audit id")
		return
	}
	a := audit.Audit{
		ID:         auditID,
		TargetURL:  target,
		Status:     audit.StatusPending,
		PageBudget: budget,
		Cursor:     audit.NoCursor,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreateAudit(r.Context(), a); err != nil {
		s.logger.Error("audit creation failed", zap.String("audit_id", auditID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create audit")
		return
	}
	metrics.ObserveAuditStarted()
	s.runner.Trigger(auditID)
	s.logger.Info("audit accepted",
		zap.String("audit_id", auditID),
		zap.String("target_url", target),
		zap.Int("page_budget", budget),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"audit_id": auditID,
		"status":   string(audit.StatusPending),
	})
}

// statusResponse is the poll-safe view of an audit. Internal resume state
// (the frontier) is not exposed.
type statusResponse struct {
	AuditID      string        `json:"audit_id"`
	TargetURL    string        `json:"target_url"`
	Status       audit.Status  `json:"status"`
	PageBudget   int           `json:"page_budget"`
	PagesCrawled int           `json:"pages_crawled"`
	PagesChecked int           `json:"pages_checked"`
	Scores       *audit.Scores `json:"scores,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

func (s *Server) getAuditStatus(w http.ResponseWriter, r *http.Request) {
	auditID := chi.URLParam(r, "audit_id")
	a, err := s.store.GetAudit(r.Context(), auditID)
	if err != nil {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		AuditID:      a.ID,
		TargetURL:    a.TargetURL,
		Status:       a.Status,
		PageBudget:   a.PageBudget,
		PagesCrawled: a.PagesCrawled,
		PagesChecked: a.Cursor + 1,
		Scores:       a.Scores,
		Error:        a.ErrorText,
		CreatedAt:    a.CreatedAt,
		StartedAt:    a.StartedAt,
		CompletedAt:  a.CompletedAt,
	})
}

func (s *Server) getAuditChecks(w http.ResponseWriter, r *http.Request) {
	auditID := chi.URLParam(r, "audit_id")
	if _, err := s.store.GetAudit(r.Context(), auditID); err != nil {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	results, err := s.store.ListCheckResults(r.Context(), auditID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch check results")
		return
	}
	if results == nil {
		results = []audit.CheckResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit_id": auditID,
		"results":  results,
	})
}

func (s *Server) continueAudit(w http.ResponseWriter, r *http.Request) {
	auditID := chi.URLParam(r, "audit_id")
	a, err := s.store.GetAudit(r.Context(), auditID)
	if err != nil {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	if a.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"audit_id": auditID,
			"status":   string(a.Status),
			"error":    "audit already finished",
		})
		return
	}
	resumed := s.runner.Trigger(auditID)
	if resumed {
		s.logger.Info("audit batch triggered", zap.String("audit_id", auditID))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"audit_id": auditID,
		"status":   string(a.Status),
		"resumed":  resumed,
	})
}

func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	auditID := chi.URLParam(r, "audit_id")
	if _, err := s.store.GetAudit(r.Context(), auditID); err != nil {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	if err := s.runner.Cancel(r.Context(), auditID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel audit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"audit_id": auditID,
		"status":   string(audit.StatusFailed),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
