package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/cache"
	"github.com/JakeFAU/site-auditor/internal/report"
)

const maxRequestBody = 64 << 10

type createAnalysisRequest struct {
	URL    string `json:"url" validate:"required,http_url,max=2048"`
	Tenant string `json:"tenant" validate:"omitempty,max=64,excludesall=/\\"`
}

type createAnalysisResponse struct {
	AnalysisID string               `json:"analysis_id"`
	Status     audit.AnalysisStatus `json:"status"`
}

// createAnalysis handles POST /v1/analyses. It persists a pending analysis,
// hands it to the orchestrator, and answers 202 without waiting for the fetch.
func (s *Server) createAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if s.blocked.BlockedURL(req.URL) {
		writeError(w, http.StatusForbidden, "target host is not allowed")
		return
	}
	if req.Tenant == "" {
		req.Tenant = s.cfg.DefaultTenant
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Error("generate analysis id", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create analysis")
		return
	}
	analysis := audit.Analysis{
		ID:        id,
		TargetURL: req.URL,
		Tenant:    req.Tenant,
		Status:    audit.AnalysisPending,
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Analyses.CreateAnalysis(r.Context(), analysis); err != nil {
		s.logger.Error("create analysis", zap.String("analysis_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create analysis")
		return
	}
	s.deps.Orchestrator.Submit(id, req.URL)

	w.Header().Set("Location", "/v1/analyses/"+id+"/status")
	writeJSON(w, http.StatusAccepted, createAnalysisResponse{AnalysisID: id, Status: analysis.Status})
}

// getStatus handles GET /v1/analyses/{analysis_id}/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysis_id")
	status, err := s.deps.Orchestrator.GetAnalysisStatus(r.Context(), id)
	if err != nil {
		s.storeError(w, id, "load status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// getResult handles GET /v1/analyses/{analysis_id}/result. Terminal results
// are cached; in-flight results are rebuilt on every request.
func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysis_id")
	res, err := s.result(r.Context(), id)
	if err != nil {
		s.storeError(w, id, "build result", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// getReport handles GET /v1/analyses/{analysis_id}/report?lang=. The
// language falls back to Accept-Language and then English.
func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysis_id")
	raw := r.URL.Query().Get("lang")
	if raw == "" {
		raw = r.Header.Get("Accept-Language")
	}
	lang := report.NormalizeLang(raw)
	key := cache.Key{AnalysisID: id, Lang: lang}

	body, ok := s.cached(key)
	if !ok {
		res, err := s.result(r.Context(), id)
		if err != nil {
			s.storeError(w, id, "build result", err)
			return
		}
		rendered, err := report.Render(res, lang)
		if err != nil {
			s.logger.Error("render report", zap.String("analysis_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to render report")
			return
		}
		body = rendered
		if res.Final() && s.deps.Cache != nil {
			s.deps.Cache.Set(key, rendered)
		}
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Language", lang)
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		s.logger.Warn("write report", zap.Error(err))
	}
}

// invalidateCache handles DELETE /v1/analyses/{analysis_id}/cache.
func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "analysis_id")
	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// listModules handles GET /v1/modules.
func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	modules := []audit.Module{}
	if s.deps.Modules != nil {
		modules = s.deps.Modules.Modules()
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

func (s *Server) result(ctx context.Context, id string) (report.Result, error) {
	key := cache.Key{AnalysisID: id}
	if v, ok := s.deps.cacheGet(key); ok {
		if res, ok := v.(report.Result); ok {
			return res, nil
		}
	}
	res, err := s.deps.Results.Build(ctx, id)
	if err != nil {
		return report.Result{}, err
	}
	if res.Final() && s.deps.Cache != nil {
		s.deps.Cache.Set(key, res)
	}
	return res, nil
}

func (s *Server) cached(key cache.Key) (string, bool) {
	v, ok := s.deps.cacheGet(key)
	if !ok {
		return "", false
	}
	body, ok := v.(string)
	return body, ok
}

func (d Deps) cacheGet(key cache.Key) (any, bool) {
	if d.Cache == nil {
		return nil, false
	}
	return d.Cache.Get(key)
}

func (s *Server) storeError(w http.ResponseWriter, id, op string, err error) {
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	s.logger.Error(op, zap.String("analysis_id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " required"
	case "http_url":
		return field + " must be an absolute http(s) URL"
	default:
		return field + " is invalid"
	}
}
