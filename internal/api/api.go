// Package api exposes the orchestrator over HTTP: scan intake, status,
// findings, comparisons, and trends. Thin JSON glue; all behavior lives in
// the components it fronts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/compare"
	"github.com/yourorg/apiscan-orchestrator/internal/coordinator"
	"github.com/yourorg/apiscan-orchestrator/internal/db"
	"github.com/yourorg/apiscan-orchestrator/internal/model"
	"github.com/yourorg/apiscan-orchestrator/internal/runtime"
	"github.com/yourorg/apiscan-orchestrator/internal/trend"
)

type Server struct {
	coord  *coordinator.Coordinator
	store  *db.Store
	comp   *compare.Comparator
	trends *trend.Aggregator
	gw     runtime.Gateway
	log    *zap.SugaredLogger
}

func NewServer(coord *coordinator.Coordinator, store *db.Store, comp *compare.Comparator,
	trends *trend.Aggregator, gw runtime.Gateway, log *zap.SugaredLogger) *Server {
	return &Server{coord: coord, store: store, comp: comp, trends: trends, gw: gw, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /scans", s.handleStartScan)
	mux.HandleFunc("GET /scans", s.handleListScans)
	mux.HandleFunc("GET /scans/{id}", s.handleGetScan)
	mux.HandleFunc("DELETE /scans/{id}", s.handleDeleteScan)
	mux.HandleFunc("POST /scans/{id}/cancel", s.handleCancelScan)
	mux.HandleFunc("GET /scans/{id}/findings", s.handleListFindings)
	mux.HandleFunc("GET /scans/{id}/compare/{prev}", s.handleCompare)
	mux.HandleFunc("GET /trends", s.handleTrends)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "db unreachable")
		return
	}
	if err := s.gw.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "container runtime unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	scan, err := s.coord.StartScan(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, scan)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	scans, err := s.store.ListScans(r.Context(), db.ScanFilter{
		TargetURL: q.Get("target_url"),
		Status:    model.ScanStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if scans == nil {
		scans = []model.Scan{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.coord.GetScan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDeleteScan(r.Context(), r.PathValue("id")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Cancel(r.Context(), id); err != nil {
		s.writeMappedError(w, err)
		return
	}
	scan, err := s.coord.GetScan(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	// A scan whose persistence failed is still served from process memory.
	if findings, live := s.coord.LiveFindings(id); live {
		s.writeJSON(w, http.StatusOK, map[string]any{"findings": filterLive(findings, q.Get("severity"), q.Get("rule"), q.Get("endpoint"))})
		return
	}

	findings, err := s.store.ListFindings(r.Context(), id, db.FindingFilter{
		Severity: model.Severity(q.Get("severity")),
		RuleID:   q.Get("rule"),
		Endpoint: q.Get("endpoint"),
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func filterLive(findings []model.Finding, severity, rule, endpoint string) []model.Finding {
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		if severity != "" && string(f.Severity) != severity {
			continue
		}
		if rule != "" && f.RuleID != rule {
			continue
		}
		if endpoint != "" && f.Endpoint != endpoint {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.comp.Compare(r.Context(), r.PathValue("id"), r.PathValue("prev"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"comparison": cmp,
		"counts":     cmp.Counts(),
	})
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("target_url")
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "target_url is required")
		return
	}
	days, _ := strconv.Atoi(q.Get("days"))
	rep, err := s.trends.Report(r.Context(), target, days)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var ve *coordinator.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeError(w, http.StatusBadRequest, ve.Msg)
	case errors.Is(err, compare.ErrSelfCompare):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, compare.ErrNotTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrDuplicateScan):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runtime.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
	default:
		s.log.Errorw("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("writing response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
