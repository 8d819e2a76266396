package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/hotquery"
	"github.com/254CARBON/access-sub001/pkg/httpx"
)

const unknownHorizon = "unknown"

type servedResponse struct {
	TenantID       string         `json:"tenant_id"`
	InstrumentID   string         `json:"instrument_id"`
	ProjectionType string         `json:"projection_type"`
	Horizon        string         `json:"horizon,omitempty"`
	Projection     map[string]any `json:"projection"`
	Cached         bool           `json:"cached"`
}

var errProjectionsDisabled = apperr.New(apperr.Dependency, "Projection service unavailable")

func instrumentParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "instrument_id")))
}

func (s *Server) servedLatestPrice(w http.ResponseWriter, r *http.Request) {
	tenant, id := callerTenant(r), instrumentParam(r)
	resp := servedResponse{TenantID: tenant, InstrumentID: id, ProjectionType: hotquery.SectionLatestPrice}
	if p, ok := s.Cache.GetServedLatestPrice(r.Context(), tenant, id); ok {
		resp.Projection, resp.Cached = p, true
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}
	if s.Projections == nil {
		s.writeFailure(w, r, "served latest price", errProjectionsDisabled)
		return
	}
	p, err := s.Projections.LatestPrice(r.Context(), tenant, id)
	if err != nil {
		s.writeFailure(w, r, "served latest price", err)
		return
	}
	if p == nil {
		httpx.WriteError(w, apperr.New(apperr.NotFound, "Latest price projection not found"))
		return
	}
	s.Cache.SetServedLatestPrice(r.Context(), tenant, id, p, 0)
	resp.Projection = p
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) servedCurveSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant, id := callerTenant(r), instrumentParam(r)
	horizon := strings.TrimSpace(r.URL.Query().Get("horizon"))
	if horizon == "" {
		horizon = unknownHorizon
	}
	resp := servedResponse{TenantID: tenant, InstrumentID: id, ProjectionType: hotquery.SectionCurveSnapshot, Horizon: horizon}
	if p, ok := s.Cache.GetServedCurveSnapshot(r.Context(), tenant, id, horizon); ok {
		resp.Projection, resp.Cached = p, true
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}
	if s.Projections == nil {
		s.writeFailure(w, r, "served curve snapshot", errProjectionsDisabled)
		return
	}
	p, err := s.Projections.CurveSnapshot(r.Context(), tenant, id, horizon)
	if err != nil {
		s.writeFailure(w, r, "served curve snapshot", err)
		return
	}
	if p == nil {
		httpx.WriteError(w, apperr.New(apperr.NotFound, "Curve snapshot projection not found"))
		return
	}
	s.Cache.SetServedCurveSnapshot(r.Context(), tenant, id, horizon, p, 0)
	resp.Projection = p
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) servedCustom(w http.ResponseWriter, r *http.Request) {
	tenant, id := callerTenant(r), instrumentParam(r)
	projectionType := strings.TrimSpace(r.URL.Query().Get("projection_type"))
	if projectionType == "" {
		httpx.WriteError(w, apperr.New(apperr.InvalidArgument, "projection_type is required"))
		return
	}
	resp := servedResponse{TenantID: tenant, InstrumentID: id, ProjectionType: projectionType}
	if p, ok := s.Cache.GetServedCustom(r.Context(), tenant, projectionType, id); ok {
		resp.Projection, resp.Cached = p, true
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}
	if s.Projections == nil {
		s.writeFailure(w, r, "served custom projection", errProjectionsDisabled)
		return
	}
	p, err := s.Projections.Custom(r.Context(), tenant, id, projectionType)
	if err != nil {
		s.writeFailure(w, r, "served custom projection", err)
		return
	}
	if p == nil {
		httpx.WriteError(w, apperr.New(apperr.NotFound, "Custom projection not found"))
		return
	}
	s.Cache.SetServedCustom(r.Context(), tenant, projectionType, id, p, 0)
	resp.Projection = p
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type warmRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// warmCache runs the hot-query warmer for the requested tenant, defaulting
// to the caller's. The body is optional.
func (s *Server) warmCache(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpx.WriteError(w, apperr.Wrap(apperr.InvalidArgument, "invalid JSON body", err))
			return
		}
	}
	ac, _ := auth.FromContext(r.Context())
	if req.TenantID == "" {
		req.TenantID = callerTenant(r)
	}
	if req.UserID == "" && ac != nil {
		req.UserID = ac.Subject
	}
	httpx.WriteJSON(w, http.StatusOK, s.Warmer.Warm(r.Context(), req.UserID, req.TenantID))
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	q := r.URL.Query()
	user := strings.TrimSpace(q.Get("user_id"))
	if user == "" && ac != nil {
		user = ac.Subject
	}
	tenant := strings.TrimSpace(q.Get("tenant_id"))
	if tenant == "" {
		tenant = callerTenant(r)
	}
	if user == "" {
		httpx.WriteError(w, apperr.New(apperr.InvalidArgument, "user_id is required"))
		return
	}
	n := s.Cache.ClearUser(r.Context(), user, tenant)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":   "Cache cleared",
		"user_id":   user,
		"tenant_id": tenant,
		"cleared":   n,
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Cache.Stats(r.Context()))
}
