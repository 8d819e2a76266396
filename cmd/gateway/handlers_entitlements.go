package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/entitlements"
	"github.com/254CARBON/access-sub001/pkg/httpx"
	"github.com/254CARBON/access-sub001/pkg/rules"
)

// gatedParams are copied from the query string or URL into the
// evaluation context when present.
var gatedParams = []string{"symbol", "market", "instrument_id"}

// entitled wraps h with an entitlement check for (resource, action). The
// evaluation context carries the caller's roles, the route pattern, the
// method and any gated parameters.
func (s *Server) entitled(resource rules.Resource, action string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, apperr.New(apperr.Unauthenticated, "Not authenticated"))
			return
		}
		req := entitlements.CheckRequest{
			UserID:   ac.Subject,
			TenantID: ac.TenantID,
			Resource: string(resource),
			Action:   action,
			Context:  requestContext(r, ac),
		}
		resp, err := s.Entitlements.Check(r.Context(), req)
		if err != nil {
			s.writeFailure(w, r, "entitlement check", err)
			return
		}
		if !resp.Allowed {
			s.Logger.Info("entitlement denied",
				zap.String("user_id", ac.Subject),
				zap.String("tenant_id", ac.TenantID),
				zap.String("resource", string(resource)),
				zap.String("reason", resp.Reason))
			httpx.WriteError(w, apperr.New(apperr.Forbidden, "Access denied: "+resp.Reason))
			return
		}
		h(w, r)
	}
}

func requestContext(r *http.Request, ac *auth.AuthContext) map[string]rules.Value {
	out := map[string]rules.Value{
		"user_roles": rules.Strings(ac.Roles...),
		"method":     rules.String(r.Method),
	}
	route := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			route = p
		}
	}
	out["route"] = rules.String(route)
	q := r.URL.Query()
	for _, name := range gatedParams {
		v := strings.TrimSpace(q.Get(name))
		if v == "" {
			v = strings.TrimSpace(chi.URLParam(r, name))
		}
		if v != "" {
			out[name] = rules.String(v)
		}
	}
	return out
}

func (s *Server) checkEntitlement(w http.ResponseWriter, r *http.Request) {
	var req entitlements.CheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp, err := s.Entitlements.Check(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, "entitlement check", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	list, err := s.Entitlements.List(entitlements.ListFilter{
		TenantID: strings.TrimSpace(q.Get("tenant_id")),
		UserID:   strings.TrimSpace(q.Get("user_id")),
		Resource: strings.TrimSpace(q.Get("resource")),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.InvalidArgument, name+" must be an integer")
	}
	return n, nil
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.Entitlements.Get(chi.URLParam(r, "rule_id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var in entitlements.RuleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	rule, err := s.Entitlements.Create(r.Context(), in)
	if err != nil {
		s.writeFailure(w, r, "create rule", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var patch entitlements.RulePatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.WriteError(w, err)
		return
	}
	rule, err := s.Entitlements.Update(r.Context(), chi.URLParam(r, "rule_id"), patch)
	if err != nil {
		s.writeFailure(w, r, "update rule", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "rule_id")
	if err := s.Entitlements.Delete(r.Context(), id); err != nil {
		s.writeFailure(w, r, "delete rule", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Rule deleted successfully",
		"rule_id": id,
	})
}

func (s *Server) entitlementStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Entitlements.Stats(r.Context()))
}

func (s *Server) entitlementCacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Entitlements.CacheStats(r.Context()))
}
