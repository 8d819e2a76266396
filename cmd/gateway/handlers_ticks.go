package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/httpx"
	"github.com/254CARBON/access-sub001/pkg/marketdata"
)

type latestTickResponse struct {
	marketdata.Tick
	Cached bool              `json:"cached"`
	Source marketdata.Source `json:"source"`
}

type tickWindowResponse struct {
	Count  int               `json:"count"`
	Ticks  []marketdata.Tick `json:"ticks"`
	Source marketdata.Source `json:"source"`
}

func callerTenant(r *http.Request) string {
	if ac, ok := auth.FromContext(r.Context()); ok && ac.TenantID != "" {
		return ac.TenantID
	}
	return auth.DefaultTenant
}

func (s *Server) latestTick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.TrimSpace(q.Get("symbol"))
	if symbol == "" {
		httpx.WriteError(w, apperr.New(apperr.InvalidArgument, "symbol is required"))
		return
	}
	tick, source, err := s.Ticks.Latest(r.Context(), callerTenant(r), symbol, strings.TrimSpace(q.Get("market")))
	if err != nil {
		s.writeFailure(w, r, "latest tick", err)
		return
	}
	if tick == nil {
		httpx.WriteError(w, apperr.New(apperr.NotFound, "No tick found for symbol"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, latestTickResponse{
		Tick:   *tick,
		Cached: source == marketdata.SourceRedis,
		Source: source,
	})
}

func (s *Server) tickWindow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.TrimSpace(q.Get("symbol"))
	if symbol == "" {
		httpx.WriteError(w, apperr.New(apperr.InvalidArgument, "symbol is required"))
		return
	}
	start, err := parseInstant(q.Get("start"), "start")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	end, err := parseInstant(q.Get("end"), "end")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	ticks, err := s.Ticks.Window(r.Context(), callerTenant(r), symbol, start, end, strings.TrimSpace(q.Get("market")))
	if err != nil {
		s.writeFailure(w, r, "tick window", err)
		return
	}
	if ticks == nil {
		ticks = []marketdata.Tick{}
	}
	httpx.WriteJSON(w, http.StatusOK, tickWindowResponse{
		Count:  len(ticks),
		Ticks:  ticks,
		Source: marketdata.SourceClickHouse,
	})
}

// parseInstant accepts RFC 3339 with or without fractional seconds.
func parseInstant(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.New(apperr.InvalidArgument, name+" is required")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, apperr.New(apperr.InvalidArgument, name+" must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}
