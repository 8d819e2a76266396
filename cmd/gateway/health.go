package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/254CARBON/access-sub001/pkg/httpx"
)

const probeTimeout = 2 * time.Second

type probe struct {
	name  string
	check func(ctx context.Context) error
}

func (s *Server) probes() []probe {
	list := []probe{
		{"redis", s.KV.Ping},
		{"clickhouse", s.Ticks.CheckClickHouse},
		{"rules_store", s.Entitlements.Ping},
	}
	if s.JWKSHealth != nil {
		list = append(list, probe{"jwks", s.JWKSHealth})
	}
	return list
}

// health probes every dependency concurrently, each bounded by
// probeTimeout. Status is ok only when every probe passes; jwks reports
// disabled when authentication is off.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	probes := s.probes()
	deps := make(map[string]string, len(probes)+1)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(r.Context())
	for _, p := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			result := "ok"
			if err := p.check(pctx); err != nil {
				s.Logger.Warn("health probe failed", zap.String("dependency", p.name), zap.Error(err))
				result = "error"
			}
			mu.Lock()
			deps[p.name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, v := range deps {
		if v != "ok" {
			healthy = false
		}
	}
	if s.JWKSHealth == nil {
		deps["jwks"] = "disabled"
	}
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":       status,
		"service":      serviceName,
		"dependencies": deps,
	})
}
