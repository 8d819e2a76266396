package main

import (
	"context"
	"net/http"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/auth"
	"github.com/254CARBON/access-sub001/pkg/cache"
	"github.com/254CARBON/access-sub001/pkg/httpx"
	"github.com/254CARBON/access-sub001/pkg/rules"
)

type catalogRoute struct {
	prefix   string
	resource rules.Resource
}

var catalogRoutes = []catalogRoute{
	{cache.PrefixInstruments, rules.ResourceInstrument},
	{cache.PrefixCurves, rules.ResourceCurve},
	{cache.PrefixProducts, rules.ResourceInstrument},
	{cache.PrefixPricing, rules.ResourceMarketData},
	{cache.PrefixHistorical, rules.ResourceMarketData},
}

// catalogSource lists the reference data behind the catalog routes.
type catalogSource interface {
	List(ctx context.Context, prefix, tenantID string) ([]map[string]any, error)
}

type staticCatalog struct {
	data map[string][]map[string]any
}

func newStaticCatalog() *staticCatalog {
	return &staticCatalog{data: map[string][]map[string]any{
		cache.PrefixInstruments: {
			{"instrument_id": "NG.H25", "name": "Henry Hub Natural Gas Mar 2025", "market": "NYMEX", "commodity": "natural_gas", "unit": "MMBtu"},
			{"instrument_id": "CL.F25", "name": "WTI Crude Oil Jan 2025", "market": "NYMEX", "commodity": "crude_oil", "unit": "bbl"},
			{"instrument_id": "PJM.WH.DA", "name": "PJM Western Hub Day-Ahead", "market": "PJM", "commodity": "power", "unit": "MWh"},
		},
		cache.PrefixCurves: {
			{"curve_id": "NG_HH_FWD", "instrument_id": "NG.H25", "curve_type": "forward", "currency": "USD"},
			{"curve_id": "CL_WTI_FWD", "instrument_id": "CL.F25", "curve_type": "forward", "currency": "USD"},
		},
		cache.PrefixProducts: {
			{"product_id": "NG", "name": "Natural Gas", "exchange": "NYMEX"},
			{"product_id": "CL", "name": "Crude Oil", "exchange": "NYMEX"},
			{"product_id": "PJM", "name": "PJM Power", "exchange": "PJM"},
		},
		cache.PrefixPricing: {
			{"instrument_id": "NG.H25", "price_type": "settlement", "currency": "USD"},
			{"instrument_id": "CL.F25", "price_type": "settlement", "currency": "USD"},
		},
		cache.PrefixHistorical: {
			{"instrument_id": "NG.H25", "granularity": "daily", "available_from": "2020-01-01"},
			{"instrument_id": "CL.F25", "granularity": "daily", "available_from": "2020-01-01"},
		},
	}}
}

func (c *staticCatalog) List(_ context.Context, prefix, _ string) ([]map[string]any, error) {
	items, ok := c.data[prefix]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "Unknown catalog")
	}
	return items, nil
}

// catalog serves one catalog list per user and tenant from the cache,
// filling it from the catalog source on a miss.
func (s *Server) catalog(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, _ := auth.FromContext(r.Context())
		user, tenant := "anonymous", auth.DefaultTenant
		if ac != nil {
			user, tenant = ac.Subject, ac.TenantID
		}
		var items []map[string]any
		cached := s.Cache.GetCatalog(r.Context(), prefix, user, tenant, &items)
		if !cached {
			list, err := s.Catalog.List(r.Context(), prefix, tenant)
			if err != nil {
				s.writeFailure(w, r, "catalog "+prefix, err)
				return
			}
			items = list
			s.Cache.SetCatalog(r.Context(), prefix, user, tenant, items)
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			prefix:   items,
			"cached": cached,
			"user":   user,
			"tenant": tenant,
		})
	}
}
