// Package served reads pre-materialized projections from the projection
// service.
package served

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/httpx"
	"github.com/254CARBON/access-sub001/pkg/resilience"
	"github.com/254CARBON/access-sub001/pkg/telemetry"
)

// BreakerName is the breaker guarding projection calls.
const BreakerName = "projection_service"

const requestTimeout = 10 * time.Second

// Projection is a decoded projection document.
type Projection = map[string]any

// BreakerConfig is the projection service breaker: three failures open it
// for thirty seconds.
func BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}
}

func RetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.BaseDelay = 500 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	return cfg
}

type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithBreaker(b *resilience.Breaker) Option {
	return func(cl *Client) {
		if b != nil {
			cl.breaker = b
		}
	}
}

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(cl *Client) { cl.retry = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    telemetry.InstrumentClient(&http.Client{Timeout: requestTimeout}),
		breaker: resilience.NewBreaker(BreakerName, BreakerConfig()),
		retry:   RetryConfig(),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		logger := c.logger
		c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("projection request failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		}
	}
	return c
}

// LatestPrice returns nil, nil when the projection does not exist.
func (c *Client) LatestPrice(ctx context.Context, tenantID, instrumentID string) (Projection, error) {
	return c.fetch(ctx, "/projections/latest_price", url.Values{
		"tenant_id":     {tenantID},
		"instrument_id": {instrumentID},
	})
}

func (c *Client) CurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (Projection, error) {
	return c.fetch(ctx, "/projections/curve_snapshot", url.Values{
		"tenant_id":     {tenantID},
		"instrument_id": {instrumentID},
		"horizon":       {horizon},
	})
}

func (c *Client) Custom(ctx context.Context, tenantID, instrumentID, projectionType string) (Projection, error) {
	return c.fetch(ctx, "/projections/custom", url.Values{
		"tenant_id":       {tenantID},
		"instrument_id":   {instrumentID},
		"projection_type": {projectionType},
	})
}

func (c *Client) fetch(ctx context.Context, path string, params url.Values) (Projection, error) {
	if c.baseURL == "" {
		return nil, apperr.New(apperr.Dependency, "projection service not configured")
	}
	target := c.baseURL + path + "?" + params.Encode()
	return resilience.Guarded(ctx, c.breaker, c.retry, func(ctx context.Context) (Projection, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		body, err := httpx.RequestJSON(ctx, c.http, http.MethodGet, target, nil, nil)
		if err != nil {
			var se *httpx.StatusError
			if errors.As(err, &se) {
				if se.Status == http.StatusNotFound {
					c.logger.Debug("projection not found", zap.String("path", path))
					return nil, nil
				}
				c.logger.Error("projection request failed", zap.String("path", path), zap.Int("status", se.Status))
				return nil, apperr.Wrap(apperr.Dependency, "", err)
			}
			return nil, err
		}
		var out Projection
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, apperr.Wrap(apperr.Dependency, "", err)
		}
		return out, nil
	})
}
