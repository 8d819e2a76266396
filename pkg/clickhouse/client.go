// Package clickhouse queries ClickHouse over its HTTP interface with
// server-side bound parameters.
package clickhouse

import (
	"bytes"
	"context"
	"encoding/base64"
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

const BreakerName = "clickhouse"

const queryTimeout = 5 * time.Second

func RetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelay = 200 * time.Millisecond
	cfg.MaxDelay = time.Second
	return cfg
}

type Config struct {
	URL      string
	User     string
	Password string
	Database string
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is the body of a FORMAT JSON response. Numbers are decoded as
// json.Number.
type Result struct {
	Meta []Column         `json:"meta"`
	Data []map[string]any `json:"data"`
	Rows int              `json:"rows"`
}

type Client struct {
	cfg     Config
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

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	c := &Client{
		cfg:     cfg,
		http:    telemetry.InstrumentClient(&http.Client{Timeout: queryTimeout}),
		breaker: resilience.NewBreaker(BreakerName, resilience.DefaultBreakerConfig()),
		retry:   RetryConfig(),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		logger := c.logger
		c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("clickhouse query failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		}
	}
	return c
}

// Query runs sql with params bound as param_<name>. Placeholders in sql
// use the {name:Type} form. sql must end in FORMAT JSON.
func (c *Client) Query(ctx context.Context, sql string, params map[string]string) (Result, error) {
	if c.cfg.URL == "" {
		return Result{}, apperr.New(apperr.Dependency, "clickhouse not configured")
	}
	q := url.Values{"query": {sql}}
	for k, v := range params {
		q.Set("param_"+k, v)
	}
	if c.cfg.Database != "" {
		q.Set("database", c.cfg.Database)
	}
	target := c.cfg.URL + "/?" + q.Encode()
	headers := map[string]string{}
	if c.cfg.User != "" {
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(c.cfg.User+":"+c.cfg.Password))
	}

	return resilience.Guarded(ctx, c.breaker, c.retry, func(ctx context.Context) (Result, error) {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		body, err := httpx.RequestJSON(ctx, c.http, http.MethodGet, target, nil, headers)
		if err != nil {
			var se *httpx.StatusError
			if errors.As(err, &se) {
				c.logger.Error("clickhouse query rejected", zap.Int("status", se.Status))
				return Result{}, apperr.Wrap(apperr.Dependency, "", err)
			}
			return Result{}, err
		}
		var res Result
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&res); err != nil {
			return Result{}, apperr.Wrap(apperr.Dependency, "", err)
		}
		return res, nil
	})
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Query(ctx, "SELECT 1 FORMAT JSON", nil)
	return err
}

func (c *Client) Breaker() *resilience.Breaker { return c.breaker }
