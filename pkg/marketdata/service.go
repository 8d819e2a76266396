// Package marketdata serves latest and windowed ticks from the Redis cache
// and the ClickHouse served tables.
package marketdata

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/clickhouse"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/store"
)

type Source string

const (
	SourceRedis      Source = "redis"
	SourceClickHouse Source = "clickhouse"
	SourceMiss       Source = "miss"
)

// WindowLimit caps the rows returned by one window read.
const WindowLimit = 5000

const DefaultCacheTTL = 5 * time.Second

var identPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// Querier is the ClickHouse surface the service needs.
type Querier interface {
	Query(ctx context.Context, sql string, params map[string]string) (clickhouse.Result, error)
	Ping(ctx context.Context) error
}

const tickColumns = `tenant_id, market, symbol, instrument_id, tick_timestamp, price, volume,
       quality_flags, source_id, metadata, updated_at`

const latestSQL = `SELECT ` + tickColumns + `
FROM served_market_ticks_latest
WHERE tenant_id = {tenant_id:String}
  AND symbol = {symbol:String}%s
ORDER BY tick_timestamp DESC
LIMIT 1
FORMAT JSON`

const windowSQL = `SELECT ` + tickColumns + `
FROM served_market_ticks
WHERE tenant_id = {tenant_id:String}
  AND symbol = {symbol:String}
  AND tick_timestamp >= parseDateTime64BestEffort({start:String})
  AND tick_timestamp < parseDateTime64BestEffort({end:String})%s
ORDER BY tick_timestamp ASC
LIMIT {limit:UInt32}
FORMAT JSON`

const marketClause = `
  AND market = {market:String}`

type Service struct {
	kv      store.Cache
	ch      Querier
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

type Option func(*Service)

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(kv store.Cache, ch Querier, opts ...Option) *Service {
	s := &Service{kv: kv, ch: ch, ttl: DefaultCacheTTL, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CacheKey is gateway:ticks:latest:<tenant>:<symbol>[:<market>], lower-cased.
func CacheKey(tenantID, symbol, market string) string {
	parts := []string{"gateway", "ticks", "latest", strings.ToLower(tenantID), strings.ToLower(symbol)}
	if market != "" {
		parts = append(parts, strings.ToLower(market))
	}
	return strings.Join(parts, ":")
}

func validate(symbol, market string) error {
	if !identPattern.MatchString(symbol) {
		return apperr.New(apperr.InvalidArgument, "symbol must match pattern [A-Za-z0-9._:-]{1,64}")
	}
	if market != "" && !identPattern.MatchString(market) {
		return apperr.New(apperr.InvalidArgument, "market must match pattern [A-Za-z0-9._:-]{1,64}")
	}
	return nil
}

// Latest returns the newest tick for symbol and where it came from. A nil
// tick with SourceMiss means the store has no row.
func (s *Service) Latest(ctx context.Context, tenantID, symbol, market string) (*Tick, Source, error) {
	if err := validate(symbol, market); err != nil {
		return nil, "", err
	}
	key := CacheKey(tenantID, symbol, market)
	if t, ok := s.readCache(ctx, key); ok {
		s.metrics.TickRead(string(SourceRedis))
		return t, SourceRedis, nil
	}

	params := map[string]string{"tenant_id": tenantID, "symbol": symbol}
	clause := ""
	if market != "" {
		clause = marketClause
		params["market"] = market
	}
	res, err := s.ch.Query(ctx, withClause(latestSQL, clause), params)
	if err != nil {
		s.logger.Error("latest tick query failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, "", asDependency(err)
	}
	for _, row := range res.Data {
		t, ok := tickFromRow(row, symbol, s.now())
		if !ok {
			continue
		}
		s.writeCache(ctx, key, t)
		s.metrics.TickRead(string(SourceClickHouse))
		return &t, SourceClickHouse, nil
	}
	s.metrics.TickRead(string(SourceMiss))
	return nil, SourceMiss, nil
}

// Window returns ticks in [start, end) oldest first. It never reads or
// writes the cache.
func (s *Service) Window(ctx context.Context, tenantID, symbol string, start, end time.Time, market string) ([]Tick, error) {
	if err := validate(symbol, market); err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, apperr.New(apperr.InvalidArgument, "start must be earlier than end")
	}
	params := map[string]string{
		"tenant_id": tenantID,
		"symbol":    symbol,
		"start":     FormatISO(start),
		"end":       FormatISO(end),
		"limit":     strconv.Itoa(WindowLimit),
	}
	clause := ""
	if market != "" {
		clause = marketClause
		params["market"] = market
	}
	res, err := s.ch.Query(ctx, withClause(windowSQL, clause), params)
	if err != nil {
		s.logger.Error("tick window query failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, asDependency(err)
	}
	now := s.now()
	ticks := make([]Tick, 0, len(res.Data))
	for _, row := range res.Data {
		if t, ok := tickFromRow(row, symbol, now); ok {
			ticks = append(ticks, t)
		}
	}
	s.metrics.TickRead("window")
	return ticks, nil
}

func (s *Service) CheckRedis(ctx context.Context) error { return s.kv.Ping(ctx) }

func (s *Service) CheckClickHouse(ctx context.Context) error { return s.ch.Ping(ctx) }

func (s *Service) readCache(ctx context.Context, key string) (*Tick, bool) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !store.IsMiss(err) {
			s.logger.Warn("tick cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var t Tick
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		s.logger.Warn("discarding malformed tick cache payload", zap.String("key", key))
		return nil, false
	}
	return &t, true
}

func (s *Service) writeCache(ctx context.Context, key string, t Tick) {
	raw, err := json.Marshal(t)
	if err != nil {
		s.logger.Warn("tick encode failed", zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, key, string(raw), s.ttl); err != nil {
		s.logger.Warn("tick cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func withClause(sql, clause string) string {
	return strings.Replace(sql, "%s", clause, 1)
}

// asDependency keeps breaker and timeout kinds and maps the rest to a
// dependency failure.
func asDependency(err error) error {
	switch apperr.KindOf(err) {
	case apperr.CircuitOpen, apperr.Timeout, apperr.Dependency:
		return err
	}
	return apperr.Wrap(apperr.Dependency, "", err)
}
