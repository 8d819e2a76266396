package marketdata

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tick is one market tick as served to clients and cached.
type Tick struct {
	TenantID      string         `json:"tenant_id"`
	Symbol        string         `json:"symbol"`
	TickTimestamp string         `json:"tick_timestamp"`
	Price         float64        `json:"price"`
	Market        string         `json:"market,omitempty"`
	InstrumentID  string         `json:"instrument_id,omitempty"`
	Volume        *float64       `json:"volume,omitempty"`
	QualityFlags  []string       `json:"quality_flags,omitempty"`
	SourceID      string         `json:"source_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UpdatedAt     string         `json:"updated_at,omitempty"`
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// FormatISO renders t in UTC with millisecond precision and a Z suffix.
func FormatISO(t time.Time) string { return t.UTC().Format(isoMillis) }

// tickFromRow converts a query row. Rows without a numeric price yield
// false.
func tickFromRow(row map[string]any, fallbackSymbol string, now time.Time) (Tick, bool) {
	price, ok := toFloat(row["price"])
	if !ok {
		return Tick{}, false
	}
	t := Tick{
		TenantID:      stringOr(row["tenant_id"], "default"),
		Symbol:        stringOr(row["symbol"], fallbackSymbol),
		TickTimestamp: normalizeTimestamp(row["tick_timestamp"], now),
		Price:         price,
		Market:        stringOr(row["market"], ""),
		InstrumentID:  stringOr(row["instrument_id"], ""),
		SourceID:      stringOr(row["source_id"], ""),
		QualityFlags:  qualityFlags(row["quality_flags"]),
	}
	if v, ok := toFloat(row["volume"]); ok {
		t.Volume = &v
	}
	if m, ok := row["metadata"].(map[string]any); ok {
		t.Metadata = m
	}
	if raw, present := row["updated_at"]; present && raw != nil {
		t.UpdatedAt = normalizeTimestamp(raw, now)
	}
	return t, true
}

// toFloat accepts finite numbers only; NaN and infinities have no JSON
// encoding.
func toFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		f, err = n.Float64()
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringOr(v any, fallback string) string {
	switch s := v.(type) {
	case string:
		if s != "" {
			return s
		}
	case json.Number:
		return s.String()
	}
	return fallback
}

// qualityFlags accepts a list or a comma-separated string. Empty input
// yields nil.
func qualityFlags(v any) []string {
	var out []string
	switch f := v.(type) {
	case []any:
		for _, item := range f {
			out = append(out, fmt.Sprint(item))
		}
	case []string:
		out = append(out, f...)
	case string:
		for _, part := range strings.Split(f, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeTimestamp coerces ClickHouse timestamp renderings to ISO-8601
// UTC. Numbers are epoch seconds; zone-less strings are read as UTC.
// Unparseable strings are returned as given.
func normalizeTimestamp(v any, now time.Time) string {
	switch ts := v.(type) {
	case nil:
		return FormatISO(now)
	case time.Time:
		return FormatISO(ts)
	case float64:
		return FormatISO(epoch(ts))
	case json.Number:
		f, err := ts.Float64()
		if err != nil {
			return ts.String()
		}
		return FormatISO(epoch(f))
	case string:
		text := strings.TrimSpace(ts)
		if text == "" {
			return FormatISO(now)
		}
		text = strings.Replace(text, " ", "T", 1)
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return FormatISO(t)
		}
		if t, err := time.Parse(time.RFC3339Nano, text+"Z"); err == nil {
			return FormatISO(t)
		}
		return ts
	}
	return fmt.Sprint(v)
}

func epoch(secs float64) time.Time {
	return time.UnixMilli(int64(math.Round(secs * 1000))).UTC()
}
