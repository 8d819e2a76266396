// Package hotquery loads the curated hot served-query list and pre-populates
// the served cache from it.
package hotquery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Sections of the hot-query file.
const (
	SectionLatestPrice   = "latest_price"
	SectionCurveSnapshot = "curve_snapshot"
	SectionCustom        = "custom"
)

var Sections = []string{SectionLatestPrice, SectionCurveSnapshot, SectionCustom}

type Entry struct {
	TenantID       string  `json:"tenant_id"`
	InstrumentID   string  `json:"instrument_id"`
	ProjectionType string  `json:"projection_type,omitempty"`
	Horizon        string  `json:"horizon,omitempty"`
	Weight         float64 `json:"weight"`
	TTLSeconds     int     `json:"ttl_seconds,omitempty"`
}

type section struct {
	TTLSeconds int     `json:"ttl_seconds,omitempty"`
	MaxEntries int     `json:"max_entries,omitempty"`
	Entries    []Entry `json:"entries"`
}

// Loader holds the parsed hot-query file. A missing or malformed file
// yields an empty data set.
type Loader struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	sections map[string]section
}

func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{path: strings.TrimSpace(path), logger: logger}
	l.Refresh()
	return l
}

func (l *Loader) Path() string { return l.path }

// Refresh rereads the file from disk.
func (l *Loader) Refresh() {
	data := l.load()
	l.mu.Lock()
	l.sections = data
	l.mu.Unlock()
}

func (l *Loader) load() map[string]section {
	empty := map[string]section{}
	if l.path == "" {
		return empty
	}
	raw, err := os.ReadFile(filepath.Clean(l.path))
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("hot query file unreadable; cache warming will no-op", zap.String("path", l.path), zap.Error(err))
		} else {
			l.logger.Info("no hot query file; cache warming will no-op", zap.String("path", l.path))
		}
		return empty
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		l.logger.Warn("hot query file malformed; cache warming will no-op", zap.String("path", l.path), zap.Error(err))
		return empty
	}
	out := make(map[string]section, len(doc))
	for name, body := range doc {
		if name == "metadata" {
			continue
		}
		var s section
		if err := json.Unmarshal(body, &s); err != nil {
			l.logger.Warn("hot query section malformed; skipped", zap.String("section", name), zap.Error(err))
			continue
		}
		out[name] = s
	}
	return out
}

// Entries returns the section's entries visible to tenantID, heaviest
// first, truncated to min(limit, max_entries) when either is positive.
// Wildcard entries are rewritten to tenantID.
func (l *Loader) Entries(sectionName, tenantID string, limit int) []Entry {
	l.mu.RLock()
	s, ok := l.sections[sectionName]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		entryTenant := e.TenantID
		if entryTenant == "" {
			entryTenant = "*"
		}
		if entryTenant != tenantID && entryTenant != "*" && entryTenant != "global" {
			continue
		}
		e.TenantID = tenantID
		e.ProjectionType = resolveProjectionType(sectionName, e.ProjectionType)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	n := s.MaxEntries
	if limit > 0 && (n <= 0 || limit < n) {
		n = limit
	}
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// DefaultTTL returns the section's ttl_seconds, or fallback when unset.
func (l *Loader) DefaultTTL(sectionName string, fallback int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.sections[sectionName]; ok && s.TTLSeconds > 0 {
		return s.TTLSeconds
	}
	return fallback
}

// Categories lists the sections present in the file, sorted.
func (l *Loader) Categories() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.sections))
	for name := range l.sections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func resolveProjectionType(sectionName, declared string) string {
	switch sectionName {
	case SectionLatestPrice, SectionCurveSnapshot:
		return sectionName
	}
	if declared != "" {
		return declared
	}
	return sectionName
}
