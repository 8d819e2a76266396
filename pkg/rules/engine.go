package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrRuleExists   = errors.New("rule already exists")
	ErrRuleNotFound = errors.New("rule not found")
)

type entry struct {
	rule Rule
	seq  uint64
}

// Engine is the authoritative in-memory rule set. Readers share a lock;
// the per-resource ordered view is rebuilt lazily after any mutation.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]entry
	seq   uint64
	view  map[Resource][]Rule

	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules:  map[string]entry{},
		view:   map[Resource][]Rule{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Add inserts a new rule. The insertion order breaks priority ties.
func (e *Engine) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.RuleID]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, r.RuleID)
	}
	e.seq++
	e.rules[r.RuleID] = entry{rule: r.Clone(), seq: e.seq}
	e.invalidateLocked()
	e.logger.Info("rule added", zap.String("rule_id", r.RuleID), zap.String("name", r.Name))
	return nil
}

// Update replaces an existing rule, keeping its original insertion order.
func (e *Engine) Update(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.rules[r.RuleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, r.RuleID)
	}
	e.rules[r.RuleID] = entry{rule: r.Clone(), seq: cur.seq}
	e.invalidateLocked()
	e.logger.Info("rule updated", zap.String("rule_id", r.RuleID), zap.String("name", r.Name))
	return nil
}

// Put adds or replaces r. It is the sync path for rules loaded from storage.
func (e *Engine) Put(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.rules[r.RuleID].seq
	if seq == 0 {
		e.seq++
		seq = e.seq
	}
	e.rules[r.RuleID] = entry{rule: r.Clone(), seq: seq}
	e.invalidateLocked()
	return nil
}

// Remove deletes the rule and returns it.
func (e *Engine) Remove(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	delete(e.rules, id)
	e.invalidateLocked()
	e.logger.Info("rule removed", zap.String("rule_id", id), zap.String("name", cur.rule.Name))
	return cur.rule, true
}

func (e *Engine) Get(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cur, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return cur.rule.Clone(), true
}

// RulesForResource returns the enabled rules for resource ordered by
// priority descending, then insertion order.
func (e *Engine) RulesForResource(resource Resource) []Rule {
	return append([]Rule(nil), e.ordered(resource)...)
}

// ordered returns the memoized view; callers must not modify the slice.
func (e *Engine) ordered(resource Resource) []Rule {
	e.mu.RLock()
	list, ok := e.view[resource]
	e.mu.RUnlock()
	if ok {
		return list
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if list, ok := e.view[resource]; ok {
		return list
	}
	var entries []entry
	for _, en := range e.rules {
		if en.rule.Resource == resource && en.rule.Enabled {
			entries = append(entries, en)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rule.Priority != entries[j].rule.Priority {
			return entries[i].rule.Priority > entries[j].rule.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	list = make([]Rule, len(entries))
	for i, en := range entries {
		list[i] = en.rule
	}
	e.view[resource] = list
	return list
}

// Evaluate returns the decision for ctx. It never fails: anything
// unexpected becomes a default deny.
func (e *Engine) Evaluate(ctx EvaluationContext) (res EvaluationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panicked", zap.Any("panic", r))
			res = EvaluationResult{Allowed: false, Reason: ReasonEvalFailed, MatchedRules: []string{}}
		}
		res.EvaluationTimeMS = float64(time.Since(start).Microseconds()) / 1000
	}()
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = e.now()
	}
	list := e.ordered(Resource(ctx.Resource))
	if len(list) == 0 {
		return EvaluationResult{Allowed: false, Reason: ReasonNoRules, MatchedRules: []string{}}
	}
	for _, r := range list {
		if !r.Applies(ctx) || !r.Matches(ctx) {
			continue
		}
		e.logger.Debug("rule matched",
			zap.String("rule_id", r.RuleID),
			zap.String("user_id", ctx.UserID),
			zap.Bool("allowed", r.Action == ActionAllow))
		return EvaluationResult{
			Allowed:      r.Action == ActionAllow,
			Reason:       matchedReason(r.Name),
			MatchedRules: []string{r.RuleID},
		}
	}
	return EvaluationResult{Allowed: false, Reason: ReasonNoMatch, MatchedRules: []string{}}
}

type Stats struct {
	TotalRules      int        `json:"total_rules"`
	EnabledRules    int        `json:"enabled_rules"`
	CachedResources int        `json:"cached_resources"`
	Resources       []Resource `json:"resources"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{TotalRules: len(e.rules), CachedResources: len(e.view), Resources: []Resource{}}
	seen := map[Resource]bool{}
	for _, en := range e.rules {
		if en.rule.Enabled {
			st.EnabledRules++
		}
		if !seen[en.rule.Resource] {
			seen[en.rule.Resource] = true
			st.Resources = append(st.Resources, en.rule.Resource)
		}
	}
	sort.Slice(st.Resources, func(i, j int) bool { return st.Resources[i] < st.Resources[j] })
	return st
}

// All returns every rule, enabled or not, in insertion order.
func (e *Engine) All() []Rule {
	return e.filter(func(Rule) bool { return true })
}

func (e *Engine) RulesByTenant(tenantID string) []Rule {
	return e.filter(func(r Rule) bool { return r.TenantID == tenantID })
}

func (e *Engine) RulesByUser(userID string) []Rule {
	return e.filter(func(r Rule) bool { return r.UserID == userID })
}

func (e *Engine) filter(keep func(Rule) bool) []Rule {
	e.mu.RLock()
	entries := make([]entry, 0, len(e.rules))
	for _, en := range e.rules {
		if keep(en.rule) {
			entries = append(entries, en)
		}
	}
	e.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Rule, len(entries))
	for i, en := range entries {
		out[i] = en.rule.Clone()
	}
	return out
}

func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = map[string]entry{}
	e.invalidateLocked()
	e.logger.Info("all rules cleared")
}

func (e *Engine) invalidateLocked() {
	if len(e.view) > 0 {
		e.view = map[Resource][]Rule{}
	}
}
