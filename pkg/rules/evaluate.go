package rules

import (
	"strings"
	"time"
)

// EvaluationContext is the request being authorized.
type EvaluationContext struct {
	UserID    string           `json:"user_id"`
	TenantID  string           `json:"tenant_id,omitempty"`
	Resource  string           `json:"resource"`
	Action    string           `json:"action"`
	Context   map[string]Value `json:"context,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type EvaluationResult struct {
	Allowed          bool     `json:"allowed"`
	Reason           string   `json:"reason"`
	MatchedRules     []string `json:"matched_rules"`
	EvaluationTimeMS float64  `json:"evaluation_time_ms"`
	CacheHit         bool     `json:"cache_hit,omitempty"`
}

const (
	ReasonNoRules    = "No rules found for resource"
	ReasonNoMatch    = "No applicable rules matched"
	ReasonEvalFailed = "Rule evaluation error"
)

func matchedReason(name string) string { return "Rule '" + name + "' matched" }

// Resolve returns the value at field. A literal context key wins, then the
// reserved names, then a dotted walk into nested context maps.
func (c EvaluationContext) Resolve(field string) (Value, bool) {
	if v, ok := c.Context[field]; ok {
		return v, true
	}
	switch field {
	case "user_id":
		return String(c.UserID), true
	case "tenant_id":
		if c.TenantID == "" {
			return Value{}, false
		}
		return String(c.TenantID), true
	case "resource":
		return String(c.Resource), true
	case "action":
		return String(c.Action), true
	}
	if !strings.Contains(field, ".") {
		return Value{}, false
	}
	return Map(c.Context).Lookup(field)
}

// Matches evaluates the condition. Missing or null fields, operand type
// mismatches and non-list membership operands all yield false.
func (c Condition) Matches(ctx EvaluationContext) bool {
	field, ok := ctx.Resolve(c.Field)
	if !ok || field.IsNull() {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return Equal(field, c.Value)
	case OpNotEquals:
		return !Equal(field, c.Value)
	case OpIn:
		return member(field, c.Value)
	case OpNotIn:
		if c.Value.Kind() != KindList {
			return false
		}
		return !member(field, c.Value)
	case OpGreaterThan, OpLessThan:
		a, okA := field.AsNumber()
		b, okB := c.Value.AsNumber()
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	case OpContains:
		needle := c.Value.Text()
		if items, ok := field.AsList(); ok {
			for _, item := range items {
				if strings.Contains(item.Text(), needle) {
					return true
				}
			}
			return false
		}
		return strings.Contains(field.Text(), needle)
	case OpStartsWith:
		return strings.HasPrefix(field.Text(), c.Value.Text())
	case OpEndsWith:
		return strings.HasSuffix(field.Text(), c.Value.Text())
	}
	return false
}

func member(v, list Value) bool {
	items, ok := list.AsList()
	if !ok {
		return false
	}
	for _, item := range items {
		if Equal(v, item) {
			return true
		}
	}
	return false
}

// Matches reports whether every condition holds, left to right. An empty
// condition list matches unconditionally.
func (r Rule) Matches(ctx EvaluationContext) bool {
	for _, c := range r.Conditions {
		if !c.Matches(ctx) {
			return false
		}
	}
	return true
}
