// Package rules holds the entitlement rule model and the in-memory engine
// that evaluates requests against it.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Resource string

const (
	ResourceCurve       Resource = "curve"
	ResourceInstrument  Resource = "instrument"
	ResourceMarketData  Resource = "market_data"
	ResourceUserProfile Resource = "user_profile"
	ResourceAdmin       Resource = "admin"
)

var resources = []Resource{ResourceCurve, ResourceInstrument, ResourceMarketData, ResourceUserProfile, ResourceAdmin}

// Resources lists every resource in declaration order.
func Resources() []Resource { return append([]Resource(nil), resources...) }

func ParseResource(s string) (Resource, error) {
	r := Resource(strings.ToLower(strings.TrimSpace(s)))
	if r.Valid() {
		return r, nil
	}
	return "", fmt.Errorf("unknown resource %q", s)
}

func (r Resource) Valid() bool {
	for _, known := range resources {
		if r == known {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if a.Valid() {
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func (a Action) Valid() bool { return a == ActionAllow || a == ActionDeny }

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpLessThan, OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

type Condition struct {
	Field       string   `json:"field"`
	Operator    Operator `json:"operator"`
	Value       Value    `json:"value"`
	Description string   `json:"description,omitempty"`
}

// Rule is an entitlement rule. Rules are replaced, never mutated in place.
type Rule struct {
	RuleID      string      `json:"rule_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Resource    Resource    `json:"resource"`
	Action      Action      `json:"action"`
	Conditions  []Condition `json:"conditions"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	TenantID    string      `json:"tenant_id,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks the closed enums and operator operands.
func (r Rule) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RuleID) == "" {
		errs = append(errs, errors.New("rule_id is required"))
	}
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !r.Resource.Valid() {
		errs = append(errs, fmt.Errorf("unknown resource %q", r.Resource))
	}
	if !r.Action.Valid() {
		errs = append(errs, fmt.Errorf("unknown action %q", r.Action))
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("conditions[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if (c.Operator == OpIn || c.Operator == OpNotIn) && c.Value.Kind() != KindList {
		return fmt.Errorf("%s requires a list value", c.Operator)
	}
	return nil
}

// Applies reports whether the rule's scope covers the context: tenant and
// user when set, and expiry relative to the context timestamp.
func (r Rule) Applies(ctx EvaluationContext) bool {
	if r.TenantID != "" && r.TenantID != ctx.TenantID {
		return false
	}
	if r.UserID != "" && r.UserID != ctx.UserID {
		return false
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(ctx.Timestamp) {
		return false
	}
	return true
}

// Clone returns a deep copy so callers cannot alias engine state.
func (r Rule) Clone() Rule {
	out := r
	if r.Conditions != nil {
		out.Conditions = append([]Condition(nil), r.Conditions...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
