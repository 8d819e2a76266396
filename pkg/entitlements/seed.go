package entitlements

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/254CARBON/access-sub001/pkg/rules"
)

type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	RuleID      string          `yaml:"rule_id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Resource    string          `yaml:"resource"`
	Action      string          `yaml:"action"`
	Conditions  []seedCondition `yaml:"conditions"`
	Priority    int             `yaml:"priority"`
	Enabled     *bool           `yaml:"enabled"`
	TenantID    string          `yaml:"tenant_id"`
	UserID      string          `yaml:"user_id"`
	ExpiresAt   *time.Time      `yaml:"expires_at"`
}

type seedCondition struct {
	Field       string `yaml:"field"`
	Operator    string `yaml:"operator"`
	Value       any    `yaml:"value"`
	Description string `yaml:"description"`
}

// LoadSeedFile reads a YAML rule list. Every rule must carry a rule_id so
// reseeding is idempotent.
func LoadSeedFile(path string, now time.Time) ([]rules.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw, now)
}

func ParseSeed(raw []byte, now time.Time) ([]rules.Rule, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	now = now.UTC()
	out := make([]rules.Rule, 0, len(f.Rules))
	for i, sr := range f.Rules {
		r := rules.Rule{
			RuleID:      sr.RuleID,
			Name:        sr.Name,
			Description: sr.Description,
			Resource:    rules.Resource(sr.Resource),
			Action:      rules.Action(sr.Action),
			Priority:    sr.Priority,
			Enabled:     sr.Enabled == nil || *sr.Enabled,
			TenantID:    sr.TenantID,
			UserID:      sr.UserID,
			ExpiresAt:   utcPtr(sr.ExpiresAt),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for j, sc := range sr.Conditions {
			v, err := rules.FromAny(sc.Value)
			if err != nil {
				return nil, fmt.Errorf("rules[%d].conditions[%d].value: %w", i, j, err)
			}
			r.Conditions = append(r.Conditions, rules.Condition{
				Field:       sc.Field,
				Operator:    rules.Operator(sc.Operator),
				Value:       v,
				Description: sc.Description,
			})
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
