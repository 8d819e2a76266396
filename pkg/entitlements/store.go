package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/rules"
)

// Store persists rules. Get returns a not_found error for unknown ids.
type Store interface {
	List(ctx context.Context) ([]rules.Rule, error)
	Get(ctx context.Context, id string) (rules.Rule, error)
	Save(ctx context.Context, r rules.Rule) error
	Delete(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

func notFound() error {
	return apperr.New(apperr.NotFound, "Rule not found")
}

// MemoryStore keeps rules in process; used when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]rules.Rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: map[string]rules.Rule{}}
}

func (m *MemoryStore) List(ctx context.Context) ([]rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return rules.Rule{}, notFound()
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, r rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.RuleID] = r.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return false, nil
	}
	delete(m.rules, id)
	return true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func sortByCreation(list []rules.Rule) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].RuleID < list[j].RuleID
	})
}

type pgDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore persists rules in the entitlement_rules table; conditions
// are stored as JSONB.
type PostgresStore struct {
	db      pgDB
	timeout time.Duration
}

func NewPostgresStore(db pgDB) *PostgresStore {
	return &PostgresStore{db: db, timeout: 5 * time.Second}
}

const ruleColumns = `rule_id, name, description, resource, action, conditions, priority, enabled,
	tenant_id, user_id, created_at, updated_at, expires_at`

func (p *PostgresStore) List(ctx context.Context) ([]rules.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.db.Query(ctx, `SELECT `+ruleColumns+` FROM entitlement_rules ORDER BY created_at, rule_id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "", fmt.Errorf("list rules: %w", err))
	}
	defer rows.Close()
	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "", fmt.Errorf("list rules: %w", err))
	}
	return out, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (rules.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	r, err := scanRule(p.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM entitlement_rules WHERE rule_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rules.Rule{}, notFound()
	}
	return r, err
}

func (p *PostgresStore) Save(ctx context.Context, r rules.Rule) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conds := r.Conditions
	if conds == nil {
		conds = []rules.Condition{}
	}
	raw, err := json.Marshal(conds)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "", fmt.Errorf("encode conditions: %w", err))
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO entitlement_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (rule_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			resource = EXCLUDED.resource,
			action = EXCLUDED.action,
			conditions = EXCLUDED.conditions,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			tenant_id = EXCLUDED.tenant_id,
			user_id = EXCLUDED.user_id,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		r.RuleID, r.Name, r.Description, string(r.Resource), string(r.Action), raw, r.Priority, r.Enabled,
		nullable(r.TenantID), nullable(r.UserID), r.CreatedAt.UTC(), r.UpdatedAt.UTC(), r.ExpiresAt)
	if err != nil {
		return apperr.Wrap(apperr.Dependency, "", fmt.Errorf("save rule %s: %w", r.RuleID, err))
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	tag, err := p.db.Exec(ctx, `DELETE FROM entitlement_rules WHERE rule_id=$1`, id)
	if err != nil {
		return false, apperr.Wrap(apperr.Dependency, "", fmt.Errorf("delete rule %s: %w", id, err))
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func scanRule(row pgx.Row) (rules.Rule, error) {
	var (
		r                rules.Rule
		resource, action string
		conds            []byte
		tenant, user     *string
		expires          *time.Time
	)
	err := row.Scan(&r.RuleID, &r.Name, &r.Description, &resource, &action, &conds, &r.Priority, &r.Enabled,
		&tenant, &user, &r.CreatedAt, &r.UpdatedAt, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rules.Rule{}, err
		}
		return rules.Rule{}, apperr.Wrap(apperr.Dependency, "", fmt.Errorf("scan rule: %w", err))
	}
	r.Resource = rules.Resource(resource)
	r.Action = rules.Action(action)
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &r.Conditions); err != nil {
			return rules.Rule{}, apperr.Wrap(apperr.Internal, "", fmt.Errorf("decode conditions for %s: %w", r.RuleID, err))
		}
	}
	if tenant != nil {
		r.TenantID = *tenant
	}
	if user != nil {
		r.UserID = *user
	}
	if expires != nil {
		t := expires.UTC()
		r.ExpiresAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
