package entitlements

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/metrics"
	"github.com/254CARBON/access-sub001/pkg/rules"
)

// ResponseTTLSeconds is the ttl reported on every check response. The
// cache lifetime itself is adaptive.
const ResponseTTLSeconds = 300

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CheckRequest asks whether a user may perform action on resource.
type CheckRequest struct {
	UserID   string                 `json:"user_id" validate:"required"`
	TenantID string                 `json:"tenant_id,omitempty"`
	Resource string                 `json:"resource" validate:"required"`
	Action   string                 `json:"action" validate:"required"`
	Context  map[string]rules.Value `json:"context,omitempty"`
}

type CheckResponse struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	MatchedRules []string `json:"matched_rules"`
	TTLSeconds   int      `json:"ttl_seconds"`
	CacheHit     bool     `json:"cache_hit"`
}

type ConditionInput struct {
	Field       string      `json:"field" validate:"required"`
	Operator    string      `json:"operator" validate:"required,oneof=equals not_equals in not_in greater_than less_than contains starts_with ends_with"`
	Value       rules.Value `json:"value"`
	Description string      `json:"description,omitempty"`
}

// RuleInput is the body of a rule creation. RuleID is generated when empty
// and Enabled defaults to true.
type RuleInput struct {
	RuleID      string           `json:"rule_id,omitempty" validate:"omitempty,max=255"`
	Name        string           `json:"name" validate:"required,max=255"`
	Description string           `json:"description,omitempty"`
	Resource    string           `json:"resource" validate:"required,oneof=curve instrument market_data user_profile admin"`
	Action      string           `json:"action" validate:"required,oneof=allow deny"`
	Conditions  []ConditionInput `json:"conditions" validate:"dive"`
	Priority    int              `json:"priority"`
	Enabled     *bool            `json:"enabled,omitempty"`
	TenantID    string           `json:"tenant_id,omitempty" validate:"omitempty,max=255"`
	UserID      string           `json:"user_id,omitempty" validate:"omitempty,max=255"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// RulePatch is a partial update; nil fields are left unchanged.
type RulePatch struct {
	Name        *string           `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string           `json:"description,omitempty"`
	Resource    *string           `json:"resource,omitempty" validate:"omitempty,oneof=curve instrument market_data user_profile admin"`
	Action      *string           `json:"action,omitempty" validate:"omitempty,oneof=allow deny"`
	Conditions  *[]ConditionInput `json:"conditions,omitempty" validate:"omitempty,dive"`
	Priority    *int              `json:"priority,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

type ListFilter struct {
	TenantID string
	UserID   string
	Resource string
	Page     int
	Limit    int
}

type RuleList struct {
	Rules []rules.Rule `json:"rules"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

type Stats struct {
	Engine      rules.Stats `json:"engine"`
	Cache       CacheStats  `json:"cache"`
	Persistence string      `json:"persistence"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Service owns rule lifecycle and decisions. Mutations are serialized and
// go to the store first, then the engine, then cache invalidation.
type Service struct {
	engine    *rules.Engine
	store     Store
	cache     *DecisionCache
	publisher EventPublisher
	logger    *zap.Logger
	metrics   *metrics.Registry
	now       func() time.Time
	newID     func() string
	origin    string

	mu sync.Mutex
}

type ServiceOption func(*Service)

func WithPublisher(p EventPublisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithOrigin names this instance on published events.
func WithOrigin(origin string) ServiceOption {
	return func(s *Service) {
		if origin != "" {
			s.origin = origin
		}
	}
}

func NewService(engine *rules.Engine, st Store, cache *DecisionCache, opts ...ServiceOption) *Service {
	s := &Service{
		engine:    engine,
		store:     st,
		cache:     cache,
		publisher: noopPublisher{},
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
		origin:    uuid.NewString(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Origin() string { return s.origin }

// Check answers from the decision cache when it can, otherwise evaluates
// and caches the decision with an adaptive TTL.
func (s *Service) Check(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	if err := validate.Struct(req); err != nil {
		return CheckResponse{}, validationError(err)
	}
	key := DecisionKey(req.UserID, req.TenantID, req.Resource, req.Action, ContextHash(req))
	if d, ok := s.cache.Get(ctx, key); ok {
		s.metrics.Decision(req.Resource, d.Allowed, true)
		return CheckResponse{
			Allowed:      d.Allowed,
			Reason:       d.Reason,
			MatchedRules: nonNil(d.MatchedRules),
			TTLSeconds:   d.TTLSeconds,
			CacheHit:     true,
		}, nil
	}

	res := s.engine.Evaluate(rules.EvaluationContext{
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		Resource:  req.Resource,
		Action:    req.Action,
		Context:   req.Context,
		Timestamp: s.now(),
	})
	d := Decision{
		Allowed:      res.Allowed,
		Reason:       res.Reason,
		MatchedRules: nonNil(res.MatchedRules),
		TTLSeconds:   ResponseTTLSeconds,
	}
	if len(res.MatchedRules) > 0 {
		if r, ok := s.engine.Get(res.MatchedRules[0]); ok {
			d.ExpiresAt = r.ExpiresAt
		}
	}
	s.cache.Set(ctx, key, d, 0)
	s.metrics.Decision(req.Resource, d.Allowed, false)
	s.logger.Debug("entitlement evaluated",
		zap.String("user_id", req.UserID),
		zap.String("resource", req.Resource),
		zap.String("action", req.Action),
		zap.Bool("allowed", d.Allowed),
		zap.Float64("evaluation_ms", res.EvaluationTimeMS))
	return CheckResponse{
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		MatchedRules: d.MatchedRules,
		TTLSeconds:   d.TTLSeconds,
	}, nil
}

func (s *Service) Get(id string) (rules.Rule, error) {
	r, ok := s.engine.Get(id)
	if !ok {
		return rules.Rule{}, notFound()
	}
	return r, nil
}

// List filters by resource, else tenant, else user, then paginates.
// Page defaults to 1 and limit to 50.
func (s *Service) List(f ListFilter) (RuleList, error) {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = 50
	}
	if f.Page < 1 {
		return RuleList{}, apperr.New(apperr.ValidationFailed, "page must be >= 1")
	}
	if f.Limit < 1 || f.Limit > 100 {
		return RuleList{}, apperr.New(apperr.ValidationFailed, "limit must be between 1 and 100")
	}
	var list []rules.Rule
	switch {
	case f.Resource != "":
		list = s.engine.RulesForResource(rules.Resource(f.Resource))
	case f.TenantID != "":
		list = s.engine.RulesByTenant(f.TenantID)
	case f.UserID != "":
		list = s.engine.RulesByUser(f.UserID)
	default:
		list = s.engine.All()
	}
	out := RuleList{Rules: []rules.Rule{}, Total: len(list), Page: f.Page, Limit: f.Limit}
	start := (f.Page - 1) * f.Limit
	if start < len(list) {
		end := min(start+f.Limit, len(list))
		out.Rules = list[start:end]
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, in RuleInput) (rules.Rule, error) {
	if err := validate.Struct(in); err != nil {
		return rules.Rule{}, validationError(err)
	}
	id := strings.TrimSpace(in.RuleID)
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()
	r := rules.Rule{
		RuleID:      id,
		Name:        in.Name,
		Description: in.Description,
		Resource:    rules.Resource(in.Resource),
		Action:      rules.Action(in.Action),
		Conditions:  toConditions(in.Conditions),
		Priority:    in.Priority,
		Enabled:     in.Enabled == nil || *in.Enabled,
		TenantID:    in.TenantID,
		UserID:      in.UserID,
		ExpiresAt:   utcPtr(in.ExpiresAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.Validate(); err != nil {
		return rules.Rule{}, apperr.Wrap(apperr.ValidationFailed, err.Error(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.engine.Get(id); exists {
		return rules.Rule{}, apperr.New(apperr.InvalidArgument, "Rule already exists")
	}
	if err := s.store.Save(ctx, r); err != nil {
		return rules.Rule{}, err
	}
	if err := s.engine.Add(r); err != nil {
		if _, derr := s.store.Delete(ctx, id); derr != nil {
			s.logger.Error("rule rollback failed", zap.String("rule_id", id), zap.Error(derr))
		}
		if errors.Is(err, rules.ErrRuleExists) {
			return rules.Rule{}, apperr.Wrap(apperr.InvalidArgument, "Rule already exists", err)
		}
		return rules.Rule{}, apperr.Wrap(apperr.ValidationFailed, err.Error(), err)
	}
	s.cache.InvalidateRule(ctx, r)
	s.publish(ctx, OpCreated, r)
	s.logger.Info("rule created", zap.String("rule_id", id), zap.String("resource", string(r.Resource)))
	return r, nil
}

func (s *Service) Update(ctx context.Context, id string, patch RulePatch) (rules.Rule, error) {
	if err := validate.Struct(patch); err != nil {
		return rules.Rule{}, validationError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.engine.Get(id)
	if !ok {
		return rules.Rule{}, notFound()
	}
	next := cur.Clone()
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Resource != nil {
		next.Resource = rules.Resource(*patch.Resource)
	}
	if patch.Action != nil {
		next.Action = rules.Action(*patch.Action)
	}
	if patch.Conditions != nil {
		next.Conditions = toConditions(*patch.Conditions)
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.ExpiresAt != nil {
		next.ExpiresAt = utcPtr(patch.ExpiresAt)
	}
	next.UpdatedAt = s.now().UTC()
	if err := next.Validate(); err != nil {
		return rules.Rule{}, apperr.Wrap(apperr.ValidationFailed, err.Error(), err)
	}
	if err := s.store.Save(ctx, next); err != nil {
		return rules.Rule{}, err
	}
	if err := s.engine.Update(next); err != nil {
		return rules.Rule{}, apperr.Wrap(apperr.Internal, "", err)
	}
	s.cache.InvalidateRule(ctx, cur)
	if next.Resource != cur.Resource {
		s.cache.InvalidateRule(ctx, next)
	}
	s.publish(ctx, OpUpdated, next)
	s.logger.Info("rule updated", zap.String("rule_id", id))
	return next, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.engine.Get(id)
	if !ok {
		return notFound()
	}
	if _, err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.engine.Remove(id)
	s.cache.InvalidateRule(ctx, cur)
	s.publish(ctx, OpDeleted, cur)
	s.logger.Info("rule deleted", zap.String("rule_id", id))
	return nil
}

// Load replaces the engine contents with the stored rules. When the store
// is empty, seed is written to it first. Invalid stored rules are skipped.
func (s *Service) Load(ctx context.Context, seed []rules.Rule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(stored) == 0 && len(seed) > 0 {
		for _, r := range seed {
			if err := r.Validate(); err != nil {
				s.logger.Warn("seed rule skipped", zap.String("rule_id", r.RuleID), zap.Error(err))
				continue
			}
			if err := s.store.Save(ctx, r); err != nil {
				return 0, err
			}
			stored = append(stored, r)
		}
		s.logger.Info("rules seeded", zap.Int("count", len(stored)))
	}
	s.engine.ClearAll()
	loaded := 0
	for _, r := range stored {
		if err := s.engine.Put(r); err != nil {
			s.logger.Warn("stored rule skipped", zap.String("rule_id", r.RuleID), zap.Error(err))
			continue
		}
		loaded++
	}
	s.cache.Clear(ctx)
	s.logger.Info("rules loaded", zap.Int("count", loaded))
	return loaded, nil
}

// ApplyEvent syncs one rule from the store after another instance changed
// it. Events from this instance are ignored.
func (s *Service) ApplyEvent(ctx context.Context, evt RuleChanged) error {
	if evt.Origin == s.origin || evt.RuleID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := rules.Rule{Resource: rules.Resource(evt.Resource), TenantID: evt.TenantID, UserID: evt.UserID}
	old, had := s.engine.Get(evt.RuleID)

	switch evt.Op {
	case OpDeleted:
		s.engine.Remove(evt.RuleID)
	case OpCreated, OpUpdated:
		r, err := s.store.Get(ctx, evt.RuleID)
		if apperr.Is(err, apperr.NotFound) {
			s.engine.Remove(evt.RuleID)
			break
		}
		if err != nil {
			return err
		}
		if err := s.engine.Put(r); err != nil {
			return err
		}
		scope = r
	default:
		return fmt.Errorf("unknown rule event op %q", evt.Op)
	}
	if had {
		s.cache.InvalidateRule(ctx, old)
	}
	if scope.Resource != "" {
		s.cache.InvalidateRule(ctx, scope)
	}
	s.logger.Info("rule event applied",
		zap.String("op", string(evt.Op)),
		zap.String("rule_id", evt.RuleID),
		zap.String("origin", evt.Origin))
	return nil
}

func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{
		Engine:      s.engine.Stats(),
		Cache:       s.cache.Stats(ctx),
		Persistence: "ok",
		Timestamp:   s.now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		st.Persistence = "error"
	}
	return st
}

func (s *Service) CacheStats(ctx context.Context) CacheStats { return s.cache.Stats(ctx) }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) publish(ctx context.Context, op Op, r rules.Rule) {
	evt := RuleChanged{
		Op:       op,
		RuleID:   r.RuleID,
		Resource: string(r.Resource),
		TenantID: r.TenantID,
		UserID:   r.UserID,
		Origin:   s.origin,
		At:       s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("rule event publish failed", zap.String("rule_id", r.RuleID), zap.Error(err))
	}
}

func toConditions(in []ConditionInput) []rules.Condition {
	out := make([]rules.Condition, len(in))
	for i, c := range in {
		out[i] = rules.Condition{
			Field:       c.Field,
			Operator:    rules.Operator(c.Operator),
			Value:       c.Value,
			Description: c.Description,
		}
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// validationError flattens validator output into "field: rule" pairs.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.ValidationFailed, err.Error(), err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		msg := field + ": " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return apperr.Wrap(apperr.ValidationFailed, strings.Join(parts, "; "), err)
}
