// Package policy is the rule management and evaluation facade used by the
// HTTP API and the server binary.
package policy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/audit"
	"github.com/TimurManjosov/gopolicy/internal/dsl"
	"github.com/TimurManjosov/gopolicy/internal/engine"
	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/pagination"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
	"github.com/TimurManjosov/gopolicy/internal/store"
	"github.com/TimurManjosov/gopolicy/internal/validation"
)

// Gauge is satisfied by prometheus.Gauge.
type Gauge interface {
	Set(float64)
}

// Options carry the optional collaborators of a Service.
type Options struct {
	// AuditReader serves ListAudit. Without one ListAudit returns an
	// unsupported error.
	AuditReader audit.Reader
	// ActiveRules is set to the number of active rules after every change.
	ActiveRules Gauge
}

// Service manages rules and evaluates them.
type Service struct {
	store     store.Store
	cache     *engine.Cache
	executor  *evaluation.Executor
	validator *validation.SourceValidator
	audit     audit.Reader
	active    Gauge
	logger    *zap.Logger
}

// NewService wires a Service. The cache must be the one the executor uses.
func NewService(st store.Store, cache *engine.Cache, executor *evaluation.Executor, validator *validation.SourceValidator, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = validation.NewSourceValidator(logger)
	}
	return &Service{
		store:     st,
		cache:     cache,
		executor:  executor,
		validator: validator,
		audit:     opts.AuditReader,
		active:    opts.ActiveRules,
		logger:    logger.Named("policy"),
	}
}

// CreateRule validates and stores a new rule at version 1.
func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest) (*rules.Rule, error) {
	r := rules.Rule{
		Name:        req.Name,
		Description: req.Description,
		PolicyType:  req.PolicyType,
		FactType:    req.FactType,
		Source:      req.Source,
		Active:      true,
		Fields:      req.Fields,
		Parameters:  req.Parameters,
	}
	if req.Active != nil {
		r.Active = *req.Active
	}
	if r.Source == "" && req.Definition != nil {
		if err := applyDefinition(&r, *req.Definition); err != nil {
			return nil, err
		}
	}
	if r.Source == "" {
		return nil, evaluation.NewValidationError("invalid rule", []string{"source: either source or definition is required"})
	}
	s.deriveFields(&r)
	if err := s.check(r); err != nil {
		return nil, err
	}

	out, err := s.store.CreateRule(ctx, r)
	if err != nil {
		return nil, s.storeError(err, "")
	}
	s.logger.Info("rule created",
		zap.String("rule_id", out.ID),
		zap.String("policy_type", string(out.PolicyType)),
		zap.Bool("active", out.Active))
	s.refreshActive(ctx)
	return out, nil
}

// UpdateRule applies req to the stored rule. A change to the source, fact
// type or fields evicts the compiled old version and stores version+1.
func (s *Service) UpdateRule(ctx context.Context, id string, req UpdateRuleRequest) (*rules.Rule, error) {
	existing, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, s.storeError(err, id)
	}

	r := *existing
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.Description != nil {
		r.Description = *req.Description
	}
	if req.FactType != nil {
		r.FactType = *req.FactType
	}
	if req.Fields != nil {
		r.Fields = req.Fields
	}
	if req.Parameters != nil {
		r.Parameters = req.Parameters
	}
	if req.Definition != nil {
		if req.Definition.PolicyType == "" {
			req.Definition.PolicyType = existing.PolicyType
		}
		if err := applyDefinition(&r, *req.Definition); err != nil {
			return nil, err
		}
	}
	if req.Source != nil {
		r.Source = *req.Source
	}

	compiled := r.Source != existing.Source ||
		r.FactType != existing.FactType ||
		!reflect.DeepEqual(r.Fields, existing.Fields)
	if compiled {
		s.deriveFields(&r)
	}
	if err := s.check(r); err != nil {
		return nil, err
	}

	oldKey := engine.Key{RuleID: id, Version: existing.Version}
	if compiled {
		s.cache.Evict(oldKey)
		r.Version = existing.Version + 1
	}
	out, err := s.store.UpdateRule(ctx, r)
	if err != nil {
		if compiled {
			// The stored rule is still at the old version.
			s.cache.Restore(oldKey)
		}
		return nil, s.storeError(err, id)
	}
	s.logger.Info("rule updated",
		zap.String("rule_id", id),
		zap.Int("old_version", existing.Version),
		zap.Int("version", out.Version))
	return out, nil
}

// ToggleRule sets the active flag, or flips it when active is nil. The
// version does not change.
func (s *Service) ToggleRule(ctx context.Context, id string, active *bool) (*rules.Rule, error) {
	want := false
	if active != nil {
		want = *active
	} else {
		existing, err := s.store.GetRule(ctx, id)
		if err != nil {
			return nil, s.storeError(err, id)
		}
		want = !existing.Active
	}
	out, err := s.store.SetActive(ctx, id, want)
	if err != nil {
		return nil, s.storeError(err, id)
	}
	s.logger.Info("rule toggled", zap.String("rule_id", id), zap.Bool("active", out.Active))
	s.refreshActive(ctx)
	return out, nil
}

// GetRule returns one rule.
func (s *Service) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, s.storeError(err, id)
	}
	return r, nil
}

// ListRules returns a page of rules, most recently updated first.
func (s *Service) ListRules(ctx context.Context, f ListRulesFilter) (pagination.Page[rules.Rule], error) {
	page, err := s.store.ListRules(ctx, store.ListFilter{
		PolicyType: f.PolicyType,
		Active:     f.Active,
		Page:       pagination.Request{Number: f.Page, Size: f.Size},
	})
	if err != nil {
		return pagination.Page[rules.Rule]{}, evaluation.NewDomainError(evaluation.ErrorTypeInternal, "failed to list rules", err)
	}
	return page, nil
}

// Evaluate runs the active rule of policyType and writes audit.
func (s *Service) Evaluate(ctx context.Context, policyType rules.PolicyType, input map[string]any) (*evaluation.Result, error) {
	r, err := s.activeRule(ctx, policyType)
	if err != nil {
		return nil, err
	}
	return s.executor.Evaluate(ctx, r, input, true)
}

// EvaluateRule runs one rule by id, active or not, and writes audit.
func (s *Service) EvaluateRule(ctx context.Context, id string, input map[string]any) (*evaluation.Result, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.executor.Evaluate(ctx, r, input, true)
}

// TestRule runs one rule by id, active or not, without writing audit.
func (s *Service) TestRule(ctx context.Context, id string, input map[string]any) (*evaluation.Result, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.executor.Evaluate(ctx, r, input, false)
}

// Validate checks source without storing it.
func (s *Service) Validate(source string) ValidationReport {
	errs := s.validator.Validate(source)
	if errs == nil {
		errs = []string{}
	}
	return ValidationReport{Valid: len(errs) == 0, Errors: errs}
}

// Generate renders a definition to rule source.
func (s *Service) Generate(d rules.Definition) (string, error) {
	src, err := rules.Generate(d)
	if err != nil {
		return "", evaluation.NewValidationError("invalid definition", []string{err.Error()})
	}
	return src, nil
}

// Schema describes the input and result fields of the active rule of
// policyType.
func (s *Service) Schema(ctx context.Context, policyType rules.PolicyType) (*PolicySchema, error) {
	r, err := s.activeRule(ctx, policyType)
	if err != nil {
		return nil, err
	}
	return schemaOf(r), nil
}

// SchemaByRule describes the fields of one rule.
func (s *Service) SchemaByRule(ctx context.Context, id string) (*PolicySchema, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return schemaOf(r), nil
}

// Metadata lists policy types, field types and the operators each field
// type supports.
func (s *Service) Metadata() Metadata {
	m := Metadata{
		PolicyTypes: rules.PolicyTypes(),
		FieldTypes:  schema.Types(),
		Operators:   make(map[schema.FieldType][]rules.Operator),
	}
	for _, t := range m.FieldTypes {
		ops := rules.OperatorsFor(t)
		if ops == nil {
			ops = []rules.Operator{}
		}
		m.Operators[t] = ops
		if rules.IsParameterType(t) {
			m.ParameterTypes = append(m.ParameterTypes, t)
		}
	}
	return m
}

// ListAudit returns a page of audit entries, newest first.
func (s *Service) ListAudit(ctx context.Context, f AuditFilter) (pagination.Page[audit.Entry], error) {
	if s.audit == nil {
		return pagination.Page[audit.Entry]{}, evaluation.NewDomainError(evaluation.ErrorTypeUnsupported,
			"the configured audit sink cannot be listed", nil)
	}
	page, err := s.audit.List(ctx, audit.Filter{
		PolicyType: f.PolicyType,
		RuleID:     f.RuleID,
		Page:       pagination.Request{Number: f.Page, Size: f.Size},
	})
	if err != nil {
		return pagination.Page[audit.Entry]{}, evaluation.NewDomainError(evaluation.ErrorTypeInternal, "failed to list audit entries", err)
	}
	return page, nil
}

// InvalidateRule drops the compiled artifact of one rule version. The file
// store calls it when a rule file changes on disk.
func (s *Service) InvalidateRule(id string, version int) {
	if s.cache.Evict(engine.Key{RuleID: id, Version: version}) {
		s.logger.Info("evicted changed rule", zap.String("rule_id", id), zap.Int("version", version))
	}
	s.refreshActive(context.Background())
}

func (s *Service) activeRule(ctx context.Context, policyType rules.PolicyType) (*rules.Rule, error) {
	r, err := s.store.ActiveRuleForPolicyType(ctx, policyType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, evaluation.NewNotFoundError("no active rule found for policy type %s", policyType).
			WithDetail("policyType", string(policyType))
	}
	if err != nil {
		return nil, evaluation.NewDomainError(evaluation.ErrorTypeInternal, "failed to load rule", err)
	}
	return r, nil
}

// check runs the request envelope checks, then both source phases.
func (s *Service) check(r rules.Rule) error {
	res := validation.ValidateRule(validation.RuleValidationParams{
		Name:        r.Name,
		Description: r.Description,
		PolicyType:  string(r.PolicyType),
		FactType:    r.FactType,
		Source:      r.Source,
		Fields:      r.Fields,
		Parameters:  r.Parameters,
	})
	if !res.Valid {
		return evaluation.NewValidationError("invalid rule", fieldMessages(res.Errors))
	}

	if errs := s.validator.CheckRule(r); len(errs) > 0 {
		return evaluation.NewValidationError("rule source rejected", errs)
	}
	return nil
}

// deriveFields takes the fact type and fields from the source's declare
// block. Sources without one keep the fields of the request.
func (s *Service) deriveFields(r *rules.Rule) {
	factType, fields, ok := dsl.DeclaredSchema(r.Source)
	if !ok {
		return
	}
	if len(r.Fields) > 0 && !reflect.DeepEqual(r.Fields, fields) {
		s.logger.Debug("declared fields replace request fields", zap.String("fact_type", factType))
	}
	r.FactType = factType
	r.Fields = fields
}

func (s *Service) storeError(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return evaluation.NewNotFoundError("rule not found with id: %s", id).WithDetail("ruleId", id)
	}
	return evaluation.NewDomainError(evaluation.ErrorTypeInternal, "rule store failed", err)
}

func (s *Service) refreshActive(ctx context.Context) {
	if s.active == nil {
		return
	}
	active := true
	page, err := s.store.ListRules(ctx, store.ListFilter{Active: &active, Page: pagination.Request{Size: 1}})
	if err != nil {
		s.logger.Warn("count active rules", zap.Error(err))
		return
	}
	s.active.Set(float64(page.TotalElements))
}

// RefreshActiveRules recomputes the active rule gauge.
func (s *Service) RefreshActiveRules(ctx context.Context) { s.refreshActive(ctx) }

func applyDefinition(r *rules.Rule, d rules.Definition) error {
	if err := rules.ValidateDefinition(d); err != nil {
		return evaluation.NewValidationError("invalid definition", []string{err.Error()})
	}
	src, err := rules.Generate(d)
	if err != nil {
		return evaluation.NewValidationError("invalid definition", []string{err.Error()})
	}
	r.Source = src
	r.FactType = d.FactType
	r.Fields = d.Fields
	if r.Name == "" {
		r.Name = d.Name
	}
	if r.PolicyType == "" {
		r.PolicyType = d.PolicyType
	}
	if len(r.Parameters) == 0 {
		r.Parameters = d.Parameters
	}
	return nil
}

func fieldMessages(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for field, msg := range m {
		out = append(out, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(out)
	return out
}

func schemaOf(r *rules.Rule) *PolicySchema {
	ps := &PolicySchema{
		PolicyType:   r.PolicyType,
		RuleID:       r.ID,
		RuleName:     r.Name,
		RuleVersion:  r.Version,
		FactType:     r.FactType,
		InputFields:  []FieldInfo{},
		ResultFields: []FieldInfo{},
	}
	for _, f := range r.Fields.Ordered() {
		info := FieldInfo{Name: f.Name, Type: f.Type, EnumValues: f.EnumValues, Order: f.Order}
		if f.IsResult() {
			ps.ResultFields = append(ps.ResultFields, info)
		} else {
			ps.InputFields = append(ps.InputFields, info)
		}
	}
	return ps
}
