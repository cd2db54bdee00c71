// Package evaluation runs stored rules against request input.
//
// Every call gets its own session and fact; nothing mutable is shared between
// evaluations except the compiled knowledge base, which is read-only. The
// executor owns the time bound: the inference loop runs on a worker goroutine
// and is abandoned (and halted) once the deadline passes.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/audit"
	"github.com/TimurManjosov/gopolicy/internal/engine"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 5000 * time.Millisecond

// Result is the response of one evaluation.
type Result struct {
	PolicyType    string         `json:"policyType"`
	RuleID        string         `json:"ruleId"`
	RuleVersion   int            `json:"ruleVersion"`
	Result        map[string]any `json:"result"`
	ElapsedMillis int64          `json:"elapsedMillis"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Observer receives one call per evaluation. outcome is "ok" or the error type.
type Observer func(policyType, outcome string, elapsed time.Duration)

// Options configure an Executor.
type Options struct {
	Timeout  time.Duration
	Audit    *audit.Service
	Observer Observer
	Now      func() time.Time
}

// Executor evaluates rules through a shared artifact cache.
type Executor struct {
	cache    *engine.Cache
	logger   *zap.Logger
	timeout  time.Duration
	audit    *audit.Service
	observer Observer
	now      func() time.Time
}

func NewExecutor(cache *engine.Cache, logger *zap.Logger, opts Options) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		cache:    cache,
		logger:   logger.Named("executor"),
		timeout:  opts.Timeout,
		audit:    opts.Audit,
		observer: opts.Observer,
		now:      opts.Now,
	}
}

// Timeout returns the per-evaluation time bound.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Evaluate runs rule against input and returns its RESULT fields. When
// writeAudit is set a successful evaluation is queued for audit; failures and
// timeouts never are.
//
// Errors are *DomainError: Unsupported for a rule without a field schema,
// Compilation when the source does not compile, TypeCoercion for input that
// does not fit its field, Timeout past the deadline, Internal otherwise.
func (e *Executor) Evaluate(ctx context.Context, rule *rules.Rule, input map[string]any, writeAudit bool) (*Result, error) {
	start := time.Now()
	out, err := e.evaluate(ctx, rule, input)
	elapsed := time.Since(start)

	policyType := ""
	if rule != nil {
		policyType = string(rule.PolicyType)
	}
	if e.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(TypeOf(err))
		}
		e.observer(policyType, outcome, elapsed)
	}
	if err != nil {
		e.logger.Debug("evaluation failed",
			zap.String("policy_type", policyType),
			zap.Error(err),
			zap.Duration("elapsed", elapsed))
		return nil, err
	}

	res := &Result{
		PolicyType:    policyType,
		RuleID:        rule.ID,
		RuleVersion:   rule.Version,
		Result:        out,
		ElapsedMillis: elapsed.Milliseconds(),
		Timestamp:     e.now(),
	}
	if writeAudit && e.audit != nil {
		e.audit.Record(policyType, rule.ID, rule.Name, rule.Version, input, out, elapsed)
	}
	return res, nil
}

// awaitFire waits for the fire loop or the deadline. A run that has already
// finished wins over a deadline that is ready at the same time.
func awaitFire(ctx context.Context, done <-chan fireResult) (fireResult, bool) {
	select {
	case res := <-done:
		return res, true
	case <-ctx.Done():
		select {
		case res := <-done:
			return res, true
		default:
			return fireResult{}, false
		}
	}
}

type fireResult struct {
	fired int
	err   error
}

func (e *Executor) evaluate(ctx context.Context, rule *rules.Rule, input map[string]any) (map[string]any, error) {
	if rule == nil {
		return nil, NewDomainError(ErrorTypeInternal, "no rule to evaluate", nil)
	}
	if len(rule.Fields) == 0 {
		return nil, NewDomainError(ErrorTypeUnsupported,
			fmt.Sprintf("rule %s has no field schema", rule.ID), nil).
			WithDetail("ruleId", rule.ID)
	}

	kb, err := e.cache.GetOrCompile(ctx, rule)
	if err != nil {
		var ce *engine.CompilationError
		switch {
		case errors.As(err, &ce):
			return nil, NewCompilationError(fmt.Sprintf("rule %s does not compile", rule.ID), ce.Messages())
		case ctx.Err() != nil:
			return nil, NewDomainError(ErrorTypeTimeout, "evaluation cancelled while compiling", err)
		default:
			return nil, NewDomainError(ErrorTypeInternal, "failed to load rule", err)
		}
	}

	session, err := kb.NewSession(e.bindParameters(kb, rule))
	if err != nil {
		return nil, NewDomainError(ErrorTypeInternal, "failed to open session", err)
	}
	defer session.Dispose()

	fact, err := e.buildFact(kb, input)
	if err != nil {
		return nil, err
	}
	if err := session.Insert(fact); err != nil {
		return nil, NewDomainError(ErrorTypeInternal, "failed to insert fact", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, e.timeoutError(rule, err)
	}
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan fireResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fireResult{err: fmt.Errorf("panic during rule execution: %v", p)}
			}
		}()
		n, err := session.FireAllRules(runCtx)
		done <- fireResult{fired: n, err: err}
	}()

	res, finished := awaitFire(runCtx, done)
	if !finished {
		session.Halt()
		return nil, e.timeoutError(rule, runCtx.Err())
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) || errors.Is(res.err, engine.ErrHalted) {
			return nil, e.timeoutError(rule, res.err)
		}
		return nil, NewDomainError(ErrorTypeInternal, "rule execution failed", res.err)
	}

	out := make(map[string]any)
	for _, fd := range kb.FactType().Fields.Results() {
		v, err := fact.Get(fd.Name)
		if err != nil {
			return nil, NewDomainError(ErrorTypeInternal, "failed to read result", err)
		}
		out[fd.Name] = exportValue(v)
	}

	e.logger.Debug("evaluated rule",
		zap.String("rule_id", rule.ID),
		zap.Int("version", rule.Version),
		zap.Int("fired", res.fired))
	return out, nil
}

// exportValue renders decimals as text with their full scale so results and
// audit payloads keep "150000000.00" exact.
func exportValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return schema.FormatDecimal(d)
	}
	return v
}

func (e *Executor) timeoutError(rule *rules.Rule, cause error) error {
	e.logger.Warn("evaluation timed out",
		zap.String("rule_id", rule.ID),
		zap.Int("version", rule.Version),
		zap.Duration("timeout", e.timeout))
	return NewDomainError(ErrorTypeTimeout,
		fmt.Sprintf("evaluation of rule %s exceeded %s", rule.ID, e.timeout), cause).
		WithDetail("timeoutMillis", e.timeout.Milliseconds())
}

// bindParameters coerces each stored parameter to its declared global type.
// Parameters the source does not declare, and values that do not coerce, are
// skipped.
func (e *Executor) bindParameters(kb *engine.KnowledgeBase, rule *rules.Rule) map[string]any {
	globals := make(map[string]any, len(rule.Parameters))
	for _, p := range rule.Parameters {
		t, ok := kb.Global(p.Key)
		if !ok {
			e.logger.Debug("skipping undeclared parameter",
				zap.String("rule_id", rule.ID), zap.String("key", p.Key))
			continue
		}
		if p.Type != "" && p.Type != t {
			e.logger.Debug("parameter type differs from global",
				zap.String("key", p.Key),
				zap.String("parameter_type", string(p.Type)),
				zap.String("global_type", string(t)))
		}
		v, err := schema.Coerce(t, p.Value)
		if err != nil {
			e.logger.Debug("skipping parameter",
				zap.String("rule_id", rule.ID), zap.String("key", p.Key), zap.Error(err))
			continue
		}
		globals[p.Key] = v
	}
	return globals
}

// buildFact fills the INPUT fields present in input. Absent and null values
// stay unset; keys outside the schema are ignored.
func (e *Executor) buildFact(kb *engine.KnowledgeBase, input map[string]any) (*engine.Fact, error) {
	fact := kb.NewFact()
	for _, fd := range kb.FactType().Fields.Inputs() {
		v, ok := input[fd.Name]
		if !ok || v == nil {
			continue
		}
		if err := fact.Set(fd.Name, v); err != nil {
			if errors.Is(err, schema.ErrCoercion) {
				return nil, NewDomainError(ErrorTypeTypeCoercion,
					fmt.Sprintf("field %s: cannot convert %v to %s", fd.Name, v, fd.Type), err).
					WithDetail("field", fd.Name).
					WithDetail("type", string(fd.Type))
			}
			return nil, NewDomainError(ErrorTypeInternal, "failed to set field "+fd.Name, err)
		}
	}
	return fact, nil
}
