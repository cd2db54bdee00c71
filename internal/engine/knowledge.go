package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"

	"github.com/TimurManjosov/gopolicy/internal/dsl"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// Import prefixes understood by the compiler.
const (
	ModelPrefix = "policy.model."
	MathPrefix  = "policy.math."
	UtilPrefix  = "policy.util."
)

// ErrCompilation is matched by every *CompilationError.
var ErrCompilation = errors.New("rule compilation failed")

// Severity of a Diagnostic.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one compiler finding.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Line     int      `json:"line,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	var b strings.Builder
	if d.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", d.Line)
	}
	if d.Rule != "" {
		fmt.Fprintf(&b, "rule %q: ", d.Rule)
	}
	b.WriteString(d.Message)
	return b.String()
}

// CompilationError carries the error diagnostics of a failed compile.
type CompilationError struct {
	Name        string
	Diagnostics []Diagnostic
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Name, strings.Join(e.Messages(), "; "))
}

// Messages returns one line per diagnostic.
func (e *CompilationError) Messages() []string {
	out := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		out = append(out, d.String())
	}
	return out
}

func (e *CompilationError) Is(target error) bool { return target == ErrCompilation }

// Options tune compilation.
type Options struct {
	// CostLimit caps the runtime cost of a single expression evaluation.
	CostLimit uint64
	// InterruptCheckFrequency is how many comprehension iterations run
	// between context cancellation checks.
	InterruptCheckFrequency uint
	// FallbackFactType and FallbackFields are used when the source does
	// not declare its fact type.
	FallbackFactType string
	FallbackFields   schema.Schema
}

// Option mutates Options.
type Option func(*Options)

// DefaultCostLimit bounds expression cost when no option overrides it.
const DefaultCostLimit = 1_000_000

func defaultOptions() Options {
	return Options{CostLimit: DefaultCostLimit, InterruptCheckFrequency: 100}
}

// WithCostLimit overrides the per-expression cost limit. Zero keeps the default.
func WithCostLimit(limit uint64) Option {
	return func(o *Options) {
		if limit > 0 {
			o.CostLimit = limit
		}
	}
}

// WithFactSchema supplies the fact type for sources without a declare block.
func WithFactSchema(name string, fields schema.Schema) Option {
	return func(o *Options) {
		o.FallbackFactType = name
		o.FallbackFields = fields
	}
}

type compiledExpr struct {
	text string
	line int
	prog cel.Program
}

type compiledAction struct {
	kind  dsl.ActionKind
	field schema.FieldDefinition
	value *compiledExpr
	line  int
}

type compiledRule struct {
	name       string
	salience   int
	noLoop     bool
	conditions []*compiledExpr
	actions    []compiledAction
}

// KnowledgeBase is an immutable compiled rule set. It is safe for concurrent
// use; each evaluation opens its own Session.
type KnowledgeBase struct {
	name        string
	fingerprint uint64
	factType    *FactType
	globals     map[string]schema.FieldType
	rules       []*compiledRule
	open        atomic.Int64
}

// Name is the label the knowledge base was compiled under.
func (kb *KnowledgeBase) Name() string { return kb.name }

// Fingerprint is a hash of the source and fact schema.
func (kb *KnowledgeBase) Fingerprint() uint64 { return kb.fingerprint }

// FactType returns the declared fact type.
func (kb *KnowledgeBase) FactType() *FactType { return kb.factType }

// Global returns the declared type of a global.
func (kb *KnowledgeBase) Global(name string) (schema.FieldType, bool) {
	t, ok := kb.globals[name]
	return t, ok
}

// RuleNames lists rules in firing priority order.
func (kb *KnowledgeBase) RuleNames() []string {
	out := make([]string, len(kb.rules))
	for i, r := range kb.rules {
		out[i] = r.name
	}
	return out
}

// OpenSessions counts sessions not yet disposed.
func (kb *KnowledgeBase) OpenSessions() int64 { return kb.open.Load() }

// NewFact returns a fresh instance of the declared fact type.
func (kb *KnowledgeBase) NewFact() *Fact { return kb.factType.New() }

// Compile builds a knowledge base from rule source. On failure the error is a
// *CompilationError listing every error diagnostic.
func Compile(name, source string, opts ...Option) (*KnowledgeBase, error) {
	kb, diags := build(name, source, opts)
	if errs := errorsOnly(diags); len(errs) > 0 {
		return nil, &CompilationError{Name: name, Diagnostics: errs}
	}
	return kb, nil
}

// Verify compiles source and returns every diagnostic, warnings included,
// without keeping the result.
func Verify(source string, opts ...Option) []Diagnostic {
	_, diags := build("verify", source, opts)
	return diags
}

func errorsOnly(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

type builder struct {
	opts  Options
	diags []Diagnostic
}

func (b *builder) errorf(line int, rule, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{Severity: SeverityError, Line: line, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

func (b *builder) warnf(line int, rule, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{Severity: SeverityWarning, Line: line, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

func build(name, source string, opts []Option) (*KnowledgeBase, []Diagnostic) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := &builder{opts: o}

	file, err := dsl.Parse(source)
	if err != nil {
		var list *dsl.ErrorList
		if errors.As(err, &list) {
			for _, e := range list.Errors {
				b.errorf(e.Line, "", "%s", e.Message)
			}
		} else {
			b.errorf(0, "", "%v", err)
		}
		return nil, b.diags
	}

	ft := b.factType(file)
	if ft == nil {
		return nil, b.diags
	}
	globals := b.globals(file, ft)
	env := b.env(file, ft, globals)
	if env == nil {
		return nil, b.diags
	}

	rules := make([]*compiledRule, 0, len(file.Rules))
	for _, r := range file.Rules {
		if cr := b.rule(env, ft, r); cr != nil {
			rules = append(rules, cr)
		}
	}
	if len(file.Rules) == 0 {
		b.warnf(0, "", "source declares no rules")
	}
	if len(errorsOnly(b.diags)) > 0 {
		return nil, b.diags
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].salience > rules[j].salience })

	return &KnowledgeBase{
		name:        name,
		fingerprint: Fingerprint(source, ft.Name, ft.Fields),
		factType:    ft,
		globals:     globals,
		rules:       rules,
	}, b.diags
}

// Fingerprint hashes rule source together with the fact schema it was
// compiled against.
func Fingerprint(source, factType string, fields schema.Schema) uint64 {
	var sb strings.Builder
	sb.WriteString(source)
	sb.WriteString("\x00")
	sb.WriteString(factType)
	for _, f := range fields.Ordered() {
		fmt.Fprintf(&sb, "\x00%s:%s:%s:%s", f.Name, f.Type, f.Category, strings.Join(f.EnumValues, ","))
	}
	return xxhash.Sum64String(sb.String())
}

func (b *builder) factType(file *dsl.File) *FactType {
	var ft *FactType
	switch len(file.Declarations) {
	case 0:
		if b.opts.FallbackFactType == "" || len(b.opts.FallbackFields) == 0 {
			b.errorf(0, "", "no fact type declared")
			return nil
		}
		if err := b.opts.FallbackFields.Validate(); err != nil {
			b.errorf(0, "", "fact type %s: %v", b.opts.FallbackFactType, err)
			return nil
		}
		ft = newFactType(b.opts.FallbackFactType, b.opts.FallbackFields)
	case 1:
		decl := file.Declarations[0]
		ft = newFactType(decl.Name, decl.Fields)
	default:
		b.errorf(file.Declarations[1].Line, "", "only one fact type may be declared, found %d", len(file.Declarations))
		return nil
	}

	for _, imp := range file.Imports {
		switch {
		case strings.HasPrefix(imp.Path, ModelPrefix):
			if strings.TrimPrefix(imp.Path, ModelPrefix) != ft.Name {
				b.warnf(imp.Line, "", "unused import %s", imp.Path)
			}
		case strings.HasPrefix(imp.Path, MathPrefix), strings.HasPrefix(imp.Path, UtilPrefix):
			if _, ok := libraries[imp.Path]; !ok {
				b.errorf(imp.Line, "", "unresolved import %s", imp.Path)
			}
		default:
			b.errorf(imp.Line, "", "unresolved import %s", imp.Path)
		}
	}
	for _, r := range file.Rules {
		if r.FactType != "" && r.FactType != ft.Name {
			b.errorf(r.Line, r.Name, "unknown fact type %s", r.FactType)
		}
	}
	return ft
}

func (b *builder) globals(file *dsl.File, ft *FactType) map[string]schema.FieldType {
	out := make(map[string]schema.FieldType, len(file.Globals))
	for _, g := range file.Globals {
		if _, clash := ft.Field(g.Name); clash {
			b.errorf(g.Line, "", "global %s shadows a field of %s", g.Name, ft.Name)
			continue
		}
		if _, dup := out[g.Name]; dup {
			b.errorf(g.Line, "", "global %s declared twice", g.Name)
			continue
		}
		out[g.Name] = g.Type
	}
	return out
}

// libraries maps importable helper packages to the CEL extensions they enable.
var libraries = map[string]func() cel.EnvOption{
	MathPrefix + "Decimal": nil,
	MathPrefix + "Math":    func() cel.EnvOption { return ext.Math() },
	UtilPrefix + "Strings": func() cel.EnvOption { return ext.Strings() },
	UtilPrefix + "Lists":   func() cel.EnvOption { return ext.Lists() },
}

func (b *builder) env(file *dsl.File, ft *FactType, globals map[string]schema.FieldType) *cel.Env {
	opts := []cel.EnvOption{DecimalLib()}
	for _, f := range ft.Fields {
		opts = append(opts, cel.Variable(f.Name, cel.DynType))
		if f.Type == schema.TypeEnum {
			for _, v := range f.EnumValues {
				opts = append(opts, cel.Constant(f.EnumTypeName()+"."+v, cel.StringType, types.String(v)))
			}
		}
	}
	names := make([]string, 0, len(globals))
	for n := range globals {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		opts = append(opts, cel.Variable(n, cel.DynType))
	}
	loaded := map[string]bool{}
	for _, imp := range file.Imports {
		lib := libraries[imp.Path]
		if lib == nil || loaded[imp.Path] {
			continue
		}
		loaded[imp.Path] = true
		opts = append(opts, lib())
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		b.errorf(0, "", "build environment: %v", err)
		return nil
	}
	return env
}

func (b *builder) rule(env *cel.Env, ft *FactType, r dsl.Rule) *compiledRule {
	cr := &compiledRule{name: r.Name, salience: r.Salience, noLoop: r.NoLoop}
	for _, c := range r.Conditions {
		if e := b.expr(env, r, c, true); e != nil {
			cr.conditions = append(cr.conditions, e)
		}
	}
	for _, c := range r.Evals {
		if e := b.expr(env, r, c, true); e != nil {
			cr.conditions = append(cr.conditions, e)
		}
	}
	for _, a := range r.Actions {
		ca := compiledAction{kind: a.Kind, line: a.Line}
		if a.Kind == dsl.ActionSet || a.Kind == dsl.ActionAppend {
			fd, ok := ft.Field(a.Field)
			switch {
			case !ok:
				b.errorf(a.Line, r.Name, "%s has no field %s", ft.Name, a.Field)
				continue
			case !fd.IsResult():
				b.errorf(a.Line, r.Name, "field %s is an input field and cannot be assigned", a.Field)
				continue
			case a.Kind == dsl.ActionAppend && fd.Type != schema.TypeListString:
				b.errorf(a.Line, r.Name, "field %s has type %s; += requires %s", a.Field, fd.Type, schema.TypeListString)
				continue
			}
			ca.field = fd
			ca.value = b.expr(env, r, a.Value, false)
			if ca.value == nil {
				continue
			}
		}
		cr.actions = append(cr.actions, ca)
	}
	if len(r.Actions) == 0 {
		b.warnf(r.Line, r.Name, "rule has no actions")
	}
	return cr
}

func (b *builder) expr(env *cel.Env, r dsl.Rule, e dsl.Expr, boolean bool) *compiledExpr {
	text := dsl.StripBinding(e.Text, r.Binding)
	ast, iss := env.Compile(text)
	if iss != nil && iss.Err() != nil {
		for _, ce := range iss.Errors() {
			line := e.Line
			if ce.Location == nil {
				b.errorf(line, r.Name, "%s", ce.Message)
				continue
			}
			if l := ce.Location.Line(); l > 1 {
				line += l - 1
			}
			b.errorf(line, r.Name, "%s", ce.Message)
		}
		return nil
	}
	if boolean {
		k := ast.OutputType().Kind()
		if k != types.BoolKind && k != types.DynKind {
			b.errorf(e.Line, r.Name, "condition %s must be boolean, found %s", strconv.Quote(e.Text), ast.OutputType())
			return nil
		}
	}
	prog, err := env.Program(ast,
		cel.CostLimit(b.opts.CostLimit),
		cel.InterruptCheckFrequency(b.opts.InterruptCheckFrequency),
	)
	if err != nil {
		b.errorf(e.Line, r.Name, "program: %v", err)
		return nil
	}
	return &compiledExpr{text: text, line: e.Line, prog: prog}
}
