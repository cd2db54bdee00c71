package validation

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/engine"
	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// AllowedImportPrefixes are the namespaces rule source may import from.
var AllowedImportPrefixes = []string{
	engine.ModelPrefix,
	engine.MathPrefix,
	engine.UtilPrefix,
}

// BlockedPatterns are rejected wherever they appear in rule source, comments
// included.
var BlockedPatterns = []string{
	// process control
	"os.Exit",
	"os/exec",
	"exec.Command",
	"syscall.",
	// reflection
	"reflect.",
	"unsafe.",
	// file and network I/O
	"os.Open",
	"os.Create",
	"os.ReadFile",
	"os.WriteFile",
	"ioutil.",
	"net.",
	"net/http",
	"http.",
	// dynamic scripting
	"plugin.",
	"eval.Eval",
	// thread suspension
	"time.Sleep",
	"runtime.Gosched",
	// dynamic type resolution
	"plugin.Open",
	"runtime.FuncForPC",
	"reflect.TypeOf",
}

var importPattern = regexp.MustCompile(`import\s+(static\s+)?([\w.]+)`)

// Sandbox runs the static checks: one message per blocked pattern found and
// per import outside the allowed namespaces.
func Sandbox(source string) []string {
	var errs []string
	for _, p := range BlockedPatterns {
		if containsToken(source, p) {
			errs = append(errs, "Blocked pattern detected: "+p+" is not allowed in rule source")
		}
	}
	for _, m := range importPattern.FindAllStringSubmatch(source, -1) {
		path := m[2]
		if !allowedImport(path) {
			errs = append(errs, "Import not allowed: "+path+
				". Only imports from policy.model.*, policy.math.*, policy.util.* are permitted")
		}
	}
	return errs
}

func allowedImport(path string) bool {
	for _, prefix := range AllowedImportPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// containsToken reports whether tok occurs in s starting at an identifier
// boundary, so "planet.x" does not match "net.".
func containsToken(s, tok string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], tok)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !identChar(s[at-1]) {
			return true
		}
		i = at + 1
	}
}

func identChar(c byte) bool {
	return c == '_' || c == '.' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// SourceValidator is the two-phase gate in front of the compiler.
type SourceValidator struct {
	logger *zap.Logger
	opts   []engine.Option
}

// NewSourceValidator returns a validator. opts are passed to the verifier.
func NewSourceValidator(logger *zap.Logger, opts ...engine.Option) *SourceValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceValidator{logger: logger.Named("validation"), opts: opts}
}

// Validate returns every problem with source in order. An empty result means
// the source may be compiled. The verifier only runs once the sandbox passes.
func (v *SourceValidator) Validate(source string) []string {
	return v.validate(source, v.opts)
}

// ValidateWithSchema is Validate for sources that rely on a stored field
// schema instead of declaring their fact type.
func (v *SourceValidator) ValidateWithSchema(source, factType string, fields schema.Schema) []string {
	opts := append(append([]engine.Option{}, v.opts...), engine.WithFactSchema(factType, fields))
	return v.validate(source, opts)
}

// CheckRule validates a stored rule's source against its own field list, or
// against its declare block when it has none.
func (v *SourceValidator) CheckRule(r rules.Rule) []string {
	if len(r.Fields) > 0 {
		return v.ValidateWithSchema(r.Source, r.FactType, r.Fields)
	}
	return v.Validate(r.Source)
}

func (v *SourceValidator) validate(source string, opts []engine.Option) []string {
	if errs := Sandbox(source); len(errs) > 0 {
		return errs
	}
	var errs []string
	for _, d := range engine.Verify(source, opts...) {
		if d.Severity != engine.SeverityError {
			v.logger.Debug("rule source warning", zap.String("diagnostic", d.String()))
			continue
		}
		errs = append(errs, d.String())
	}
	return errs
}

// ValidateOrError folds the result of Validate into a domain error: a
// validation error for sandbox violations, a compilation error for verifier
// findings.
func (v *SourceValidator) ValidateOrError(source string) error {
	if errs := Sandbox(source); len(errs) > 0 {
		return evaluation.NewValidationError("rule source rejected", errs)
	}
	if errs := v.validate(source, v.opts); len(errs) > 0 {
		return evaluation.NewCompilationError("rule source does not compile", errs)
	}
	return nil
}

// CheckRuleOrError is ValidateOrError for a stored rule; see CheckRule.
func (v *SourceValidator) CheckRuleOrError(r rules.Rule) error {
	if errs := Sandbox(r.Source); len(errs) > 0 {
		return evaluation.NewValidationError("rule source rejected", errs)
	}
	if errs := v.CheckRule(r); len(errs) > 0 {
		return evaluation.NewCompilationError("rule source does not compile", errs)
	}
	return nil
}

var defaultValidator = NewSourceValidator(nil)

// Validate runs both phases with default options.
func Validate(source string) []string { return defaultValidator.Validate(source) }
