package dsl

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

var (
	packageRe  = regexp.MustCompile(`^package\s+([\w.]+)\s*;?$`)
	importRe   = regexp.MustCompile(`^import\s+(static\s+)?([\w.*]+)\s*;?$`)
	globalRe   = regexp.MustCompile(`^global\s+(\w+)\s+(\w+)\s*;?$`)
	declareRe  = regexp.MustCompile(`^declare\s+(\w+)$`)
	fieldRe    = regexp.MustCompile(`^(\w+)\s*:\s*(\w+)\s*(?:\(([^)]*)\))?\s*(@\w+)?$`)
	ruleRe     = regexp.MustCompile(`^rule\s+("(?:[^"\\]|\\.)*")$`)
	salienceRe = regexp.MustCompile(`^salience\s+(-?\d+)$`)
	noLoopRe   = regexp.MustCompile(`^no-loop(\s+true)?$`)
	assignRe   = regexp.MustCompile(`(?s)^(\$\w+)\.(\w+)\s*(\+=|=)(.*)$`)
	updateRe   = regexp.MustCompile(`^(?:update|modify)\s*\(\s*(\$\w+)\s*\)$`)
	haltRe     = regexp.MustCompile(`^halt\s*\(\s*\)$`)
	bindingRe  = regexp.MustCompile(`^\$\w+$`)
	identRe    = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// DeclaredSchema returns the fact type and fields of the single declare block
// in src. ok is false when src does not parse or declares no type, or more
// than one.
func DeclaredSchema(src string) (factType string, fields schema.Schema, ok bool) {
	f, err := Parse(src)
	if err != nil || len(f.Declarations) != 1 {
		return "", nil, false
	}
	return f.Declarations[0].Name, f.Declarations[0].Fields, true
}

// Parse parses rule source. On failure the returned error is an *ErrorList
// holding every syntax error found.
func Parse(src string) (*File, error) {
	p := &parser{
		lines: strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n"),
		file:  &File{},
	}
	p.parse()
	if err := p.errs.ToError(); err != nil {
		return nil, err
	}
	return p.file, nil
}

type parser struct {
	lines      []string
	pos        int
	file       *File
	errs       ErrorList
	statements int
}

// next returns the next line with comments stripped and whitespace trimmed,
// along with its 1-based line number.
func (p *parser) next() (string, int) {
	line := p.lines[p.pos]
	p.pos++
	return strings.TrimSpace(stripComment(line)), p.pos
}

func (p *parser) eof() bool { return p.pos >= len(p.lines) }

func (p *parser) parse() {
	for !p.eof() {
		line, n := p.next()
		if line == "" {
			continue
		}
		switch {
		case packageRe.MatchString(line):
			if p.statements > 0 {
				p.errs.add(n, "package declaration must be the first statement")
			}
			p.file.Package = packageRe.FindStringSubmatch(line)[1]
		case importRe.MatchString(line):
			m := importRe.FindStringSubmatch(line)
			p.file.Imports = append(p.file.Imports, Import{Path: m[2], Static: m[1] != "", Line: n})
		case globalRe.MatchString(line):
			p.parseGlobal(line, n)
		case declareRe.MatchString(line):
			p.parseDeclare(declareRe.FindStringSubmatch(line)[1], n)
		case strings.HasPrefix(line, "rule ") || line == "rule":
			m := ruleRe.FindStringSubmatch(line)
			if m == nil {
				p.errs.add(n, "malformed rule header %q: expected rule \"<name>\"", line)
				p.skipBlock()
				break
			}
			name, err := strconv.Unquote(m[1])
			if err != nil {
				p.errs.add(n, "invalid rule name %s: %v", m[1], err)
				name = m[1]
			}
			p.parseRule(name, n)
		default:
			p.errs.add(n, "unexpected statement %q", line)
		}
		p.statements++
	}

	seen := make(map[string]int, len(p.file.Rules))
	for _, r := range p.file.Rules {
		if first, dup := seen[r.Name]; dup {
			p.errs.add(r.Line, "duplicate rule name %q (first declared on line %d)", r.Name, first)
			continue
		}
		seen[r.Name] = r.Line
	}
}

func (p *parser) parseGlobal(line string, n int) {
	m := globalRe.FindStringSubmatch(line)
	t, err := schema.ParseFieldType(m[1])
	if err != nil {
		p.errs.add(n, "global %s: %v", m[2], err)
		return
	}
	switch t {
	case schema.TypeDecimal, schema.TypeInteger, schema.TypeString, schema.TypeBoolean:
	default:
		p.errs.add(n, "global %s: type %s cannot be used for a global", m[2], t)
		return
	}
	for _, g := range p.file.Globals {
		if g.Name == m[2] {
			p.errs.add(n, "global %s declared twice", m[2])
			return
		}
	}
	p.file.Globals = append(p.file.Globals, Global{Name: m[2], Type: t, Line: n})
}

func (p *parser) parseDeclare(name string, start int) {
	decl := TypeDecl{Name: name, Line: start}
	closed := false
	for !p.eof() {
		line, n := p.next()
		if line == "" {
			continue
		}
		if line == "end" {
			closed = true
			break
		}
		m := fieldRe.FindStringSubmatch(line)
		if m == nil {
			p.errs.add(n, "declare %s: malformed field %q", name, line)
			continue
		}
		t, err := schema.ParseFieldType(m[2])
		if err != nil {
			p.errs.add(n, "declare %s: field %s: %v", name, m[1], err)
			continue
		}
		f := schema.FieldDefinition{
			Name:     m[1],
			Type:     t,
			Category: schema.CategoryInput,
			Order:    len(decl.Fields) + 1,
		}
		if m[3] != "" {
			if t != schema.TypeEnum {
				p.errs.add(n, "declare %s: field %s: only ENUM fields take values", name, m[1])
				continue
			}
			f.EnumValues = schema.ParseEnumValues(m[3])
		}
		switch m[4] {
		case "", "@input":
		case "@result":
			f.Category = schema.CategoryResult
		default:
			p.errs.add(n, "declare %s: field %s: unknown annotation %s", name, m[1], m[4])
			continue
		}
		decl.Fields = append(decl.Fields, f)
	}
	if !closed {
		p.errs.add(start, "declare %s: missing end", name)
		return
	}
	if err := decl.Fields.Validate(); err != nil {
		p.errs.add(start, "declare %s: %v", name, err)
		return
	}
	p.file.Declarations = append(p.file.Declarations, decl)
}

// skipBlock advances past the next "end" line after a malformed header so one
// mistake does not cascade into errors for every line of the block.
func (p *parser) skipBlock() {
	for !p.eof() {
		if line, _ := p.next(); line == "end" {
			return
		}
	}
}

type section struct {
	text   string
	starts []int // byte offset of each line in text
	lines  []int // source line number of each line
}

func (s *section) append(line string, n int) {
	if len(s.starts) > 0 {
		s.text += "\n"
	}
	s.starts = append(s.starts, len(s.text))
	s.lines = append(s.lines, n)
	s.text += line
}

func (s *section) lineAt(offset int) int {
	if len(s.starts) == 0 {
		return 0
	}
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	return s.lines[i]
}

func (p *parser) parseRule(name string, start int) {
	r := Rule{Name: name, Line: start}

	// Attributes until "when".
	inWhen := false
	for !p.eof() && !inWhen {
		line, n := p.next()
		switch {
		case line == "":
		case line == "when":
			inWhen = true
		case salienceRe.MatchString(line):
			v, err := strconv.Atoi(salienceRe.FindStringSubmatch(line)[1])
			if err != nil {
				p.errs.add(n, "rule %q: invalid salience: %v", name, err)
			}
			r.Salience = v
		case noLoopRe.MatchString(line):
			r.NoLoop = true
		case line == "then" || line == "end":
			p.errs.add(n, "rule %q: missing when section", name)
			if line == "then" {
				p.skipBlock()
			}
			return
		default:
			p.errs.add(n, "rule %q: unknown attribute %q", name, line)
		}
	}
	if !inWhen {
		p.errs.add(start, "rule %q: missing when section", name)
		return
	}

	var when, then section
	inThen, closed := false, false
	for !p.eof() && !closed {
		line, n := p.next()
		switch {
		case !inThen && line == "then":
			inThen = true
		case inThen && line == "end":
			closed = true
		case line == "":
		case inThen:
			then.append(line, n)
		default:
			when.append(line, n)
		}
	}
	if !inThen {
		p.errs.add(start, "rule %q: missing then section", name)
		return
	}
	if !closed {
		p.errs.add(start, "rule %q: missing end", name)
		return
	}

	before := len(p.errs.Errors)
	p.parseWhen(&r, &when)
	p.parseThen(&r, &then)
	if len(p.errs.Errors) == before {
		p.file.Rules = append(p.file.Rules, r)
	}
}

func (p *parser) parseWhen(r *Rule, s *section) {
	text := s.text
	i := skipSpace(text, 0)
	if i >= len(text) {
		p.errs.add(r.Line, "rule %q: when section has no pattern", r.Name)
		return
	}

	if text[i] == '$' {
		j := scanIdent(text, i+1)
		r.Binding = text[i:j]
		if !bindingRe.MatchString(r.Binding) {
			p.errs.add(s.lineAt(i), "rule %q: invalid pattern binding %q", r.Name, r.Binding)
			return
		}
		i = skipSpace(text, j)
		if i >= len(text) || text[i] != ':' {
			p.errs.add(s.lineAt(i), "rule %q: expected ':' after %s", r.Name, r.Binding)
			return
		}
		i = skipSpace(text, i+1)
	}

	j := scanIdent(text, i)
	r.FactType = text[i:j]
	if !identRe.MatchString(r.FactType) {
		p.errs.add(s.lineAt(i), "rule %q: expected fact type in pattern", r.Name)
		return
	}
	i = skipSpace(text, j)
	inner, end, ok := enclosed(text, i)
	if !ok {
		p.errs.add(s.lineAt(i), "rule %q: pattern %s is missing a balanced '( ... )'", r.Name, r.FactType)
		return
	}
	for _, seg := range splitTopLevel(inner, ',') {
		cond := strings.TrimSpace(seg.text)
		if cond == "" {
			if strings.TrimSpace(inner) != "" {
				p.errs.add(s.lineAt(i+1+seg.offset), "rule %q: empty condition in pattern", r.Name)
			}
			continue
		}
		lead := len(seg.text) - len(strings.TrimLeft(seg.text, " \t\n"))
		r.Conditions = append(r.Conditions, Expr{Text: cond, Line: s.lineAt(i + 1 + seg.offset + lead)})
	}

	for i = skipSpace(text, end); i < len(text); i = skipSpace(text, end) {
		if !strings.HasPrefix(text[i:], "eval") {
			p.errs.add(s.lineAt(i), "rule %q: unexpected text after pattern: %q", r.Name, firstLine(text[i:]))
			return
		}
		k := skipSpace(text, i+len("eval"))
		var body string
		body, end, ok = enclosed(text, k)
		if !ok {
			p.errs.add(s.lineAt(i), "rule %q: eval is missing a balanced '( ... )'", r.Name)
			return
		}
		if strings.TrimSpace(body) == "" {
			p.errs.add(s.lineAt(i), "rule %q: empty eval", r.Name)
			return
		}
		r.Evals = append(r.Evals, Expr{Text: strings.TrimSpace(body), Line: s.lineAt(i)})
	}
}

func (p *parser) parseThen(r *Rule, s *section) {
	for _, seg := range splitTopLevel(s.text, ';') {
		stmt := strings.TrimSpace(seg.text)
		if stmt == "" {
			continue
		}
		lead := len(seg.text) - len(strings.TrimLeft(seg.text, " \t\n"))
		line := s.lineAt(seg.offset + lead)

		switch {
		case haltRe.MatchString(stmt):
			r.Actions = append(r.Actions, Action{Kind: ActionHalt, Line: line})
		case updateRe.MatchString(stmt):
			b := updateRe.FindStringSubmatch(stmt)[1]
			if !p.checkBinding(r, b, line) {
				continue
			}
			r.Actions = append(r.Actions, Action{Kind: ActionUpdate, Line: line})
		case assignRe.MatchString(stmt):
			m := assignRe.FindStringSubmatch(stmt)
			if !p.checkBinding(r, m[1], line) {
				continue
			}
			value := strings.TrimSpace(m[4])
			if value == "" || strings.HasPrefix(value, "=") {
				p.errs.add(line, "rule %q: malformed assignment %q", r.Name, firstLine(stmt))
				continue
			}
			kind := ActionSet
			if m[3] == "+=" {
				kind = ActionAppend
			}
			r.Actions = append(r.Actions, Action{Kind: kind, Field: m[2], Value: Expr{Text: value, Line: line}, Line: line})
		default:
			p.errs.add(line, "rule %q: unsupported statement %q", r.Name, firstLine(stmt))
		}
	}
}

func (p *parser) checkBinding(r *Rule, b string, line int) bool {
	if r.Binding == "" || b != r.Binding {
		p.errs.add(line, "rule %q: unknown variable %s", r.Name, b)
		return false
	}
	return true
}

// StripBinding removes "<binding>." prefixes outside string literals, so that
// "$fact.amount > 0" becomes "amount > 0".
func StripBinding(text, binding string) string {
	if binding == "" {
		return text
	}
	prefix := binding + "."
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		if c == '"' || c == '\'' {
			j := skipString(text, i)
			b.WriteString(text[i:j])
			i = j
			continue
		}
		if strings.HasPrefix(text[i:], prefix) {
			i += len(prefix)
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

type segment struct {
	text   string
	offset int
}

// splitTopLevel splits s on sep where sep is outside brackets and string literals.
func splitTopLevel(s string, sep byte) []segment {
	var out []segment
	depth, start := 0, 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			i = skipString(s, i)
			continue
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			out = append(out, segment{text: s[start:i], offset: start})
			start = i + 1
		}
		i++
	}
	return append(out, segment{text: s[start:], offset: start})
}

// enclosed returns the text between the '(' at s[i] and its matching ')', and
// the offset just past the ')'.
func enclosed(s string, i int) (string, int, bool) {
	if i >= len(s) || s[i] != '(' {
		return "", i, false
	}
	depth := 0
	for j := i; j < len(s); {
		switch s[j] {
		case '"', '\'':
			j = skipString(s, j)
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[i+1 : j], j + 1, true
			}
		}
		j++
	}
	return "", len(s), false
}

// skipString returns the offset just past the string literal starting at s[i].
func skipString(s string, i int) int {
	quote := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(s)
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n') {
		i++
	}
	return i
}

func scanIdent(s string, i int) int {
	for i < len(s) {
		c := s[i]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			i++
			continue
		}
		break
	}
	return i
}

// stripComment drops a trailing "//" comment that is not inside a string.
func stripComment(line string) string {
	for i := 0; i < len(line); {
		switch line[i] {
		case '"', '\'':
			i = skipString(line, i)
			continue
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
		i++
	}
	return line
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
