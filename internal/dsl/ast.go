// Package dsl parses rule source text into an AST.
//
// The outer structure of a rule file is line oriented (package, import, global,
// declare ... end, rule ... end). Conditions and action values are CEL
// expressions; this package only isolates their text. Type checking and
// compilation happen in the engine package.
package dsl

import "github.com/TimurManjosov/gopolicy/internal/schema"

// File is a parsed rule source file.
type File struct {
	Package      string
	Imports      []Import
	Globals      []Global
	Declarations []TypeDecl
	Rules        []Rule
}

// Import is one import statement.
type Import struct {
	Path   string
	Static bool
	Line   int
}

// Global declares an external parameter.
type Global struct {
	Name string
	Type schema.FieldType
	Line int
}

// TypeDecl declares a fact type and its fields.
type TypeDecl struct {
	Name   string
	Fields schema.Schema
	Line   int
}

// Rule is a single rule block.
type Rule struct {
	Name     string
	Salience int
	NoLoop   bool
	Line     int

	// Binding is the pattern variable, including the leading '$'. It may be
	// empty when the pattern is written without one.
	Binding    string
	FactType   string
	Conditions []Expr
	Evals      []Expr
	Actions    []Action
}

// Expr is the raw text of a CEL expression and the line it starts on.
type Expr struct {
	Text string
	Line int
}

// ActionKind enumerates consequence statements.
type ActionKind int

const (
	// ActionSet assigns a field: $f.x = expr
	ActionSet ActionKind = iota
	// ActionAppend appends to a list field: $f.x += expr
	ActionAppend
	// ActionUpdate notifies the engine that the fact changed.
	ActionUpdate
	// ActionHalt stops the inference loop.
	ActionHalt
)

func (k ActionKind) String() string {
	switch k {
	case ActionSet:
		return "set"
	case ActionAppend:
		return "append"
	case ActionUpdate:
		return "update"
	case ActionHalt:
		return "halt"
	}
	return "unknown"
}

// Action is one statement of a rule consequence.
type Action struct {
	Kind  ActionKind
	Field string
	Value Expr
	Line  int
}
