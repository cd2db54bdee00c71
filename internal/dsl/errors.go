package dsl

import (
	"fmt"
	"strings"
)

// Error is a syntax error at a source line.
type Error struct {
	Line    int
	Message string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// ErrorList accumulates every syntax error found in one parse.
type ErrorList struct {
	Errors []*Error
}

func (el *ErrorList) add(line int, format string, args ...any) {
	el.Errors = append(el.Errors, &Error{Line: line, Message: fmt.Sprintf(format, args...)})
}

// Messages returns each error as a single line.
func (el *ErrorList) Messages() []string {
	out := make([]string, 0, len(el.Errors))
	for _, e := range el.Errors {
		out = append(out, e.Error())
	}
	return out
}

func (el *ErrorList) Error() string {
	return fmt.Sprintf("found %d syntax error(s): %s", len(el.Errors), strings.Join(el.Messages(), "; "))
}

// ToError returns nil if the list is empty.
func (el *ErrorList) ToError() error {
	if len(el.Errors) == 0 {
		return nil
	}
	return el
}
