package audit

import (
	"encoding/json"
	"time"
)

// EntryBuilder provides a fluent API for constructing audit entries.
//
// Usage:
//
//	entry, err := audit.NewEntryBuilder(policyType).
//		ForRule(rule.ID, rule.Name, rule.Version).
//		WithInput(input).
//		WithOutput(result).
//		Elapsed(elapsed).
//		Build()
//
//	service.Log(entry)
type EntryBuilder struct {
	entry    Entry
	input    map[string]any
	output   map[string]any
	redactor Redactor
}

// NewEntryBuilder starts an entry for one policy type.
func NewEntryBuilder(policyType string) *EntryBuilder {
	return &EntryBuilder{entry: Entry{PolicyType: policyType}}
}

// ForRule sets the rule that produced the result.
func (b *EntryBuilder) ForRule(id, name string, version int) *EntryBuilder {
	b.entry.RuleID = id
	b.entry.RuleName = name
	b.entry.RuleVersion = version
	return b
}

// WithInput sets the raw evaluation input.
func (b *EntryBuilder) WithInput(input map[string]any) *EntryBuilder {
	b.input = input
	return b
}

// WithOutput sets the extracted result fields.
func (b *EntryBuilder) WithOutput(output map[string]any) *EntryBuilder {
	b.output = output
	return b
}

// Elapsed sets the evaluation duration.
func (b *EntryBuilder) Elapsed(d time.Duration) *EntryBuilder {
	b.entry.ElapsedMillis = d.Milliseconds()
	return b
}

// At overrides the creation time. The service stamps entries that leave it zero.
func (b *EntryBuilder) At(t time.Time) *EntryBuilder {
	b.entry.CreatedAt = t
	return b
}

// RedactWith masks the input before it is encoded.
func (b *EntryBuilder) RedactWith(r Redactor) *EntryBuilder {
	b.redactor = r
	return b
}

// Build encodes input and output. Nil maps encode as {}.
func (b *EntryBuilder) Build() (Entry, error) {
	input := b.input
	if b.redactor != nil {
		input = b.redactor.Redact(input)
	}
	in, err := encodeObject(input)
	if err != nil {
		return Entry{}, err
	}
	out, err := encodeObject(b.output)
	if err != nil {
		return Entry{}, err
	}
	e := b.entry
	e.Input = in
	e.Output = out
	return e, nil
}

func encodeObject(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
