package rules

import (
	"fmt"
	"strings"

	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// Namespaces used by generated source. The model and math namespaces are on
// the sandbox import allow-list.
const (
	SourcePackage   = "policy.rules"
	ModelNamespace  = "policy.model"
	DecimalImport   = "policy.math.Decimal"
	factBindingName = "$fact"
)

// Generate renders a Definition as rule source: one declared fact type and one
// rule whose single pattern ANDs every condition and whose consequence runs
// every action in order.
//
// Output is a pure function of d. Nothing iterates a map and nothing reads the
// clock, so regenerating an unchanged definition yields byte-identical text.
func Generate(d Definition) (string, error) {
	if err := ValidateDefinition(d); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "package %s;\n\n", SourcePackage)
	fmt.Fprintf(&b, "import %s.%s;\n", ModelNamespace, d.FactType)
	fmt.Fprintf(&b, "import %s;\n", DecimalImport)

	if len(d.Parameters) > 0 {
		b.WriteString("\n")
		for _, p := range d.Parameters {
			fmt.Fprintf(&b, "global %s %s;\n", p.Type, p.Key)
		}
	}

	b.WriteString("\n")
	writeDeclare(&b, d.FactType, d.Fields)

	b.WriteString("\n")
	fmt.Fprintf(&b, "rule %s\n", schema.QuoteString(d.Name))
	if d.Salience != 0 {
		fmt.Fprintf(&b, "    salience %d\n", d.Salience)
	}
	b.WriteString("    when\n")
	fmt.Fprintf(&b, "        %s : %s( %s )\n", factBindingName, d.FactType, joinConditions(d))
	b.WriteString("    then\n")
	for _, a := range d.Actions {
		fmt.Fprintf(&b, "        %s;\n", formatAction(a, d.Fields))
	}
	b.WriteString("end\n")

	return b.String(), nil
}

// writeDeclare emits the fact type declaration in display order.
func writeDeclare(b *strings.Builder, factType string, fields schema.Schema) {
	fmt.Fprintf(b, "declare %s\n", factType)
	for _, f := range fields.Ordered() {
		b.WriteString("    ")
		b.WriteString(f.Name)
		b.WriteString(" : ")
		b.WriteString(string(f.Type))
		if f.Type == schema.TypeEnum && len(f.EnumValues) > 0 {
			b.WriteString("(")
			b.WriteString(strings.Join(f.EnumValues, ", "))
			b.WriteString(")")
		}
		if f.IsResult() {
			b.WriteString(" @result")
		}
		b.WriteString("\n")
	}
	b.WriteString("end\n")
}

func joinConditions(d Definition) string {
	parts := make([]string, 0, len(d.Conditions))
	for _, c := range d.Conditions {
		f, _ := d.Fields.Lookup(c.Field)
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Operator, formatValue(f, c.Value, c.ValueType)))
	}
	return strings.Join(parts, ", ")
}

func formatAction(a Action, fields schema.Schema) string {
	f, _ := fields.Lookup(a.Field)
	value := formatValue(f, a.Value, a.ValueType)
	if f.Type == schema.TypeListString {
		return fmt.Sprintf("%s.%s += %s", factBindingName, a.Field, value)
	}
	return fmt.Sprintf("%s.%s = %s", factBindingName, a.Field, value)
}

// formatValue renders a literal through the type registry. Expressions are
// emitted verbatim.
func formatValue(f schema.FieldDefinition, v *string, vt ValueType) string {
	if v == nil {
		return "null"
	}
	if vt == ValueExpression {
		return strings.TrimSpace(*v)
	}
	return schema.FormatLiteral(effectiveField(f, vt), *v)
}

// effectiveField applies an explicit value type to f. A value type naming no
// field type is written as an escaped string.
func effectiveField(f schema.FieldDefinition, vt ValueType) schema.FieldDefinition {
	if vt == "" {
		return f
	}
	t, err := schema.ParseFieldType(string(vt))
	if err != nil {
		t = schema.TypeString
	}
	f.Type = t
	return f
}
