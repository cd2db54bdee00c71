package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/policy"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat checks a --format value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// PrintRules outputs rules in the specified format
func PrintRules(w io.Writer, list []rules.Rule, format OutputFormat) error {
	switch format {
	case FormatJSON:
		// Wrap in a "rules" key so the output can be fed back as a rule list
		return printJSON(w, map[string][]rules.Rule{"rules": list})
	case FormatYAML:
		return printYAML(w, map[string][]rules.Rule{"rules": list})
	case FormatTable:
		return printRuleTable(w, list)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintRule outputs a single rule in the specified format
func PrintRule(w io.Writer, r *rules.Rule, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, r)
	case FormatYAML:
		return printYAML(w, r)
	case FormatTable:
		return printRuleTable(w, []rules.Rule{*r})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintResult outputs an evaluation result. The table form lists the result
// fields in name order.
func PrintResult(w io.Writer, res *evaluation.Result, format OutputFormat) error {
	plain := *res
	plain.Result = plainValues(res.Result)
	switch format {
	case FormatJSON:
		return printJSON(w, plain)
	case FormatYAML:
		return printYAML(w, plain)
	case FormatTable:
		fmt.Fprintf(w, "%s rule %s v%d (%d ms)\n", res.PolicyType, res.RuleID, res.RuleVersion, res.ElapsedMillis)
		keys := make([]string, 0, len(plain.Result))
		for k := range plain.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		table := tablewriter.NewWriter(w)
		table.Header("Field", "Value")
		for _, k := range keys {
			v := plain.Result[k]
			if v == nil {
				v = "-"
			}
			if err := table.Append(k, fmt.Sprint(v)); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintSchema outputs the input and result fields of a rule.
func PrintSchema(w io.Writer, s *policy.PolicySchema, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, s)
	case FormatYAML:
		return printYAML(w, s)
	case FormatTable:
		fmt.Fprintf(w, "%s: %s (rule %s v%d)\n", s.PolicyType, s.FactType, s.RuleID, s.RuleVersion)
		table := tablewriter.NewWriter(w)
		table.Header("Direction", "Field", "Type", "Values")
		add := func(dir string, fields []policy.FieldInfo) error {
			for _, f := range fields {
				if err := table.Append(dir, f.Name, string(f.Type), strings.Join(f.EnumValues, ",")); err != nil {
					return err
				}
			}
			return nil
		}
		if err := add("input", s.InputFields); err != nil {
			return err
		}
		if err := add("result", s.ResultFields); err != nil {
			return err
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintValidation outputs a validation report.
func PrintValidation(w io.Writer, report policy.ValidationReport, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, report)
	case FormatYAML:
		return printYAML(w, report)
	case FormatTable:
		if report.Valid {
			_, err := fmt.Fprintln(w, "valid")
			return err
		}
		fmt.Fprintf(w, "invalid: %d error(s)\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func printRuleTable(w io.Writer, list []rules.Rule) error {
	table := tablewriter.NewWriter(w)

	table.Header("ID", "Name", "Policy Type", "Active", "Version", "Updated At")

	for _, r := range list {
		name := r.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}

		if err := table.Append(
			r.ID,
			name,
			string(r.PolicyType),
			fmt.Sprintf("%t", r.Active),
			fmt.Sprintf("%d", r.Version),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		); err != nil {
			return err
		}
	}

	return table.Render()
}

// plainValues renders decimals and other Stringers as text so every format
// shows the exact value.
func plainValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if d, ok := v.(decimal.Decimal); ok {
			out[k] = schema.FormatDecimal(d)
			continue
		}
		if s, ok := v.(fmt.Stringer); ok {
			out[k] = s.String()
			continue
		}
		out[k] = v
	}
	return out
}
