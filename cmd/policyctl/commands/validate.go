package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopolicy/internal/cli"
	"github.com/TimurManjosov/gopolicy/internal/policy"
	"github.com/TimurManjosov/gopolicy/internal/validation"
)

var validateFile string

// errInvalidRule makes the process exit non-zero after the report is printed.
var errInvalidRule = errors.New("rule is invalid")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate rule source without a server",
	Long: `Run the syntax, sandbox and compile checks on a rule file. A YAML file is
checked against its declared fields.

Examples:
  policyctl validate -f limit.prl
  policyctl validate -f limit.yaml --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormat()
		if err != nil {
			return err
		}
		data, err := readInputFile(cmd, validateFile)
		if err != nil {
			return fmt.Errorf("failed to read rule: %w", err)
		}
		r, err := loadRule(validateFile, data)
		if err != nil {
			return err
		}

		errs := validation.NewSourceValidator(nil).CheckRule(*r)
		report := policy.ValidationReport{Valid: len(errs) == 0, Errors: errs}
		if report.Errors == nil {
			report.Errors = []string{}
		}

		if !quiet {
			if err := cli.PrintValidation(cmd.OutOrStdout(), report, out); err != nil {
				return err
			}
		}
		if !report.Valid {
			return errInvalidRule
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "Rule file (source or YAML rule, - for stdin)")
	_ = validateCmd.MarkFlagRequired("file")
}
