package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopolicy/internal/cli"
	"github.com/TimurManjosov/gopolicy/internal/engine"
	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/validation"
)

var (
	evalFile    string
	evalInput   string
	evalTimeout time.Duration
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a rule file locally",
	Long: `Compile a rule file and evaluate it against a JSON input without a server.
Nothing is audited.

Examples:
  policyctl eval -f limit.yaml --input tx.json
  echo '{"customerTier":"GOLD"}' | policyctl eval -f limit.yaml --input -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormat()
		if err != nil {
			return err
		}
		ruleData, err := os.ReadFile(evalFile)
		if err != nil {
			return fmt.Errorf("failed to read rule: %w", err)
		}
		r, err := loadRule(evalFile, ruleData)
		if err != nil {
			return err
		}
		if err := validation.NewSourceValidator(nil).CheckRuleOrError(*r); err != nil {
			return err
		}

		var input map[string]any
		if evalInput != "" {
			data, err := readInputFile(cmd, evalInput)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			if input, err = decodeEvalInput(data); err != nil {
				return err
			}
		}

		exec := evaluation.NewExecutor(engine.NewCache(nil), nil, evaluation.Options{Timeout: evalTimeout})
		res, err := exec.Evaluate(context.Background(), r, input, false)
		if err != nil {
			return err
		}
		if quiet {
			return nil
		}
		return cli.PrintResult(cmd.OutOrStdout(), res, out)
	},
}

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().StringVarP(&evalFile, "file", "f", "", "Rule file (source or YAML rule)")
	evalCmd.Flags().StringVar(&evalInput, "input", "", "JSON input file (- for stdin)")
	evalCmd.Flags().DurationVar(&evalTimeout, "timeout", evaluation.DefaultTimeout, "Evaluation time bound")
	_ = evalCmd.MarkFlagRequired("file")
}
