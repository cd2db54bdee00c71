package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopolicy/internal/cli"
)

var evaluateInput string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <policyType>",
	Short: "Evaluate a policy on the server",
	Long: `Evaluate the active rule of a policy type on the server. The evaluation is
audited.

Examples:
  policyctl evaluate TRANSACTION_LIMIT --input tx.json
  policyctl evaluate risk-flag --input - < transfer.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormat()
		if err != nil {
			return err
		}
		var input map[string]any
		if evaluateInput != "" {
			data, err := readInputFile(cmd, evaluateInput)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			if input, err = decodeEvalInput(data); err != nil {
				return err
			}
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Evaluate(context.Background(), args[0], input)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
		if quiet {
			return nil
		}
		return cli.PrintResult(cmd.OutOrStdout(), res, out)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema <policyType>",
	Short: "Show the fields of a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormat()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.Schema(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get schema: %w", err)
		}
		if quiet {
			return nil
		}
		return cli.PrintSchema(cmd.OutOrStdout(), s, out)
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd, schemaCmd)

	evaluateCmd.Flags().StringVar(&evaluateInput, "input", "", "JSON input file (- for stdin)")
}
