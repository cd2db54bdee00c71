package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopolicy/internal/cli"
	"github.com/TimurManjosov/gopolicy/internal/client"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

var (
	listPolicyType string
	listActiveOnly bool
	listPage       int
	listSize       int

	toggleOn  bool
	toggleOff bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage rules on a policy server",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	Long: `List one page of rules, most recently updated first.

Examples:
  policyctl rules list
  policyctl rules list --policy-type RISK_FLAG --active-only --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := outputFormat()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		opts := client.ListOptions{PolicyType: rules.PolicyType(listPolicyType), Page: listPage, Size: listSize}
		if listActiveOnly {
			active := true
			opts.Active = &active
		}
		page, err := c.ListRules(context.Background(), opts)
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}

		if quiet {
			return nil
		}
		if len(page.Content) == 0 && out == cli.FormatTable {
			fmt.Fprintln(cmd.OutOrStdout(), "No rules found")
			return nil
		}
		if err := cli.PrintRules(cmd.OutOrStdout(), page.Content, out); err != nil {
			return err
		}
		if out == cli.FormatTable && page.TotalPages > 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d (%d rules)\n", page.Number+1, page.TotalPages, page.TotalElements)
		}
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a rule",
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
		r, err := c.GetRule(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get rule: %w", err)
		}
		if quiet {
			return nil
		}
		return cli.PrintRule(cmd.OutOrStdout(), r, out)
	},
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Activate or deactivate a rule",
	Long: `Flip a rule's active flag, or set it with --on or --off. Needs the admin key.

Examples:
  policyctl rules toggle 6f1c...
  policyctl rules toggle 6f1c... --off`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if toggleOn && toggleOff {
			return fmt.Errorf("--on and --off are mutually exclusive")
		}
		out, err := outputFormat()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		var active *bool
		if toggleOn || toggleOff {
			active = &toggleOn
		}
		r, err := c.ToggleRule(context.Background(), args[0], active)
		if err != nil {
			return fmt.Errorf("failed to toggle rule: %w", err)
		}
		if quiet {
			return nil
		}
		return cli.PrintRule(cmd.OutOrStdout(), r, out)
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesToggleCmd)

	rulesListCmd.Flags().StringVar(&listPolicyType, "policy-type", "", "Only rules of this policy type")
	rulesListCmd.Flags().BoolVar(&listActiveOnly, "active-only", false, "Show only active rules")
	rulesListCmd.Flags().IntVar(&listPage, "page", 0, "Page number, starting at 0")
	rulesListCmd.Flags().IntVar(&listSize, "size", 0, "Page size (server default when 0)")

	rulesToggleCmd.Flags().BoolVar(&toggleOn, "on", false, "Activate the rule")
	rulesToggleCmd.Flags().BoolVar(&toggleOff, "off", false, "Deactivate the rule")
}
