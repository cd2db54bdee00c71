package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopolicy/internal/cli"
	"github.com/TimurManjosov/gopolicy/internal/client"
)

var (
	// Global flags
	baseURL string
	apiKey  string
	env     string
	format  string
	quiet   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "policyctl",
	Short: "CLI tool for business policy rules",
	Long: `policyctl generates, validates and evaluates policy rules locally, and
manages the rules of a running policy server.

Examples:
  policyctl generate -f limit.yaml
  policyctl validate -f limit.prl
  policyctl eval -f limit.yaml --input tx.json
  policyctl rules list --policy-type TRANSACTION_LIMIT
  policyctl evaluate TRANSACTION_LIMIT --input tx.json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the policy API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Admin API key")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Environment from the config file")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
}

func outputFormat() (cli.OutputFormat, error) {
	return cli.ParseFormat(format)
}

// newClient builds an API client from flags, POLICYCTL_* variables and the
// config file.
func newClient() (*client.Client, error) {
	envCfg, _, err := cli.GetEnvConfig(env, baseURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return client.NewClient(envCfg.BaseURL, envCfg.APIKey), nil
}
