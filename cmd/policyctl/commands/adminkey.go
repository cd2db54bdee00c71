package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopolicy/internal/auth"
)

var adminKeyCmd = &cobra.Command{
	Use:   "admin-key",
	Short: "Create admin API keys for the server",
}

var adminKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new admin key and its hash",
	Long: `Generate a random admin key. The key is given to API clients; the hash line
goes into the server environment.

Examples:
  policyctl admin-key generate`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ADMIN_API_KEY=%s\n", key)
		fmt.Fprintf(out, "ADMIN_API_KEY_HASH=%s\n", hash)
		return nil
	},
}

var adminKeyHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Hash an existing admin key",
	Long: `Print the ADMIN_API_KEY_HASH line for a key. The key is read from stdin
when no argument is given.

Examples:
  policyctl admin-key hash pak_...
  echo "$KEY" | policyctl admin-key hash`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}
			key = string(b)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("key must not be empty")
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ADMIN_API_KEY_HASH=%s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminKeyCmd)
	adminKeyCmd.AddCommand(adminKeyGenerateCmd, adminKeyHashCmd)
}
