package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopolicy/internal/rules"
)

var (
	generateFile   string
	generateOutput string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate rule source from a definition",
	Long: `Render a structured rule definition (YAML or JSON) to rule source.

Examples:
  policyctl generate -f limit.yaml
  policyctl generate -f limit.yaml -o limit.prl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInputFile(cmd, generateFile)
		if err != nil {
			return fmt.Errorf("failed to read definition: %w", err)
		}
		var def rules.Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse definition: %w", err)
		}

		src, err := rules.Generate(def)
		if err != nil {
			return fmt.Errorf("invalid definition: %w", err)
		}

		if generateOutput == "" || generateOutput == "-" {
			_, err = fmt.Fprint(cmd.OutOrStdout(), src)
			return err
		}
		if err := os.WriteFile(generateOutput, []byte(src), 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", generateOutput)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generateFile, "file", "f", "", "Definition file (YAML or JSON, - for stdin)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "Write the source to a file instead of stdout")
	_ = generateCmd.MarkFlagRequired("file")
}
