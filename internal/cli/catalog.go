package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/authcore/internal/models"
)

var catalogOutput string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the permission catalog",
	Long:  "Print every permission code with its label and category, for seeding UIs and reviewing grants.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := models.PermissionCatalog()
		out := cmd.OutOrStdout()

		switch catalogOutput {
		case "yaml":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(catalog); err != nil {
				return fmt.Errorf("failed to encode catalog: %w", err)
			}
			return enc.Close()
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(catalog)
		default:
			return fmt.Errorf("unsupported output format %q (want yaml or json)", catalogOutput)
		}
	},
}

func init() {
	catalogCmd.Flags().StringVarP(&catalogOutput, "output", "o", "yaml", "output format: yaml, json")
	rootCmd.AddCommand(catalogCmd)
}
