package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/service"
)

const bootstrapPasswordEnv = "AUTHCORE_BOOTSTRAP_PASSWORD"

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Principal administration",
}

var (
	principalIdentifier string
	principalRole       string
	principalPassword   string
	principalTenant     string
)

var principalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a principal with an initial password",
	Long: `Create a principal. The password is taken from --password or, when the flag
is omitted, from the ` + bootstrapPasswordEnv + ` environment variable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := principalPassword
		if password == "" {
			password = os.Getenv(bootstrapPasswordEnv)
		}
		if password == "" {
			return fmt.Errorf("a password is required (--password or %s)", bootstrapPasswordEnv)
		}

		a, err := buildApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		req := service.NewPrincipal{
			Identifier: principalIdentifier,
			Password:   password,
			Role:       models.Role(principalRole),
		}
		if principalTenant != "" {
			req.TenantID = models.StringPtr(principalTenant)
		}

		p, err := a.service.CreatePrincipal(cmd.Context(), req, models.Origin{UserAgent: "authcore-cli"})
		if err != nil {
			return fmt.Errorf("failed to create principal: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created principal %s (%s, role %s)\n", p.ID, p.Identifier, p.Role)
		return nil
	},
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Role administration",
}

var roleSetPermissionsCmd = &cobra.Command{
	Use:   "set-permissions <role> [permission...]",
	Short: "Replace the permissions granted to a role",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := models.ParseRole(args[0])
		if err != nil {
			return err
		}

		a, err := buildApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		perms, err := a.service.SetRolePermissions(cmd.Context(), nil, role, args[1:], models.Origin{UserAgent: "authcore-cli"})
		if err != nil {
			return fmt.Errorf("failed to set permissions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "role %s now holds %d permission(s)\n", role, len(perms))
		for _, p := range perms {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
		}
		return nil
	},
}

func init() {
	principalCreateCmd.Flags().StringVar(&principalIdentifier, "identifier", "", "login identifier (email or phone)")
	principalCreateCmd.Flags().StringVar(&principalRole, "role", string(models.RoleClientUser), "role tag")
	principalCreateCmd.Flags().StringVar(&principalPassword, "password", "", "initial password")
	principalCreateCmd.Flags().StringVar(&principalTenant, "tenant", "", "active tenant id")
	_ = principalCreateCmd.MarkFlagRequired("identifier")

	principalCmd.AddCommand(principalCreateCmd)
	roleCmd.AddCommand(roleSetPermissionsCmd)
	rootCmd.AddCommand(principalCmd)
	rootCmd.AddCommand(roleCmd)
}
