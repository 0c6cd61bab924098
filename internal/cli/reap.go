package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired sessions and OTP tokens past retention",
	Long:  "Run a single reaper pass, for deployments that schedule cleanup externally instead of in serve.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.service.Reap(cmd.Context())
		if err != nil {
			return fmt.Errorf("reaper pass failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) and %d otp token(s)\n", res.Sessions, res.OtpTokens)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
