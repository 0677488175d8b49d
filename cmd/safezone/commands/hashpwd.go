package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"nuha.dev/safezone/internal/auth"
)

func hashpwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hashpwd <password>",
		Short: "Print the bcrypt hash of a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
