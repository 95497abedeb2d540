package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabroker/pkg/wabroker/config"
)

// newTokenCmd creates `wabroker token`, which manages secrets in the OS
// keyring. Reference them from config.yaml as "keyring:<name>".
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage secrets in the OS keyring",
	}
	cmd.AddCommand(newTokenSetCmd(), newTokenDeleteCmd())
	return cmd
}

func newTokenSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [name]",
		Short: "Store a secret (default name: auth_token)",
		Long: `Prompt for a secret and store it in the OS keyring.

Examples:
  wabroker token set                      # gateway.auth_token: "keyring:auth_token"
  wabroker token set --generate
  wabroker token set postgres_password    # store.postgres.password: "keyring:postgres_password"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := config.KeyAuthToken
			if len(args) == 1 {
				name = args[0]
			}
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available, use an environment variable instead")
			}

			var value string
			if generate, _ := cmd.Flags().GetBool("generate"); generate {
				var err error
				if value, err = generateToken(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated token: %s\n", value)
			} else {
				var err error
				if value, err = config.ReadPassword(fmt.Sprintf("Value for %s: ", name)); err != nil {
					return err
				}
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := config.StoreSecret(name, value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored. Reference it as \"%s%s\".\n", config.KeyringPrefix, name)
			return nil
		},
	}
	cmd.Flags().Bool("generate", false, "generate a random token instead of prompting")
	return cmd
}

func newTokenDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [name]",
		Short: "Remove a secret (default name: auth_token)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := config.KeyAuthToken
			if len(args) == 1 {
				name = args[0]
			}
			if err := config.DeleteSecret(name); err != nil {
				return fmt.Errorf("deleting secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", name)
			return nil
		},
	}
}

// generateToken returns 32 random bytes, hex encoded.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
