// Package commands implements the wabroker CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabroker/pkg/wabroker/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wabroker",
		Short: "Single-session WhatsApp broker",
		Long: `wabroker keeps one WhatsApp Web session alive and exposes it over
HTTP, Server-Sent Events and WebSocket.

Examples:
  wabroker init
  wabroker serve --connect
  wabroker status --qr
  wabroker send 5511999999999 "hello"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newStatusCmd(),
		newConnectCmd(),
		newDisconnectCmd(),
		newSendCmd(),
		newTokenCmd(),
		newInitCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the file given by --config, else the first candidate
// found, else the defaults. The returned path is empty for defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return config.DefaultConfig(), "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
	}
	slog.Debug("config loaded", "path", path)
	return cfg, path, nil
}
