package commands

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wabroker/pkg/wabroker/config"
	"github.com/jholhewres/wabroker/pkg/wabroker/store"
)

// newInitCmd creates `wabroker init`, an interactive config generator.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}

			cfg, err := runInitForm()
			if err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
					return nil
				}
				return err
			}
			if err := config.Save(cfg, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", out)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: wabroker serve --connect")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "file to write")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func runInitForm() (*config.Config, error) {
	cfg := config.DefaultConfig()

	var (
		name       = cfg.Name
		address    = cfg.Gateway.Address
		driver     = cfg.Store.Driver
		protect    = true
		pgHost     = cfg.Store.Postgres.Host
		pgPort     = strconv.Itoa(cfg.Store.Postgres.Port)
		pgDatabase = cfg.Store.Postgres.Database
		pgUser     = cfg.Store.Postgres.User
		pgPassword string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Instance name").
				Value(&name),
			huh.NewInput().
				Title("Gateway listen address").
				Value(&address).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),
			huh.NewConfirm().
				Title("Protect the API with a bearer token?").
				Value(&protect),
			huh.NewSelect[string]().
				Title("Persistence").
				Options(
					huh.NewOption("SQLite (local file)", store.DriverSQLite),
					huh.NewOption("PostgreSQL", store.DriverPostgres),
					huh.NewOption("None", store.DriverNone),
				).
				Value(&driver),
		),
		huh.NewGroup(
			huh.NewInput().Title("PostgreSQL host").Value(&pgHost),
			huh.NewInput().Title("PostgreSQL port").Value(&pgPort).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("port must be a number")
					}
					return nil
				}),
			huh.NewInput().Title("Database").Value(&pgDatabase),
			huh.NewInput().Title("User").Value(&pgUser),
			huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&pgPassword),
		).WithHideFunc(func() bool { return driver != store.DriverPostgres }),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}

	cfg.Name = strings.TrimSpace(name)
	cfg.Gateway.Address = strings.TrimSpace(address)
	cfg.Store.Driver = driver

	keyringOK := config.KeyringAvailable()
	if protect {
		token, err := generateToken()
		if err != nil {
			return nil, err
		}
		cfg.Gateway.AuthToken = secretRef(keyringOK, config.KeyAuthToken, token, "WABROKER_AUTH_TOKEN")
		fmt.Printf("API token: %s\n", token)
	}
	if driver == store.DriverPostgres {
		cfg.Store.Postgres.Host = pgHost
		cfg.Store.Postgres.Port, _ = strconv.Atoi(pgPort)
		cfg.Store.Postgres.Database = pgDatabase
		cfg.Store.Postgres.User = pgUser
		if pgPassword != "" {
			cfg.Store.Postgres.Password = secretRef(keyringOK, config.KeyPostgresPassword, pgPassword, "WABROKER_PG_PASSWORD")
		}
	}
	return cfg, nil
}

// secretRef stores value in the keyring and returns its reference. Without
// a keyring it returns an environment reference and tells the user to set
// the variable.
func secretRef(keyringOK bool, key, value, env string) string {
	if keyringOK {
		if err := config.StoreSecret(key, value); err == nil {
			return config.KeyringPrefix + key
		}
	}
	fmt.Printf("OS keyring unavailable. Set %s in the environment or .env.\n", env)
	return "${" + env + ":?set " + env + "}"
}
