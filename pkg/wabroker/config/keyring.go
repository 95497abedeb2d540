package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "wabroker"

	// KeyringPrefix marks a config value stored in the OS keyring,
	// e.g. auth_token: "keyring:auth_token".
	KeyringPrefix = "keyring:"

	// Well-known keyring entries.
	KeyAuthToken        = "auth_token"
	KeyPostgresPassword = "postgres_password"
)

// ErrSecretNotFound is returned when a keyring reference has no entry.
var ErrSecretNotFound = errors.New("secret not found in keyring")

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(KeyringService, key, value)
}

// GetSecret retrieves a secret from the OS keyring.
func GetSecret(key string) (string, error) {
	val, err := keyring.Get(KeyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return val, err
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(key string) error {
	return keyring.Delete(KeyringService, key)
}

// KeyringAvailable checks the keyring with a write and delete cycle.
func KeyringAvailable() bool {
	const probeKey = "__wabroker_probe__"
	if err := keyring.Set(KeyringService, probeKey, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, probeKey)
	return true
}

// IsKeyringRef reports whether v points into the keyring.
func IsKeyringRef(v string) bool {
	return strings.HasPrefix(v, KeyringPrefix)
}

// resolveSecrets replaces keyring references in secret fields. Empty
// secrets fall back to WABROKER_AUTH_TOKEN and WABROKER_PG_PASSWORD.
func resolveSecrets(cfg *Config) error {
	fields := []struct {
		value *string
		env   string
	}{
		{&cfg.Gateway.AuthToken, "WABROKER_AUTH_TOKEN"},
		{&cfg.Store.Postgres.Password, "WABROKER_PG_PASSWORD"},
	}
	for _, f := range fields {
		if IsKeyringRef(*f.value) {
			val, err := GetSecret(strings.TrimPrefix(*f.value, KeyringPrefix))
			if err != nil {
				return fmt.Errorf("resolving %s: %w", *f.value, err)
			}
			*f.value = val
			continue
		}
		if *f.value == "" {
			*f.value = os.Getenv(f.env)
		}
	}
	return nil
}

// ReadPassword prompts on stderr and reads a line without echo. Piped
// input is read as a plain line.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
