package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/orkiva/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "orkiva"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# orkiva configuration
# Run: orkivactl --help / orkivad --help
#
# Most runtime behavior (tick timing, retry budgets, breaker thresholds) is
# controlled by environment variables, not this file. This file only
# overrides the database location when a CLI flag or env var is absent.

# Optional: override the SQLite database location.
# Can also be set via DATABASE_URL or --db-path.
# db_path: ~/.config/orkiva/orkiva.db
`
