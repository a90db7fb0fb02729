package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetDBPath resolves the database path.
// Order of precedence:
// 1) CLI override (e.g. --db-path)
// 2) Environment variable: DATABASE_URL
// 3) config.yaml: db_path
// 4) Default: ~/.config/orkiva/orkiva.db
// Returns an absolute path to orkiva.db and ensures the parent directory exists.
func GetDBPath() (string, error) {
	if override := getDBPathOverride(); override != "" {
		return EnsureDBDir(override)
	}

	if envPath := os.Getenv("DATABASE_URL"); envPath != "" {
		if err := rejectUnsupportedDSN(envPath); err != nil {
			return "", err
		}
		return EnsureDBDir(envPath)
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DBPath != "" {
		return EnsureDBDir(cfg.DBPath)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return EnsureDBDir(filepath.Join(configDir, "orkiva.db"))
}

// ResolveDBPathDetailed returns the resolved DB path along with the source of that decision.
// This is for debugging/reporting; normal code should use GetDBPath.
func ResolveDBPathDetailed() (path string, source string, err error) {
	if override := getDBPathOverride(); override != "" {
		resolvedPath, ensureErr := EnsureDBDir(override)
		return resolvedPath, "cli(--db-path)", ensureErr
	}

	if envPath := os.Getenv("DATABASE_URL"); envPath != "" {
		if err := rejectUnsupportedDSN(envPath); err != nil {
			return "", "", err
		}
		resolvedPath, ensureErr := EnsureDBDir(envPath)
		return resolvedPath, "env(DATABASE_URL)", ensureErr
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to determine config directory: %w", err)
	}

	// Config file order must match LoadSettings.
	configPaths := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(string(os.PathSeparator), "etc", "orkiva", "config.yaml"),
		"config.yaml",
	}

	for _, p := range configPaths {
		s, loadErr := loadSettingsFile(p)
		if loadErr == nil {
			if s.DBPath != "" {
				resolvedPath, ensureErr := EnsureDBDir(s.DBPath)
				return resolvedPath, fmt.Sprintf("config(%s)", p), ensureErr
			}
			continue
		}
		if errors.Is(loadErr, os.ErrNotExist) {
			continue
		}
		return "", "", fmt.Errorf("failed to load config %s: %w", p, loadErr)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	resolved, err := EnsureDBDir(filepath.Join(configDir, "orkiva.db"))
	return resolved, "default(~/.config/orkiva/orkiva.db)", err
}

// rejectUnsupportedDSN fails fast on DSN schemes this store cannot open. The
// store is SQLite-only; a Postgres-style URL is a deployment misconfiguration,
// not something to silently coerce.
func rejectUnsupportedDSN(dsn string) error {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("DATABASE_URL %q uses an unsupported scheme: this build only opens SQLite files (bare paths, file: URIs, or \":memory:\")", dsn)
	}
	return nil
}

// EnsureDBDir creates the parent directory of dbPath. A sqlite file: prefix
// and any ?query suffix are stripped before the directory is derived; an
// in-memory DSN is returned unchanged and no directory is created.
func EnsureDBDir(dbPath string) (string, error) {
	trimmed := dbPath
	if strings.HasPrefix(trimmed, "file:") {
		trimmed = strings.TrimPrefix(trimmed, "file:")
		if idx := strings.IndexByte(trimmed, '?'); idx >= 0 {
			trimmed = trimmed[:idx]
		}
	}
	if trimmed == ":memory:" || strings.Contains(trimmed, ":memory:") {
		return dbPath, nil
	}
	dir := filepath.Dir(trimmed)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return dbPath, nil
}
