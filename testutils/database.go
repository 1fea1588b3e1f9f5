package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/dbrouter/config"
	"github.com/stretchr/testify/require"
)

// SQLiteBackend returns a configuration for a file-backed SQLite database in
// a per-test temporary directory.
func SQLiteBackend(t *testing.T, name string) config.BackendConfig {
	t.Helper()
	return config.BackendConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), name+".db"),
		MaxConns: 4,
	}
}

// testConfig is the layout of config-test.toml.
type testConfig struct {
	Backend config.BackendConfig `toml:"backend"`
}

// PostgresBackend returns a PostgreSQL backend configuration from
// DBROUTER_TEST_POSTGRES_DSN or config-test.toml. The test is skipped in
// short mode or when neither is available.
func PostgresBackend(t *testing.T) config.BackendConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	if dsn := os.Getenv("DBROUTER_TEST_POSTGRES_DSN"); dsn != "" {
		return config.BackendConfig{DSN: dsn, ConnectTimeout: "5s"}
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("no PostgreSQL test database configured")
	}

	var cfg testConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	return cfg.Backend
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}
