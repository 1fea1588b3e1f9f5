package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbrouter.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[routing]
default = "primary"
replicas = [" replica-a ", "replica-b"]
failover_priority = ["primary", "replica-a"]
strict = true

[routing.replica_weights]
replica-a = 3

[routing.strategy.read]
primary = "read_write"
fallback = "failover"

[health]
interval = "15s"
recovery_backoff = "0s"

[backend.primary]
host = " db1.internal "
port = 5433
user = "app"
password = "secret"
name = "main"

[backend.replica-a]
host = "db2.internal"
port = "5432"
user = "app"
name = "main"

[backend.replica-b]
driver = "sqlite"
dsn = "file:replica-b?mode=memory"
dialect = "sqlite"

# typo, should only warn
[health.unknown]
foo = 1
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "primary", cfg.Routing.Default)
	assert.Equal(t, "primary", cfg.Routing.GetPrimary())
	assert.True(t, cfg.Routing.Strict)
	assert.Equal(t, []string{"replica-a", "replica-b"}, cfg.Routing.Replicas, "slice strings must be trimmed")
	assert.Equal(t, 3, cfg.Routing.ReplicaWeights["replica-a"])
	assert.Equal(t, StrategyConfig{Primary: "read_write", Fallback: "failover"}, cfg.Routing.Strategy["read"])

	primary := cfg.Backends["primary"]
	assert.Equal(t, "db1.internal", primary.Host, "map values must be trimmed")
	port, err := primary.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 5433, port)
	assert.Equal(t, "pgx", primary.GetDriver())

	assert.Equal(t, "sqlite", cfg.Backends["replica-b"].GetDriver())
	assert.Equal(t, []string{"primary", "replica-a", "replica-b"}, cfg.BackendNames())

	assert.Equal(t, 15*time.Second, cfg.Health.GetIntervalWithDefault())
	assert.Equal(t, time.Duration(0), cfg.Health.GetRecoveryBackoffWithDefault())
	// untouched defaults survive the decode
	assert.Equal(t, 5*time.Second, cfg.Health.GetProbeTimeoutWithDefault())
	assert.True(t, cfg.Health.RemoveOnFailure)
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	path := writeConfig(t, "[routing\ndefault = primary\n")
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := NewDefaultConfig()
		cfg.Routing.Default = "a"
		cfg.Backends = map[string]BackendConfig{
			"a": {Host: "db-a"},
			"b": {Host: "db-b"},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no backends", func(c *Config) { c.Backends = nil }, "at least one"},
		{"no default", func(c *Config) { c.Routing.Default = "" }, "routing.default is required"},
		{"unknown default", func(c *Config) { c.Routing.Default = "zz" }, "unknown backend 'zz'"},
		{"unknown replica", func(c *Config) { c.Routing.Replicas = []string{"b", "c"} }, "routing.replicas"},
		{"unknown priority", func(c *Config) { c.Routing.FailoverPriority = []string{"x"} }, "routing.failover_priority"},
		{"unknown tenant backend", func(c *Config) { c.Routing.Tenants = map[string]string{"acme": "x"} }, "routing.tenants.acme"},
		{"bad strategy kind", func(c *Config) { c.Routing.Strategy = map[string]StrategyConfig{"select": {}} }, "unknown operation kind"},
		{"bad policy", func(c *Config) { c.Routing.UnhealthyDefault = "maybe" }, "unhealthy_default"},
		{"missing host", func(c *Config) { c.Backends["b"] = BackendConfig{} }, "either dsn or host"},
		{"bad port", func(c *Config) { c.Backends["b"] = BackendConfig{Host: "x", Port: "http"} }, "invalid port"},
		{"bad dialect", func(c *Config) { c.Backends["b"] = BackendConfig{Host: "x", Dialect: "db2"} }, "unknown dialect 'db2'"},
		{"bad probe order", func(c *Config) { c.Health.DialectProbeOrder = []string{"mysql", "informix"} }, "dialect_probe_order"},
		{"unknown router", func(c *Config) {
			c.Routing.Strategy = map[string]StrategyConfig{"read": {Primary: "random"}}
		}, "unknown router 'random'"},
		{"min over max", func(c *Config) { c.Backends["b"] = BackendConfig{Host: "x", MinConns: 5, MaxConns: 2} }, "exceeds max_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBackendConfigDefaults(t *testing.T) {
	b := BackendConfig{Driver: "MySQL"}
	assert.Equal(t, "mysql", b.GetDriver())
	port, err := b.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 3306, port)

	lifetime, err := b.GetMaxConnLifetime()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, lifetime)
	assert.Equal(t, 5*time.Second, b.GetConnectTimeoutWithDefault())

	b.Port = int64(13306)
	port, err = b.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 13306, port)
}
