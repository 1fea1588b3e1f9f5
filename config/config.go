package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/dbrouter/helpers"
)

// BackendConfig describes how to build one physical connection pool. It is
// kept for failed backends so recovery can rebuild the pool without
// re-reading the configuration file.
type BackendConfig struct {
	// Driver is the database/sql driver name. "pgx" (default) and "postgres"
	// build a pgxpool, "mysql" and "sqlite" use their registered drivers.
	// Any other name is passed to sql.Open as-is.
	Driver string `toml:"driver"`

	// DSN is used verbatim when set. Otherwise it is assembled from the
	// host/port/user/password/name fields for pgx and mysql.
	DSN string `toml:"dsn"`

	Host     string      `toml:"host"`
	Port     interface{} `toml:"port"` // string or integer
	User     string      `toml:"user"`
	Password string      `toml:"password"`
	Name     string      `toml:"name"`
	TLSMode  bool        `toml:"tls"`

	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	ConnectTimeout  string `toml:"connect_timeout"`

	// Dialect skips detection when the engine family is known up front.
	Dialect string `toml:"dialect"`
}

// GetDriver returns the configured driver, defaulting to pgx.
func (b BackendConfig) GetDriver() string {
	if b.Driver == "" {
		return "pgx"
	}
	return strings.ToLower(b.Driver)
}

// GetPort normalizes the port field. An empty port yields the driver default.
func (b BackendConfig) GetPort() (int, error) {
	var portStr string
	switch v := b.Port.(type) {
	case nil:
	case string:
		portStr = v
	case int:
		portStr = strconv.Itoa(v)
	case int64: // TOML integers decode as int64
		portStr = strconv.FormatInt(v, 10)
	default:
		return 0, fmt.Errorf("invalid type for port: %T", v)
	}

	if portStr == "" {
		switch b.GetDriver() {
		case "mysql":
			return 3306, nil
		default:
			return 5432, nil
		}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port value '%s'", portStr)
	}
	return port, nil
}

// GetMaxConnLifetime parses the max connection lifetime, defaulting to 1h.
func (b BackendConfig) GetMaxConnLifetime() (time.Duration, error) {
	if b.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(b.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max idle time, defaulting to 30m.
func (b BackendConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if b.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(b.MaxConnIdleTime)
}

// GetConnectTimeoutWithDefault returns the connect timeout or 5s.
func (b BackendConfig) GetConnectTimeoutWithDefault() time.Duration {
	if b.ConnectTimeout == "" {
		return 5 * time.Second
	}
	d, err := helpers.ParseDuration(b.ConnectTimeout)
	if err != nil || d == 0 {
		return 5 * time.Second
	}
	return d
}

// StrategyConfig names the primary and fallback router for one operation kind.
type StrategyConfig struct {
	Primary  string `toml:"primary"`
	Fallback string `toml:"fallback"`
}

// RoutingConfig holds routing policy.
type RoutingConfig struct {
	Default string `toml:"default"` // Backend used when no router yields a candidate
	Strict  bool   `toml:"strict"`  // Fail instead of degrading to the default backend

	// UnhealthyDefault decides what non-strict resolution does when the
	// default backend itself is known to be unhealthy: "degrade" returns it
	// anyway, "fail" returns a routing error.
	UnhealthyDefault string `toml:"unhealthy_default"`

	Primary        string         `toml:"primary"` // Write backend for read/write splitting (default: Default)
	Replicas       []string       `toml:"replicas"`
	ReplicaWeights map[string]int `toml:"replica_weights"`

	FailoverPriority  []string `toml:"failover_priority"`
	FailoverThreshold int      `toml:"failover_threshold"` // Consecutive failures before the failover router gives up on a backend

	Tenants map[string]string `toml:"tenants"` // tenant id -> backend name

	// Strategy is keyed by operation kind: "read", "write", "other".
	Strategy map[string]StrategyConfig `toml:"strategy"`

	ExecuteRetries int `toml:"execute_retries"` // Retries of a unit of work on transient errors
}

// GetPrimary returns the write backend, falling back to the default backend.
func (r *RoutingConfig) GetPrimary() string {
	if r.Primary != "" {
		return r.Primary
	}
	return r.Default
}

// GetFailoverThresholdWithDefault returns the failover threshold (default 1).
func (r *RoutingConfig) GetFailoverThresholdWithDefault() int {
	if r.FailoverThreshold <= 0 {
		return 1
	}
	return r.FailoverThreshold
}

// HealthConfig holds health checker settings.
type HealthConfig struct {
	Enabled            bool     `toml:"enabled"`
	Interval           string   `toml:"interval"`             // Sweep interval (default: "30s")
	ProbeTimeout       string   `toml:"probe_timeout"`        // Per-backend probe bound (default: "5s")
	RecoveryTimeout    string   `toml:"recovery_timeout"`     // Per-backend rebuild bound (default: "10s")
	RecoveryBackoff    string   `toml:"recovery_backoff"`     // First delay between rebuild attempts (default: "30s", "0s" = every sweep)
	RecoveryBackoffMax string   `toml:"recovery_backoff_max"` // Cap of the rebuild delay (default: "10m")
	DialectProbeOrder  []string `toml:"dialect_probe_order"`
	CheckOnStart       bool     `toml:"check_on_start"`    // Run one full sweep before serving
	RemoveOnFailure    bool     `toml:"remove_on_failure"` // Drop failed pools from the registry and rebuild them; the default backend stays
	ShutdownTimeout    string   `toml:"shutdown_timeout"`  // Bounded wait for an in-flight sweep (default: "10s")
}

func durationWithDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := helpers.ParseDuration(s)
	if err != nil {
		log.Printf("WARNING: invalid duration '%s', using default %s", s, def)
		return def
	}
	return d
}

// GetIntervalWithDefault returns the sweep interval.
func (h *HealthConfig) GetIntervalWithDefault() time.Duration {
	d := durationWithDefault(h.Interval, 30*time.Second)
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetProbeTimeoutWithDefault returns the per-probe timeout.
func (h *HealthConfig) GetProbeTimeoutWithDefault() time.Duration {
	d := durationWithDefault(h.ProbeTimeout, 5*time.Second)
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetRecoveryTimeoutWithDefault returns the per-backend recovery timeout.
func (h *HealthConfig) GetRecoveryTimeoutWithDefault() time.Duration {
	d := durationWithDefault(h.RecoveryTimeout, 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetRecoveryBackoffWithDefault returns the initial recovery backoff. Zero is valid.
func (h *HealthConfig) GetRecoveryBackoffWithDefault() time.Duration {
	return durationWithDefault(h.RecoveryBackoff, 30*time.Second)
}

// GetRecoveryBackoffMaxWithDefault returns the recovery backoff cap.
func (h *HealthConfig) GetRecoveryBackoffMaxWithDefault() time.Duration {
	return durationWithDefault(h.RecoveryBackoffMax, 10*time.Minute)
}

// GetShutdownTimeoutWithDefault returns the graceful stop bound.
func (h *HealthConfig) GetShutdownTimeoutWithDefault() time.Duration {
	d := durationWithDefault(h.ShutdownTimeout, 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// AdminAPIConfig holds the admin HTTP API settings.
type AdminAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// EventStoreConfig enables persisting health events to PostgreSQL.
type EventStoreConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// EventsConfig holds event publishing settings.
type EventsConfig struct {
	BufferSize int              `toml:"buffer_size"`
	Store      EventStoreConfig `toml:"store"`
}

// GetBufferSizeWithDefault returns the async publisher buffer size.
func (e *EventsConfig) GetBufferSizeWithDefault() int {
	if e.BufferSize <= 0 {
		return 256
	}
	return e.BufferSize
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig            `toml:"logging"`
	Routing  RoutingConfig            `toml:"routing"`
	Health   HealthConfig             `toml:"health"`
	Backends map[string]BackendConfig `toml:"backend"`
	AdminAPI AdminAPIConfig           `toml:"admin_api"`
	Metrics  MetricsConfig            `toml:"metrics"`
	Events   EventsConfig             `toml:"events"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Routing: RoutingConfig{
			UnhealthyDefault:  "degrade",
			FailoverThreshold: 1,
			ExecuteRetries:    2,
		},
		Health: HealthConfig{
			Enabled:            true,
			Interval:           "30s",
			ProbeTimeout:       "5s",
			RecoveryTimeout:    "10s",
			RecoveryBackoff:    "30s",
			RecoveryBackoffMax: "10m",
			DialectProbeOrder:  []string{"postgresql", "mysql", "sqlite", "sqlserver", "oracle"},
			CheckOnStart:       true,
			RemoveOnFailure:    true,
			ShutdownTimeout:    "10s",
		},
		Backends: map[string]BackendConfig{},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:8081",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}

// BackendNames returns the configured backend names in sorted order.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks cross references between the routing section and the
// configured backends.
// builtinRouters are the router names a strategy section may reference.
var builtinRouters = map[string]struct{}{
	"read_write": {},
	"failover":   {},
	"tenant":     {},
}

func knownDialect(d string) bool {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "postgresql", "postgres", "pgx", "mysql", "mariadb", "sqlite", "sqlite3", "sqlserver", "mssql", "oracle":
		return true
	}
	return false
}

func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one [backend.<name>] section is required")
	}

	for name, b := range c.Backends {
		if name == "" {
			return fmt.Errorf("backend name must not be empty")
		}
		if b.DSN == "" && b.Host == "" {
			return fmt.Errorf("backend '%s': either dsn or host is required", name)
		}
		if _, err := b.GetPort(); err != nil {
			return fmt.Errorf("backend '%s': %w", name, err)
		}
		if _, err := b.GetMaxConnLifetime(); err != nil {
			return fmt.Errorf("backend '%s': invalid max_conn_lifetime: %w", name, err)
		}
		if _, err := b.GetMaxConnIdleTime(); err != nil {
			return fmt.Errorf("backend '%s': invalid max_conn_idle_time: %w", name, err)
		}
		if b.MinConns > 0 && b.MaxConns > 0 && b.MinConns > b.MaxConns {
			return fmt.Errorf("backend '%s': min_conns (%d) exceeds max_conns (%d)", name, b.MinConns, b.MaxConns)
		}
		if b.Dialect != "" && !knownDialect(b.Dialect) {
			return fmt.Errorf("backend '%s': unknown dialect '%s'", name, b.Dialect)
		}
	}

	for _, d := range c.Health.DialectProbeOrder {
		if !knownDialect(d) {
			return fmt.Errorf("health.dialect_probe_order: unknown dialect '%s'", d)
		}
	}

	if c.Routing.Default == "" {
		return fmt.Errorf("routing.default is required")
	}

	known := func(field, name string) error {
		if _, ok := c.Backends[name]; !ok {
			return fmt.Errorf("%s references unknown backend '%s'", field, name)
		}
		return nil
	}

	if err := known("routing.default", c.Routing.Default); err != nil {
		return err
	}
	if err := known("routing.primary", c.Routing.GetPrimary()); err != nil {
		return err
	}
	for _, r := range c.Routing.Replicas {
		if err := known("routing.replicas", r); err != nil {
			return err
		}
	}
	for r, w := range c.Routing.ReplicaWeights {
		if err := known("routing.replica_weights", r); err != nil {
			return err
		}
		if w < 0 {
			return fmt.Errorf("routing.replica_weights: negative weight for '%s'", r)
		}
	}
	for _, p := range c.Routing.FailoverPriority {
		if err := known("routing.failover_priority", p); err != nil {
			return err
		}
	}
	for tenant, b := range c.Routing.Tenants {
		if err := known("routing.tenants."+tenant, b); err != nil {
			return err
		}
	}
	for kind, st := range c.Routing.Strategy {
		switch strings.ToLower(kind) {
		case "read", "write", "other":
		default:
			return fmt.Errorf("routing.strategy: unknown operation kind '%s'", kind)
		}
		for _, r := range []string{st.Primary, st.Fallback} {
			if r == "" {
				continue
			}
			if _, ok := builtinRouters[r]; !ok {
				return fmt.Errorf("routing.strategy.%s: unknown router '%s'", kind, r)
			}
		}
	}

	switch c.Routing.UnhealthyDefault {
	case "", "degrade", "fail":
	default:
		return fmt.Errorf("routing.unhealthy_default must be 'degrade' or 'fail', got '%s'", c.Routing.UnhealthyDefault)
	}

	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"A common cause is two [backend.<name>] sections with the same name", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - Section headers use [section] or [section.name] format\n"+
			"  - Boolean values are 'true' or 'false'", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Map:
		// Map values are not addressable; rebuild each entry.
		if v.IsNil() {
			return
		}
		for _, key := range v.MapKeys() {
			val := v.MapIndex(key)
			cp := reflect.New(val.Type()).Elem()
			cp.Set(val)
			trimStringFields(cp)
			if key.Kind() == reflect.String {
				trimmedKey := strings.TrimSpace(key.String())
				if trimmedKey != key.String() {
					v.SetMapIndex(key, reflect.Value{})
					key = reflect.ValueOf(trimmedKey).Convert(key.Type())
				}
			}
			v.SetMapIndex(key, cp)
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanSet() {
				trimStringFields(v.Field(i))
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port can be string or int
		if !v.IsNil() && v.CanSet() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
