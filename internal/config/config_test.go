package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(args []string) (Config, error) {
	return Parse(NewFlagSet("managedsp-test"), args)
}

func TestParseDefaults(t *testing.T) {
	t.Setenv("MANAGEDSP_DRIVER", "")
	t.Setenv("MANAGEDSP_DB", "")

	cfg, err := parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, defaultDBPath, cfg.DBPath)
	assert.Equal(t, 200, cfg.CapacityBase)
	assert.Equal(t, 64, cfg.PortRetryLimit)
	assert.Equal(t, 5, cfg.ProvisionAttempts)
	assert.Equal(t, 2*time.Second, cfg.GeoTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.RedisURL)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MANAGEDSP_CAPACITY_BASE", "150")
	t.Setenv("MANAGEDSP_GEO_TIMEOUT", "750ms")
	t.Setenv("MANAGEDSP_LOG_LEVEL", "DEBUG")

	cfg, err := parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 150, cfg.CapacityBase)
	assert.Equal(t, 750*time.Millisecond, cfg.GeoTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MANAGEDSP_CAPACITY_BASE", "150")

	cfg, err := parse([]string{"--capacity-base", "300"})
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.CapacityBase)
}

func TestConfigFile(t *testing.T) {
	t.Setenv("MANAGEDSP_PORT_RETRY_LIMIT", "")
	path := filepath.Join(t.TempDir(), "managedsp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver: postgres\npostgres-dsn: postgres://localhost/managedsp\nport-retry-limit: 16\n"), 0o600))

	cfg, err := parse([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, "postgres://localhost/managedsp", cfg.PostgresDSN)
	assert.Equal(t, 16, cfg.PortRetryLimit)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown driver", args: []string{"--driver", "mysql"}},
		{name: "postgres needs dsn", args: []string{"--driver", "postgres"}},
		{name: "capacity must be positive", args: []string{"--capacity-base", "0"}},
		{name: "retry limit must be positive", args: []string{"--port-retry-limit", "-1"}},
		{name: "attempts must be positive", args: []string{"--provision-attempts", "0"}},
		{name: "geo timeout with url", args: []string{"--geo-url", "http://geo.local", "--geo-timeout", "0s"}},
		{name: "bad log level", args: []string{"--log-level", "loud"}},
		{name: "idle cannot exceed open", args: []string{"--db-max-open-conns", "1", "--db-max-idle-conns", "2"}},
		{name: "unknown flag", args: []string{"--domain", "example.com"}},
		{name: "missing flag value", args: []string{"--driver"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(tt.args)
			assert.Error(t, err, "args: %v", tt.args)
		})
	}
}
