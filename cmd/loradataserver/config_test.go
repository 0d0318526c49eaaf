package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "postgres://loraserver@localhost:5432/lora_data?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 2, cfg.Database.TenantMaxOpenConns)
	assert.Empty(t, cfg.Database.RoleSecret)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.URL)
	assert.Equal(t, "application/+/node/+/+", cfg.MQTT.Topic)
	assert.True(t, cfg.Profile.InsecureSkipVerify)
	assert.Equal(t, 30*time.Second, cfg.Profile.CacheTTL)
	assert.Equal(t, time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 1024, cfg.Ingest.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Stats.FlushTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000

database:
  dsn: "postgres://admin:pw@db:5432/lora"
  role_secret: "s3cret"

mqtt:
  url: "tcp://broker:1883"
  qos: 1

sandbox:
  timeout: 250ms

log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://admin:pw@db:5432/lora", cfg.Database.DSN)
	assert.Equal(t, "s3cret", cfg.Database.RoleSecret)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.URL)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("LORADS_SERVER_PORT", "3000")
	t.Setenv("LORADS_DATABASE_DSN", "postgres://env@db/lora")
	t.Setenv("LORADS_DATABASE_ROLE_SECRET", "from-env")
	t.Setenv("LORADS_PROFILE_URL", "https://appserver/api")
	t.Setenv("LORADS_INGEST_WORKERS", "16")
	t.Setenv("LORADS_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "postgres://env@db/lora", cfg.Database.DSN)
	assert.Equal(t, "from-env", cfg.Database.RoleSecret)
	assert.Equal(t, "https://appserver/api", cfg.Profile.URL)
	assert.Equal(t, 16, cfg.Ingest.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("LORADS_MQTT_QOS", "3")

	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "mqtt.qos")
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
	assert.Contains(t, err.Error(), "profile.url")
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	for _, tc := range []struct{ level, format string }{
		{"info", "json"},
		{"info", "text"},
		{"debug", "json"},
		{"warn", "json"},
		{"error", "text"},
		{"invalid", "json"},
	} {
		logger := SetupLogger(&Config{Log: LogConfig{Level: tc.level, Format: tc.format}})
		assert.NotNil(t, logger, tc)
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "localhost", Port: 8081}}
	assert.Equal(t, "localhost:8081", cfg.Server.Address())
}

func TestServerError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&ServerError{Op: "NewServer", Err: cause, ExitCode: ExitDatabaseError})

	assert.Equal(t, "NewServer: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	var sErr *ServerError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, ExitDatabaseError, sErr.ExitCode)
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"LORADS_SERVER_HOST",
		"LORADS_SERVER_PORT",
		"LORADS_DATABASE_DSN",
		"LORADS_DATABASE_ROLE_SECRET",
		"LORADS_MQTT_URL",
		"LORADS_MQTT_QOS",
		"LORADS_PROFILE_URL",
		"LORADS_INGEST_WORKERS",
		"LORADS_LOG_LEVEL",
		"LORADS_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
