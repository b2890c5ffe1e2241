package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8091, c.Server.Port)
	assert.Equal(t, pspdb.DriverSQLite, c.Database.Driver)
	assert.Equal(t, EventBackendPebble, c.Events.Backend)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "ach", c.PSP.DefaultRail)
	assert.False(t, c.PSP.CommitGateStrict)
	assert.True(t, c.PSP.PayGateAlwaysEnforced)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pspd.yaml")
	body := `
server:
  port: 9100
database:
  driver: sqlite
  dsn: /var/lib/pspd/pspd.db
psp:
  commit_gate_strict: true
  default_rail: fednow
events:
  backend: memory
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.Server.Port)
	assert.Equal(t, "/var/lib/pspd/pspd.db", c.Database.DSN)
	assert.True(t, c.PSP.CommitGateStrict)
	assert.Equal(t, "fednow", c.PSP.DefaultRail)
	assert.Equal(t, EventBackendMemory, c.Events.Backend)
	assert.Equal(t, "debug", c.LogLevel)

	// Untouched keys keep their defaults.
	assert.Equal(t, 10, c.Database.MaxOpenConns)
	assert.Equal(t, 8, c.PSP.SubmitParallelism)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("PSPD_LOG_LEVEL", "warn")
	t.Setenv("PSPD_SERVER_PORT", "9200")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel)
	assert.Equal(t, 9200, c.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "invalid database driver",
		},
		{
			name:    "bad event backend",
			mutate:  func(c *Config) { c.Events.Backend = "kafka" },
			wantErr: "unknown event backend",
		},
		{
			name: "pebble backend without path",
			mutate: func(c *Config) {
				c.Events.Backend = EventBackendPebble
				c.Events.Path = ""
			},
			wantErr: "requires a path",
		},
		{
			name:    "bad funding model",
			mutate:  func(c *Config) { c.PSP.DefaultFundingModel = "credit_line" },
			wantErr: "unknown funding model",
		},
		{
			name:    "zero parallelism",
			mutate:  func(c *Config) { c.PSP.SubmitParallelism = 0 },
			wantErr: "parallelism must be positive",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
