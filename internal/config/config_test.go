package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltbridge/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestNewDefault(t *testing.T) {
	cfg := config.NewDefault()

	assert.Equal(t, ":9033", cfg.Server.Address)
	assert.Equal(t, ":9034", cfg.Server.APIAddress)
	assert.Equal(t, "voltbridge.db", cfg.Database.Path)
	assert.Equal(t, "30s", cfg.Broker.CallTimeout)
	assert.Equal(t, 4, cfg.Broker.MaxConnectionsPerSource)
	assert.Equal(t, "1m", cfg.Relay.SyncInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "voltbridge", cfg.Security.JWT.Issuer)
	assert.False(t, cfg.Server.TLS.Enabled)
}

func TestLoad(t *testing.T) {
	t.Run("AppliesDefaultsToPartialFile", func(t *testing.T) {
		path := writeConfig(t, `
server:
  address: ":8000"
logging:
  level: debug
`)
		cfg, err := config.Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":8000", cfg.Server.Address)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "30s", cfg.Broker.CallTimeout)
		assert.Equal(t, "2m", cfg.Relay.KeepaliveIdle)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
		assert.Error(t, err)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := writeConfig(t, "server: [not: a: mapping")
		_, err := config.Load(path)
		assert.Error(t, err)
	})
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "BadCallTimeout",
			mutate:  func(c *config.Config) { c.Broker.CallTimeout = "thirty seconds" },
			wantErr: "invalid call timeout",
		},
		{
			name:    "BadSyncInterval",
			mutate:  func(c *config.Config) { c.Relay.SyncInterval = "1 minute" },
			wantErr: "invalid relay sync interval",
		},
		{
			name:    "BadLogLevel",
			mutate:  func(c *config.Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid logging level",
		},
		{
			name:    "BadLogFormat",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantErr: "logging format",
		},
		{
			name:    "TLSWithoutCert",
			mutate:  func(c *config.Config) { c.Server.TLS.Enabled = true },
			wantErr: "cert_file",
		},
		{
			name:    "ShortJWTSecret",
			mutate:  func(c *config.Config) { c.Security.JWT.SecretKey = "too-short" },
			wantErr: "secret_key",
		},
		{
			name:    "NegativeSourceQuota",
			mutate:  func(c *config.Config) { c.Broker.MaxConnectionsPerSource = -1 },
			wantErr: "max_connections_per_source",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefault()
			tc.mutate(cfg)

			path := filepath.Join(t.TempDir(), "config.yml")
			require.NoError(t, config.Save(cfg, path))

			_, err := config.Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Server.Address = ":7000"
	cfg.Broker.CallTimeout = "45s"
	cfg.Relay.SyncInterval = "30s"

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, config.Save(cfg, path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDurationAccessors(t *testing.T) {
	cfg := config.NewDefault()

	assert.Equal(t, 15*time.Second, cfg.GetServerTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetCallTimeout())
	assert.Equal(t, 2*time.Minute, cfg.GetFollowUpWindow())
	assert.Equal(t, time.Minute, cfg.GetRelaySyncInterval())
	assert.Equal(t, 2*time.Minute, cfg.GetRelayKeepaliveIdle())
	assert.Equal(t, 10*time.Second, cfg.GetRelayConnectTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetRelayWriteTimeout())
}
