package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplane/realtime/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, `
server:
  base_url: https://dash.example.com
  token: tok-123
watch:
  tenant_id: t1
  env_id: env-prod
  poll_interval: 90s
`))
	require.NoError(t, err)

	assert.Equal(t, "https://dash.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "tok-123", cfg.Server.Token)
	assert.Equal(t, "t1", cfg.Watch.TenantID)
	assert.Equal(t, "env-prod", cfg.Watch.EnvID)
	assert.Equal(t, config.Duration(90*time.Second), cfg.Watch.PollInterval)

	// Path defaults apply when omitted.
	assert.Equal(t, "https://dash.example.com/health", cfg.HealthURL())
	assert.Equal(t, "https://dash.example.com/sse", cfg.FeedURL())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, `
server:
  base_url: http://localhost:8080
`))
	require.NoError(t, err)

	assert.Equal(t, "/health", cfg.Server.HealthPath)
	assert.Equal(t, "/sse", cfg.Server.FeedPath)
	assert.Equal(t, config.Duration(60*time.Second), cfg.Watch.PollInterval)
	assert.False(t, cfg.Server.Insecure)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "read config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "server: [not a map"))
		assert.ErrorContains(t, err, "parse config")
	})

	t.Run("missing base_url", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, `
watch:
  env_id: env-prod
`))
		assert.ErrorContains(t, err, "server.base_url required")
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, `
server:
  base_url: http://localhost:8080
watch:
  poll_interval: soon
`))
		assert.ErrorContains(t, err, `invalid duration "soon"`)
	})

	t.Run("poll interval too small", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, `
server:
  base_url: http://localhost:8080
watch:
  poll_interval: 250ms
`))
		assert.ErrorContains(t, err, "at least 1s")
	})
}
