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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultTimings(), cfg.Timings)
	})

	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, cfg.Timings.InactivityTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Timings.WarningBeforeTimeout)
	})

	t.Run("overrides are merged with defaults", func(t *testing.T) {
		path := writeConfig(t, `
api_url: https://app.zyra.test
origin: https://app.zyra.test
timings:
  inactivity_timeout: 10m
  profile_retry_delay: 500ms
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "https://app.zyra.test", cfg.APIURL)
		assert.Equal(t, 10*time.Minute, cfg.Timings.InactivityTimeout)
		assert.Equal(t, 500*time.Millisecond, cfg.Timings.ProfileRetryDelay)
		assert.Equal(t, 5*time.Second, cfg.Timings.LoadingTimeout)
		assert.Equal(t, 3*time.Second, cfg.Timings.ProfileTimeout)
	})

	t.Run("rejects warning longer than timeout", func(t *testing.T) {
		path := writeConfig(t, `
timings:
  inactivity_timeout: 5m
  warning_before: 10m
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "warning_before")
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "timings: [")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config")
	})
}
