package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	mgr := NewManager(t.TempDir())

	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Empty(t, cfg.InternalBaseURLs)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	settings := `{
		"port": 9000,
		"auto_switch_enabled": true,
		"model_visibility": {"gemini-3-flash": false},
		"request_timeout": 30
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultSettingsFilename), []byte(settings), 0o600))

	mgr := NewManager(dir)
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.AutoSwitchEnabled)
	assert.Equal(t, map[string]bool{"gemini-3-flash": false}, cfg.ModelVisibility)
	assert.Equal(t, 30, cfg.RequestTimeout)
}

func TestTimeoutClamp(t *testing.T) {
	cfg := &Config{RequestTimeout: -5}
	assert.Equal(t, 1, cfg.Timeout())

	cfg.RequestTimeout = 45
	assert.Equal(t, 45, cfg.Timeout())
}

func TestSwitchThresholdDefault(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultAutoSwitchThreshold, cfg.SwitchThreshold())

	cfg.AutoSwitchThreshold = 40
	assert.Equal(t, 40.0, cfg.SwitchThreshold())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvInternalBaseURLs, "https://a.example.com, https://b.example.com")
	t.Setenv(EnvRequestUserAgent, "custom-agent/1.0")

	mgr := NewManager(t.TempDir())
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.InternalBaseURLs)
	assert.Equal(t, "custom-agent/1.0", cfg.RequestUserAgent)
}

func TestAltEnvAliases(t *testing.T) {
	t.Setenv(EnvAltInternalBaseURLs, "https://alt.example.com")
	t.Setenv(EnvAltRequestUserAgent, "alt-agent")

	mgr := NewManager(t.TempDir())
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://alt.example.com"}, cfg.InternalBaseURLs)
	assert.Equal(t, "alt-agent", cfg.RequestUserAgent)
}

func TestEnvPrecedence(t *testing.T) {
	t.Setenv(EnvInternalBaseURLs, "https://primary.example.com")
	t.Setenv(EnvAltInternalBaseURLs, "https://alt.example.com")
	t.Setenv(EnvLegacyInternalBaseURLs, "https://legacy.example.com")

	mgr := NewManager(t.TempDir())
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://primary.example.com"}, cfg.InternalBaseURLs,
		"documented PROXY_* names win over aliases")
}

func TestLegacyEnvAliases(t *testing.T) {
	t.Setenv(EnvLegacyInternalBaseURLs, "https://legacy.example.com")
	t.Setenv(EnvLegacyRequestUserAgent, "legacy-agent")

	mgr := NewManager(t.TempDir())
	cfg, err := mgr.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://legacy.example.com"}, cfg.InternalBaseURLs)
	assert.Equal(t, "legacy-agent", cfg.RequestUserAgent)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)

	cfg := &Config{
		Port:              9001,
		AutoSwitchEnabled: true,
	}
	require.NoError(t, mgr.Save(cfg))

	// No temp file should survive the rename.
	_, err := os.Stat(filepath.Join(dir, DefaultSettingsFilename+".tmp"))
	assert.True(t, os.IsNotExist(err))

	reloaded, err := NewManager(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, reloaded.Port)
	assert.True(t, reloaded.AutoSwitchEnabled)
}

func TestGetWithoutLoad(t *testing.T) {
	mgr := NewManager(t.TempDir())
	cfg := mgr.Get()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultPort, cfg.Port)
}
