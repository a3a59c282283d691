package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GetAppliesDefaultsWithoutFile(t *testing.T) {
	mgr := NewManager(t.TempDir())

	cfg := mgr.Get()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultMaxTokens, cfg.Upstream.DefaultMaxTokens)
	assert.NotEmpty(t, cfg.ModelAliases)
}

func TestManager_SaveAndLoad(t *testing.T) {
	mgr := NewManager(t.TempDir())

	require.NoError(t, mgr.Save(&Config{
		Host:   "0.0.0.0",
		Port:   9000,
		APIKey: "secret",
	}))

	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", loaded.Host)
	assert.Equal(t, 9000, loaded.Port)
	assert.Equal(t, "secret", loaded.APIKey)
}

func TestManager_LoadFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFilename), []byte(`{"port": 9999}`), 0o644))

	mgr := NewManager(dir)

	cfg, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultMaxTokens, cfg.Upstream.DefaultMaxTokens)
}

func TestManager_Exists(t *testing.T) {
	mgr := NewManager(t.TempDir())
	assert.False(t, mgr.Exists())

	require.NoError(t, mgr.Save(&Config{}))
	assert.True(t, mgr.Exists())
}

func TestResolveModel(t *testing.T) {
	cfg := &Config{ModelAliases: map[string]string{"gpt-4o": DefaultModel}}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"alias maps", "gpt-4o", DefaultModel},
		{"empty gets default", "", DefaultModel},
		{"unmapped passes through", "claude-opus-4-20250514", "claude-opus-4-20250514"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.ResolveModel(tt.in))
		})
	}
}

func TestAliasNames(t *testing.T) {
	cfg := &Config{ModelAliases: map[string]string{"a": "x", "b": "y"}}
	assert.ElementsMatch(t, []string{"a", "b"}, cfg.AliasNames())
}
