// SPDX-License-Identifier: GPL-3.0-or-later

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wpkg", cfg.Database)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wpkg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: /opt/wpkg/db\nlog-level: debug\nforce:\n  overwrite: true\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/wpkg/db", cfg.Database)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Force["overwrite"])
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wpkg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: /opt/wpkg/db\n"), 0644))

	t.Setenv("WPKG_DATABASE", "/custom/db")
	t.Setenv("WPKG_LOG_JSON", "true")
	t.Setenv("WPKG_FORCE_DOWNGRADE", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom/db", cfg.Database)
	assert.True(t, cfg.LogJSON)
	assert.True(t, cfg.Force["downgrade"])
}

func TestDefaultHasEmptyForceMap(t *testing.T) {
	cfg := config.Default()
	assert.NotNil(t, cfg.Force)
	assert.Empty(t, cfg.Force)
}
