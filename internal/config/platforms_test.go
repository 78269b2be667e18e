package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/config"
)

func TestLoadPlatformCatalog_Embedded(t *testing.T) {
	cat, err := config.LoadPlatformCatalog("")
	require.NoError(t, err)
	assert.True(t, cat.Supported("youtube"))
	assert.True(t, cat.QualityValid("youtube", "mp3", "192"))
	assert.True(t, cat.QualityValid("youtube", "mp4", "1080"))
	assert.False(t, cat.QualityValid("youtube", "mp4", "4320"))
	assert.False(t, cat.QualityValid("myspace", "mp3", "128"))
	assert.False(t, cat.Supported("myspace"))
}

func TestLoadPlatformCatalog_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "platforms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platforms:\n  - name: youtube\n    label: YouTube\n    qualities:\n      mp3: [\"128\"]\n"), 0o600))

	cat, err := config.LoadPlatformCatalog(path)
	require.NoError(t, err)
	assert.True(t, cat.QualityValid("youtube", "mp3", "128"))
	assert.False(t, cat.QualityValid("youtube", "mp3", "320"))
}

func TestLoadPlatformCatalog_Errors(t *testing.T) {
	_, err := config.LoadPlatformCatalog("/nonexistent/platforms.yaml")
	require.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(":::"), 0o600))
	_, err = config.LoadPlatformCatalog(bad)
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("platforms: []\n"), 0o600))
	_, err = config.LoadPlatformCatalog(empty)
	require.Error(t, err)
}
