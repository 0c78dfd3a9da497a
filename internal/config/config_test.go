package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFillsDatabaseAndLogPaths(t *testing.T) {
	cfg := Default()
	assert.Contains(t, cfg.Storage.DatabasePath, filepath.Join(".local", "share", "codepunk"))
	assert.Contains(t, cfg.Logging.LogPath, filepath.Join(".local", "share", "codepunk"))
	assert.Equal(t, 25, cfg.Orchestrator.MaxToolCallIterations)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
}

func TestLoadOverlaysProjectConfigOverDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	require.NoError(t, os.MkdirAll(".agents", 0o755))
	toml := "[llm]\nprovider = \"openai\"\nmodel = \"gpt-test\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(".agents", "codepunk.toml"), []byte(toml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-test", cfg.LLM.Model)
	// Fields the project file doesn't set keep their defaults.
	assert.Equal(t, 25, cfg.Orchestrator.MaxToolCallIterations)
}

func TestLoadHonorsEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	t.Setenv("CODEPUNK_LLM_MODEL", "claude-from-env")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "claude-from-env", cfg.LLM.Model)
}

func TestSaveWritesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	cfg := Default()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-saved"
	require.NoError(t, Save(&cfg))

	data, err := os.ReadFile(filepath.Join(".agents", "codepunk.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "claude-saved")
}
