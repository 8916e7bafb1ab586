package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":7455", cfg.Addr)
	assert.Equal(t, 2, cfg.Batch.Concurrency)
	assert.Equal(t, 1000, cfg.Batch.RetryDelayMs)
}

func TestLoadProjectJSONC(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// project overrides
		"addr": ":9000",
		"batch": {"concurrency": 4, "maxRetries": 1, "retryDelayMs": 50}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atelier.jsonc"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.Equal(t, 1, cfg.Batch.MaxRetries)
}

func TestLoadProjectYAML(t *testing.T) {
	dir := t.TempDir()
	content := "addr: \":9100\"\nproducer:\n  streamURL: http://localhost:1234/stream\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atelier.yaml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "http://localhost:1234/stream", cfg.Producer.StreamURL)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("ATELIER_TEST_KEY", "sk-123")

	dir := t.TempDir()
	content := `{"producer": {"apiKey": "{env:ATELIER_TEST_KEY}"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atelier.json"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "sk-123", cfg.Producer.APIKey)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("ATELIER_ADDR", ":7999")
	t.Setenv("ATELIER_BATCH_CONCURRENCY", "8")

	dir := t.TempDir()
	content := `{"addr": ":9000"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atelier.json"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":7999", cfg.Addr)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
}

func TestStorageDirOverride(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/atelier-data"
	assert.Equal(t, "/tmp/atelier-data", cfg.StorageDir())
}
