package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsForZeroValues(t *testing.T) {
	path := writeYAML(t, "dbname: notes\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "notes", cfg.DBName)
	assert.Equal(t, ".", cfg.Path)
	assert.Equal(t, 1, cfg.CustomChunkSize)
	assert.Equal(t, 1024*1024, cfg.MaxDocSizeBin)
	assert.Equal(t, 512*1024, cfg.MaxDocSize)
	assert.Equal(t, 10*1024*1024, cfg.MaxChunkSize)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10, cfg.BatchesLimit)
	assert.Equal(t, 10000, cfg.LeafWaitTimeoutMS)
	assert.Equal(t, 4096, cfg.HashCacheSize)
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	path := writeYAML(t, "dbname: notes\npath: /data\nbatch_size: 7\nmaxDocSizeBin: 2048\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.Path)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 2048, cfg.MaxDocSizeBin)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAMLErrors(t *testing.T) {
	path := writeYAML(t, "dbname: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
}
