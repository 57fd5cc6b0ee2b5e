package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 12*time.Hour, cfg.Closure.IdleThreshold)
	assert.Equal(t, 3, cfg.Closure.MaxAttempts)
	assert.Equal(t, 0.92, cfg.Memory.DedupThreshold)
	assert.Equal(t, "lexical", cfg.Embedding.Provider)
	assert.Equal(t, 0.3, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, 0.6, cfg.Proactive.MinSimilarity)
	assert.Equal(t, 3, cfg.Retrieval.MaxResults)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/from-yaml.db
monitor_channels: [support, ops]
closure:
  idle_threshold: 6h
  max_attempts: 5
retrieval:
  min_similarity: 0.6
proactive:
  expert_routing: true
  experts:
    hydraulic: [U1, U2]
`), 0o644))

	t.Setenv("SUPPORT_MEMORY_DB", "/tmp/from-env.db")
	t.Setenv("SUPPORT_MEMORY_IDLE_THRESHOLD", "90m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.DBPath)
	assert.Equal(t, 90*time.Minute, cfg.Closure.IdleThreshold)
	assert.Equal(t, 5, cfg.Closure.MaxAttempts)
	assert.Equal(t, 0.6, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, []string{"U1", "U2"}, cfg.Proactive.Experts["hydraulic"])
	assert.True(t, cfg.Monitored("ops"))
	assert.False(t, cfg.Monitored("random"))
	// Untouched sections keep defaults.
	assert.Equal(t, 15, cfg.Extractor.TailMessages)
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("SUPPORT_MEMORY_IDLE_THRESHOLD", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero idle", func(c *Config) { c.Closure.IdleThreshold = 0 }},
		{"dedup above one", func(c *Config) { c.Memory.DedupThreshold = 1.5 }},
		{"proactive looser than interactive", func(c *Config) { c.Proactive.MinSimilarity = 0.2 }},
		{"unknown embedder", func(c *Config) { c.Embedding.Provider = "magic" }},
		{"openai without key", func(c *Config) { c.Embedding.Provider = "openai" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMonitoredEmptyMeansAll(t *testing.T) {
	assert.True(t, Default().Monitored("anything"))
}

func TestLoadCalibratesCutoffsPerEmbedder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedding:
  provider: ollama
  model: nomic-embed-text
  dims: 768
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, 0.85, cfg.Proactive.MinSimilarity)

	require.NoError(t, os.WriteFile(path, []byte(`
proactive:
  min_similarity: 0.7
`), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, 0.7, cfg.Proactive.MinSimilarity, "explicit values win")
}
