package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8000, cfg.Provider.MaxInputChars)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterngraph.yaml")
	yml := `
state_path: /var/lib/patterngraph
queue:
  batch_size: 25
  visibility_timeout: 90s
provider:
  kind: ollama
  embedding_model: mxbai-embed-large
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	t.Setenv("QUEUE_BATCH_SIZE", "7")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/patterngraph", cfg.StatePath)
	assert.Equal(t, 7, cfg.Queue.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "mxbai-embed-large", cfg.Provider.EmbeddingModel)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	// untouched defaults survive
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	cfg := Default()
	cfg.Graph.Backend = "neo4j"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Provider.Kind = "openai"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Provider.Kind = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "soon")
	_, err := Load("")
	assert.Error(t, err)
}
