package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/legalmcp/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Name = "legalmcp-test"
	cfg.Server.Version = "test"
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "json"

	// A configured endpoint keeps assembly off the in-process model,
	// which downloads weights on first load.
	cfg.Embeddings.Endpoints = []string{"http://127.0.0.1:1"}
	cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	cfg.Embeddings.RequestTimeout = config.Duration(time.Second)
	cfg.Embeddings.MaxBatchSize = 8
	cfg.Embeddings.MaxConcurrentBatches = 1
	cfg.Embeddings.MaxRetries = 1

	cfg.VectorStore.Backend = "chromem"
	cfg.VectorStore.Path = t.TempDir()
	cfg.VectorStore.VectorSize = 384

	cfg.Cache.Capacity = 16
	cfg.Cache.DefaultTTL = config.Duration(time.Minute)
	cfg.Cache.PreviewBudget = 512

	cfg.Ingest.Root = t.TempDir()
	cfg.Ingest.ChunkSize = 400
	cfg.Ingest.ChunkOverlap = 40
	cfg.Ingest.MaxParallelEmbeds = 1
	cfg.Ingest.MaxFileBytes = 1 << 20
	cfg.Ingest.MaxConvertedBytes = 1 << 20

	cfg.Telemetry.Enabled = false
	cfg.Telemetry.ServiceName = "legalmcp-test"
	return cfg
}

func TestNew_AssemblesAllServices(t *testing.T) {
	ctx := context.Background()

	srv, err := New(ctx, testConfig(t), "test", Options{})
	require.NoError(t, err)

	require.NotNil(t, srv.Ingest())
	require.NotNil(t, srv.Logger())
	require.NotNil(t, srv.querySvc)
	require.NotNil(t, srv.cache)
	require.NotNil(t, srv.mcpSrv)
	require.Nil(t, srv.catalogs)
	require.Nil(t, srv.renderer)

	require.NoError(t, srv.Close(ctx))
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", Options{})
	require.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "loud"

	_, err := New(context.Background(), cfg, "test", Options{})
	require.ErrorContains(t, err, "invalid configuration")
}

func TestNew_InvalidIngestRoot(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.Ingest.Root = filepath.Join(blocker, "tmp")

	_, err := New(context.Background(), cfg, "test", Options{})
	require.ErrorContains(t, err, "file services init")
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()

	srv, err := New(ctx, testConfig(t), "test", Options{})
	require.NoError(t, err)

	require.NoError(t, srv.Close(ctx))
	require.NoError(t, srv.Close(ctx))
}
