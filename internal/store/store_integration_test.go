package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerag/zerag/internal/log"
	"github.com/zerag/zerag/internal/store"
	"github.com/zerag/zerag/internal/testutil"
)

const testDim = 768

// basisVec returns a unit vector pointing along one axis, so cosine
// similarity between different axes is exactly 0 and identical axes 1.
func basisVec(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = 1
	return v
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	s, err := store.New(db.Pool, log.NewNop())
	require.NoError(t, err)
	return s
}

func createFileSource(t *testing.T, s *store.Store, name string) int64 {
	t.Helper()
	id, err := s.CreateDataSource(context.Background(), &store.DataSource{
		Name:          name,
		Kind:          "file",
		Locator:       "/data/docs",
		OwnerID:       "tester",
		ChunkStrategy: "smart",
		ChunkSize:     512,
		ChunkOverlap:  64,
	})
	require.NoError(t, err)
	return id
}

func TestDataSourceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := createFileSource(t, s, "manuals")

	ds, err := s.GetDataSource(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "manuals", ds.Name)
	assert.Equal(t, "file", ds.Kind)
	assert.Equal(t, store.SyncPending, ds.SyncState)
	assert.Equal(t, 0, ds.SyncProgress)
	assert.Nil(t, ds.LastSyncedAt)

	id2 := createFileSource(t, s, "wiki")
	list, err := s.ListDataSources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID, "newest first")
	assert.Equal(t, id, list[1].ID)

	require.NoError(t, s.DeleteDataSource(ctx, id2))
	_, err = s.GetDataSource(ctx, id2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.DeleteDataSource(ctx, id2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := createFileSource(t, s, "manuals")

	t.Run("begin rejects concurrent sync", func(t *testing.T) {
		require.NoError(t, s.BeginSync(ctx, id))
		assert.ErrorIs(t, s.BeginSync(ctx, id), store.ErrSyncInProgress)
		assert.ErrorIs(t, s.BeginSync(ctx, 9999), store.ErrNotFound)
	})

	t.Run("progress is monotonic", func(t *testing.T) {
		require.NoError(t, s.SetSyncProgress(ctx, id, 40))
		require.NoError(t, s.SetSyncProgress(ctx, id, 20))

		ds, err := s.GetDataSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 40, ds.SyncProgress)
		assert.Equal(t, store.SyncSyncing, ds.SyncState)
	})

	t.Run("finish marks synced", func(t *testing.T) {
		require.NoError(t, s.FinishSync(ctx, id))

		ds, err := s.GetDataSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.SyncSynced, ds.SyncState)
		assert.Equal(t, 100, ds.SyncProgress)
		assert.Empty(t, ds.SyncError)
		require.NotNil(t, ds.LastSyncedAt)
	})

	t.Run("progress ignored outside syncing", func(t *testing.T) {
		require.NoError(t, s.SetSyncProgress(ctx, id, 50))
		ds, err := s.GetDataSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 100, ds.SyncProgress)
	})

	t.Run("fail records error and resets progress", func(t *testing.T) {
		require.NoError(t, s.BeginSync(ctx, id))
		require.NoError(t, s.FailSync(ctx, id, "embedder unavailable"))

		ds, err := s.GetDataSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.SyncError, ds.SyncState)
		assert.Equal(t, 0, ds.SyncProgress)
		assert.Equal(t, "embedder unavailable", ds.SyncError)
	})

	t.Run("begin recovers from error state", func(t *testing.T) {
		require.NoError(t, s.BeginSync(ctx, id))
		ds, err := s.GetDataSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.SyncSyncing, ds.SyncState)
		assert.Empty(t, ds.SyncError)
	})
}

func TestChunkStorageAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := createFileSource(t, s, "manuals")
	other := createFileSource(t, s, "wiki")

	chunks := []store.NewChunk{
		{DocumentName: "intro.md", Index: 0, Content: "Connection pooling basics.", Embedding: basisVec(0)},
		{DocumentName: "intro.md", Index: 1, Content: "Index tuning with HNSW.", Embedding: basisVec(1)},
		{DocumentName: "ops.md", Index: 0, Content: "Backup and restore runbook.", Embedding: basisVec(2)},
	}
	require.NoError(t, s.InsertChunks(ctx, id, chunks))
	require.NoError(t, s.InsertChunks(ctx, other, []store.NewChunk{
		{DocumentName: "page.md", Index: 0, Content: "Unrelated wiki page.", Embedding: basisVec(0)},
	}))

	n, err := s.CountChunks(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	listed, err := s.ListChunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "Connection pooling basics.", listed[0].Content)
	assert.Equal(t, id, listed[0].DataSourceID)

	t.Run("scoped search ranks by cosine similarity", func(t *testing.T) {
		hits, err := s.SearchVectors(ctx, basisVec(1), id, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "Index tuning with HNSW.", hits[0].Content)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
		assert.Less(t, hits[1].Similarity, hits[0].Similarity)
	})

	t.Run("unscoped search spans all sources", func(t *testing.T) {
		hits, err := s.SearchVectors(ctx, basisVec(0), 0, 10)
		require.NoError(t, err)
		require.Len(t, hits, 4)
		sources := map[int64]bool{}
		for _, h := range hits {
			sources[h.DataSourceID] = true
		}
		assert.True(t, sources[id])
		assert.True(t, sources[other])
	})

	t.Run("empty scope yields no results", func(t *testing.T) {
		empty := createFileSource(t, s, "empty")
		hits, err := s.SearchVectors(ctx, basisVec(0), empty, 5)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("delete chunks cascades vectors", func(t *testing.T) {
		require.NoError(t, s.DeleteChunks(ctx, other))
		n, err := s.CountChunks(ctx, other)
		require.NoError(t, err)
		assert.Zero(t, n)

		hits, err := s.SearchVectors(ctx, basisVec(0), other, 5)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestSearchPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := createFileSource(t, s, "manuals")

	require.NoError(t, s.InsertChunks(ctx, id, []store.NewChunk{
		{DocumentName: "a.md", Index: 0, Content: "PostgreSQL replication guide", Embedding: basisVec(0)},
		{DocumentName: "a.md", Index: 1, Content: "Sharding strategies overview", Embedding: basisVec(1)},
		{DocumentName: "a.md", Index: 2, Content: "100% uptime_target notes", Embedding: basisVec(2)},
	}))

	t.Run("matches any keyword case-insensitively", func(t *testing.T) {
		hits, err := s.SearchPattern(ctx, []string{"replication", "sharding"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		for _, h := range hits {
			assert.InDelta(t, 0.99, h.Similarity, 1e-9)
		}

		hits, err = s.SearchPattern(ctx, []string{"POSTGRESQL"}, 0, 10)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})

	t.Run("LIKE metacharacters are literal", func(t *testing.T) {
		hits, err := s.SearchPattern(ctx, []string{"100%"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Contains(t, hits[0].Content, "uptime_target")

		hits, err = s.SearchPattern(ctx, []string{"g_ide"}, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, hits, "underscore must not act as a wildcard")
	})

	t.Run("blank keywords yield nothing", func(t *testing.T) {
		hits, err := s.SearchPattern(ctx, []string{"", "  "}, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("scoped to a data source", func(t *testing.T) {
		empty := createFileSource(t, s, "empty")
		hits, err := s.SearchPattern(ctx, []string{"replication"}, empty, 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestInsertQARecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := createFileSource(t, s, "manuals")

	err := s.InsertQARecord(ctx, store.QARecord{
		Question:     "How do I tune HNSW?",
		Answer:       "Raise ef_search.",
		DataSourceID: id,
		OwnerID:      "tester",
		Chunks: []store.ChunkRef{
			{ChunkID: 1, Similarity: 0.91, Source: "vector"},
		},
		PipelineTrace: map[string]any{"reranked": false},
	})
	require.NoError(t, err)

	// Unscoped record stores NULL for the data source.
	err = s.InsertQARecord(ctx, store.QARecord{
		Question: "What is pgvector?",
		Answer:   "A vector extension.",
		OwnerID:  "tester",
	})
	require.NoError(t, err)
}
