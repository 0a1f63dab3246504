// Package rag answers natural-language questions over synced content:
// query expansion, fused vector + lexical retrieval, optional cross-encoder
// reranking, a structured-query fallback for database sources, and answer
// generation with result caching.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zerag/zerag/internal/cache"
)

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Dimension() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingService wraps an Embedder with the embedding cache. Identical
// text always maps to the same vector under a fixed model, so cached
// entries never go stale.
type EmbeddingService struct {
	embedder Embedder
	cache    *cache.EmbeddingCache
	logger   *slog.Logger
}

// NewEmbeddingService creates the service. cache may be nil to disable
// query-embedding caching.
func NewEmbeddingService(embedder Embedder, c *cache.EmbeddingCache, logger *slog.Logger) *EmbeddingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingService{embedder: embedder, cache: c, logger: logger}
}

// Dimension returns the vector size of the underlying embedder.
func (s *EmbeddingService) Dimension() int {
	return s.embedder.Dimension()
}

// EmbedBatch embeds document texts. The sync path calls this; it bypasses
// the cache since document chunks rarely repeat.
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if err := s.checkDimensions(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// EmbedQuery embeds a single query text, consulting the cache first.
func (s *EmbeddingService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.cache.Get(text); ok {
		return vec, nil
	}
	vecs, err := s.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vecs))
	}
	if err := s.checkDimensions(vecs); err != nil {
		return nil, err
	}
	s.cache.Put(text, vecs[0])
	return vecs[0], nil
}

// checkDimensions guards against a model change: vectors of the wrong size
// cannot be compared against the stored index and require re-embedding
// every data source.
func (s *EmbeddingService) checkDimensions(vecs [][]float32) error {
	want := s.embedder.Dimension()
	for _, v := range vecs {
		if len(v) != want {
			return fmt.Errorf("embedding dimension %d does not match configured %d; "+
				"changing models requires re-syncing all data sources", len(v), want)
		}
	}
	return nil
}
