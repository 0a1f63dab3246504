package config

import "fmt"

// Validate checks the configuration for out-of-range values.
// Called by Load immediately after unmarshalling (fail-fast).
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.EmbedderDim < 1 || c.EmbedderDim > 4096 {
		return fmt.Errorf("%w: %d (must be 1-4096)", ErrInvalidEmbedderDimension, c.EmbedderDim)
	}

	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return ErrInvalidPostgresDBName
	}

	if c.TopK < 1 || c.TopK > 50 {
		return fmt.Errorf("%w: %d (must be 1-50)", ErrInvalidTopK, c.TopK)
	}
	if c.RerankerCandidateMul < 1 || c.RerankerCandidateMul > 10 {
		return fmt.Errorf("%w: %d (must be 1-10)", ErrInvalidMultiplier, c.RerankerCandidateMul)
	}

	if c.EmbeddingCacheSize < 1 {
		return fmt.Errorf("%w: embedding_cache_size=%d", ErrInvalidCacheSize, c.EmbeddingCacheSize)
	}
	if c.ResultCacheSize < 1 {
		return fmt.Errorf("%w: result_cache_size=%d", ErrInvalidCacheSize, c.ResultCacheSize)
	}
	if c.ResultCacheTTLSec < 1 {
		return fmt.Errorf("%w: result_cache_ttl=%d", ErrInvalidCacheSize, c.ResultCacheTTLSec)
	}

	if c.ChunkSize < 16 {
		return fmt.Errorf("%w: chunk_size=%d (must be >= 16)", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap=%d must be in [0, chunk_size)", ErrInvalidChunkSize, c.ChunkOverlap)
	}

	return nil
}
