package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// DeleteChunks removes all chunks of a data source; vectors cascade.
// Called at the start of a sync run before re-ingesting.
func (s *Store) DeleteChunks(ctx context.Context, dsID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM document_chunks WHERE data_source_id = $1`, dsID)
	if err != nil {
		return fmt.Errorf("deleting chunks of data source %d: %w", dsID, err)
	}
	return nil
}

// InsertChunks stores one batch of chunks with their embeddings, all in one
// transaction so a chunk never exists without its vector.
func (s *Store) InsertChunks(ctx context.Context, dsID int64, chunks []NewChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning chunk insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range chunks {
		var chunkID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO document_chunks (data_source_id, document_name, chunk_index, content)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			dsID, c.DocumentName, c.Index, c.Content,
		).Scan(&chunkID)
		if err != nil {
			return fmt.Errorf("inserting chunk: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO document_vectors (chunk_id, embedding) VALUES ($1, $2)`,
			chunkID, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("inserting vector for chunk %d: %w", chunkID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunk insert: %w", err)
	}
	return nil
}

// CountChunks returns the number of stored chunks for a data source.
func (s *Store) CountChunks(ctx context.Context, dsID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE data_source_id = $1`, dsID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks of data source %d: %w", dsID, err)
	}
	return n, nil
}

// ListChunks returns all chunks of a data source in insertion order. Feeds
// the lexical index build.
func (s *Store) ListChunks(ctx context.Context, dsID int64) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data_source_id, document_name, chunk_index, content
		FROM document_chunks WHERE data_source_id = $1 ORDER BY id`, dsID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks of data source %d: %w", dsID, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DataSourceID, &c.DocumentName, &c.Index, &c.Content); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing chunks of data source %d: %w", dsID, err)
	}
	return out, nil
}

// SearchVectors returns the chunks nearest to qvec by cosine distance.
// Similarity is 1 - distance. dsID 0 searches across all sources. An empty
// index (or scope) yields an empty result, never an error.
func (s *Store) SearchVectors(ctx context.Context, qvec []float32, dsID int64, limit int) ([]SearchResult, error) {
	query := `SELECT c.id, c.data_source_id, c.document_name, c.content,
			1 - (v.embedding <=> $1) AS similarity
		FROM document_vectors v
		JOIN document_chunks c ON c.id = v.chunk_id`
	args := []any{pgvector.NewVector(qvec)}
	if dsID != 0 {
		query += ` WHERE c.data_source_id = $2`
		args = append(args, dsID)
	}
	query += fmt.Sprintf(` ORDER BY v.embedding <=> $1 LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	return collectSearchResults(rows)
}

// SearchPattern is the unscoped keyword fallback: case-insensitive
// substring match of any keyword against stored chunk text. Matches carry
// the fixed 0.99 similarity proxy.
func (s *Store) SearchPattern(ctx context.Context, keywords []string, dsID int64, limit int) ([]SearchResult, error) {
	var clean []string
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT c.id, c.data_source_id, c.document_name, c.content,
		0.99::float8 AS similarity
		FROM document_chunks c WHERE (`)
	args := make([]any, 0, len(clean)+1)
	for i, k := range clean {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		args = append(args, "%"+escapeLike(k)+"%")
		fmt.Fprintf(&sb, "c.content ILIKE $%d", len(args))
	}
	sb.WriteString(")")
	if dsID != 0 {
		args = append(args, dsID)
		fmt.Fprintf(&sb, " AND c.data_source_id = $%d", len(args))
	}
	fmt.Fprintf(&sb, " ORDER BY c.id LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("pattern search: %w", err)
	}
	defer rows.Close()
	return collectSearchResults(rows)
}

// escapeLike escapes LIKE metacharacters in user-derived keywords.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func collectSearchResults(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]SearchResult, error) {
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DataSourceID, &r.DocumentName, &r.Content, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}
	return out, nil
}
