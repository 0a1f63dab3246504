package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/zerag/zerag/internal/connector"
	"github.com/zerag/zerag/internal/llm"
	"github.com/zerag/zerag/internal/store"
)

// fallbackSimilarityThreshold gates the structured-query fallback: below
// this maximum vector similarity, passage retrieval is considered too weak
// to answer from.
const fallbackSimilarityThreshold = 0.45

const (
	maxFallbackSchemas = 20
	maxFallbackRows    = 10
)

// shouldFallBack reports whether the structured-query fallback fires: a
// database-backed source is scoped, the lexical path found nothing, and no
// vector hit cleared the confidence threshold.
func shouldFallBack(ds *store.DataSource, ret *retrieval) bool {
	if ds == nil {
		return false
	}
	switch ds.Kind {
	case store.KindFile, store.KindWeb:
		return false
	}
	return ret.lexicalHits == 0 && ret.maxVectorSim < fallbackSimilarityThreshold
}

// structuredFallback generates one query against the live source and folds
// the returned rows into candidates. Every step fails soft to zero rows;
// the generated query text executes unvalidated behind the row cap.
func (s *Service) structuredFallback(ctx context.Context, question string, ds *store.DataSource) []Candidate {
	logger := s.logger.With("data_source_id", ds.ID, "step", "structured_fallback")

	conn, err := s.connect(connector.Kind(ds.Kind), ds.Locator)
	if err != nil {
		logger.Warn("opening source connection failed", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	schemas := s.enumerateSchemas(ctx, conn, logger)
	if len(schemas) == 0 {
		return nil
	}

	query := llm.GenerateSQL(ctx, s.gen, question, schemas, ds.Kind, s.logger)
	if query == "" {
		logger.Debug("no query generated")
		return nil
	}

	rows, err := conn.Query(ctx, query, maxFallbackRows)
	if err != nil {
		logger.Warn("executing generated query failed", "error", err)
		return nil
	}

	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, Candidate{
			Content:    rowLine(row),
			Similarity: 0,
			Source:     SourceSQL,
		})
	}
	logger.Info("structured fallback produced rows", "rows", len(out))
	return out
}

// enumerateSchemas collects up to maxFallbackSchemas table schemas. A table
// whose columns cannot be listed is skipped.
func (s *Service) enumerateSchemas(ctx context.Context, conn connector.Connector, logger *slog.Logger) []llm.TableSchema {
	tables, err := conn.ListTables(ctx)
	if err != nil {
		logger.Warn("listing tables failed", "error", err)
		return nil
	}
	if len(tables) > maxFallbackSchemas {
		tables = tables[:maxFallbackSchemas]
	}

	var schemas []llm.TableSchema
	for _, table := range tables {
		columns, err := conn.ListColumns(ctx, table)
		if err != nil {
			logger.Warn("listing columns failed", "table", table, "error", err)
			continue
		}
		schemas = append(schemas, llm.TableSchema{Table: table, Columns: columns})
	}
	return schemas
}

// rowLine renders one query result row in sorted column order so the same
// row always produces the same context line.
func rowLine(row connector.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		if row[k] != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, ", ")
}
