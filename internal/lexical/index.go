package lexical

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Document is one indexed chunk.
type Document struct {
	ChunkID int64
	Name    string
	Text    string
}

// Lister loads the current chunks of a data source. Implemented by the
// persistent store.
type Lister interface {
	ListChunkTexts(ctx context.Context, dsID int64) ([]Document, error)
}

// Hit is a scored lexical match. Similarity is the BM25 score normalized
// against the top score into (0, 0.99], so lexical hits compare against
// vector similarities in fusion without ever outranking a near-perfect
// vector match by construction alone.
type Hit struct {
	ChunkID    int64
	Name       string
	Text       string
	Score      float64
	Similarity float64
}

type sourceIndex struct {
	corpus *bm25Corpus
	docs   []Document
}

// Index caches one BM25 structure per data source, built lazily on first
// query. Safe for concurrent use; concurrent first queries for the same
// source share a single build.
type Index struct {
	lister Lister
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[int64]*sourceIndex
	// gens counts invalidations per source so a build that raced an
	// invalidation is never cached as current.
	gens  map[int64]uint64
	group singleflight.Group
}

// NewIndex creates an index backed by lister.
func NewIndex(lister Lister, logger *slog.Logger) *Index {
	return &Index{
		lister:  lister,
		logger:  logger,
		sources: make(map[int64]*sourceIndex),
		gens:    make(map[int64]uint64),
	}
}

// Search scores the query against the chunks of dsID and returns up to
// 2*topK hits with positive scores, best first. dsID 0 (unscoped) and an
// empty tokenized query both return no hits without error.
func (x *Index) Search(ctx context.Context, query string, dsID int64, topK int) ([]Hit, error) {
	if dsID == 0 {
		return nil, nil
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	src, err := x.source(ctx, dsID)
	if err != nil {
		return nil, err
	}
	if len(src.docs) == 0 {
		return nil, nil
	}

	type scored struct {
		idx   int
		score float64
	}
	all := make([]scored, 0, len(src.docs))
	for i := range src.docs {
		if s := src.corpus.score(queryTokens, i); s > 0 {
			all = append(all, scored{idx: i, score: s})
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	maxScore := all[0].score
	limit := 2 * topK
	if len(all) > limit {
		all = all[:limit]
	}

	hits := make([]Hit, 0, len(all))
	for _, s := range all {
		doc := src.docs[s.idx]
		sim := s.score / (maxScore + 1e-9) * 0.99
		if sim > 0.99 {
			sim = 0.99
		}
		hits = append(hits, Hit{
			ChunkID:    doc.ChunkID,
			Name:       doc.Name,
			Text:       doc.Text,
			Score:      s.score,
			Similarity: sim,
		})
	}

	x.logger.Debug("lexical search",
		"data_source_id", dsID,
		"query_tokens", len(queryTokens),
		"hits", len(hits))
	return hits, nil
}

// Invalidate drops the cached structure for dsID. The next query rebuilds
// it from the stored chunks.
func (x *Index) Invalidate(dsID int64) {
	x.mu.Lock()
	delete(x.sources, dsID)
	x.gens[dsID]++
	x.mu.Unlock()
	x.logger.Debug("lexical index invalidated", "data_source_id", dsID)
}

// source returns the cached index for dsID, building it if absent.
func (x *Index) source(ctx context.Context, dsID int64) (*sourceIndex, error) {
	x.mu.RLock()
	src, ok := x.sources[dsID]
	x.mu.RUnlock()
	if ok {
		return src, nil
	}

	v, err, _ := x.group.Do(strconv.FormatInt(dsID, 10), func() (any, error) {
		// Re-check: another caller may have built it before we won the
		// singleflight slot.
		x.mu.RLock()
		src, ok := x.sources[dsID]
		gen := x.gens[dsID]
		x.mu.RUnlock()
		if ok {
			return src, nil
		}

		docs, err := x.lister.ListChunkTexts(ctx, dsID)
		if err != nil {
			return nil, fmt.Errorf("listing chunks for index build: %w", err)
		}

		tokenized := make([][]string, len(docs))
		for i, d := range docs {
			tokenized[i] = Tokenize(d.Text)
		}
		built := &sourceIndex{corpus: newBM25Corpus(tokenized), docs: docs}

		// Cache only if no invalidation landed while we were reading the
		// chunks; otherwise serve this result once and rebuild next query.
		x.mu.Lock()
		stale := x.gens[dsID] != gen
		if !stale {
			x.sources[dsID] = built
		}
		x.mu.Unlock()
		if stale {
			x.logger.Debug("discarding index built across an invalidation",
				"data_source_id", dsID)
			return built, nil
		}

		x.logger.Info("lexical index built",
			"data_source_id", dsID,
			"documents", len(docs),
			"vocabulary", len(built.corpus.docFreq))
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sourceIndex), nil
}
