package rag

import (
	"context"
	"sort"

	"github.com/zerag/zerag/internal/llm"
	"github.com/zerag/zerag/internal/store"
)

// Candidate source tags. Vector-sourced candidates (vector, hyde) rank
// below lexical ones in fusion order and are the only ones counted toward
// the fallback-trigger similarity signal.
const (
	SourceVector  = "vector"
	SourceHyde    = "hyde"
	SourceBM25    = "bm25"
	SourceKeyword = "keyword"
	SourceSQL     = "sql"
)

// Candidate is one retrieval result competing for a context slot.
type Candidate struct {
	ChunkID      int64   `json:"chunk_id"`
	DocumentName string  `json:"document_name"`
	Content      string  `json:"content"`
	Similarity   float64 `json:"similarity"`
	Source       string  `json:"source"`
	RerankScore  float64 `json:"rerank_score,omitempty"`
}

func vectorSourced(source string) bool {
	return source == SourceVector || source == SourceHyde
}

// retrieval is the fused candidate set plus the signals the fallback
// trigger needs.
type retrieval struct {
	candidates   []Candidate
	lexicalHits  int
	maxVectorSim float64
	reranked     bool
}

// retrieve runs the fusion pipeline: vector searches over the question, up
// to two rewritten variants and the HyDE passage, a lexical pass, merge,
// and optional reranking down to topK.
func (s *Service) retrieve(ctx context.Context, question string, exp llm.Expansion,
	hydePassage string, dsID int64, topK int) *retrieval {

	pool := topK * s.multiplier

	vector := s.vectorCandidates(ctx, question, exp, hydePassage, dsID, pool)
	lexicalHits := s.lexicalCandidates(ctx, question, exp.Keywords, dsID, topK, pool)

	ret := &retrieval{lexicalHits: len(lexicalHits)}
	for _, c := range vector {
		if c.Similarity > ret.maxVectorSim {
			ret.maxVectorSim = c.Similarity
		}
	}

	// Lexical first, then unseen vector hits.
	seen := make(map[int64]bool, len(lexicalHits)+len(vector))
	merged := make([]Candidate, 0, len(lexicalHits)+len(vector))
	for _, c := range lexicalHits {
		if !seen[c.ChunkID] {
			seen[c.ChunkID] = true
			merged = append(merged, c)
		}
	}
	for _, c := range vector {
		if !seen[c.ChunkID] {
			seen[c.ChunkID] = true
			merged = append(merged, c)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		vi, vj := vectorSourced(merged[i].Source), vectorSourced(merged[j].Source)
		if vi != vj {
			return !vi
		}
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > pool {
		merged = merged[:pool]
	}

	ret.candidates = s.rerank(ctx, question, merged, topK, ret)
	return ret
}

// vectorCandidates searches with every available query representation and
// deduplicates by chunk id, first occurrence winning so the original
// question takes precedence. Each path fails soft to zero candidates.
func (s *Service) vectorCandidates(ctx context.Context, question string, exp llm.Expansion,
	hydePassage string, dsID int64, limit int) []Candidate {

	type path struct {
		text   string
		source string
	}
	paths := []path{{question, SourceVector}}
	variants := 0
	for _, v := range exp.Queries {
		if v == question || v == "" {
			continue
		}
		paths = append(paths, path{v, SourceVector})
		if variants++; variants == 2 {
			break
		}
	}
	if hydePassage != "" && hydePassage != question {
		paths = append(paths, path{hydePassage, SourceHyde})
	}

	seen := make(map[int64]bool)
	var out []Candidate
	for _, p := range paths {
		qvec, err := s.embed.EmbedQuery(ctx, p.text)
		if err != nil {
			s.logger.Warn("embedding query failed, skipping vector path",
				"source", p.source, "error", err)
			continue
		}
		hits, err := s.store.SearchVectors(ctx, qvec, dsID, limit)
		if err != nil {
			s.logger.Warn("vector search failed, skipping path",
				"source", p.source, "error", err)
			continue
		}
		for _, h := range hits {
			if seen[h.ChunkID] {
				continue
			}
			seen[h.ChunkID] = true
			out = append(out, Candidate{
				ChunkID:      h.ChunkID,
				DocumentName: h.DocumentName,
				Content:      h.Content,
				Similarity:   h.Similarity,
				Source:       p.source,
			})
		}
	}
	return out
}

// lexicalCandidates runs BM25 when a data source is scoped and falls back
// to the ILIKE pattern search when unscoped or when BM25 fails.
func (s *Service) lexicalCandidates(ctx context.Context, question string,
	keywords []string, dsID int64, topK, limit int) []Candidate {

	if dsID != 0 {
		hits, err := s.lexical.Search(ctx, question, dsID, topK)
		if err == nil {
			out := make([]Candidate, 0, len(hits))
			for _, h := range hits {
				out = append(out, Candidate{
					ChunkID:      h.ChunkID,
					DocumentName: h.Name,
					Content:      h.Text,
					Similarity:   h.Similarity,
					Source:       SourceBM25,
				})
			}
			return out
		}
		s.logger.Warn("lexical search failed, using pattern fallback",
			"data_source_id", dsID, "error", err)
	}

	if len(keywords) == 0 {
		keywords = []string{question}
	}
	hits, err := s.store.SearchPattern(ctx, keywords, dsID, limit)
	if err != nil {
		s.logger.Warn("pattern search failed", "error", err)
		return nil
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			ChunkID:      h.ChunkID,
			DocumentName: h.DocumentName,
			Content:      h.Content,
			Similarity:   h.Similarity,
			Source:       SourceKeyword,
		})
	}
	return out
}

// rerank scores every candidate against the question with the cross
// encoder and keeps the topK best. Reranker failure falls back to the
// fusion order truncated to topK.
func (s *Service) rerank(ctx context.Context, question string, merged []Candidate,
	topK int, ret *retrieval) []Candidate {

	if s.reranker == nil || len(merged) == 0 {
		return truncate(merged, topK)
	}

	texts := make([]string, len(merged))
	for i, c := range merged {
		texts[i] = c.Content
	}
	scores, err := s.reranker.Score(ctx, question, texts)
	if err != nil || len(scores) != len(merged) {
		s.logger.Warn("reranking failed, keeping fusion order", "error", err)
		return truncate(merged, topK)
	}

	for i := range merged {
		merged[i].RerankScore = scores[i]
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RerankScore > merged[j].RerankScore
	})
	ret.reranked = true
	return truncate(merged, topK)
}

func truncate(cs []Candidate, n int) []Candidate {
	if len(cs) > n {
		return cs[:n]
	}
	return cs
}

// chunkRefs converts candidates to the stored history representation.
func chunkRefs(cs []Candidate) []store.ChunkRef {
	refs := make([]store.ChunkRef, 0, len(cs))
	for _, c := range cs {
		refs = append(refs, store.ChunkRef{
			ChunkID:    c.ChunkID,
			Similarity: c.Similarity,
			Source:     c.Source,
		})
	}
	return refs
}
