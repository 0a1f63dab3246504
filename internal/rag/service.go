package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zerag/zerag/internal/cache"
	"github.com/zerag/zerag/internal/connector"
	"github.com/zerag/zerag/internal/lexical"
	"github.com/zerag/zerag/internal/llm"
	"github.com/zerag/zerag/internal/rerank"
	"github.com/zerag/zerag/internal/store"
)

// Storage is the persistence surface the answer pipeline reads and writes.
type Storage interface {
	GetDataSource(ctx context.Context, id int64) (*store.DataSource, error)
	SearchVectors(ctx context.Context, qvec []float32, dsID int64, limit int) ([]store.SearchResult, error)
	SearchPattern(ctx context.Context, keywords []string, dsID int64, limit int) ([]store.SearchResult, error)
	InsertQARecord(ctx context.Context, rec store.QARecord) error
}

// Lexical is the scoped BM25 search surface.
type Lexical interface {
	Search(ctx context.Context, query string, dsID int64, topK int) ([]lexical.Hit, error)
}

const (
	defaultTopK       = 5
	askHistoryTurns   = 10
	chatHistoryTurns  = 20
	systemPrompt      = "You are a precise assistant for a knowledge base. Answer the question using the provided context. When the context does not contain the answer, say so instead of guessing. Answer in the language of the question."
	chatSystemPrompt  = "You are a helpful, concise assistant."
	contextHeader     = "Context:"
	questionHeader    = "Question:"
	maxQuestionPrefix = 48
)

// Flags toggles optional pipeline stages per request.
type Flags struct {
	Rewrite     bool
	HyDE        bool
	SQLFallback bool
	Cache       bool
}

// DefaultFlags enables every stage.
func DefaultFlags() *Flags {
	return &Flags{Rewrite: true, HyDE: true, SQLFallback: true, Cache: true}
}

// Request is one question.
type Request struct {
	Question     string
	DataSourceID int64  // 0 = search all sources
	TopK         int    // 0 = configured default
	Flags        *Flags // nil = all stages enabled
	OwnerID      string
	History      []llm.Message
}

func (r Request) flags() *Flags {
	if r.Flags != nil {
		return r.Flags
	}
	return DefaultFlags()
}

// Answer is the full response payload, also the result-cache value.
type Answer struct {
	Question      string         `json:"question"`
	Answer        string         `json:"answer"`
	Chunks        []Candidate    `json:"chunks"`
	PipelineTrace map[string]any `json:"pipeline_trace"`
}

// Event is one element of a streaming answer.
type Event struct {
	Type    EventType      `json:"type"`
	Chunks  []Candidate    `json:"chunks,omitempty"`
	Trace   map[string]any `json:"trace,omitempty"`
	Token   string         `json:"token,omitempty"`
	Answer  string         `json:"answer,omitempty"`
	Message string         `json:"message,omitempty"`
}

// EventType identifies a stream event.
type EventType string

const (
	EventRetrievalDone EventType = "retrieval_done"
	EventToken         EventType = "token"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Options tunes the pipeline.
type Options struct {
	TopK int
	// RerankMultiplier widens the candidate pool before reranking. Forced
	// to 1 when no reranker is configured.
	RerankMultiplier int
}

// Service orchestrates the answer pipeline. Safe for concurrent use.
type Service struct {
	store    Storage
	lexical  Lexical
	embed    *EmbeddingService
	gen      llm.Generator
	reranker rerank.CrossEncoder
	results  *cache.ResultCache
	versions *cache.Versions
	connect  func(kind connector.Kind, dsn string) (connector.Connector, error)

	topK       int
	multiplier int
	logger     *slog.Logger
}

// NewService creates the orchestrator. reranker and results may be nil to
// disable those stages.
func NewService(storage Storage, lex Lexical, embed *EmbeddingService, gen llm.Generator,
	reranker rerank.CrossEncoder, results *cache.ResultCache, versions *cache.Versions,
	opts Options, logger *slog.Logger) (*Service, error) {

	if storage == nil || lex == nil || embed == nil || gen == nil {
		return nil, errors.New("storage, lexical, embedder and generator are required")
	}
	if versions == nil {
		versions = cache.NewVersions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	multiplier := opts.RerankMultiplier
	if reranker == nil || multiplier < 1 {
		multiplier = 1
	}
	return &Service{
		store:      storage,
		lexical:    lex,
		embed:      embed,
		gen:        gen,
		reranker:   reranker,
		results:    results,
		versions:   versions,
		connect:    connector.New,
		topK:       topK,
		multiplier: multiplier,
		logger:     logger,
	}, nil
}

// Ask answers one question synchronously.
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}

	// History changes what "the same question" means, so cached answers
	// only apply to history-free requests.
	var cacheKey string
	if len(req.History) == 0 && s.results != nil && req.flags().Cache {
		cacheKey = cache.ResultKey(req.Question, req.DataSourceID, topK,
			s.versions.Current(req.DataSourceID))
		if v, ok := s.results.Get(cacheKey); ok {
			if ans, ok := v.(*Answer); ok {
				s.logger.Debug("result cache hit", "question", questionPrefix(req.Question))
				return ans, nil
			}
		}
	}

	candidates, trace, ds, err := s.runRetrieval(ctx, req, topK)
	if err != nil {
		return nil, err
	}

	answer, err := s.gen.Complete(ctx, s.buildPrompt(req, candidates))
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	ans := &Answer{
		Question:      req.Question,
		Answer:        answer,
		Chunks:        candidates,
		PipelineTrace: trace,
	}

	s.recordQA(ctx, req, ans, ds)
	if cacheKey != "" {
		s.results.Put(cacheKey, ans)
	}
	return ans, nil
}

// AskStream answers one question as an event stream:
// retrieval_done, token*, then done or error. A callback error or context
// cancellation stops generation and is returned to the caller; internal
// generation failures surface as a terminal error event instead.
func (s *Service) AskStream(ctx context.Context, req Request, cb func(Event) error) error {
	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}

	candidates, trace, ds, err := s.runRetrieval(ctx, req, topK)
	if err != nil {
		return err
	}
	if err := cb(Event{Type: EventRetrievalDone, Chunks: candidates, Trace: trace}); err != nil {
		return err
	}

	return s.streamAnswer(ctx, req, s.buildPrompt(req, candidates), candidates, trace, ds, cb)
}

// Chat answers conversationally without retrieval.
func (s *Service) Chat(ctx context.Context, req Request) (*Answer, error) {
	answer, err := s.gen.Complete(ctx, s.buildChatPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}
	ans := &Answer{
		Question:      req.Question,
		Answer:        answer,
		PipelineTrace: map[string]any{"mode": "chat"},
	}
	s.recordQA(ctx, req, ans, nil)
	return ans, nil
}

// ChatStream is the streaming variant of Chat. The stream shape matches
// AskStream, with an empty retrieval_done event first.
func (s *Service) ChatStream(ctx context.Context, req Request, cb func(Event) error) error {
	trace := map[string]any{"mode": "chat"}
	if err := cb(Event{Type: EventRetrievalDone, Trace: trace}); err != nil {
		return err
	}
	return s.streamAnswer(ctx, req, s.buildChatPrompt(req), nil, trace, nil, cb)
}

// runRetrieval executes expansion, fusion and the structured fallback.
func (s *Service) runRetrieval(ctx context.Context, req Request, topK int) ([]Candidate, map[string]any, *store.DataSource, error) {
	var ds *store.DataSource
	if req.DataSourceID != 0 {
		var err error
		ds, err = s.store.GetDataSource(ctx, req.DataSourceID)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	flags := req.flags()

	exp := llm.Expansion{
		Keywords: []string{req.Question},
		Queries:  []string{req.Question},
		HyDEHint: req.Question,
	}
	if flags.Rewrite {
		exp = llm.Rewrite(ctx, s.gen, req.Question, s.logger)
	}
	var hydePassage string
	if flags.HyDE {
		hydePassage = llm.HyDE(ctx, s.gen, req.Question, exp.HyDEHint, s.logger)
	}

	ret := s.retrieve(ctx, req.Question, exp, hydePassage, req.DataSourceID, topK)
	candidates := ret.candidates

	trace := map[string]any{
		"keywords":              exp.Keywords,
		"query_variants":        exp.Queries,
		"lexical_hits":          ret.lexicalHits,
		"max_vector_similarity": ret.maxVectorSim,
		"reranked":              ret.reranked,
		"fallback_rows":         0,
	}

	if flags.SQLFallback && shouldFallBack(ds, ret) {
		rows := s.structuredFallback(ctx, req.Question, ds)
		candidates = append(candidates, rows...)
		trace["fallback_rows"] = len(rows)
	}

	s.logger.Info("retrieval done",
		"question", questionPrefix(req.Question),
		"data_source_id", req.DataSourceID,
		"candidates", len(candidates),
		"lexical_hits", ret.lexicalHits,
		"max_vector_similarity", ret.maxVectorSim)

	return candidates, trace, ds, nil
}

// streamAnswer drives token generation and the terminal event. Generation
// stops on every exit path: consumer error, context cancel, or internal
// failure.
func (s *Service) streamAnswer(ctx context.Context, req Request, msgs []llm.Message,
	candidates []Candidate, trace map[string]any, ds *store.DataSource, cb func(Event) error) error {

	var cbErr error
	answer, err := s.gen.CompleteStream(ctx, msgs, func(fragment string) error {
		if err := cb(Event{Type: EventToken, Token: fragment}); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if err != nil {
		if cbErr != nil {
			return cbErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("streaming generation failed",
			"question", questionPrefix(req.Question), "error", err)
		if cerr := cb(Event{Type: EventError, Message: err.Error()}); cerr != nil {
			return cerr
		}
		return nil
	}

	if err := cb(Event{Type: EventDone, Answer: answer}); err != nil {
		return err
	}
	s.recordQA(ctx, req, &Answer{
		Question:      req.Question,
		Answer:        answer,
		Chunks:        candidates,
		PipelineTrace: trace,
	}, ds)
	return nil
}

// buildPrompt assembles system prompt, trailing history, retrieved context
// and the question.
func (s *Service) buildPrompt(req Request, candidates []Candidate) []llm.Message {
	msgs := []llm.Message{llm.System(systemPrompt)}
	msgs = append(msgs, lastTurns(req.History, askHistoryTurns)...)

	var sb strings.Builder
	sb.WriteString(contextHeader)
	if len(candidates) == 0 {
		sb.WriteString("\n(no relevant content found)")
	}
	for i, c := range candidates {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s", i+1, c.DocumentName, c.Content)
	}
	fmt.Fprintf(&sb, "\n\n%s %s", questionHeader, req.Question)

	return append(msgs, llm.User(sb.String()))
}

func (s *Service) buildChatPrompt(req Request) []llm.Message {
	msgs := []llm.Message{llm.System(chatSystemPrompt)}
	msgs = append(msgs, lastTurns(req.History, chatHistoryTurns)...)
	return append(msgs, llm.User(req.Question))
}

// recordQA persists the answer for history. Best effort: losing a history
// row never fails the answer.
func (s *Service) recordQA(ctx context.Context, req Request, ans *Answer, ds *store.DataSource) {
	rec := store.QARecord{
		Question:      req.Question,
		Answer:        ans.Answer,
		OwnerID:       req.OwnerID,
		Chunks:        chunkRefs(ans.Chunks),
		PipelineTrace: ans.PipelineTrace,
	}
	if ds != nil {
		rec.DataSourceID = ds.ID
	}
	if err := s.store.InsertQARecord(ctx, rec); err != nil {
		s.logger.Warn("recording answer failed",
			"question", questionPrefix(req.Question), "error", err)
	}
}

func lastTurns(history []llm.Message, n int) []llm.Message {
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

// questionPrefix truncates a question for log lines.
func questionPrefix(q string) string {
	runes := []rune(q)
	if len(runes) > maxQuestionPrefix {
		return string(runes[:maxQuestionPrefix]) + "…"
	}
	return q
}
