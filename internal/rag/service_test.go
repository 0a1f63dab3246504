package rag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zerag/zerag/internal/cache"
	"github.com/zerag/zerag/internal/connector"
	"github.com/zerag/zerag/internal/lexical"
	"github.com/zerag/zerag/internal/llm"
	"github.com/zerag/zerag/internal/log"
	"github.com/zerag/zerag/internal/store"
	"github.com/zerag/zerag/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStorage struct {
	mu          sync.Mutex
	sources     map[int64]*store.DataSource
	vectorHits  []store.SearchResult
	patternHits []store.SearchResult
	vectorErr   error
	patternErr  error
	records     []store.QARecord
	qaErr       error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{sources: map[int64]*store.DataSource{}}
}

func (f *fakeStorage) GetDataSource(_ context.Context, id int64) (*store.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ds
	return &cp, nil
}

func (f *fakeStorage) SearchVectors(_ context.Context, _ []float32, _ int64, _ int) ([]store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SearchResult(nil), f.vectorHits...), f.vectorErr
}

func (f *fakeStorage) SearchPattern(_ context.Context, _ []string, _ int64, _ int) ([]store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SearchResult(nil), f.patternHits...), f.patternErr
}

func (f *fakeStorage) InsertQARecord(_ context.Context, rec store.QARecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.qaErr != nil {
		return f.qaErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStorage) qaRecords() []store.QARecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.QARecord(nil), f.records...)
}

type fakeLexical struct {
	hits []lexical.Hit
	err  error
}

func (f *fakeLexical) Search(context.Context, string, int64, int) ([]lexical.Hit, error) {
	return f.hits, f.err
}

type fakeEncoder struct {
	scores []float64
	err    error
}

func (f *fakeEncoder) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.scores != nil {
		return f.scores, nil
	}
	return make([]float64, len(texts)), nil
}

type testEnv struct {
	storage *fakeStorage
	lex     *fakeLexical
	gen     *testutil.MockGenerator
	svc     *Service
}

func newTestEnv(t *testing.T, opts Options, reranker *fakeEncoder, results *cache.ResultCache, versions *cache.Versions) *testEnv {
	t.Helper()

	storage := newFakeStorage()
	lex := &fakeLexical{}
	gen := testutil.NewMockGenerator("generated answer")
	embed := NewEmbeddingService(testutil.NewMockEmbedder(8), nil, log.NewNop())

	var ce *fakeEncoder
	if reranker != nil {
		ce = reranker
	}

	var svc *Service
	var err error
	if ce != nil {
		svc, err = NewService(storage, lex, embed, gen, ce, results, versions, opts, log.NewNop())
	} else {
		svc, err = NewService(storage, lex, embed, gen, nil, results, versions, opts, log.NewNop())
	}
	require.NoError(t, err)
	return &testEnv{storage: storage, lex: lex, gen: gen, svc: svc}
}

func vecHit(id int64, sim float64) store.SearchResult {
	return store.SearchResult{ChunkID: id, DocumentName: "doc.md", Content: "vector content", Similarity: sim}
}

func TestFusionDedupAndOrdering(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.sources[7] = &store.DataSource{ID: 7, Kind: store.KindFile}
	env.lex.hits = []lexical.Hit{
		{ChunkID: 1, Name: "doc.md", Text: "lexical content", Similarity: 0.6},
	}
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9), vecHit(2, 0.8)}

	ans, err := env.svc.Ask(context.Background(), Request{Question: "what is it", DataSourceID: 7})
	require.NoError(t, err)

	require.Len(t, ans.Chunks, 2, "duplicate chunk id kept once")
	assert.Equal(t, int64(1), ans.Chunks[0].ChunkID)
	assert.Equal(t, SourceBM25, ans.Chunks[0].Source, "lexical tag retained on duplicate")
	assert.Equal(t, int64(2), ans.Chunks[1].ChunkID)
	assert.Equal(t, SourceVector, ans.Chunks[1].Source)
	assert.Equal(t, "generated answer", ans.Answer)

	trace := ans.PipelineTrace
	assert.Equal(t, 1, trace["lexical_hits"])
	assert.InDelta(t, 0.9, trace["max_vector_similarity"].(float64), 1e-9)
}

func TestUnscopedUsesPatternFallback(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.patternHits = []store.SearchResult{
		{ChunkID: 3, DocumentName: "doc.md", Content: "keyword content", Similarity: 0.99},
	}

	ans, err := env.svc.Ask(context.Background(), Request{Question: "needle"})
	require.NoError(t, err)
	require.Len(t, ans.Chunks, 1)
	assert.Equal(t, SourceKeyword, ans.Chunks[0].Source)
}

func TestLexicalErrorFallsBackToPattern(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.sources[7] = &store.DataSource{ID: 7, Kind: store.KindFile}
	env.lex.err = errors.New("index build failed")
	env.storage.patternHits = []store.SearchResult{
		{ChunkID: 3, DocumentName: "doc.md", Content: "keyword content", Similarity: 0.99},
	}

	ans, err := env.svc.Ask(context.Background(), Request{Question: "needle", DataSourceID: 7})
	require.NoError(t, err)
	require.Len(t, ans.Chunks, 1)
	assert.Equal(t, SourceKeyword, ans.Chunks[0].Source)
}

func TestRerankReorders(t *testing.T) {
	// Reversed scores: last fusion candidate gets the highest score.
	env := newTestEnv(t, Options{TopK: 2, RerankMultiplier: 3}, &fakeEncoder{scores: []float64{0.1, 0.2, 0.9}}, nil, nil)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9), vecHit(2, 0.8), vecHit(3, 0.7)}

	ans, err := env.svc.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	require.Len(t, ans.Chunks, 2)
	assert.Equal(t, int64(3), ans.Chunks[0].ChunkID)
	assert.InDelta(t, 0.9, ans.Chunks[0].RerankScore, 1e-9)
	assert.Equal(t, true, ans.PipelineTrace["reranked"])
}

func TestRerankFailureKeepsFusionOrder(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 2, RerankMultiplier: 3}, &fakeEncoder{err: errors.New("endpoint down")}, nil, nil)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9), vecHit(2, 0.8), vecHit(3, 0.7)}

	ans, err := env.svc.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	require.Len(t, ans.Chunks, 2)
	assert.Equal(t, int64(1), ans.Chunks[0].ChunkID)
	assert.Equal(t, int64(2), ans.Chunks[1].ChunkID)
	assert.Equal(t, false, ans.PipelineTrace["reranked"])
}

func TestShouldFallBack(t *testing.T) {
	dbSource := &store.DataSource{ID: 1, Kind: store.KindPostgreSQL}
	tests := []struct {
		name string
		ds   *store.DataSource
		ret  *retrieval
		want bool
	}{
		{"fires for weak database retrieval", dbSource, &retrieval{lexicalHits: 0, maxVectorSim: 0.30}, true},
		{"no data source", nil, &retrieval{}, false},
		{"file source never falls back", &store.DataSource{Kind: store.KindFile}, &retrieval{}, false},
		{"web source never falls back", &store.DataSource{Kind: store.KindWeb}, &retrieval{}, false},
		{"lexical hit suppresses fallback", dbSource, &retrieval{lexicalHits: 1, maxVectorSim: 0.30}, false},
		{"confident vector hit suppresses fallback", dbSource, &retrieval{lexicalHits: 0, maxVectorSim: 0.50}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldFallBack(tt.ds, tt.ret))
		})
	}
}

type fakeConnector struct {
	tables    []string
	columns   map[string][]string
	queryRows []connector.Row
	queryErr  error
	gotQuery  string
}

func (f *fakeConnector) Ping(context.Context) error { return nil }

func (f *fakeConnector) ListTables(context.Context) ([]string, error) { return f.tables, nil }
func (f *fakeConnector) ListColumns(_ context.Context, table string) ([]string, error) {
	return f.columns[table], nil
}
func (f *fakeConnector) FetchRows(context.Context, string, []string) ([]connector.Row, error) {
	return nil, nil
}
func (f *fakeConnector) Query(_ context.Context, query string, _ int) ([]connector.Row, error) {
	f.gotQuery = query
	return f.queryRows, f.queryErr
}
func (f *fakeConnector) Close() error { return nil }

func TestStructuredFallbackFoldsRows(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.sources[7] = &store.DataSource{ID: 7, Kind: store.KindSQLite, Locator: "/tmp/app.db"}
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.20)}
	env.gen.AddResponse("database expert", "SELECT name FROM users LIMIT 10")

	conn := &fakeConnector{
		tables:    []string{"users"},
		columns:   map[string][]string{"users": {"id", "name"}},
		queryRows: []connector.Row{{"name": "Ann", "id": int64(1)}},
	}
	env.svc.connect = func(connector.Kind, string) (connector.Connector, error) { return conn, nil }

	ans, err := env.svc.Ask(context.Background(), Request{Question: "how many users", DataSourceID: 7})
	require.NoError(t, err)

	assert.Equal(t, "SELECT name FROM users LIMIT 10", conn.gotQuery)
	assert.Equal(t, 1, ans.PipelineTrace["fallback_rows"])
	require.Len(t, ans.Chunks, 2)
	last := ans.Chunks[len(ans.Chunks)-1]
	assert.Equal(t, SourceSQL, last.Source)
	assert.Equal(t, "id=1, name=Ann", last.Content)
}

func TestStructuredFallbackSoftFailures(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.sources[7] = &store.DataSource{ID: 7, Kind: store.KindSQLite, Locator: "/tmp/app.db"}
	env.gen.AddResponse("database expert", "CANNOT_GENERATE")
	env.svc.connect = func(connector.Kind, string) (connector.Connector, error) {
		return &fakeConnector{tables: []string{"users"}, columns: map[string][]string{"users": {"id"}}}, nil
	}

	ans, err := env.svc.Ask(context.Background(), Request{Question: "anything", DataSourceID: 7})
	require.NoError(t, err)
	assert.Equal(t, 0, ans.PipelineTrace["fallback_rows"])
	assert.Empty(t, ans.Chunks)
}

func TestResultCache(t *testing.T) {
	versions := cache.NewVersions()
	results := cache.NewResultCache(10, time.Minute)
	env := newTestEnv(t, Options{TopK: 5}, nil, results, versions)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9)}

	req := Request{Question: "cached question"}
	first, err := env.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	callsAfterFirst := env.gen.Calls()

	second, err := env.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, env.gen.Calls(), "cache hit must not call the generator")

	t.Run("version bump invalidates", func(t *testing.T) {
		scoped := Request{Question: "cached question", DataSourceID: 3}
		env.storage.sources[3] = &store.DataSource{ID: 3, Kind: store.KindFile}
		_, err := env.svc.Ask(context.Background(), scoped)
		require.NoError(t, err)
		calls := env.gen.Calls()

		versions.Bump(3)
		_, err = env.svc.Ask(context.Background(), scoped)
		require.NoError(t, err)
		assert.Greater(t, env.gen.Calls(), calls, "bumped version must miss the cache")
	})

	t.Run("history bypasses cache", func(t *testing.T) {
		calls := env.gen.Calls()
		_, err := env.svc.Ask(context.Background(), Request{
			Question: "cached question",
			History:  []llm.Message{llm.User("earlier"), llm.Model("reply")},
		})
		require.NoError(t, err)
		assert.Greater(t, env.gen.Calls(), calls)
	})
}

func TestFlagsDisableRewriteAndHyDE(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9)}

	ans, err := env.svc.Ask(context.Background(), Request{
		Question: "what is replication lag",
		Flags:    &Flags{Rewrite: false, HyDE: false, SQLFallback: true, Cache: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "generated answer", ans.Answer)
	assert.Equal(t, 1, env.gen.Calls(), "only the answer completion runs")
	assert.Equal(t, []string{"what is replication lag"}, ans.PipelineTrace["keywords"])
}

func TestFlagsDisableSQLFallback(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.sources[7] = &store.DataSource{ID: 7, Kind: store.KindSQLite, Locator: "/tmp/app.db"}
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.20)}
	env.svc.connect = func(connector.Kind, string) (connector.Connector, error) {
		t.Fatal("fallback must not open a connection when disabled")
		return nil, nil
	}

	ans, err := env.svc.Ask(context.Background(), Request{
		Question:     "how many users",
		DataSourceID: 7,
		Flags:        &Flags{Rewrite: true, HyDE: true, SQLFallback: false, Cache: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, ans.PipelineTrace["fallback_rows"])
}

func TestFlagsDisableCache(t *testing.T) {
	versions := cache.NewVersions()
	results := cache.NewResultCache(10, time.Minute)
	env := newTestEnv(t, Options{TopK: 5}, nil, results, versions)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9)}

	req := Request{
		Question: "uncached question",
		Flags:    &Flags{Rewrite: true, HyDE: true, SQLFallback: true, Cache: false},
	}
	_, err := env.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	calls := env.gen.Calls()

	_, err = env.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, env.gen.Calls(), calls, "disabled cache answers fresh every time")
}

func TestAskRecordsHistory(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9)}

	_, err := env.svc.Ask(context.Background(), Request{Question: "q", OwnerID: "u1"})
	require.NoError(t, err)

	recs := env.storage.qaRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "q", recs[0].Question)
	assert.Equal(t, "u1", recs[0].OwnerID)
	require.Len(t, recs[0].Chunks, 1)
	assert.Equal(t, SourceVector, recs[0].Chunks[0].Source)
}

func TestAskHistoryRecordFailureIsSoft(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.qaErr = errors.New("disk full")

	ans, err := env.svc.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "generated answer", ans.Answer)
}

func TestAskUnknownDataSource(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	_, err := env.svc.Ask(context.Background(), Request{Question: "q", DataSourceID: 42})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func collectEvents(t *testing.T, run func(cb func(Event) error) error) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, run(func(ev Event) error {
		events = append(events, ev)
		return nil
	}))
	return events
}

func TestAskStreamEventSequence(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9)}
	env.gen.AddResponse("context:", "streamed answer text")

	events := collectEvents(t, func(cb func(Event) error) error {
		return env.svc.AskStream(context.Background(), Request{Question: "q"}, cb)
	})

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventRetrievalDone, events[0].Type)
	assert.Len(t, events[0].Chunks, 1)

	var tokens string
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, EventToken, ev.Type)
		tokens += ev.Token
	}
	assert.Equal(t, "streamed answer text", tokens)

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, "streamed answer text", last.Answer)

	require.Len(t, env.storage.qaRecords(), 1, "record written after done")
}

func TestAskStreamGenerationErrorEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)

	var events []Event
	err := env.svc.AskStream(context.Background(), Request{Question: "q"}, func(ev Event) error {
		events = append(events, ev)
		if ev.Type == EventRetrievalDone {
			env.gen.SetError(errors.New("model overloaded"))
		}
		return nil
	})
	require.NoError(t, err, "internal failure stays inside the stream")

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Message, "model overloaded")
	assert.Empty(t, env.storage.qaRecords())
}

func TestAskStreamConsumerStop(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.gen.AddResponse("context:", "one two three four five")

	stop := errors.New("consumer gone")
	var tokens int
	err := env.svc.AskStream(context.Background(), Request{Question: "q"}, func(ev Event) error {
		if ev.Type == EventToken {
			if tokens++; tokens == 2 {
				return stop
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, tokens, "generation must stop at the consumer error")
	assert.Empty(t, env.storage.qaRecords())
}

func TestAskStreamContextCancel(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.gen.AddResponse("context:", "one two three four five")

	ctx, cancel := context.WithCancel(context.Background())
	var tokens int
	err := env.svc.AskStream(ctx, Request{Question: "q"}, func(ev Event) error {
		if ev.Type == EventToken {
			if tokens++; tokens == 2 {
				cancel()
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)
	env.storage.vectorHits = []store.SearchResult{vecHit(1, 0.9)}

	ans, err := env.svc.Chat(context.Background(), Request{Question: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "generated answer", ans.Answer)
	assert.Empty(t, ans.Chunks, "chat mode retrieves nothing")
	assert.Equal(t, "chat", ans.PipelineTrace["mode"])

	// One generator call: no rewrite, no HyDE.
	assert.Equal(t, 1, env.gen.Calls())
}

func TestChatStreamLeadsWithEmptyRetrieval(t *testing.T) {
	env := newTestEnv(t, Options{TopK: 5}, nil, nil, nil)

	events := collectEvents(t, func(cb func(Event) error) error {
		return env.svc.ChatStream(context.Background(), Request{Question: "hello"}, cb)
	})
	require.NotEmpty(t, events)
	assert.Equal(t, EventRetrievalDone, events[0].Type)
	assert.Empty(t, events[0].Chunks)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}
