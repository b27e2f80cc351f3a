package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/cache"
	"github.com/kpekel/ragcore/internal/corpus"
	"github.com/kpekel/ragcore/internal/generator"
	"github.com/kpekel/ragcore/internal/notes"
	"github.com/kpekel/ragcore/internal/planner"
	"github.com/kpekel/ragcore/internal/prompt"
	"github.com/kpekel/ragcore/internal/types"
	"github.com/kpekel/ragcore/internal/userprefs"
	"github.com/kpekel/ragcore/internal/websearch"
)

type fakeSemanticSearcher struct {
	hits []types.RetrievalHit
	err  error
}

func (f *fakeSemanticSearcher) SemanticSearch(ctx context.Context, vector []float32, topK int) ([]types.RetrievalHit, error) {
	return f.hits, f.err
}

type fakeLexicalSearcher struct {
	hits []types.RetrievalHit
	err  error
	// byQuery, when set, returns hits keyed by the exact query text
	// instead of the fixed hits above — used to exercise per-query
	// fan-out, where each planned query is expected to hit the lexical
	// index with its own text.
	byQuery map[string][]types.RetrievalHit
}

func (f *fakeLexicalSearcher) Search(ctx context.Context, query string, topK int) ([]types.RetrievalHit, bool, error) {
	if f.byQuery != nil {
		return f.byQuery[query], false, f.err
	}
	return f.hits, false, f.err
}

type fakeEmbedder struct {
	vec []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return f.vec, nil }
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) Dimension() int { return len(f.vec) }
func (f *fakeEmbedder) Model() string  { return "fake-embedder" }

// fakeGenerator stands in for generator.Client. When delay is non-zero it
// blocks until either the delay elapses or ctx is done, whichever comes
// first, so deadline-exceeded paths can be exercised deterministically.
type fakeGenerator struct {
	answer string
	delay  time.Duration
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, bundle types.PromptBundle, model string, temperature float64, maxTokens int) (string, generator.Stats, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", generator.Stats{}, ctx.Err()
		}
	}
	if f.err != nil {
		return "", generator.Stats{}, f.err
	}
	return f.answer, generator.Stats{Model: model}, nil
}

func (f *fakeGenerator) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeGenerator) Ping(ctx context.Context) error                   { return nil }

func baseSettings() types.Settings {
	return types.Settings{
		LexicalTopK:      5,
		SemanticTopK:     5,
		RerankTopK:       5,
		WebResults:       3,
		WebPagesParsed:   1,
		Deadline:         2 * time.Second,
		PerSourceTimeout: time.Second,
		MinScore:         0,
		GeneratorModel:   "llama3",
		Temperature:      0.2,
		MaxTokens:        256,
		CacheTTL:         time.Minute,
	}
}

// newTestDeps builds a full Dependencies using real concrete instances
// backed by fakes for their own narrow interfaces, since Dependencies'
// fields are concrete struct pointers rather than interfaces.
func newTestDeps(t *testing.T, gen generator.Client, corpusRetr *corpus.Retriever) Dependencies {
	t.Helper()

	cacheStore, err := cache.New(cache.Config{})
	require.NoError(t, err)

	promptAsm, err := prompt.New()
	require.NoError(t, err)

	prefsStore, err := userprefs.New("")
	require.NoError(t, err)

	return Dependencies{
		Defaults:        baseSettings(),
		Cache:           cacheStore,
		Planner:         planner.New(nil, "llama3"),
		CorpusRetriever: corpusRetr,
		CorpusVersion:   func() uint64 { return 0 },
		Prompts:         promptAsm,
		Generator:       gen,
		Prefs:           prefsStore,
	}
}

func corpusOnlyRetriever() *corpus.Retriever {
	sem := &fakeSemanticSearcher{hits: []types.RetrievalHit{
		{ChunkID: "c1", Text: "quarterly revenue grew 12%", Origin: types.OriginCorpus, Locator: types.Locator{DocID: "d1", Page: 3}},
	}}
	lex := &fakeLexicalSearcher{}
	embed := &fakeEmbedder{vec: []float32{1, 0, 0}}
	return corpus.New(sem, lex, embed, nil)
}

func TestAnswer_CorpusOnlyCacheMissThenHit(t *testing.T) {
	gen := &fakeGenerator{answer: "revenue grew 12%", delay: 5 * time.Millisecond}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	o := New(deps)

	req := Request{Query: "how did revenue grow", Mode: types.ModeCorpusOnly, UserID: "u1"}

	first, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "revenue grew 12%", first.Answer)
	require.Equal(t, "miss", first.CacheStatus)
	require.NotEmpty(t, first.Citations)

	second, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hit", second.CacheStatus)
	require.Equal(t, first.Answer, second.Answer)
	require.NotZero(t, first.Elapsed.GeneratorMs, "cache-miss generation latency should be recorded")
	require.Zero(t, second.Elapsed.GeneratorMs, "cache-hit response must not surface the original request's generation latency")
	require.Zero(t, second.Elapsed.RerankMs)
	require.Empty(t, second.Elapsed.PerSourceMs)
}

// TestAnswer_MultiQueryFanOutMergesHitsAcrossPlannedQueries exercises the
// per-source-per-query fan-out directly: a planner that expands into two
// reformulations must have both reach the corpus branch, with both
// queries' hits merged into the final answer rather than only the
// highest-priority query's.
func TestAnswer_MultiQueryFanOutMergesHitsAcrossPlannedQueries(t *testing.T) {
	planGen := &fakeGenerator{answer: `[{"text":"AAPL earnings call","intent":"news","priority":5},{"text":"AAPL technical indicators","intent":"analysis","priority":2}]`}
	pl := planner.New(planGen, "small-model")

	lex := &fakeLexicalSearcher{byQuery: map[string][]types.RetrievalHit{
		"AAPL earnings call":        {{ChunkID: "c-earnings", Text: "AAPL beat on earnings", Origin: types.OriginCorpus, Locator: types.Locator{DocID: "d1"}}},
		"AAPL technical indicators": {{ChunkID: "c-technicals", Text: "AAPL RSI is overbought", Origin: types.OriginCorpus, Locator: types.Locator{DocID: "d2"}}},
	}}
	embed := &fakeEmbedder{vec: []float32{1, 0, 0}}
	corpusRetr := corpus.New(&fakeSemanticSearcher{}, lex, embed, nil)

	answerGen := &fakeGenerator{answer: "combined answer"}
	deps := newTestDeps(t, answerGen, corpusRetr)
	deps.Planner = pl
	deps.Defaults.SemanticTopK = 0

	o := New(deps)

	record, err := o.Answer(context.Background(), Request{Query: "AAPL", Mode: types.ModeCombined, UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "combined answer", record.Answer)
	require.Len(t, record.Citations, 2)
}

func TestAnswer_DifferentCorpusVersionIsSeparateCacheEntry(t *testing.T) {
	gen := &fakeGenerator{answer: "answer"}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())

	version := uint64(1)
	deps.CorpusVersion = func() uint64 { return version }
	o := New(deps)

	req := Request{Query: "q", Mode: types.ModeCorpusOnly, UserID: "u1"}

	first, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "miss", first.CacheStatus)
	require.EqualValues(t, 1, first.CorpusVersion)

	version = 2
	second, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "miss", second.CacheStatus)
	require.EqualValues(t, 2, second.CorpusVersion)
}

func TestAnswer_CombinedModeWebForbiddenDegradesNonFatally(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	gen := &fakeGenerator{answer: "corpus-backed answer"}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	deps.Web = websearch.New(websearch.Config{BaseURL: ts.URL})
	deps.WebAvailable = true
	o := New(deps)

	req := Request{Query: "what happened today", Mode: types.ModeCombined, UserID: "u1"}

	record, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "corpus-backed answer", record.Answer)
	require.Len(t, record.DegradedSources, 1)
	require.Equal(t, types.OriginWeb, record.DegradedSources[0].Source)
}

func TestAnswer_NotesOnlyModeMandatoryBranchFailureIsFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	gen := &fakeGenerator{answer: "unused"}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	deps.Notes = notes.New(notes.Config{BaseURL: ts.URL})
	deps.NotesAvailable = true
	o := New(deps)

	req := Request{Query: "what are my notes on AAPL", Mode: types.ModeNotesOnly, UserID: "u1"}

	_, err := o.Answer(context.Background(), req)
	require.Error(t, err)

	var orchErr *Error
	require.ErrorAs(t, err, &orchErr)
	require.Equal(t, KindSourceUnavailable, orchErr.Kind)
}

func TestAnswer_GeneratorDeadlineExceededSurfacesAsDeadlineKind(t *testing.T) {
	gen := &fakeGenerator{answer: "too slow", delay: 200 * time.Millisecond}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	deps.Defaults.Deadline = 20 * time.Millisecond
	deps.Defaults.PerSourceTimeout = 20 * time.Millisecond
	o := New(deps)

	req := Request{Query: "slow query", Mode: types.ModeCorpusOnly, UserID: "u1"}

	_, err := o.Answer(context.Background(), req)
	require.Error(t, err)

	var orchErr *Error
	require.ErrorAs(t, err, &orchErr)
	require.Equal(t, KindDeadlineExceeded, orchErr.Kind)
}

func TestAnswer_InvalidModeIsRejected(t *testing.T) {
	gen := &fakeGenerator{answer: "unused"}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	o := New(deps)

	_, err := o.Answer(context.Background(), Request{Query: "q", Mode: types.Mode("bogus")})
	require.Error(t, err)

	var orchErr *Error
	require.ErrorAs(t, err, &orchErr)
	require.Equal(t, KindInvalidRequest, orchErr.Kind)
}

func TestAnswer_EmptyQueryIsRejected(t *testing.T) {
	gen := &fakeGenerator{answer: "unused"}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	o := New(deps)

	_, err := o.Answer(context.Background(), Request{Query: "", Mode: types.ModeCorpusOnly})
	require.Error(t, err)

	var orchErr *Error
	require.ErrorAs(t, err, &orchErr)
	require.Equal(t, KindInvalidRequest, orchErr.Kind)
}

func TestAnswer_ExcludeNotesOmitsNotesBranchInCombinedMode(t *testing.T) {
	var sawNotesRequest bool
	notesServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawNotesRequest = true
		json.NewEncoder(w).Encode(map[string]any{"hits": []any{}})
	}))
	defer notesServer.Close()

	gen := &fakeGenerator{answer: "corpus only"}
	deps := newTestDeps(t, gen, corpusOnlyRetriever())
	deps.Notes = notes.New(notes.Config{BaseURL: notesServer.URL})
	deps.NotesAvailable = true
	o := New(deps)

	req := Request{Query: "exclude notes please", Mode: types.ModeCombined, UserID: "u1", ExcludeNotes: true}

	record, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "corpus only", record.Answer)
	require.False(t, sawNotesRequest)
}
