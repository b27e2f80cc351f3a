package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kpekel/ragcore/internal/cache"
	"github.com/kpekel/ragcore/internal/corpus"
	"github.com/kpekel/ragcore/internal/generator"
	"github.com/kpekel/ragcore/internal/metrics"
	"github.com/kpekel/ragcore/internal/orchestrator"
	"github.com/kpekel/ragcore/internal/planner"
	"github.com/kpekel/ragcore/internal/prompt"
	"github.com/kpekel/ragcore/internal/types"
	"github.com/kpekel/ragcore/internal/userprefs"
)

type fakeGeneratorClient struct {
	answer string
	models []string
	pingOK bool
}

func (f *fakeGeneratorClient) Generate(ctx context.Context, bundle types.PromptBundle, model string, temperature float64, maxTokens int) (string, generator.Stats, error) {
	return f.answer, generator.Stats{Model: model}, nil
}

func (f *fakeGeneratorClient) ListModels(ctx context.Context) ([]string, error) {
	return f.models, nil
}

func (f *fakeGeneratorClient) Ping(ctx context.Context) error {
	if f.pingOK {
		return nil
	}
	return errors.New("generator unreachable")
}

type fakeSemanticSearcher struct{ hits []types.RetrievalHit }

func (f *fakeSemanticSearcher) SemanticSearch(ctx context.Context, vector []float32, topK int) ([]types.RetrievalHit, error) {
	return f.hits, nil
}

type fakeLexicalSearcher struct{}

func (f *fakeLexicalSearcher) Search(ctx context.Context, query string, topK int) ([]types.RetrievalHit, bool, error) {
	return nil, false, nil
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return []float32{1}, nil }
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) Dimension() int { return 1 }
func (f *fakeEmbedder) Model() string  { return "fake" }

// newTestServer builds a Server wired to real orchestrator/ingest
// components backed by fakes, the same pattern orchestrator_test.go
// uses for Dependencies' concrete-type fields.
func newTestServer(t *testing.T, gen generator.Client, authToken string) *Server {
	t.Helper()

	cacheStore, err := cache.New(cache.Config{})
	require.NoError(t, err)
	promptAsm, err := prompt.New()
	require.NoError(t, err)
	prefsStore, err := userprefs.New("")
	require.NoError(t, err)

	sem := &fakeSemanticSearcher{hits: []types.RetrievalHit{
		{ChunkID: "c1", Text: "some corpus text", Origin: types.OriginCorpus, Locator: types.Locator{DocID: "d1"}},
	}}
	corpusRetr := corpus.New(sem, &fakeLexicalSearcher{}, &fakeEmbedder{}, nil)

	orch := orchestrator.New(orchestrator.Dependencies{
		Defaults: types.Settings{
			LexicalTopK: 5, SemanticTopK: 5, RerankTopK: 5,
			Deadline: 2 * time.Second, PerSourceTimeout: time.Second,
			GeneratorModel: "llama3", MaxTokens: 256, CacheTTL: time.Minute,
		},
		Cache:           cacheStore,
		Planner:         planner.New(nil, "llama3"),
		CorpusRetriever: corpusRetr,
		CorpusVersion:   func() uint64 { return 0 },
		Prompts:         promptAsm,
		Generator:       gen,
		Prefs:           prefsStore,
	})

	return New(Dependencies{
		Orchestrator: orch,
		Planner:      planner.New(nil, "llama3"),
		Generator:    gen,
		Metrics:      metrics.New(),
		AuthToken:    authToken,
		RateLimit:    rate.Limit(1000),
		RateBurst:    1000,
	})
}

func TestServer_AskWithoutAuthTokenIsRejected(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "hi", pingOK: true}, "secret")

	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewBufferString(`{"query":"hello"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AskWithValidTokenSucceeds(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "the answer", pingOK: true}, "secret")

	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewBufferString(`{"query":"hello"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body askResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "the answer", body.Answer)
	require.Equal(t, "miss", body.Metadata.CacheStatus)
}

func TestServer_AskEnhancedAndAskResearchBothAnswer(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "ok", pingOK: true}, "secret")

	for _, path := range []string{"/ask-enhanced", "/ask-research"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"query":"hello"}`))
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestServer_HealthzAlwaysHealthy(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "x", pingOK: false}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzReflectsGeneratorPing(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "x", pingOK: false}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ReadyzHealthyWhenGeneratorReachable(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "x", pingOK: true}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpointDoesNotRequireAuth(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "x", pingOK: true}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ListModelsReturnsGeneratorModels(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{models: []string{"llama3", "mistral"}, pingOK: true}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body modelsResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"llama3", "mistral"}, body.Models)
}

func TestServer_UploadRejectsMissingFileField(t *testing.T) {
	srv := newTestServer(t, &fakeGeneratorClient{answer: "x", pingOK: true}, "secret")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RateLimitRejectsBurstAboveLimit(t *testing.T) {
	srv := New(Dependencies{
		Orchestrator: orchestrator.New(orchestrator.Dependencies{}),
		Generator:    &fakeGeneratorClient{answer: "x", pingOK: true},
		Metrics:      metrics.New(),
		AuthToken:    "secret",
		RateLimit:    rate.Limit(0),
		RateBurst:    0,
	})

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
