// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the orchestrator and ingestion pipeline over
// HTTP, grounded on the teacher's chi-based transport layer
// (pkg/transport/http_metrics_middleware.go) and its bearer-token
// auth middleware (v2/auth/middleware.go), simplified to the single
// static token spec.md §6 calls for.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/kpekel/ragcore/internal/generator"
	"github.com/kpekel/ragcore/internal/ingest"
	"github.com/kpekel/ragcore/internal/metrics"
	orch "github.com/kpekel/ragcore/internal/orchestrator"
	"github.com/kpekel/ragcore/internal/planner"
	"github.com/kpekel/ragcore/internal/tracing"
	"github.com/kpekel/ragcore/internal/types"
	"github.com/kpekel/ragcore/internal/websearch"
)

// maxUploadBytes is the spec.md §6 cap on POST /upload bodies.
const maxUploadBytes = 400 << 20

// Dependencies bundles every collaborator the HTTP layer needs.
type Dependencies struct {
	Orchestrator *orch.Orchestrator
	Ingest       *ingest.Pipeline
	Planner      *planner.Planner
	Generator    generator.Client
	Metrics      *metrics.Metrics
	Tracer       *tracing.Provider
	AuthToken    string
	RateLimit    rate.Limit
	RateBurst    int
}

// Server wires Dependencies into a chi router.
type Server struct {
	deps   Dependencies
	router chi.Router
}

// New builds a Server with every route from spec.md §6 registered.
func New(deps Dependencies) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrumentation(deps.Metrics, deps.Tracer))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", deps.Metrics.Handler())

	limiter := rate.NewLimiter(deps.RateLimit, deps.RateBurst)

	r.Group(func(protected chi.Router) {
		protected.Use(bearerAuth(deps.AuthToken))
		protected.Use(rateLimit(limiter))

		protected.Post("/ask", s.handleAsk(types.ModeCorpusOnly, false))
		protected.Post("/ask-enhanced", s.handleAsk(types.ModeCombined, true))
		protected.Post("/ask-research", s.handleAsk(types.ModeCombined, false))
		protected.Post("/ask-notes", s.handleAsk(types.ModeNotesOnly, false))
		protected.Post("/plan-queries", s.handlePlanQueries)
		protected.Post("/ingest", s.handleIngestTrigger)
		protected.Get("/documents", s.handleListDocuments)
		protected.Delete("/documents/{id}", s.handleDeleteDocument)
		protected.Post("/upload", s.handleUpload)
		protected.Get("/models", s.handleListModels)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type askRequestBody struct {
	Query    string                `json:"query"`
	Settings *settingsOverrideWire `json:"settings,omitempty"`
	History  []string              `json:"history,omitempty"`
}

// settingsOverrideWire is the JSON shape of a per-request settings
// override, kept distinct from orchestrator.SettingsOverride so the wire
// format (snake_case JSON tags) does not leak into the orchestrator's Go
// API.
type settingsOverrideWire struct {
	LexicalTopK        *int     `json:"lexical_top_k,omitempty"`
	SemanticTopK       *int     `json:"semantic_top_k,omitempty"`
	RerankTopK         *int     `json:"rerank_top_k,omitempty"`
	WebResults         *int     `json:"web_results,omitempty"`
	WebPagesParsed     *int     `json:"web_pages_parsed,omitempty"`
	DeadlineMS         *int     `json:"deadline_ms,omitempty"`
	PerSourceTimeoutMS *int     `json:"per_source_timeout_ms,omitempty"`
	MinScore           *float64 `json:"min_score,omitempty"`
	GeneratorModel     *string  `json:"generator_model,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxTokens          *int     `json:"max_tokens,omitempty"`
	CacheTTLSeconds    *int     `json:"cache_ttl_s,omitempty"`
}

func (w *settingsOverrideWire) toOrchestrator() *orch.SettingsOverride {
	if w == nil {
		return nil
	}
	return &orch.SettingsOverride{
		LexicalTopK:        w.LexicalTopK,
		SemanticTopK:       w.SemanticTopK,
		RerankTopK:         w.RerankTopK,
		WebResults:         w.WebResults,
		WebPagesParsed:     w.WebPagesParsed,
		DeadlineMS:         w.DeadlineMS,
		PerSourceTimeoutMS: w.PerSourceTimeoutMS,
		MinScore:           w.MinScore,
		GeneratorModel:     w.GeneratorModel,
		Temperature:        w.Temperature,
		MaxTokens:          w.MaxTokens,
		CacheTTLSeconds:    w.CacheTTLSeconds,
	}
}

type askResponseBody struct {
	Answer         string              `json:"answer"`
	Citations      []types.Locator     `json:"citations"`
	GeneratorModel string              `json:"generator_model"`
	Metadata       askResponseMetadata `json:"metadata"`
}

type askResponseMetadata struct {
	CacheStatus     string                 `json:"cache_status"`
	HitCounts       map[types.Origin]int   `json:"hit_count"`
	ElapsedMs       map[types.Origin]int64 `json:"elapsed_ms"`
	GeneratorMs     int64                  `json:"generator_elapsed_ms"`
	TotalMs         int64                  `json:"total_ms"`
	TruncatedBlocks int                    `json:"truncated_blocks"`
	DegradedSources []types.DegradedSource `json:"degraded_sources"`
	CorpusVersion   uint64                 `json:"corpus_version"`
}

// handleAsk builds the handler for one of the four ask endpoints, each
// fixed to a mode (and, for /ask-enhanced, excluding notes even when the
// backend is otherwise available).
func (s *Server) handleAsk(mode types.Mode, excludeNotes bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body askRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, orch.KindInvalidRequest, "", "malformed JSON body")
			return
		}

		record, err := s.deps.Orchestrator.Answer(r.Context(), orch.Request{
			Query:            body.Query,
			Mode:             mode,
			UserID:           userID(r),
			SettingsOverride: body.Settings.toOrchestrator(),
			History:          body.History,
			Headers:          clientHeaders(r),
			ExcludeNotes:     excludeNotes,
		})
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, askResponseBody{
			Answer:         record.Answer,
			Citations:      record.Citations,
			GeneratorModel: record.GeneratorModel,
			Metadata: askResponseMetadata{
				CacheStatus:     record.CacheStatus,
				HitCounts:       record.HitCounts,
				ElapsedMs:       record.Elapsed.PerSourceMs,
				GeneratorMs:     record.Elapsed.GeneratorMs,
				TotalMs:         record.Elapsed.TotalMs,
				TruncatedBlocks: record.TruncatedBlocks,
				DegradedSources: record.DegradedSources,
				CorpusVersion:   record.CorpusVersion,
			},
		})
	}
}

type planQueriesRequestBody struct {
	Query string     `json:"query"`
	Mode  types.Mode `json:"mode,omitempty"`
}

type planQueriesResponseBody struct {
	GeneratedQueries []types.SearchQuery `json:"generated_queries"`
	Entities         types.Entities      `json:"entities"`
}

func (s *Server) handlePlanQueries(w http.ResponseWriter, r *http.Request) {
	var body planQueriesRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, orch.KindInvalidRequest, "", "malformed JSON body")
		return
	}
	if body.Query == "" {
		writeError(w, orch.KindInvalidRequest, "", "query is required")
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = types.ModeCombined
	}

	queries := s.deps.Planner.Plan(r.Context(), body.Query, mode)
	var entities types.Entities
	if len(queries) > 0 {
		entities = queries[0].Entities
	}
	writeJSON(w, http.StatusOK, planQueriesResponseBody{GeneratedQueries: queries, Entities: entities})
}

type ingestTriggerRequestBody struct {
	ForceReindex bool `json:"force_reindex,omitempty"`
}

type ingestTriggerResponseBody struct {
	Processed int `json:"processed"`
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
}

// handleIngestTrigger reindexes every already-registered document from
// the chunk store without requiring a fresh upload. Ingestion errors
// never reach the query path (spec.md §7) — they are reported directly
// in this response, not folded into a degraded answer.
func (s *Server) handleIngestTrigger(w http.ResponseWriter, r *http.Request) {
	var body ingestTriggerRequestBody
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	docs := s.deps.Ingest.Documents()
	processed, failed := 0, 0
	totalChunks := 0
	if body.ForceReindex || len(docs) > 0 {
		n, err := s.deps.Ingest.Reindex(r.Context())
		if err != nil {
			writeError(w, orch.KindInternal, "", "reindex failed: "+err.Error())
			return
		}
		totalChunks = n
		processed = len(docs)
	}
	writeJSON(w, http.StatusOK, ingestTriggerResponseBody{Processed: processed, Chunks: totalChunks, Failed: failed})
}

type documentsResponseBody struct {
	Documents []ingest.Document `json:"documents"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, documentsResponseBody{Documents: s.deps.Ingest.Documents()})
}

type deleteDocumentResponseBody struct {
	RemovedChunks int `json:"removed_chunks"`
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.deps.Ingest.DeleteDocument(r.Context(), id)
	if err != nil {
		writeError(w, orch.KindInternal, "", "delete failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deleteDocumentResponseBody{RemovedChunks: removed})
}

type uploadResponseBody struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, orch.KindInvalidRequest, "", "upload exceeds 400MB limit or is malformed: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, orch.KindInvalidRequest, "", "missing multipart field \"file\"")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, orch.KindInternal, "", "read upload failed: "+err.Error())
		return
	}

	if _, err := s.deps.Ingest.Ingest(r.Context(), "", header.Filename, string(content), types.ContentText); err != nil {
		writeError(w, orch.KindInternal, "", "ingest failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, uploadResponseBody{Filename: header.Filename, Size: header.Size})
}

type modelsResponseBody struct {
	Models []string `json:"models"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	models, err := s.deps.Generator.ListModels(ctx)
	if err != nil {
		writeError(w, orch.KindSourceUnavailable, "", "generator runtime unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, modelsResponseBody{Models: models})
}

func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func clientHeaders(r *http.Request) websearch.ClientHeaders {
	return websearch.ClientHeaders{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
		UserAgent:    r.UserAgent(),
	}
}

type errorResponseBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, kind orch.ErrorKind, requestID, message string) {
	writeJSON(w, statusForKind(kind), errorResponseBody{Kind: string(kind), Message: message, RequestID: requestID})
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	var oerr *orch.Error
	if errors.As(err, &oerr) {
		writeJSON(w, statusForKind(oerr.Kind), errorResponseBody{
			Kind:      string(oerr.Kind),
			Message:   oerr.Message,
			RequestID: oerr.RequestID,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponseBody{Kind: string(orch.KindInternal), Message: err.Error()})
}

func statusForKind(kind orch.ErrorKind) int {
	switch kind {
	case orch.KindInvalidRequest:
		return http.StatusBadRequest
	case orch.KindSourceUnavailable:
		return http.StatusBadGateway
	case orch.KindGeneratorBusy:
		return http.StatusServiceUnavailable
	case orch.KindGeneratorFailed:
		return http.StatusBadGateway
	case orch.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
