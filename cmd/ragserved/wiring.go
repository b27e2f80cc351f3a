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

package main

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kpekel/ragcore/internal/cache"
	"github.com/kpekel/ragcore/internal/chunkstore"
	"github.com/kpekel/ragcore/internal/config"
	"github.com/kpekel/ragcore/internal/corpus"
	"github.com/kpekel/ragcore/internal/embedder"
	"github.com/kpekel/ragcore/internal/generator"
	"github.com/kpekel/ragcore/internal/ingest"
	"github.com/kpekel/ragcore/internal/lexical"
	"github.com/kpekel/ragcore/internal/metrics"
	"github.com/kpekel/ragcore/internal/notes"
	"github.com/kpekel/ragcore/internal/orchestrator"
	"github.com/kpekel/ragcore/internal/planner"
	"github.com/kpekel/ragcore/internal/prompt"
	"github.com/kpekel/ragcore/internal/server"
	"github.com/kpekel/ragcore/internal/tracing"
	"github.com/kpekel/ragcore/internal/types"
	"github.com/kpekel/ragcore/internal/userprefs"
	"github.com/kpekel/ragcore/internal/websearch"
)

// app bundles every constructed singleton, so the serve/ingest/healthcheck
// subcommands can each use the slice they need without re-wiring it.
type app struct {
	cfg          config.Config
	store        *chunkstore.ChromemStore
	lexicon      *lexical.Index
	embed        *embedder.OllamaEmbedder
	corpusRetr   *corpus.Retriever
	generatorCli *generator.OllamaClient
	cacheStore   *cache.Cache
	notesRetr    *notes.Retriever
	webSearcher  *websearch.Searcher
	plannerSvc   *planner.Planner
	promptAsm    *prompt.Assembler
	prefsStore   *userprefs.Store
	ingestPipe   *ingest.Pipeline
	metricsSvc   *metrics.Metrics
	tracerSvc    *tracing.Provider
	orch         *orchestrator.Orchestrator
}

// buildApp constructs every collaborator from cfg. Each component is
// built directly from its own Config struct — no component reaches back
// into config.Config itself, keeping internal packages free of a
// dependency on the cmd-level config shape.
func buildApp(cfg config.Config) (*app, error) {
	store, err := chunkstore.New(chunkstore.Config{PersistPath: cfg.ChunkStoreURL, Compress: true})
	if err != nil {
		return nil, fmt.Errorf("build chunk store: %w", err)
	}

	lexicon := lexical.New()

	embed, err := embedder.New(embedder.Config{
		BaseURL:   cfg.LLMBaseURL,
		Model:     cfg.EmbedderModel,
		Dimension: cfg.EmbedderDimension,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	var reranker corpus.Reranker
	if cfg.RerankerEndpoint != "" {
		reranker = corpus.NewHTTPReranker(corpus.RerankerConfig{
			Endpoint: cfg.RerankerEndpoint,
			Model:    cfg.RerankerModel,
			Timeout:  5 * time.Second,
		})
	}
	corpusRetr := corpus.New(store, lexicon, embed, reranker)

	generatorCli := generator.New(generator.Config{
		BaseURL:        cfg.LLMBaseURL,
		MaxConcurrency: cfg.GeneratorMaxConcurrency,
	})

	cacheStore, err := cache.New(cache.Config{Size: cfg.CacheSize})
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}

	var notesRetr *notes.Retriever
	notesAvailable := cfg.NotesAPIURL != ""
	if notesAvailable {
		notesRetr = notes.New(notes.Config{BaseURL: cfg.NotesAPIURL, Timeout: 10 * time.Second})
	}

	var webSearcher *websearch.Searcher
	webAvailable := cfg.MetasearchURL != ""
	if webAvailable {
		webSearcher = websearch.New(websearch.Config{BaseURL: cfg.MetasearchURL, Timeout: 15 * time.Second})
	}

	plannerSvc := planner.New(generatorCli, cfg.PlannerModel)

	promptAsm, err := prompt.New()
	if err != nil {
		return nil, fmt.Errorf("build prompt assembler: %w", err)
	}

	prefsStore, err := userprefs.New(cfg.UserPrefsPath)
	if err != nil {
		return nil, fmt.Errorf("build user preference store: %w", err)
	}

	ingestPipe, err := ingest.New(store, lexicon, embed, ingest.ChunkerConfig{
		SizeBytes:    cfg.ChunkSizeBytes,
		OverlapBytes: cfg.ChunkOverlapBytes,
	}, cfg.DocumentRegistryPath)
	if err != nil {
		return nil, fmt.Errorf("build ingest pipeline: %w", err)
	}

	metricsSvc := metrics.New()
	tracerSvc := tracing.New()

	defaults := types.Settings{
		LexicalTopK:      cfg.LexicalTopK,
		SemanticTopK:     cfg.SemanticTopK,
		RerankTopK:       cfg.RerankTopK,
		WebResults:       cfg.WebResults,
		WebPagesParsed:   cfg.WebPagesParsed,
		Deadline:         cfg.Deadline(),
		PerSourceTimeout: cfg.PerSourceTimeout(),
		MinScore:         cfg.MinRerankScore,
		GeneratorModel:   cfg.GeneratorModel,
		Temperature:      cfg.GeneratorTemperature,
		MaxTokens:        cfg.GeneratorMaxTokens,
		CacheTTL:         cfg.CacheTTL(),
	}

	orch := orchestrator.New(orchestrator.Dependencies{
		Defaults:        defaults,
		Cache:           cacheStore,
		Planner:         plannerSvc,
		CorpusRetriever: corpusRetr,
		CorpusVersion:   store.Version,
		Notes:           notesRetr,
		NotesAvailable:  notesAvailable,
		Web:             webSearcher,
		WebAvailable:    webAvailable,
		Prompts:         promptAsm,
		Generator:       generatorCli,
		Prefs:           prefsStore,
		Metrics:         metricsSvc,
		Tracer:          tracerSvc,
	})

	return &app{
		cfg:          cfg,
		store:        store,
		lexicon:      lexicon,
		embed:        embed,
		corpusRetr:   corpusRetr,
		generatorCli: generatorCli,
		cacheStore:   cacheStore,
		notesRetr:    notesRetr,
		webSearcher:  webSearcher,
		plannerSvc:   plannerSvc,
		promptAsm:    promptAsm,
		prefsStore:   prefsStore,
		ingestPipe:   ingestPipe,
		metricsSvc:   metricsSvc,
		tracerSvc:    tracerSvc,
		orch:         orch,
	}, nil
}

// httpServer builds the HTTP handler for the app's current wiring.
func (a *app) httpServer() *server.Server {
	return server.New(server.Dependencies{
		Orchestrator: a.orch,
		Ingest:       a.ingestPipe,
		Planner:      a.plannerSvc,
		Generator:    a.generatorCli,
		Metrics:      a.metricsSvc,
		Tracer:       a.tracerSvc,
		AuthToken:    a.cfg.AuthToken,
		RateLimit:    rate.Limit(a.cfg.RateLimitPerSecond),
		RateBurst:    a.cfg.RateLimitBurst,
	})
}

func loadConfig(configFile, dotenvFile string) (config.Config, error) {
	return config.Load(config.Options{FilePath: configFile, DotenvPath: dotenvFile})
}
