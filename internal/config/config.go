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

// Package config loads ragcore's runtime configuration from an optional
// YAML file plus environment variables, environment always winning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DeadlineMS              int     `koanf:"deadline_ms"`
	PerSourceTimeoutMS      int     `koanf:"per_source_timeout_ms"`
	LexicalTopK             int     `koanf:"lexical_top_k"`
	SemanticTopK            int     `koanf:"semantic_top_k"`
	RerankTopK              int     `koanf:"rerank_top_k"`
	MinRerankScore          float64 `koanf:"min_rerank_score"`
	WebResults              int     `koanf:"web_results"`
	WebPagesParsed          int     `koanf:"web_pages_parsed"`
	CacheTTLSeconds         int     `koanf:"cache_ttl_s"`
	CacheSize               int     `koanf:"cache_size"`
	GeneratorModel          string  `koanf:"generator_model"`
	GeneratorMaxConcurrency int     `koanf:"generator_max_concurrency"`
	GeneratorTemperature    float64 `koanf:"generator_temperature"`
	GeneratorMaxTokens      int     `koanf:"generator_max_tokens"`
	PlannerModel            string  `koanf:"planner_model"`
	ChunkStoreURL           string  `koanf:"chunk_store_url"`
	NotesAPIURL             string  `koanf:"notes_api_url"`
	NotesAPIKey             string  `koanf:"notes_api_key"`
	MetasearchURL           string  `koanf:"metasearch_url"`
	LLMBaseURL              string  `koanf:"llm_base_url"`
	EmbedderModel           string  `koanf:"embedder_model"`
	EmbedderDimension       int     `koanf:"embedder_dimension"`
	RerankerEndpoint        string  `koanf:"reranker_endpoint"`
	RerankerModel           string  `koanf:"reranker_model"`
	ChunkSizeBytes          int     `koanf:"chunk_size_bytes"`
	ChunkOverlapBytes       int     `koanf:"chunk_overlap_bytes"`
	WatchDir                string  `koanf:"watch_dir"`
	UserPrefsPath           string  `koanf:"user_prefs_path"`
	DocumentRegistryPath    string  `koanf:"document_registry_path"`
	RateLimitPerSecond      float64 `koanf:"rate_limit_per_second"`
	RateLimitBurst          int     `koanf:"rate_limit_burst"`
	ListenAddr              string  `koanf:"listen_addr"`
	AuthToken               string  `koanf:"auth_token"`
	LogLevel                string  `koanf:"log_level"`
}

func defaults() Config {
	return Config{
		DeadlineMS:              8000,
		PerSourceTimeoutMS:      4000,
		LexicalTopK:             50,
		SemanticTopK:            50,
		RerankTopK:              10,
		MinRerankScore:          0.0,
		WebResults:              5,
		WebPagesParsed:          3,
		CacheTTLSeconds:         300,
		CacheSize:               2000,
		GeneratorModel:          "llama3",
		GeneratorMaxConcurrency: 1,
		GeneratorTemperature:    0.2,
		GeneratorMaxTokens:      1024,
		PlannerModel:            "llama3",
		ChunkStoreURL:           "",
		NotesAPIURL:             "",
		MetasearchURL:           "",
		LLMBaseURL:              "http://localhost:11434",
		EmbedderModel:           "nomic-embed-text",
		EmbedderDimension:       0,
		RerankerEndpoint:        "",
		RerankerModel:           "",
		ChunkSizeBytes:          2000,
		ChunkOverlapBytes:       200,
		WatchDir:                "",
		UserPrefsPath:           "",
		DocumentRegistryPath:    "",
		RateLimitPerSecond:      5,
		RateLimitBurst:          10,
		ListenAddr:              ":8080",
		LogLevel:                "info",
	}
}

// Deadline returns DeadlineMS as a time.Duration.
func (c Config) Deadline() time.Duration { return time.Duration(c.DeadlineMS) * time.Millisecond }

// PerSourceTimeout returns PerSourceTimeoutMS as a time.Duration.
func (c Config) PerSourceTimeout() time.Duration {
	return time.Duration(c.PerSourceTimeoutMS) * time.Millisecond
}

// CacheTTL returns CacheTTLSeconds as a time.Duration.
func (c Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

// envKeys is the minimum environment variable set recognized by the
// core, mapped to their koanf dotted keys.
var envKeys = map[string]string{
	"DEADLINE_MS":               "deadline_ms",
	"PER_SOURCE_TIMEOUT_MS":     "per_source_timeout_ms",
	"LEXICAL_TOP_K":             "lexical_top_k",
	"SEMANTIC_TOP_K":            "semantic_top_k",
	"RERANK_TOP_K":              "rerank_top_k",
	"MIN_RERANK_SCORE":          "min_rerank_score",
	"WEB_RESULTS":               "web_results",
	"WEB_PAGES_PARSED":          "web_pages_parsed",
	"CACHE_TTL_S":               "cache_ttl_s",
	"CACHE_SIZE":                "cache_size",
	"GENERATOR_MODEL":           "generator_model",
	"GENERATOR_MAX_CONCURRENCY": "generator_max_concurrency",
	"GENERATOR_TEMPERATURE":     "generator_temperature",
	"GENERATOR_MAX_TOKENS":      "generator_max_tokens",
	"PLANNER_MODEL":             "planner_model",
	"CHUNK_STORE_URL":           "chunk_store_url",
	"NOTES_API_URL":             "notes_api_url",
	"NOTES_API_KEY":             "notes_api_key",
	"METASEARCH_URL":            "metasearch_url",
	"LLM_BASE_URL":              "llm_base_url",
	"EMBEDDER_MODEL":            "embedder_model",
	"EMBEDDER_DIMENSION":        "embedder_dimension",
	"RERANKER_ENDPOINT":         "reranker_endpoint",
	"RERANKER_MODEL":            "reranker_model",
	"CHUNK_SIZE_BYTES":          "chunk_size_bytes",
	"CHUNK_OVERLAP_BYTES":       "chunk_overlap_bytes",
	"WATCH_DIR":                 "watch_dir",
	"USER_PREFS_PATH":           "user_prefs_path",
	"DOCUMENT_REGISTRY_PATH":    "document_registry_path",
	"RATE_LIMIT_PER_SECOND":     "rate_limit_per_second",
	"RATE_LIMIT_BURST":          "rate_limit_burst",
	"LISTEN_ADDR":               "listen_addr",
	"AUTH_TOKEN":                "auth_token",
	"LOG_LEVEL":                 "log_level",
}

// Options configures Load.
type Options struct {
	// FilePath is an optional YAML config file; an empty path loads no
	// file (environment variables alone are a valid configuration), while
	// a path that cannot be read makes Load fail.
	FilePath string
	// DotenvPath is an optional .env file loaded into the process
	// environment before koanf reads it (godotenv never overrides an
	// already-set environment variable).
	DotenvPath string
}

// Load resolves the Config from built-in defaults, an optional YAML
// file, an optional .env file, and environment variables — in that
// precedence order, each layer overriding the last.
func Load(opts Options) (Config, error) {
	if opts.DotenvPath != "" {
		if err := godotenv.Load(opts.DotenvPath); err != nil {
			return Config{}, fmt.Errorf("load dotenv %s: %w", opts.DotenvPath, err)
		}
	}

	k := koanf.New(".")

	def := defaults()
	defMap := map[string]interface{}{
		"deadline_ms":               def.DeadlineMS,
		"per_source_timeout_ms":     def.PerSourceTimeoutMS,
		"lexical_top_k":             def.LexicalTopK,
		"semantic_top_k":            def.SemanticTopK,
		"rerank_top_k":              def.RerankTopK,
		"min_rerank_score":          def.MinRerankScore,
		"web_results":               def.WebResults,
		"web_pages_parsed":          def.WebPagesParsed,
		"cache_ttl_s":               def.CacheTTLSeconds,
		"cache_size":                def.CacheSize,
		"generator_model":           def.GeneratorModel,
		"generator_max_concurrency": def.GeneratorMaxConcurrency,
		"generator_temperature":     def.GeneratorTemperature,
		"generator_max_tokens":      def.GeneratorMaxTokens,
		"planner_model":             def.PlannerModel,
		"llm_base_url":              def.LLMBaseURL,
		"embedder_model":            def.EmbedderModel,
		"chunk_size_bytes":          def.ChunkSizeBytes,
		"chunk_overlap_bytes":       def.ChunkOverlapBytes,
		"rate_limit_per_second":     def.RateLimitPerSecond,
		"rate_limit_burst":          def.RateLimitBurst,
		"listen_addr":               def.ListenAddr,
		"log_level":                 def.LogLevel,
	}
	if err := k.Load(confmap.Provider(defMap, "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if opts.FilePath != "" {
		if err := k.Load(file.Provider(opts.FilePath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", opts.FilePath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", mapEnvKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func mapEnvKey(s string) string {
	if mapped, ok := envKeys[s]; ok {
		return mapped
	}
	return strings.ToLower(s)
}

func validate(cfg Config) error {
	if cfg.DeadlineMS <= 0 {
		return fmt.Errorf("deadline_ms must be positive, got %d", cfg.DeadlineMS)
	}
	if cfg.PerSourceTimeoutMS <= 0 {
		return fmt.Errorf("per_source_timeout_ms must be positive, got %d", cfg.PerSourceTimeoutMS)
	}
	if cfg.LLMBaseURL == "" {
		return fmt.Errorf("llm_base_url is required")
	}
	return nil
}
