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

// Package types holds the strict record shapes shared across the
// retrieval and generation pipeline: Chunk, RetrievalHit, SearchQuery,
// PromptBundle, AnswerRecord and Settings.
//
// These are intentionally plain structs rather than interfaces — the
// orchestrator merges loosely-typed results from three independent
// retrieval branches (corpus, notes, web) into one of these shapes at the
// branch boundary, not inside hot loops.
package types

import "time"

// ContentType is the closed set of chunk content kinds.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentTable      ContentType = "table"
	ContentSpreadsheet ContentType = "spreadsheet"
	ContentTranscript ContentType = "transcript"
	ContentFrame      ContentType = "frame"
	ContentNote       ContentType = "note"
)

// ChunkMetadata carries the per-chunk descriptive fields.
type ChunkMetadata struct {
	Page             int               `json:"page,omitempty"`
	TimestampStart   time.Duration     `json:"timestamp_start,omitempty"`
	TimestampEnd     time.Duration     `json:"timestamp_end,omitempty"`
	Section          string            `json:"section,omitempty"`
	ExtractionMethod string            `json:"extraction_method,omitempty"`
	ContentType      ContentType       `json:"content_type,omitempty"`
	Keywords         []string          `json:"keywords,omitempty"`
	IngestedAt       time.Time         `json:"ingested_at,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Chunk is the unit of indexed evidence. Once created it is never mutated
// in place; it is deleted as a set when its source document is removed or
// reingested.
type Chunk struct {
	ID       string        `json:"id"`
	DocID    string        `json:"doc_id"`
	Ordinal  int           `json:"ordinal"`
	Text     string        `json:"text"`
	Vector   []float32     `json:"-"`
	Metadata ChunkMetadata `json:"metadata"`
}

// Origin is the closed set of retrieval sources.
type Origin string

const (
	OriginCorpus Origin = "corpus"
	OriginNote   Origin = "note"
	OriginWeb    Origin = "web"
)

// Locator is the origin-appropriate citation pointer. Only the fields
// relevant to Origin are populated.
type Locator struct {
	DocID          string        `json:"doc_id,omitempty"`
	Page           int           `json:"page,omitempty"`
	Section        string        `json:"section,omitempty"`
	TimestampStart time.Duration `json:"timestamp_start,omitempty"`
	TimestampEnd   time.Duration `json:"timestamp_end,omitempty"`
	NotePath       string        `json:"note_path,omitempty"`
	Heading        string        `json:"heading,omitempty"`
	URL            string        `json:"url,omitempty"`
	Title          string        `json:"title,omitempty"`
}

// Scores holds the three retrieval scores a hit may carry. A nil pointer
// means the score is absent (not zero) — that distinction drives the
// rerank-fallback weighted merge in the corpus package.
type Scores struct {
	Lexical  *float64 `json:"lexical,omitempty"`
	Semantic *float64 `json:"semantic,omitempty"`
	Rerank   *float64 `json:"rerank,omitempty"`
}

// RetrievalHit is a single candidate of evidence produced by one of the
// three retrieval branches. It exists only for the duration of a single
// request.
type RetrievalHit struct {
	ChunkID string  `json:"chunk_id"`
	Text    string  `json:"text"`
	Origin  Origin  `json:"origin"`
	Locator Locator `json:"locator"`
	Scores  Scores  `json:"scores"`
}

// SortKey returns the hit's canonical sort score: rerank if present,
// otherwise semantic, otherwise lexical, otherwise zero.
func (h RetrievalHit) SortKey() float64 {
	switch {
	case h.Scores.Rerank != nil:
		return *h.Scores.Rerank
	case h.Scores.Semantic != nil:
		return *h.Scores.Semantic
	case h.Scores.Lexical != nil:
		return *h.Scores.Lexical
	default:
		return 0
	}
}

// Intent is the closed set of query planner intent tags.
type Intent string

const (
	IntentNews         Intent = "news"
	IntentAnalysis     Intent = "analysis"
	IntentData         Intent = "data"
	IntentGeneral      Intent = "general"
	IntentCommentary   Intent = "commentary"
	IntentClarification Intent = "clarification"
)

// Entities holds signal-extraction output attached to a SearchQuery.
type Entities struct {
	Tickers    []string `json:"tickers,omitempty"`
	Dates      []string `json:"dates,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
	Quoted     []string `json:"quoted,omitempty"`
}

// SearchQuery is one planner-generated query, with an intent tag and a
// back-reference to the original user query it expands.
type SearchQuery struct {
	Text         string   `json:"text"`
	Intent       Intent   `json:"intent"`
	Entities     Entities `json:"entities,omitempty"`
	Priority     int      `json:"priority"`
	ExpansionOf  string   `json:"expansion_of,omitempty"`
}

// ContextBlock is one piece of assembled prompt context.
type ContextBlock struct {
	Origin  Origin  `json:"origin"`
	Locator Locator `json:"locator"`
	Text    string  `json:"text"`
}

// TruncationReport records which context blocks a PromptBundle dropped
// to fit its token budget.
type TruncationReport struct {
	DroppedBlocks   int `json:"dropped_blocks"`
	RemainingBudget int `json:"remaining_budget"`
}

// PromptBundle is the assembled input handed to the generator client.
type PromptBundle struct {
	SystemPrompt string
	Memory       string
	Blocks       []ContextBlock
	UserQuery    string
	Truncation   TruncationReport
}

// Mode is the closed set of retrieval modes.
type Mode string

const (
	ModeCorpusOnly Mode = "corpus-only"
	ModeNotesOnly  Mode = "notes-only"
	ModeWebOnly    Mode = "web-only"
	ModeCombined   Mode = "combined"
)

// Valid reports whether m is one of the recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeCorpusOnly, ModeNotesOnly, ModeWebOnly, ModeCombined:
		return true
	default:
		return false
	}
}

// Settings is the per-request configuration, merged from server defaults
// and any per-request override.
type Settings struct {
	LexicalTopK     int           `json:"lexical_top_k"`
	SemanticTopK    int           `json:"semantic_top_k"`
	RerankTopK      int           `json:"rerank_top_k"`
	WebResults      int           `json:"web_results"`
	WebPagesParsed  int           `json:"web_pages_parsed"`
	Deadline        time.Duration `json:"deadline"`
	PerSourceTimeout time.Duration `json:"per_source_timeout"`
	MinScore        float64       `json:"min_score"`
	GeneratorModel  string        `json:"generator_model"`
	Temperature     float64       `json:"temperature"`
	MaxTokens       int           `json:"max_tokens"`
	CacheTTL        time.Duration `json:"cache_ttl"`
}

// AnswerRecord is both the cache entry and the request response body.
type AnswerRecord struct {
	Answer          string           `json:"answer"`
	Citations       []Locator        `json:"citations"`
	HitCounts       map[Origin]int   `json:"hit_counts"`
	GeneratorModel  string           `json:"generator_model"`
	Elapsed         ElapsedBreakdown `json:"elapsed"`
	Fingerprint     string           `json:"fingerprint"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	CorpusVersion   uint64           `json:"corpus_version"`
	DegradedSources []DegradedSource `json:"degraded_sources"`
	TruncatedBlocks int              `json:"truncated_blocks"`
	CacheStatus     string           `json:"cache_status"`
}

// DegradedSource records a retrieval branch that failed or timed out but
// did not fail the overall request.
type DegradedSource struct {
	Source Origin `json:"source"`
	Reason string `json:"reason"`
}

// ElapsedBreakdown is the per-request latency report.
type ElapsedBreakdown struct {
	PerSourceMs   map[Origin]int64 `json:"per_source_ms"`
	RerankMs      int64            `json:"rerank_ms"`
	GeneratorMs   int64            `json:"generator_ms"`
	TotalMs       int64            `json:"total_ms"`
}
