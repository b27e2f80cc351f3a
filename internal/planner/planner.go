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

// Package planner turns a user prompt into one or more SearchQuery
// values: a fast deterministic signal-extraction pass, optionally
// followed by a small-LLM expansion stage. Planning never fails the
// request — any error here degrades to the original query.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/kpekel/ragcore/internal/generator"
	"github.com/kpekel/ragcore/internal/types"
)

// Generator is the narrow slice of the generator client the planner
// needs for its expansion stage.
type Generator interface {
	Generate(ctx context.Context, bundle types.PromptBundle, model string, temperature float64, maxTokens int) (string, generator.Stats, error)
}

var (
	tickerPattern = regexp.MustCompile(`\b[A-Z]{1,5}\b`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"`)
	datePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|today|yesterday|this week|this month|this quarter|last week|last month|last quarter)\b`)
)

var tickerStopwords = map[string]struct{}{
	"A": {}, "I": {}, "THE": {}, "AND": {}, "FOR": {}, "ARE": {}, "WAS": {},
	"ALL": {}, "NOT": {}, "BUT": {}, "CAN": {}, "HOW": {}, "WHY": {}, "WHO": {},
}

var indicatorNames = []string{"RSI", "MACD", "EMA", "SMA", "VWAP", "ATR", "ADX", "bollinger bands"}

// expansionTokenThreshold is the query length, in whitespace-separated
// words, below which (or when mode is combined/web-only) the LLM
// expansion stage runs. It is a fixed constant: no configuration key
// changes it, and the query is not measured in tokenizer tokens.
const expansionTokenThreshold = 24

// Planner produces SearchQuery lists from a user prompt.
type Planner struct {
	gen   Generator
	model string
}

// New builds a Planner. gen may be nil, in which case only signal
// extraction ever runs.
func New(gen Generator, model string) *Planner {
	return &Planner{gen: gen, model: model}
}

// Plan runs signal extraction and, when applicable, LLM expansion. It
// always returns at least one SearchQuery and never returns an error —
// failures degrade to the original query with intent=general.
func (p *Planner) Plan(ctx context.Context, query string, mode types.Mode) []types.SearchQuery {
	entities := extractEntities(query)

	shouldExpand := p.gen != nil && (wordCount(query) < expansionTokenThreshold || mode == types.ModeCombined || mode == types.ModeWebOnly)
	if shouldExpand {
		if expanded, err := p.expand(ctx, query, entities); err == nil && len(expanded) > 0 {
			return orderByPriority(expanded)
		} else if err != nil {
			slog.Warn("query expansion failed, falling back to original query", "error", err)
		}
	}

	return []types.SearchQuery{{
		Text:     query,
		Intent:   types.IntentGeneral,
		Entities: entities,
		Priority: 3,
	}}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// extractEntities recognizes tickers, dates/time references and
// indicator names via a fast, deterministic rule pass.
func extractEntities(query string) types.Entities {
	var entities types.Entities

	for _, m := range tickerPattern.FindAllString(query, -1) {
		if _, stop := tickerStopwords[m]; stop {
			continue
		}
		entities.Tickers = append(entities.Tickers, m)
	}

	entities.Dates = datePattern.FindAllString(strings.ToLower(query), -1)

	lowerQuery := strings.ToLower(query)
	for _, ind := range indicatorNames {
		if strings.Contains(lowerQuery, strings.ToLower(ind)) {
			entities.Indicators = append(entities.Indicators, ind)
		}
	}

	entities.Quoted = quoted(query)

	return entities
}

type expansionItem struct {
	Text     string `json:"text"`
	Intent   string `json:"intent"`
	Priority int    `json:"priority"`
}

const expansionPrompt = `Given the user query below, produce 1-5 reformulations tagged with an intent from {news, analysis, data, general, commentary, clarification}.
Return strict JSON: a list of objects with fields "text", "intent", "priority" (1-5, 5 is highest).
Query: %s`

// expand calls the generator for reformulations, retrying parse failure
// exactly once before giving up.
func (p *Planner) expand(ctx context.Context, query string, entities types.Entities) ([]types.SearchQuery, error) {
	bundle := types.PromptBundle{
		SystemPrompt: "You expand search queries into structured JSON. Respond with JSON only.",
		UserQuery:    fmt.Sprintf(expansionPrompt, query),
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, _, err := p.gen.Generate(ctx, bundle, p.model, 0.3, 400)
		if err != nil {
			return nil, err
		}

		items, parseErr := parseExpansion(text)
		if parseErr == nil && len(items) > 0 {
			out := make([]types.SearchQuery, 0, len(items))
			for _, it := range items {
				intent := types.Intent(it.Intent)
				if !validIntent(intent) {
					intent = types.IntentGeneral
				}
				priority := it.Priority
				if priority < 1 || priority > 5 {
					priority = 3
				}
				out = append(out, types.SearchQuery{
					Text:        it.Text,
					Intent:      intent,
					Entities:    entities,
					Priority:    priority,
					ExpansionOf: query,
				})
			}
			return out, nil
		}
		lastErr = parseErr
	}

	return nil, fmt.Errorf("expansion output malformed after retry: %w", lastErr)
}

func parseExpansion(text string) ([]expansionItem, error) {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array found in expansion output")
	}

	var items []expansionItem
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("unmarshal expansion output: %w", err)
	}
	return items, nil
}

func validIntent(i types.Intent) bool {
	switch i {
	case types.IntentNews, types.IntentAnalysis, types.IntentData, types.IntentGeneral, types.IntentCommentary, types.IntentClarification:
		return true
	default:
		return false
	}
}

func orderByPriority(queries []types.SearchQuery) []types.SearchQuery {
	sort.SliceStable(queries, func(i, j int) bool { return queries[i].Priority > queries[j].Priority })
	return queries
}

// quoted extracts double-quoted phrases from a query, surfaced on
// Entities.Quoted so callers can treat literal phrase matches separately
// from the ticker/date/indicator signals above.
func quoted(query string) []string {
	matches := quotedPattern.FindAllStringSubmatch(query, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
