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

// Package orchestrator drives one end-to-end request through the state
// machine spec.md §4.10 describes: received -> cached_lookup -> planning
// -> fan_out -> merging -> assembling -> generating -> done, with a
// parallel failed terminal reachable from any non-terminal state. Fan-out
// uses golang.org/x/sync/errgroup with a derived, per-branch-timeboxed
// context, grounded on the teacher's retry/timeout conventions in
// v2/rag/retry.go.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kpekel/ragcore/internal/cache"
	"github.com/kpekel/ragcore/internal/corpus"
	"github.com/kpekel/ragcore/internal/generator"
	"github.com/kpekel/ragcore/internal/metrics"
	"github.com/kpekel/ragcore/internal/notes"
	"github.com/kpekel/ragcore/internal/planner"
	"github.com/kpekel/ragcore/internal/prompt"
	"github.com/kpekel/ragcore/internal/tracing"
	"github.com/kpekel/ragcore/internal/types"
	"github.com/kpekel/ragcore/internal/userprefs"
	"github.com/kpekel/ragcore/internal/websearch"
)

// defaultContextWindowTokens is the generator's assumed total context
// budget (prompt + completion). Settings.MaxTokens bounds only the
// completion length the generator is asked for; the prompt assembler
// needs a separate total-window figure to compute how much of that
// budget context blocks may consume, so this is a fixed constant rather
// than a spec-named Settings field.
const defaultContextWindowTokens = 8192

func msToDuration(ms int) time.Duration     { return time.Duration(ms) * time.Millisecond }
func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// Request is one inbound ask.
type Request struct {
	Query            string
	Mode             types.Mode
	UserID           string
	SettingsOverride *SettingsOverride
	// History is a flat array of prior turns; the core stores nothing
	// mutable of its own beyond the response cache and preference blobs
	// (spec.md §9), so history is folded into the prompt by the caller's
	// choice, not persisted here.
	History []string
	Headers websearch.ClientHeaders
	// ExcludeNotes drops the notes branch from combined mode even when
	// the notes backend is available, so the HTTP layer can distinguish
	// POST /ask-enhanced (corpus+web) from POST /ask-research (corpus+
	// notes+web) without widening the closed Mode set.
	ExcludeNotes bool
}

// Dependencies bundles every collaborator the orchestrator needs. Built
// at process startup and injected, per spec.md §9's "module-level
// singletons... injected via a small context/config struct" redesign
// note.
type Dependencies struct {
	Defaults        types.Settings
	Cache           *cache.Cache
	Planner         *planner.Planner
	CorpusRetriever *corpus.Retriever
	CorpusVersion   func() uint64
	Notes           *notes.Retriever
	NotesAvailable  bool
	Web             *websearch.Searcher
	WebAvailable    bool
	Prompts         *prompt.Assembler
	Generator       generator.Client
	Prefs           *userprefs.Store
	Metrics         *metrics.Metrics
	Tracer          *tracing.Provider
}

// Orchestrator wires the retrieval branches, prompt assembly, generation
// and caching into the single request pipeline described by spec.md
// §4.10.
type Orchestrator struct {
	deps Dependencies
	sf   singleflight.Group
}

// New builds an Orchestrator.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// branchResult is one source's fan-out outcome.
type branchResult struct {
	hits    []types.RetrievalHit
	err     error
	elapsed time.Duration
	// rerankFellBack and lexicalStale only apply to the corpus branch.
	rerankFellBack bool
	lexicalStale   bool
}

// Answer runs one request end to end.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (types.AnswerRecord, error) {
	requestID := uuid.NewString()
	start := time.Now()

	if req.Query == "" {
		return types.AnswerRecord{}, newError(KindInvalidRequest, requestID, "query is required", nil)
	}
	if !req.Mode.Valid() {
		return types.AnswerRecord{}, newError(KindInvalidRequest, requestID, fmt.Sprintf("unrecognized mode %q", req.Mode), nil)
	}

	settings := mergeSettings(o.deps.Defaults, req.SettingsOverride)
	if settings.Deadline <= 0 {
		return types.AnswerRecord{}, newError(KindInvalidRequest, requestID, "deadline must be positive", nil)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, settings.Deadline)
	defer cancel()

	memory := ""
	if o.deps.Prefs != nil {
		memory = o.deps.Prefs.Serialize(req.UserID)
	}

	var corpusVersion uint64
	if o.deps.CorpusVersion != nil {
		corpusVersion = o.deps.CorpusVersion()
	}

	fingerprint := cache.Fingerprint(cache.FingerprintInput{
		Query:          req.Query,
		Mode:           req.Mode,
		GeneratorModel: settings.GeneratorModel,
		Temperature:    settings.Temperature,
		MaxTokens:      settings.MaxTokens,
		RerankTopK:     settings.RerankTopK,
		MinScore:       settings.MinScore,
		WebResults:     settings.WebResults,
		CorpusVersion:  corpusVersion,
		Memory:         memory,
		ExcludeNotes:   req.ExcludeNotes,
	})

	// singleflight collapses concurrent identical requests (same
	// fingerprint) into a single upstream pipeline run, so a burst of
	// duplicate asks for the same query never fans out N times to the
	// retrievers and generator.
	v, err, _ := o.sf.Do(fingerprint, func() (interface{}, error) {
		return o.answerUncached(deadlineCtx, req, requestID, fingerprint, settings, memory, start)
	})
	if err != nil {
		return types.AnswerRecord{}, err
	}
	return v.(types.AnswerRecord), nil
}

func (o *Orchestrator) answerUncached(ctx context.Context, req Request, requestID, fingerprint string, settings types.Settings, memory string, start time.Time) (types.AnswerRecord, error) {
	if o.deps.Cache != nil {
		if record, ok := o.deps.Cache.Get(fingerprint); ok {
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordCache("hit")
				o.deps.Metrics.RecordRequest(req.Mode, "cache_hit", time.Since(start).Seconds())
			}
			record.CacheStatus = "hit"
			// A cache hit performs no retrieval or generation work on this
			// request, so the per-phase elapsed figures from the original
			// (cached) request must not be surfaced as if they happened
			// now (spec.md §8 scenario 2).
			record.Elapsed = types.ElapsedBreakdown{
				TotalMs: time.Since(start).Milliseconds(),
			}
			return record, nil
		}
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordCache("miss")
	}

	tracerCtx := ctx
	if o.deps.Tracer != nil {
		var span trace.Span
		tracerCtx, span = o.deps.Tracer.Start(ctx, "orchestrator.answer")
		defer span.End()
	}

	queries := o.deps.Planner.Plan(tracerCtx, req.Query, req.Mode)

	branches, elapsedBySource, err := o.fanOut(tracerCtx, req, queries, settings)
	if err != nil {
		if oerr, ok := err.(*Error); ok {
			oerr.RequestID = requestID
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordRequest(req.Mode, "fatal", time.Since(start).Seconds())
		}
		return types.AnswerRecord{}, err
	}

	merged, hitCounts, degraded := mergeBranches(branches)
	for source, res := range branches {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordSource(source, len(res.hits), res.elapsed.Seconds())
		}
		if res.rerankFellBack && o.deps.Metrics != nil {
			o.deps.Metrics.RecordRerank(res.elapsed.Seconds(), true)
		}
	}
	if o.deps.Metrics != nil {
		for _, d := range degraded {
			o.deps.Metrics.RecordDegraded(d.Source, d.Reason)
		}
	}

	blocks := make([]types.ContextBlock, 0, len(merged))
	for _, h := range merged {
		blocks = append(blocks, types.ContextBlock{Origin: h.Origin, Locator: h.Locator, Text: h.Text})
	}

	var slotOverride prompt.Slots
	if o.deps.Prefs != nil {
		slotOverride = o.deps.Prefs.GetOverride(req.UserID, req.Mode)
	}

	budget := defaultContextWindowTokens
	bundle := o.deps.Prompts.Assemble(req.Mode, slotOverride, memory, blocks, req.Query, budget)

	if ctx.Err() == context.DeadlineExceeded {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordRequest(req.Mode, "deadline_exceeded", time.Since(start).Seconds())
		}
		return types.AnswerRecord{}, newError(KindDeadlineExceeded, requestID, "request deadline exceeded before generation", ctx.Err())
	}

	genStart := time.Now()
	answer, _, genErr := o.deps.Generator.Generate(ctx, bundle, settings.GeneratorModel, settings.Temperature, settings.MaxTokens)
	genElapsed := time.Since(genStart)
	if genErr != nil {
		_, busy := genErr.(*generator.GeneratorBusyError)
		if !busy && ctx.Err() == context.DeadlineExceeded {
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordRequest(req.Mode, "deadline_exceeded", time.Since(start).Seconds())
			}
			return types.AnswerRecord{}, newError(KindDeadlineExceeded, requestID, "generation did not finish before the deadline", genErr)
		}
		if o.deps.Metrics != nil {
			if _, ok := genErr.(*generator.GeneratorBusyError); ok {
				o.deps.Metrics.RecordGeneratorBusy()
			}
			o.deps.Metrics.RecordRequest(req.Mode, "generator_failed", time.Since(start).Seconds())
		}
		kind := KindGeneratorFailed
		if _, ok := genErr.(*generator.GeneratorBusyError); ok {
			kind = KindGeneratorBusy
		}
		return types.AnswerRecord{}, newError(kind, requestID, "generation failed", genErr)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordGenerator(genElapsed.Seconds())
		o.deps.Metrics.RecordTruncation(bundle.Truncation.DroppedBlocks)
	}

	citations := make([]types.Locator, 0, len(bundle.Blocks))
	for _, b := range bundle.Blocks {
		citations = append(citations, b.Locator)
	}

	totalElapsed := time.Since(start)
	record := types.AnswerRecord{
		Answer:         answer,
		Citations:      citations,
		HitCounts:      hitCounts,
		GeneratorModel: settings.GeneratorModel,
		Elapsed: types.ElapsedBreakdown{
			PerSourceMs: elapsedBySource,
			GeneratorMs: genElapsed.Milliseconds(),
			TotalMs:     totalElapsed.Milliseconds(),
		},
		Fingerprint:     fingerprint,
		CreatedAt:       start,
		ExpiresAt:       start.Add(settings.CacheTTL),
		CorpusVersion:   o.corpusVersionOrZero(),
		DegradedSources: degraded,
		TruncatedBlocks: bundle.Truncation.DroppedBlocks,
		CacheStatus:     "miss",
	}

	if o.deps.Cache != nil {
		o.deps.Cache.Put(fingerprint, record)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRequest(req.Mode, "ok", totalElapsed.Seconds())
		o.deps.Metrics.SetCorpusVersion(record.CorpusVersion)
	}

	return record, nil
}

func (o *Orchestrator) corpusVersionOrZero() uint64 {
	if o.deps.CorpusVersion == nil {
		return 0
	}
	return o.deps.CorpusVersion()
}

// enabledSources returns which branches run for mode, and whether each
// is mandatory (an error on a mandatory branch is request-fatal).
func (o *Orchestrator) enabledSources(mode types.Mode, excludeNotes bool) map[types.Origin]bool {
	enabled := map[types.Origin]bool{}
	switch mode {
	case types.ModeCorpusOnly:
		enabled[types.OriginCorpus] = true
	case types.ModeNotesOnly:
		enabled[types.OriginNote] = true
	case types.ModeWebOnly:
		enabled[types.OriginWeb] = true
	case types.ModeCombined:
		enabled[types.OriginCorpus] = true
		if o.deps.NotesAvailable && !excludeNotes {
			enabled[types.OriginNote] = true
		}
		if o.deps.WebAvailable {
			enabled[types.OriginWeb] = true
		}
	}
	return enabled
}

// fanOut runs every enabled branch concurrently under per_source_timeout,
// cancels them all when the shared deadline fires, and returns each
// branch's result plus its own elapsed time. Within a branch, one
// retrieval task runs per planner-ordered SearchQuery (spec.md §4.10
// step 4), issued in priority order and merged by (origin, locator)
// into that branch's single result (spec.md §4.6). A mandatory branch
// (the only branch a single-source mode requires) fails the whole
// request with SourceUnavailable only once every query attempt on it
// has errored; a non-mandatory branch degrades instead, as does any
// mandatory branch for which at least one query attempt still
// succeeded.
func (o *Orchestrator) fanOut(ctx context.Context, req Request, queries []types.SearchQuery, settings types.Settings) (map[types.Origin]branchResult, map[types.Origin]int64, error) {
	sources := o.enabledSources(req.Mode, req.ExcludeNotes)
	mandatory := len(sources) == 1

	results := make(map[types.Origin]branchResult, len(sources))
	elapsedMs := make(map[types.Origin]int64, len(sources))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	if sources[types.OriginCorpus] {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, settings.PerSourceTimeout)
			defer cancel()
			start := time.Now()
			var hits []types.RetrievalHit
			var rerankFellBack, lexicalStale bool
			seen := map[string]bool{}
			succeeded := 0
			var lastErr error
			for _, q := range queries {
				res, err := o.deps.CorpusRetriever.Retrieve(branchCtx, q.Text, corpus.Options{
					LexicalTopK:  settings.LexicalTopK,
					SemanticTopK: settings.SemanticTopK,
					RerankTopK:   settings.RerankTopK,
					MinScore:     settings.MinScore,
					Deadline:     settings.PerSourceTimeout,
				})
				if err != nil {
					lastErr = err
					continue
				}
				succeeded++
				rerankFellBack = rerankFellBack || res.RerankFellBack
				lexicalStale = lexicalStale || res.LexicalStale
				hits = appendDedupHits(hits, seen, res.Hits)
			}
			elapsed := time.Since(start)
			var branchErr error
			if succeeded == 0 {
				branchErr = lastErr
			}
			br := branchResult{hits: hits, err: branchErr, elapsed: elapsed, rerankFellBack: rerankFellBack, lexicalStale: lexicalStale}
			mu.Lock()
			results[types.OriginCorpus] = br
			elapsedMs[types.OriginCorpus] = elapsed.Milliseconds()
			mu.Unlock()
			if branchErr != nil && mandatory {
				return branchErr
			}
			return nil
		})
	}

	if sources[types.OriginNote] {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, settings.PerSourceTimeout)
			defer cancel()
			start := time.Now()
			var hits []types.RetrievalHit
			seen := map[string]bool{}
			succeeded := 0
			var lastErr error
			for _, q := range queries {
				qHits, err := o.deps.Notes.Search(branchCtx, q.Text, settings.SemanticTopK)
				if err != nil {
					lastErr = err
					continue
				}
				succeeded++
				hits = appendDedupHits(hits, seen, qHits)
			}
			elapsed := time.Since(start)
			var branchErr error
			if succeeded == 0 {
				branchErr = lastErr
			}
			mu.Lock()
			results[types.OriginNote] = branchResult{hits: hits, err: branchErr, elapsed: elapsed}
			elapsedMs[types.OriginNote] = elapsed.Milliseconds()
			mu.Unlock()
			if branchErr != nil && mandatory {
				return branchErr
			}
			return nil
		})
	}

	if sources[types.OriginWeb] {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, settings.PerSourceTimeout)
			defer cancel()
			start := time.Now()
			var hits []types.RetrievalHit
			seen := map[string]bool{}
			succeeded := 0
			var lastErr error
			for _, q := range queries {
				webResults, err := o.deps.Web.Search(branchCtx, q.Text, settings.WebResults, req.Headers)
				if err != nil {
					lastErr = err
					continue
				}
				succeeded++
				qHits := o.deps.Web.Materialize(branchCtx, webResults, settings.WebPagesParsed)
				hits = appendDedupHits(hits, seen, qHits)
			}
			elapsed := time.Since(start)
			var branchErr error
			if succeeded == 0 {
				branchErr = lastErr
			}
			mu.Lock()
			results[types.OriginWeb] = branchResult{hits: hits, err: branchErr, elapsed: elapsed}
			elapsedMs[types.OriginWeb] = elapsed.Milliseconds()
			mu.Unlock()
			if branchErr != nil && mandatory {
				return branchErr
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, newError(KindSourceUnavailable, "", "required retrieval branch failed", err)
	}

	if len(sources) == 0 {
		return results, elapsedMs, nil
	}

	// All-branches-failed is request-fatal even when no single branch is
	// individually mandatory (combined mode with every source erroring).
	allFailed := true
	for src := range sources {
		if res, ok := results[src]; !ok || res.err == nil {
			allFailed = false
			break
		}
	}
	if allFailed {
		return nil, nil, newError(KindSourceUnavailable, "", "every enabled retrieval branch failed", nil)
	}

	return results, elapsedMs, nil
}

// mergeBranches concatenates hits in corpus, notes, web precedence
// (spec.md §4.10 step 6) and deduplicates by (origin, locator). Branch
// errors become degraded-source entries rather than being merged.
func mergeBranches(branches map[types.Origin]branchResult) ([]types.RetrievalHit, map[types.Origin]int, []types.DegradedSource) {
	precedence := []types.Origin{types.OriginCorpus, types.OriginNote, types.OriginWeb}

	var merged []types.RetrievalHit
	seen := map[string]bool{}
	hitCounts := map[types.Origin]int{}
	var degraded []types.DegradedSource

	for _, origin := range precedence {
		res, ok := branches[origin]
		if !ok {
			continue
		}
		if res.err != nil {
			degraded = append(degraded, types.DegradedSource{Source: origin, Reason: res.err.Error()})
			continue
		}
		hitCounts[origin] = len(res.hits)
		for _, h := range res.hits {
			key := string(h.Origin) + "|" + locatorKey(h.Locator)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, h)
		}
	}

	return merged, hitCounts, degraded
}

func locatorKey(l types.Locator) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s", l.DocID, l.Page, l.Section, l.NotePath, l.URL)
}

// appendDedupHits merges one query's hits into a branch's accumulated
// hit list, skipping any (origin, locator) already seen from an earlier,
// higher-priority query.
func appendDedupHits(hits []types.RetrievalHit, seen map[string]bool, next []types.RetrievalHit) []types.RetrievalHit {
	for _, h := range next {
		key := string(h.Origin) + "|" + locatorKey(h.Locator)
		if seen[key] {
			continue
		}
		seen[key] = true
		hits = append(hits, h)
	}
	return hits
}
