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

// Package corpus implements the hybrid lexical+semantic retriever over
// the chunk store and lexical index, including cross-encoder reranking
// with a weighted-merge fallback.
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kpekel/ragcore/internal/embedder"
	"github.com/kpekel/ragcore/internal/types"
)

// SemanticSearcher is the chunk store's search surface, narrowed to what
// this package needs so tests can fake it without a real chromem store.
type SemanticSearcher interface {
	SemanticSearch(ctx context.Context, vector []float32, topK int) ([]types.RetrievalHit, error)
}

// LexicalSearcher is the lexical index's search surface.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, topK int) (hits []types.RetrievalHit, stale bool, err error)
}

// Retriever runs the hybrid corpus retrieval sub-pipeline.
type Retriever struct {
	store    SemanticSearcher
	lexicon  LexicalSearcher
	embed    embedder.Embedder
	reranker Reranker
}

// New builds a Retriever. reranker may be nil, meaning the weighted-merge
// path is always used.
func New(store SemanticSearcher, lexicon LexicalSearcher, embed embedder.Embedder, reranker Reranker) *Retriever {
	return &Retriever{store: store, lexicon: lexicon, embed: embed, reranker: reranker}
}

// Options bundles the per-request knobs the retriever needs.
type Options struct {
	LexicalTopK  int
	SemanticTopK int
	RerankTopK   int
	MinScore     float64
	// Deadline is the remaining wall-clock budget for this retrieval,
	// from which the rerank call is given half.
	Deadline time.Duration
}

// Result is the retriever's output plus the degradation signals the
// orchestrator folds into the response metadata.
type Result struct {
	Hits          []types.RetrievalHit
	RerankUsed    bool
	RerankFellBack bool
	LexicalStale  bool
	EmbedderFailed bool
}

// Retrieve runs lexical+semantic search in parallel, merges by chunk id,
// reranks (or falls back to a weighted merge), filters by MinScore and
// truncates to RerankTopK.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (Result, error) {
	if opts.LexicalTopK == 0 && opts.SemanticTopK == 0 {
		return Result{}, nil
	}

	var lexHits, semHits []types.RetrievalHit
	var lexStale bool
	var embedderFailed bool

	g, gctx := errgroup.WithContext(ctx)

	if opts.LexicalTopK > 0 {
		g.Go(func() error {
			hits, stale, err := r.lexicon.Search(gctx, query, opts.LexicalTopK)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			lexHits = hits
			lexStale = stale
			return nil
		})
	}

	if opts.SemanticTopK > 0 {
		g.Go(func() error {
			vec, err := r.embed.Embed(gctx, query)
			if err != nil {
				slog.Warn("embedder failed, degrading to lexical-only", "error", err)
				embedderFailed = true
				return nil
			}
			hits, err := r.store.SemanticSearch(gctx, vec, opts.SemanticTopK)
			if err != nil {
				return fmt.Errorf("semantic search: %w", err)
			}
			semHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	merged := mergeByChunkID(lexHits, semHits)
	if len(merged) == 0 {
		return Result{LexicalStale: lexStale, EmbedderFailed: embedderFailed}, nil
	}

	if opts.RerankTopK == 0 {
		return Result{LexicalStale: lexStale, EmbedderFailed: embedderFailed}, nil
	}

	res, err := r.rerank(ctx, query, merged, opts)
	if err != nil {
		return Result{}, err
	}
	res.LexicalStale = lexStale
	res.EmbedderFailed = embedderFailed
	return res, nil
}

func (r *Retriever) rerank(ctx context.Context, query string, merged []types.RetrievalHit, opts Options) (Result, error) {
	if r.reranker == nil {
		return weightedMerge(merged, opts), nil
	}

	budget := opts.Deadline / 2
	if budget <= 0 {
		budget = 5 * time.Second
	}
	rerankCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	texts := make([]string, len(merged))
	for i, h := range merged {
		texts[i] = h.Text
	}

	scores, err := r.reranker.Rerank(rerankCtx, query, texts)
	if err != nil {
		slog.Warn("reranker failed, falling back to weighted merge", "error", err)
		res := weightedMerge(merged, opts)
		res.RerankFellBack = true
		return res, nil
	}

	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(merged) {
			continue
		}
		score := s.Score
		merged[s.Index].Scores.Rerank = &score
	}

	hits := filterAndSort(merged, opts.MinScore, opts.RerankTopK)
	return Result{Hits: hits, RerankUsed: true}, nil
}

// mergeByChunkID combines lexical and semantic hits, keeping whichever
// scores are present on each side rather than treating a missing score
// as zero.
func mergeByChunkID(lexHits, semHits []types.RetrievalHit) []types.RetrievalHit {
	byID := make(map[string]*types.RetrievalHit, len(lexHits)+len(semHits))
	order := make([]string, 0, len(lexHits)+len(semHits))

	for _, h := range lexHits {
		h := h
		byID[h.ChunkID] = &h
		order = append(order, h.ChunkID)
	}
	for _, h := range semHits {
		if existing, ok := byID[h.ChunkID]; ok {
			existing.Scores.Semantic = h.Scores.Semantic
			if existing.Text == "" {
				existing.Text = h.Text
			}
			continue
		}
		h := h
		byID[h.ChunkID] = &h
		order = append(order, h.ChunkID)
	}

	out := make([]types.RetrievalHit, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// weightedMerge implements the rerank-timeout fallback: min-max
// normalize lexical and semantic scores within this request, then
// combine 0.4*lexical + 0.6*semantic, missing component treated as 0.
func weightedMerge(hits []types.RetrievalHit, opts Options) Result {
	lexMin, lexMax := minMax(hits, func(h types.RetrievalHit) *float64 { return h.Scores.Lexical })
	semMin, semMax := minMax(hits, func(h types.RetrievalHit) *float64 { return h.Scores.Semantic })

	out := make([]types.RetrievalHit, len(hits))
	copy(out, hits)

	for i := range out {
		var lex, sem float64
		if out[i].Scores.Lexical != nil {
			lex = normalize(*out[i].Scores.Lexical, lexMin, lexMax)
		}
		if out[i].Scores.Semantic != nil {
			sem = normalize(*out[i].Scores.Semantic, semMin, semMax)
		}
		score := 0.4*lex + 0.6*sem
		out[i].Scores.Rerank = &score
	}

	return Result{Hits: filterAndSort(out, opts.MinScore, opts.RerankTopK)}
}

func minMax(hits []types.RetrievalHit, get func(types.RetrievalHit) *float64) (min, max float64) {
	first := true
	for _, h := range hits {
		v := get(h)
		if v == nil {
			continue
		}
		if first {
			min, max = *v, *v
			first = false
			continue
		}
		if *v < min {
			min = *v
		}
		if *v > max {
			max = *v
		}
	}
	return min, max
}

func normalize(v, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (v - min) / (max - min)
}

// filterAndSort drops hits below minScore, sorts by rerank score
// descending with (semantic desc, chunk id asc) tie-breaks, and truncates
// to topK.
func filterAndSort(hits []types.RetrievalHit, minScore float64, topK int) []types.RetrievalHit {
	kept := make([]types.RetrievalHit, 0, len(hits))
	for _, h := range hits {
		if h.Scores.Rerank != nil && *h.Scores.Rerank < minScore {
			continue
		}
		kept = append(kept, h)
	}

	sort.Slice(kept, func(i, j int) bool {
		ri, rj := rerankOf(kept[i]), rerankOf(kept[j])
		if ri != rj {
			return ri > rj
		}
		si, sj := semanticOf(kept[i]), semanticOf(kept[j])
		if si != sj {
			return si > sj
		}
		return kept[i].ChunkID < kept[j].ChunkID
	})

	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

func rerankOf(h types.RetrievalHit) float64 {
	if h.Scores.Rerank == nil {
		return 0
	}
	return *h.Scores.Rerank
}

func semanticOf(h types.RetrievalHit) float64 {
	if h.Scores.Semantic == nil {
		return 0
	}
	return *h.Scores.Semantic
}
