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

// Package lexical is a hand-rolled, in-memory BM25 index. It is not built
// on a third-party full-text engine: the required empty -> ready ->
// rebuilding -> ready state machine, with non-blocking stale reads while a
// rebuild is in flight, needs direct control over the posting list and its
// atomic swap that an opaque search library does not expose.
package lexical

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kpekel/ragcore/internal/types"
)

// State is the lexical index's lifecycle state.
type State string

const (
	StateEmpty      State = "empty"
	StateReady      State = "ready"
	StateRebuilding State = "rebuilding"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// IndexRebuildError wraps a failure encountered while rebuilding the
// posting list. The previous ready index, if any, is left untouched.
type IndexRebuildError struct {
	Err error
}

func (e *IndexRebuildError) Error() string { return fmt.Sprintf("lexical index rebuild failed: %v", e.Err) }
func (e *IndexRebuildError) Unwrap() error  { return e.Err }

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// defaultStopwords is the fixed English stopword list the tokenizer
// contract removes. No stemming is applied anywhere in this package.
var defaultStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "will": {}, "with": {},
}

// Tokenize lowercases, splits on Unicode letters/digits and drops
// stopwords. It is exported so callers building queries use the exact
// same contract the index was built with.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	words := wordPattern.FindAllString(lower, -1)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := defaultStopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

type postingEntry struct {
	chunkID string
	termFreq int
}

type document struct {
	chunkID string
	docID   string
	text    string
	length  int
	locator types.Locator
}

// postings is one immutable snapshot of the index: term -> postings list,
// plus the per-document stats BM25 needs. Rebuild produces a brand new
// postings value and atomically swaps the pointer; in-flight Search calls
// keep using whichever snapshot they loaded.
type postings struct {
	docs        map[string]document
	inverted    map[string][]postingEntry
	avgDocLen   float64
	docCount    int
}

// Index is the lexical search surface. Safe for concurrent use: Search
// never blocks on RebuildFrom and vice versa.
type Index struct {
	mu    sync.Mutex // serializes RebuildFrom calls only
	state atomic.Value // State
	snap  atomic.Pointer[postings]
}

// New returns an empty index in StateEmpty.
func New() *Index {
	idx := &Index{}
	idx.state.Store(StateEmpty)
	idx.snap.Store(&postings{docs: map[string]document{}, inverted: map[string][]postingEntry{}})
	return idx
}

// State reports the index's current lifecycle state.
func (idx *Index) State() State {
	return idx.state.Load().(State)
}

// RebuildFrom replaces the posting list from scratch using the given
// chunks. The previous snapshot keeps serving reads until the new one is
// ready; on error the previous snapshot is left in place and the state
// returns to whatever it was (ready stays ready, empty stays empty).
func (idx *Index) RebuildFrom(ctx context.Context, chunks []types.Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prevState := idx.State()
	idx.state.Store(StateRebuilding)

	next, err := buildPostings(ctx, chunks)
	if err != nil {
		idx.state.Store(prevState)
		return &IndexRebuildError{Err: err}
	}

	idx.snap.Store(next)
	idx.state.Store(StateReady)
	return nil
}

func buildPostings(ctx context.Context, chunks []types.Chunk) (*postings, error) {
	p := &postings{
		docs:     make(map[string]document, len(chunks)),
		inverted: make(map[string][]postingEntry),
	}

	var totalLen int
	for i, c := range chunks {
		if i%256 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		tokens := Tokenize(c.Text)
		termFreq := make(map[string]int, len(tokens))
		for _, t := range tokens {
			termFreq[t]++
		}

		p.docs[c.ID] = document{
			chunkID: c.ID,
			docID:   c.DocID,
			text:    c.Text,
			length:  len(tokens),
			locator: types.Locator{DocID: c.DocID, Page: c.Metadata.Page, Section: c.Metadata.Section},
		}
		totalLen += len(tokens)

		for term, freq := range termFreq {
			p.inverted[term] = append(p.inverted[term], postingEntry{chunkID: c.ID, termFreq: freq})
		}
	}

	p.docCount = len(chunks)
	if p.docCount > 0 {
		p.avgDocLen = float64(totalLen) / float64(p.docCount)
	}
	return p, nil
}

// Search scores query against the current snapshot. The returned stale
// flag is true when a rebuild was in flight at the moment of the read —
// the hits still come from the last complete snapshot, never a partial
// one, but the caller may want to surface that the index is momentarily
// behind the chunk store. If the index is currently StateEmpty (never
// built) this returns an empty, non-error result — callers treat "no
// evidence yet" as a normal outcome, not a failure of the lexical branch.
func (idx *Index) Search(ctx context.Context, query string, topK int) (hits []types.RetrievalHit, stale bool, err error) {
	stale = idx.State() == StateRebuilding
	snap := idx.snap.Load()
	if snap == nil || snap.docCount == 0 {
		return nil, stale, nil
	}

	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, stale, nil
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		postingsList, ok := snap.inverted[term]
		if !ok {
			continue
		}
		idf := idfScore(snap.docCount, len(postingsList))
		for _, entry := range postingsList {
			doc := snap.docs[entry.chunkID]
			scores[entry.chunkID] += idf * termScore(entry.termFreq, doc.length, snap.avgDocLen)
		}
	}

	hits = make([]types.RetrievalHit, 0, len(scores))
	for chunkID, score := range scores {
		doc := snap.docs[chunkID]
		s := score
		hits = append(hits, types.RetrievalHit{
			ChunkID: chunkID,
			Text:    doc.text,
			Origin:  types.OriginCorpus,
			Locator: doc.locator,
			Scores:  types.Scores{Lexical: &s},
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].SortKey() != hits[j].SortKey() {
			return hits[i].SortKey() > hits[j].SortKey()
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, stale, nil
}

func idfScore(docCount, docFreq int) float64 {
	return math.Log(1 + (float64(docCount)-float64(docFreq)+0.5)/(float64(docFreq)+0.5))
}

func termScore(termFreq, docLen int, avgDocLen float64) float64 {
	numerator := float64(termFreq) * (bm25K1 + 1)
	denominator := float64(termFreq) + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgDocLen)
	return numerator / denominator
}
