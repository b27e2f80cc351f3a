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

// Package ingest turns raw document text into Chunks, writes them to the
// chunk store, and rebuilds the lexical index — the only path allowed to
// mutate either. Chunking is a direct generalization of the teacher's
// line-based overlapping chunker (pkg/rag/chunker_simple.go) from byte-
// oriented text chunks to the spec's Chunk/ChunkMetadata model.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kpekel/ragcore/internal/chunkstore"
	"github.com/kpekel/ragcore/internal/embedder"
	"github.com/kpekel/ragcore/internal/lexical"
	"github.com/kpekel/ragcore/internal/types"
)

// ChunkerConfig controls the line-based chunker. Defaults mirror the
// teacher's OverlappingChunker: overlap is a fifth of the chunk size.
type ChunkerConfig struct {
	SizeBytes    int
	OverlapBytes int
}

// SetDefaults fills in zero-valued fields with the teacher's defaults.
func (c *ChunkerConfig) SetDefaults() {
	if c.SizeBytes <= 0 {
		c.SizeBytes = 2000
	}
	if c.OverlapBytes <= 0 {
		c.OverlapBytes = c.SizeBytes / 5
	}
}

// chunkText splits content into line-bounded, overlapping byte-size
// chunks. Never splits mid-line, matching the teacher's chunker
// contract: partial lines read worse than a slightly over/undersized
// chunk.
func chunkText(content string, cfg ChunkerConfig) []string {
	cfg.SetDefaults()
	if len(content) <= cfg.SizeBytes {
		return []string{content}
	}

	lines := strings.Split(content, "\n")
	var chunks []string
	var current strings.Builder
	var overlapLines []string
	overlapLen := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
	}

	for _, line := range lines {
		lineWithNewline := line + "\n"
		if current.Len() > 0 && current.Len()+len(lineWithNewline) > cfg.SizeBytes {
			flush()
			for _, ol := range overlapLines {
				current.WriteString(ol)
			}
			overlapLines = nil
			overlapLen = 0
		}
		current.WriteString(lineWithNewline)

		overlapLines = append(overlapLines, lineWithNewline)
		overlapLen += len(lineWithNewline)
		for overlapLen > cfg.OverlapBytes && len(overlapLines) > 0 {
			overlapLen -= len(overlapLines[0])
			overlapLines = overlapLines[1:]
		}
	}
	flush()

	return chunks
}

// Document is one ingested source document's registry entry — the
// chunk store has no "list all document ids" operation (only
// list(doc_id) and count()), so the ingest pipeline keeps its own
// sidecar registry for GET /documents, following the same
// persist-a-small-JSON-file pattern as internal/chunkstore's index.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	ChunkCount int       `json:"chunk_count"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Pipeline serializes writes to the chunk store and lexical index behind
// a single mutex (the "ingestion mutex" spec.md §5 requires), so the
// corpus version counter increments exactly once per batch after both
// the chunk store and lexical index reflect it.
type Pipeline struct {
	store   chunkstore.Store
	lexicon *lexical.Index
	embed   embedder.Embedder
	cfg     ChunkerConfig

	mu        sync.Mutex // the ingestion mutex
	regPath   string
	registry  map[string]Document
}

// New builds a Pipeline. registryPath is where the document registry is
// persisted; empty means in-memory only.
func New(store chunkstore.Store, lexicon *lexical.Index, embed embedder.Embedder, cfg ChunkerConfig, registryPath string) (*Pipeline, error) {
	p := &Pipeline{
		store:    store,
		lexicon:  lexicon,
		embed:    embed,
		cfg:      cfg,
		regPath:  registryPath,
		registry: make(map[string]Document),
	}
	if registryPath == "" {
		return p, nil
	}
	data, err := os.ReadFile(registryPath)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		p.registry[d.ID] = d
	}
	return p, nil
}

func (p *Pipeline) saveRegistry() {
	if p.regPath == "" {
		return
	}
	docs := make([]Document, 0, len(p.registry))
	for _, d := range p.registry {
		docs = append(docs, d)
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal document registry", "error", err)
		return
	}
	if err := os.WriteFile(p.regPath, data, 0o644); err != nil {
		slog.Warn("failed to write document registry", "error", err)
	}
}

// Result reports the outcome of one Ingest call.
type Result struct {
	DocID         string
	ChunksAdded   int
	CorpusVersion uint64
}

// Ingest chunks content, embeds and stores each chunk, then rebuilds the
// lexical index — all under the ingestion mutex so a concurrent Ingest
// or Delete can never interleave a chunk-store write with a rebuild.
// docID defaults to a fresh uuid when empty, so re-ingesting the same
// filename under a new id never collides with DuplicateIDError.
func (p *Pipeline) Ingest(ctx context.Context, docID, filename, content string, contentType types.ContentType) (Result, error) {
	if docID == "" {
		docID = uuid.NewString()
	}

	lines := chunkText(content, p.cfg)
	if len(lines) == 0 {
		return Result{}, fmt.Errorf("ingest %s: no content to chunk", filename)
	}

	texts := make([]string, len(lines))
	copy(texts, lines)

	p.mu.Lock()
	defer p.mu.Unlock()

	vectors, err := p.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("embed chunks for %s: %w", filename, err)
	}

	now := time.Now()
	chunks := make([]types.Chunk, len(lines))
	for i, text := range lines {
		chunks[i] = types.Chunk{
			ID:      fmt.Sprintf("%s#%d", docID, i),
			DocID:   docID,
			Ordinal: i,
			Text:    text,
			Vector:  vectors[i],
			Metadata: types.ChunkMetadata{
				ContentType:      contentType,
				ExtractionMethod: "ingest.chunkText",
				IngestedAt:       now,
			},
		}
	}

	if err := p.store.Add(ctx, chunks); err != nil {
		return Result{}, fmt.Errorf("add chunks for %s: %w", filename, err)
	}

	p.registry[docID] = Document{ID: docID, Filename: filename, ChunkCount: len(chunks), IngestedAt: now}
	p.saveRegistry()

	if err := p.rebuildLexicon(ctx); err != nil {
		return Result{}, err
	}

	return Result{DocID: docID, ChunksAdded: len(chunks), CorpusVersion: p.store.Version()}, nil
}

// DeleteDocument removes docID's chunks from the store and rebuilds the
// lexical index under the same ingestion mutex.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) (removed int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.store.List(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("list chunks for %s: %w", docID, err)
	}
	if err := p.store.DeleteByDocument(ctx, docID); err != nil {
		return 0, fmt.Errorf("delete document %s: %w", docID, err)
	}
	if err := p.rebuildLexicon(ctx); err != nil {
		return 0, err
	}

	delete(p.registry, docID)
	p.saveRegistry()

	return len(existing), nil
}

// rebuildLexicon reads the stored chunks of every document in the
// registry and rebuilds the lexical index from scratch; chunks of a
// document the registry does not list are not indexed. Called with the
// ingestion mutex held.
func (p *Pipeline) rebuildLexicon(ctx context.Context) error {
	all := make([]types.Chunk, 0, len(p.registry))
	for id := range p.registry {
		chunks, err := p.store.List(ctx, id)
		if err != nil {
			return fmt.Errorf("list chunks for lexical rebuild: %w", err)
		}
		all = append(all, chunks...)
	}
	if err := p.lexicon.RebuildFrom(ctx, all); err != nil {
		return fmt.Errorf("rebuild lexical index: %w", err)
	}
	return nil
}

// Documents lists every ingested document's registry entry.
func (p *Pipeline) Documents() []Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := make([]Document, 0, len(p.registry))
	for _, d := range p.registry {
		docs = append(docs, d)
	}
	return docs
}

// Reindex rebuilds the lexical index from the chunk store's current
// contents without touching stored chunks — used by POST /ingest's
// force_reindex path when no new documents are being added.
func (p *Pipeline) Reindex(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.rebuildLexicon(ctx); err != nil {
		return 0, err
	}
	count, err := p.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}
