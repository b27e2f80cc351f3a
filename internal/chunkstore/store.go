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

// Package chunkstore is the durable, embedded home for Chunk records and
// their vectors. It wraps chromem-go so the rest of the pipeline never
// imports a vector-database SDK directly — a future external backend can
// be slotted in behind the same Store interface.
package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/philippgille/chromem-go"

	"github.com/kpekel/ragcore/internal/types"
)

const collectionName = "chunks"

// DuplicateIDError is returned by Add when a chunk ID already exists in
// the store. None of the submitted batch is applied.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("chunk id %q already exists", e.ID)
}

// StoreUnavailableError wraps a failure reaching the underlying backend.
// It is returned only after one internal retry has already failed.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("chunk store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Store is the chunk-store contract the rest of the pipeline depends on.
type Store interface {
	Add(ctx context.Context, chunks []types.Chunk) error
	DeleteByDocument(ctx context.Context, docID string) error
	SemanticSearch(ctx context.Context, vector []float32, topK int) ([]types.RetrievalHit, error)
	List(ctx context.Context, docID string) ([]types.Chunk, error)
	Count(ctx context.Context) (int, error)
	Version() uint64
}

// ChromemStore is the default Store implementation, backed by an embedded
// chromem-go collection persisted to disk as a gzip-compressed gob file.
//
// chromem-go has no native "list by metadata filter" or "exists" query, so
// a small in-process index (id -> Chunk, doc_id -> ids) is kept alongside
// the collection to serve List, Count and the duplicate-id check without
// a full similarity scan.
type ChromemStore struct {
	db   *chromem.DB
	col  *chromem.Collection
	path string

	mu        sync.RWMutex
	byID      map[string]types.Chunk
	byDoc     map[string][]string
	version   atomic.Uint64
}

// Config configures a ChromemStore.
type Config struct {
	// PersistPath is the directory chromem-go persists its collection to.
	// Empty means in-memory only (chunks do not survive a restart).
	PersistPath string
	Compress    bool
}

// New opens or creates the on-disk chunk store.
func New(cfg Config) (*ChromemStore, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create chunk store directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/chunks.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}
		if _, err := os.Stat(dbPath); err == nil {
			loaded, loadErr := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if loadErr != nil {
				slog.Warn("failed to load existing chunk store, starting empty", "path", dbPath, "error", loadErr)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("loaded chunk store from disk", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chunk store requires pre-computed vectors")
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("create chunk collection: %w", err)
	}

	s := &ChromemStore{
		db:    db,
		col:   col,
		path:  cfg.PersistPath,
		byID:  make(map[string]types.Chunk),
		byDoc: make(map[string][]string),
	}
	if err := s.loadSidecarIndex(); err != nil {
		slog.Warn("failed to load chunk store side index, starting with an empty one", "error", err)
	}
	return s, nil
}

// sidecarIndex mirrors byID/byDoc to a small JSON file next to the chromem
// gob. chromem-go has no bulk iteration API, so this is how List/Count/
// duplicate-id checks survive a restart without a full-collection scan.
type sidecarIndex struct {
	Chunks []types.Chunk `json:"chunks"`
}

func (s *ChromemStore) sidecarPath() string {
	if s.path == "" {
		return ""
	}
	return s.path + "/index.json"
}

func (s *ChromemStore) loadSidecarIndex() error {
	path := s.sidecarPath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var idx sidecarIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}
	for _, c := range idx.Chunks {
		s.byID[c.ID] = c
		s.byDoc[c.DocID] = append(s.byDoc[c.DocID], c.ID)
	}
	return nil
}

func (s *ChromemStore) saveSidecarIndex() {
	path := s.sidecarPath()
	if path == "" {
		return
	}
	chunks := make([]types.Chunk, 0, len(s.byID))
	for _, c := range s.byID {
		chunks = append(chunks, c)
	}
	data, err := json.Marshal(sidecarIndex{Chunks: chunks})
	if err != nil {
		slog.Warn("failed to marshal chunk store side index", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("failed to write chunk store side index", "error", err)
	}
}

// Version returns the monotonically increasing corpus version. It bumps
// on every successful Add or DeleteByDocument and feeds the response
// cache's invalidation fingerprint.
func (s *ChromemStore) Version() uint64 {
	return s.version.Load()
}

// Add inserts new chunks. Re-adding an existing ID returns
// *DuplicateIDError and applies none of the batch.
func (s *ChromemStore) Add(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if _, exists := s.byID[c.ID]; exists {
			return &DuplicateIDError{ID: c.ID}
		}
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, toDocument(c))
	}

	if err := s.addWithRetry(ctx, docs); err != nil {
		return err
	}

	for _, c := range chunks {
		s.byID[c.ID] = c
		s.byDoc[c.DocID] = append(s.byDoc[c.DocID], c.ID)
	}

	s.version.Add(1)
	s.persist()
	return nil
}

func (s *ChromemStore) addWithRetry(ctx context.Context, docs []chromem.Document) error {
	err := s.col.AddDocuments(ctx, docs, runtime.NumCPU())
	if err == nil {
		return nil
	}
	slog.Warn("chunk store add failed, retrying once", "error", err)
	if err2 := s.col.AddDocuments(ctx, docs, runtime.NumCPU()); err2 != nil {
		return &StoreUnavailableError{Op: "add", Err: err2}
	}
	return nil
}

// DeleteByDocument removes every chunk belonging to docID. It is a no-op,
// not an error, when docID is unknown.
func (s *ChromemStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byDoc[docID]
	if !ok || len(ids) == 0 {
		return nil
	}

	if err := s.deleteWithRetry(ctx, docID); err != nil {
		return err
	}

	for _, id := range ids {
		delete(s.byID, id)
	}
	delete(s.byDoc, docID)

	s.version.Add(1)
	s.persist()
	return nil
}

func (s *ChromemStore) deleteWithRetry(ctx context.Context, docID string) error {
	filter := map[string]string{"doc_id": docID}
	err := s.col.Delete(ctx, filter, nil)
	if err == nil {
		return nil
	}
	slog.Warn("chunk store delete failed, retrying once", "error", err, "doc_id", docID)
	if err2 := s.col.Delete(ctx, filter, nil); err2 != nil {
		return &StoreUnavailableError{Op: "delete_by_document", Err: err2}
	}
	return nil
}

// SemanticSearch runs a cosine-similarity query and returns hits tagged
// with Origin corpus and only the Semantic score populated.
func (s *ChromemStore) SemanticSearch(ctx context.Context, vector []float32, topK int) ([]types.RetrievalHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.col.Count() == 0 {
		return nil, nil
	}

	results, err := s.col.QueryEmbedding(ctx, vector, min(topK, s.col.Count()), nil, nil)
	if err != nil && ctx.Err() == nil {
		slog.Warn("chunk store semantic search failed, retrying once", "error", err)
		results, err = s.col.QueryEmbedding(ctx, vector, min(topK, s.col.Count()), nil, nil)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StoreUnavailableError{Op: "semantic_search", Err: err}
	}

	hits := make([]types.RetrievalHit, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		hits = append(hits, types.RetrievalHit{
			ChunkID: r.ID,
			Text:    r.Content,
			Origin:  types.OriginCorpus,
			Locator: locatorFromMetadata(r.Metadata),
			Scores:  types.Scores{Semantic: &score},
		})
	}
	return hits, nil
}

// List returns every chunk belonging to docID, ordered by Ordinal.
func (s *ChromemStore) List(ctx context.Context, docID string) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byDoc[docID]
	chunks := make([]types.Chunk, 0, len(ids))
	for _, id := range ids {
		chunks = append(chunks, s.byID[id])
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	return chunks, nil
}

// Count returns the total number of stored chunks.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

func (s *ChromemStore) persist() {
	if s.path == "" {
		return
	}
	dbPath := s.path + "/chunks.gob"
	compress := false
	if _, err := os.Stat(dbPath + ".gz"); err == nil {
		compress = true
		dbPath += ".gz"
	}
	//nolint:staticcheck // Export is chromem-go's documented persistence entrypoint.
	if err := s.db.Export(dbPath, compress, ""); err != nil {
		slog.Warn("failed to persist chunk store", "error", err)
	}
	s.saveSidecarIndex()
}

func toDocument(c types.Chunk) chromem.Document {
	meta := map[string]string{
		"doc_id":            c.DocID,
		"ordinal":           fmt.Sprint(c.Ordinal),
		"page":              fmt.Sprint(c.Metadata.Page),
		"section":           c.Metadata.Section,
		"content_type":      string(c.Metadata.ContentType),
		"extraction_method": c.Metadata.ExtractionMethod,
	}
	return chromem.Document{
		ID:        c.ID,
		Content:   c.Text,
		Metadata:  meta,
		Embedding: c.Vector,
	}
}

func chunkFromDocument(d chromem.Document) types.Chunk {
	return types.Chunk{
		ID:     d.ID,
		DocID:  d.Metadata["doc_id"],
		Text:   d.Content,
		Vector: d.Embedding,
		Metadata: types.ChunkMetadata{
			Section:          d.Metadata["section"],
			ExtractionMethod: d.Metadata["extraction_method"],
			ContentType:      types.ContentType(d.Metadata["content_type"]),
		},
	}
}

func locatorFromMetadata(meta map[string]string) types.Locator {
	return types.Locator{
		DocID:   meta["doc_id"],
		Section: meta["section"],
	}
}
