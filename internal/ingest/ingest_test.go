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

package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/lexical"
	"github.com/kpekel/ragcore/internal/types"
)

type fakeStore struct {
	chunks map[string][]types.Chunk
	docs   map[string][]string
	ver    uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: map[string][]types.Chunk{}, docs: map[string][]string{}}
}

func (s *fakeStore) Add(ctx context.Context, chunks []types.Chunk) error {
	for _, c := range chunks {
		s.chunks[c.ID] = append(s.chunks[c.ID], c)
		s.docs[c.DocID] = append(s.docs[c.DocID], c.ID)
	}
	s.ver++
	return nil
}

func (s *fakeStore) DeleteByDocument(ctx context.Context, docID string) error {
	for _, id := range s.docs[docID] {
		delete(s.chunks, id)
	}
	delete(s.docs, docID)
	s.ver++
	return nil
}

func (s *fakeStore) SemanticSearch(ctx context.Context, vector []float32, topK int) ([]types.RetrievalHit, error) {
	return nil, nil
}

func (s *fakeStore) List(ctx context.Context, docID string) ([]types.Chunk, error) {
	var out []types.Chunk
	for _, id := range s.docs[docID] {
		out = append(out, s.chunks[id][0])
	}
	return out, nil
}

func (s *fakeStore) Count(ctx context.Context) (int, error) { return len(s.chunks), nil }
func (s *fakeStore) Version() uint64                        { return s.ver }

type fakeEmbedder struct{ dim int }

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, e.dim), nil
}
func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}
func (e *fakeEmbedder) Dimension() int { return e.dim }
func (e *fakeEmbedder) Model() string  { return "fake" }

func TestIngest_ChunksEmbedsAndRebuildsLexicon(t *testing.T) {
	store := newFakeStore()
	lex := lexical.New()
	embed := &fakeEmbedder{dim: 4}
	p, err := New(store, lex, embed, ChunkerConfig{}, "")
	require.NoError(t, err)

	result, err := p.Ingest(context.Background(), "", "doc.txt", "hello world\nsecond line\n", types.ContentText)
	require.NoError(t, err)
	require.NotEmpty(t, result.DocID)
	require.Equal(t, 1, result.ChunksAdded)
	require.Equal(t, lexical.StateReady, lex.State())

	docs := p.Documents()
	require.Len(t, docs, 1)
	require.Equal(t, "doc.txt", docs[0].Filename)
}

func TestIngest_LargeContentSplitsIntoMultipleChunksNeverMidLine(t *testing.T) {
	store := newFakeStore()
	lex := lexical.New()
	embed := &fakeEmbedder{dim: 4}
	p, err := New(store, lex, embed, ChunkerConfig{SizeBytes: 40, OverlapBytes: 5}, "")
	require.NoError(t, err)

	content := strings.Repeat("a line of text that repeats\n", 10)
	result, err := p.Ingest(context.Background(), "doc-1", "big.txt", content, types.ContentText)
	require.NoError(t, err)
	require.Greater(t, result.ChunksAdded, 1)

	chunks, err := store.List(context.Background(), "doc-1")
	require.NoError(t, err)
	for _, c := range chunks {
		require.True(t, strings.HasSuffix(c.Text, "\n"))
	}
}

func TestDeleteDocument_RemovesChunksAndRebuildsLexicon(t *testing.T) {
	store := newFakeStore()
	lex := lexical.New()
	embed := &fakeEmbedder{dim: 4}
	p, err := New(store, lex, embed, ChunkerConfig{}, "")
	require.NoError(t, err)

	result, err := p.Ingest(context.Background(), "doc-1", "doc.txt", "hello world\n", types.ContentText)
	require.NoError(t, err)

	removed, err := p.DeleteDocument(context.Background(), result.DocID)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Empty(t, p.Documents())
}
