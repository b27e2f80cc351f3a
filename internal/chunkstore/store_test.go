package chunkstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/types"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)
	return s
}

func testChunk(id, docID string, vec []float32) types.Chunk {
	return types.Chunk{
		ID:     id,
		DocID:  docID,
		Text:   "chunk text for " + id,
		Vector: vec,
	}
}

func TestAdd_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testChunk("c1", "doc1", []float32{1, 0, 0})
	require.NoError(t, s.Add(ctx, []types.Chunk{c}))

	err := s.Add(ctx, []types.Chunk{c})
	require.Error(t, err)
	var dupErr *DuplicateIDError
	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, "c1", dupErr.ID)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAdd_BumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.EqualValues(t, 0, s.Version())
	require.NoError(t, s.Add(ctx, []types.Chunk{testChunk("c1", "doc1", []float32{1, 0})}))
	require.EqualValues(t, 1, s.Version())
}

func TestDeleteByDocument_RemovesAllChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []types.Chunk{
		testChunk("c1", "doc1", []float32{1, 0}),
		testChunk("c2", "doc1", []float32{0, 1}),
		testChunk("c3", "doc2", []float32{1, 1}),
	}))

	require.NoError(t, s.DeleteByDocument(ctx, "doc1"))

	chunks, err := s.List(ctx, "doc1")
	require.NoError(t, err)
	require.Empty(t, chunks)

	remaining, err := s.List(ctx, "doc2")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestDeleteByDocument_UnknownDocIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.DeleteByDocument(context.Background(), "missing"))
}

func TestSemanticSearch_EmptyStoreReturnsNoResults(t *testing.T) {
	s := newTestStore(t)
	hits, err := s.SemanticSearch(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSemanticSearch_PopulatesSemanticScoreOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, []types.Chunk{testChunk("c1", "doc1", []float32{1, 0, 0})}))

	hits, err := s.SemanticSearch(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, types.OriginCorpus, hits[0].Origin)
	require.NotNil(t, hits[0].Scores.Semantic)
	require.Nil(t, hits[0].Scores.Lexical)
	require.Nil(t, hits[0].Scores.Rerank)
}

func TestList_OrdersByOrdinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c2 := testChunk("c2", "doc1", []float32{0, 1})
	c2.Ordinal = 1
	c1 := testChunk("c1", "doc1", []float32{1, 0})
	c1.Ordinal = 0

	require.NoError(t, s.Add(ctx, []types.Chunk{c2, c1}))

	chunks, err := s.List(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, "c1", chunks[0].ID)
	require.Equal(t, "c2", chunks[1].ID)
}
