package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/types"
)

func TestNew_StartsEmpty(t *testing.T) {
	idx := New()
	require.Equal(t, StateEmpty, idx.State())

	hits, stale, err := idx.Search(context.Background(), "anything", 10)
	require.NoError(t, err)
	require.False(t, stale)
	require.Empty(t, hits)
}

func TestRebuildFrom_TransitionsToReady(t *testing.T) {
	idx := New()
	chunks := []types.Chunk{
		{ID: "c1", DocID: "d1", Text: "the quarterly revenue grew sharply"},
		{ID: "c2", DocID: "d1", Text: "operating margin declined slightly"},
	}
	require.NoError(t, idx.RebuildFrom(context.Background(), chunks))
	require.Equal(t, StateReady, idx.State())
}

func TestSearch_RanksByTermOverlap(t *testing.T) {
	idx := New()
	chunks := []types.Chunk{
		{ID: "revenue-chunk", DocID: "d1", Text: "revenue revenue revenue grew this quarter"},
		{ID: "unrelated-chunk", DocID: "d1", Text: "the weather was unusually mild"},
	}
	require.NoError(t, idx.RebuildFrom(context.Background(), chunks))

	hits, stale, err := idx.Search(context.Background(), "revenue growth", 10)
	require.NoError(t, err)
	require.False(t, stale)
	require.NotEmpty(t, hits)
	require.Equal(t, "revenue-chunk", hits[0].ChunkID)
	require.NotNil(t, hits[0].Scores.Lexical)
	require.Nil(t, hits[0].Scores.Semantic)
}

func TestSearch_NoMatchingTermsReturnsEmpty(t *testing.T) {
	idx := New()
	require.NoError(t, idx.RebuildFrom(context.Background(), []types.Chunk{
		{ID: "c1", DocID: "d1", Text: "apples and oranges"},
	}))

	hits, _, err := idx.Search(context.Background(), "xyzzy plugh", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearch_RespectsTopK(t *testing.T) {
	idx := New()
	chunks := []types.Chunk{
		{ID: "c1", DocID: "d1", Text: "market analysis report"},
		{ID: "c2", DocID: "d1", Text: "market analysis summary"},
		{ID: "c3", DocID: "d1", Text: "market analysis detail"},
	}
	require.NoError(t, idx.RebuildFrom(context.Background(), chunks))

	hits, _, err := idx.Search(context.Background(), "market analysis", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestRebuildFrom_FailurePreservesPreviousReadySnapshot(t *testing.T) {
	idx := New()
	require.NoError(t, idx.RebuildFrom(context.Background(), []types.Chunk{
		{ID: "c1", DocID: "d1", Text: "stable content"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := idx.RebuildFrom(ctx, make([]types.Chunk, 1024))
	require.Error(t, err)
	var rebuildErr *IndexRebuildError
	require.ErrorAs(t, err, &rebuildErr)

	require.Equal(t, StateReady, idx.State())
	hits, _, searchErr := idx.Search(context.Background(), "stable", 10)
	require.NoError(t, searchErr)
	require.NotEmpty(t, hits)
}

func TestTokenize_LowercasesStripsStopwordsNoStemming(t *testing.T) {
	tokens := Tokenize("The Quick-Brown Foxes are Running")
	require.Equal(t, []string{"quick", "brown", "foxes", "running"}, tokens)
}
