package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/types"
)

func TestFingerprint_SameInputsSameKey(t *testing.T) {
	in := FingerprintInput{Query: "What is AAPL doing?", Mode: types.ModeCombined, GeneratorModel: "llama3", RerankTopK: 5, CorpusVersion: 3}
	require.Equal(t, Fingerprint(in), Fingerprint(in))
}

func TestFingerprint_WhitespaceAndCaseInsensitive(t *testing.T) {
	a := Fingerprint(FingerprintInput{Query: "What is AAPL doing?", Mode: types.ModeCombined})
	b := Fingerprint(FingerprintInput{Query: "  what   is aapl doing?  ", Mode: types.ModeCombined})
	require.Equal(t, a, b)
}

func TestFingerprint_DifferentCorpusVersionDiffers(t *testing.T) {
	a := Fingerprint(FingerprintInput{Query: "q", CorpusVersion: 1})
	b := Fingerprint(FingerprintInput{Query: "q", CorpusVersion: 2})
	require.NotEqual(t, a, b)
}

func TestFingerprint_DifferentModeDiffers(t *testing.T) {
	a := Fingerprint(FingerprintInput{Query: "q", Mode: types.ModeCorpusOnly})
	b := Fingerprint(FingerprintInput{Query: "q", Mode: types.ModeWebOnly})
	require.NotEqual(t, a, b)
}

func TestCache_PutThenGet(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	record := types.AnswerRecord{Answer: "hello", ExpiresAt: time.Now().Add(time.Minute)}
	c.Put("key1", record)

	got, ok := c.Get("key1")
	require.True(t, ok)
	require.Equal(t, "hello", got.Answer)
}

func TestCache_GetMissingKeyReturnsFalse(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestCache_ExpiredEntryTreatedAsMiss(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	c.Put("key1", types.AnswerRecord{Answer: "stale", ExpiresAt: time.Now().Add(-time.Second)})
	_, ok := c.Get("key1")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestCache_PutIsIdempotent(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	record := types.AnswerRecord{Answer: "hello", ExpiresAt: time.Now().Add(time.Minute)}
	c.Put("key1", record)
	c.Put("key1", record)
	require.Equal(t, 1, c.Len())
}

func TestCache_InvalidateByVersionDropsOlderEntries(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	c.Put("old", types.AnswerRecord{CorpusVersion: 1, ExpiresAt: time.Now().Add(time.Minute)})
	c.Put("new", types.AnswerRecord{CorpusVersion: 5, ExpiresAt: time.Now().Add(time.Minute)})

	dropped := c.InvalidateByVersion(5)
	require.Equal(t, 1, dropped)

	_, ok := c.Get("old")
	require.False(t, ok)
	_, ok = c.Get("new")
	require.True(t, ok)
}
