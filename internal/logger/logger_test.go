package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel_RecognizesAllLevels(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelInfo, ParseLevel("INFO"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
}

func TestParseLevel_UnknownDefaultsToWarn(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("nonsense"))
}

func TestGet_InitializesDefaultWhenUnset(t *testing.T) {
	defaultLogger = nil
	l := Get()
	require.NotNil(t, l)
	require.NotNil(t, defaultLogger)
}
