package generator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/types"
)

func TestGenerate_ReturnsTextAndStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"hello"},"done":true,"prompt_eval_count":10,"eval_count":5}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxConcurrency: 1})
	text, stats, err := c.Generate(context.Background(), types.PromptBundle{UserQuery: "hi"}, "llama3", 0.2, 256)
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.Equal(t, 10, stats.PromptTokens)
	require.Equal(t, 5, stats.ResponseTokens)
}

func TestGenerate_NonOKStatusIsGeneratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxConcurrency: 1})
	_, _, err := c.Generate(context.Background(), types.PromptBundle{}, "llama3", 0.2, 256)
	require.Error(t, err)
	var genErr *GeneratorError
	require.ErrorAs(t, err, &genErr)
}

func TestGenerate_BusyWhenSemaphoreFullAndContextDone(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.Write([]byte(`{"message":{"content":"ok"},"done":true}`))
	}))
	defer srv.Close()
	defer close(blocked)

	c := New(Config{BaseURL: srv.URL, MaxConcurrency: 1})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Generate(ctx, types.PromptBundle{}, "llama3", 0, 1)
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := c.Generate(ctx, types.PromptBundle{}, "llama3", 0, 1)
	require.Error(t, err)
	var busyErr *GeneratorBusyError
	require.ErrorAs(t, err, &busyErr)
}

func TestListModels_CachesFor30Seconds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	models1, err := c.ListModels(context.Background())
	require.NoError(t, err)
	models2, err := c.ListModels(context.Background())
	require.NoError(t, err)

	require.Equal(t, models1, models2)
	require.Equal(t, 1, calls)
}

func TestPing_FailsWhenUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:0"})
	err := c.Ping(context.Background())
	require.Error(t, err)
}
