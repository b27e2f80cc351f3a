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

// Package generator abstracts the local chat model runtime behind
// generate/list_models/ping, bounding in-flight concurrency with a
// semaphore the way the chunk store bounds writes with a mutex.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kpekel/ragcore/internal/types"
)

// GeneratorError wraps a failed generation call (HTTP failure, non-2xx
// status, or hard timeout).
type GeneratorError struct {
	Err error
}

func (e *GeneratorError) Error() string { return fmt.Sprintf("generator error: %v", e.Err) }
func (e *GeneratorError) Unwrap() error  { return e.Err }

// GeneratorBusyError is returned when the in-flight concurrency limit is
// full and the request's ctx is done (deadline or cancellation) before a
// slot frees up.
type GeneratorBusyError struct{}

func (e *GeneratorBusyError) Error() string { return "generator is at capacity" }

// Stats carries the runtime's own latency/token accounting for a
// completed generation.
type Stats struct {
	Model          string
	PromptTokens   int
	ResponseTokens int
	Elapsed        time.Duration
}

// Client is the generator contract the orchestrator depends on.
type Client interface {
	Generate(ctx context.Context, bundle types.PromptBundle, model string, temperature float64, maxTokens int) (string, Stats, error)
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// OllamaClient implements Client against a local Ollama-compatible
// runtime's /api/chat and /api/tags endpoints.
type OllamaClient struct {
	client  *http.Client
	baseURL string

	sem chan struct{}

	mu           sync.Mutex
	modelsCached []string
	modelsAt     time.Time
}

// Config configures an OllamaClient.
type Config struct {
	BaseURL        string
	MaxConcurrency int
}

// New builds an OllamaClient. MaxConcurrency bounds in-flight
// generations; a request waits for a free slot only until its ctx is
// done and then fails with GeneratorBusyError rather than queuing
// unbounded. The length of the wait is not predicted up front.
func New(cfg Config) *OllamaClient {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &OllamaClient{
		client:  &http.Client{},
		baseURL: cfg.BaseURL,
		sem:     make(chan struct{}, maxConcurrency),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done               bool  `json:"done"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	EvalCount          int   `json:"eval_count"`
	TotalDuration      int64 `json:"total_duration"`
	Error              string `json:"error,omitempty"`
}

// Generate issues a single non-streaming chat completion. The request's
// hard timeout is the remaining deadline on ctx — callers are expected to
// have already derived ctx with context.WithDeadline.
func (c *OllamaClient) Generate(ctx context.Context, bundle types.PromptBundle, model string, temperature float64, maxTokens int) (string, Stats, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", Stats{}, &GeneratorBusyError{}
	}

	messages := buildMessages(bundle)

	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  chatOptions{Temperature: temperature, NumPredict: maxTokens},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", Stats{}, &GeneratorError{Err: fmt.Errorf("marshal chat request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", Stats{}, &GeneratorError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", Stats{}, &GeneratorError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", Stats{}, &GeneratorError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", Stats{}, &GeneratorError{Err: fmt.Errorf("decode chat response: %w", err)}
	}
	if parsed.Error != "" {
		return "", Stats{}, &GeneratorError{Err: fmt.Errorf("runtime error: %s", parsed.Error)}
	}

	return parsed.Message.Content, Stats{
		Model:          model,
		PromptTokens:   parsed.PromptEvalCount,
		ResponseTokens: parsed.EvalCount,
		Elapsed:        time.Since(start),
	}, nil
}

func buildMessages(bundle types.PromptBundle) []chatMessage {
	messages := make([]chatMessage, 0, 3+len(bundle.Blocks))
	messages = append(messages, chatMessage{Role: "system", Content: bundle.SystemPrompt})
	if bundle.Memory != "" {
		messages = append(messages, chatMessage{Role: "system", Content: bundle.Memory})
	}

	var context string
	for _, b := range bundle.Blocks {
		context += fmt.Sprintf("[%s] %s\n\n", string(b.Origin), b.Text)
	}
	if context != "" {
		messages = append(messages, chatMessage{Role: "system", Content: context})
	}

	messages = append(messages, chatMessage{Role: "user", Content: bundle.UserQuery})
	return messages
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the runtime's available model names, cached for 30s.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if time.Since(c.modelsAt) < 30*time.Second && c.modelsCached != nil {
		cached := c.modelsCached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}

	c.mu.Lock()
	c.modelsCached = names
	c.modelsAt = time.Now()
	c.mu.Unlock()

	return names, nil
}

// Ping verifies the runtime is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("generator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generator ping returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Client = (*OllamaClient)(nil)
