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

// Package notes bridges to a personal notes vault over its HTTP API.
// The backend is optional: a retriever that fails its startup reachability
// check reports itself unavailable rather than erroring every request.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kpekel/ragcore/internal/types"
)

const fullBodyThreshold = 280 // excerpts shorter than this trigger a full-body fetch

// SourceUnavailableError indicates the notes backend could not be reached
// for this request.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string { return fmt.Sprintf("notes backend unavailable: %v", e.Err) }
func (e *SourceUnavailableError) Unwrap() error  { return e.Err }

// Retriever searches the notes backend and normalizes hits to
// RetrievalHit.
type Retriever struct {
	client  *http.Client
	baseURL string
}

// Config configures a Retriever.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New builds a notes Retriever.
func New(cfg Config) *Retriever {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Retriever{client: &http.Client{Timeout: timeout}, baseURL: cfg.BaseURL}
}

// Ping performs the startup reachability check the availability contract
// requires: an unreachable or unconfigured backend disables notes-only
// mode and is silently skipped in combined mode.
func (r *Retriever) Ping(ctx context.Context) error {
	if r.baseURL == "" {
		return fmt.Errorf("notes backend not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/notes", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("notes backend returned status %d", resp.StatusCode)
	}
	return nil
}

type searchHit struct {
	Path    string `json:"path"`
	Heading string `json:"heading"`
	Excerpt string `json:"excerpt"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Hits []searchHit `json:"hits"`
}

// Search queries the notes backend and returns up to k hits, fetching the
// full body for any excerpt shorter than fullBodyThreshold.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]types.RetrievalHit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/search?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, &SourceUnavailableError{Err: err}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &SourceUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &SourceUnavailableError{Err: fmt.Errorf("notes search returned status %d", resp.StatusCode)}
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &SourceUnavailableError{Err: fmt.Errorf("decode notes search response: %w", err)}
	}

	hits := parsed.Hits
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make([]types.RetrievalHit, 0, len(hits))
	for _, h := range hits {
		text := h.Excerpt
		if len(text) < fullBodyThreshold {
			if full, err := r.readNote(ctx, h.Path); err == nil {
				text = full
			}
		}
		score := h.Score
		out = append(out, types.RetrievalHit{
			ChunkID: h.Path + "#" + h.Heading,
			Text:    text,
			Origin:  types.OriginNote,
			Locator: types.Locator{NotePath: h.Path, Heading: h.Heading},
			Scores:  types.Scores{Semantic: &score},
		})
	}
	return out, nil
}

func (r *Retriever) readNote(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/notes/"+url.PathEscape(path), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("read note returned status %d", resp.StatusCode)
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Content, nil
}
