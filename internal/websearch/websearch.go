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

// Package websearch issues queries to a local metasearch HTTP endpoint
// and materializes result pages into plain text for the generator.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/kpekel/ragcore/internal/types"
)

const maxPageBytes = 2 << 20 // 2 MiB cap per fetched page

// WebBackendError is returned when the metasearch engine rejects the
// request, typically because required client-address forwarding headers
// are missing.
type WebBackendError struct {
	StatusCode int
	Err        error
}

func (e *WebBackendError) Error() string {
	return fmt.Sprintf("web backend error (status %d): %v", e.StatusCode, e.Err)
}
func (e *WebBackendError) Unwrap() error { return e.Err }

// Result is one metasearch hit before materialization.
type Result struct {
	URL     string
	Title   string
	Snippet string
	Rank    int
}

// ClientHeaders carries the forwarded client-address fields the
// metasearch engine's anti-abuse layer requires on every request.
type ClientHeaders struct {
	ForwardedFor  string
	RealIP        string
	UserAgent     string
}

// Searcher issues metasearch queries and fetches/extracts page text.
type Searcher struct {
	client  *http.Client
	baseURL string
}

// Config configures a Searcher.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New builds a web Searcher.
func New(cfg Config) *Searcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Searcher{client: &http.Client{Timeout: timeout}, baseURL: cfg.BaseURL}
}

type searxResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search queries the metasearch endpoint for up to k results.
func (s *Searcher) Search(ctx context.Context, query string, k int, headers ClientHeaders) ([]Result, error) {
	reqURL := s.baseURL + "/search?q=" + url.QueryEscape(query) + "&format=json&pageno=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	applyClientHeaders(req, headers)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, &WebBackendError{StatusCode: resp.StatusCode, Err: fmt.Errorf("request rejected, check forwarding headers")}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &WebBackendError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode metasearch response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if k > 0 && i >= k {
			break
		}
		results = append(results, Result{URL: r.URL, Title: r.Title, Snippet: r.Content, Rank: i + 1})
	}
	return results, nil
}

func applyClientHeaders(req *http.Request, headers ClientHeaders) {
	if headers.ForwardedFor != "" {
		req.Header.Set("X-Forwarded-For", headers.ForwardedFor)
	}
	if headers.RealIP != "" {
		req.Header.Set("X-Real-IP", headers.RealIP)
	}
	if headers.UserAgent != "" {
		req.Header.Set("User-Agent", headers.UserAgent)
	}
}

// Materialize fetches and text-extracts at most pagesParsed of the given
// results, with bounded concurrency 4. Unmaterialized results are
// dropped — a snippet alone is never handed to the generator.
func (s *Searcher) Materialize(ctx context.Context, results []Result, pagesParsed int) []types.RetrievalHit {
	if pagesParsed > len(results) {
		pagesParsed = len(results)
	}
	targets := results[:pagesParsed]

	const concurrency = 4
	sem := make(chan struct{}, concurrency)
	hits := make([]types.RetrievalHit, len(targets))
	ok := make([]bool, len(targets))

	var wg sync.WaitGroup
	for i, r := range targets {
		wg.Add(1)
		go func(i int, r Result) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			text, err := s.parse(ctx, r.URL)
			if err != nil {
				return
			}
			hits[i] = types.RetrievalHit{
				ChunkID: r.URL,
				Text:    text,
				Origin:  types.OriginWeb,
				Locator: types.Locator{URL: r.URL, Title: r.Title},
			}
			ok[i] = true
		}(i, r)
	}
	wg.Wait()

	out := make([]types.RetrievalHit, 0, len(targets))
	for i, present := range ok {
		if present {
			out = append(out, hits[i])
		}
	}
	return out
}

// parse fetches url and extracts visible text from the HTML body,
// bounded by maxPageBytes.
func (s *Searcher) parse(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxPageBytes)
	doc, err := html.Parse(limited)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var sb []byte
	var walk func(*html.Node)
	skip := map[string]bool{"script": true, "style": true, "noscript": true}
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skip[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			text := trimSpace(n.Data)
			if text != "" {
				sb = append(sb, text...)
				sb = append(sb, ' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return string(sb), nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
