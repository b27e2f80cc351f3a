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

// Package cache provides a fingerprint-keyed, TTL-on-read cache for
// assembled AnswerRecords, backed by an in-process LRU.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kpekel/ragcore/internal/types"
)

// DefaultSize is the default number of answers to keep resident.
const DefaultSize = 2000

// Cache is a fingerprint-keyed AnswerRecord cache. TTL is evaluated on
// read, not by a background sweep — an expired entry is treated as a
// miss and evicted lazily the next time its key is looked up.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, types.AnswerRecord]
}

// Config configures a Cache.
type Config struct {
	Size int
}

// New builds a Cache.
func New(cfg Config) (*Cache, error) {
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	inner, err := lru.New[string, types.AnswerRecord](size)
	if err != nil {
		return nil, fmt.Errorf("build lru cache: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// FingerprintInput is the set of fields that together determine whether
// two requests are answerable from the same cache entry.
type FingerprintInput struct {
	Query          string
	Mode           types.Mode
	GeneratorModel string
	Temperature    float64
	MaxTokens      int
	RerankTopK     int
	MinScore       float64
	WebResults     int
	CorpusVersion  uint64
	Memory         string // serialized per-user memory blob, included unconditionally
	ExcludeNotes   bool   // distinguishes /ask-enhanced from /ask-research in combined mode
}

// Fingerprint derives a deterministic cache key from the normalized
// query, mode, effective settings, corpus version and a hash of the
// caller's memory blob. Memory is folded in unconditionally (rather than
// only when a caller knows it varies per user) since an answer generated
// with one user's memory facts is never safe to serve to another.
func Fingerprint(in FingerprintInput) string {
	normalized := normalizeQuery(in.Query)
	memorySum := sha256.Sum256([]byte(in.Memory))
	parts := []string{
		normalized,
		string(in.Mode),
		in.GeneratorModel,
		fmt.Sprintf("%.3f", in.Temperature),
		fmt.Sprintf("%d", in.MaxTokens),
		fmt.Sprintf("%d", in.RerankTopK),
		fmt.Sprintf("%.3f", in.MinScore),
		fmt.Sprintf("%d", in.WebResults),
		fmt.Sprintf("%d", in.CorpusVersion),
		fmt.Sprintf("%t", in.ExcludeNotes),
		hex.EncodeToString(memorySum[:]),
	}

	combined := ""
	for _, p := range parts {
		combined += p + "\x00"
	}
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])
}

// normalizeQuery lowercases and collapses runs of whitespace, preserving
// word order, so that trivially different whitespace/casing variants of
// the same query share a fingerprint.
func normalizeQuery(q string) string {
	var fields []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			fields = append(fields, string(current))
			current = current[:0]
		}
	}
	for _, r := range q {
		switch {
		case unicode.IsSpace(r):
			flush()
		default:
			current = append(current, unicode.ToLower(r))
		}
	}
	flush()

	out := ""
	for i, f := range fields {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

// Get returns the cached AnswerRecord for fingerprint, or ok=false if
// absent or expired. An expired entry is evicted as a side effect.
func (c *Cache) Get(fingerprint string) (types.AnswerRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.inner.Get(fingerprint)
	if !ok {
		return types.AnswerRecord{}, false
	}
	if time.Now().After(record.ExpiresAt) {
		c.inner.Remove(fingerprint)
		return types.AnswerRecord{}, false
	}
	return record, true
}

// Put stores record under fingerprint. Calling Put twice with the same
// fingerprint and record is idempotent — the second call simply
// overwrites with an identical value.
func (c *Cache) Put(fingerprint string, record types.AnswerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(fingerprint, record)
}

// InvalidateByVersion drops every entry whose CorpusVersion is less than
// currentVersion and returns how many it dropped. The ingest pipeline
// does not call it: entries from a superseded corpus are already
// unreachable because the corpus version is part of the fingerprint, and
// they stay resident until LRU eviction or an explicit call here.
func (c *Cache) InvalidateByVersion(currentVersion uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, key := range c.inner.Keys() {
		record, ok := c.inner.Peek(key)
		if !ok {
			continue
		}
		if record.CorpusVersion < currentVersion {
			c.inner.Remove(key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of entries currently resident, including any
// not-yet-lazily-evicted expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
