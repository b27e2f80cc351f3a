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
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kpekel/ragcore/internal/types"
)

// Watcher watches a directory for new or changed files and feeds them
// through a Pipeline, debouncing rapid successive events the way the
// teacher's file watcher does for its own document store (v2/rag/
// watcher.go), generalized from its multi-event-type document-store API
// down to the two operations this pipeline exposes: ingest and delete.
type Watcher struct {
	fsw      *fsnotify.Watcher
	pipeline *Pipeline
	basePath string
	debounce time.Duration

	mu       sync.Mutex
	pathToDoc map[string]string // watched file path -> assigned doc id
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	BasePath      string
	DebounceDelay time.Duration
}

// NewWatcher opens an fsnotify watch on cfg.BasePath.
func NewWatcher(cfg WatcherConfig, pipeline *Pipeline) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.BasePath); err != nil {
		fsw.Close()
		return nil, err
	}

	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	return &Watcher{
		fsw:       fsw,
		pipeline:  pipeline,
		basePath:  cfg.BasePath,
		debounce:  debounce,
		pathToDoc: make(map[string]string),
	}, nil
}

// Run processes events until ctx is cancelled. Rapid writes to the same
// path are coalesced by the debounce timer so a slow file copy does not
// trigger one ingest per fsnotify chunk.
func (w *Watcher) Run(ctx context.Context) {
	pending := make(map[string]fsnotify.Event)
	var mu sync.Mutex
	var timer *time.Timer

	flush := func() {
		mu.Lock()
		events := pending
		pending = make(map[string]fsnotify.Event)
		mu.Unlock()
		for _, ev := range events {
			w.handle(ctx, ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			flush()
			w.fsw.Close()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			mu.Lock()
			pending[event.Name] = event
			mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, flush)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("directory watcher error", "path", w.basePath, "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create, event.Op&fsnotify.Write == fsnotify.Write:
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			return
		}
		content, err := os.ReadFile(event.Name)
		if err != nil {
			slog.Warn("failed to read watched file", "path", event.Name, "error", err)
			return
		}
		filename := filepath.Base(event.Name)

		w.mu.Lock()
		docID := w.pathToDoc[event.Name]
		w.mu.Unlock()

		if docID != "" {
			if _, err := w.pipeline.DeleteDocument(ctx, docID); err != nil {
				slog.Warn("watched-directory re-ingest could not remove previous chunks", "path", event.Name, "error", err)
				return
			}
		}

		result, err := w.pipeline.Ingest(ctx, docID, filename, string(content), types.ContentText)
		if err != nil {
			slog.Warn("watched-directory ingest failed", "path", event.Name, "error", err)
			return
		}
		w.mu.Lock()
		w.pathToDoc[event.Name] = result.DocID
		w.mu.Unlock()

	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		w.mu.Lock()
		docID, ok := w.pathToDoc[event.Name]
		delete(w.pathToDoc, event.Name)
		w.mu.Unlock()
		if !ok {
			return
		}
		if _, err := w.pipeline.DeleteDocument(ctx, docID); err != nil {
			slog.Warn("watched-directory delete failed", "path", event.Name, "error", err)
		}
	}
}
