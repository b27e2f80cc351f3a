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

// Package logger configures the process-wide slog logger: third-party
// library logs are filtered out below debug level so retrieval-pipeline
// noise from chromem-go, chi, etc. doesn't drown out ragcore's own logs.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const ragcorePackagePrefix = "github.com/kpekel/ragcore"

// ParseLevel converts a string log level to slog.Level. Unrecognized
// values fall back to warn, matching the teacher's conservative default.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// filteringHandler suppresses third-party-package log records unless the
// minimum level is debug.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if h.isRagcorePackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isRagcorePackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	fullName := fn.Name()
	file, _ := fn.FileLine(pc)
	return strings.Contains(fullName, ragcorePackagePrefix) || strings.Contains(file, "ragcore/")
}

// Init configures the process-wide default slog logger at the given
// level, writing to output as JSON — structured output is what a service
// ingested by a log aggregator wants, unlike the teacher CLI's
// colored-terminal text handler.
func Init(level slog.Level, output *os.File) {
	opts := &slog.HandlerOptions{Level: level}
	base := slog.NewJSONHandler(output, opts)
	wrapped := &filteringHandler{handler: base, minLevel: level}
	defaultLogger = slog.New(wrapped)
	slog.SetDefault(defaultLogger)
}

// Get returns the process-wide logger, initializing one at info level to
// stderr if Init has not yet been called.
func Get() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr)
	}
	return defaultLogger
}
