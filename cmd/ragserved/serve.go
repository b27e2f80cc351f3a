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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kpekel/ragcore/internal/ingest"
	"github.com/kpekel/ragcore/internal/logger"
)

func newServeCmd(configFile, dotenvFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configFile, *dotenvFile)
		},
	}
}

func runServe(configFile, dotenvFile string) error {
	cfg, err := loadConfig(configFile, dotenvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), os.Stderr)
	log := logger.Get()

	a, err := buildApp(cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *ingest.Watcher
	if cfg.WatchDir != "" {
		watcher, err = ingest.NewWatcher(ingest.WatcherConfig{BasePath: cfg.WatchDir, DebounceDelay: 2 * time.Second}, a.ingestPipe)
		if err != nil {
			return fmt.Errorf("build directory watcher: %w", err)
		}
		go watcher.Run(ctx)
		log.Info("watching directory for new documents", "path", cfg.WatchDir)
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: a.httpServer(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ragserved listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := a.tracerSvc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown failed", "error", err)
	}

	log.Info("ragserved stopped")
	return nil
}
