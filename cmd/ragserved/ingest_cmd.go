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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kpekel/ragcore/internal/types"
)

func newIngestCmd(configFile, dotenvFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest one or more documents into the corpus without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(*configFile, *dotenvFile, args)
		},
	}
	return cmd
}

func runIngest(configFile, dotenvFile string, paths []string) error {
	cfg, err := loadConfig(configFile, dotenvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := buildApp(cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx := context.Background()
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		result, err := a.ingestPipe.Ingest(ctx, "", filepath.Base(path), string(content), types.ContentText)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Printf("ingested %s: doc=%s chunks=%d corpus_version=%d\n", path, result.DocID, result.ChunksAdded, result.CorpusVersion)
	}
	return nil
}
