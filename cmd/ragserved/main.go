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

// Command ragserved runs the local RAG service: corpus/notes/web
// retrieval, reranking, prompt assembly and generation behind a single
// HTTP API, grounded on the teacher's cobra-based CLI entrypoint
// (cmd/hector/main.go) and the subcommand layout of
// Aman-CERP-amanmcp's cmd/amanmcp/cmd/root.go and daemon.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var dotenvFile string

	cmd := &cobra.Command{
		Use:   "ragserved",
		Short: "Local, self-hosted retrieval-augmented-generation service",
		Long: `ragserved combines corpus, notes and web retrieval with hybrid
lexical+semantic search, cross-encoder reranking and LLM generation
behind a single HTTP API.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to an optional YAML config file")
	cmd.PersistentFlags().StringVar(&dotenvFile, "dotenv", "", "path to an optional .env file")

	cmd.AddCommand(newServeCmd(&configFile, &dotenvFile))
	cmd.AddCommand(newIngestCmd(&configFile, &dotenvFile))
	cmd.AddCommand(newHealthcheckCmd(&configFile, &dotenvFile))

	return cmd
}
