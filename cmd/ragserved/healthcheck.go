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
	"time"

	"github.com/spf13/cobra"
)

func newHealthcheckCmd(configFile, dotenvFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Ping the configured generator backend and exit non-zero if unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(*configFile, *dotenvFile)
		},
	}
}

func runHealthcheck(configFile, dotenvFile string) error {
	cfg, err := loadConfig(configFile, dotenvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := buildApp(cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.generatorCli.Ping(ctx); err != nil {
		return fmt.Errorf("generator unreachable: %w", err)
	}

	fmt.Println("ok")
	return nil
}
