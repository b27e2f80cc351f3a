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

package orchestrator

import "github.com/kpekel/ragcore/internal/types"

// SettingsOverride is the per-request settings a caller may supply,
// expressed with pointer fields so an explicit zero (e.g. deadline_ms=0,
// rerank_top_k=0) is distinguishable from "not specified" — a plain
// types.Settings value cannot make that distinction, and the spec's
// boundary behaviors (deadline==0 is InvalidRequest; rerank_top_k==0
// means skip reranking) both depend on it.
type SettingsOverride struct {
	LexicalTopK        *int
	SemanticTopK       *int
	RerankTopK         *int
	WebResults         *int
	WebPagesParsed     *int
	DeadlineMS         *int
	PerSourceTimeoutMS *int
	MinScore           *float64
	GeneratorModel     *string
	Temperature        *float64
	MaxTokens          *int
	CacheTTLSeconds    *int
}

// mergeSettings applies override over defaults, field by field, per
// spec.md §4.10 step 1 ("resolve mode and effective settings merge user
// settings over server defaults").
func mergeSettings(defaults types.Settings, override *SettingsOverride) types.Settings {
	if override == nil {
		return defaults
	}
	out := defaults
	if override.LexicalTopK != nil {
		out.LexicalTopK = *override.LexicalTopK
	}
	if override.SemanticTopK != nil {
		out.SemanticTopK = *override.SemanticTopK
	}
	if override.RerankTopK != nil {
		out.RerankTopK = *override.RerankTopK
	}
	if override.WebResults != nil {
		out.WebResults = *override.WebResults
	}
	if override.WebPagesParsed != nil {
		out.WebPagesParsed = *override.WebPagesParsed
	}
	if override.DeadlineMS != nil {
		out.Deadline = msToDuration(*override.DeadlineMS)
	}
	if override.PerSourceTimeoutMS != nil {
		out.PerSourceTimeout = msToDuration(*override.PerSourceTimeoutMS)
	}
	if override.MinScore != nil {
		out.MinScore = *override.MinScore
	}
	if override.GeneratorModel != nil {
		out.GeneratorModel = *override.GeneratorModel
	}
	if override.Temperature != nil {
		out.Temperature = *override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = *override.MaxTokens
	}
	if override.CacheTTLSeconds != nil {
		out.CacheTTL = secondsToDuration(*override.CacheTTLSeconds)
	}
	return out
}
