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

// Package prompt assembles the PromptBundle handed to the generator:
// per-mode system prompt, memory facts, and greedily truncated context
// blocks that fit a token budget estimated with tiktoken-go.
package prompt

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kpekel/ragcore/internal/types"
)

// reservedOutputMargin is the fraction of the token budget held back for
// the model's own response, never consumed by context blocks.
const reservedOutputMargin = 0.10

// perBlockCapTokens bounds the size of any single context block before it
// counts against the overall budget, so one oversized hit can't crowd
// out every other piece of evidence.
const perBlockCapTokens = 500

// Slots is the per-mode system prompt contract, merged with any
// per-user override (non-empty override fields replace the default).
type Slots struct {
	Role         string
	Instructions string
	OutputFormat string
	Additional   string
}

func (s Slots) render() string {
	out := s.Role
	if s.Instructions != "" {
		out += "\n" + s.Instructions
	}
	if s.OutputFormat != "" {
		out += "\n" + s.OutputFormat
	}
	if s.Additional != "" {
		out += "\n" + s.Additional
	}
	return out
}

// Merge returns s with any non-empty field of other overriding s's own.
func (s Slots) Merge(other Slots) Slots {
	merged := s
	if other.Role != "" {
		merged.Role = other.Role
	}
	if other.Instructions != "" {
		merged.Instructions = other.Instructions
	}
	if other.OutputFormat != "" {
		merged.OutputFormat = other.OutputFormat
	}
	if other.Additional != "" {
		merged.Additional = other.Additional
	}
	return merged
}

var defaultSlots = map[types.Mode]Slots{
	types.ModeCorpusOnly: {
		Role:         "You are a research assistant answering strictly from the provided document excerpts.",
		Instructions: "Only use the corpus excerpts below. If they do not contain the answer, say so plainly.",
		OutputFormat: "Cite the source of every claim using the excerpt's document and page or section.",
	},
	types.ModeNotesOnly: {
		Role:         "You are a personal knowledge assistant answering from the user's own notes.",
		Instructions: "Only use the notes below. Prefer the user's own phrasing where it is unambiguous.",
		OutputFormat: "Reference the note path for each claim.",
	},
	types.ModeWebOnly: {
		Role:         "You are a research assistant answering from current web results.",
		Instructions: "Only use the web pages below. Prefer the most recent and most authoritative source on conflicts. If the pages below contain any relevant information, answer from it — do not refuse to answer when context is present.",
		OutputFormat: "Cite the source URL for each claim.",
	},
	types.ModeCombined: {
		Role:         "You are a research assistant synthesizing documents, personal notes and current web results.",
		Instructions: "Weigh corpus and note evidence over web evidence when they conflict, unless the web result is clearly more current. If any of the context below is relevant, answer from it — do not refuse to answer when context is present.",
		OutputFormat: "Cite the origin (document, note, or URL) of every claim.",
	},
}

// DefaultSlots returns the built-in system prompt for mode.
func DefaultSlots(mode types.Mode) Slots {
	return defaultSlots[mode]
}

// Assembler builds PromptBundles against a token budget estimated with
// tiktoken-go's cl100k_base encoding, used as a heuristic proxy for the
// generator's actual (unknown, model-specific) tokenizer.
type Assembler struct {
	encoding *tiktoken.Tiktoken
}

// New builds an Assembler.
func New() (*Assembler, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &Assembler{encoding: encoding}, nil
}

func (a *Assembler) countTokens(text string) int {
	return len(a.encoding.Encode(text, nil, nil))
}

// Assemble builds a PromptBundle for userQuery, combining the mode's
// default system prompt (overridden by slotOverride where non-empty) and
// memory with context blocks greedily truncated to fit budgetTokens.
// blocks is expected already sorted by rank; blocks are added in that
// order until the budget is exhausted, at which point every remaining
// block is recorded as dropped. The user query itself is always appended
// last and is never truncated.
func (a *Assembler) Assemble(mode types.Mode, slotOverride Slots, memory string, blocks []types.ContextBlock, userQuery string, budgetTokens int) types.PromptBundle {
	slots := DefaultSlots(mode).Merge(slotOverride)
	systemPrompt := slots.render()

	reserved := int(float64(budgetTokens) * reservedOutputMargin)
	available := budgetTokens - reserved
	available -= a.countTokens(systemPrompt)
	available -= a.countTokens(memory)
	available -= a.countTokens(userQuery)

	kept := make([]types.ContextBlock, 0, len(blocks))
	dropped := 0
	for i, b := range blocks {
		block := capBlockText(b, a, perBlockCapTokens)
		cost := a.countTokens(block.Text)
		if cost > available {
			dropped = len(blocks) - i
			break
		}
		kept = append(kept, block)
		available -= cost
	}

	return types.PromptBundle{
		SystemPrompt: systemPrompt,
		Memory:       memory,
		Blocks:       kept,
		UserQuery:    userQuery,
		Truncation: types.TruncationReport{
			DroppedBlocks:   dropped,
			RemainingBudget: available,
		},
	}
}

// capBlockText truncates a single block's text to at most capTokens
// estimated tokens, so one oversized hit cannot exhaust the remaining
// budget on its own.
func capBlockText(b types.ContextBlock, a *Assembler, capTokens int) types.ContextBlock {
	tokens := a.encoding.Encode(b.Text, nil, nil)
	if len(tokens) <= capTokens {
		return b
	}
	b.Text = a.encoding.Decode(tokens[:capTokens])
	return b
}
