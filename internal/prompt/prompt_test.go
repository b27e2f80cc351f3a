package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/ragcore/internal/types"
)

func TestAssemble_UserQueryAlwaysLastAndNeverTruncated(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	longQuery := strings.Repeat("word ", 5000)
	bundle := a.Assemble(types.ModeCorpusOnly, Slots{}, "", nil, longQuery, 200)
	require.Equal(t, longQuery, bundle.UserQuery)
}

func TestAssemble_DropsBlocksPastBudget(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	blocks := []types.ContextBlock{
		{Origin: types.OriginCorpus, Text: strings.Repeat("alpha ", 200)},
		{Origin: types.OriginCorpus, Text: strings.Repeat("beta ", 200)},
		{Origin: types.OriginCorpus, Text: strings.Repeat("gamma ", 200)},
	}
	bundle := a.Assemble(types.ModeCorpusOnly, Slots{}, "", blocks, "what happened?", 300)
	require.Less(t, len(bundle.Blocks), len(blocks))
	require.Greater(t, bundle.Truncation.DroppedBlocks, 0)
}

func TestAssemble_AllBlocksFitWhenBudgetGenerous(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	blocks := []types.ContextBlock{
		{Origin: types.OriginCorpus, Text: "short block one"},
		{Origin: types.OriginNote, Text: "short block two"},
	}
	bundle := a.Assemble(types.ModeCombined, Slots{}, "", blocks, "query", 100000)
	require.Len(t, bundle.Blocks, 2)
	require.Equal(t, 0, bundle.Truncation.DroppedBlocks)
}

func TestAssemble_ModeOverrideReplacesOnlyNonEmptyFields(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	override := Slots{Role: "You are a custom finance assistant."}
	bundle := a.Assemble(types.ModeCorpusOnly, override, "", nil, "q", 10000)
	require.Contains(t, bundle.SystemPrompt, "You are a custom finance assistant.")
	require.Contains(t, bundle.SystemPrompt, DefaultSlots(types.ModeCorpusOnly).Instructions)
}

func TestAssemble_MemoryIncludedInBundle(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	bundle := a.Assemble(types.ModeNotesOnly, Slots{}, "user prefers metric units", nil, "q", 10000)
	require.Equal(t, "user prefers metric units", bundle.Memory)
}

func TestAssemble_OversizedSingleBlockIsCapped(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	huge := strings.Repeat("word ", 10000)
	blocks := []types.ContextBlock{{Origin: types.OriginWeb, Text: huge}}
	bundle := a.Assemble(types.ModeWebOnly, Slots{}, "", blocks, "q", 1000000)
	require.Len(t, bundle.Blocks, 1)
	require.Less(t, len(bundle.Blocks[0].Text), len(huge))
}

func TestSlots_MergeOverridesOnlyNonEmpty(t *testing.T) {
	base := Slots{Role: "base role", Instructions: "base instructions"}
	merged := base.Merge(Slots{Role: "new role"})
	require.Equal(t, "new role", merged.Role)
	require.Equal(t, "base instructions", merged.Instructions)
}
