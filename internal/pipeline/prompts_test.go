package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/specdrive/internal/stage"
)

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	dir := t.TempDir()
	tmpl := "spec={SPEC_ID} model={MODEL_ID}/{MODEL_RELEASE} reasoning={REASONING_MODE} v={PROMPT_VERSION}\n{CONTEXT}"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.gemini.prompt"), []byte(tmpl), 0o644))

	l := NewPromptLibrary(dir, "7")
	out := l.Render(stage.Plan, "gemini", PromptVars{
		SpecID:        "SPEC-001",
		Context:       "the docs",
		ModelID:       "gemini-2.5-pro",
		ModelRelease:  "2025-06",
		ReasoningMode: "deep",
	})
	assert.Equal(t, "spec=SPEC-001 model=gemini-2.5-pro/2025-06 reasoning=deep v=7\nthe docs", out)
}

func TestRenderFallsBackToBuiltIn(t *testing.T) {
	l := NewPromptLibrary(t.TempDir(), "1")
	out := l.Render(stage.Audit, "claude", PromptVars{SpecID: "SPEC-002", Context: "ctx"})
	assert.Contains(t, out, "SPEC-002")
	assert.Contains(t, out, "Audit stage")
	assert.Contains(t, out, "ctx")
	assert.NotContains(t, out, "{CONTEXT}")
}

func TestBuildContextOrdersAndFiltersDocs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec.md"), []byte("# Spec\n## Debug notes\nspec debug stays, spec is taken in full\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.md"), []byte("# Plan\nkeep this\n## Debug dump\ndrop this\n"), 0o644))

	ctx := BuildContext(dir)
	assert.True(t, strings.Index(ctx, "=== spec.md ===") < strings.Index(ctx, "=== plan.md ==="))
	// spec.md is injected verbatim, plan.md goes through useful-content filtering.
	assert.Contains(t, ctx, "spec debug stays")
	assert.Contains(t, ctx, "keep this")
	assert.NotContains(t, ctx, "drop this")
	assert.NotContains(t, ctx, "tasks.md")
}

func TestBuildContextTruncatesOversizedDoc(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("a", contextDocLimit+500)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec.md"), []byte(big), 0o644))

	ctx := BuildContext(dir)
	assert.Contains(t, ctx, elisionMarker)
	assert.Less(t, len(ctx), len(big))
}

func TestUsefulContentSkipsDebugSections(t *testing.T) {
	doc := "# Overview\nintro\n## Debug Log\nsecret dump\n## Next\nvisible\n"
	out := UsefulContent(doc)
	assert.Contains(t, out, "intro")
	assert.Contains(t, out, "visible")
	assert.NotContains(t, out, "secret dump")
}

func TestUsefulContentElidesMegaBundles(t *testing.T) {
	small := "```json\n{\"ok\":true}\n```"
	big := "```json\n" + strings.Repeat("x", fencedBundleLimit+1) + "\n```"
	doc := "before\n" + small + "\nmiddle\n" + big + "\nafter\n"

	out := UsefulContent(doc)
	assert.Contains(t, out, `{"ok":true}`)
	assert.Contains(t, out, "[embedded bundle elided]")
	assert.NotContains(t, out, strings.Repeat("x", fencedBundleLimit+1))
	assert.Contains(t, out, "after")
}

func TestUsefulContentDropsBundlesInsideDebugSections(t *testing.T) {
	big := "```json\n" + strings.Repeat("x", fencedBundleLimit+1) + "\n```"
	doc := "# Overview\nintro\n## Debug Log\n" + big + "\n## Next\nvisible\n"

	// A bundle inside a skipped section vanishes with the section; no
	// elision marker is left behind for it.
	out := UsefulContent(doc)
	assert.Contains(t, out, "intro")
	assert.Contains(t, out, "visible")
	assert.NotContains(t, out, "[embedded bundle elided]")
	assert.NotContains(t, out, strings.Repeat("x", fencedBundleLimit+1))
}

func TestSubstitutePreviousOutputs(t *testing.T) {
	previous := map[string]string{
		"claude": "claude-out",
		"gemini": "gemini-out",
	}
	out := substitutePreviousOutputs("prior: ${PREVIOUS_OUTPUTS.gemini}", previous)
	assert.Equal(t, "prior: gemini-out", out)

	out = substitutePreviousOutputs("all:\n${PREVIOUS_OUTPUTS}", previous)
	// Aggregate substitution lists agents in canonical roster order.
	assert.True(t, strings.Index(out, "--- gemini ---") < strings.Index(out, "--- claude ---"))
	assert.Contains(t, out, "gemini-out")
	assert.Contains(t, out, "claude-out")
}

func TestSubstitutePreviousOutputsTruncates(t *testing.T) {
	long := strings.Repeat("z", previousOutputsLimit+100)
	out := substitutePreviousOutputs("${PREVIOUS_OUTPUTS.gemini}", map[string]string{"gemini": long})
	assert.Contains(t, out, elisionMarker)
	assert.Len(t, out, previousOutputsLimit+len(elisionMarker))
}
