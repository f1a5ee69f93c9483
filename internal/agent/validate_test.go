package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paddedJSON builds a payload comfortably above the size floor.
func paddedJSON(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf(`{"verdict":"pass","padding":%q}`, strings.Repeat("x", 600))
}

func TestValidateOutputAcceptsFencedPayload(t *testing.T) {
	raw := fenceWrap(paddedJSON(t))
	extracted, err := ValidateOutput("a1", "gemini", raw, "")
	require.NoError(t, err)
	assert.Equal(t, paddedJSON(t), extracted)
}

func TestValidateOutputRejectsCorruption(t *testing.T) {
	raw := "some output\n$ git status\n" + paddedJSON(t)
	_, err := ValidateOutput("a1", "claude", raw, "")
	require.Error(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "polluted")
}

func TestValidateOutputRejectsHeadersWithoutJSON(t *testing.T) {
	raw := "OpenAI Codex v1\nuser instructions: run\nstill thinking..." + strings.Repeat(".", 600)
	_, err := ValidateOutput("a1", "gpt_pro", raw, "")
	require.Error(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "premature collection")
}

func TestValidateOutputRejectsTooSmall(t *testing.T) {
	_, err := ValidateOutput("a1", "gemini", `{"ok":true}`, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestValidateOutputRejectsSchemaTemplate(t *testing.T) {
	raw := `{"issues": [{"id": string, "question": string}]}` + strings.Repeat(" ", 600)
	_, err := ValidateOutput("a1", "gemini", raw, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema template")
}

func TestValidateOutputWritesDebugOnInvalidJSON(t *testing.T) {
	debugDir := t.TempDir()
	raw := "not json at all " + strings.Repeat("y", 600)
	_, err := ValidateOutput("a7", "gemini", raw, debugDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	data, readErr := os.ReadFile(filepath.Join(debugDir, "gemini-a7-unparsed.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, raw, string(data))
}

func TestPrefixValidationFailureRetainsRaw(t *testing.T) {
	out := PrefixValidationFailure("output too small", "partial data")
	assert.True(t, strings.HasPrefix(out, "VALIDATION_FAILED: output too small"))
	assert.Contains(t, out, "--- RAW OUTPUT ---\npartial data")
}
