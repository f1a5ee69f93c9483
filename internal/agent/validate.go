package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Validation cascade applied to raw agent output before an agent is
// marked Completed. Each check carries a stable reason string so
// downstream consumers can recover partial data from the prefixed raw
// output.

const (
	minOutputBytes = 500

	// Calibration points, not contracts: completions faster than this
	// producing less than suspiciousMinBytes are logged, never failed.
	suspiciousFastCompletion = 30 * time.Second
	suspiciousMinBytes       = 1000
)

// tui corruption markers: shell prompts and interactive meta-text that
// indicate the CLI captured its own conversation instead of a response.
var corruptionPatterns = []string{
	"$ git ",
	"(y/N)",
	"Press Enter to continue",
	"Do you want to proceed?",
	"⏵⏵ auto-accept",
}

// schema template markers: agents sometimes echo the response schema
// instead of a response.
var schemaTemplateMarkers = []string{
	`"path": string`,
	`"id": string`,
	`"<string>"`,
}

// ValidationError describes a failed output check.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("output validation failed: %s", e.Reason)
}

// ValidateOutput runs the output validation cascade and returns the
// extracted JSON text. On failure the returned error is a
// *ValidationError and, when debugDir is set, the full mixed output is
// written to a side-channel file for inspection.
func ValidateOutput(agentID, agentName, raw, debugDir string) (string, error) {
	for _, p := range corruptionPatterns {
		if strings.Contains(raw, p) {
			return "", &ValidationError{Reason: "output polluted: conversation or TUI corruption detected"}
		}
	}

	if strings.Contains(raw, codexBanner) && !strings.ContainsRune(raw, '{') {
		return "", &ValidationError{Reason: "premature collection: CLI headers present but no JSON"}
	}

	if len(raw) < minOutputBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("output too small: %d bytes < %d", len(raw), minOutputBytes)}
	}

	for _, m := range schemaTemplateMarkers {
		if strings.Contains(raw, m) {
			return "", &ValidationError{Reason: "schema template echoed instead of response"}
		}
	}

	extracted := Extract(raw)
	if !json.Valid([]byte(extracted)) {
		writeDebugOutput(debugDir, agentID, agentName, raw)
		return "", &ValidationError{Reason: "extracted output is not valid JSON"}
	}

	return extracted, nil
}

// PrefixValidationFailure retains the raw output on a failed record so
// downstream consumers can recover partial data.
func PrefixValidationFailure(reason, raw string) string {
	return fmt.Sprintf("VALIDATION_FAILED: %s\n\n--- RAW OUTPUT ---\n%s", reason, raw)
}

// LogIfSuspicious flags completions that were implausibly fast and small.
func LogIfSuspicious(agentName string, elapsed time.Duration, outputBytes int) {
	if elapsed < suspiciousFastCompletion && outputBytes < suspiciousMinBytes {
		log.Warn().
			Str("agent", agentName).
			Dur("elapsed", elapsed).
			Int("output_bytes", outputBytes).
			Msg("suspiciously fast completion, output kept")
	}
}

func writeDebugOutput(debugDir, agentID, agentName, raw string) {
	if debugDir == "" {
		return
	}
	if err := os.MkdirAll(debugDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("%s-%s-unparsed.txt", agentName, agentID)
	if err := os.WriteFile(filepath.Join(debugDir, name), []byte(raw), 0o644); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to write debug output")
	}
}
