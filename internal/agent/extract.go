package agent

import "strings"

// Output extraction cascade. Agent CLIs wrap their JSON payload in
// markdown fences, identity banners, or nothing at all. Extract never
// fails: on mismatch it returns the input unchanged and leaves JSON
// parsing to fail downstream where the error is easier to diagnose.
// It is idempotent and safe to apply more than once.

const (
	fenceOpen  = "```json"
	fenceClose = "```"

	codexBanner      = "OpenAI Codex"
	codexUserMarker  = "user instructions:"
	codexReplyMarker = "] codex"
	codexTokenFooter = "] tokens used:"
)

// Extract returns the inner JSON text from raw agent stdout.
func Extract(raw string) string {
	if body, ok := extractFenced(raw); ok {
		return body
	}
	if body, ok := extractCLIHeadered(raw); ok {
		return body
	}
	return raw
}

// extractFenced returns the body of the first json-tagged markdown fence.
func extractFenced(raw string) (string, bool) {
	start := strings.Index(raw, fenceOpen)
	if start == -1 {
		return "", false
	}
	body := raw[start+len(fenceOpen):]
	end := strings.Index(body, fenceClose)
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

// extractCLIHeadered strips the codex CLI identity banner and footer.
// The response begins after the last "] codex" marker.
func extractCLIHeadered(raw string) (string, bool) {
	if !strings.Contains(raw, codexBanner) || !strings.Contains(raw, codexUserMarker) {
		return "", false
	}
	idx := strings.LastIndex(raw, codexReplyMarker)
	if idx == -1 {
		return "", false
	}
	body := raw[idx+len(codexReplyMarker):]
	if nl := strings.IndexByte(body, '\n'); nl != -1 && strings.TrimSpace(body[:nl]) == "" {
		body = body[nl+1:]
	}
	if footer := strings.LastIndex(body, codexTokenFooter); footer != -1 {
		body = body[:footer]
		if nl := strings.LastIndexByte(body, '\n'); nl != -1 {
			body = body[:nl]
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}
	return body, true
}
