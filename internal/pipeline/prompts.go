// Package pipeline drives the stage machine for one spec: prompt
// assembly, agent execution, consensus, quality checkpoints, and the
// validate-run lifecycle.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/stage"
)

const (
	// contextDocLimit bounds each document injected into {CONTEXT}.
	contextDocLimit = 10000
	// fencedBundleLimit is the size above which an embedded fenced block
	// is treated as a mega-bundle and elided from context.
	fencedBundleLimit = 2000

	elisionMarker = "\n[... truncated ...]\n"
)

// PromptVars are the substitutions available to stage templates.
type PromptVars struct {
	SpecID        string
	Context       string
	ModelID       string
	ModelRelease  string
	ReasoningMode string
}

// PromptLibrary loads stage-keyed prompt templates from a directory of
// "<stage-key>.<agent>.prompt" files, falling back to a built-in
// template when a file is absent.
type PromptLibrary struct {
	dir     string
	version string
}

// NewPromptLibrary creates a library over dir. version is stamped into
// every rendered prompt as {PROMPT_VERSION}.
func NewPromptLibrary(dir, version string) *PromptLibrary {
	return &PromptLibrary{dir: dir, version: version}
}

// Render produces the prompt for one agent at one stage.
func (l *PromptLibrary) Render(st stage.Stage, agentName string, vars PromptVars) string {
	tmpl := l.template(st, agentName)
	r := strings.NewReplacer(
		"{SPEC_ID}", vars.SpecID,
		"{CONTEXT}", vars.Context,
		"{PROMPT_VERSION}", l.version,
		"{MODEL_ID}", vars.ModelID,
		"{MODEL_RELEASE}", vars.ModelRelease,
		"{REASONING_MODE}", vars.ReasoningMode,
	)
	return r.Replace(tmpl)
}

func (l *PromptLibrary) template(st stage.Stage, agentName string) string {
	if l.dir != "" {
		path := filepath.Join(l.dir, fmt.Sprintf("%s.%s.prompt", st.Key(), agentName))
		if data, err := os.ReadFile(path); err == nil {
			return string(data)
		} else if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("prompt template unreadable, using built-in")
		}
	}
	return defaultTemplate(st)
}

func defaultTemplate(st stage.Stage) string {
	return fmt.Sprintf(
		"You are working on spec {SPEC_ID} (model {MODEL_ID} {MODEL_RELEASE}, reasoning {REASONING_MODE}, prompts v{PROMPT_VERSION}).\n\n"+
			"{CONTEXT}\n\n"+
			"Perform the %s stage for this spec and respond with JSON only.\n",
		st.DisplayName())
}

// BuildContext assembles the {CONTEXT} block from the spec's docs
// directory: spec.md in full, then plan.md and tasks.md reduced to
// useful content.
func BuildContext(specDir string) string {
	var b strings.Builder
	for i, name := range []string{"spec.md", "plan.md", "tasks.md"} {
		data, err := os.ReadFile(filepath.Join(specDir, name))
		if err != nil {
			continue
		}
		content := string(data)
		if i > 0 {
			content = UsefulContent(content)
		}
		if len(content) > contextDocLimit {
			content = content[:contextDocLimit] + elisionMarker
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", name, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// UsefulContent strips debug sections and embedded mega-bundles from a
// lifecycle document so agent prompts stay focused.
func UsefulContent(doc string) string {
	var out []string
	var skippingSection bool
	var fence []string
	var inFence bool

	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, "```") {
			if !inFence {
				inFence = true
				fence = fence[:0]
				fence = append(fence, line)
				continue
			}
			inFence = false
			fence = append(fence, line)
			if skippingSection {
				continue
			}
			body := strings.Join(fence, "\n")
			if len(body) > fencedBundleLimit {
				out = append(out, "```", "[embedded bundle elided]", "```")
			} else {
				out = append(out, fence...)
			}
			continue
		}
		if inFence {
			fence = append(fence, line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			skippingSection = strings.Contains(strings.ToLower(line), "debug")
		}
		if skippingSection {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
