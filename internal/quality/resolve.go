package quality

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/stage"
)

// Resolution records one applied answer and the file it modified.
type Resolution struct {
	Issue    Issue  `json:"issue"`
	Answer   string `json:"answer"`
	File     string `json:"file"`
	Source   string `json:"source"` // auto, validator, human
	Applied  bool   `json:"applied"`
	ApplyErr string `json:"apply_error,omitempty"`
}

// Resolver writes chosen answers into the relevant spec files, tracking
// modified file names so a single commit can enumerate all changes.
type Resolver struct {
	specDir  string
	modified map[string]struct{}
}

// NewResolver creates a resolver rooted at the spec's docs directory,
// e.g. docs/SPEC-T-001.
func NewResolver(specDir string) *Resolver {
	return &Resolver{specDir: specDir, modified: make(map[string]struct{})}
}

// targetFile maps a gate to the lifecycle document it refines.
func targetFile(gate stage.GateType) string {
	switch gate {
	case stage.GateChecklist:
		return "plan.md"
	case stage.GateAnalyze:
		return "tasks.md"
	default:
		return "spec.md"
	}
}

// Apply writes the answer for an issue into its target document under a
// "## Resolved Issues" section.
func (r *Resolver) Apply(issue Issue, answer, source string) Resolution {
	res := Resolution{Issue: issue, Answer: answer, Source: source}
	name := targetFile(issue.GateType)
	path := filepath.Join(r.specDir, name)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		res.ApplyErr = fmt.Sprintf("read %s: %v", name, err)
		return res
	}

	content := string(data)
	const heading = "## Resolved Issues"
	entry := fmt.Sprintf("- **%s** (%s): %s\n  - %s\n", issue.ID, issue.GateType, issue.Question, answer)
	if !strings.Contains(content, heading) {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += "\n" + heading + "\n\n"
	}
	content += entry

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		res.ApplyErr = fmt.Sprintf("write %s: %v", name, err)
		return res
	}

	r.modified[name] = struct{}{}
	res.File = name
	res.Applied = true
	log.Info().Str("issue", issue.ID).Str("file", name).Str("source", source).Msg("issue resolved")
	return res
}

// ModifiedFiles returns the sorted set of files touched by resolutions.
func (r *Resolver) ModifiedFiles() []string {
	out := make([]string, 0, len(r.modified))
	for name := range r.modified {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
