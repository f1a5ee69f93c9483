package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxBranchSuffix = 40

// SanitizeBranchSuffix reduces an arbitrary string to valid git ref
// characters and truncates it to 40 characters.
func SanitizeBranchSuffix(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '/':
			b.WriteRune('-')
		case r == ' ':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxBranchSuffix {
		out = out[:maxBranchSuffix]
	}
	if out == "" {
		out = "work"
	}
	return out
}

// BranchName derives the agent worktree branch name from the model name
// and a unique suffix.
func BranchName(model, suffix string) string {
	return fmt.Sprintf("code-%s-%s", SanitizeBranchSuffix(model), SanitizeBranchSuffix(suffix))
}

// AddWorktree creates a worktree at dir on a new branch, pruning stale
// worktrees first.
func AddWorktree(ctx context.Context, repoRoot, dir, branch string) error {
	_ = RunCmdErr(ctx, repoRoot, "git", "worktree", "prune")

	if !Available(ctx, repoRoot) {
		return fmt.Errorf("not a git repository: %s", repoRoot)
	}

	branchExists := strings.TrimSpace(RunCmd(ctx, repoRoot, "git", "branch", "--list", branch)) != ""
	if branchExists {
		forceCleanupStaleWorktree(ctx, repoRoot, branch)
	}

	args := []string{"worktree", "add", "-b", branch, dir}
	if branchExists {
		args = []string{"worktree", "add", dir, branch}
	}
	if err := RunCmdErr(ctx, repoRoot, "git", args...); err != nil {
		return fmt.Errorf("git worktree add: %w", err)
	}
	return nil
}

func forceCleanupStaleWorktree(ctx context.Context, repoRoot, branch string) {
	out := RunCmd(ctx, repoRoot, "git", "worktree", "list", "--porcelain")
	var current string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "worktree ") {
			current = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "branch ") {
			if strings.TrimPrefix(line, "branch refs/heads/") == branch {
				log.Warn().Str("branch", branch).Str("stale_worktree", current).Msg("found stale worktree, forcing removal")
				_ = RunCmdErr(ctx, repoRoot, "git", "worktree", "remove", "--force", current)
			}
		}
	}
}

// RemoveWorktree removes a worktree, keeping its branch.
func RemoveWorktree(ctx context.Context, repoRoot, dir string) error {
	err := RunCmdErr(ctx, repoRoot, "git", "worktree", "remove", "--force", dir)
	if err != nil {
		log.Warn().Err(err).Str("worktree_dir", dir).Msg("failed to remove git worktree")
	}
	return err
}
