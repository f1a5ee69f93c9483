package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/git"
)

// drive runs one agent subprocess to completion and applies the output
// validation cascade before marking the record terminal.
func (m *Manager) drive(ctx context.Context, id string, cfg config.AgentConfig, params CreateParams) {
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	prompt := composePrompt(cfg.Instructions, params)

	if err := m.UpdateStatus(id, StatusRunning); err != nil {
		return
	}

	workDir := m.workspace
	if !params.ReadOnly {
		worktree, branch, err := m.acquireWorktree(ctx, id, params.Model)
		if err != nil {
			m.fail(id, fmt.Sprintf("worktree: %v", err), "")
			return
		}
		workDir = worktree
		m.mu.Lock()
		if a, ok := m.agents[id]; ok {
			a.WorktreePath = worktree
			a.BranchName = branch
		}
		m.mu.Unlock()
		defer func() {
			_ = git.RemoveWorktree(context.Background(), m.workspace, worktree)
		}()
	}

	exe, err := lookupExecutable(cfg.Command)
	if err != nil {
		m.fail(id, fmt.Sprintf("resolve executable: %v", err), "")
		return
	}

	args := append([]string(nil), cfg.Args...)
	if params.ReadOnly && cfg.ReadOnlyFlag != "" {
		args = append(args, cfg.ReadOnlyFlag)
	}
	if !params.ReadOnly && cfg.WriteFlag != "" {
		args = append(args, cfg.WriteFlag)
	}
	args = append(args, prompt)

	env := aliasEnv(os.Environ(), cfg.EnvAliases)

	m.AddProgress(id, fmt.Sprintf("spawning %s", cfg.Command))
	started := time.Now()

	var stdout, stderr string
	var exitCode int
	var runErr error
	if params.TmuxEnabled && tmuxAvailable() {
		stdout, stderr, exitCode, runErr = runTmux(ctx, workDir, exe, args, env, id)
	} else {
		stdout, stderr, exitCode, runErr = runDirect(ctx, workDir, exe, args, env)
	}
	elapsed := time.Since(started)

	log.Info().
		Str("agent_id", id).
		Str("model", params.Model).
		Int("exit_code", exitCode).
		Dur("duration", elapsed).
		Int("stdout_bytes", len(stdout)).
		Msg("agent finished")

	if ctx.Err() != nil {
		// Cancelled or timed out; CancelAgent may already have stamped the
		// record, in which case the transition below is a no-op.
		m.fail(id, fmt.Sprintf("aborted: %v", ctx.Err()), stdout)
		return
	}
	if runErr != nil || exitCode != 0 {
		m.fail(id, combinedError(runErr, exitCode, stderr), stdout)
		return
	}

	LogIfSuspicious(params.Model, elapsed, len(stdout))

	extracted, vErr := ValidateOutput(id, params.Model, stdout, m.debugDir)
	if vErr != nil {
		m.fail(id, vErr.Error(), stdout)
		return
	}

	_ = m.UpdateResult(id, extracted, "")
	_ = m.UpdateStatus(id, StatusCompleted)
}

// fail marks the agent Failed, retaining raw output behind the
// validation-failure prefix so partial data stays recoverable.
func (m *Manager) fail(id, reason, raw string) {
	result := ""
	if raw != "" {
		result = PrefixValidationFailure(reason, raw)
	}
	_ = m.UpdateResult(id, result, reason)
	_ = m.UpdateStatus(id, StatusFailed)
}

func combinedError(runErr error, exitCode int, stderr string) string {
	msg := fmt.Sprintf("agent exited with code %d", exitCode)
	if runErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, runErr)
	}
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		msg = fmt.Sprintf("%s: %s", msg, truncate(trimmed, 2000))
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// composePrompt prepends the per-agent instruction prelude, then context,
// then output goal, then the files list.
func composePrompt(instructions string, params CreateParams) string {
	var b strings.Builder
	if instructions != "" {
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}
	if params.Context != "" {
		b.WriteString(params.Context)
		b.WriteString("\n\n")
	}
	if params.OutputGoal != "" {
		b.WriteString("Output goal: ")
		b.WriteString(params.OutputGoal)
		b.WriteString("\n\n")
	}
	if len(params.Files) > 0 {
		b.WriteString("Files:\n")
		for _, f := range params.Files {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(params.Prompt)
	return b.String()
}

// acquireWorktree creates an isolated checkout for a write-capable agent.
func (m *Manager) acquireWorktree(ctx context.Context, id, model string) (string, string, error) {
	repoRoot, err := git.RepoRoot(ctx, m.workspace)
	if err != nil {
		return "", "", err
	}
	suffix := id
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	branch := git.BranchName(model, suffix)
	dir := filepath.Join(repoRoot, ".specdrive", "worktrees", suffix)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", "", fmt.Errorf("create worktrees dir: %w", err)
	}
	if err := git.AddWorktree(ctx, repoRoot, dir, branch); err != nil {
		return "", "", err
	}
	return dir, branch, nil
}

// lookupExecutable resolves a command name to a runnable path using the
// platform's lookup rules.
func lookupExecutable(command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("empty command")
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		if _, err := os.Stat(command); err != nil {
			return "", fmt.Errorf("executable %s: %w", command, err)
		}
		return command, nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("executable %s: %w", command, err)
	}
	return path, nil
}

// aliasEnv forwards provider API keys under their aliases in both
// directions, e.g. GOOGLE_API_KEY <-> GEMINI_API_KEY.
func aliasEnv(env []string, aliases map[string]string) []string {
	if len(aliases) == 0 {
		return env
	}
	values := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i != -1 {
			values[kv[:i]] = kv[i+1:]
		}
	}
	for a, b := range aliases {
		av, aOK := values[a]
		bv, bOK := values[b]
		if aOK && !bOK {
			env = append(env, b+"="+av)
			values[b] = av
		}
		if bOK && !aOK {
			env = append(env, a+"="+bv)
			values[a] = bv
		}
	}
	return env
}

func runDirect(ctx context.Context, dir, exe string, args, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = dir
	cmd.Env = env
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

func tmuxAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// runTmux executes the agent inside a detached tmux session for
// observability, reading the captured streams from files when the
// session ends.
func runTmux(ctx context.Context, dir, exe string, args, env []string, id string) (string, string, int, error) {
	tmpDir, err := os.MkdirTemp("", "specdrive-tmux-*")
	if err != nil {
		return runDirect(ctx, dir, exe, args, env)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	outPath := filepath.Join(tmpDir, "stdout.txt")
	errPath := filepath.Join(tmpDir, "stderr.txt")
	exitPath := filepath.Join(tmpDir, "exit.txt")
	scriptPath := filepath.Join(tmpDir, "run.sh")

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(shQuote(exe))
	for _, a := range args {
		b.WriteString(" ")
		b.WriteString(shQuote(a))
	}
	b.WriteString(" > " + shQuote(outPath) + " 2> " + shQuote(errPath) + "\n")
	b.WriteString("echo $? > " + shQuote(exitPath) + "\n")
	if err := os.WriteFile(scriptPath, []byte(b.String()), 0o755); err != nil {
		return runDirect(ctx, dir, exe, args, env)
	}

	session := "specdrive-agent-" + id[:8]
	newSession := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", session, "-c", dir, "sh", scriptPath)
	newSession.Env = env
	if err := newSession.Run(); err != nil {
		log.Warn().Err(err).Msg("tmux unavailable, falling back to direct spawn")
		return runDirect(ctx, dir, exe, args, env)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = exec.Command("tmux", "kill-session", "-t", session).Run()
			return readCaptured(outPath, errPath, exitPath)
		case <-ticker.C:
			if exec.Command("tmux", "has-session", "-t", session).Run() != nil {
				return readCaptured(outPath, errPath, exitPath)
			}
		}
	}
}

func readCaptured(outPath, errPath, exitPath string) (string, string, int, error) {
	out, _ := os.ReadFile(outPath)
	errOut, _ := os.ReadFile(errPath)
	exitCode := -1
	if data, err := os.ReadFile(exitPath); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			exitCode = n
		}
	}
	return string(out), string(errOut), exitCode, nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
