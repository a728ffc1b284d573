package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"modelmux/internal/logging"
	"modelmux/internal/types"
)

// SessionPercenter reports how much of the subscription session window
// a backend has consumed. The ledger implements it.
type SessionPercenter interface {
	SessionPercent(backend types.Backend) float64
}

// CLIAdapter spawns an interactive command-line agent per task inside a
// transient working directory. Concurrency is bounded by a slot channel.
type CLIAdapter struct {
	backend types.Backend
	binary  string
	// extraArgs precede the prompt file argument.
	extraArgs []string
	timeout   time.Duration
	slots     chan struct{}
	sessions  SessionPercenter

	// runCommand is swapped out by tests.
	runCommand func(ctx context.Context, workdir, prompt string) (string, error)
}

// NewClaudeCode builds the adapter for the primary subscription CLI.
// One execution at a time.
func NewClaudeCode(timeout time.Duration, sessions SessionPercenter) *CLIAdapter {
	return newCLI(types.BackendClaudeCode, "claude", []string{"-p", "--output-format", "text"}, timeout, 1, sessions)
}

// NewCodex builds the adapter for the secondary subscription CLI.
// Up to three concurrent executions.
func NewCodex(timeout time.Duration, sessions SessionPercenter) *CLIAdapter {
	return newCLI(types.BackendCodex, "codex", []string{"exec", "--skip-git-repo-check"}, timeout, 3, sessions)
}

func newCLI(backend types.Backend, binary string, args []string, timeout time.Duration, concurrency int, sessions SessionPercenter) *CLIAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	a := &CLIAdapter{
		backend:   backend,
		binary:    binary,
		extraArgs: args,
		timeout:   timeout,
		slots:     make(chan struct{}, concurrency),
		sessions:  sessions,
	}
	a.runCommand = a.spawn
	return a
}

// Backend returns the adapter's backend id.
func (a *CLIAdapter) Backend() types.Backend { return a.backend }

// IsAvailable checks the binary is on PATH.
func (a *CLIAdapter) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

// SessionStatus reports slot load and session window consumption.
func (a *CLIAdapter) SessionStatus(ctx context.Context) SessionStatus {
	st := SessionStatus{Available: a.IsAvailable(ctx)}
	if a.sessions != nil {
		st.UtilizationPercent = a.sessions.SessionPercent(a.backend)
	}
	st.Detail = fmt.Sprintf("%d/%d slots busy", len(a.slots), cap(a.slots))
	return st
}

// Ping runs a fast version check, used by the health monitor.
func (a *CLIAdapter) Ping(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, a.binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", a.binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Execute acquires a slot, spawns the CLI in a temp workdir and maps
// the outcome to a typed error.
func (a *CLIAdapter) Execute(ctx context.Context, task types.Task) (*types.ExecutionResult, error) {
	select {
	case a.slots <- struct{}{}:
		defer func() { <-a.slots }()
	case <-ctx.Done():
		return nil, types.NewBackendError(a.backend, types.ErrKindTimeout, "cancelled waiting for an execution slot")
	}

	workdir, err := os.MkdirTemp("", "modelmux-"+string(a.backend)+"-")
	if err != nil {
		return nil, types.NewBackendError(a.backend, types.ErrKindTransient, fmt.Sprintf("workdir: %v", err))
	}
	defer os.RemoveAll(workdir)

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	output, err := a.runCommand(runCtx, workdir, BuildPrompt(task))
	duration := time.Since(start)

	if err != nil {
		if IsRateLimitSignal(output) || IsRateLimitSignal(err.Error()) {
			logging.Adapters("%s throttle signal: %s", a.backend, clipOutput(output, 120))
			return nil, types.NewBackendError(a.backend, types.ErrKindRateLimit, clipOutput(output, 300))
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, types.NewBackendError(a.backend, types.ErrKindTimeout,
				fmt.Sprintf("killed after %s", a.timeout))
		}
		return nil, types.NewBackendError(a.backend, types.ErrKindTransient,
			fmt.Sprintf("%v: %s", err, clipOutput(output, 300)))
	}

	// Throttle banners can arrive with a zero exit status.
	if IsRateLimitSignal(output) {
		return nil, types.NewBackendError(a.backend, types.ErrKindRateLimit, clipOutput(output, 300))
	}

	result := &types.ExecutionResult{
		Success:      true,
		Backend:      a.backend,
		Response:     output,
		Duration:     duration,
		Tokens:       estimateOutputTokens(output),
		OutputLength: len(output),
	}
	if task.OutputPath != "" {
		if werr := os.WriteFile(task.OutputPath, []byte(output), 0644); werr == nil {
			result.OutputPath = task.OutputPath
		}
	}
	return result, nil
}

// spawn runs the real binary with the prompt passed through a file so
// shell quoting never mangles it.
func (a *CLIAdapter) spawn(ctx context.Context, workdir, prompt string) (string, error) {
	promptFile := filepath.Join(workdir, "prompt.md")
	if err := os.WriteFile(promptFile, []byte(prompt), 0644); err != nil {
		return "", err
	}

	args := append(append([]string{}, a.extraArgs...), "@"+promptFile)
	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Dir = workdir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

func clipOutput(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
