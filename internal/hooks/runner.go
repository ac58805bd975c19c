package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Runner defaults. KillGrace is how long a signaled child gets to exit
// before SIGKILL.
const (
	DefaultShell          = "/bin/sh"
	DefaultKillGrace      = 5 * time.Second
	DefaultMaxOutputBytes = 64 * 1024
)

// Invocation is one command execution request handed to a Runner.
type Invocation struct {
	HookName string
	Command  string
	Context  map[string]any
	Env      map[string]string
	WorkDir  string
}

// RunOutput carries whatever the child produced, even on failure.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes hook commands. The engine owns timeout policy; the ctx it
// passes already carries the deadline.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (RunOutput, error)
}

// stdinPayload is the JSON document written to the hook's stdin.
type stdinPayload struct {
	Hook    string         `json:"hook"`
	Context map[string]any `json:"context"`
}

// ShellRunner runs hook commands through a shell. On context cancellation
// the child gets SIGTERM, then SIGKILL after KillGrace.
type ShellRunner struct {
	Shell          string
	KillGrace      time.Duration
	MaxOutputBytes int
}

// NewShellRunner returns a runner with default shell and limits.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{
		Shell:          DefaultShell,
		KillGrace:      DefaultKillGrace,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Run executes the command and waits for it. The hook name and execution
// context are delivered twice: as a JSON document on stdin and as
// GRAPNEL_HOOK / GRAPNEL_CONTEXT environment variables, so both script-style
// and exec-style hooks can read them.
func (r *ShellRunner) Run(ctx context.Context, inv Invocation) (RunOutput, error) {
	shell := r.Shell
	if shell == "" {
		shell = DefaultShell
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	execCtx := inv.Context
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	payload, err := json.Marshal(stdinPayload{Hook: inv.HookName, Context: execCtx})
	if err != nil {
		return RunOutput{}, fmt.Errorf("encoding hook payload: %w", err)
	}
	ctxJSON, err := json.Marshal(execCtx)
	if err != nil {
		return RunOutput{}, fmt.Errorf("encoding hook context: %w", err)
	}

	cmd := exec.CommandContext(ctx, shell, "-c", inv.Command)
	cmd.Dir = inv.WorkDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	env := os.Environ()
	env = append(env, "GRAPNEL_HOOK="+inv.HookName)
	env = append(env, "GRAPNEL_CONTEXT="+string(ctxJSON))
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := RunOutput{
		Stdout: truncateOutput(stdout.String(), r.MaxOutputBytes),
		Stderr: truncateOutput(stderr.String(), r.MaxOutputBytes),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return out, fmt.Errorf("hook exited with code %d", out.ExitCode)
	}
	return out, fmt.Errorf("spawning hook: %w", runErr)
}

// truncateOutput caps captured output so a chatty hook cannot balloon
// results, history rows, and API payloads.
func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... (truncated)"
}
