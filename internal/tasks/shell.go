package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell task.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// NewShellTask creates the shell task with defaults filled in.
func NewShellTask(cfg ShellConfig) Task {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &shellTask{cfg: cfg}
}

type shellTask struct {
	cfg ShellConfig
}

func (t *shellTask) Name() string { return "shell" }

func (t *shellTask) Description() string {
	return "Execute a system command, capturing stdout, stderr, and exit code"
}

func (t *shellTask) Execute(ctx context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	command := stringParam(params, "command", "")
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell: missing required input 'command'").WithStep(in.Step)
	}

	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	timeoutStr := stringParam(params, "timeout", "")
	shellMode := boolParam(params, "shell", true)
	allowNonzero := boolParam(params, "allow_nonzero", false)

	timeout := t.cfg.DefaultTimeout
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if shellMode {
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}

	// Default working directory is the run workspace.
	if cwd != "" {
		resolved, err := resolveWorkspacePath(in.Workspace, cwd)
		if err != nil {
			return nil, err
		}
		cmd.Dir = resolved
	} else if in.Workspace != "" {
		cmd.Dir = in.Workspace
	}

	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: t.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: t.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "shell: %v", runErr).
				WithStep(in.Step).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout when it is valid JSON so downstream templates can
	// traverse into it.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	result := map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}

	if exitCode != 0 && !allowNonzero {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"shell: command exited with code %d", exitCode).
			WithStep(in.Step).
			WithDetails(result)
	}

	return result, nil
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed so the subprocess never
// blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
