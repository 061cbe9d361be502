package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// ExitTempFail is the exit status a command uses to declare a transient
// failure (EX_TEMPFAIL from sysexits.h). Any other non-zero status is permanent.
const ExitTempFail = 75

// CommandConfig describes an external handler process.
type CommandConfig struct {
	Name       string
	Command    []string
	WorkDir    string
	Env        []string
	Timeout    time.Duration
	NeverRetry bool
}

// CommandHandler runs an executable per invocation. The request is written
// to stdin as JSON ({"action_type": ..., "params": {...}}); stdout becomes
// the result, parsed as JSON when possible.
type CommandHandler struct {
	cfg CommandConfig
}

// NewCommandHandler validates cfg.
func NewCommandHandler(cfg CommandConfig) (*CommandHandler, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("handler %q: command cannot be empty", cfg.Name)
	}
	if cfg.WorkDir != "" {
		if _, err := os.Stat(cfg.WorkDir); err != nil {
			return nil, fmt.Errorf("handler %q: working directory: %w", cfg.Name, err)
		}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command[0]
	}
	return &CommandHandler{cfg: cfg}, nil
}

// Name implements Handler.
func (c *CommandHandler) Name() string { return c.cfg.Name }

// Timeout implements Handler.
func (c *CommandHandler) Timeout() time.Duration { return c.cfg.Timeout }

// NeverRetry implements Handler.
func (c *CommandHandler) NeverRetry() bool { return c.cfg.NeverRetry }

type commandRequest struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
}

// Execute implements Handler.
func (c *CommandHandler) Execute(ctx context.Context, actionType string, params map[string]any) (Result, error) {
	input, err := json.Marshal(commandRequest{ActionType: actionType, Params: params})
	if err != nil {
		return Result{}, Permanent("params are not serializable", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.WorkDir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	// Do not wait on orphaned grandchildren holding the pipes after a kill.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err == nil {
		return Result{Output: parseOutput(stdout.Bytes())}, nil
	}

	if ctx.Err() != nil {
		return Result{}, Transient("handler interrupted", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), tail(stderr.String(), 512))
		if exitErr.ExitCode() == ExitTempFail {
			return Result{}, Transient(detail, nil)
		}
		return Result{}, Permanent(detail, nil)
	}
	// The command could not be started at all.
	return Result{}, Permanent("failed to start handler", err)
}

func parseOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if json.Valid(trimmed) && json.Unmarshal(trimmed, &v) == nil {
		return v
	}
	return string(trimmed)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
