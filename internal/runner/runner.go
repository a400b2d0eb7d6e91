// Package runner executes the external neuroimaging binaries every pipeline
// step delegates to.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrToolFailed is wrapped by every ExitError.
var ErrToolFailed = errors.New("runner: tool failed")

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	// Env holds extra KEY=VALUE pairs appended to the process environment.
	Env []string
	Dir string
}

// Cmd is shorthand for building a Command.
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithEnv returns a copy carrying extra environment variables.
func (c Command) WithEnv(env ...string) Command {
	clone := c
	clone.Env = append(append([]string{}, c.Env...), env...)
	return clone
}

// String renders the command as a shell line. It is stored verbatim in
// provenance side-cars.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Env)+1)
	for _, kv := range c.Env {
		parts = append(parts, quote(kv))
	}
	parts = append(parts, quote(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, quote(arg))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}!#~") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

// Output holds what a finished command produced.
type Output struct {
	Combined []byte
	Duration time.Duration
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// ExitError describes a command that exited unsuccessfully.
type ExitError struct {
	Command  string
	ExitCode int
	Tail     string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("runner: %s exited with code %d", e.Command, e.ExitCode)
	if e.Tail != "" {
		msg += ": " + e.Tail
	}
	return msg
}

// Unwrap lets errors.Is match ErrToolFailed and the underlying exec error.
func (e *ExitError) Unwrap() []error {
	return []error{ErrToolFailed, e.Err}
}

// Exec runs commands as child processes.
type Exec struct {
	logger  *zap.Logger
	timeout time.Duration
	tail    int
}

// Option customizes an Exec runner.
type Option func(*Exec)

// WithTimeout bounds every command. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Exec) {
		e.timeout = d
	}
}

// WithTailLines sets how many output lines an ExitError keeps.
func WithTailLines(n int) Option {
	return func(e *Exec) {
		if n > 0 {
			e.tail = n
		}
	}
}

// NewExec builds a process runner.
func NewExec(logger *zap.Logger, opts ...Option) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exec{logger: logger, tail: 20}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes cmd and waits for it to finish.
func (e *Exec) Run(ctx context.Context, cmd Command) (Output, error) {
	if cmd.Name == "" {
		return Output{}, fmt.Errorf("runner: command name is required")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	line := cmd.String()
	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}
	var buf bytes.Buffer
	proc.Stdout = &buf
	proc.Stderr = &buf

	e.logger.Debug("exec", zap.String("command", line))
	start := time.Now()
	err := proc.Run()
	out := Output{Combined: buf.Bytes(), Duration: time.Since(start)}
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		e.logger.Warn("command failed",
			zap.String("command", line),
			zap.Int("exit_code", code),
			zap.Duration("duration", out.Duration),
		)
		return out, &ExitError{Command: line, ExitCode: code, Tail: tailLines(buf.String(), e.tail), Err: err}
	}
	e.logger.Info("command finished", zap.String("command", line), zap.Duration("duration", out.Duration))
	return out, nil
}

func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
