package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Fake records commands instead of executing them. Hooks run per tool name
// and usually materialise the files the real tool would have written.
type Fake struct {
	mu       sync.Mutex
	commands []Command
	hooks    map[string]func(Command) error
	fail     map[string]error
	fallback func(Command) error
}

// NewFake returns an empty recorder.
func NewFake() *Fake {
	return &Fake{
		hooks: map[string]func(Command) error{},
		fail:  map[string]error{},
	}
}

// On registers a hook for a tool name.
func (f *Fake) On(name string, hook func(Command) error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[name] = hook
	return f
}

// Default registers a hook for tools without their own hook.
func (f *Fake) Default(hook func(Command) error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = hook
	return f
}

// Fail makes every invocation of name return err.
func (f *Fake) Fail(name string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
	return f
}

// Run implements Runner.
func (f *Fake) Run(_ context.Context, cmd Command) (Output, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	hook, ok := f.hooks[cmd.Name]
	if !ok {
		hook = f.fallback
	}
	err := f.fail[cmd.Name]
	f.mu.Unlock()
	if err != nil {
		return Output{}, &ExitError{Command: cmd.String(), ExitCode: 1, Err: err}
	}
	if hook != nil {
		if err := hook(cmd); err != nil {
			return Output{}, err
		}
	}
	return Output{}, nil
}

// Commands returns a copy of every recorded command.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command{}, f.commands...)
}

// Lines returns the recorded commands rendered as shell lines.
func (f *Fake) Lines() []string {
	cmds := f.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.String()
	}
	return out
}

// Names returns the tool names in call order.
func (f *Fake) Names() []string {
	cmds := f.Commands()
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Name
	}
	return out
}

// Reset drops recorded commands but keeps hooks.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}

// Touch creates empty files (and parent directories) at the given paths.
func Touch(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte{}, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// TouchArgs returns a hook that creates every missing file argument located
// under root. Arguments of the form --key=value are checked on their value.
func TouchArgs(root string) func(Command) error {
	root = filepath.Clean(root) + string(filepath.Separator)
	return func(cmd Command) error {
		for _, arg := range cmd.Args {
			if idx := strings.Index(arg, "="); strings.HasPrefix(arg, "-") && idx > 0 {
				arg = arg[idx+1:]
			}
			if !strings.HasPrefix(arg, root) {
				continue
			}
			if _, err := os.Stat(arg); err == nil {
				continue
			}
			if err := Touch(arg); err != nil {
				return err
			}
		}
		return nil
	}
}
