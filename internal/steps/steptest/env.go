// Package steptest builds throwaway datasets and a simulated toolchain for
// step tests. Nothing here invokes a real neuroimaging binary.
package steptest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/logbook"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow"
)

// RootToken replaces the dataset root in rendered command lines.
const RootToken = "$DATA"

// Pair is the subject/session every Env is scoped to.
var Pair = cohort.Pair{Subject: "sub-01", Session: "ses-T1"}

// Started is the invocation time of every test fail list.
var Started = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// Env is a dataset in a temp dir with a step context over a Fake runner.
type Env struct {
	Root    string
	Config  *config.Config
	Layout  *workflow.Layout
	Fake    *runner.Fake
	Fails   *logbook.Logbook
	Context *step.Context
}

// Option adjusts the project config before the context is built.
type Option func(*config.Config)

// WithLesion switches lesion mode on.
func WithLesion() Option {
	return func(cfg *config.Config) { cfg.Project.Pipeline.Lesion = true }
}

// WithRemote configures a server copy at <root>/<dir>.
func WithRemote(dir string) Option {
	return func(cfg *config.Config) { cfg.Project.Paths.Remote = filepath.Join(cfg.DataDir, dir) }
}

// WithConfig applies an arbitrary config edit.
func WithConfig(fn func(*config.Config)) Option {
	return Option(fn)
}

// New creates the dataset and context. The MNI template and atlas files named
// by the config are created so registrations can run.
func New(t testing.TB, opts ...Option) *Env {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.NewConfig(root, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Project.Paths.MNITemplate = filepath.Join(root, "code", "MNI152_T1_1mm.nii.gz")
	for _, opt := range opts {
		opt(cfg)
	}
	layout := workflow.LayoutFor(cfg).ForPair(Pair)
	fails, err := logbook.NewFailList(cfg.FailListDir(), "test", Started)
	if err != nil {
		t.Fatalf("fail list: %v", err)
	}
	fake := Tools(root)
	sc := step.NewContext(cfg, layout, fake, fails).
		WithLogger(zaptest.NewLogger(t)).
		WithRunID("test-run")
	env := &Env{Root: root, Config: cfg, Layout: layout, Fake: fake, Fails: fails, Context: sc}
	env.Touch(t, cfg.Project.Paths.MNITemplate, cfg.ClustersFile())
	for _, seed := range cfg.Project.ROI.Striatum {
		env.Touch(t, cfg.StriatumFile(seed))
	}
	return env
}

// Force returns a context that regenerates ids.
func (e *Env) Force(ids ...string) *step.Context {
	return e.Context.WithForce(ids...)
}

// Touch creates empty files.
func (e *Env) Touch(t testing.TB, paths ...string) {
	t.Helper()
	if err := runner.Touch(paths...); err != nil {
		t.Fatalf("touch: %v", err)
	}
}

// TouchRefs creates the files behind refs for the env's pair.
func (e *Env) TouchRefs(t testing.TB, refs ...artifact.ArtifactRef) {
	t.Helper()
	for _, ref := range refs {
		path := ref.Path(e.Layout)
		if ref.Kind == artifact.KindDirectory {
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", path, err)
			}
			continue
		}
		e.Touch(t, path)
	}
}

// Write creates a file with content.
func (e *Env) Write(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Exists reports whether path is on disk.
func (e *Env) Exists(path string) bool {
	return workflow.Exists(path)
}

// Rel renders path with the dataset root replaced by RootToken.
func (e *Env) Rel(path string) string {
	return strings.ReplaceAll(path, e.Root, RootToken)
}

// Lines returns recorded command lines with the root replaced by RootToken.
func (e *Env) Lines() []string {
	lines := e.Fake.Lines()
	for i, line := range lines {
		lines[i] = e.Rel(line)
	}
	return lines
}

// Commands returns recorded commands as argv slices with the root replaced
// by RootToken.
func (e *Env) Commands() [][]string {
	cmds := e.Fake.Commands()
	out := make([][]string, len(cmds))
	for i, c := range cmds {
		argv := []string{c.Name}
		for _, arg := range c.Args {
			argv = append(argv, e.Rel(arg))
		}
		out[i] = argv
	}
	return out
}

// Find returns the first recorded command of tool, or nil.
func (e *Env) Find(tool string) []string {
	for _, argv := range e.Commands() {
		if argv[0] == tool {
			return argv
		}
	}
	return nil
}

// Count returns how many times tool ran.
func (e *Env) Count(tool string) int {
	n := 0
	for _, name := range e.Fake.Names() {
		if name == tool {
			n++
		}
	}
	return n
}

// ReadFile returns the content of path.
func (e *Env) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
