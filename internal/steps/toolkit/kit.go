// Package toolkit holds the plumbing shared by every pipeline step: sub-stage
// skipping, command execution through the configured runner, output checks,
// provenance side-cars, trash moves and ANTs registration chains.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow"
)

// Kit runs the sub-stages of one step for one pair.
type Kit struct {
	sc      *step.Context
	info    step.Info
	inputs  []string
	fp      string
	force   bool
	outputs map[string]artifact.ArtifactRef
	warps   map[string]bool
}

// New prepares a kit for base's step. The input fingerprint is taken once so
// every side-car written during the run records the same value.
func New(sc *step.Context, base *step.Base) (*Kit, error) {
	if err := ValidateContext(sc); err != nil {
		return nil, err
	}
	info := base.Info()
	fp, err := base.InputFingerprint(sc)
	if err != nil {
		return nil, err
	}
	k := &Kit{
		sc:      sc,
		info:    info,
		fp:      fp,
		force:   sc.Forced(info.ID),
		outputs: map[string]artifact.ArtifactRef{},
		warps:   map[string]bool{},
	}
	for _, ref := range base.Inputs() {
		k.inputs = append(k.inputs, ref.ID)
	}
	for _, ref := range base.Outputs() {
		k.outputs[sc.Path(ref)] = ref
	}
	return k, nil
}

// ValidateContext ensures steps receive a usable context.
func ValidateContext(sc *step.Context) error {
	switch {
	case sc == nil:
		return fmt.Errorf("toolkit: context is nil")
	case sc.Config == nil:
		return fmt.Errorf("toolkit: config is required")
	case sc.Layout == nil:
		return fmt.Errorf("toolkit: layout is required")
	case sc.Runner == nil:
		return fmt.Errorf("toolkit: runner is required")
	case sc.Artifacts == nil:
		return fmt.Errorf("toolkit: artifact store is required")
	}
	return nil
}

// Context returns the step context the kit was built for.
func (k *Kit) Context() *step.Context { return k.sc }

// Layout returns the pair layout.
func (k *Kit) Layout() *workflow.Layout { return k.sc.Layout }

// Logger returns the step logger.
func (k *Kit) Logger() *zap.Logger {
	if k.sc.Logger == nil {
		return zap.NewNop()
	}
	return k.sc.Logger
}

// Forced reports whether existing outputs are regenerated.
func (k *Kit) Forced() bool { return k.force }

// Fingerprint is the input digest recorded in side-cars.
func (k *Kit) Fingerprint() string { return k.fp }

// Path resolves ref for the pair.
func (k *Kit) Path(ref artifact.ArtifactRef) string { return k.sc.Path(ref) }

// Name joins dir with <subject>_<session><suffix>.
func (k *Kit) Name(dir, suffix string) string { return k.sc.Layout.Name(dir, suffix) }

// Cmd builds a command for a logical tool name, honouring tools: overrides.
func (k *Kit) Cmd(tool string, args ...string) runner.Command {
	return runner.Cmd(k.sc.Config.Tool(tool), args...)
}

// MRtrixThreads is the -nthreads value for MRtrix3 commands.
func (k *Kit) MRtrixThreads() string {
	return strconv.Itoa(k.sc.Config.Project.Threads.MRtrix)
}

// Stage is one tool invocation and the files it must leave behind.
type Stage struct {
	Cmd         runner.Command
	Output      string
	Also        []string
	Description string
	// Key names the output path entry in the side-car. Defaults to
	// Output_filename.
	Key       string
	NoSidecar bool
}

// Run executes st unless Output and every Also file are already done. A tool
// that exits cleanly without creating Output or Also is an error.
func (k *Kit) Run(ctx context.Context, st Stage) error {
	if k.Done(st.Output) && k.DoneAll(st.Also...) {
		k.Logger().Debug("output exists, skipping", zap.String("output", st.Output))
		return nil
	}
	return k.produce(ctx, st)
}

func (k *Kit) produce(ctx context.Context, st Stage) error {
	if err := Mkdirs(append([]string{st.Output}, st.Also...)...); err != nil {
		return err
	}
	if err := k.Exec(ctx, st.Cmd); err != nil {
		return err
	}
	for _, path := range append([]string{st.Output}, st.Also...) {
		if !workflow.Exists(path) {
			return fmt.Errorf("%s did not create %s", st.Cmd.Name, path)
		}
	}
	if st.NoSidecar {
		return nil
	}
	if err := k.Sidecar(st.Output, st.Cmd.String(), st.Description, st.Key); err != nil {
		return err
	}
	for _, path := range st.Also {
		if _, declared := k.outputs[path]; declared {
			if err := k.Sidecar(path, st.Cmd.String(), st.Description, st.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Exec runs cmd through the pair's runner.
func (k *Kit) Exec(ctx context.Context, cmd runner.Command) error {
	k.Logger().Info("running", zap.String("command", cmd.String()))
	out, err := k.sc.Runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	k.Logger().Debug("finished", zap.String("tool", cmd.Name), zap.Duration("duration", out.Duration))
	return nil
}

// Done reports whether path can be reused: it exists, the step is not forced
// and its side-car, when this step wrote one, matches the current inputs.
func (k *Kit) Done(path string) bool {
	if k.force || !workflow.Exists(path) {
		return false
	}
	_, meta, err := artifact.ReadSidecar(k.sidecarPath(path))
	if errors.Is(err, artifact.ErrNoSidecar) {
		return true
	}
	if err != nil || meta == nil {
		return false
	}
	if meta.StepID != k.info.ID {
		return true
	}
	if meta.Version != k.info.Version {
		return false
	}
	return meta.Checksum == "" || meta.Checksum == k.fp
}

// DoneAll reports whether every path is done.
func (k *Kit) DoneAll(paths ...string) bool {
	for _, path := range paths {
		if !k.Done(path) {
			return false
		}
	}
	return true
}

// Sidecar writes or merges the provenance side-car of path.
func (k *Kit) Sidecar(path, origin, description, key string) error {
	meta := artifact.Metadata{
		StepID:   k.info.ID,
		Version:  k.info.Version,
		Subject:  k.sc.Pair.Subject,
		Session:  k.sc.Pair.Session,
		RunID:    k.sc.RunID,
		Inputs:   append([]string{}, k.inputs...),
		Checksum: k.fp,
	}
	if ref, ok := k.outputs[path]; ok {
		meta.ArtifactID = ref.ID
	}
	meta = meta.WithDefaults(artifact.ArtifactRef{}, k.sc.Artifacts.Now())
	prov := artifact.Provenance{Origin: origin, Description: description, FileKey: key, File: path}
	if err := k.sc.Artifacts.WriteSidecar(k.sidecarPath(path), prov, &meta); err != nil {
		return fmt.Errorf("%s: side-car for %s: %w", k.info.ID, path, err)
	}
	return nil
}

func (k *Kit) sidecarPath(path string) string {
	if ref, ok := k.outputs[path]; ok {
		return ref.SidecarPath(k.sc.Layout)
	}
	return artifact.SidecarFor(path)
}

// Require fails with "<what> not existing: <path>" when path is absent.
func Require(what, path string) error {
	if workflow.Exists(path) {
		return nil
	}
	return fmt.Errorf("%s not existing: %s", what, path)
}

// Trash moves each existing path into a trash/ folder next to it.
func Trash(paths ...string) error {
	for _, path := range paths {
		if !workflow.Exists(path) {
			continue
		}
		dir := filepath.Join(filepath.Dir(path), workflow.TrashDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			return fmt.Errorf("toolkit: move %s to trash: %w", path, err)
		}
	}
	return nil
}

// Restore moves path back from the trash/ folder next to it when path is
// missing and a trashed copy exists.
func Restore(path string) error {
	if workflow.Exists(path) {
		return nil
	}
	trashed := filepath.Join(filepath.Dir(path), workflow.TrashDir, filepath.Base(path))
	if !workflow.Exists(trashed) {
		return nil
	}
	if err := os.Rename(trashed, path); err != nil {
		return fmt.Errorf("toolkit: restore %s from trash: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst, creating dst's directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("toolkit: copy %s: %w", src, err)
	}
	return out.Close()
}

// Mkdirs creates the parent directory of every path.
func Mkdirs(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Completed is the result of a step that ran its stages.
func Completed(format string, args ...any) step.Result {
	return step.Result{Status: step.StatusCompleted, Message: fmt.Sprintf(format, args...)}
}

// NoOp is the result of a step with nothing to do for the pair.
func NoOp(format string, args ...any) step.Result {
	return step.Result{Status: step.StatusNoOp, Message: fmt.Sprintf(format, args...)}
}

// Failed is the result paired with a step error.
func Failed() step.Result {
	return step.Result{Status: step.StatusFailed}
}
