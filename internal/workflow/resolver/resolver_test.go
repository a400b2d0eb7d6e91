package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow"
)

func TestResolverRefreshSetsStates(t *testing.T) {
	stubs := map[string]*stubStep{
		"reorganize":   newStubStep("reorganize", true, nil),
		"dwi-preproc":  newStubStep("dwi-preproc", false, nil),
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)
	sc := newTestContext(t)

	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	reorg := mustNode(t, resolver, "reorganize")
	preproc := mustNode(t, resolver, "dwi-preproc")
	tract := mustNode(t, resolver, "tractography")

	if reorg.State != NodeStateComplete {
		t.Fatalf("expected reorganize complete, got %s", reorg.State)
	}
	if preproc.State != NodeStateReady {
		t.Fatalf("expected dwi-preproc ready, got %s", preproc.State)
	}
	if tract.State != NodeStateBlocked {
		t.Fatalf("expected tractography blocked, got %s", tract.State)
	}
	if len(tract.BlockedBy) != 1 || tract.BlockedBy[0] != "dwi-preproc" {
		t.Fatalf("tractography blocked by %+v", tract.BlockedBy)
	}

	ready := resolver.Ready()
	if len(ready) != 1 || ready[0].ID != "dwi-preproc" {
		t.Fatalf("unexpected ready set: %#v", ready)
	}
}

func TestResolverQueueTargetsOrdersDependencies(t *testing.T) {
	stubs := map[string]*stubStep{
		"reorganize":   newStubStep("reorganize", false, nil),
		"dwi-preproc":  newStubStep("dwi-preproc", false, nil),
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)
	sc := newTestContext(t)

	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	queue, err := resolver.Queue("tractography")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued steps, got %d", len(queue))
	}
	if queue[0].ID != "reorganize" || queue[1].ID != "dwi-preproc" || queue[2].ID != "tractography" {
		t.Fatalf("unexpected order: %s -> %s -> %s", queue[0].ID, queue[1].ID, queue[2].ID)
	}
	if _, err := resolver.Queue("nope"); err == nil {
		t.Fatalf("expected error for unknown target")
	}
}

func TestResolverRefreshPropagatesErrors(t *testing.T) {
	stubs := map[string]*stubStep{
		"reorganize":   newStubStep("reorganize", true, nil),
		"dwi-preproc":  newStubStep("dwi-preproc", false, errors.New("boom")),
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)
	sc := newTestContext(t)

	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	preproc := mustNode(t, resolver, "dwi-preproc")
	if preproc.State != NodeStateError {
		t.Fatalf("expected dwi-preproc error state, got %s", preproc.State)
	}
	if preproc.Err == nil || preproc.Err.Error() != "boom" {
		t.Fatalf("unexpected dwi-preproc error: %v", preproc.Err)
	}
	tract := mustNode(t, resolver, "tractography")
	if tract.State != NodeStateBlocked {
		t.Fatalf("expected tractography blocked by error, got %s", tract.State)
	}
}

func TestResolverMarksVersionMismatchStale(t *testing.T) {
	sc := newTestContext(t)
	preproc := newStubStep("dwi-preproc", true, nil)
	preproc.outputs = []artifact.ArtifactRef{artifact.DwiPreproc}
	stubs := map[string]*stubStep{
		"reorganize":   newStubStep("reorganize", true, nil),
		"dwi-preproc":  preproc,
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)

	writeArtifact(t, sc, artifact.DwiPreproc, artifact.Metadata{StepID: "dwi-preproc", Version: "0.9.0"})
	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	node := mustNode(t, resolver, "dwi-preproc")
	if node.State != NodeStateReady || !node.Stale {
		t.Fatalf("expected stale ready node, got %s stale=%v", node.State, node.Stale)
	}
	if got := node.Artifacts[artifact.DwiPreproc.ID].Status; got != step.ArtifactStatusOutdated {
		t.Fatalf("expected outdated artifact, got %s", got)
	}
	if len(preproc.invalidations) == 0 || preproc.invalidations[0] != step.InvalidationReasonVersionMismatch {
		t.Fatalf("expected version invalidation, got %v", preproc.invalidations)
	}
}

func TestResolverComparesInputFingerprints(t *testing.T) {
	sc := newTestContext(t)
	preproc := newStubStep("dwi-preproc", true, nil)
	preproc.outputs = []artifact.ArtifactRef{artifact.DwiPreproc}
	preproc.fingerprint = "expected"
	stubs := map[string]*stubStep{
		"reorganize":   newStubStep("reorganize", true, nil),
		"dwi-preproc":  preproc,
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)

	writeArtifact(t, sc, artifact.DwiPreproc, artifact.Metadata{StepID: "dwi-preproc", Version: "1.0.0", Checksum: "expected"})
	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	node := mustNode(t, resolver, "dwi-preproc")
	if node.State != NodeStateComplete {
		t.Fatalf("expected fresh node complete, got %s", node.State)
	}
	if got := node.Artifacts[artifact.DwiPreproc.ID].Status; got != step.ArtifactStatusFresh {
		t.Fatalf("expected fresh artifact, got %s", got)
	}

	preproc.fingerprint = "changed"
	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	node = mustNode(t, resolver, "dwi-preproc")
	if !node.Stale || node.Artifacts[artifact.DwiPreproc.ID].Status != step.ArtifactStatusOutdated {
		t.Fatalf("expected fingerprint mismatch to mark node stale: %+v", node.Artifacts)
	}
	tract := mustNode(t, resolver, "tractography")
	if tract.State != NodeStateBlocked {
		t.Fatalf("dependents of a stale step must wait, got %s", tract.State)
	}
}

func TestResolverToleratesMissingOptionalOutputs(t *testing.T) {
	sc := newTestContext(t)
	reorg := newStubStep("reorganize", true, nil)
	reorg.outputs = []artifact.ArtifactRef{artifact.McGRASE.AsOptional()}
	stubs := map[string]*stubStep{
		"reorganize":   reorg,
		"dwi-preproc":  newStubStep("dwi-preproc", false, nil),
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)
	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if node := mustNode(t, resolver, "reorganize"); node.State != NodeStateComplete {
		t.Fatalf("optional output should not reopen the step, got %s", node.State)
	}
}

func TestResolverReportsProvenanceFreeOutputsReady(t *testing.T) {
	sc := newTestContext(t)
	preproc := newStubStep("dwi-preproc", true, nil)
	preproc.outputs = []artifact.ArtifactRef{artifact.DwiPreproc}
	preproc.fingerprint = "anything"
	stubs := map[string]*stubStep{
		"reorganize":   newStubStep("reorganize", true, nil),
		"dwi-preproc":  preproc,
		"tractography": newStubStep("tractography", false, nil),
	}
	resolver := buildResolver(t, stubs)
	path := artifact.DwiPreproc.Path(sc.Layout)
	if err := runner.Touch(path); err != nil {
		t.Fatal(err)
	}
	if err := resolver.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if node := mustNode(t, resolver, "dwi-preproc"); node.State != NodeStateComplete || node.Stale {
		t.Fatalf("files without side-car must count as complete, got %s", node.State)
	}
}

func buildResolver(t *testing.T, stubs map[string]*stubStep) *Resolver {
	t.Helper()
	reg := step.NewRegistry()
	for id, stub := range stubs {
		id := id
		stub := stub
		reg.MustRegister(id, func(step.Config) (step.Step, error) {
			return stub, nil
		})
	}
	def := workflow.Definition{
		ID: "test-pipeline",
		Steps: []workflow.StepRef{
			{StepID: "reorganize"},
			{StepID: "dwi-preproc", DependsOn: []string{"reorganize"}},
			{StepID: "tractography", DependsOn: []string{"dwi-preproc"}},
		},
	}
	resolver, err := New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func newTestContext(t *testing.T) *step.Context {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.NewConfig(root, "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	layout := workflow.NewLayout(root, workflow.LayoutOptions{}).ForPair(cohort.Pair{Subject: "sub-01", Session: "ses-T1"})
	return step.NewContext(cfg, layout, runner.NewFake(), nil)
}

func writeArtifact(t *testing.T, sc *step.Context, ref artifact.ArtifactRef, meta artifact.Metadata) {
	t.Helper()
	path := ref.Path(sc.Layout)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("nifti"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sc.Artifacts.Record(ref, artifact.Provenance{Origin: "test"}, meta); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func mustNode(t *testing.T, resolver *Resolver, id string) *Node {
	t.Helper()
	node, ok := resolver.Node(id)
	if !ok {
		t.Fatalf("missing node %s", id)
	}
	return node
}

type stubStep struct {
	info          step.Info
	complete      bool
	err           error
	outputs       []artifact.ArtifactRef
	fingerprint   string
	invalidations []step.ArtifactInvalidationReason
}

func newStubStep(id string, complete bool, err error) *stubStep {
	return &stubStep{
		info: step.Info{
			ID:      id,
			Name:    "stub " + id,
			Version: "1.0.0",
		},
		complete: complete,
		err:      err,
	}
}

func (s *stubStep) Info() step.Info {
	return s.info
}

func (s *stubStep) Inputs() []artifact.ArtifactRef {
	return nil
}

func (s *stubStep) Outputs() []artifact.ArtifactRef {
	return s.outputs
}

func (s *stubStep) IsComplete(*step.Context) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.complete, nil
}

func (s *stubStep) Run(context.Context, *step.Context) (step.Result, error) {
	return step.Result{Status: step.StatusCompleted}, nil
}

func (s *stubStep) ArtifactFingerprints(*step.Context) (map[string]string, error) {
	if s.fingerprint == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, ref := range s.outputs {
		out[ref.ID] = s.fingerprint
	}
	return out, nil
}

func (s *stubStep) OnArtifactInvalidation(_ *step.Context, event step.ArtifactInvalidation) error {
	if event.Reason != step.InvalidationReasonMissing {
		s.invalidations = append(s.invalidations, event.Reason)
	}
	return nil
}
