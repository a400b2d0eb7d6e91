package scheduler

import (
	"context"
	"testing"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow"
	"github.com/kingrea/neuropipe/internal/workflow/resolver"
)

// fanDefinition: reorganize -> {dwi-preproc, freesurfer}
func fanDefinition() workflow.Definition {
	return workflow.Definition{
		ID: "test",
		Steps: []workflow.StepRef{
			{StepID: "reorganize"},
			{StepID: "dwi-preproc", DependsOn: []string{"reorganize"}},
			{StepID: "freesurfer", DependsOn: []string{"reorganize"}},
		},
	}
}

func fanStubs(reorganizeDone bool) map[string]*stubStep {
	return map[string]*stubStep{
		"reorganize":  newStubStep("reorganize", reorganizeDone, nil),
		"dwi-preproc": newStubStep("dwi-preproc", false, nil),
		"freesurfer":  newStubStep("freesurfer", false, nil),
	}
}

func TestSchedulerReturnsConcurrentReadyNodes(t *testing.T) {
	sched := buildScheduler(t, fanStubs(true), fanDefinition())
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 2})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(batch.Nodes))
	}
	if batch.Nodes[0].ID != "dwi-preproc" || batch.Nodes[1].ID != "freesurfer" {
		t.Fatalf("unexpected order: %v", []string{batch.Nodes[0].ID, batch.Nodes[1].ID})
	}
}

func TestSchedulerReschedulesInvalidArtifacts(t *testing.T) {
	stubs := fanStubs(true)
	stubs["reorganize"].outputs = []artifact.ArtifactRef{artifact.RawT1w}
	res, sc := buildResolverForTest(t, stubs, fanDefinition())
	if err := runner.Touch(artifact.RawT1w.Path(sc.Layout)); err != nil {
		t.Fatal(err)
	}
	if err := runner.Touch(artifact.RawT1w.SidecarPath(sc.Layout)); err != nil {
		t.Fatal(err)
	}
	// An empty side-car is not a JSON object.
	if err := res.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	node, ok := res.Node("reorganize")
	if !ok {
		t.Fatalf("missing reorganize node")
	}
	report, ok := node.Artifacts[artifact.RawT1w.ID]
	if !ok {
		t.Fatalf("expected artifact report for raw T1w")
	}
	if report.Status != step.ArtifactStatusInvalid {
		t.Fatalf("expected invalid artifact status, got %s", report.Status)
	}
	if node.State != resolver.NodeStateReady || !node.Stale {
		t.Fatalf("expected reorganize marked ready for rerun, got %s", node.State)
	}
	sched, err := New(res)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	batch, err := sched.Runnable(RunnableRequest{Targets: []string{"reorganize"}})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "reorganize" {
		t.Fatalf("expected reorganize to rerun, got %+v", batch.Nodes)
	}
	if len(batch.Skipped) != 0 {
		t.Fatalf("expected no skips for invalid artifact rerun, got %+v", batch.Skipped)
	}
}

func TestSchedulerSkipsFailedAttemptedAndDisabled(t *testing.T) {
	sched := buildScheduler(t, fanStubs(true), fanDefinition())
	cases := []struct {
		name string
		req  RunnableRequest
		code SkipReasonCode
	}{
		{"failed", RunnableRequest{Failed: []string{"dwi-preproc"}}, SkipReasonFailed},
		{"attempted", RunnableRequest{Attempted: []string{"dwi-preproc"}}, SkipReasonAttempted},
		{"disabled", RunnableRequest{Disabled: []string{"dwi-preproc"}}, SkipReasonDisabled},
	}
	for _, tc := range cases {
		batch, err := sched.Runnable(tc.req)
		if err != nil {
			t.Fatalf("%s: runnable: %v", tc.name, err)
		}
		if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "freesurfer" {
			t.Fatalf("%s: expected only freesurfer, got %+v", tc.name, batch.Nodes)
		}
		if reason := batch.Skipped["dwi-preproc"]; reason.Reason != tc.code {
			t.Fatalf("%s: expected %s skip, got %+v", tc.name, tc.code, reason)
		}
	}
}

func TestSchedulerTargetsOnlyIgnoresDependencies(t *testing.T) {
	sched := buildScheduler(t, fanStubs(false), fanDefinition())
	batch, err := sched.Runnable(RunnableRequest{Targets: []string{"dwi-preproc"}})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "reorganize" {
		t.Fatalf("expected dependency first, got %+v", batch.Nodes)
	}
	batch, err = sched.Runnable(RunnableRequest{Targets: []string{"dwi-preproc"}, TargetsOnly: true})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 0 {
		t.Fatalf("expected nothing runnable without dependencies, got %+v", batch.Nodes)
	}
	if batch.Skipped["reorganize"].Reason != SkipReasonNotTargeted {
		t.Fatalf("expected reorganize not targeted, got %+v", batch.Skipped)
	}
	if batch.Skipped["dwi-preproc"].Reason != SkipReasonNotReady {
		t.Fatalf("expected dwi-preproc blocked, got %+v", batch.Skipped)
	}
}

func TestSchedulerRunsExclusiveStepsAlone(t *testing.T) {
	stubs := fanStubs(true)
	stubs["dwi-preproc"].info.Concurrency.Exclusive = true
	sched := buildScheduler(t, stubs, fanDefinition())

	batch, err := sched.Runnable(RunnableRequest{})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "dwi-preproc" {
		t.Fatalf("expected exclusive step alone, got %+v", batch.Nodes)
	}

	batch, err = sched.Runnable(RunnableRequest{Running: []string{"dwi-preproc"}, Exclusive: []string{"dwi-preproc"}})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 0 || batch.Skipped["freesurfer"].Reason != SkipReasonExclusive {
		t.Fatalf("expected freesurfer held back, got %+v %+v", batch.Nodes, batch.Skipped)
	}

	batch, err = sched.Runnable(RunnableRequest{Running: []string{"freesurfer"}})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 0 || batch.Skipped["dwi-preproc"].Reason != SkipReasonExclusive {
		t.Fatalf("expected exclusive step to wait, got %+v %+v", batch.Nodes, batch.Skipped)
	}
}

func TestSchedulerEnforcesParallelLimit(t *testing.T) {
	sched := buildScheduler(t, fanStubs(true), fanDefinition())
	batch, err := sched.Runnable(RunnableRequest{BatchSize: 2, MaxParallel: 1})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 1 || batch.Nodes[0].ID != "dwi-preproc" {
		t.Fatalf("expected single runnable node respecting limit, got %+v", batch.Nodes)
	}
	batch, err = sched.Runnable(RunnableRequest{MaxParallel: 1, Running: []string{"dwi-preproc"}})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if len(batch.Nodes) != 0 {
		t.Fatalf("expected zero runnable nodes when capacity exhausted")
	}
	if batch.Skipped["freesurfer"].Reason != SkipReasonConcurrency {
		t.Fatalf("expected concurrency skip reason when capacity exhausted, got %+v", batch.Skipped)
	}
}

func buildScheduler(t *testing.T, stubs map[string]*stubStep, def workflow.Definition) *Scheduler {
	t.Helper()
	res, sc := buildResolverForTest(t, stubs, def)
	if err := res.Refresh(sc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	sched, err := New(res)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched
}

func buildResolverForTest(t *testing.T, stubs map[string]*stubStep, def workflow.Definition) (*resolver.Resolver, *step.Context) {
	t.Helper()
	reg := step.NewRegistry()
	for id, stub := range stubs {
		id := id
		stub := stub
		reg.MustRegister(id, func(step.Config) (step.Step, error) {
			return stub, nil
		})
	}
	res, err := resolver.New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return res, newTestContext(t)
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

type stubStep struct {
	info     step.Info
	complete bool
	err      error
	outputs  []artifact.ArtifactRef
}

func newStubStep(id string, complete bool, err error) *stubStep {
	return &stubStep{
		info:     step.Info{ID: id, Name: "stub " + id, Version: "1.0.0"},
		complete: complete,
		err:      err,
	}
}

func (s *stubStep) Info() step.Info { return s.info }

func (s *stubStep) Inputs() []artifact.ArtifactRef { return nil }

func (s *stubStep) Outputs() []artifact.ArtifactRef {
	if len(s.outputs) == 0 {
		return nil
	}
	out := make([]artifact.ArtifactRef, len(s.outputs))
	copy(out, s.outputs)
	return out
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
