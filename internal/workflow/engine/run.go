package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow"
	"github.com/kingrea/neuropipe/internal/workflow/resolver"
	"github.com/kingrea/neuropipe/internal/workflow/scheduler"
)

var (
	// ErrIncomplete reports a step that ran without producing its outputs.
	ErrIncomplete = errors.New("workflow: outputs still incomplete after run")
	// ErrBlocked reports a requested step that never became runnable.
	ErrBlocked = errors.New("workflow: step blocked")
)

// RunPair drives the pipeline for the pair of sc until no step is runnable.
// Steps whose outputs exist are skipped unless forced through sc or found
// stale. A failing step never stops independent branches; its dependents
// stay blocked. The returned error joins every step failure.
func (e *Engine) RunPair(ctx context.Context, sc *step.Context, def workflow.Definition, rt Runtime) (State, error) {
	if sc == nil {
		return State{}, fmt.Errorf("workflow engine: step context is required")
	}
	normalized, err := def.Normalized()
	if err != nil {
		return State{}, err
	}
	rt = applyWorkflowRuntime(normalized, rt)
	res, err := resolver.New(normalized, e.registry)
	if err != nil {
		return State{}, err
	}
	sched, err := scheduler.New(res)
	if err != nil {
		return State{}, err
	}
	logger := e.logger.With(zap.String("subject", sc.Pair.Subject), zap.String("session", sc.Pair.Session))
	started := e.now()
	e.emit(Event{Kind: EventPairStarted, RunID: sc.RunID, Pair: sc.Pair, Time: started})

	p := newPass()
	var (
		batch   scheduler.RunnableBatch
		stopErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if err := res.Refresh(sc); err != nil {
			return State{}, err
		}
		e.reconcile(sc, res, p, logger)
		var claims []WorkClaim
		claims, batch, err = claim(sched, rt, p)
		if err != nil {
			return State{}, err
		}
		if len(claims) == 0 {
			break
		}
		e.runBatch(ctx, sc, claims, p)
	}
	if stopErr == nil {
		if err := res.Refresh(sc); err != nil {
			return State{}, err
		}
	}

	runs := p.snapshotRuns()
	state := e.snapshot(sc, normalized, rt, res, batch, runs)
	if state.Status == EngineStatusRunning && len(state.Runnable) == 0 {
		// Only steps outside the requested targets are left.
		state.Status = EngineStatusComplete
	}
	errs := e.collectErrors(res, rt, p)
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	runErr := errors.Join(errs...)
	if runErr != nil && state.Status != EngineStatusError {
		state.Status = EngineStatusError
		state.StatusReason = runErr.Error()
	}
	e.emit(Event{
		Kind:     EventPairFinished,
		RunID:    sc.RunID,
		Pair:     sc.Pair,
		Engine:   state.Status,
		Message:  state.StatusReason,
		Err:      runErr,
		Duration: e.now().Sub(started),
	})
	logger.Info("pair finished", zap.String("status", string(state.Status)), zap.Int("steps_run", len(runs)), zap.Error(runErr))
	return state, runErr
}

// reconcile turns the fresh resolver snapshot into pass bookkeeping: resolver
// errors and steps that ran without completing become failures, and stale
// steps are forced so their existing outputs get regenerated.
func (e *Engine) reconcile(sc *step.Context, res *resolver.Resolver, p *pass, logger *zap.Logger) {
	for _, node := range res.Nodes() {
		stepID := node.Step.Info().ID
		switch {
		case node.State == resolver.NodeStateError:
			if p.fail(node.ID, node.Err) {
				e.reportFailure(sc, node.ID, node.Err, logger)
			}
		case p.wasAttempted(node.ID) && (node.State == resolver.NodeStatePending || node.State == resolver.NodeStateReady):
			if p.hasFailed(node.ID) {
				continue
			}
			err := fmt.Errorf("%w: %s", ErrIncomplete, node.ID)
			if p.fail(node.ID, err) {
				p.record(node.ID, StepRun{Status: step.StatusFailed, Error: err.Error(), FinishedAt: e.now()}, err)
				e.reportFailure(sc, node.ID, err, logger)
			}
		case node.Stale && !p.wasAttempted(node.ID) && !sc.Forced(stepID):
			logger.Info("outputs outdated, regenerating", zap.String("step", node.ID))
			sc.Force(stepID)
		}
	}
}

func (e *Engine) reportFailure(sc *step.Context, id string, err error, logger *zap.Logger) {
	logger.Error("step failed", zap.String("step", id), zap.Error(err))
	e.emit(Event{Kind: EventStepFailed, RunID: sc.RunID, Pair: sc.Pair, StepID: id, Status: step.StatusFailed, Err: err, Message: errorString(err)})
}

// runBatch executes claims concurrently and waits for all of them. Step
// failures are recorded in p rather than cancelling siblings.
func (e *Engine) runBatch(ctx context.Context, sc *step.Context, claims []WorkClaim, p *pass) {
	var g errgroup.Group
	for _, c := range claims {
		c := c
		g.Go(func() error {
			stepCtx := sc.ForStep(c.ID)
			e.emit(Event{Kind: EventStepStarted, RunID: sc.RunID, Pair: sc.Pair, StepID: c.ID, Message: c.Name})
			stepCtx.Logger.Info("step started", zap.String("name", c.Name))
			began := e.now()
			result, err := runStep(ctx, stepCtx, c)
			sc.Release(c.StepID)
			finished := e.now()
			status := result.Status
			switch {
			case err != nil:
				status = step.StatusFailed
			case status == step.StatusFailed:
				err = errors.New(result.Message)
			case status == "":
				status = step.StatusCompleted
			}
			if err != nil {
				err = fmt.Errorf("step %s: %w", c.ID, err)
			}
			run := StepRun{
				Status:     status,
				Message:    result.Message,
				Error:      errorString(err),
				Duration:   finished.Sub(began),
				FinishedAt: finished,
			}
			p.record(c.ID, run, err)
			ev := Event{
				Kind:     EventStepFinished,
				RunID:    sc.RunID,
				Pair:     sc.Pair,
				StepID:   c.ID,
				Status:   status,
				Message:  result.Message,
				Err:      err,
				Time:     finished,
				Duration: run.Duration,
			}
			if err != nil {
				ev.Kind = EventStepFailed
				stepCtx.Logger.Error("step failed", zap.Duration("duration", run.Duration), zap.Error(err))
			} else {
				stepCtx.Logger.Info("step finished", zap.String("status", string(status)), zap.Duration("duration", run.Duration))
			}
			e.emit(ev)
			return nil
		})
	}
	_ = g.Wait()
}

func runStep(ctx context.Context, sc *step.Context, c WorkClaim) (result step.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.node.Step.Run(ctx, sc)
}

// collectErrors returns the failures of the pass followed by requested steps
// that could never run.
func (e *Engine) collectErrors(res *resolver.Resolver, rt Runtime, p *pass) []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, node := range res.Nodes() {
		if err, ok := p.failed[node.ID]; ok {
			errs = append(errs, err)
		}
	}
	scope := map[string]struct{}{}
	if len(rt.Targets) > 0 {
		for _, id := range rt.Targets {
			scope[id] = struct{}{}
		}
	}
	disabled := map[string]struct{}{}
	for _, id := range rt.Disabled {
		disabled[id] = struct{}{}
	}
	explained := failureShadow(res.Nodes(), p.failed)
	for _, node := range res.Nodes() {
		if node.State != resolver.NodeStateBlocked {
			continue
		}
		if _, off := disabled[node.ID]; off {
			continue
		}
		if _, failed := p.failed[node.ID]; failed {
			continue
		}
		if len(scope) > 0 {
			if _, ok := scope[node.ID]; !ok {
				continue
			}
		} else if _, ok := explained[node.ID]; ok {
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s waits on %s", ErrBlocked, node.ID, strings.Join(node.BlockedBy, ", ")))
	}
	return errs
}

// failureShadow returns the blocked steps that wait only on failed steps,
// directly or through other shadowed steps. Their state is already explained
// by the failure.
func failureShadow(nodes []*resolver.Node, failed map[string]error) map[string]struct{} {
	shadow := make(map[string]struct{}, len(failed))
	for id := range failed {
		shadow[id] = struct{}{}
	}
	for changed := len(failed) > 0; changed; {
		changed = false
		for _, node := range nodes {
			if _, done := shadow[node.ID]; done || node.State != resolver.NodeStateBlocked {
				continue
			}
			all := true
			for _, dep := range node.BlockedBy {
				if _, ok := shadow[dep]; !ok {
					all = false
					break
				}
			}
			if all {
				shadow[node.ID] = struct{}{}
				changed = true
			}
		}
	}
	return shadow
}
