package engine

import (
	"sync"

	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/workflow/resolver"
	"github.com/kingrea/neuropipe/internal/workflow/scheduler"
)

// WorkClaim describes a runnable step that has been reserved for execution.
type WorkClaim struct {
	ID          string                  `json:"id"`
	StepID      string                  `json:"step_id"`
	Name        string                  `json:"name"`
	Optional    bool                    `json:"optional,omitempty"`
	Concurrency step.ConcurrencyProfile `json:"concurrency"`

	node *resolver.Node
}

// pass tracks what happened to each step while one pair is processed.
type pass struct {
	mu        sync.Mutex
	attempted map[string]struct{}
	failed    map[string]error
	runs      map[string]StepRun
}

func newPass() *pass {
	return &pass{
		attempted: map[string]struct{}{},
		failed:    map[string]error{},
		runs:      map[string]StepRun{},
	}
}

func (p *pass) record(id string, run StepRun, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempted[id] = struct{}{}
	p.runs[id] = run
	if err != nil {
		p.failed[id] = err
	}
}

func (p *pass) fail(id string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.failed[id]; done {
		return false
	}
	p.failed[id] = err
	return true
}

func (p *pass) wasAttempted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.attempted[id]
	return ok
}

func (p *pass) hasFailed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.failed[id]
	return ok
}

func (p *pass) keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (p *pass) request(rt Runtime) scheduler.RunnableRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := rt.schedulerRequest()
	req.Attempted = p.keys(p.attempted)
	req.Failed = make([]string, 0, len(p.failed))
	for id := range p.failed {
		req.Failed = append(req.Failed, id)
	}
	return req
}

func (p *pass) snapshotRuns() map[string]StepRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneRuns(p.runs)
}

// claim reserves the next batch of runnable steps.
func claim(sched *scheduler.Scheduler, rt Runtime, p *pass) ([]WorkClaim, scheduler.RunnableBatch, error) {
	batch, err := sched.Runnable(p.request(rt))
	if err != nil {
		return nil, scheduler.RunnableBatch{}, err
	}
	claims := make([]WorkClaim, 0, len(batch.Nodes))
	for _, node := range batch.Nodes {
		info := node.Step.Info()
		claims = append(claims, WorkClaim{
			ID:          node.ID,
			StepID:      info.ID,
			Name:        pickName(node.Ref, info),
			Optional:    node.Ref.Optional,
			Concurrency: info.Concurrency,
			node:        node,
		})
	}
	return claims, batch, nil
}
