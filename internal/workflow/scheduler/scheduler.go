package scheduler

import (
	"fmt"

	"github.com/kingrea/neuropipe/internal/workflow/resolver"
)

// Selector exposes the minimal contract the workflow engine needs to request
// runnable step batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of a dependency resolver. It examines
// the resolved queue, filters nodes that are truly runnable, and enforces any
// configured constraints.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New wires a Scheduler to a resolver snapshot.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, fmt.Errorf("workflow: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest captures the current runtime state plus any scheduling
// constraints. The Scheduler produces batches that satisfy these constraints.
type RunnableRequest struct {
	// Targets optionally narrows scheduling to a subset of pipeline nodes and
	// their dependencies. When empty, every incomplete step is considered.
	Targets []string
	// TargetsOnly drops the dependencies of Targets from scheduling, so only
	// the named steps may run.
	TargetsOnly bool
	// BatchSize limits how many runnable nodes are returned at once. Values <= 0
	// are treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many steps may be active at once, including the
	// steps listed in Running. Values <= 0 disable the limit.
	MaxParallel int
	// Running lists step instance IDs that are currently executing so the
	// scheduler won't dispatch them twice.
	Running []string
	// Exclusive lists running steps that must not share the pair.
	Exclusive []string
	// Failed lists steps that failed in this pass. They are never retried.
	Failed []string
	// Attempted lists steps that already ran in this pass.
	Attempted []string
	// Disabled lists steps switched off by configuration.
	Disabled []string
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Nodes   []*resolver.Node
	Skipped map[string]SkipReason
}

// SkipReason explains why a node was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonExclusive   SkipReasonCode = "exclusive"
	SkipReasonFailed      SkipReasonCode = "failed"
	SkipReasonAttempted   SkipReasonCode = "attempted"
	SkipReasonDisabled    SkipReasonCode = "disabled"
	SkipReasonNotTargeted SkipReasonCode = "not-targeted"
)

// Runnable returns a batch of runnable nodes constrained by the request.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue(req.Targets...)
	if err != nil {
		return RunnableBatch{}, err
	}
	rq := newRunnableQueue(queue)
	running := toSet(req.Running)
	failed := toSet(req.Failed)
	attempted := toSet(req.Attempted)
	disabled := toSet(req.Disabled)
	targets := toSet(req.Targets)
	maxBatch := req.batchLimit(rq.Len(), len(running))
	result := RunnableBatch{}
	if maxBatch == 0 {
		if req.MaxParallel > 0 && len(running) >= req.MaxParallel {
			ready := s.resolver.Ready()
			for _, node := range ready {
				if _, active := running[node.ID]; active {
					continue
				}
				result.addSkip(node.ID, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
				break
			}
		}
		return result, nil
	}
	if len(req.Exclusive) > 0 {
		for rq.Len() > 0 {
			node := rq.Pop()
			if _, active := running[node.ID]; active {
				continue
			}
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonExclusive, Detail: fmt.Sprintf("%s holds the pair", req.Exclusive[0])})
		}
		return result, nil
	}
	for rq.Len() > 0 {
		node := rq.Pop()
		if node == nil {
			break
		}
		if _, runningAlready := running[node.ID]; runningAlready {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonActive, Detail: "step already running"})
			continue
		}
		if _, off := disabled[node.ID]; off {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonDisabled, Detail: "disabled in pipeline config"})
			continue
		}
		if _, ok := failed[node.ID]; ok {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonFailed, Detail: "failed in this pass"})
			continue
		}
		if _, ok := attempted[node.ID]; ok {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonAttempted, Detail: "already ran in this pass"})
			continue
		}
		if req.TargetsOnly && len(targets) > 0 {
			if _, ok := targets[node.ID]; !ok {
				result.addSkip(node.ID, SkipReason{Reason: SkipReasonNotTargeted, Detail: "dependency excluded by --no-deps"})
				continue
			}
		}
		if node.State != resolver.NodeStateReady {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonNotReady, Detail: string(node.State)})
			continue
		}
		if node.Step.Info().RequiresExclusiveExecution() {
			if len(running) > 0 || len(result.Nodes) > 0 {
				result.addSkip(node.ID, SkipReason{Reason: SkipReasonExclusive, Detail: "waits for running steps"})
				continue
			}
			result.Nodes = append(result.Nodes, node)
			break
		}
		result.Nodes = append(result.Nodes, node)
		if len(result.Nodes) >= maxBatch {
			break
		}
	}
	return result, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit == 0 || limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

type runnableQueue struct {
	nodes []*resolver.Node
}

func newRunnableQueue(nodes []*resolver.Node) *runnableQueue {
	if len(nodes) == 0 {
		return &runnableQueue{}
	}
	copyNodes := make([]*resolver.Node, len(nodes))
	copy(copyNodes, nodes)
	return &runnableQueue{nodes: copyNodes}
}

func (q *runnableQueue) Len() int {
	return len(q.nodes)
}

func (q *runnableQueue) Pop() *resolver.Node {
	if len(q.nodes) == 0 {
		return nil
	}
	node := q.nodes[0]
	q.nodes = q.nodes[1:]
	return node
}
