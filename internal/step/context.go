package step

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/logbook"
	"github.com/kingrea/neuropipe/internal/logging"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/workflow"
)

// Context carries shared runtime dependencies into every step of one
// subject/session pair.
type Context struct {
	Config    *config.Config
	Layout    *workflow.Layout
	Pair      cohort.Pair
	Runner    runner.Runner
	Logger    *zap.Logger
	Logbook   *logbook.Logbook
	Artifacts *artifact.Store
	RunID     string

	force *forceSet
}

// NewContext builds a Context scoped to layout's pair with a fresh store.
func NewContext(cfg *config.Config, layout *workflow.Layout, r runner.Runner, lb *logbook.Logbook) *Context {
	return &Context{
		Config:    cfg,
		Layout:    layout,
		Pair:      layout.Pair(),
		Runner:    r,
		Logger:    zap.NewNop(),
		Logbook:   lb,
		Artifacts: artifact.NewStore(layout),
		force:     &forceSet{ids: map[string]bool{}},
	}
}

// WithArtifacts allows dependency injection of a pre-built store.
func (sc *Context) WithArtifacts(store *artifact.Store) *Context {
	clone := *sc
	clone.Artifacts = store
	return &clone
}

// WithLogger scopes the logger to this context's pair.
func (sc *Context) WithLogger(logger *zap.Logger) *Context {
	clone := *sc
	clone.Logger = logging.ForPair(logger, sc.Pair)
	return &clone
}

// WithRunID records the ledger run this context belongs to.
func (sc *Context) WithRunID(id string) *Context {
	clone := *sc
	clone.RunID = id
	return &clone
}

// WithForce marks steps whose existing outputs must be regenerated. Clones
// share the force set so a release is visible to every holder.
func (sc *Context) WithForce(ids ...string) *Context {
	clone := *sc
	clone.force = &forceSet{ids: map[string]bool{}}
	for _, id := range ids {
		clone.force.ids[id] = true
	}
	return &clone
}

// ForStep returns a clone whose logger carries the step field.
func (sc *Context) ForStep(id string) *Context {
	clone := *sc
	clone.Logger = logging.ForStep(sc.Logger, id)
	return &clone
}

// Forced reports whether id still has to regenerate its outputs in this pass.
func (sc *Context) Forced(id string) bool {
	if sc == nil || sc.force == nil {
		return false
	}
	return sc.force.has(id)
}

// Force marks id for regeneration, e.g. after its outputs went stale.
func (sc *Context) Force(id string) {
	if sc == nil || sc.force == nil {
		return
	}
	sc.force.add(id)
}

// Release clears the force flag once id has rerun.
func (sc *Context) Release(id string) {
	if sc == nil || sc.force == nil {
		return
	}
	sc.force.release(id)
}

// Exists reports whether ref is present on disk for this pair.
func (sc *Context) Exists(ref artifact.ArtifactRef) bool {
	return workflow.Exists(ref.Path(sc.Layout))
}

// Path resolves ref for this pair.
func (sc *Context) Path(ref artifact.ArtifactRef) string {
	return ref.Path(sc.Layout)
}

type forceSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (f *forceSet) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

func (f *forceSet) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[id] = true
}

func (f *forceSet) release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
