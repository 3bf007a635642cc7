// Package state holds the mutable per-workflow run state: one entry per
// workflow id, mutations to a given entry serialized by a per-entry lock.
package state

import (
	"sync"
	"time"

	"github.com/opsen/sequent/pkg/schema"
)

// ExecutionState is the run state of a single workflow execution.
type ExecutionState struct {
	WorkflowID string
	WorkerName string

	// Epoch is a generation counter bumped on every Begin and Stop. Deferred
	// continuations compare it before acting so a stale timer or a late
	// approve cannot resume a superseded run.
	Epoch uint64

	// StepIndex is the 0-based cursor into the workflow's ordered steps.
	// It never decreases; a paused step is retried at the same index.
	StepIndex int

	// Running is false while execution is blocked awaiting an external
	// approve/reject, and after completion or stop.
	Running bool

	Phase         schema.StepPhase
	StartedAt     time.Time
	CompletedAt   *time.Time
	StepStartedAt map[string]time.Time
	Guidance      []schema.GuidanceEntry
}

// clone returns a copy safe to hand out while the entry keeps mutating.
func (s *ExecutionState) clone() ExecutionState {
	cp := *s
	cp.StepStartedAt = make(map[string]time.Time, len(s.StepStartedAt))
	for k, v := range s.StepStartedAt {
		cp.StepStartedAt[k] = v
	}
	cp.Guidance = make([]schema.GuidanceEntry, len(s.Guidance))
	copy(cp.Guidance, s.Guidance)
	return cp
}

// GuidanceFor returns the accumulated guidance entries for one step, in
// chronological order.
func (s *ExecutionState) GuidanceFor(stepID string) []schema.GuidanceEntry {
	var out []schema.GuidanceEntry
	for _, g := range s.Guidance {
		if g.StepID == stepID {
			out = append(out, g)
		}
	}
	return out
}

type entry struct {
	mu    sync.Mutex
	state ExecutionState
}

// Store holds at most one ExecutionState per workflow id. Safe for concurrent
// use; mutations to a given entry are serialized.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Begin creates a fresh running state for the workflow. It fails with
// ALREADY_RUNNING if a running state exists. An inert (completed or stopped)
// state is replaced, carrying the epoch forward so stale continuations from
// the previous run stay dead.
func (s *Store) Begin(workflowID, workerName string) (ExecutionState, error) {
	s.mu.Lock()
	e, ok := s.entries[workflowID]
	if !ok {
		e = &entry{}
		s.entries[workflowID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Running {
		return ExecutionState{}, schema.NewErrorf(schema.ErrCodeAlreadyRunning,
			"workflow %s is already running", workflowID)
	}

	e.state = ExecutionState{
		WorkflowID:    workflowID,
		WorkerName:    workerName,
		Epoch:         e.state.Epoch + 1,
		Running:       true,
		Phase:         schema.PhasePending,
		StartedAt:     time.Now().UTC(),
		StepStartedAt: make(map[string]time.Time),
	}
	return e.state.clone(), nil
}

// Get returns a snapshot of the state for the workflow, if any.
func (s *Store) Get(workflowID string) (ExecutionState, bool) {
	s.mu.RLock()
	e, ok := s.entries[workflowID]
	s.mu.RUnlock()
	if !ok {
		return ExecutionState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.WorkflowID == "" {
		return ExecutionState{}, false
	}
	return e.state.clone(), true
}

// Mutate applies fn to the workflow's state under the entry lock and returns
// the resulting snapshot. Returns NOT_FOUND if no state exists.
func (s *Store) Mutate(workflowID string, fn func(*ExecutionState)) (ExecutionState, error) {
	s.mu.RLock()
	e, ok := s.entries[workflowID]
	s.mu.RUnlock()
	if !ok {
		return ExecutionState{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"no execution state for workflow %s", workflowID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.WorkflowID == "" {
		return ExecutionState{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"no execution state for workflow %s", workflowID)
	}
	fn(&e.state)
	return e.state.clone(), nil
}

// Delete removes the workflow's state entirely.
func (s *Store) Delete(workflowID string) {
	s.mu.Lock()
	delete(s.entries, workflowID)
	s.mu.Unlock()
}

// Sweep removes inert states whose run completed or stopped more than
// olderThan ago, returning how many were removed. The store keeps completed
// states around for inspection; the owner decides when to collect them.
func (s *Store) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		inert := !e.state.Running && e.state.CompletedAt != nil && e.state.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if inert {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
