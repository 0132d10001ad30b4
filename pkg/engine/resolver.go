package engine

import (
	"sync"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// Edge is a dependency edge: From depends on To.
type Edge struct {
	From      string
	To        string
	Kind      models.DependencyKind
	Condition string
	Optional  bool
}

// NodeView exposes the node state the resolver needs to decide
// readiness. Implemented by the orchestrator over its in-memory graph.
type NodeView interface {
	Status(id string) (models.TaskStatus, bool)
	HasOutput(id string) bool
	// Context returns the payload handed to conditional-edge
	// predicate evaluation.
	Context(id string) models.Payload
}

// Resolver tracks a dependency graph and answers readiness queries.
// Edge insertion keeps the graph acyclic: an edge that would close a
// cycle is rejected without mutating state. The cycle check walks only
// the upstream cone of the new edge's target instead of re-sorting the
// whole graph.
type Resolver struct {
	mu         sync.RWMutex
	nodes      map[string]struct{}
	deps       map[string][]Edge // node -> edges it depends on
	dependents map[string][]Edge // node -> edges depending on it
	eval       PredicateEvaluator
}

func NewResolver(eval PredicateEvaluator) *Resolver {
	return &Resolver{
		nodes:      make(map[string]struct{}),
		deps:       make(map[string][]Edge),
		dependents: make(map[string][]Edge),
		eval:       eval,
	}
}

func (r *Resolver) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = struct{}{}
}

// AddEdge inserts a dependency edge. It fails with *ValidationError on
// self-edges or unknown endpoints and with *CycleError when the edge
// would close a cycle.
func (r *Resolver) AddEdge(e Edge) error {
	if e.From == e.To {
		return &ValidationError{Reason: "self-dependency on " + e.From}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[e.From]; !ok {
		return &ValidationError{Reason: "unknown node " + e.From}
	}
	if _, ok := r.nodes[e.To]; !ok {
		return &ValidationError{Reason: "unknown node " + e.To}
	}
	// From -> To closes a cycle iff From is already in To's upstream
	// cone.
	if r.reachableLocked(e.To, e.From) {
		return &CycleError{From: e.From, To: e.To}
	}
	r.deps[e.From] = append(r.deps[e.From], e)
	r.dependents[e.To] = append(r.dependents[e.To], e)
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following dependency edges upstream.
func (r *Resolver) reachableLocked(start, target string) bool {
	seen := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		for _, e := range r.deps[cur] {
			if _, ok := seen[e.To]; !ok {
				seen[e.To] = struct{}{}
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// Dependencies returns the edges id depends on.
func (r *Resolver) Dependencies(id string) []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Edge, len(r.deps[id]))
	copy(out, r.deps[id])
	return out
}

// Ready reports whether every dependency of id is satisfied:
// completion and resource edges need terminal success upstream, data
// edges additionally need populated output, conditional edges need the
// predicate to hold.
func (r *Resolver) Ready(id string, view NodeView) (bool, error) {
	r.mu.RLock()
	edges := r.deps[id]
	r.mu.RUnlock()
	for _, e := range edges {
		st, ok := view.Status(e.To)
		if !ok {
			return false, &ValidationError{Reason: "unknown dependency " + e.To}
		}
		if st != models.CompletedTaskStatus {
			// A failed optional upstream absorbs the failure: the
			// dependent proceeds without that input. Non-optional
			// failures are handled by cancellation propagation.
			if e.Optional && st.Terminal() {
				continue
			}
			return false, nil
		}
		switch e.Kind {
		case models.DataDependency:
			if !view.HasOutput(e.To) {
				return false, nil
			}
		case models.ConditionalDependency:
			if r.eval == nil {
				return false, &ValidationError{Reason: "conditional edge without evaluator"}
			}
			ok, err := r.eval.Evaluate(e.Condition, view.Context(e.From))
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// FailedDependents returns the transitive set of nodes to cancel when
// failedID fails: every downstream node reachable over non-optional
// edges. Optional edges absorb the failure.
func (r *Resolver) FailedDependents(failedID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	seen := map[string]struct{}{failedID: {}}
	stack := []string{failedID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range r.dependents[cur] {
			if e.Optional {
				continue
			}
			if _, ok := seen[e.From]; ok {
				continue
			}
			seen[e.From] = struct{}{}
			out = append(out, e.From)
			stack = append(stack, e.From)
		}
	}
	return out
}
