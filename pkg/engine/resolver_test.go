package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
)

// mapView is a NodeView over fixed statuses and outputs.
type mapView struct {
	statuses map[string]models.TaskStatus
	outputs  map[string]bool
	context  models.Payload
}

func (v mapView) Status(id string) (models.TaskStatus, bool) {
	st, ok := v.statuses[id]
	return st, ok
}

func (v mapView) HasOutput(id string) bool { return v.outputs[id] }

func (v mapView) Context(string) models.Payload { return v.context }

func alwaysTrue(string, models.Payload) (bool, error) { return true, nil }

func newResolver(nodes ...string) *engine.Resolver {
	r := engine.NewResolver(engine.PredicateFunc(alwaysTrue))
	for _, n := range nodes {
		r.AddNode(n)
	}
	return r
}

func TestResolver_AddEdge(t *testing.T) {
	t.Run("SelfDependencyRejected", func(t *testing.T) {
		r := newResolver("a")
		err := r.AddEdge(engine.Edge{From: "a", To: "a"})
		var vErr *engine.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("UnknownNodeRejected", func(t *testing.T) {
		r := newResolver("a")
		err := r.AddEdge(engine.Edge{From: "a", To: "ghost"})
		var vErr *engine.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("CycleRejectedWithoutMutation", func(t *testing.T) {
		r := newResolver("a", "b", "c")
		assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a"}))
		assert.NoError(t, r.AddEdge(engine.Edge{From: "c", To: "b"}))

		err := r.AddEdge(engine.Edge{From: "a", To: "c"})
		var cErr *engine.CycleError
		assert.ErrorAs(t, err, &cErr)
		assert.Equal(t, "a", cErr.From)
		assert.Equal(t, "c", cErr.To)

		// The rejected edge must not have mutated the graph: a is
		// still a root with no dependencies.
		assert.Empty(t, r.Dependencies("a"))
	})

	t.Run("DiamondIsNotACycle", func(t *testing.T) {
		r := newResolver("a", "b", "c", "d")
		assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a"}))
		assert.NoError(t, r.AddEdge(engine.Edge{From: "c", To: "a"}))
		assert.NoError(t, r.AddEdge(engine.Edge{From: "d", To: "b"}))
		assert.NoError(t, r.AddEdge(engine.Edge{From: "d", To: "c"}))
	})
}

func TestResolver_Ready(t *testing.T) {
	t.Run("CompletionDependency", func(t *testing.T) {
		r := newResolver("a", "b")
		assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a", Kind: models.CompletionDependency}))

		view := mapView{statuses: map[string]models.TaskStatus{"a": models.RunningTaskStatus, "b": models.PendingTaskStatus}}
		ready, err := r.Ready("b", view)
		assert.NoError(t, err)
		assert.False(t, ready)

		view.statuses["a"] = models.CompletedTaskStatus
		ready, err = r.Ready("b", view)
		assert.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("DataDependencyNeedsOutput", func(t *testing.T) {
		r := newResolver("a", "b")
		assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a", Kind: models.DataDependency}))

		view := mapView{
			statuses: map[string]models.TaskStatus{"a": models.CompletedTaskStatus, "b": models.PendingTaskStatus},
			outputs:  map[string]bool{},
		}
		ready, err := r.Ready("b", view)
		assert.NoError(t, err)
		assert.False(t, ready)

		view.outputs["a"] = true
		ready, err = r.Ready("b", view)
		assert.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("ConditionalDependency", func(t *testing.T) {
		eval := engine.PredicateFunc(func(expr string, ctx models.Payload) (bool, error) {
			return expr == "go", nil
		})
		r := engine.NewResolver(eval)
		r.AddNode("a")
		r.AddNode("b")
		r.AddNode("c")
		assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a", Kind: models.ConditionalDependency, Condition: "go"}))
		assert.NoError(t, r.AddEdge(engine.Edge{From: "c", To: "a", Kind: models.ConditionalDependency, Condition: "stop"}))

		view := mapView{statuses: map[string]models.TaskStatus{
			"a": models.CompletedTaskStatus,
			"b": models.PendingTaskStatus,
			"c": models.PendingTaskStatus,
		}}
		ready, err := r.Ready("b", view)
		assert.NoError(t, err)
		assert.True(t, ready)

		ready, err = r.Ready("c", view)
		assert.NoError(t, err)
		assert.False(t, ready)
	})

	t.Run("OptionalEdgeAbsorbsFailure", func(t *testing.T) {
		r := newResolver("a", "b")
		assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a", Optional: true}))

		view := mapView{statuses: map[string]models.TaskStatus{"a": models.FailedTaskStatus, "b": models.PendingTaskStatus}}
		ready, err := r.Ready("b", view)
		assert.NoError(t, err)
		assert.True(t, ready)
	})
}

func TestResolver_FailedDependents(t *testing.T) {
	// a <- b <- c, a <- d (optional), d untouched on a's failure.
	r := newResolver("a", "b", "c", "d")
	assert.NoError(t, r.AddEdge(engine.Edge{From: "b", To: "a"}))
	assert.NoError(t, r.AddEdge(engine.Edge{From: "c", To: "b"}))
	assert.NoError(t, r.AddEdge(engine.Edge{From: "d", To: "a", Optional: true}))

	affected := r.FailedDependents("a")
	assert.ElementsMatch(t, []string{"b", "c"}, affected)
}
