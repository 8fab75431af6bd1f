package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vordr/pkg/storage"
)

// recorder implements every handler interface and records event names in
// arrival order.
type recorder struct {
	events []string
	failOn string
}

func (r *recorder) mark(event string) error {
	r.events = append(r.events, event)
	if r.failOn == event {
		return fmt.Errorf("recorder: induced failure at %s", event)
	}
	return nil
}

func (r *recorder) OnNodeCreated(node *storage.Node, _ *IdentityMap) error {
	return r.mark("node-created:" + string(node.ID))
}

func (r *recorder) OnNodePropertyAssigned(node *storage.Node, key string, _, _ any) error {
	return r.mark("node-prop-assigned:" + string(node.ID) + ":" + key)
}

func (r *recorder) OnNodePropertyRemoved(node *storage.Node, key string, _ any) error {
	return r.mark("node-prop-removed:" + string(node.ID) + ":" + key)
}

func (r *recorder) OnNodeDeleted(node *storage.Node, _ *IdentityMap, _ *DeletedRelationships) error {
	return r.mark("node-deleted:" + string(node.ID))
}

func (r *recorder) OnRelationshipCreated(rel *storage.Edge, _ *IdentityMap) error {
	return r.mark("rel-created:" + string(rel.ID))
}

func (r *recorder) OnRelationshipDeleted(rel *storage.Edge, _ *IdentityMap, _ *DeletedRelationships) error {
	return r.mark("rel-deleted:" + string(rel.ID))
}

func (r *recorder) OnRelationshipPropertyAssigned(rel *storage.Edge, key string, _, _ any) error {
	return r.mark("rel-prop-assigned:" + string(rel.ID) + ":" + key)
}

func (r *recorder) OnRelationshipPropertyRemoved(rel *storage.Edge, key string, _ any) error {
	return r.mark("rel-prop-removed:" + string(rel.ID) + ":" + key)
}

func fullChangeSet() *storage.ChangeSet {
	createdNode := &storage.Node{ID: "new"}
	changedNode := &storage.Node{ID: "changed"}
	deletedNode := &storage.Node{ID: "dead"}
	createdEdge := &storage.Edge{ID: "e-new", StartNode: "new", EndNode: "changed", Type: "link"}
	changedEdge := &storage.Edge{ID: "e-changed", StartNode: "new", EndNode: "changed", Type: "link"}
	deletedEdge := &storage.Edge{ID: "e-dead", StartNode: "dead", EndNode: "changed", Type: "link"}

	return &storage.ChangeSet{
		CreatedNodes: []*storage.Node{createdNode},
		DeletedNodes: []*storage.Node{deletedNode},
		CreatedEdges: []*storage.Edge{createdEdge},
		DeletedEdges: []*storage.Edge{deletedEdge},
		AssignedNodeProperties: []storage.NodePropertyChange{
			{Node: changedNode, PropertyChange: storage.PropertyChange{Key: "a", Value: 1}},
		},
		RemovedNodeProperties: []storage.NodePropertyChange{
			{Node: changedNode, PropertyChange: storage.PropertyChange{Key: "b", Previous: 2}},
		},
		AssignedEdgeProperties: []storage.EdgePropertyChange{
			{Edge: changedEdge, PropertyChange: storage.PropertyChange{Key: "w", Value: 3}},
		},
		RemovedEdgeProperties: []storage.EdgePropertyChange{
			{Edge: changedEdge, PropertyChange: storage.PropertyChange{Key: "z", Previous: 4}},
		},
	}
}

func TestDispatchOrder(t *testing.T) {
	rec := &recorder{}
	registry := NewRegistry()
	require.NoError(t, registry.Add(rec))

	d := NewDispatcher(registry)
	require.NoError(t, d.Dispatch(fullChangeSet()))

	assert.Equal(t, []string{
		"node-created:new",
		"node-prop-assigned:changed:a",
		"node-prop-removed:changed:b",
		"node-deleted:dead",
		"rel-created:e-new",
		"rel-deleted:e-dead",
		"rel-prop-assigned:e-changed:w",
		"rel-prop-removed:e-changed:z",
	}, rec.events)
}

func TestDispatchSuppressions(t *testing.T) {
	t.Run("property_removal_on_dying_node_suppressed", func(t *testing.T) {
		dying := &storage.Node{ID: "dying", Properties: map[string]any{}}
		cs := &storage.ChangeSet{
			DeletedNodes: []*storage.Node{dying},
			RemovedNodeProperties: []storage.NodePropertyChange{
				{Node: dying, PropertyChange: storage.PropertyChange{Key: "k", Previous: 1}},
			},
		}

		rec := &recorder{}
		registry := NewRegistry()
		require.NoError(t, registry.Add(rec))
		require.NoError(t, NewDispatcher(registry).Dispatch(cs))

		assert.Equal(t, []string{"node-deleted:dying"}, rec.events)
	})

	t.Run("property_removal_on_dying_edge_suppressed", func(t *testing.T) {
		dying := &storage.Edge{ID: "dying", StartNode: "a", EndNode: "b", Type: "t"}
		cs := &storage.ChangeSet{
			DeletedEdges: []*storage.Edge{dying},
			RemovedEdgeProperties: []storage.EdgePropertyChange{
				{Edge: dying, PropertyChange: storage.PropertyChange{Key: "k", Previous: 1}},
			},
		}

		rec := &recorder{}
		registry := NewRegistry()
		require.NoError(t, registry.Add(rec))
		require.NoError(t, NewDispatcher(registry).Dispatch(cs))

		assert.Equal(t, []string{"rel-deleted:dying"}, rec.events)
	})
}

func TestDispatchFailFast(t *testing.T) {
	first := &recorder{failOn: "node-deleted:dead"}
	second := &recorder{}

	registry := NewRegistry()
	require.NoError(t, registry.Add(first))
	require.NoError(t, registry.Add(second))

	err := NewDispatcher(registry).Dispatch(fullChangeSet())
	require.Error(t, err)

	t.Run("later_events_never_fire", func(t *testing.T) {
		assert.NotContains(t, first.events, "rel-created:e-new")
	})

	t.Run("second_listener_not_reached_for_failing_event", func(t *testing.T) {
		assert.NotContains(t, second.events, "node-deleted:dead")
	})

	t.Run("second_listener_saw_earlier_events", func(t *testing.T) {
		assert.Contains(t, second.events, "node-created:new")
	})
}

// bufferingListener buffers like the rule evaluator does: it collects
// work per dispatch and applies it only on Flush.
type bufferingListener struct {
	recorder
	flushErr  error
	flushed   int
	discarded int
}

func (b *bufferingListener) Flush() error {
	b.flushed++
	return b.flushErr
}

func (b *bufferingListener) Discard() {
	b.discarded++
}

func TestDispatchFlushStage(t *testing.T) {
	t.Run("flush_runs_after_all_events", func(t *testing.T) {
		buf := &bufferingListener{}
		registry := NewRegistry()
		require.NoError(t, registry.Add(buf))

		require.NoError(t, NewDispatcher(registry).Dispatch(fullChangeSet()))

		assert.Equal(t, 1, buf.flushed)
		assert.Zero(t, buf.discarded)
		assert.Contains(t, buf.events, "rel-prop-removed:e-changed:z",
			"flush happens only after the final event was delivered")
	})

	t.Run("handler_error_discards_instead", func(t *testing.T) {
		buf := &bufferingListener{}
		vetoer := &recorder{failOn: "rel-created:e-new"}
		registry := NewRegistry()
		require.NoError(t, registry.Add(buf))
		require.NoError(t, registry.Add(vetoer))

		require.Error(t, NewDispatcher(registry).Dispatch(fullChangeSet()))

		assert.Zero(t, buf.flushed, "buffered work must not apply when the commit aborts")
		assert.Equal(t, 1, buf.discarded)
	})

	t.Run("flush_error_aborts_dispatch", func(t *testing.T) {
		boom := fmt.Errorf("flush failed")
		buf := &bufferingListener{flushErr: boom}
		registry := NewRegistry()
		require.NoError(t, registry.Add(buf))

		assert.ErrorIs(t, NewDispatcher(registry).Dispatch(fullChangeSet()), boom)
	})
}

func TestIdentityMap(t *testing.T) {
	a := &storage.Node{ID: "a"}
	b := &storage.Node{ID: "b"}
	m := NewIdentityMap([]*storage.Node{a, b})

	assert.Equal(t, 2, m.Len())
	assert.Same(t, a, m.Get("a"))
	assert.Same(t, b, m.Get("b"))
	assert.Nil(t, m.Get("outside-commit"))
}

func TestDeletedRelationships(t *testing.T) {
	d := NewDeletedRelationships([]*storage.Edge{
		{ID: "e1", StartNode: "x", EndNode: "n", Type: "items"},
		{ID: "e2", StartNode: "y", EndNode: "n", Type: "owns"},
		{ID: "e3", StartNode: "n", EndNode: "z", Type: "items"},
	})

	assert.Equal(t, []string{"items", "owns"}, d.TypesFor("n"))
	assert.Equal(t, []string{"items"}, d.TypesFor("z"))
	assert.True(t, d.Has("n", "owns"))
	assert.False(t, d.Has("n", "likes"))
	assert.False(t, d.Has("x", "items"), "keyed by end node, not start")
}
