package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vordr/pkg/storage"
)

// nodeOnly implements a single handler interface.
type nodeOnly struct{ seen int }

func (n *nodeOnly) OnNodeCreated(_ *storage.Node, _ *IdentityMap) error {
	n.seen++
	return nil
}

type handlerless struct{}

func TestRegistryAdd(t *testing.T) {
	registry := NewRegistry()

	t.Run("accepts_partial_listener", func(t *testing.T) {
		require.NoError(t, registry.Add(&nodeOnly{}))
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("rejects_listener_without_handlers", func(t *testing.T) {
		err := registry.Add(&handlerless{})
		assert.ErrorIs(t, err, ErrNoHandlers)
	})

	t.Run("rejects_nil", func(t *testing.T) {
		assert.ErrorIs(t, registry.Add(nil), ErrNoHandlers)
	})

	t.Run("same_instance_registered_once", func(t *testing.T) {
		l := &nodeOnly{}
		require.NoError(t, registry.Add(l))
		require.NoError(t, registry.Add(l))
		assert.Equal(t, 2, registry.Len())
	})
}

func TestRegistryRemove(t *testing.T) {
	registry := NewRegistry()
	a := &nodeOnly{}
	b := &nodeOnly{}
	require.NoError(t, registry.Add(a))
	require.NoError(t, registry.Add(b))

	registry.Remove(a)
	assert.Equal(t, 1, registry.Len())

	// Unknown instances are ignored.
	registry.Remove(a)
	assert.Equal(t, 1, registry.Len())
}

func TestPartialListenerOnlySeesItsEvents(t *testing.T) {
	l := &nodeOnly{}
	registry := NewRegistry()
	require.NoError(t, registry.Add(l))

	cs := &storage.ChangeSet{
		CreatedNodes: []*storage.Node{{ID: "n"}},
		CreatedEdges: []*storage.Edge{{ID: "e", StartNode: "n", EndNode: "n", Type: "self"}},
		DeletedNodes: []*storage.Node{{ID: "gone"}},
	}
	require.NoError(t, NewDispatcher(registry).Dispatch(cs))

	assert.Equal(t, 1, l.seen, "only the node-created event should reach it")
}
