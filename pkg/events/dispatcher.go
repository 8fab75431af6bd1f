// Package events - commit-time dispatcher.
package events

import (
	"github.com/orneryd/vordr/pkg/storage"
)

// IdentityMap deduplicates node materialization within one commit.
//
// It maps every node ID created in the current commit to its handle, so a
// listener touching the same created node through several change records
// resolves one shared handle instead of materializing copies. Lookups for
// IDs outside the commit's creation set return nil; callers must not rely
// on it beyond created nodes.
//
// Lifetime: one commit. Must not be retained after dispatch returns.
type IdentityMap struct {
	nodes map[storage.NodeID]*storage.Node
}

// NewIdentityMap builds the identity map from a commit's created nodes.
func NewIdentityMap(created []*storage.Node) *IdentityMap {
	m := &IdentityMap{nodes: make(map[storage.NodeID]*storage.Node, len(created))}
	for _, node := range created {
		m.nodes[node.ID] = node
	}
	return m
}

// Get returns the handle for a node created in this commit, or nil.
func (m *IdentityMap) Get(id storage.NodeID) *storage.Node {
	return m.nodes[id]
}

// Len returns the number of created nodes in the commit.
func (m *IdentityMap) Len() int {
	return len(m.nodes)
}

// DeletedRelationships is the per-commit shadow index of deleted
// relationships, keyed by end-node ID.
//
// It is built before any deletion-derived event fires, because once the
// commit is reported deleted relationships are no longer traversable: the
// shadow is the only way a listener can still ask "what relationship types
// pointed at this node?". Read-only after construction.
type DeletedRelationships struct {
	byEndNode map[storage.NodeID][]string
}

// NewDeletedRelationships builds the shadow index from a commit's deleted
// edges.
func NewDeletedRelationships(deleted []*storage.Edge) *DeletedRelationships {
	d := &DeletedRelationships{byEndNode: make(map[storage.NodeID][]string)}
	for _, edge := range deleted {
		d.byEndNode[edge.EndNode] = append(d.byEndNode[edge.EndNode], edge.Type)
	}
	return d
}

// TypesFor returns the relationship types deleted in this commit whose end
// node was the given node, in change-set order.
func (d *DeletedRelationships) TypesFor(id storage.NodeID) []string {
	return d.byEndNode[id]
}

// Has reports whether a deleted relationship of the given type ended at
// the given node.
func (d *DeletedRelationships) Has(id storage.NodeID, relType string) bool {
	for _, t := range d.byEndNode[id] {
		if t == relType {
			return true
		}
	}
	return false
}

// Dispatcher walks a commit's ChangeSet and emits ordered domain events to
// a listener Registry. Install Dispatch as the engine's commit hook:
//
//	registry := events.NewRegistry()
//	dispatcher := events.NewDispatcher(registry)
//	engine.SetCommitHook(dispatcher.Dispatch)
//
// Dispatch runs exactly once per commit. Listener errors are not caught
// here: the first error propagates immediately, which aborts the commit.
// The store's own rollback is the recovery path; no retries happen at this
// layer.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher multicasting to the given registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch converts one ChangeSet into domain events.
//
// Event order is fixed:
//  1. node-created (one per created node)
//  2. node-property-assigned
//  3. node-property-removed (skipping nodes that are also being deleted)
//  4. node-deleted
//  5. relationship-created
//  6. relationship-deleted
//  7. relationship-property-assigned
//  8. relationship-property-removed (skipping relationships being deleted)
//
// The identity map and the deleted-relationship shadow index are built
// first, before any event fires.
//
// Listeners that buffer writes (FlushHandler) are flushed only after the
// whole event sequence was delivered without error, so a veto by any
// listener discards their buffered work along with the commit.
func (d *Dispatcher) Dispatch(cs *storage.ChangeSet) error {
	created := NewIdentityMap(cs.CreatedNodes)
	deleted := NewDeletedRelationships(cs.DeletedEdges)

	listeners := d.registry.snapshot()

	if err := d.emit(cs, listeners, created, deleted); err != nil {
		discardAll(listeners)
		return err
	}

	for i, l := range listeners {
		if f, ok := l.(FlushHandler); ok {
			if err := f.Flush(); err != nil {
				discardAll(listeners[i+1:])
				return err
			}
		}
	}
	return nil
}

// discardAll drops the buffered work of every flushing listener.
func discardAll(listeners []any) {
	for _, l := range listeners {
		if f, ok := l.(FlushHandler); ok {
			f.Discard()
		}
	}
}

// emit delivers the change set's events in the fixed order.
func (d *Dispatcher) emit(cs *storage.ChangeSet, listeners []any, created *IdentityMap, deleted *DeletedRelationships) error {
	deletedNodeIDs := cs.DeletedNodeIDs()
	deletedEdgeIDs := cs.DeletedEdgeIDs()

	for _, node := range cs.CreatedNodes {
		for _, l := range listeners {
			if h, ok := l.(NodeCreatedHandler); ok {
				if err := h.OnNodeCreated(node, created); err != nil {
					return err
				}
			}
		}
	}

	for _, pc := range cs.AssignedNodeProperties {
		for _, l := range listeners {
			if h, ok := l.(NodePropertyAssignedHandler); ok {
				if err := h.OnNodePropertyAssigned(pc.Node, pc.Key, pc.Previous, pc.Value); err != nil {
					return err
				}
			}
		}
	}

	for _, pc := range cs.RemovedNodeProperties {
		if _, dying := deletedNodeIDs[pc.Node.ID]; dying {
			// The whole node identity is vanishing; its deletion event
			// carries the old properties.
			continue
		}
		for _, l := range listeners {
			if h, ok := l.(NodePropertyRemovedHandler); ok {
				if err := h.OnNodePropertyRemoved(pc.Node, pc.Key, pc.Previous); err != nil {
					return err
				}
			}
		}
	}

	for _, node := range cs.DeletedNodes {
		for _, l := range listeners {
			if h, ok := l.(NodeDeletedHandler); ok {
				if err := h.OnNodeDeleted(node, created, deleted); err != nil {
					return err
				}
			}
		}
	}

	for _, edge := range cs.CreatedEdges {
		for _, l := range listeners {
			if h, ok := l.(RelationshipCreatedHandler); ok {
				if err := h.OnRelationshipCreated(edge, created); err != nil {
					return err
				}
			}
		}
	}

	for _, edge := range cs.DeletedEdges {
		for _, l := range listeners {
			if h, ok := l.(RelationshipDeletedHandler); ok {
				if err := h.OnRelationshipDeleted(edge, created, deleted); err != nil {
					return err
				}
			}
		}
	}

	for _, pc := range cs.AssignedEdgeProperties {
		for _, l := range listeners {
			if h, ok := l.(RelationshipPropertyAssignedHandler); ok {
				if err := h.OnRelationshipPropertyAssigned(pc.Edge, pc.Key, pc.Previous, pc.Value); err != nil {
					return err
				}
			}
		}
	}

	for _, pc := range cs.RemovedEdgeProperties {
		if _, dying := deletedEdgeIDs[pc.Edge.ID]; dying {
			continue
		}
		for _, l := range listeners {
			if h, ok := l.(RelationshipPropertyRemovedHandler); ok {
				if err := h.OnRelationshipPropertyRemoved(pc.Edge, pc.Key, pc.Previous); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
