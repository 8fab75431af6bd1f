// Package storage - ChangeSet describes everything a transaction changed.
//
// The ChangeSet is assembled once per commit from the transaction's buffered
// operation log and handed to the engine's commit hook. It is the raw
// material for domain-event dispatch: the event layer turns it into
// node/relationship created/deleted and property-changed events.
//
// A ChangeSet is scoped to a single commit. It must not be retained after
// the hook returns: deleted handles are detached copies and created handles
// alias the live store only until the next commit.
package storage

import "reflect"

// PropertyChange records one property assignment or removal.
//
// For an assignment, Previous holds the value before the write (nil if the
// property did not exist) and Value holds the new value. For a removal,
// Previous holds the last value and Value is nil.
type PropertyChange struct {
	Key      string
	Previous any
	Value    any
}

// NodePropertyChange is a PropertyChange tied to a node handle.
type NodePropertyChange struct {
	Node *Node
	PropertyChange
}

// EdgePropertyChange is a PropertyChange tied to an edge handle.
type EdgePropertyChange struct {
	Edge *Edge
	PropertyChange
}

// ChangeSet is the full set of mutations observed in one commit.
//
// Deleted nodes and edges are detached copies carrying their last-known
// state; the live store no longer holds them once the commit applies, so
// this is the only place their old properties survive.
type ChangeSet struct {
	CreatedNodes []*Node
	DeletedNodes []*Node
	CreatedEdges []*Edge
	DeletedEdges []*Edge

	AssignedNodeProperties []NodePropertyChange
	RemovedNodeProperties  []NodePropertyChange
	AssignedEdgeProperties []EdgePropertyChange
	RemovedEdgeProperties  []EdgePropertyChange
}

// Empty reports whether the commit changed nothing.
func (cs *ChangeSet) Empty() bool {
	return len(cs.CreatedNodes) == 0 && len(cs.DeletedNodes) == 0 &&
		len(cs.CreatedEdges) == 0 && len(cs.DeletedEdges) == 0 &&
		len(cs.AssignedNodeProperties) == 0 && len(cs.RemovedNodeProperties) == 0 &&
		len(cs.AssignedEdgeProperties) == 0 && len(cs.RemovedEdgeProperties) == 0
}

// DeletedNodeIDs returns the set of node IDs being deleted in this commit.
// Used to suppress property-removed events for nodes whose whole identity is
// vanishing.
func (cs *ChangeSet) DeletedNodeIDs() map[NodeID]struct{} {
	ids := make(map[NodeID]struct{}, len(cs.DeletedNodes))
	for _, n := range cs.DeletedNodes {
		ids[n.ID] = struct{}{}
	}
	return ids
}

// DeletedEdgeIDs returns the set of edge IDs being deleted in this commit.
func (cs *ChangeSet) DeletedEdgeIDs() map[EdgeID]struct{} {
	ids := make(map[EdgeID]struct{}, len(cs.DeletedEdges))
	for _, e := range cs.DeletedEdges {
		ids[e.ID] = struct{}{}
	}
	return ids
}

// diffProperties computes assignment and removal changes between two
// property maps. Assignments cover new keys and keys whose value changed;
// removals cover keys present in old but absent in new.
func diffProperties(old, new map[string]any) (assigned, removed []PropertyChange) {
	for k, v := range new {
		prev, had := old[k]
		if !had {
			assigned = append(assigned, PropertyChange{Key: k, Previous: nil, Value: v})
			continue
		}
		// Properties may hold non-comparable values (slices, maps).
		if !reflect.DeepEqual(prev, v) {
			assigned = append(assigned, PropertyChange{Key: k, Previous: prev, Value: v})
		}
	}
	for k, v := range old {
		if _, still := new[k]; !still {
			removed = append(removed, PropertyChange{Key: k, Previous: v})
		}
	}
	return assigned, removed
}
