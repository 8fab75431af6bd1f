// Package storage - PersistentEngine pairs the live MemoryEngine with a
// BadgerEngine mirror.
//
// The memory engine is the live store: it serves all reads, owns the
// transaction and commit-hook machinery, and is what the rule engine
// evaluates against. Every successfully committed ChangeSet is then
// mirrored to BadgerDB, and the whole graph is reloaded from BadgerDB on
// open.
//
// Mirroring is write-through after commit: if a mirror write fails the
// live commit stands and the failure is logged. Durability is best-effort
// by design at this layer; the live store remains the source of truth for
// the running process.
package storage

import (
	"fmt"
	"log"
)

// PersistentEngine is a MemoryEngine backed by a BadgerEngine mirror.
//
// Example:
//
//	engine, err := storage.NewPersistentEngine("./data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	tx := engine.Begin()
//	tx.CreateNode(&storage.Node{ID: "n1", Labels: []string{"Thing"}})
//	tx.Commit() // applied live, then mirrored to disk
type PersistentEngine struct {
	*MemoryEngine
	mirror *BadgerEngine
}

// NewPersistentEngine opens (or creates) a BadgerDB at dataDir, loads its
// contents into a fresh MemoryEngine, and wires commit mirroring.
func NewPersistentEngine(dataDir string) (*PersistentEngine, error) {
	mirror, err := NewBadgerEngine(dataDir)
	if err != nil {
		return nil, fmt.Errorf("persistent engine: %w", err)
	}
	return newPersistentEngine(mirror)
}

// NewPersistentEngineWithOptions opens a BadgerDB with explicit options.
func NewPersistentEngineWithOptions(opts BadgerOptions) (*PersistentEngine, error) {
	mirror, err := NewBadgerEngineWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("persistent engine: %w", err)
	}
	return newPersistentEngine(mirror)
}

func newPersistentEngine(mirror *BadgerEngine) (*PersistentEngine, error) {
	live := NewMemoryEngine()

	nodes, err := mirror.AllNodes()
	if err != nil {
		mirror.Close()
		return nil, fmt.Errorf("persistent engine: load nodes: %w", err)
	}
	edges, err := mirror.AllEdges()
	if err != nil {
		mirror.Close()
		return nil, fmt.Errorf("persistent engine: load edges: %w", err)
	}
	if err := live.BulkCreateNodes(nodes); err != nil {
		mirror.Close()
		return nil, fmt.Errorf("persistent engine: restore nodes: %w", err)
	}
	if err := live.BulkCreateEdges(edges); err != nil {
		mirror.Close()
		return nil, fmt.Errorf("persistent engine: restore edges: %w", err)
	}

	pe := &PersistentEngine{MemoryEngine: live, mirror: mirror}
	live.afterCommit = pe.mirrorChangeSet
	return pe, nil
}

// mirrorChangeSet replays a committed ChangeSet against the badger mirror.
// Mirror failures are logged, never propagated: the live commit has already
// succeeded and its events have been dispatched.
func (pe *PersistentEngine) mirrorChangeSet(cs *ChangeSet) {
	for _, node := range cs.CreatedNodes {
		if err := pe.mirror.CreateNode(node); err != nil && err != ErrAlreadyExists {
			log.Printf("[persistent] mirror create node %s: %v", node.ID, err)
		}
	}
	for _, edge := range cs.CreatedEdges {
		if err := pe.mirror.CreateEdge(edge); err != nil && err != ErrAlreadyExists {
			log.Printf("[persistent] mirror create edge %s: %v", edge.ID, err)
		}
	}

	// Property changes: fetch final state from the live store once per
	// entity rather than replaying each individual change.
	touchedNodes := make(map[NodeID]struct{})
	for _, pc := range cs.AssignedNodeProperties {
		touchedNodes[pc.Node.ID] = struct{}{}
	}
	for _, pc := range cs.RemovedNodeProperties {
		touchedNodes[pc.Node.ID] = struct{}{}
	}
	for id := range touchedNodes {
		node, err := pe.MemoryEngine.GetNode(id)
		if err != nil {
			continue
		}
		if err := pe.mirror.UpdateNode(node); err != nil {
			log.Printf("[persistent] mirror update node %s: %v", id, err)
		}
	}

	touchedEdges := make(map[EdgeID]struct{})
	for _, pc := range cs.AssignedEdgeProperties {
		touchedEdges[pc.Edge.ID] = struct{}{}
	}
	for _, pc := range cs.RemovedEdgeProperties {
		touchedEdges[pc.Edge.ID] = struct{}{}
	}
	for id := range touchedEdges {
		edge, err := pe.MemoryEngine.GetEdge(id)
		if err != nil {
			continue
		}
		if err := pe.mirror.UpdateEdge(edge); err != nil {
			log.Printf("[persistent] mirror update edge %s: %v", id, err)
		}
	}

	for _, edge := range cs.DeletedEdges {
		if err := pe.mirror.DeleteEdge(edge.ID); err != nil && err != ErrNotFound {
			log.Printf("[persistent] mirror delete edge %s: %v", edge.ID, err)
		}
	}
	for _, node := range cs.DeletedNodes {
		if err := pe.mirror.DeleteNode(node.ID); err != nil && err != ErrNotFound {
			log.Printf("[persistent] mirror delete node %s: %v", node.ID, err)
		}
	}
}

// Close closes the live store and the badger mirror.
func (pe *PersistentEngine) Close() error {
	liveErr := pe.MemoryEngine.Close()
	mirrorErr := pe.mirror.Close()
	if liveErr != nil {
		return liveErr
	}
	return mirrorErr
}
