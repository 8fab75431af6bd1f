// Package storage - Transaction support for atomic operations.
//
// This file implements transaction semantics for Vordr storage operations.
//
// # Transaction Semantics
//
// Transactions provide:
//   - Atomicity: All operations commit together or none do
//   - Isolation: Changes are invisible until commit
//   - Interception: The commit's ChangeSet is reported to the engine's
//     commit hook, which may veto the commit
//
// # Implementation Strategy
//
//  1. BEGIN: Create transaction, record starting state
//  2. Operations: Buffer all writes, track old values for rollback
//  3. COMMIT: Apply buffered operations, then run the commit hook with the
//     assembled ChangeSet. A hook error reverts every applied operation and
//     fails the commit.
//  4. ROLLBACK: Discard the buffer
//
// The hook runs with the operations applied so that created entities are
// readable and traversable through the engine, while deleted entities are
// reported through detached copies in the ChangeSet. Writes made by hook
// listeners must go through a nested transaction (BeginNested), never this
// one: by the time the hook runs, this transaction's change set is already
// finalized and being reported, and a regular commit would wait forever on
// the commit-scope lock this pipeline holds.
package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Transaction errors
var (
	ErrTransactionClosed = fmt.Errorf("transaction already closed")
	ErrCommitVetoed      = fmt.Errorf("commit vetoed by hook")
)

// TransactionStatus represents the current state of a transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// OperationType represents the type of operation in a transaction.
type OperationType string

const (
	OpCreateNode OperationType = "create_node"
	OpUpdateNode OperationType = "update_node"
	OpDeleteNode OperationType = "delete_node"
	OpCreateEdge OperationType = "create_edge"
	OpUpdateEdge OperationType = "update_edge"
	OpDeleteEdge OperationType = "delete_edge"
)

// Operation represents a single operation within a transaction.
type Operation struct {
	Type      OperationType
	Timestamp time.Time

	// For node operations
	NodeID  NodeID
	Node    *Node // New state (for create/update) or nil
	OldNode *Node // Old state (for update/delete rollback)

	// For edge operations
	EdgeID  EdgeID
	Edge    *Edge // New state (for create/update) or nil
	OldEdge *Edge // Old state (for update/delete rollback)
}

var txCounter atomic.Uint64

// generateTxID generates a unique transaction ID.
func generateTxID() string {
	return fmt.Sprintf("tx-%s-%d", time.Now().Format("20060102150405"), txCounter.Add(1))
}

// Transaction represents an atomic unit of work against a MemoryEngine.
//
// All operations within a transaction are buffered and only applied to the
// underlying storage on commit. If rollback is called, all buffered
// operations are discarded.
//
// Example:
//
//	tx := engine.Begin()
//
//	tx.CreateNode(&storage.Node{
//		ID: "order-1", Labels: []string{"Order"},
//		Properties: map[string]any{"total": 150},
//	})
//	tx.CreateNode(&storage.Node{
//		ID: "item-1", Labels: []string{"Item"},
//	})
//	tx.CreateEdge(&storage.Edge{
//		ID: "items-1", StartNode: "order-1", EndNode: "item-1", Type: "items",
//	})
//
//	// All-or-nothing; the commit hook sees one ChangeSet for all three.
//	if err := tx.Commit(); err != nil {
//		log.Fatal("commit failed:", err)
//	}
type Transaction struct {
	mu sync.Mutex

	// Transaction identity
	ID        string
	StartTime time.Time
	Status    TransactionStatus

	// Buffered operations (applied on commit)
	operations []Operation

	// Reference to storage engine
	engine *MemoryEngine

	// Pending node/edge states for read-your-writes
	pendingNodes map[NodeID]*Node
	pendingEdges map[EdgeID]*Edge
	deletedNodes map[NodeID]struct{}
	deletedEdges map[EdgeID]struct{}

	// nested transactions join the commit pipeline already in flight
	// instead of waiting for it. See MemoryEngine.BeginNested.
	nested bool
}

// NewTransaction creates a new transaction bound to a storage engine.
// Prefer engine.Begin().
func NewTransaction(engine *MemoryEngine) *Transaction {
	return &Transaction{
		ID:           generateTxID(),
		StartTime:    time.Now(),
		Status:       TxStatusActive,
		engine:       engine,
		operations:   make([]Operation, 0),
		pendingNodes: make(map[NodeID]*Node),
		pendingEdges: make(map[EdgeID]*Edge),
		deletedNodes: make(map[NodeID]struct{}),
		deletedEdges: make(map[EdgeID]struct{}),
	}
}

// IsActive returns true if the transaction is still active.
func (tx *Transaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.Status == TxStatusActive
}

// CreateNode buffers a node creation operation.
func (tx *Transaction) CreateNode(node *Node) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	if _, exists := tx.pendingNodes[node.ID]; exists {
		return ErrAlreadyExists
	}
	if _, deleted := tx.deletedNodes[node.ID]; !deleted {
		tx.engine.mu.RLock()
		_, exists := tx.engine.nodes[node.ID]
		tx.engine.mu.RUnlock()
		if exists {
			return ErrAlreadyExists
		}
	}

	nodeCopy := copyNode(node)
	tx.pendingNodes[node.ID] = nodeCopy
	delete(tx.deletedNodes, node.ID)

	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateNode,
		Timestamp: time.Now(),
		NodeID:    node.ID,
		Node:      nodeCopy,
	})

	return nil
}

// UpdateNode buffers a node update operation.
func (tx *Transaction) UpdateNode(node *Node) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if node == nil {
		return ErrInvalidData
	}

	// Old state for rollback and property diffing
	var oldNode *Node
	if pending, exists := tx.pendingNodes[node.ID]; exists {
		oldNode = copyNode(pending)
	} else {
		tx.engine.mu.RLock()
		existing, exists := tx.engine.nodes[node.ID]
		tx.engine.mu.RUnlock()
		if !exists {
			return ErrNotFound
		}
		oldNode = copyNode(existing)
	}

	nodeCopy := copyNode(node)
	tx.pendingNodes[node.ID] = nodeCopy

	tx.operations = append(tx.operations, Operation{
		Type:      OpUpdateNode,
		Timestamp: time.Now(),
		NodeID:    node.ID,
		Node:      nodeCopy,
		OldNode:   oldNode,
	})

	return nil
}

// DeleteNode buffers a node deletion. Incident edges are buffered as edge
// deletions first, so the commit hook sees them as deleted relationships
// with their last-known state.
func (tx *Transaction) DeleteNode(nodeID NodeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	var oldNode *Node
	if pending, exists := tx.pendingNodes[nodeID]; exists {
		oldNode = copyNode(pending)
		delete(tx.pendingNodes, nodeID)
	} else {
		tx.engine.mu.RLock()
		existing, exists := tx.engine.nodes[nodeID]
		tx.engine.mu.RUnlock()
		if !exists {
			return ErrNotFound
		}
		oldNode = copyNode(existing)
	}

	// Detach incident edges: committed ones first, then pending ones.
	tx.engine.mu.RLock()
	incident := make([]*Edge, 0)
	for edgeID := range tx.engine.outgoingEdges[nodeID] {
		if edge := tx.engine.edges[edgeID]; edge != nil {
			incident = append(incident, copyEdge(edge))
		}
	}
	for edgeID := range tx.engine.incomingEdges[nodeID] {
		if edge := tx.engine.edges[edgeID]; edge != nil {
			incident = append(incident, copyEdge(edge))
		}
	}
	tx.engine.mu.RUnlock()

	for id, pending := range tx.pendingEdges {
		if pending.StartNode == nodeID || pending.EndNode == nodeID {
			incident = append(incident, copyEdge(pending))
			delete(tx.pendingEdges, id)
		}
	}

	for _, edge := range incident {
		if _, alreadyDeleted := tx.deletedEdges[edge.ID]; alreadyDeleted {
			continue
		}
		tx.deletedEdges[edge.ID] = struct{}{}
		tx.operations = append(tx.operations, Operation{
			Type:      OpDeleteEdge,
			Timestamp: time.Now(),
			EdgeID:    edge.ID,
			OldEdge:   edge,
		})
	}

	tx.deletedNodes[nodeID] = struct{}{}

	tx.operations = append(tx.operations, Operation{
		Type:      OpDeleteNode,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		OldNode:   oldNode,
	})

	return nil
}

// CreateEdge buffers an edge creation operation.
func (tx *Transaction) CreateEdge(edge *Edge) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	if _, exists := tx.pendingEdges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, deleted := tx.deletedEdges[edge.ID]; !deleted {
		tx.engine.mu.RLock()
		_, exists := tx.engine.edges[edge.ID]
		tx.engine.mu.RUnlock()
		if exists {
			return ErrAlreadyExists
		}
	}

	if !tx.nodeExists(edge.StartNode) {
		return ErrInvalidEdge
	}
	if !tx.nodeExists(edge.EndNode) {
		return ErrInvalidEdge
	}

	edgeCopy := copyEdge(edge)
	tx.pendingEdges[edge.ID] = edgeCopy
	delete(tx.deletedEdges, edge.ID)

	tx.operations = append(tx.operations, Operation{
		Type:      OpCreateEdge,
		Timestamp: time.Now(),
		EdgeID:    edge.ID,
		Edge:      edgeCopy,
	})

	return nil
}

// UpdateEdge buffers an edge update operation.
func (tx *Transaction) UpdateEdge(edge *Edge) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	if edge == nil {
		return ErrInvalidData
	}

	var oldEdge *Edge
	if pending, exists := tx.pendingEdges[edge.ID]; exists {
		oldEdge = copyEdge(pending)
	} else {
		tx.engine.mu.RLock()
		existing, exists := tx.engine.edges[edge.ID]
		tx.engine.mu.RUnlock()
		if !exists {
			return ErrNotFound
		}
		oldEdge = copyEdge(existing)
	}

	edgeCopy := copyEdge(edge)
	tx.pendingEdges[edge.ID] = edgeCopy

	tx.operations = append(tx.operations, Operation{
		Type:      OpUpdateEdge,
		Timestamp: time.Now(),
		EdgeID:    edge.ID,
		Edge:      edgeCopy,
		OldEdge:   oldEdge,
	})

	return nil
}

// DeleteEdge buffers an edge deletion operation.
func (tx *Transaction) DeleteEdge(edgeID EdgeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	var oldEdge *Edge
	if pending, exists := tx.pendingEdges[edgeID]; exists {
		oldEdge = copyEdge(pending)
		delete(tx.pendingEdges, edgeID)
	} else {
		tx.engine.mu.RLock()
		existing, exists := tx.engine.edges[edgeID]
		tx.engine.mu.RUnlock()
		if !exists {
			return ErrNotFound
		}
		oldEdge = copyEdge(existing)
	}

	tx.deletedEdges[edgeID] = struct{}{}

	tx.operations = append(tx.operations, Operation{
		Type:      OpDeleteEdge,
		Timestamp: time.Now(),
		EdgeID:    edgeID,
		OldEdge:   oldEdge,
	})

	return nil
}

// nodeExists checks if a node exists in pending or storage.
// Must be called with tx.mu held.
func (tx *Transaction) nodeExists(nodeID NodeID) bool {
	if _, deleted := tx.deletedNodes[nodeID]; deleted {
		return false
	}
	if _, exists := tx.pendingNodes[nodeID]; exists {
		return true
	}

	tx.engine.mu.RLock()
	_, exists := tx.engine.nodes[nodeID]
	tx.engine.mu.RUnlock()

	return exists
}

// GetNode retrieves a node, checking pending changes first
// (read-your-writes).
func (tx *Transaction) GetNode(nodeID NodeID) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	if _, deleted := tx.deletedNodes[nodeID]; deleted {
		return nil, ErrNotFound
	}
	if pending, exists := tx.pendingNodes[nodeID]; exists {
		return copyNode(pending), nil
	}

	tx.engine.mu.RLock()
	node, exists := tx.engine.nodes[nodeID]
	tx.engine.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// GetEdge retrieves an edge, checking pending changes first.
func (tx *Transaction) GetEdge(edgeID EdgeID) (*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	if _, deleted := tx.deletedEdges[edgeID]; deleted {
		return nil, ErrNotFound
	}
	if pending, exists := tx.pendingEdges[edgeID]; exists {
		return copyEdge(pending), nil
	}

	tx.engine.mu.RLock()
	edge, exists := tx.engine.edges[edgeID]
	tx.engine.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// Commit applies all buffered operations to the storage engine, then runs
// the engine's commit hook with the assembled ChangeSet.
//
// The whole pipeline (validate, apply, hook, revert or afterCommit) runs
// inside the engine's commit-scope lock, so commits are linearized: no
// commit can observe, or build on, state that another commit's veto later
// reverts. Nested transactions opened by hook listeners (BeginNested) run
// inside the holder's pipeline instead of waiting for the lock.
//
// If the hook returns an error the applied operations are reverted, the
// transaction is marked rolled back, and the error is returned wrapped in
// ErrCommitVetoed semantics. This is the fail-fast path: a failing listener
// aborts the commit; no retries happen at this layer.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	if !tx.nested {
		tx.engine.commitMu.Lock()
		defer tx.engine.commitMu.Unlock()
	}

	// Apply all operations under the engine lock.
	tx.engine.mu.Lock()

	if tx.engine.closed {
		tx.engine.mu.Unlock()
		return ErrStorageClosed
	}

	if err := tx.validateUnlocked(); err != nil {
		tx.engine.mu.Unlock()
		return err
	}

	for _, op := range tx.operations {
		tx.applyUnlocked(op)
	}
	tx.engine.mu.Unlock()

	cs := tx.buildChangeSet()

	// Run the commit hook outside the engine lock so listeners can read the
	// store and open nested transactions.
	if hook := tx.engine.commitHook(); hook != nil && !cs.Empty() {
		if err := hook(cs); err != nil {
			tx.engine.mu.Lock()
			for i := len(tx.operations) - 1; i >= 0; i-- {
				tx.revertUnlocked(tx.operations[i])
			}
			if !tx.nested {
				tx.engine.deferredAfter = nil
			}
			tx.engine.mu.Unlock()
			tx.Status = TxStatusRolledBack
			return fmt.Errorf("%w (transaction %s): %w", ErrCommitVetoed, tx.ID, err)
		}
	}

	if !cs.Empty() && tx.engine.afterCommit != nil {
		if tx.nested {
			// The enclosing commit mirrors this change set after its own,
			// so referenced entities reach durable storage first.
			tx.engine.mu.Lock()
			tx.engine.deferredAfter = append(tx.engine.deferredAfter, cs)
			tx.engine.mu.Unlock()
		} else {
			tx.engine.afterCommit(cs)
		}
	}

	if !tx.nested {
		tx.engine.mu.Lock()
		deferred := tx.engine.deferredAfter
		tx.engine.deferredAfter = nil
		tx.engine.mu.Unlock()
		for _, dcs := range deferred {
			if tx.engine.afterCommit != nil {
				tx.engine.afterCommit(dcs)
			}
		}
	}

	tx.Status = TxStatusCommitted
	return nil
}

// validateUnlocked checks create constraints against the engine's current
// state by walking the operation log in order, tracking the effect of
// earlier buffered operations. A delete followed by a create of the same
// ID is a valid sequence. Caller must hold engine.mu.
func (tx *Transaction) validateUnlocked() error {
	createdNodes := make(map[NodeID]struct{})
	removedNodes := make(map[NodeID]struct{})
	createdEdges := make(map[EdgeID]struct{})
	removedEdges := make(map[EdgeID]struct{})

	nodePresent := func(id NodeID) bool {
		if _, gone := removedNodes[id]; gone {
			return false
		}
		if _, fresh := createdNodes[id]; fresh {
			return true
		}
		_, exists := tx.engine.nodes[id]
		return exists
	}
	edgePresent := func(id EdgeID) bool {
		if _, gone := removedEdges[id]; gone {
			return false
		}
		if _, fresh := createdEdges[id]; fresh {
			return true
		}
		_, exists := tx.engine.edges[id]
		return exists
	}

	for _, op := range tx.operations {
		switch op.Type {
		case OpCreateNode:
			if nodePresent(op.NodeID) {
				return ErrAlreadyExists
			}
			createdNodes[op.NodeID] = struct{}{}
			delete(removedNodes, op.NodeID)
		case OpDeleteNode:
			removedNodes[op.NodeID] = struct{}{}
			delete(createdNodes, op.NodeID)
		case OpCreateEdge:
			if edgePresent(op.EdgeID) {
				return ErrAlreadyExists
			}
			// Endpoints may have vanished since the operation was
			// buffered; a commit must not materialize a dangling edge.
			if !nodePresent(op.Edge.StartNode) || !nodePresent(op.Edge.EndNode) {
				return ErrInvalidEdge
			}
			createdEdges[op.EdgeID] = struct{}{}
			delete(removedEdges, op.EdgeID)
		case OpDeleteEdge:
			removedEdges[op.EdgeID] = struct{}{}
			delete(createdEdges, op.EdgeID)
		}
	}
	return nil
}

// applyUnlocked applies one operation. Caller must hold engine.mu.
func (tx *Transaction) applyUnlocked(op Operation) {
	switch op.Type {
	case OpCreateNode:
		tx.engine.createNodeUnlocked(op.Node)
	case OpUpdateNode:
		tx.engine.updateNodeUnlocked(op.Node)
	case OpDeleteNode:
		tx.engine.deleteNodeUnlocked(op.NodeID)
	case OpCreateEdge:
		tx.engine.createEdgeUnlocked(op.Edge)
	case OpUpdateEdge:
		tx.engine.updateEdgeUnlocked(op.Edge)
	case OpDeleteEdge:
		tx.engine.deleteEdgeUnlocked(op.EdgeID)
	}
}

// revertUnlocked undoes one operation. Caller must hold engine.mu.
// Operations are reverted in reverse order, so edge deletions buffered by
// DeleteNode are restored after their node reappears.
func (tx *Transaction) revertUnlocked(op Operation) {
	switch op.Type {
	case OpCreateNode:
		tx.engine.deleteNodeUnlocked(op.NodeID)
	case OpUpdateNode:
		if op.OldNode != nil {
			tx.engine.updateNodeUnlocked(op.OldNode)
		}
	case OpDeleteNode:
		if op.OldNode != nil {
			tx.engine.createNodeUnlocked(op.OldNode)
		}
	case OpCreateEdge:
		tx.engine.deleteEdgeUnlocked(op.EdgeID)
	case OpUpdateEdge:
		if op.OldEdge != nil {
			tx.engine.updateEdgeUnlocked(op.OldEdge)
		}
	case OpDeleteEdge:
		if op.OldEdge != nil {
			tx.engine.createEdgeUnlocked(op.OldEdge)
		}
	}
}

// buildChangeSet assembles the ChangeSet from the operation log.
// Must be called with tx.mu held.
//
// Create-then-update coalesces into a single created entry with the final
// state. Create-then-delete cancels out entirely: the entity never existed
// outside this transaction, so no events fire for it.
func (tx *Transaction) buildChangeSet() *ChangeSet {
	cs := &ChangeSet{}

	createdNodes := make(map[NodeID]*Node)
	createdEdges := make(map[EdgeID]*Edge)

	for _, op := range tx.operations {
		switch op.Type {
		case OpCreateNode:
			createdNodes[op.NodeID] = op.Node

		case OpUpdateNode:
			if _, fresh := createdNodes[op.NodeID]; fresh {
				// Still a creation from the outside; report final state.
				createdNodes[op.NodeID] = op.Node
				continue
			}
			assigned, removed := diffProperties(op.OldNode.Properties, op.Node.Properties)
			for _, pc := range assigned {
				cs.AssignedNodeProperties = append(cs.AssignedNodeProperties,
					NodePropertyChange{Node: op.Node, PropertyChange: pc})
			}
			for _, pc := range removed {
				cs.RemovedNodeProperties = append(cs.RemovedNodeProperties,
					NodePropertyChange{Node: op.Node, PropertyChange: pc})
			}

		case OpDeleteNode:
			if _, fresh := createdNodes[op.NodeID]; fresh {
				delete(createdNodes, op.NodeID)
				continue
			}
			cs.DeletedNodes = append(cs.DeletedNodes, op.OldNode)

		case OpCreateEdge:
			createdEdges[op.EdgeID] = op.Edge

		case OpUpdateEdge:
			if _, fresh := createdEdges[op.EdgeID]; fresh {
				createdEdges[op.EdgeID] = op.Edge
				continue
			}
			assigned, removed := diffProperties(op.OldEdge.Properties, op.Edge.Properties)
			for _, pc := range assigned {
				cs.AssignedEdgeProperties = append(cs.AssignedEdgeProperties,
					EdgePropertyChange{Edge: op.Edge, PropertyChange: pc})
			}
			for _, pc := range removed {
				cs.RemovedEdgeProperties = append(cs.RemovedEdgeProperties,
					EdgePropertyChange{Edge: op.Edge, PropertyChange: pc})
			}

		case OpDeleteEdge:
			if _, fresh := createdEdges[op.EdgeID]; fresh {
				delete(createdEdges, op.EdgeID)
				continue
			}
			cs.DeletedEdges = append(cs.DeletedEdges, op.OldEdge)
		}
	}

	for _, op := range tx.operations {
		if op.Type == OpCreateNode {
			if node, ok := createdNodes[op.NodeID]; ok {
				cs.CreatedNodes = append(cs.CreatedNodes, node)
				delete(createdNodes, op.NodeID)
			}
		}
		if op.Type == OpCreateEdge {
			if edge, ok := createdEdges[op.EdgeID]; ok {
				cs.CreatedEdges = append(cs.CreatedEdges, edge)
				delete(createdEdges, op.EdgeID)
			}
		}
	}

	return cs
}

// Rollback discards all buffered operations.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	tx.operations = nil
	tx.pendingNodes = nil
	tx.pendingEdges = nil
	tx.deletedNodes = nil
	tx.deletedEdges = nil

	tx.Status = TxStatusRolledBack
	return nil
}

// OperationCount returns the number of buffered operations.
func (tx *Transaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}
