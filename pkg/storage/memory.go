// Package storage - in-memory engine.
package storage

import (
	"strings"
	"sync"
	"time"
)

// normalizeLabel converts a label to lowercase for case-insensitive matching.
func normalizeLabel(label string) string {
	return strings.ToLower(label)
}

// MemoryEngine is a thread-safe in-memory graph storage implementation.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - The live, transactional store behind the rule engine
//   - Small datasets that fit entirely in RAM
//
// Features:
//   - Thread-safe: All operations use RWMutex for concurrent access
//   - Indexed: Maintains indexes for labels and edges for fast lookups
//   - Deep copies: Returns copies to prevent external mutation
//   - Transactions: Begin returns a buffered transaction whose commit is
//     reported to the registered CommitHook
//
// Performance Characteristics:
//   - Node lookup by ID: O(1)
//   - Node lookup by label: O(k) where k = nodes with that label
//   - Edge lookup: O(1)
//   - Outgoing/incoming edges: O(degree)
//
// Deleting a node also deletes its incident edges. A deleted node can
// therefore never remain the target of a materialized rule edge.
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	// Commit interception
	hookMu sync.RWMutex
	hook   CommitHook

	// commitMu serializes the whole commit pipeline: apply, hook, revert
	// or afterCommit. No commit can begin while another is mid-pipeline,
	// so no commit ever builds on state a veto later reverts. Nested
	// transactions (BeginNested) run inside the holder's pipeline and do
	// not acquire it.
	commitMu sync.Mutex

	// afterCommit runs once a commit has fully succeeded (hook included).
	// Used by PersistentEngine to mirror changes to durable storage.
	afterCommit func(cs *ChangeSet)

	// deferredAfter collects the change sets of nested commits. They are
	// handed to afterCommit only when the enclosing commit settles, after
	// its own change set, so the mirror sees entities before the rule
	// edges that reference them.
	deferredAfter []*ChangeSet

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine with empty indexes.
//
// Returns a *MemoryEngine ready for immediate concurrent use. All data lives
// in RAM and is lost when the process exits; wrap it in a PersistentEngine
// for durability.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{
//		ID:     "order-1",
//		Labels: []string{"Order"},
//		Properties: map[string]any{"total": 150},
//	})
//
//	orders, _ := engine.GetNodesByLabel("Order")
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// SetCommitHook installs the commit hook invoked for every transaction
// commit on this engine. The hook sees the full ChangeSet after the
// operations have been applied; returning an error reverts them.
//
// Only one hook is supported; the event dispatcher multiplexes to multiple
// listeners above this layer.
func (m *MemoryEngine) SetCommitHook(hook CommitHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hook = hook
}

func (m *MemoryEngine) commitHook() CommitHook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.hook
}

// Begin starts a new buffered transaction bound to this engine.
func (m *MemoryEngine) Begin() *Transaction {
	return NewTransaction(m)
}

// BeginNested starts a transaction that joins the commit currently in
// flight. The commit hook runs inside the committing transaction's
// critical section; a hook listener that needs to write must use a nested
// transaction, whose commit does not re-acquire that section and whose
// durable mirroring is deferred until the enclosing commit settles.
// Committing a regular transaction from inside a hook deadlocks.
func (m *MemoryEngine) BeginNested() *Transaction {
	tx := NewTransaction(m)
	tx.nested = true
	return tx
}

// CreateNode creates a new node in the storage.
//
// The node is deep-copied to prevent external mutations after storage.
// The ID must be unique - duplicate IDs return ErrAlreadyExists.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.createNodeUnlocked(node)
	return nil
}

// createNodeUnlocked stores a node. Caller must hold m.mu.
func (m *MemoryEngine) createNodeUnlocked(node *Node) {
	stored := copyNode(node)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.nodes[node.ID] = stored

	for _, label := range node.Labels {
		normalLabel := normalizeLabel(label)
		if m.nodesByLabel[normalLabel] == nil {
			m.nodesByLabel[normalLabel] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[normalLabel][node.ID] = struct{}{}
	}
}

// GetNode retrieves a node by its unique ID.
//
// Returns a deep copy of the node to prevent external mutations.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}

	return copyNode(node), nil
}

// UpdateNode updates an existing node.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[node.ID]; !exists {
		return ErrNotFound
	}

	m.updateNodeUnlocked(node)
	return nil
}

// updateNodeUnlocked replaces a stored node. Caller must hold m.mu.
func (m *MemoryEngine) updateNodeUnlocked(node *Node) {
	existing, exists := m.nodes[node.ID]
	if exists {
		for _, label := range existing.Labels {
			normalLabel := normalizeLabel(label)
			if m.nodesByLabel[normalLabel] != nil {
				delete(m.nodesByLabel[normalLabel], node.ID)
			}
		}
	}

	stored := copyNode(node)
	stored.UpdatedAt = time.Now()
	m.nodes[node.ID] = stored

	for _, label := range node.Labels {
		normalLabel := normalizeLabel(label)
		if m.nodesByLabel[normalLabel] == nil {
			m.nodesByLabel[normalLabel] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[normalLabel][node.ID] = struct{}{}
	}
}

// DeleteNode removes a node and all its incident edges.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[id]; !exists {
		return ErrNotFound
	}

	m.deleteNodeUnlocked(id)
	return nil
}

// deleteNodeUnlocked removes a node and its incident edges. Caller must
// hold m.mu.
func (m *MemoryEngine) deleteNodeUnlocked(id NodeID) {
	node, exists := m.nodes[id]
	if !exists {
		return
	}

	// Detach incident edges first
	for edgeID := range m.outgoingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	for edgeID := range m.incomingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)

	for _, label := range node.Labels {
		normalLabel := normalizeLabel(label)
		if m.nodesByLabel[normalLabel] != nil {
			delete(m.nodesByLabel[normalLabel], id)
		}
	}

	delete(m.nodes, id)
}

// CreateEdge creates a new directed edge between two existing nodes.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := m.nodes[edge.StartNode]; !exists {
		return ErrInvalidEdge
	}
	if _, exists := m.nodes[edge.EndNode]; !exists {
		return ErrInvalidEdge
	}

	m.createEdgeUnlocked(edge)
	return nil
}

// createEdgeUnlocked stores an edge. Caller must hold m.mu.
func (m *MemoryEngine) createEdgeUnlocked(edge *Edge) {
	stored := copyEdge(edge)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.edges[edge.ID] = stored

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
}

// GetEdge retrieves an edge by its unique ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}

	return copyEdge(edge), nil
}

// UpdateEdge updates an existing edge's type and properties.
func (m *MemoryEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.edges[edge.ID]; !exists {
		return ErrNotFound
	}

	m.updateEdgeUnlocked(edge)
	return nil
}

// updateEdgeUnlocked replaces a stored edge. Caller must hold m.mu.
// Endpoints are immutable; only type and properties change.
func (m *MemoryEngine) updateEdgeUnlocked(edge *Edge) {
	existing, exists := m.edges[edge.ID]
	if !exists {
		return
	}

	stored := copyEdge(edge)
	stored.StartNode = existing.StartNode
	stored.EndNode = existing.EndNode
	stored.UpdatedAt = time.Now()
	m.edges[edge.ID] = stored
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}

	m.deleteEdgeUnlocked(id)
	return nil
}

// deleteEdgeUnlocked removes an edge from storage and indexes. Caller must
// hold m.mu.
func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}

	if m.outgoingEdges[edge.StartNode] != nil {
		delete(m.outgoingEdges[edge.StartNode], id)
	}
	if m.incomingEdges[edge.EndNode] != nil {
		delete(m.incomingEdges[edge.EndNode], id)
	}

	delete(m.edges, id)
}

// GetNodesByLabel returns all nodes carrying the given label.
// Label matching is case-insensitive.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[normalizeLabel(label)]
	result := make([]*Node, 0, len(ids))
	for id := range ids {
		if node, exists := m.nodes[id]; exists {
			result = append(result, copyNode(node))
		}
	}
	return result, nil
}

// GetOutgoingEdges returns all edges starting at the given node.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.outgoingEdges[nodeID]
	result := make([]*Edge, 0, len(ids))
	for id := range ids {
		if edge, exists := m.edges[id]; exists {
			result = append(result, copyEdge(edge))
		}
	}
	return result, nil
}

// GetIncomingEdges returns all edges ending at the given node.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.incomingEdges[nodeID]
	result := make([]*Edge, 0, len(ids))
	for id := range ids {
		if edge, exists := m.edges[id]; exists {
			result = append(result, copyEdge(edge))
		}
	}
	return result, nil
}

// GetEdgeBetween returns the first edge of the given type from startID to
// endID, or nil if none exists.
func (m *MemoryEngine) GetEdgeBetween(startID, endID NodeID, edgeType string) *Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil
	}

	for id := range m.outgoingEdges[startID] {
		edge := m.edges[id]
		if edge != nil && edge.EndNode == endID && edge.Type == edgeType {
			return copyEdge(edge)
		}
	}
	return nil
}

// AllNodes returns a copy of every node in the store.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	result := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		result = append(result, copyNode(node))
	}
	return result, nil
}

// AllEdges returns a copy of every edge in the store.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	result := make([]*Edge, 0, len(m.edges))
	for _, edge := range m.edges {
		result = append(result, copyEdge(edge))
	}
	return result, nil
}

// BulkCreateNodes creates many nodes, skipping duplicates.
// Used by import paths; does not fire the commit hook.
func (m *MemoryEngine) BulkCreateNodes(nodes []*Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	for _, node := range nodes {
		if node == nil || node.ID == "" {
			return ErrInvalidData
		}
		if _, exists := m.nodes[node.ID]; exists {
			continue
		}
		m.createNodeUnlocked(node)
	}
	return nil
}

// BulkCreateEdges creates many edges, skipping duplicates and edges whose
// endpoints are missing. Does not fire the commit hook.
func (m *MemoryEngine) BulkCreateEdges(edges []*Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	for _, edge := range edges {
		if edge == nil || edge.ID == "" {
			return ErrInvalidData
		}
		if _, exists := m.edges[edge.ID]; exists {
			continue
		}
		if _, exists := m.nodes[edge.StartNode]; !exists {
			continue
		}
		if _, exists := m.nodes[edge.EndNode]; !exists {
			continue
		}
		m.createEdgeUnlocked(edge)
	}
	return nil
}

// NodeCount returns the number of nodes in the store.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges in the store.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close marks the engine closed. Subsequent operations return
// ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Closed reports whether the engine has been closed.
func (m *MemoryEngine) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
