// Package storage provides the graph storage engine interface and
// implementations for Vordr.
//
// The storage layer is a labeled property graph with typed identifiers,
// deep-copy semantics at the API boundary, and buffered transactions that
// report their change set to a commit hook before the commit is final.
//
// Design Principles:
//   - Testability through dependency injection
//   - Thread-safe implementations
//   - Property graph model (labeled property graph)
//   - Commit interception: every transaction reports a ChangeSet
//
// Example Usage:
//
//	// Create storage engine
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	// Create nodes
//	node := &storage.Node{
//		ID:     storage.NodeID("order-1"),
//		Labels: []string{"Order"},
//		Properties: map[string]any{
//			"total": 150,
//		},
//		CreatedAt: time.Now(),
//	}
//	engine.CreateNode(node)
//
//	// Create relationships
//	edge := &storage.Edge{
//		ID:        storage.EdgeID("items-1"),
//		StartNode: storage.NodeID("order-1"),
//		EndNode:   storage.NodeID("item-9"),
//		Type:      "items",
//		CreatedAt: time.Now(),
//	}
//	engine.CreateEdge(edge)
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
//
// Using a custom type provides:
//   - Type safety (can't accidentally use EdgeID where NodeID is expected)
//   - Clear API semantics
//
// IDs are stable for the lifetime of the node. The store may reuse an ID
// after deletion; callers must not retain IDs across a deletion boundary as
// if they denote the same logical entity.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges
// (relationships). Same stability and reuse caveats as NodeID.
type EdgeID string

// Node represents a graph node (vertex) in the labeled property graph.
//
// Fields:
//   - ID: Unique identifier (must be unique across all nodes)
//   - Labels: Type tags like ["Order", "RushOrder"]
//   - Properties: Key-value data (any JSON-serializable types)
//   - CreatedAt/UpdatedAt: Maintained by the engine
//
// Labels beginning with an underscore mark system nodes owned by Vordr
// itself (the rules root and per-class aggregator nodes). System nodes are
// skipped by the rule evaluator.
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. The storage engine handles concurrency
//	by deep-copying nodes across the API boundary.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Internal reports whether the node is a Vordr system node. System nodes
// carry at least one label starting with '_'.
func (n *Node) Internal() bool {
	for _, l := range n.Labels {
		if len(l) > 0 && l[0] == '_' {
			return true
		}
	}
	return false
}

// Edge represents a directed graph relationship between two nodes.
//
// Fields:
//   - ID: Unique identifier for the relationship
//   - StartNode: Source node ID (where the arrow starts)
//   - EndNode: Target node ID (where the arrow points)
//   - Type: Relationship type (e.g., "items", "OWNS")
//   - Properties: Key-value data about the relationship
//
// Direction is always preserved; "a KNOWS b" and "b KNOWS a" are distinct
// relationships.
//
// Thread Safety:
//
//	Edge structs are NOT thread-safe. The storage engine handles concurrency.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Engine defines the storage engine interface for graph database operations.
//
// All Engine implementations MUST be:
//   - Thread-safe: Safe for concurrent access from multiple goroutines
//   - Atomic within each operation
//   - Idempotent where appropriate: CreateNode fails if ID exists
//
// Implementations:
//   - MemoryEngine: In-memory storage with transaction and commit-hook support
//   - BadgerEngine: Persistent disk storage on BadgerDB
//   - PersistentEngine: MemoryEngine mirrored to a BadgerEngine
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	UpdateEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	GetEdgeBetween(startID, endID NodeID, edgeType string) *Edge
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Bulk operations (for import)
	BulkCreateNodes(nodes []*Node) error
	BulkCreateEdges(edges []*Edge) error

	// Lifecycle
	Close() error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)
}

// CommitHook observes a transaction's ChangeSet at commit time.
//
// The hook runs after the transaction's operations have been applied to the
// live store (so handles in the ChangeSet are readable and traversable) but
// before the commit is considered final. A non-nil error vetoes the commit:
// every applied operation is reverted and the error is returned from Commit.
// Commits are serialized, so no other commit can build on state the veto
// reverts. Hook writes must use BeginNested.
type CommitHook func(cs *ChangeSet) error

// TransactionalEngine is an Engine that supports buffered transactions and
// commit interception. The rule engine requires a TransactionalEngine as its
// live store.
type TransactionalEngine interface {
	Engine

	// Begin starts a new buffered transaction.
	Begin() *Transaction

	// BeginNested starts a transaction that joins the commit currently in
	// flight. For use by commit-hook listeners, whose writes must not wait
	// for the pipeline they are running inside.
	BeginNested() *Transaction

	// SetCommitHook installs the hook invoked for every transaction commit.
	// Passing nil removes the hook.
	SetCommitHook(hook CommitHook)
}

// copyNode creates a deep copy of a node.
func copyNode(node *Node) *Node {
	if node == nil {
		return nil
	}

	nodeCopy := &Node{
		ID:        node.ID,
		Labels:    make([]string, 0, len(node.Labels)),
		CreatedAt: node.CreatedAt,
		UpdatedAt: node.UpdatedAt,
	}
	nodeCopy.Labels = append(nodeCopy.Labels, node.Labels...)

	if node.Properties != nil {
		nodeCopy.Properties = make(map[string]any, len(node.Properties))
		for k, v := range node.Properties {
			nodeCopy.Properties[k] = v
		}
	}

	return nodeCopy
}

// copyEdge creates a deep copy of an edge.
func copyEdge(edge *Edge) *Edge {
	if edge == nil {
		return nil
	}

	edgeCopy := &Edge{
		ID:        edge.ID,
		StartNode: edge.StartNode,
		EndNode:   edge.EndNode,
		Type:      edge.Type,
		CreatedAt: edge.CreatedAt,
		UpdatedAt: edge.UpdatedAt,
	}

	if edge.Properties != nil {
		edgeCopy.Properties = make(map[string]any, len(edge.Properties))
		for k, v := range edge.Properties {
			edgeCopy.Properties[k] = v
		}
	}

	return edgeCopy
}
