// Package storage - persistent engine on BadgerDB.
//
// BadgerEngine implements the Engine interface with durable disk storage.
// It is the mirror target for PersistentEngine and the backing store for
// the vordr CLI's offline commands.
//
// Key Structure (single-byte prefixes for efficiency):
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	prefixNode          = byte(0x01)
	prefixEdge          = byte(0x02)
	prefixLabelIndex    = byte(0x03)
	prefixOutgoingIndex = byte(0x04)
	prefixIncomingIndex = byte(0x05)
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID per-operation transactions
//   - Persistent storage to disk (or in-memory mode for tests)
//   - Secondary indexes for labels and edge traversal
//   - Thread-safe concurrent access
//   - Automatic crash recovery
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// NewBadgerEngine creates a persistent storage engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates a persistent storage engine.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	var bOpts badger.Options
	if opts.InMemory {
		bOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("badger engine: %w: empty data dir", ErrInvalidData)
		}
		bOpts = badger.DefaultOptions(opts.DataDir)
	}
	bOpts = bOpts.WithSyncWrites(opts.SyncWrites).WithLogger(nil)

	db, err := badger.Open(bOpts)
	if err != nil {
		return nil, fmt.Errorf("badger engine: open: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// storedNode wraps Node for serialization including engine timestamps.
type storedNode struct {
	Node
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// storedEdge wraps Edge for serialization including engine timestamps.
type storedEdge struct {
	Edge
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, id...)
}

func indexKey(prefix byte, first, second string) []byte {
	key := make([]byte, 0, 2+len(first)+len(second))
	key = append(key, prefix)
	key = append(key, first...)
	key = append(key, 0x00)
	key = append(key, second...)
	return key
}

// indexSecond extracts the second component of an index key.
func indexSecond(key []byte, first string) string {
	return string(key[2+len(first):])
}

func encodeNode(node *Node) ([]byte, error) {
	return json.Marshal(storedNode{Node: *node, CreatedAt: node.CreatedAt, UpdatedAt: node.UpdatedAt})
}

func decodeNode(data []byte) (*Node, error) {
	var sn storedNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	node := sn.Node
	node.CreatedAt = sn.CreatedAt
	node.UpdatedAt = sn.UpdatedAt
	return &node, nil
}

func encodeEdge(edge *Edge) ([]byte, error) {
	return json.Marshal(storedEdge{Edge: *edge, CreatedAt: edge.CreatedAt, UpdatedAt: edge.UpdatedAt})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se storedEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("decode edge: %w", err)
	}
	edge := se.Edge
	edge.CreatedAt = se.CreatedAt
	edge.UpdatedAt = se.UpdatedAt
	return &edge, nil
}

func (b *BadgerEngine) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// CreateNode creates a new node.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		}
		return b.writeNode(txn, node, nil)
	})
}

// writeNode stores a node and maintains its label index entries.
// oldLabels holds the previous label set for updates, nil for creates.
func (b *BadgerEngine) writeNode(txn *badger.Txn, node *Node, oldLabels []string) error {
	data, err := encodeNode(node)
	if err != nil {
		return err
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}

	for _, label := range oldLabels {
		if err := txn.Delete(indexKey(prefixLabelIndex, normalizeLabel(label), string(node.ID))); err != nil {
			return err
		}
	}
	for _, label := range node.Labels {
		if err := txn.Set(indexKey(prefixLabelIndex, normalizeLabel(label), string(node.ID)), nil); err != nil {
			return err
		}
	}
	return nil
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			node, err = decodeNode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// UpdateNode updates an existing node.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(node.ID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var existing *Node
		if err := item.Value(func(val []byte) error {
			existing, err = decodeNode(val)
			return err
		}); err != nil {
			return err
		}

		updated := copyNode(node)
		updated.UpdatedAt = time.Now()
		return b.writeNode(txn, updated, existing.Labels)
	})
}

// DeleteNode removes a node and all its incident edges.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var node *Node
		if err := item.Value(func(val []byte) error {
			node, err = decodeNode(val)
			return err
		}); err != nil {
			return err
		}

		// Cascade: delete incident edges through both direction indexes.
		for _, prefix := range []byte{prefixOutgoingIndex, prefixIncomingIndex} {
			edgeIDs, err := scanIndex(txn, prefix, string(id))
			if err != nil {
				return err
			}
			for _, edgeID := range edgeIDs {
				if err := b.deleteEdgeTxn(txn, EdgeID(edgeID)); err != nil && err != ErrNotFound {
					return err
				}
			}
		}

		for _, label := range node.Labels {
			if err := txn.Delete(indexKey(prefixLabelIndex, normalizeLabel(label), string(id))); err != nil {
				return err
			}
		}
		return txn.Delete(nodeKey(id))
	})
}

// CreateEdge creates a new edge. Both endpoints must exist.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(edge.ID)); err == nil {
			return ErrAlreadyExists
		}
		if _, err := txn.Get(nodeKey(edge.StartNode)); err != nil {
			return ErrInvalidEdge
		}
		if _, err := txn.Get(nodeKey(edge.EndNode)); err != nil {
			return ErrInvalidEdge
		}

		data, err := encodeEdge(edge)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixOutgoingIndex, string(edge.StartNode), string(edge.ID)), nil); err != nil {
			return err
		}
		return txn.Set(indexKey(prefixIncomingIndex, string(edge.EndNode), string(edge.ID)), nil)
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			edge, err = decodeEdge(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// UpdateEdge updates an existing edge's type and properties.
// Endpoints are immutable.
func (b *BadgerEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(edge.ID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var existing *Edge
		if err := item.Value(func(val []byte) error {
			existing, err = decodeEdge(val)
			return err
		}); err != nil {
			return err
		}

		updated := copyEdge(edge)
		updated.StartNode = existing.StartNode
		updated.EndNode = existing.EndNode
		updated.UpdatedAt = time.Now()

		data, err := encodeEdge(updated)
		if err != nil {
			return err
		}
		return txn.Set(edgeKey(edge.ID), data)
	})
}

// DeleteEdge removes an edge.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.deleteEdgeTxn(txn, id)
	})
}

func (b *BadgerEngine) deleteEdgeTxn(txn *badger.Txn, id EdgeID) error {
	item, err := txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var edge *Edge
	if err := item.Value(func(val []byte) error {
		edge, err = decodeEdge(val)
		return err
	}); err != nil {
		return err
	}

	if err := txn.Delete(indexKey(prefixOutgoingIndex, string(edge.StartNode), string(id))); err != nil {
		return err
	}
	if err := txn.Delete(indexKey(prefixIncomingIndex, string(edge.EndNode), string(id))); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// scanIndex returns the second component of every index entry under
// prefix+first.
func scanIndex(txn *badger.Txn, prefix byte, first string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	keyPrefix := make([]byte, 0, 2+len(first))
	keyPrefix = append(keyPrefix, prefix)
	keyPrefix = append(keyPrefix, first...)
	keyPrefix = append(keyPrefix, 0x00)

	var result []string
	for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
		result = append(result, indexSecond(it.Item().KeyCopy(nil), first))
	}
	return result, nil
}

// GetNodesByLabel returns all nodes carrying the given label.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		ids, err := scanIndex(txn, prefixLabelIndex, normalizeLabel(label))
		if err != nil {
			return err
		}
		for _, id := range ids {
			item, err := txn.Get(nodeKey(NodeID(id)))
			if err != nil {
				continue
			}
			if err := item.Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				nodes = append(nodes, node)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (b *BadgerEngine) edgesByIndex(prefix byte, nodeID NodeID) ([]*Edge, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		ids, err := scanIndex(txn, prefix, string(nodeID))
		if err != nil {
			return err
		}
		for _, id := range ids {
			item, err := txn.Get(edgeKey(EdgeID(id)))
			if err != nil {
				continue
			}
			if err := item.Value(func(val []byte) error {
				edge, err := decodeEdge(val)
				if err != nil {
					return err
				}
				edges = append(edges, edge)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// GetOutgoingEdges returns all edges starting at the given node.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.edgesByIndex(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns all edges ending at the given node.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.edgesByIndex(prefixIncomingIndex, nodeID)
}

// GetEdgeBetween returns the first edge of the given type from startID to
// endID, or nil if none exists.
func (b *BadgerEngine) GetEdgeBetween(startID, endID NodeID, edgeType string) *Edge {
	edges, err := b.GetOutgoingEdges(startID)
	if err != nil {
		return nil
	}
	for _, edge := range edges {
		if edge.EndNode == endID && edge.Type == edgeType {
			return edge
		}
	}
	return nil
}

// AllNodes returns every node in the store.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixNode}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				nodes = append(nodes, node)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// AllEdges returns every edge in the store.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixEdge}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				edge, err := decodeEdge(val)
				if err != nil {
					return err
				}
				edges = append(edges, edge)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// BulkCreateNodes creates many nodes, skipping duplicates.
func (b *BadgerEngine) BulkCreateNodes(nodes []*Node) error {
	for _, node := range nodes {
		if err := b.CreateNode(node); err != nil && err != ErrAlreadyExists {
			return err
		}
	}
	return nil
}

// BulkCreateEdges creates many edges, skipping duplicates and edges with
// missing endpoints.
func (b *BadgerEngine) BulkCreateEdges(edges []*Edge) error {
	for _, edge := range edges {
		err := b.CreateEdge(edge)
		if err != nil && err != ErrAlreadyExists && err != ErrInvalidEdge {
			return err
		}
	}
	return nil
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// NodeCount returns the number of nodes in the store.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the number of edges in the store.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

// Close closes the underlying BadgerDB.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
