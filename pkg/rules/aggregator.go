// Package rules - aggregator node lifecycle.
package rules

import (
	"errors"
	"fmt"

	"github.com/orneryd/vordr/pkg/storage"
)

// RootNodeID is the fixed anchor every aggregator hangs off. The root and
// all aggregator nodes carry underscore labels, marking them as system
// nodes the evaluator ignores.
const RootNodeID = storage.NodeID("_vordr-root")

// Internal labels for system nodes.
const (
	rootLabel       = "_VordrRoot"
	aggregatorLabel = "_Aggregator"
)

// aggregatorID returns the deterministic node ID for a class's aggregator.
// Deterministic IDs make creation idempotent: at most one aggregator per
// class can ever exist.
func aggregatorID(class string) storage.NodeID {
	return storage.NodeID("_agg-" + class)
}

// aggregatorEdgeID returns the ID of the root -> aggregator edge. Its type
// is the class name, so aggregators are discoverable by traversing the
// root's outgoing edges.
func aggregatorEdgeID(class string) storage.EdgeID {
	return storage.EdgeID("_agg-edge-" + class)
}

// Anchors manages the rules root and the per-class aggregator nodes in a
// live store.
//
// Aggregators are created eagerly at declaration time when the store is
// running, and recreated transparently before evaluation whenever one has
// gone missing. All writes go through fresh transactions (or the caller's
// already-open evaluation transaction), never the transaction whose commit
// is being intercepted.
type Anchors struct {
	engine storage.TransactionalEngine
}

// NewAnchors creates an aggregator manager for the given live store.
func NewAnchors(engine storage.TransactionalEngine) *Anchors {
	return &Anchors{engine: engine}
}

// available reports whether the store can serve aggregator upkeep.
func (a *Anchors) available() bool {
	if a == nil || a.engine == nil {
		return false
	}
	_, err := a.engine.NodeCount()
	return err == nil
}

// AggregatorNode returns the aggregator node for a class, or nil if none
// exists yet. A missing aggregator is not an error; it is recreated lazily
// before the next evaluation.
func (a *Anchors) AggregatorNode(class string) (*storage.Node, error) {
	node, err := a.engine.GetNode(aggregatorID(class))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if errors.Is(err, storage.ErrStorageClosed) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// EnsureAggregator creates the aggregator node for a class in a fresh
// transaction if it does not exist. Idempotent.
func (a *Anchors) EnsureAggregator(class string) error {
	if !a.available() {
		return ErrStoreUnavailable
	}

	tx := a.engine.Begin()
	if _, err := a.EnsureAggregatorTx(tx, class); err != nil {
		tx.Rollback()
		return err
	}
	if tx.OperationCount() == 0 {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rules: ensure aggregator %s: %w", class, err)
	}
	return nil
}

// EnsureAggregatorTx creates the root and the class's aggregator inside
// the caller's transaction as needed, returning the aggregator's node ID.
func (a *Anchors) EnsureAggregatorTx(tx *storage.Transaction, class string) (storage.NodeID, error) {
	if _, err := tx.GetNode(RootNodeID); errors.Is(err, storage.ErrNotFound) {
		if err := tx.CreateNode(&storage.Node{
			ID:     RootNodeID,
			Labels: []string{rootLabel},
		}); err != nil {
			return "", fmt.Errorf("rules: create root: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("rules: root lookup: %w", err)
	}

	aggID := aggregatorID(class)
	if _, err := tx.GetNode(aggID); err == nil {
		return aggID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("rules: aggregator lookup %s: %w", class, err)
	}

	if err := tx.CreateNode(&storage.Node{
		ID:         aggID,
		Labels:     []string{aggregatorLabel},
		Properties: map[string]any{"class": class},
	}); err != nil {
		return "", fmt.Errorf("rules: create aggregator %s: %w", class, err)
	}
	if err := tx.CreateEdge(&storage.Edge{
		ID:        aggregatorEdgeID(class),
		StartNode: RootNodeID,
		EndNode:   aggID,
		Type:      class,
	}); err != nil {
		return "", fmt.Errorf("rules: link aggregator %s: %w", class, err)
	}
	return aggID, nil
}

// RemoveAggregator deletes the class's aggregator node, detaching the root
// edge and every materialized rule edge with it. Missing aggregators are
// ignored.
func (a *Anchors) RemoveAggregator(class string) error {
	if !a.available() {
		return ErrStoreUnavailable
	}

	tx := a.engine.Begin()
	err := tx.DeleteNode(aggregatorID(class))
	if errors.Is(err, storage.ErrNotFound) {
		return tx.Rollback()
	}
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
