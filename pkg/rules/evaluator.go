// Package rules - reactive predicate evaluation.
package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/orneryd/vordr/pkg/events"
	"github.com/orneryd/vordr/pkg/storage"
)

// Evaluator keeps materialized rule edges consistent with live data.
//
// It is an event listener: register it on the events.Registry that the
// store's commit hook dispatches to. On every property change or
// relationship change touching a rule-bearing node it re-evaluates the
// node's rules across its whole class chain, creates or deletes the
// corresponding aggregator edges, and cascades evaluation to neighbors
// connected through declared trigger relationship types.
//
// All evaluator writes are buffered in a single nested transaction per
// dispatch, never the transaction whose commit triggered the events: that
// transaction's change set is already finalized and being reported. The
// buffered transaction commits only when the dispatcher flushes it, after
// every listener accepted every event; a veto anywhere in the dispatch
// discards it, so an aborted commit never leaves a stale materialized
// view. The flush commit fires the dispatcher again, but every entity the
// evaluator writes is a system node or a rule edge, which the evaluator
// itself ignores, so the loop terminates after one hop.
//
// Cascade depth is bounded by a per-dispatch visited set: each node is
// re-evaluated at most once per triggering commit, against the commit's
// final state, which keeps mutually recursive trigger declarations from
// looping.
type Evaluator struct {
	engine  storage.TransactionalEngine
	rules   *Registry
	anchors *Anchors

	// Dispatch-scoped buffer. pending is opened lazily by the first event
	// that needs a write and closed by Flush or Discard.
	mu      sync.Mutex
	pending *storage.Transaction
	visited map[storage.NodeID]struct{}
}

// NewEvaluator creates an evaluator over the given live store and rule
// table. The evaluator's aggregator manager is attached to the registry so
// rule declaration can create aggregators eagerly.
func NewEvaluator(engine storage.TransactionalEngine, registry *Registry) *Evaluator {
	anchors := NewAnchors(engine)
	registry.AttachAnchors(anchors)
	return &Evaluator{
		engine:  engine,
		rules:   registry,
		anchors: anchors,
	}
}

// Anchors returns the evaluator's aggregator manager.
func (ev *Evaluator) Anchors() *Anchors { return ev.anchors }

// Compile-time capability checks.
var (
	_ events.NodeCreatedHandler          = (*Evaluator)(nil)
	_ events.NodePropertyAssignedHandler = (*Evaluator)(nil)
	_ events.NodePropertyRemovedHandler  = (*Evaluator)(nil)
	_ events.RelationshipCreatedHandler  = (*Evaluator)(nil)
	_ events.RelationshipDeletedHandler  = (*Evaluator)(nil)
	_ events.NodeDeletedHandler          = (*Evaluator)(nil)
	_ events.FlushHandler                = (*Evaluator)(nil)
)

// begin returns the dispatch-scoped transaction and visited set, opening
// them on first use.
func (ev *Evaluator) begin() (*storage.Transaction, map[storage.NodeID]struct{}) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.pending == nil {
		ev.pending = ev.engine.BeginNested()
		ev.visited = make(map[storage.NodeID]struct{})
	}
	return ev.pending, ev.visited
}

// take detaches the dispatch-scoped transaction, if any.
func (ev *Evaluator) take() *storage.Transaction {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	tx := ev.pending
	ev.pending = nil
	ev.visited = nil
	return tx
}

// Flush commits the buffered rule-edge transaction. The dispatcher calls
// it once every event in the triggering commit was delivered without
// error; a commit failure here vetoes the triggering commit.
func (ev *Evaluator) Flush() error {
	tx := ev.take()
	if tx == nil {
		return nil
	}
	if tx.OperationCount() == 0 {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		if tx.IsActive() {
			tx.Rollback()
		}
		return fmt.Errorf("rules: materialize: %w", err)
	}
	return nil
}

// Discard drops the buffered rule-edge transaction after another listener
// aborted the commit. The store reverts the triggering commit; the
// materialized view must revert with it.
func (ev *Evaluator) Discard() {
	if tx := ev.take(); tx != nil {
		tx.Rollback()
	}
}

// OnNodeCreated evaluates a freshly created node: its initial properties
// may already satisfy rules, and creation reports them as part of this
// event rather than as individual assignments.
func (ev *Evaluator) OnNodeCreated(node *storage.Node, created *events.IdentityMap) error {
	if node == nil || node.Internal() {
		return nil
	}
	tx, visited := ev.begin()
	return ev.evaluateNode(tx, node, visited)
}

// OnNodePropertyAssigned re-evaluates the changed node.
func (ev *Evaluator) OnNodePropertyAssigned(node *storage.Node, key string, previous, value any) error {
	if node == nil || node.Internal() {
		return nil
	}
	tx, visited := ev.begin()
	return ev.evaluateNode(tx, node, visited)
}

// OnNodePropertyRemoved re-evaluates the changed node.
func (ev *Evaluator) OnNodePropertyRemoved(node *storage.Node, key string, previous any) error {
	if node == nil || node.Internal() {
		return nil
	}
	tx, visited := ev.begin()
	return ev.evaluateNode(tx, node, visited)
}

// OnNodeDeleted removes any materialized edge still targeting the deleted
// node. Engines that delete incident edges together with the node leave
// nothing to do here; the sweep covers backends where that cascade is not
// part of the deletion contract. A deleted node must never remain the
// target of a rule edge.
func (ev *Evaluator) OnNodeDeleted(node *storage.Node, created *events.IdentityMap, deleted *events.DeletedRelationships) error {
	if node == nil || node.Internal() {
		return nil
	}

	var stale []storage.EdgeID
	swept := make(map[string]struct{})

	for _, class := range ev.rules.Classes() {
		for _, rule := range ev.rules.rulesOf(class) {
			key := rule.OwnerClass + "\x00" + rule.Name
			if _, done := swept[key]; done {
				continue
			}
			swept[key] = struct{}{}

			agg, err := ev.anchors.AggregatorNode(rule.OwnerClass)
			if err != nil {
				return err
			}
			if agg == nil {
				continue
			}
			outgoing, err := ev.engine.GetOutgoingEdges(agg.ID)
			if err != nil {
				return fmt.Errorf("rules: sweep %s: %w", rule.OwnerClass, err)
			}
			for _, edge := range outgoing {
				if edge.Type == rule.Name && edge.EndNode == node.ID {
					stale = append(stale, edge.ID)
				}
			}
		}
	}

	if len(stale) == 0 {
		return nil
	}

	tx, _ := ev.begin()
	for _, id := range stale {
		if err := tx.DeleteEdge(id); err != nil {
			return fmt.Errorf("rules: sweep edge %s: %w", id, err)
		}
	}
	return nil
}

// OnRelationshipCreated re-evaluates both endpoints and cascades along the
// new relationship's type.
func (ev *Evaluator) OnRelationshipCreated(rel *storage.Edge, created *events.IdentityMap) error {
	if ev.systemEdge(rel, created) {
		return nil
	}
	return ev.react(rel, created)
}

// OnRelationshipDeleted re-evaluates the surviving endpoints: a node whose
// predicate depended on the deleted relationship may no longer satisfy it.
func (ev *Evaluator) OnRelationshipDeleted(rel *storage.Edge, created *events.IdentityMap, deleted *events.DeletedRelationships) error {
	if ev.systemEdge(rel, created) {
		return nil
	}
	return ev.react(rel, created)
}

// react runs one evaluation pass for a relationship change: both endpoints
// directly, plus every node reachable from an endpoint through incoming
// edges of the relationship's type when some rule declares that type as a
// trigger. The second part is what lets a change ripple to nodes whose
// predicates reference relationship structure: connecting an Item to an
// Order re-evaluates every Order with an incoming "items" path to that
// Item, even though Item itself declares no rules.
func (ev *Evaluator) react(rel *storage.Edge, created *events.IdentityMap) error {
	tx, visited := ev.begin()

	triggered := ev.rules.triggeredBy(rel.Type)

	for _, id := range []storage.NodeID{rel.StartNode, rel.EndNode} {
		node := ev.resolve(id, created)
		if node == nil {
			continue
		}
		if err := ev.evaluateNode(tx, node, visited); err != nil {
			return err
		}
		if len(triggered) > 0 {
			if err := ev.cascadeFrom(tx, node, rel.Type, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reevaluate runs full predicate re-evaluation for one node in a fresh
// transaction, committed immediately. Exposed for the restart/backfill
// path, where every node is evaluated once after rules are declared; must
// not be called from inside a dispatch.
func (ev *Evaluator) Reevaluate(node *storage.Node) error {
	tx := ev.engine.Begin()
	visited := make(map[storage.NodeID]struct{})

	if err := ev.evaluateNode(tx, node, visited); err != nil {
		tx.Rollback()
		return err
	}
	if tx.OperationCount() == 0 {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rules: materialize: %w", err)
	}
	return nil
}

// resolve returns a node handle by ID, preferring the commit's identity
// map so nodes created in the triggering commit are not re-materialized.
func (ev *Evaluator) resolve(id storage.NodeID, created *events.IdentityMap) *storage.Node {
	if created != nil {
		if node := created.Get(id); node != nil {
			return node
		}
	}
	node, err := ev.engine.GetNode(id)
	if err != nil {
		return nil
	}
	return node
}

// systemEdge reports whether the relationship belongs to the rule
// machinery itself (root links and materialized rule edges). Those never
// trigger evaluation; this is also what terminates the commit-evaluate
// cycle.
func (ev *Evaluator) systemEdge(rel *storage.Edge, created *events.IdentityMap) bool {
	return ev.systemNode(rel.StartNode, created) || ev.systemNode(rel.EndNode, created)
}

func (ev *Evaluator) systemNode(id storage.NodeID, created *events.IdentityMap) bool {
	if node := ev.resolve(id, created); node != nil {
		return node.Internal()
	}
	// Handle already gone; fall back to the system ID convention.
	return strings.HasPrefix(string(id), "_")
}

// evaluateNode re-evaluates every rule of every class in the node's label
// set and their ancestor chains, then cascades per declared trigger types.
// Each node runs at most once per dispatch (visited set).
func (ev *Evaluator) evaluateNode(tx *storage.Transaction, node *storage.Node, visited map[storage.NodeID]struct{}) error {
	if node == nil || node.Internal() {
		return nil
	}
	if _, done := visited[node.ID]; done {
		return nil
	}
	visited[node.ID] = struct{}{}

	// A rule can be reachable through several labels or both through an
	// inherited copy and the ancestor walk; evaluate it once.
	evaluated := make(map[string]struct{})

	for _, label := range node.Labels {
		if err := ev.evaluateClassChain(tx, label, node, evaluated, visited); err != nil {
			return err
		}
	}
	return nil
}

// evaluateClassChain walks class and its ancestors, applying each class's
// rules to the node and cascading afterwards. A class with no rules and no
// recorded parent is the base case.
func (ev *Evaluator) evaluateClassChain(tx *storage.Transaction, class string, node *storage.Node, evaluated map[string]struct{}, visited map[storage.NodeID]struct{}) error {
	walked := make(map[string]struct{})

	for class != "" {
		if _, seen := walked[class]; seen {
			// Defensive: a miswired hierarchy cycle must not spin.
			return nil
		}
		walked[class] = struct{}{}

		classRules := ev.rules.rulesOf(class)

		for _, rule := range classRules {
			key := rule.OwnerClass + "\x00" + rule.Name
			if _, done := evaluated[key]; done {
				continue
			}
			evaluated[key] = struct{}{}

			if err := ev.applyRule(tx, rule, node); err != nil {
				return err
			}
		}

		// Cascade: a change here may flip predicates of nodes pointing at
		// this one through declared trigger relationship types.
		for _, rule := range classRules {
			for _, trigger := range rule.TriggerTypes {
				if err := ev.cascadeFrom(tx, node, trigger, visited); err != nil {
					return err
				}
			}
		}

		class = ev.rules.Parent(class)
	}
	return nil
}

// applyRule evaluates one rule's predicate against the node and converges
// the materialized edge: present iff the predicate holds.
func (ev *Evaluator) applyRule(tx *storage.Transaction, rule *Rule, node *storage.Node) error {
	satisfied, err := rule.Evaluate(node)
	if err != nil {
		return fmt.Errorf("rules: predicate %s.%s on %s: %w", rule.OwnerClass, rule.Name, node.ID, err)
	}

	aggID, err := ev.anchors.EnsureAggregatorTx(tx, rule.OwnerClass)
	if err != nil {
		return err
	}

	existing, err := ev.materializedEdge(aggID, rule.Name, node.ID)
	if err != nil {
		return err
	}

	switch {
	case satisfied && existing == nil:
		return tx.CreateEdge(&storage.Edge{
			ID:        storage.EdgeID("rule-" + uuid.NewString()),
			StartNode: aggID,
			EndNode:   node.ID,
			Type:      rule.Name,
		})
	case !satisfied && existing != nil:
		return tx.DeleteEdge(existing.ID)
	default:
		// Result unchanged since last evaluation; nothing to converge.
		return nil
	}
}

// materializedEdge finds the aggregator -> node edge for a rule, if any.
// Existence is tested from the node's incoming side: for realistic
// fan-out the node has far fewer edges of that type than the aggregator.
func (ev *Evaluator) materializedEdge(aggID storage.NodeID, ruleName string, nodeID storage.NodeID) (*storage.Edge, error) {
	incoming, err := ev.engine.GetIncomingEdges(nodeID)
	if err != nil {
		return nil, fmt.Errorf("rules: incoming edges of %s: %w", nodeID, err)
	}
	for _, edge := range incoming {
		if edge.Type == ruleName && edge.StartNode == aggID {
			return edge, nil
		}
	}
	return nil, nil
}

// cascadeFrom re-evaluates every neighbor reaching node through an
// incoming edge of the given relationship type.
func (ev *Evaluator) cascadeFrom(tx *storage.Transaction, node *storage.Node, relType string, visited map[storage.NodeID]struct{}) error {
	incoming, err := ev.engine.GetIncomingEdges(node.ID)
	if err != nil {
		return fmt.Errorf("rules: cascade from %s: %w", node.ID, err)
	}
	for _, edge := range incoming {
		if edge.Type != relType {
			continue
		}
		neighbor, err := ev.engine.GetNode(edge.StartNode)
		if err != nil {
			continue
		}
		if err := ev.evaluateNode(tx, neighbor, visited); err != nil {
			return err
		}
	}
	return nil
}
