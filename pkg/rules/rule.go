// Package rules keeps derived "rule" edges consistent with live graph data.
//
// A rule is a named predicate over a node's state, scoped to a class (a
// node label), optionally with trigger relationship types. For every class
// that declares rules, the engine maintains an aggregator node reachable
// from a fixed root; a node currently satisfying rule r of class C is the
// target of a materialized edge aggregator(C) -[r]-> node. The Evaluator
// listens to domain events and adds or removes those edges so that "all
// nodes currently satisfying rule X" is answered by traversal, never by
// re-running predicates.
package rules

import (
	"errors"

	"github.com/orneryd/vordr/pkg/storage"
)

// Package errors
var (
	// ErrStoreUnavailable is returned when aggregator upkeep is requested
	// while no live store is attached or the store is closed. Surfaced to
	// the caller that declared the rule; never retried.
	ErrStoreUnavailable = errors.New("rules: store unavailable")

	// ErrDuplicateRule is returned when a class declares two rules with
	// the same name.
	ErrDuplicateRule = errors.New("rules: duplicate rule name for class")
)

// Predicate is the normalized predicate signature: it receives the node
// explicitly and reports whether the node satisfies the rule. A predicate
// error aborts the evaluation, which aborts the triggering commit.
type Predicate func(node *storage.Node) (bool, error)

// Condition is the convenience predicate form without an error return.
// Both calling conventions are accepted at the surface API; internally
// everything is normalized to Predicate.
type Condition func(node *storage.Node) bool

// normalize lifts a Condition into the Predicate signature.
func (c Condition) normalize() Predicate {
	return func(node *storage.Node) (bool, error) {
		return c(node), nil
	}
}

// Rule is a named predicate declared for a class.
//
// OwnerClass is the class the rule was originally declared on. Inherited
// copies keep their original owner, so a subclass instance satisfying an
// inherited rule is materialized under the parent's aggregator.
type Rule struct {
	OwnerClass   string
	Name         string
	TriggerTypes []string

	predicate Predicate
}

// Evaluate runs the rule's predicate against a node.
func (r *Rule) Evaluate(node *storage.Node) (bool, error) {
	return r.predicate(node)
}
