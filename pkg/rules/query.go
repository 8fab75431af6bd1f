package rules

import (
	"errors"
	"fmt"

	"github.com/orneryd/vordr/pkg/storage"
)

// Satisfying returns every node currently holding a materialized edge for
// the named rule on the given class. The answer is read off the
// aggregator's outgoing edges, no predicate runs.
//
// A class with no aggregator yet (no rule has ever been evaluated for it)
// has no satisfiers; the result is empty, not an error.
func Satisfying(engine storage.Engine, class, ruleName string) ([]*storage.Node, error) {
	agg, err := engine.GetNode(aggregatorID(class))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules: satisfying %s.%s: %w", class, ruleName, err)
	}

	edges, err := engine.GetOutgoingEdges(agg.ID)
	if err != nil {
		return nil, fmt.Errorf("rules: satisfying %s.%s: %w", class, ruleName, err)
	}

	var nodes []*storage.Node
	for _, edge := range edges {
		if edge.Type != ruleName {
			continue
		}
		node, err := engine.GetNode(edge.EndNode)
		if err != nil {
			// Edge target vanished between reads; skip it.
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Satisfying answers the query against the evaluator's own store.
func (ev *Evaluator) Satisfying(class, ruleName string) ([]*storage.Node, error) {
	return Satisfying(ev.engine, class, ruleName)
}
