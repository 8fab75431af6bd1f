// Package rules - per-class rule table.
package rules

import (
	"fmt"
	"sync"
)

// Registry is the per-class table of declared rules.
//
// The table is process-wide state for the hosting engine instance: mutated
// at declaration time (startup, class loading), effectively read-only
// during event processing. RemoveAll exists for controlled teardown (test
// scenarios) and must not run concurrently with active traffic.
//
// Attach an Anchors instance (AttachAnchors) to get aggregator nodes
// created eagerly at declaration time; without one, aggregators are
// created lazily on first evaluation.
type Registry struct {
	mu      sync.RWMutex
	rules   map[string][]*Rule // class -> rules in declaration order
	parents map[string]string  // class -> superclass

	anchors *Anchors
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:   make(map[string][]*Rule),
		parents: make(map[string]string),
	}
}

// AttachAnchors connects the registry to a live store's aggregator
// manager. Once attached, Declare creates the class's aggregator node
// immediately; until then creation is deferred to the first evaluation.
func (r *Registry) AttachAnchors(anchors *Anchors) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors = anchors
}

// Declare registers a rule for a class with the normalized predicate
// signature. The name must be unique per class. If the live store is
// running, the class's aggregator node is created now (idempotent:
// re-declaring a class that already has one creates nothing).
func (r *Registry) Declare(class, name string, predicate Predicate, triggerTypes ...string) error {
	if class == "" || name == "" {
		return fmt.Errorf("rules: declare: empty class or name")
	}
	if predicate == nil {
		return fmt.Errorf("rules: declare %s.%s: nil predicate", class, name)
	}

	r.mu.Lock()
	for _, existing := range r.rules[class] {
		if existing.Name == name {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s.%s", ErrDuplicateRule, class, name)
		}
	}
	r.rules[class] = append(r.rules[class], &Rule{
		OwnerClass:   class,
		Name:         name,
		TriggerTypes: append([]string(nil), triggerTypes...),
		predicate:    predicate,
	})
	anchors := r.anchors
	r.mu.Unlock()

	if anchors != nil {
		if err := anchors.EnsureAggregator(class); err != nil {
			return fmt.Errorf("rules: declare %s.%s: %w", class, name, err)
		}
	}
	return nil
}

// DeclareCondition registers a rule with the plain boolean calling
// convention.
func (r *Registry) DeclareCondition(class, name string, cond Condition, triggerTypes ...string) error {
	if cond == nil {
		return fmt.Errorf("rules: declare %s.%s: nil predicate", class, name)
	}
	return r.Declare(class, name, cond.normalize(), triggerTypes...)
}

// Inherit copies every rule currently declared on parent onto child and
// records the hierarchy link. The copy happens once, now: rules added to
// the parent later are not retroactively inherited. Copied rules keep
// their original OwnerClass, so child instances satisfying a parent rule
// are materialized under the parent's aggregator.
//
// A parent with no declared rules is a valid source: copying zero rules
// is a no-op, but the hierarchy link is still recorded, so evaluation
// walks through the parent to its ancestors.
func (r *Registry) Inherit(parent, child string) error {
	if parent == "" || child == "" {
		return fmt.Errorf("rules: inherit: empty class")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.parents[child] = parent

	for _, pr := range r.rules[parent] {
		duplicate := false
		for _, existing := range r.rules[child] {
			if existing.Name == pr.Name && existing.OwnerClass == pr.OwnerClass {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		r.rules[child] = append(r.rules[child], &Rule{
			OwnerClass:   pr.OwnerClass,
			Name:         pr.Name,
			TriggerTypes: append([]string(nil), pr.TriggerTypes...),
			predicate:    pr.predicate,
		})
	}
	return nil
}

// RulesFor returns the rule names declared for exactly that class,
// including inherited copies, in declaration order. Callers needing
// ancestor rules walk the hierarchy themselves (Parent).
func (r *Registry) RulesFor(class string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := r.rules[class]
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		names = append(names, rule.Name)
	}
	return names
}

// rulesOf returns the rule objects for exactly that class.
func (r *Registry) rulesOf(class string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := r.rules[class]
	out := make([]*Rule, len(rules))
	copy(out, rules)
	return out
}

// triggeredBy returns every rule, on any class, declaring relType as a
// trigger relationship type.
func (r *Registry) triggeredBy(relType string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Rule
	for _, rules := range r.rules {
		for _, rule := range rules {
			for _, t := range rule.TriggerTypes {
				if t == relType {
					out = append(out, rule)
					break
				}
			}
		}
	}
	return out
}

// HasRules reports whether the class has any declared rules.
func (r *Registry) HasRules(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules[class]) > 0
}

// Parent returns the recorded superclass for a class, or "".
func (r *Registry) Parent(class string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parents[class]
}

// Classes returns every class with declared rules.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.rules))
	for class := range r.rules {
		classes = append(classes, class)
	}
	return classes
}

// RemoveAll drops every rule declared for the class and deletes its
// aggregator node (with all its materialized edges). Intended for test
// teardown, not production use.
func (r *Registry) RemoveAll(class string) error {
	r.mu.Lock()
	delete(r.rules, class)
	delete(r.parents, class)
	anchors := r.anchors
	r.mu.Unlock()

	if anchors != nil {
		if err := anchors.RemoveAggregator(class); err != nil {
			return fmt.Errorf("rules: remove all %s: %w", class, err)
		}
	}
	return nil
}
