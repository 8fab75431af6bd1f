// Package events turns storage change sets into ordered domain events.
//
// The package sits between the storage layer's commit hook and any number
// of registered listeners. Each commit produces one ChangeSet; the
// Dispatcher converts it into node/relationship created/deleted and
// property-changed events and multicasts them, in a fixed order, to every
// listener that implements the matching handler interface.
//
// Listeners declare capability by interface: a listener that only cares
// about relationship creation implements RelationshipCreatedHandler and
// nothing else. Dispatch of other event types is a no-op for it. Handler
// errors are fail-fast: the first error aborts the dispatch, which aborts
// the enclosing commit.
package events

import (
	"errors"
	"sync"

	"github.com/orneryd/vordr/pkg/storage"
)

// ErrNoHandlers is returned by Registry.Add for a listener that implements
// none of the handler interfaces. Capability is checked at registration
// time, not per event.
var ErrNoHandlers = errors.New("events: listener implements no handler interface")

// NodeCreatedHandler receives node-created events. The identity map covers
// every node created in the same commit, keyed by ID, so handlers can
// resolve sibling handles without re-materializing them.
type NodeCreatedHandler interface {
	OnNodeCreated(node *storage.Node, created *IdentityMap) error
}

// NodePropertyAssignedHandler receives node property assignments.
// previous is nil when the property did not exist before.
type NodePropertyAssignedHandler interface {
	OnNodePropertyAssigned(node *storage.Node, key string, previous, value any) error
}

// NodePropertyRemovedHandler receives node property removals.
// Removals on nodes that are themselves being deleted in the commit are
// suppressed by the dispatcher.
type NodePropertyRemovedHandler interface {
	OnNodePropertyRemoved(node *storage.Node, key string, previous any) error
}

// NodeDeletedHandler receives node-deleted events. The node handle is a
// detached copy carrying its last-known labels and properties; deleted
// gives access to the relationships that vanished in the same commit.
type NodeDeletedHandler interface {
	OnNodeDeleted(node *storage.Node, created *IdentityMap, deleted *DeletedRelationships) error
}

// RelationshipCreatedHandler receives relationship-created events.
type RelationshipCreatedHandler interface {
	OnRelationshipCreated(rel *storage.Edge, created *IdentityMap) error
}

// RelationshipDeletedHandler receives relationship-deleted events. The
// edge handle is a detached copy; the underlying relationship is no longer
// traversable.
type RelationshipDeletedHandler interface {
	OnRelationshipDeleted(rel *storage.Edge, created *IdentityMap, deleted *DeletedRelationships) error
}

// RelationshipPropertyAssignedHandler receives edge property assignments.
type RelationshipPropertyAssignedHandler interface {
	OnRelationshipPropertyAssigned(rel *storage.Edge, key string, previous, value any) error
}

// RelationshipPropertyRemovedHandler receives edge property removals.
// Removals on relationships being deleted in the commit are suppressed.
type RelationshipPropertyRemovedHandler interface {
	OnRelationshipPropertyRemoved(rel *storage.Edge, key string, previous any) error
}

// FlushHandler is implemented by listeners that buffer writes during a
// dispatch. A flushing listener must not apply anything while events are
// still being delivered: a later event handler may yet veto the commit,
// and its buffered work would survive the revert.
//
// After every event in a change set was delivered without error, the
// dispatcher calls Flush on each registered FlushHandler in registration
// order; a Flush error aborts the commit like any handler error. If any
// handler returned an error, Discard is called instead and the buffered
// work must leave no trace.
//
// FlushHandler accompanies the event handler interfaces above; on its own
// it does not make a listener registrable, since a listener receiving no
// events has nothing to buffer.
type FlushHandler interface {
	Flush() error
	Discard()
}

// implementsAny reports whether l implements at least one handler
// interface.
func implementsAny(l any) bool {
	switch l.(type) {
	case NodeCreatedHandler, NodePropertyAssignedHandler, NodePropertyRemovedHandler,
		NodeDeletedHandler, RelationshipCreatedHandler, RelationshipDeletedHandler,
		RelationshipPropertyAssignedHandler, RelationshipPropertyRemovedHandler:
		return true
	}
	return false
}

// Registry is an ordered multicast set of event listeners.
//
// Add is idempotent: registering the same listener instance twice keeps a
// single entry in its original position. Remove drops a specific instance.
// Dispatch order is registration order; no ordering is promised beyond
// that, and listeners must not assume they run before or after a specific
// sibling unless the host registers them in that order deliberately.
type Registry struct {
	mu        sync.RWMutex
	listeners []any
}

// NewRegistry creates an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a listener. Returns ErrNoHandlers if the listener
// implements no handler interface; re-registering an existing instance is
// a no-op.
func (r *Registry) Add(listener any) error {
	if listener == nil {
		return ErrNoHandlers
	}
	if !implementsAny(listener) {
		return ErrNoHandlers
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.listeners {
		if existing == listener {
			return nil
		}
	}
	r.listeners = append(r.listeners, listener)
	return nil
}

// Remove unregisters a specific listener instance. Unknown listeners are
// ignored.
func (r *Registry) Remove(listener any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.listeners {
		if existing == listener {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// snapshot returns the current listener list in registration order.
func (r *Registry) snapshot() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]any, len(r.listeners))
	copy(out, r.listeners)
	return out
}
