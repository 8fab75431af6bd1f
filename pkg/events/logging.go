// Package events - commit logging listener.
package events

import (
	"log"

	"github.com/orneryd/vordr/pkg/storage"
)

// CommitLogger is an event listener that logs every domain event.
// Intended for debugging; enabled via the log_commits config flag.
type CommitLogger struct{}

var (
	_ NodeCreatedHandler          = (*CommitLogger)(nil)
	_ NodeDeletedHandler          = (*CommitLogger)(nil)
	_ NodePropertyAssignedHandler = (*CommitLogger)(nil)
	_ RelationshipCreatedHandler  = (*CommitLogger)(nil)
	_ RelationshipDeletedHandler  = (*CommitLogger)(nil)
)

// OnNodeCreated logs node creation.
func (c *CommitLogger) OnNodeCreated(node *storage.Node, _ *IdentityMap) error {
	log.Printf("[events] node created: %s %v", node.ID, node.Labels)
	return nil
}

// OnNodePropertyAssigned logs property assignment.
func (c *CommitLogger) OnNodePropertyAssigned(node *storage.Node, key string, previous, value any) error {
	log.Printf("[events] node %s property %q: %v -> %v", node.ID, key, previous, value)
	return nil
}

// OnNodeDeleted logs node deletion with remaining shadow context.
func (c *CommitLogger) OnNodeDeleted(node *storage.Node, _ *IdentityMap, deleted *DeletedRelationships) error {
	log.Printf("[events] node deleted: %s (detached relationship types: %v)", node.ID, deleted.TypesFor(node.ID))
	return nil
}

// OnRelationshipCreated logs relationship creation.
func (c *CommitLogger) OnRelationshipCreated(rel *storage.Edge, _ *IdentityMap) error {
	log.Printf("[events] relationship created: %s -[%s]-> %s", rel.StartNode, rel.Type, rel.EndNode)
	return nil
}

// OnRelationshipDeleted logs relationship deletion.
func (c *CommitLogger) OnRelationshipDeleted(rel *storage.Edge, _ *IdentityMap, _ *DeletedRelationships) error {
	log.Printf("[events] relationship deleted: %s -[%s]-> %s", rel.StartNode, rel.Type, rel.EndNode)
	return nil
}
