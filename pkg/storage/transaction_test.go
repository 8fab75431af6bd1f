// Tests for transaction buffering, commit application, change set
// construction and hook-driven rollback.
package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransactionCommit(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	t.Run("buffered ops invisible until commit", func(t *testing.T) {
		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n1", Labels: []string{"Thing"}})

		if _, err := engine.GetNode("n1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("uncommitted node visible: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if _, err := engine.GetNode("n1"); err != nil {
			t.Fatalf("committed node missing: %v", err)
		}
	})

	t.Run("read your own writes", func(t *testing.T) {
		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n2", Properties: map[string]interface{}{"x": 1}})

		got, err := tx.GetNode("n2")
		if err != nil {
			t.Fatalf("tx.GetNode failed: %v", err)
		}
		if got.Properties["x"] != 1 {
			t.Errorf("pending state wrong: %v", got.Properties)
		}
		tx.Rollback()
	})

	t.Run("rollback discards everything", func(t *testing.T) {
		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n3"})
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback failed: %v", err)
		}
		if _, err := engine.GetNode("n3"); !errors.Is(err, ErrNotFound) {
			t.Errorf("rolled-back node exists: %v", err)
		}
		if err := tx.Commit(); !errors.Is(err, ErrTransactionClosed) {
			t.Errorf("commit after rollback: %v", err)
		}
	})

	t.Run("delete node buffers incident edge deletions", func(t *testing.T) {
		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "p"})
		tx.CreateNode(&Node{ID: "q"})
		tx.CreateEdge(&Edge{ID: "pq", StartNode: "p", EndNode: "q", Type: "link"})
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}

		tx = engine.Begin()
		if err := tx.DeleteNode("q"); err != nil {
			t.Fatalf("DeleteNode failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.GetEdge("pq"); !errors.Is(err, ErrNotFound) {
			t.Errorf("incident edge survived node deletion: %v", err)
		}
	})
}

func TestTransactionChangeSet(t *testing.T) {
	newEngine := func(t *testing.T) (*MemoryEngine, *ChangeSet) {
		t.Helper()
		engine := NewMemoryEngine()
		t.Cleanup(func() { engine.Close() })
		captured := &ChangeSet{}
		engine.SetCommitHook(func(cs *ChangeSet) error {
			*captured = *cs
			return nil
		})
		return engine, captured
	}

	t.Run("creates and property_changes reported", func(t *testing.T) {
		engine, cs := newEngine(t)

		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n", Properties: map[string]interface{}{"a": 1}})
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		if len(cs.CreatedNodes) != 1 || cs.CreatedNodes[0].ID != "n" {
			t.Fatalf("created nodes wrong: %+v", cs.CreatedNodes)
		}

		tx = engine.Begin()
		node, _ := tx.GetNode("n")
		node.Properties["a"] = 2
		node.Properties["b"] = "new"
		tx.UpdateNode(node)
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}

		if len(cs.AssignedNodeProperties) != 2 {
			t.Fatalf("expected 2 assigned properties, got %+v", cs.AssignedNodeProperties)
		}
		for _, pc := range cs.AssignedNodeProperties {
			switch pc.Key {
			case "a":
				if pc.Previous != 1 || pc.Value != 2 {
					t.Errorf("a: previous=%v value=%v", pc.Previous, pc.Value)
				}
			case "b":
				if pc.Previous != nil || pc.Value != "new" {
					t.Errorf("b: previous=%v value=%v", pc.Previous, pc.Value)
				}
			default:
				t.Errorf("unexpected key %q", pc.Key)
			}
		}
	})

	t.Run("removed property carries previous value only", func(t *testing.T) {
		engine, cs := newEngine(t)

		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n", Properties: map[string]interface{}{"gone": 7}})
		tx.Commit()

		tx = engine.Begin()
		node, _ := tx.GetNode("n")
		delete(node.Properties, "gone")
		tx.UpdateNode(node)
		tx.Commit()

		if len(cs.RemovedNodeProperties) != 1 {
			t.Fatalf("expected 1 removed property, got %+v", cs.RemovedNodeProperties)
		}
		if cs.RemovedNodeProperties[0].Previous != 7 {
			t.Errorf("previous=%v", cs.RemovedNodeProperties[0].Previous)
		}
	})

	t.Run("create then update coalesces", func(t *testing.T) {
		engine, cs := newEngine(t)

		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n", Properties: map[string]interface{}{"v": 1}})
		node, _ := tx.GetNode("n")
		node.Properties["v"] = 2
		tx.UpdateNode(node)
		tx.Commit()

		if len(cs.CreatedNodes) != 1 || cs.CreatedNodes[0].Properties["v"] != 2 {
			t.Errorf("coalesced create wrong: %+v", cs.CreatedNodes)
		}
		if len(cs.AssignedNodeProperties) != 0 {
			t.Errorf("same-commit update leaked property events: %+v", cs.AssignedNodeProperties)
		}
	})

	t.Run("create then delete cancels", func(t *testing.T) {
		engine, cs := newEngine(t)

		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "ephemeral"})
		tx.DeleteNode("ephemeral")
		tx.CreateNode(&Node{ID: "kept"})
		tx.Commit()

		if len(cs.CreatedNodes) != 1 || cs.CreatedNodes[0].ID != "kept" {
			t.Errorf("ephemeral entity reported: %+v", cs.CreatedNodes)
		}
		if len(cs.DeletedNodes) != 0 {
			t.Errorf("ephemeral deletion reported: %+v", cs.DeletedNodes)
		}
	})

	t.Run("deleted node reports last known state", func(t *testing.T) {
		engine, cs := newEngine(t)

		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "n", Properties: map[string]interface{}{"name": "doomed"}})
		tx.Commit()

		tx = engine.Begin()
		tx.DeleteNode("n")
		tx.Commit()

		if len(cs.DeletedNodes) != 1 || cs.DeletedNodes[0].Properties["name"] != "doomed" {
			t.Errorf("deleted node state wrong: %+v", cs.DeletedNodes)
		}
	})
}

func TestTransactionDeleteThenRecreate(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	tx := engine.Begin()
	tx.CreateNode(&Node{ID: "n1", Labels: []string{"Old"}, Properties: map[string]interface{}{"v": 1}})
	tx.CreateNode(&Node{ID: "n2"})
	tx.CreateEdge(&Edge{ID: "e1", StartNode: "n1", EndNode: "n2", Type: "link"})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	t.Run("node replaced in one transaction", func(t *testing.T) {
		tx := engine.Begin()
		if err := tx.DeleteNode("n1"); err != nil {
			t.Fatal(err)
		}
		if err := tx.CreateNode(&Node{ID: "n1", Labels: []string{"New"}, Properties: map[string]interface{}{"v": 2}}); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("delete-then-recreate rejected: %v", err)
		}

		got, err := engine.GetNode("n1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.HasLabel("New") || got.Properties["v"] != 2 {
			t.Errorf("recreated state wrong: %+v", got)
		}
		// The old identity's incident edge went with the deletion.
		if _, err := engine.GetEdge("e1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("old incident edge survived: %v", err)
		}
	})

	t.Run("edge replaced in one transaction", func(t *testing.T) {
		tx := engine.Begin()
		tx.CreateEdge(&Edge{ID: "e2", StartNode: "n1", EndNode: "n2", Type: "link"})
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}

		tx = engine.Begin()
		if err := tx.DeleteEdge("e2"); err != nil {
			t.Fatal(err)
		}
		if err := tx.CreateEdge(&Edge{ID: "e2", StartNode: "n2", EndNode: "n1", Type: "rev"}); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("edge delete-then-recreate rejected: %v", err)
		}

		got, err := engine.GetEdge("e2")
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != "rev" || got.StartNode != NodeID("n2") {
			t.Errorf("recreated edge wrong: %+v", got)
		}
	})
}

// A commit that buffered operations against state another commit's veto
// reverted must not apply them: commits are serialized and re-validated,
// so a reverted entity can never end up referenced by a later commit.
func TestTransactionCommitsSerialized(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	boom := fmt.Errorf("vetoed")
	entered := make(chan struct{})
	buffered := make(chan struct{})
	engine.SetCommitHook(func(cs *ChangeSet) error {
		for _, n := range cs.CreatedNodes {
			if n.ID == "phantom" {
				close(entered)
				<-buffered
				return boom
			}
		}
		return nil
	})

	second := make(chan error, 1)
	go func() {
		<-entered
		// The phantom node is visible while the first commit's hook
		// deliberates; buffer an edge referencing it.
		tx := engine.Begin()
		tx.CreateNode(&Node{ID: "derived"})
		berr := tx.CreateEdge(&Edge{ID: "dp", StartNode: "derived", EndNode: "phantom", Type: "ref"})
		close(buffered)
		if berr != nil {
			second <- fmt.Errorf("buffering against visible state failed: %w", berr)
			return
		}
		second <- tx.Commit()
	}()

	tx := engine.Begin()
	tx.CreateNode(&Node{ID: "phantom"})
	if err := tx.Commit(); !errors.Is(err, ErrCommitVetoed) {
		t.Fatalf("expected veto, got %v", err)
	}

	if err := <-second; !errors.Is(err, ErrInvalidEdge) {
		t.Fatalf("commit built on reverted state: %v", err)
	}
	if _, err := engine.GetNode("derived"); !errors.Is(err, ErrNotFound) {
		t.Errorf("derived commit partially applied: %v", err)
	}
	if _, err := engine.GetNode("phantom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("vetoed node survived: %v", err)
	}
}

func TestTransactionHookVeto(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	tx := engine.Begin()
	tx.CreateNode(&Node{ID: "base"})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	boom := fmt.Errorf("listener rejected")
	engine.SetCommitHook(func(cs *ChangeSet) error { return boom })

	tx = engine.Begin()
	tx.CreateNode(&Node{ID: "n1"})
	node, _ := tx.GetNode("base")
	node.Properties = map[string]interface{}{"touched": true}
	tx.UpdateNode(node)
	tx.DeleteNode("base")

	err := tx.Commit()
	if !errors.Is(err, ErrCommitVetoed) {
		t.Fatalf("expected ErrCommitVetoed, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("listener error not wrapped: %v", err)
	}
	if tx.Status != TxStatusRolledBack {
		t.Errorf("status=%s", tx.Status)
	}

	t.Run("all operations reverted", func(t *testing.T) {
		if _, err := engine.GetNode("n1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("vetoed create survived: %v", err)
		}
		base, err := engine.GetNode("base")
		if err != nil {
			t.Fatalf("deleted node not restored: %v", err)
		}
		if _, ok := base.Properties["touched"]; ok {
			t.Errorf("vetoed update survived: %+v", base.Properties)
		}
	})
}

func TestTransactionEmptyCommitSkipsHook(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	calls := 0
	engine.SetCommitHook(func(cs *ChangeSet) error {
		calls++
		return nil
	})

	tx := engine.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("hook ran for empty commit")
	}
}
