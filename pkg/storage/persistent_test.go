// Tests for the memory-plus-badger persistent engine.
package storage

import (
	"errors"
	"testing"
)

func TestPersistentEngineMirrorsCommits(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewPersistentEngine(dir)
	if err != nil {
		t.Fatal(err)
	}

	tx := engine.Begin()
	tx.CreateNode(&Node{ID: "o1", Labels: []string{"Order"}, Properties: map[string]interface{}{"total": float64(50)}})
	tx.CreateNode(&Node{ID: "i1", Labels: []string{"Item"}})
	tx.CreateEdge(&Edge{ID: "e1", StartNode: "o1", EndNode: "i1", Type: "items"})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx = engine.Begin()
	node, _ := tx.GetNode("o1")
	node.Properties["total"] = float64(200)
	tx.UpdateNode(node)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}

	t.Run("reload from disk", func(t *testing.T) {
		reopened, err := NewPersistentEngine(dir)
		if err != nil {
			t.Fatal(err)
		}
		defer reopened.Close()

		got, err := reopened.GetNode("o1")
		if err != nil {
			t.Fatalf("node lost: %v", err)
		}
		if got.Properties["total"] != float64(200) {
			t.Errorf("mirrored update lost: %v", got.Properties["total"])
		}
		if !got.HasLabel("Order") {
			t.Errorf("labels lost: %+v", got.Labels)
		}

		edges, err := reopened.GetOutgoingEdges("o1")
		if err != nil || len(edges) != 1 || edges[0].Type != "items" {
			t.Errorf("edge lost: %v %+v", err, edges)
		}
	})
}

func TestPersistentEngineMirrorsDeletes(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewPersistentEngine(dir)
	if err != nil {
		t.Fatal(err)
	}

	tx := engine.Begin()
	tx.CreateNode(&Node{ID: "gone"})
	tx.CreateNode(&Node{ID: "kept"})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx = engine.Begin()
	tx.DeleteNode("gone")
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	engine.Close()

	reopened, err := NewPersistentEngine(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if _, err := reopened.GetNode("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deletion not mirrored: %v", err)
	}
	if _, err := reopened.GetNode("kept"); err != nil {
		t.Errorf("surviving node lost: %v", err)
	}
}

func TestPersistentEngineServesReadsFromMemory(t *testing.T) {
	engine, err := NewPersistentEngine(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	tx := engine.Begin()
	tx.CreateNode(&Node{ID: "n"})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// The embedded memory engine is the live store.
	if _, err := engine.MemoryEngine.GetNode("n"); err != nil {
		t.Errorf("live store missing committed node: %v", err)
	}
}
