// Package vordr provides the main API for embedded Vordr usage.
//
// Vordr is a transactional graph store with an incremental
// materialized-view engine: named per-class predicates ("rules") are kept
// continuously materialized as edges from per-class aggregator nodes, and
// "all entities currently satisfying rule X" is answered by traversal
// instead of scanning.
//
// Architecture:
//   - Storage: in-memory graph with transactions, optionally mirrored to
//     BadgerDB for durability
//   - Events: commit-time change sets dispatched as ordered domain events
//   - Rules: per-class predicate registry plus the reactive evaluator
//
// Example Usage:
//
//	db, err := vordr.Open("./data", vordr.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.Rules().DeclareCondition("Order", "big", func(n *storage.Node) bool {
//		total, ok := convert.ToFloat64(n.Properties["total"])
//		return ok && total > 100
//	}, "items")
//
//	tx := db.Begin()
//	tx.CreateNode(&storage.Node{
//		ID:         "order-1",
//		Labels:     []string{"Order"},
//		Properties: map[string]any{"total": 250},
//	})
//	if err := tx.Commit(); err != nil { // evaluator runs here
//		log.Fatal(err)
//	}
//
//	big, _ := db.Satisfying("Order", "big") // [order-1], by traversal
package vordr

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/orneryd/vordr/pkg/config"
	"github.com/orneryd/vordr/pkg/events"
	"github.com/orneryd/vordr/pkg/rules"
	"github.com/orneryd/vordr/pkg/storage"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("vordr: database closed")

// Config holds database configuration.
type Config struct {
	// Storage backend: "memory" (default) or "badger".
	Storage string `yaml:"storage"`

	// DataDir is the BadgerDB directory for the badger backend.
	DataDir string `yaml:"data_dir"`

	// SyncWrites makes every badger mirror write fsync. Slower, safer.
	SyncWrites bool `yaml:"sync_writes"`

	// RulesFile is an optional declarative rule file loaded at open.
	RulesFile string `yaml:"rules_file"`

	// LogCommits attaches a listener logging every domain event.
	LogCommits bool `yaml:"log_commits"`
}

// DefaultConfig returns the default configuration: a pure in-memory
// store, no declarative rules, quiet commits.
func DefaultConfig() *Config {
	return &Config{
		Storage: config.StorageMemory,
	}
}

// ConfigFromEnv builds a Config from VORDR_* environment variables.
func ConfigFromEnv() (*Config, error) {
	env := config.LoadFromEnv()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &Config{
		Storage:    env.Storage,
		DataDir:    env.DataDir,
		RulesFile:  env.RulesFile,
		LogCommits: env.LogCommits,
	}, nil
}

// DB is an open Vordr database: the storage engine plus the event and
// rule machinery wired to its commit hook.
//
// All methods are safe for concurrent use.
type DB struct {
	mu     sync.RWMutex
	closed bool

	config    *Config
	engine    storage.TransactionalEngine
	listeners *events.Registry
	rules     *rules.Registry
	evaluator *rules.Evaluator
}

// Open creates or opens a database. dataDir overrides config.DataDir when
// non-empty; config may be nil for defaults.
//
// Opening wires the full commit pipeline: every transaction commit builds
// a change set, dispatches domain events in order, and runs the rule
// evaluator, which converges materialized rule edges before the commit
// call returns.
func Open(dataDir string, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if dataDir == "" {
		dataDir = cfg.DataDir
	}

	var engine storage.TransactionalEngine
	switch cfg.Storage {
	case "", config.StorageMemory:
		engine = storage.NewMemoryEngine()
	case config.StorageBadger:
		pe, err := storage.NewPersistentEngineWithOptions(storage.BadgerOptions{
			DataDir:    dataDir,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("vordr: open: %w", err)
		}
		engine = pe
	default:
		return nil, fmt.Errorf("vordr: open: unknown storage backend %q", cfg.Storage)
	}

	listeners := events.NewRegistry()
	dispatcher := events.NewDispatcher(listeners)
	engine.SetCommitHook(dispatcher.Dispatch)

	ruleRegistry := rules.NewRegistry()
	evaluator := rules.NewEvaluator(engine, ruleRegistry)

	if err := listeners.Add(evaluator); err != nil {
		engine.Close()
		return nil, fmt.Errorf("vordr: open: %w", err)
	}
	if cfg.LogCommits {
		if err := listeners.Add(&events.CommitLogger{}); err != nil {
			engine.Close()
			return nil, fmt.Errorf("vordr: open: %w", err)
		}
	}

	db := &DB{
		config:    cfg,
		engine:    engine,
		listeners: listeners,
		rules:     ruleRegistry,
		evaluator: evaluator,
	}

	if cfg.RulesFile != "" {
		if err := rules.LoadFile(ruleRegistry, cfg.RulesFile); err != nil {
			engine.Close()
			return nil, fmt.Errorf("vordr: open: %w", err)
		}
		log.Printf("vordr: loaded rules for classes %v from %s",
			ruleRegistry.Classes(), cfg.RulesFile)
	}

	return db, nil
}

// Begin starts a transaction on the live store.
func (db *DB) Begin() *storage.Transaction {
	return db.engine.Begin()
}

// Engine exposes the underlying storage engine for direct reads.
func (db *DB) Engine() storage.TransactionalEngine { return db.engine }

// Rules returns the rule registry for declarations.
func (db *DB) Rules() *rules.Registry { return db.rules }

// Listeners returns the event listener registry. The rule evaluator is
// already registered; applications may add their own listeners alongside.
func (db *DB) Listeners() *events.Registry { return db.listeners }

// Satisfying returns the nodes currently holding a materialized edge for
// the named rule, read off the class's aggregator by traversal.
func (db *DB) Satisfying(class, ruleName string) ([]*storage.Node, error) {
	return rules.Satisfying(db.engine, class, ruleName)
}

// Materialize re-evaluates every rule against every node once. Used after
// declaring rules over pre-existing data, or after reopening a persistent
// store whose rule set changed while it was down.
func (db *DB) Materialize() (int, error) {
	nodes, err := db.engine.AllNodes()
	if err != nil {
		return 0, fmt.Errorf("vordr: materialize: %w", err)
	}

	evaluated := 0
	for _, node := range nodes {
		if node.Internal() {
			continue
		}
		if err := db.evaluator.Reevaluate(node); err != nil {
			return evaluated, fmt.Errorf("vordr: materialize %s: %w", node.ID, err)
		}
		evaluated++
	}
	return evaluated, nil
}

// Stats reports entity counts from the live store.
type Stats struct {
	Nodes int64
	Edges int64
}

// Stats returns current entity counts.
func (db *DB) Stats() (Stats, error) {
	nodes, err := db.engine.NodeCount()
	if err != nil {
		return Stats{}, err
	}
	edges, err := db.engine.EdgeCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Nodes: nodes, Edges: edges}, nil
}

// Close shuts the database down. Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.engine.Close()
}
