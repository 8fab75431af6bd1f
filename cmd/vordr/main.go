// Package main provides the Vordr CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orneryd/vordr/pkg/config"
	"github.com/orneryd/vordr/pkg/vordr"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vordr",
		Short: "Vordr - Graph store with incrementally materialized rule views",
		Long: `Vordr is a transactional graph store that keeps named per-class
predicates ("rules") continuously materialized as graph edges.

Every commit is intercepted, turned into ordered domain events, and fed
to a rule evaluator that adds or removes edges from per-class aggregator
nodes. "All entities currently satisfying rule X" is then a single
traversal, never a scan.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Vordr v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Vordr data directory",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(initCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entity counts for a store",
		RunE:  runStats,
	}
	statsCmd.Flags().String("data-dir", "", "Data directory (default from VORDR_DATA_DIR)")
	rootCmd.AddCommand(statsCmd)

	materializeCmd := &cobra.Command{
		Use:   "materialize",
		Short: "Re-evaluate every rule against every node",
		Long: `Open the store, load the declarative rule file, and run every rule
against every node once. Use after declaring new rules over existing
data, or after reopening a store whose rule set changed while it was
down.`,
		RunE: runMaterialize,
	}
	materializeCmd.Flags().String("data-dir", "", "Data directory (default from VORDR_DATA_DIR)")
	materializeCmd.Flags().String("rules", "", "Rule file (default from VORDR_RULES_FILE)")
	rootCmd.AddCommand(materializeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("Initializing Vordr data directory in %s\n", dataDir)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dataDir, "vordr.yaml")
	configContent := `# Vordr Configuration
storage: badger
data_dir: ./data

# Declarative rules, loaded at open. See rules.yaml for the format.
rules_file: ./data/rules.yaml

# Log every commit's domain events
log_commits: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	rulesPath := filepath.Join(dataDir, "rules.yaml")
	rulesContent := `# Declarative rules: simple property comparisons per class.
#
# rules:
#   - class: Order
#     name: big
#     property: total
#     op: ">"
#     value: 100
#     triggers: [items]
#
# inherit:
#   - parent: Order
#     child: RushOrder
rules: []
`
	if err := os.WriteFile(rulesPath, []byte(rulesContent), 0644); err != nil {
		return fmt.Errorf("writing rules file: %w", err)
	}

	fmt.Printf("Created %s and %s\n", configPath, rulesPath)
	return nil
}

func openFromFlags(cmd *cobra.Command) (*vordr.DB, error) {
	cfg, err := vordr.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	// CLI subcommands always target the on-disk store.
	cfg.Storage = config.StorageBadger

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if cmd.Flags().Lookup("rules") != nil {
		if rulesFile, _ := cmd.Flags().GetString("rules"); rulesFile != "" {
			cfg.RulesFile = rulesFile
		}
	}

	return vordr.Open(cfg.DataDir, cfg)
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Nodes: %d\n", stats.Nodes)
	fmt.Printf("Edges: %d\n", stats.Edges)
	return nil
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	db, err := openFromFlags(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	classes := db.Rules().Classes()
	if len(classes) == 0 {
		fmt.Println("No rules declared; nothing to materialize.")
		return nil
	}

	evaluated, err := db.Materialize()
	if err != nil {
		return err
	}
	fmt.Printf("Re-evaluated %d nodes against rules for %d classes\n",
		evaluated, len(classes))
	return nil
}
