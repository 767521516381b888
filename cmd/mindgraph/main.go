// Package main provides the mindgraph CLI entry point.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/mindgraph/pkg/changes"
	"github.com/orneryd/mindgraph/pkg/config"
	"github.com/orneryd/mindgraph/pkg/layout"
	"github.com/orneryd/mindgraph/pkg/mindgraph"
	"github.com/orneryd/mindgraph/pkg/queue"
	"github.com/orneryd/mindgraph/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mindgraph",
		Short: "mindgraph - incremental mind-map layout engine",
		Long: `mindgraph maintains a cached, incrementally updated mind-map layout
over a corpus of records and relationships.

Features:
  • Fingerprint-keyed multi-tier layout cache (memory + BadgerDB)
  • Typed change tracking with affected-node computation
  • Prioritized background layout recomputation
  • Force-directed full layout, cheap deltas for local changes`,
	}
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mindgraph v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize a new mindgraph data directory",
		RunE:  runInit,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show corpus and cache statistics",
		RunE:  runStats,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "fingerprint",
		Short: "Print the current data fingerprint",
		RunE:  runFingerprint,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "layout",
		Short: "Force a full layout recomputation and cache it",
		RunE:  runLayout,
	})

	importCmd := &cobra.Command{
		Use:   "import [file.json]",
		Short: "Bulk-import records and relationships from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	rootCmd.AddCommand(importCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "compact",
		Short: "Flush and garbage-collect the persistent store",
		RunE:  runCompact,
	})

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Data version markers",
	}
	versionsCmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Snapshot the current state as a version marker",
		RunE:  runVersionCreate,
	})
	rootCmd.AddCommand(versionsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// open loads config, applies the optional file overlay and opens the engine.
func open(cmd *cobra.Command) (*mindgraph.MindGraph, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.LoadFromEnv()
	if configPath != "" {
		if err := cfg.ApplyFile(configPath); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return mindgraph.Open(dataDir, cfg)
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	mg, err := open(cmd)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer mg.Close()

	fmt.Printf("✅ Initialized mindgraph data directory at %s\n", dataDir)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	mg, err := open(cmd)
	if err != nil {
		return err
	}
	defer mg.Close()

	stats, err := mg.Stats()
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	fmt.Printf("📊 mindgraph statistics\n")
	fmt.Printf("   Records:        %d\n", stats.Records)
	fmt.Printf("   Relationships:  %d\n", stats.Relationships)
	fmt.Printf("   Queue size:     %d\n", stats.QueueSize)
	fmt.Printf("   Processor:      %s (%d tasks, %d failed)\n",
		stats.State, stats.Processor.TasksProcessed, stats.Processor.TasksFailed)
	fmt.Printf("   Cache:          %d entries, %d bytes\n",
		stats.Cache.Entries, stats.Cache.MemoryBytes)
	fmt.Printf("   Hit rate:       %.1f%% (%d hits / %d misses)\n",
		stats.Cache.HitRate*100, stats.Cache.Hits, stats.Cache.Misses)
	if stats.Cache.Degraded {
		fmt.Printf("   ⚠️  Persistent tier degraded (%d errors)\n", stats.Cache.PersistErrors)
	}
	return nil
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	mg, err := open(cmd)
	if err != nil {
		return err
	}
	defer mg.Close()

	fp, err := mg.CreateDataFingerprint()
	if err != nil {
		return fmt.Errorf("computing fingerprint: %w", err)
	}
	fmt.Println(fp)
	return nil
}

func runLayout(cmd *cobra.Command, args []string) error {
	mg, err := open(cmd)
	if err != nil {
		return err
	}
	defer mg.Close()

	fmt.Println("🗺️  Computing full layout...")
	start := time.Now()

	recs, err := mg.Storage().AllRecords()
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	ids := make([]storage.RecordID, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	mg.ScheduleLayoutUpdate(changes.DataChange{
		Kind:    changes.KindBulkImport,
		BulkIDs: ids,
	}, queue.PriorityUserInteraction)

	l, err := waitForLayout(mg, 2*time.Minute)
	if err != nil {
		return err
	}

	fmt.Printf("   ✅ %d nodes, %d connections in %v\n",
		len(l.Nodes), len(l.Connections), time.Since(start).Round(time.Millisecond))
	fmt.Printf("   Cached under %s\n", l.Fingerprint)
	return nil
}

// importFile is the JSON shape the import command reads.
type importFile struct {
	Records       []storage.Record       `json:"records"`
	Relationships []storage.Relationship `json:"relationships"`
}

func runImport(cmd *cobra.Command, args []string) error {
	mg, err := open(cmd)
	if err != nil {
		return err
	}
	defer mg.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading import file: %w", err)
	}
	var in importFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parsing import file: %w", err)
	}

	fmt.Printf("📥 Importing %d records, %d relationships...\n",
		len(in.Records), len(in.Relationships))

	recs := make([]*storage.Record, len(in.Records))
	ids := make([]storage.RecordID, len(in.Records))
	for i := range in.Records {
		recs[i] = &in.Records[i]
		ids[i] = in.Records[i].ID
	}
	if err := mg.Storage().BulkCreateRecords(recs); err != nil {
		return fmt.Errorf("importing records: %w", err)
	}

	rels := make([]*storage.Relationship, len(in.Relationships))
	for i := range in.Relationships {
		rels[i] = &in.Relationships[i]
	}
	if err := mg.Storage().BulkCreateRelationships(rels); err != nil {
		return fmt.Errorf("importing relationships: %w", err)
	}

	mg.ScheduleLayoutUpdate(changes.DataChange{
		Kind:    changes.KindBulkImport,
		BulkIDs: ids,
	}, queue.PriorityNewImport)

	l, err := waitForLayout(mg, 2*time.Minute)
	if err != nil {
		return err
	}

	fmt.Printf("   ✅ Imported and laid out %d nodes, %d connections\n",
		len(l.Nodes), len(l.Connections))
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	mg, err := open(cmd)
	if err != nil {
		return err
	}
	defer mg.Close()

	be, ok := mg.Storage().(*storage.BadgerEngine)
	if !ok {
		return fmt.Errorf("store is not persistent; nothing to compact")
	}

	fmt.Println("🧹 Compacting store...")
	if err := be.Sync(); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}
	if err := be.RunGC(); err != nil {
		// Badger returns an error when there was nothing to collect.
		fmt.Printf("   GC: %v\n", err)
	} else {
		fmt.Println("   ✅ Value log compacted")
	}
	return nil
}

func runVersionCreate(cmd *cobra.Command, args []string) error {
	mg, err := open(cmd)
	if err != nil {
		return err
	}
	defer mg.Close()

	v, err := mg.CreateVersion()
	if err != nil {
		return fmt.Errorf("creating version: %w", err)
	}
	fmt.Printf("✅ Version %s\n", v.ID)
	fmt.Printf("   Checksum: %s\n", v.Checksum)
	fmt.Printf("   Created:  %s\n", v.Timestamp.Format(time.RFC3339))
	return nil
}

// waitForLayout polls until the layout for the current fingerprint lands in
// the cache.
func waitForLayout(mg *mindgraph.MindGraph, timeout time.Duration) (*layout.CachedLayout, error) {
	fp, err := mg.CreateDataFingerprint()
	if err != nil {
		return nil, fmt.Errorf("computing fingerprint: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l, ok := mg.GetCachedLayout(fp); ok {
			return l, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("timed out after %v waiting for layout", timeout)
}
