// Package main provides the VectorLib daemon entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/vectorlib/pkg/config"
	"github.com/orneryd/vectorlib/pkg/vdb"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vectorlibd",
		Short: "VectorLib - an in-memory vector database with durable recovery",
		Long: `VectorLib stores vector libraries and their chunk embeddings
in memory, indexed by LSH, HNSW, or a KD-Tree over random projections,
with a write-ahead log and periodic snapshots for crash recovery.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vectorlibd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and block until shutdown",
		RunE:  runServe,
	}
	serveCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg := config.LoadFromEnv()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Printf("vectorlibd v%s\n", version)
	fmt.Printf("  data dir: %s\n", cfg.DataDir)
	fmt.Printf("  wal sync: %s\n", cfg.WALSyncMode)

	db, err := vdb.Open(cfg, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := db.RecoveryResult()
	if result.SnapshotLoaded {
		fmt.Printf("  recovered from snapshot at seq %d, %d WAL records replayed\n", result.SnapshotSeq, result.RecordsApplied)
	} else {
		fmt.Printf("  starting fresh, %d WAL records replayed\n", result.RecordsApplied)
	}
	if result.StoppedReason != "" {
		fmt.Printf("  WARNING: WAL tail truncated at seq %d (%s)\n", result.StoppedAtSeq, result.StoppedReason)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSnapshotTicker(ctx, db, cfg.SnapshotInterval)
	go runRebuildTicker(ctx, db, cfg.RebuildCheckInterval)

	fmt.Println("ready. press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("shutting down...")
	cancel()
	return nil
}

// runSnapshotTicker checks once every SnapshotInterval whether the
// durability coordinator's record-count threshold has been reached, and
// takes a snapshot only then; the interval elapsing on its own never
// triggers a snapshot.
func runSnapshotTicker(ctx context.Context, db *vdb.DB, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			took, name, err := db.MaybeSnapshot()
			if err != nil {
				fmt.Fprintf(os.Stderr, "snapshot failed: %v\n", err)
				continue
			}
			if took {
				fmt.Printf("snapshot written: %s\n", name)
			}
		}
	}
}

// runRebuildTicker periodically checks every library's tombstone ratio
// and rebuilds any index past config.TombstoneRebuildThreshold (spec
// §4.6/§4.7/§4.10), the explicit cooperative worker the spec calls for
// in place of ambient background async.
func runRebuildTicker(ctx context.Context, db *vdb.DB, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rebuilt, err := db.MaybeRebuildStaleIndexes(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "rebuild check failed: %v\n", err)
				continue
			}
			if len(rebuilt) > 0 {
				fmt.Printf("rebuilt %d stale index(es)\n", len(rebuilt))
			}
		}
	}
}
