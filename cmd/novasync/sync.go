package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the remote store",
	Long: `Perform a single bounded delta pull and apply it to the local cache.

This pushes any pending local writes first, then fetches every row
changed since the last sync cursor (bounded by the configured window
and row caps) and merges it. Useful for scripting and for verifying
connectivity; the daemon does the same thing continuously.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		e := newEngine(cfg, db)
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		fmt.Printf("Syncing user %s from %s...\n", cfg.UserID, cfg.ServerURL)
		start := time.Now()

		if err := e.ForceRefresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		stats := e.Stats()
		cursor, _ := e.LastSyncedAt(ctx)

		fmt.Printf("Sync complete in %v\n", elapsed.Round(time.Millisecond))
		fmt.Printf("   Applied: %d\n", stats.RowsApplied)
		fmt.Printf("   Promoted: %d\n", stats.Promoted)
		fmt.Printf("   Tombstoned: %d\n", stats.Tombstoned)
		if !cursor.IsZero() {
			fmt.Printf("   Synced through: %s\n", cursor.Format(time.RFC3339))
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
