package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache and sync status",
	Long: `Display the state of the local cache: row counts, pending writes,
the sync cursor, and remote reachability.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		info, err := os.Stat(cfg.DBPath)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("\nCache not initialized at %s\n", cfg.DBPath)
			fmt.Printf("   Run 'novasync sync' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking cache: %v\n", err)
			os.Exit(1)
		}

		db := openStore(cfg)
		defer db.Close()

		conversations, err := db.CountConversations(ctx, cfg.UserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting conversations: %v\n", err)
			os.Exit(1)
		}
		messages, err := db.CountMessages(ctx, cfg.UserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting messages: %v\n", err)
			os.Exit(1)
		}
		pending, err := db.PendingMessages(ctx, cfg.UserID, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending writes: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nnovasync status\n\n")
		fmt.Printf("User: %s\n", cfg.UserID)
		fmt.Printf("Cache: %s (%s)\n", cfg.DBPath, formatSize(info.Size()))
		fmt.Printf("Conversations: %d\n", conversations)
		fmt.Printf("Messages: %d\n", messages)
		fmt.Printf("Pending writes: %d\n", len(pending))

		meta, err := db.GetSyncMetadata(ctx, cfg.UserID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Printf("Last synced: never\n")
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error reading sync metadata: %v\n", err)
			os.Exit(1)
		case meta.LastSyncedAt.IsZero():
			fmt.Printf("Last synced: never\n")
		default:
			fmt.Printf("Last synced: %s\n", meta.LastSyncedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Sync window: %d days, %d conversations, %d messages\n",
				meta.WindowDays, meta.MaxConversations, meta.MaxMessages)
		}

		client, err := remote.NewClient(remote.Config{
			BaseURL: cfg.ServerURL,
			Token:   cfg.Token,
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating remote client: %v\n", err)
			os.Exit(1)
		}
		if err := client.Ping(ctx); err != nil {
			fmt.Printf("Remote: unreachable (%v)\n", err)
		} else {
			fmt.Printf("Remote: ok (%s)\n", cfg.ServerURL)
		}
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
