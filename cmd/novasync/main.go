// Command novasync is the offline-first conversation sync engine CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nova-chat/novasync/internal/config"
	"github.com/nova-chat/novasync/internal/engine"
	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "novasync",
	Short: "Offline-first conversation sync",
	Long: `novasync keeps a local cache of conversations and messages in sync
with the remote conversation store.

All reads are served from a local SQLite cache so the app works offline;
writes are recorded locally first and confirmed in the background. The
daemon keeps the cache converged across devices via a push channel and
periodic bounded delta pulls.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.config/novasync/novasync.yaml)")
}

// loadConfig resolves configuration or exits with a usable message.
func loadConfig() *config.Config {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens and initializes the local cache database.
func openStore(cfg *config.Config) *store.DB {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache database: %v\n", err)
		os.Exit(1)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return db
}

// newEngine wires a full engine from config. The caller owns Close.
func newEngine(cfg *config.Config, db *store.DB) *engine.Engine {
	client, err := remote.NewClient(remote.Config{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error creating remote client: %v\n", err)
		os.Exit(1)
	}

	e, err := engine.New(engine.Config{
		UserID:            cfg.UserID,
		DB:                db,
		Remote:            client,
		KeepConversations: cfg.MaxConversations,
		ActiveInterval:    cfg.ActiveInterval,
		IdleMax:           cfg.IdleMax,
	})
	if err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
		os.Exit(1)
	}
	return e
}
