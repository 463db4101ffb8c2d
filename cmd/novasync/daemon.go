package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nova-chat/novasync/internal/config"
	"github.com/nova-chat/novasync/internal/engine"
	"github.com/nova-chat/novasync/internal/remote"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine continuously (foreground)",
	Long: `Run the sync engine in the foreground until interrupted.

The daemon:
  1. Subscribes to the remote push channel for low-latency updates
  2. Runs adaptive periodic delta pulls as a safety net
  3. Confirms pending local writes in the background
  4. Keeps the cache bounded (retention sweeps, tombstone pruning)

With log_path configured, output goes to a size-rotated log file.
Changes to the config file take effect on the next restart; an edit is
logged when detected.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, v, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if cfg.LogPath != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogPath,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			})
		}

		db := openStore(cfg)

		client, err := remote.NewClient(remote.Config{
			BaseURL: cfg.ServerURL,
			Token:   cfg.Token,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
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
			Logger:            logger,
		})
		if err != nil {
			db.Close()
			fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := e.Start(ctx); err != nil {
			e.Close()
			fmt.Fprintf(os.Stderr, "Error starting sync engine: %v\n", err)
			os.Exit(1)
		}

		// Surface config file edits; settings apply on restart.
		if v.ConfigFileUsed() != "" {
			v.OnConfigChange(func(event fsnotify.Event) {
				logger.Printf("config file changed (%s %s), restart to apply", event.Op, event.Name)
			})
			v.WatchConfig()
		}

		// Drain the change feed so reconciliation never stalls on it.
		go func() {
			for range e.Notifications() {
			}
		}()

		logger.Printf("daemon running: user=%s server=%s db=%s", cfg.UserID, cfg.ServerURL, cfg.DBPath)
		fmt.Printf("novasync daemon started for user %s\n", cfg.UserID)
		fmt.Printf("   Server: %s\n", cfg.ServerURL)
		fmt.Printf("   Cache: %s\n", cfg.DBPath)
		fmt.Printf("\nPress Ctrl+C to stop\n")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Printf("received %s, shutting down", sig)
		cancel()
		if err := e.Close(); err != nil {
			logger.Printf("Warning: shutdown error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
