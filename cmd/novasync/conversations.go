package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nova-chat/novasync/internal/store"
)

var (
	convLimit   int
	convDeleted bool
	msgLimit    int
	msgDeleted  bool
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List cached conversations",
	Long: `List the user's conversations from the local cache, pinned first
then most recently updated. Works offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conversations, err := db.ListConversations(ctx, store.ListConversationsFilter{
			UserID:         cfg.UserID,
			IncludeDeleted: convDeleted,
			Limit:          convLimit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conversations: %v\n", err)
			os.Exit(1)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations cached. Run 'novasync sync' first.")
			return
		}

		for _, c := range conversations {
			marker := " "
			if c.Pinned {
				marker = "*"
			}
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			if c.Deleted() {
				title += " [deleted]"
			}
			fmt.Printf("%s %-36s  %s  %s\n", marker, c.ID,
				c.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
		}
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List a conversation's cached messages",
	Long: `List one conversation's messages from the local cache in creation
order. Works offline; a conversation the cache governor demoted to
metadata-only shows no messages until it is opened in the app or the
daemon backfills it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		messages, err := db.ListMessages(ctx, store.ListMessagesFilter{
			ConversationID: args[0],
			IncludeDeleted: msgDeleted,
			Limit:          msgLimit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing messages: %v\n", err)
			os.Exit(1)
		}

		if len(messages) == 0 {
			full, err := db.HasFullHistory(ctx, args[0])
			if err == nil && !full {
				fmt.Println("Conversation is cached metadata-only; history loads on open.")
				return
			}
			fmt.Println("No messages.")
			return
		}

		for _, m := range messages {
			status := ""
			if m.Status != "synced" {
				status = fmt.Sprintf(" [%s]", m.Status)
			}
			fmt.Printf("%s  %-9s%s  %s\n",
				m.Timestamp.Local().Format("2006-01-02 15:04:05"),
				m.Role, status, m.Content)
		}
	},
}

func init() {
	conversationsCmd.Flags().IntVar(&convLimit, "limit", 50, "maximum rows to show")
	conversationsCmd.Flags().BoolVar(&convDeleted, "deleted", false, "include tombstoned rows")
	messagesCmd.Flags().IntVar(&msgLimit, "limit", 0, "maximum rows to show (0 = all)")
	messagesCmd.Flags().BoolVar(&msgDeleted, "deleted", false, "include tombstoned rows")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}
