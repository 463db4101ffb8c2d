package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nova-chat/novasync/internal/schema"
)

const conversationColumns = `id, user_id, title, pinned, updated_at, deleted_at`

// UpsertConversation inserts or updates a conversation.
// Applying the same row twice is a no-op beyond the timestamp.
func (db *DB) UpsertConversation(ctx context.Context, c *schema.Conversation) error {
	return upsertConversation(ctx, db.conn, c)
}

// UpsertConversation inserts or updates a conversation inside the transaction.
func (tx *Tx) UpsertConversation(ctx context.Context, c *schema.Conversation) error {
	return upsertConversation(ctx, tx.tx, c)
}

func upsertConversation(ctx context.Context, q querier, c *schema.Conversation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid conversation: %w", err)
	}

	query := `
	INSERT INTO conversations (id, user_id, title, pinned, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		pinned = excluded.pinned,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`

	_, err := q.ExecContext(ctx, query,
		c.ID,
		c.UserID,
		c.Title,
		boolToInt(c.Pinned),
		formatTime(c.UpdatedAt),
		timeToNullString(c.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", c.ID, classify(err))
	}

	return nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrNotFound if it does not exist locally.
func (db *DB) GetConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	return getConversation(ctx, db.conn, id)
}

// GetConversation retrieves a conversation by id inside the transaction.
func (tx *Tx) GetConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	return getConversation(ctx, tx.tx, id)
}

func getConversation(ctx context.Context, q querier, id string) (*schema.Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)

	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return c, nil
}

// ListConversationsFilter configures the ListConversations query.
type ListConversationsFilter struct {
	// UserID scopes the query to one user's conversations. Required.
	UserID string
	// IncludeDeleted includes tombstoned rows (for audit/debug).
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results (for pagination).
	Offset int
}

// ListConversations retrieves a user's conversations, most recently
// updated first with pinned conversations at the top. Tombstoned rows
// are excluded unless IncludeDeleted is set.
func (db *DB) ListConversations(ctx context.Context, filter ListConversationsFilter) ([]*schema.Conversation, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	conditions := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY pinned DESC, updated_at DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*schema.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, nil
}

// CountConversations returns the number of non-deleted conversations
// for a user.
func (db *DB) CountConversations(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND deleted_at IS NULL`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

// HasFullHistory reports whether the conversation's messages are fully
// cached locally, or have been demoted to metadata-only by the governor.
func (db *DB) HasFullHistory(ctx context.Context, id string) (bool, error) {
	var full int
	err := db.conn.QueryRowContext(ctx,
		`SELECT full_history FROM conversations WHERE id = ?`, id).Scan(&full)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check history state for %s: %w", id, err)
	}
	return full != 0, nil
}

// SetFullHistory records whether the conversation's message history is
// fully cached locally.
func (db *DB) SetFullHistory(ctx context.Context, id string, full bool) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE conversations SET full_history = ? WHERE id = ?`, boolToInt(full), id)
	if err != nil {
		return fmt.Errorf("failed to set history state for %s: %w", id, classify(err))
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*schema.Conversation, error) {
	var c schema.Conversation
	var pinned int
	var updatedAt string
	var deletedAt sql.NullString

	if err := s.Scan(&c.ID, &c.UserID, &c.Title, &pinned, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	c.Pinned = pinned != 0
	c.UpdatedAt = parseTime(updatedAt)
	c.DeletedAt = nullStringToTime(deletedAt)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
