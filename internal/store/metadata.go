package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nova-chat/novasync/internal/schema"
)

// GetSyncMetadata retrieves the per-user sync cursor row.
// Returns ErrNotFound if the user has never synced on this device.
func (db *DB) GetSyncMetadata(ctx context.Context, userID string) (*schema.SyncMetadata, error) {
	return getSyncMetadata(ctx, db.conn, userID)
}

// GetSyncMetadata retrieves the cursor row inside the transaction.
func (tx *Tx) GetSyncMetadata(ctx context.Context, userID string) (*schema.SyncMetadata, error) {
	return getSyncMetadata(ctx, tx.tx, userID)
}

func getSyncMetadata(ctx context.Context, q querier, userID string) (*schema.SyncMetadata, error) {
	row := q.QueryRowContext(ctx,
		`SELECT user_id, last_synced_at, last_sync_attempt_at,
		        window_days, max_conversations, max_messages
		FROM sync_metadata WHERE user_id = ?`, userID)

	var meta schema.SyncMetadata
	var lastSynced, lastAttempt sql.NullString

	err := row.Scan(
		&meta.UserID,
		&lastSynced,
		&lastAttempt,
		&meta.WindowDays,
		&meta.MaxConversations,
		&meta.MaxMessages,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync metadata for %s: %w", userID, err)
	}

	if t := nullStringToTime(lastSynced); t != nil {
		meta.LastSyncedAt = *t
	}
	if t := nullStringToTime(lastAttempt); t != nil {
		meta.LastSyncAttemptAt = *t
	}

	return &meta, nil
}

// PutSyncMetadata inserts or updates the per-user sync cursor row.
func (db *DB) PutSyncMetadata(ctx context.Context, meta *schema.SyncMetadata) error {
	return putSyncMetadata(ctx, db.conn, meta)
}

// PutSyncMetadata upserts the cursor row inside the transaction. The
// reconciler calls this at the end of the batch transaction so the
// cursor never advances past rows that were not durably applied.
func (tx *Tx) PutSyncMetadata(ctx context.Context, meta *schema.SyncMetadata) error {
	return putSyncMetadata(ctx, tx.tx, meta)
}

func putSyncMetadata(ctx context.Context, q querier, meta *schema.SyncMetadata) error {
	if meta.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	query := `
	INSERT INTO sync_metadata (
		user_id, last_synced_at, last_sync_attempt_at,
		window_days, max_conversations, max_messages
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		last_synced_at = excluded.last_synced_at,
		last_sync_attempt_at = excluded.last_sync_attempt_at,
		window_days = excluded.window_days,
		max_conversations = excluded.max_conversations,
		max_messages = excluded.max_messages
	`

	var lastSynced, lastAttempt sql.NullString
	if !meta.LastSyncedAt.IsZero() {
		lastSynced = sql.NullString{String: formatTime(meta.LastSyncedAt), Valid: true}
	}
	if !meta.LastSyncAttemptAt.IsZero() {
		lastAttempt = sql.NullString{String: formatTime(meta.LastSyncAttemptAt), Valid: true}
	}

	_, err := q.ExecContext(ctx, query,
		meta.UserID,
		lastSynced,
		lastAttempt,
		meta.WindowDays,
		meta.MaxConversations,
		meta.MaxMessages,
	)
	if err != nil {
		return fmt.Errorf("failed to put sync metadata for %s: %w", meta.UserID, classify(err))
	}

	return nil
}

// EnsureSyncMetadata returns the cursor row for the user, creating it
// with defaults on first authentication.
func (db *DB) EnsureSyncMetadata(ctx context.Context, userID string) (*schema.SyncMetadata, error) {
	meta, err := db.GetSyncMetadata(ctx, userID)
	if err == nil {
		return meta, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	meta = schema.DefaultSyncMetadata(userID)
	if err := db.PutSyncMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}
