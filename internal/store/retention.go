package store

import (
	"context"
	"fmt"
	"time"
)

// Retention queries used by the cache governor. Demotion drops message
// bodies for conversations outside the recency window while keeping the
// conversation row itself, so the list view keeps working offline and a
// targeted fetch repopulates messages on open.

// StaleConversationIDs returns the ids of a user's fully-cached
// conversations beyond the keep most-recently-updated ones. Tombstoned
// conversations are not candidates; they are handled by tombstone
// pruning instead.
func (db *DB) StaleConversationIDs(ctx context.Context, userID string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM conversations
		WHERE user_id = ? AND deleted_at IS NULL AND full_history = 1
		ORDER BY updated_at DESC
		LIMIT -1 OFFSET ?`,
		userID, keep)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale conversations: %w", err)
	}

	return ids, nil
}

// DemoteConversation drops the locally cached message bodies for one
// conversation and marks it metadata-only. Pending and tombstoned
// messages are retained: pending rows have not reached the remote store
// yet, and tombstones must survive until pruning confirms every device
// had a chance to observe them.
func (db *DB) DemoteConversation(ctx context.Context, id string) (int, error) {
	var dropped int
	err := db.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`DELETE FROM messages
			WHERE conversation_id = ? AND status = 'synced' AND deleted_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("failed to drop messages for %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			dropped = int(n)
		}

		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE conversations SET full_history = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to mark %s metadata-only: %w", id, err)
		}
		return nil
	})
	return dropped, err
}

// PruneTombstones removes tombstoned rows whose deletion the sync
// cursor has already advanced past. Until then the tombstones stay, so
// a second device's delayed delta pull still observes the deletion
// through this device's remote echo.
//
// Returns the number of rows removed.
func (db *DB) PruneTombstones(ctx context.Context, userID string, syncedThrough time.Time) (int, error) {
	if syncedThrough.IsZero() {
		return 0, nil
	}

	var pruned int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		cutoff := formatTime(syncedThrough)

		res, err := tx.tx.ExecContext(ctx,
			`DELETE FROM messages
			WHERE user_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?`,
			userID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune message tombstones: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += n
		}

		res, err = tx.tx.ExecContext(ctx,
			`DELETE FROM conversations
			WHERE user_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?`,
			userID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune conversation tombstones: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += n
		}

		return nil
	})
	return int(pruned), err
}
