package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nova-chat/novasync/internal/schema"
)

const messageColumns = `id, conversation_id, user_id, role, content, attachments,
	status, timestamp, updated_at, deleted_at, deleted_by`

// UpsertMessage inserts or updates a message.
// Applying the same row twice is a no-op beyond the timestamp.
func (db *DB) UpsertMessage(ctx context.Context, m *schema.Message) error {
	return upsertMessage(ctx, db.conn, m)
}

// UpsertMessage inserts or updates a message inside the transaction.
func (tx *Tx) UpsertMessage(ctx context.Context, m *schema.Message) error {
	return upsertMessage(ctx, tx.tx, m)
}

func upsertMessage(ctx context.Context, q querier, m *schema.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	attachments, err := marshalAttachments(m.Attachments)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO messages (
		id, conversation_id, user_id, role, content, attachments,
		status, timestamp, updated_at, deleted_at, deleted_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		attachments = excluded.attachments,
		status = excluded.status,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		deleted_by = excluded.deleted_by
	`

	_, err = q.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		m.UserID,
		string(m.Role),
		m.Content,
		attachments,
		string(m.Status),
		formatTime(m.Timestamp),
		formatTime(m.UpdatedAt),
		timeToNullString(m.DeletedAt),
		nullableString(string(m.DeletedBy)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, classify(err))
	}

	return nil
}

// GetMessage retrieves a message by id.
// Returns ErrNotFound if it does not exist locally.
func (db *DB) GetMessage(ctx context.Context, id string) (*schema.Message, error) {
	return getMessage(ctx, db.conn, id)
}

// GetMessage retrieves a message by id inside the transaction.
func (tx *Tx) GetMessage(ctx context.Context, id string) (*schema.Message, error) {
	return getMessage(ctx, tx.tx, id)
}

func getMessage(ctx context.Context, q querier, id string) (*schema.Message, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return m, nil
}

// DeleteMessageRow physically removes a message row. This is only used
// for local-id rows during promotion; synced rows are tombstoned, never
// removed, until the governor prunes them.
func (tx *Tx) DeleteMessageRow(ctx context.Context, id string) error {
	_, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message row %s: %w", id, err)
	}
	return nil
}

// FindLocalByFingerprint looks up a locally-identified message matching
// the given logical fingerprint, whatever its status. This is how the
// reconciler detects that an incoming server row is the echo of an
// optimistic local write, including one that was tombstoned while its
// confirm was still in flight.
func (tx *Tx) FindLocalByFingerprint(ctx context.Context, m *schema.Message) (*schema.Message, error) {
	row := tx.tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND role = ? AND content = ?
		  AND id LIKE 'local-%'
		ORDER BY timestamp ASC
		LIMIT 1`,
		m.ConversationID, string(m.Role), m.Content)

	found, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find local counterpart: %w", err)
	}
	return found, nil
}

// ListMessagesFilter configures the ListMessages query.
type ListMessagesFilter struct {
	// ConversationID scopes the query to one conversation. Required.
	ConversationID string
	// IncludeDeleted includes tombstoned rows (for audit/debug).
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results (for pagination).
	Offset int
}

// ListMessages retrieves a conversation's messages in creation order.
// Tombstoned rows are excluded unless IncludeDeleted is set.
func (db *DB) ListMessages(ctx context.Context, filter ListMessagesFilter) ([]*schema.Message, error) {
	if filter.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	conditions := []string{"conversation_id = ?"}
	args := []interface{}{filter.ConversationID}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	query := `SELECT ` + messageColumns + ` FROM messages
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY timestamp ASC`

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
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// PendingMessages returns a user's messages still awaiting remote
// confirmation, oldest first. Rows newer than olderThan are skipped so
// in-flight writes are not double-submitted.
func (db *DB) PendingMessages(ctx context.Context, userID string, olderThan time.Time) ([]*schema.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE user_id = ? AND status = ? AND updated_at <= ?
		ORDER BY timestamp ASC`,
		userID, string(schema.StatusPending), formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountMessages returns the number of non-deleted messages for a user.
func (db *DB) CountMessages(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ? AND deleted_at IS NULL`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]*schema.Message, error) {
	var messages []*schema.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func scanMessage(s scanner) (*schema.Message, error) {
	var m schema.Message
	var role, status, timestamp, updatedAt string
	var attachments, deletedAt, deletedBy sql.NullString

	err := s.Scan(
		&m.ID,
		&m.ConversationID,
		&m.UserID,
		&role,
		&m.Content,
		&attachments,
		&status,
		&timestamp,
		&updatedAt,
		&deletedAt,
		&deletedBy,
	)
	if err != nil {
		return nil, err
	}

	m.Role = schema.Role(role)
	m.Status = schema.Status(status)
	m.Timestamp = parseTime(timestamp)
	m.UpdatedAt = parseTime(updatedAt)
	m.DeletedAt = nullStringToTime(deletedAt)
	if deletedBy.Valid {
		m.DeletedBy = schema.DeleteScope(deletedBy.String)
	}

	m.Attachments, err = unmarshalAttachments(attachments)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
