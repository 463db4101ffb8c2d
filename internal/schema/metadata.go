package schema

import "time"

// SyncMetadata is the per-user sync cursor row. Exactly one row exists
// per user in the local store; it is created on first authentication
// and updated after every reconciliation pass, success or not.
//
// LastSyncedAt is only ever advanced after a reconciliation batch has
// been durably applied, never before, so a crash between fetch and
// apply re-fetches the batch instead of losing it.
type SyncMetadata struct {
	UserID string `json:"user_id"`

	// LastSyncedAt is the lower-bound cursor for the next delta pull.
	LastSyncedAt time.Time `json:"last_synced_at"`

	// LastSyncAttemptAt drives cooldown/backoff and is updated on every
	// attempt regardless of outcome.
	LastSyncAttemptAt time.Time `json:"last_sync_attempt_at"`

	// WindowDays is the rolling recency horizon eligible for delta
	// sync. Rows older than this are only reconciled lazily, on
	// explicit open.
	WindowDays int `json:"window_days"`

	// MaxConversations and MaxMessages cap a single delta pull. They
	// bound worst-case sync cost as account history grows unboundedly.
	MaxConversations int `json:"max_conversations"`
	MaxMessages      int `json:"max_messages"`
}

// DefaultSyncMetadata returns the initial cursor row for a user.
func DefaultSyncMetadata(userID string) *SyncMetadata {
	return &SyncMetadata{
		UserID:           userID,
		WindowDays:       30,
		MaxConversations: 30,
		MaxMessages:      100,
	}
}
