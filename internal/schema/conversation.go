// Package schema provides the row types synchronized between the local
// cache and the remote store.
//
// The structures are deliberately flat with last-write-wins semantics:
// every row carries a server-clock updated_at used for conflict
// resolution, and a nullable deleted_at tombstone that always wins over
// timestamp comparison once set.
package schema

import (
	"fmt"
	"time"
)

// Conversation represents one chat conversation owned by a single user.
//
// The ID is assigned by the remote store once the conversation is first
// persisted and is stable thereafter. UpdatedAt is the server clock of
// the last mutation and only moves forward for a given ID once
// reconciled. DeletedAt is a soft-delete marker; conversations are never
// physically removed from the remote store so that devices offline
// during the delete can still observe it.
type Conversation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Title  string `json:"title"`
	Pinned bool   `json:"pinned"`

	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether this conversation carries a tombstone.
func (c *Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// Validate checks that the conversation has valid field values.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Tombstone marks the conversation deleted at the given time.
// Calling it again with a later time is a no-op (the first delete wins).
func (c *Conversation) Tombstone(at time.Time) {
	if c.DeletedAt != nil {
		return
	}
	t := at
	c.DeletedAt = &t
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}
