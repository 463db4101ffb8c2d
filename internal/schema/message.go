package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message composed by the human user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the AI backend.
	RoleAssistant Role = "assistant"
)

// Status tracks a message through the optimistic-write lifecycle.
type Status string

const (
	// StatusPending means the row exists locally but the remote store
	// has not confirmed it yet.
	StatusPending Status = "pending"
	// StatusSynced means the remote store has confirmed the row.
	StatusSynced Status = "synced"
	// StatusFailed means the remote write exhausted its retry budget.
	// The row is retained locally with a user-visible retry affordance.
	StatusFailed Status = "failed"
	// StatusDeleted means the row is tombstoned. Terminal.
	StatusDeleted Status = "deleted"
)

// DeleteScope distinguishes the two soft-delete semantics.
type DeleteScope string

const (
	// ScopeSelf hides the message for the deleting user only.
	ScopeSelf DeleteScope = "self"
	// ScopeEveryone removes the message for all devices/viewers.
	ScopeEveryone DeleteScope = "everyone"
)

// EveryoneDeleteWindow bounds how long after creation a message may be
// deleted with ScopeEveryone. Enforced at write time, not at sync time:
// a tombstone observed during reconciliation is always applied.
const EveryoneDeleteWindow = 48 * time.Hour

// localIDPrefix marks client-generated ids that have not yet been
// promoted to a server id.
const localIDPrefix = "local-"

// Message represents one chat message within a conversation.
//
// Two clocks matter: Timestamp is the client-observed creation time and
// orders messages within a conversation; UpdatedAt is the server clock
// used for reconciliation. They are never compared against each other.
type Message struct {
	// ID is the server id once confirmed. A message begins life with a
	// client-generated local id (see NewLocalID) that is promoted to the
	// server id exactly once during reconciliation.
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`

	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`

	Status Status `json:"status"`

	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`

	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
	DeletedBy DeleteScope `json:"deleted_by,omitempty"`
}

// Deleted reports whether this message carries a tombstone.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Validate checks that the message has valid field values.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("role must be %q or %q (got %q)", RoleUser, RoleAssistant, m.Role)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if m.Deleted() && m.DeletedBy != ScopeSelf && m.DeletedBy != ScopeEveryone {
		return fmt.Errorf("deleted_by must be %q or %q for tombstoned messages (got %q)",
			ScopeSelf, ScopeEveryone, m.DeletedBy)
	}
	return nil
}

// Fingerprint returns a stable key identifying the logical message
// independently of its id. An optimistic local row and its server echo
// share a fingerprint, which is how the reconciler detects the
// promotion case without client ids on the wire.
func (m *Message) Fingerprint() string {
	return m.ConversationID + "\x1f" + string(m.Role) + "\x1f" + m.Content
}

// Tombstone marks the message deleted at the given time with the given
// scope. Idempotent: once tombstoned the first delete wins and the
// scope is not rewritten.
func (m *Message) Tombstone(at time.Time, scope DeleteScope) {
	if m.DeletedAt != nil {
		return
	}
	t := at
	m.DeletedAt = &t
	m.DeletedBy = scope
	m.Status = StatusDeleted
	if at.After(m.UpdatedAt) {
		m.UpdatedAt = at
	}
}

// CanDeleteForEveryone reports whether an everyone-scoped delete is
// still permitted at the given time. Self-scoped deletes have no
// window.
func (m *Message) CanDeleteForEveryone(now time.Time) bool {
	return now.Sub(m.Timestamp) <= EveryoneDeleteWindow
}

// NewLocalID mints a client-generated message id used until the remote
// store assigns the real one.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether the id is client-generated (unpromoted).
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
