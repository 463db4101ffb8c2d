// Package reconcile merges remote rows into the local cache.
//
// The merge is deterministic and convergent: tombstones always win,
// otherwise the row with the later server updated_at wins, and applying
// the same batch twice yields the same local state. Every batch is
// applied in a single transaction with the sync cursor advanced at the
// end, so the cursor never points past rows that were not durably
// written.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/schema"
	"github.com/nova-chat/novasync/internal/store"
)

// Result summarizes one applied batch.
type Result struct {
	// Applied counts rows written locally (inserts and LWW updates).
	Applied int
	// Promoted counts pending local rows replaced by their server echo.
	Promoted int
	// Tombstoned counts tombstones applied.
	Tombstoned int
	// Skipped counts rows dropped (invalid, stale, or no-op repeats).
	Skipped int

	// ChangedConversations lists conversation ids whose visible state
	// changed, for UI invalidation.
	ChangedConversations []string
	// ChangedMessages lists message ids (server ids) whose visible
	// state changed.
	ChangedMessages []string

	// Cursor is the sync cursor after the batch.
	Cursor time.Time
}

// Changed reports whether the batch altered any visible row.
func (r *Result) Changed() bool {
	return len(r.ChangedConversations) > 0 || len(r.ChangedMessages) > 0
}

// Reconciler applies remote changes to the local store.
type Reconciler struct {
	db     *store.DB
	logger *log.Logger
}

// New creates a reconciler over the given store.
func New(db *store.DB, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{db: db, logger: logger}
}

// ApplyChanges merges one delta batch into the local cache.
//
// Each row is merged independently: a malformed row is logged and
// skipped without aborting the batch. The whole batch commits in one
// transaction together with the advanced cursor, so a crash mid-batch
// leaves both cache and cursor at their pre-batch state and the next
// pull re-fetches the same rows (which is safe because merging is
// idempotent).
func (r *Reconciler) ApplyChanges(ctx context.Context, userID string, changes *remote.Changes) (*Result, error) {
	result := &Result{}
	if changes == nil || changes.Empty() {
		if meta, err := r.db.GetSyncMetadata(ctx, userID); err == nil {
			result.Cursor = meta.LastSyncedAt
		}
		return result, nil
	}

	err := r.db.WithTx(ctx, func(tx *store.Tx) error {
		var maxSeen time.Time

		for _, conv := range changes.Conversations {
			applied, err := r.mergeConversation(ctx, tx, conv, result)
			if err != nil {
				return err
			}
			if applied && conv.UpdatedAt.After(maxSeen) {
				maxSeen = conv.UpdatedAt
			}
		}

		for _, msg := range changes.Messages {
			applied, err := r.mergeMessage(ctx, tx, msg, result)
			if err != nil {
				return err
			}
			if applied && msg.UpdatedAt.After(maxSeen) {
				maxSeen = msg.UpdatedAt
			}
		}

		return r.advanceCursor(ctx, tx, userID, maxSeen, result)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ApplyEvent merges a single push-channel event. It reuses the batch
// path so an event and a delta row carrying the same change converge to
// the same state.
func (r *Reconciler) ApplyEvent(ctx context.Context, userID string, event remote.Event) (*Result, error) {
	changes := &remote.Changes{}
	switch event.Table {
	case remote.TableConversations:
		if event.Conversation == nil {
			return nil, fmt.Errorf("conversation event carries no conversation")
		}
		changes.Conversations = []*schema.Conversation{event.Conversation}
	case remote.TableMessages:
		if event.Message == nil {
			return nil, fmt.Errorf("message event carries no message")
		}
		changes.Messages = []*schema.Message{event.Message}
	default:
		return nil, fmt.Errorf("unknown event table %q", event.Table)
	}
	return r.ApplyChanges(ctx, userID, changes)
}

// mergeConversation applies one remote conversation row. Returns true
// when the row was accepted (applied or confirmed as already current).
func (r *Reconciler) mergeConversation(ctx context.Context, tx *store.Tx, incoming *schema.Conversation, result *Result) (bool, error) {
	if err := incoming.Validate(); err != nil {
		r.logger.Printf("Warning: dropping invalid conversation row %q: %v", incoming.ID, err)
		result.Skipped++
		return false, nil
	}

	local, err := tx.GetConversation(ctx, incoming.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if local != nil {
		// Tombstones win unconditionally and never lift. Repeated
		// deletes are no-ops against each other, so the original
		// deleted_at is never rewritten either.
		if local.Deleted() {
			result.Skipped++
			return true, nil
		}
		if !incoming.Deleted() && !incoming.UpdatedAt.After(local.UpdatedAt) {
			result.Skipped++
			return true, nil
		}
	}

	if err := tx.UpsertConversation(ctx, incoming); err != nil {
		return false, err
	}

	if incoming.Deleted() {
		result.Tombstoned++
	} else {
		result.Applied++
	}
	result.ChangedConversations = append(result.ChangedConversations, incoming.ID)
	return true, nil
}

// mergeMessage applies one remote message row, handling the promotion
// of an optimistic local row to its server echo.
func (r *Reconciler) mergeMessage(ctx context.Context, tx *store.Tx, incoming *schema.Message, result *Result) (bool, error) {
	if incoming.Status == "" {
		incoming.Status = schema.StatusSynced
	}
	if err := incoming.Validate(); err != nil {
		r.logger.Printf("Warning: dropping invalid message row %q: %v", incoming.ID, err)
		result.Skipped++
		return false, nil
	}
	if schema.IsLocalID(incoming.ID) {
		r.logger.Printf("Warning: dropping remote message with local id %q", incoming.ID)
		result.Skipped++
		return false, nil
	}

	local, err := tx.GetMessage(ctx, incoming.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if local == nil {
		// First sighting under the server id. If a local-id row
		// carries the same fingerprint this is the echo of our own
		// optimistic write: promote it instead of duplicating.
		counterpart, err := tx.FindLocalByFingerprint(ctx, incoming)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if counterpart != nil {
			if counterpart.Deleted() && !incoming.Deleted() {
				// The optimistic row was deleted while its confirm was
				// in flight. The tombstone carries over to the server
				// row; UpdatedAt stays on the server clock so the
				// cursor never advances on a client timestamp.
				serverAt := incoming.UpdatedAt
				incoming.Tombstone(*counterpart.DeletedAt, counterpart.DeletedBy)
				incoming.UpdatedAt = serverAt
			}
			if err := tx.DeleteMessageRow(ctx, counterpart.ID); err != nil {
				return false, err
			}
			result.Promoted++
		}
	} else {
		// Tombstones win unconditionally and never lift; repeated
		// deletes are no-ops against each other.
		if local.Deleted() {
			result.Skipped++
			return true, nil
		}
		if !incoming.Deleted() && !incoming.UpdatedAt.After(local.UpdatedAt) {
			result.Skipped++
			return true, nil
		}
	}

	if err := tx.UpsertMessage(ctx, incoming); err != nil {
		return false, err
	}

	if incoming.Deleted() {
		result.Tombstoned++
	} else {
		result.Applied++
	}
	result.ChangedMessages = append(result.ChangedMessages, incoming.ID)
	return true, nil
}

// advanceCursor moves the sync cursor to the newest row timestamp seen
// in the batch, inside the same transaction that applied the rows. The
// cursor only ever moves forward.
func (r *Reconciler) advanceCursor(ctx context.Context, tx *store.Tx, userID string, maxSeen time.Time, result *Result) error {
	meta, err := tx.GetSyncMetadata(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		meta = schema.DefaultSyncMetadata(userID)
	} else if err != nil {
		return err
	}

	if maxSeen.After(meta.LastSyncedAt) {
		meta.LastSyncedAt = maxSeen
	}
	result.Cursor = meta.LastSyncedAt

	return tx.PutSyncMetadata(ctx, meta)
}
