package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/schema"
	"github.com/nova-chat/novasync/internal/store"
)

// Draft is the caller-supplied part of a new message.
type Draft struct {
	ConversationID string
	Role           schema.Role
	Content        string
	Attachments    []string
}

// CreateMessage records an optimistic write. The message appears
// immediately in local reads with a local id and pending status; the
// remote confirm runs in the background with exponential backoff, and
// reconciliation later replaces the local id with the server id.
//
// Returns the local id so the caller can track the row until promotion.
func (e *Engine) CreateMessage(ctx context.Context, draft Draft) (string, error) {
	now := e.now().UTC()
	m := &schema.Message{
		ID:             schema.NewLocalID(),
		ConversationID: draft.ConversationID,
		UserID:         e.config.UserID,
		Role:           draft.Role,
		Content:        draft.Content,
		Attachments:    draft.Attachments,
		Status:         schema.StatusPending,
		Timestamp:      now,
		UpdatedAt:      now,
	}
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("invalid draft: %w", err)
	}

	if err := e.db.UpsertMessage(ctx, m); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			if _, sweepErr := e.governor.HandleQuotaPressure(ctx); sweepErr == nil {
				err = e.db.UpsertMessage(ctx, m)
			}
		}
		if err != nil {
			return "", err
		}
	}

	e.scheduler.MarkActivity()
	e.notify(Change{Kind: MessageChanged, ID: m.ID})
	e.confirmAsync(m)

	return m.ID, nil
}

// RetryMessage re-submits a message whose background confirm exhausted
// its retry budget.
func (e *Engine) RetryMessage(ctx context.Context, id string) error {
	m, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != schema.StatusFailed {
		return fmt.Errorf("message %s is %s, only failed messages can be retried", id, m.Status)
	}

	m.Status = schema.StatusPending
	m.UpdatedAt = e.now().UTC()
	if err := e.db.UpsertMessage(ctx, m); err != nil {
		return err
	}

	e.notify(Change{Kind: MessageChanged, ID: m.ID})
	e.confirmAsync(m)
	return nil
}

// DeleteMessage tombstones a message. Idempotent: deleting an already
// deleted message is a no-op. The everyone scope is only allowed within
// the post-creation window, checked at write time; tombstones arriving
// via sync are applied regardless.
func (e *Engine) DeleteMessage(ctx context.Context, id string, scope schema.DeleteScope) error {
	if scope != schema.ScopeSelf && scope != schema.ScopeEveryone {
		return fmt.Errorf("invalid delete scope %q", scope)
	}

	m, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return nil
	}

	now := e.now().UTC()
	if scope == schema.ScopeEveryone && !m.CanDeleteForEveryone(now) {
		return fmt.Errorf("message %s is older than %s, delete for everyone is no longer available",
			id, schema.EveryoneDeleteWindow)
	}

	wasPending := m.Status == schema.StatusPending || m.Status == schema.StatusFailed
	m.Tombstone(now, scope)
	if err := e.db.UpsertMessage(ctx, m); err != nil {
		return err
	}

	e.scheduler.MarkActivity()
	e.notify(Change{Kind: MessageChanged, ID: id})

	// A row the remote store never confirmed has nothing to delete
	// remotely.
	if !wasPending && !schema.IsLocalID(id) {
		e.background(func(ctx context.Context) {
			if err := e.pushDelete(ctx, id, scope); err != nil {
				e.logger.Printf("Warning: remote delete of message %s failed, will converge via sync: %v", id, err)
			}
		})
	}
	return nil
}

// DeleteConversation tombstones a conversation locally and remotely.
// Idempotent.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	c, err := e.db.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c.Deleted() {
		return nil
	}

	c.Tombstone(e.now().UTC())
	if err := e.db.UpsertConversation(ctx, c); err != nil {
		return err
	}

	e.scheduler.MarkActivity()
	e.notify(Change{Kind: ConversationChanged, ID: id})

	e.background(func(ctx context.Context) {
		if _, err := e.remote.SoftDeleteConversation(ctx, id); err != nil {
			e.logger.Printf("Warning: remote delete of conversation %s failed, will converge via sync: %v", id, err)
		}
	})
	return nil
}

// RenameConversation updates a conversation's title locally and pushes
// the change to the remote store.
func (e *Engine) RenameConversation(ctx context.Context, id, title string) error {
	return e.updateConversation(ctx, id, func(c *schema.Conversation) {
		c.Title = title
	})
}

// SetConversationPinned updates a conversation's pinned flag locally
// and pushes the change to the remote store.
func (e *Engine) SetConversationPinned(ctx context.Context, id string, pinned bool) error {
	return e.updateConversation(ctx, id, func(c *schema.Conversation) {
		c.Pinned = pinned
	})
}

func (e *Engine) updateConversation(ctx context.Context, id string, mutate func(*schema.Conversation)) error {
	c, err := e.db.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c.Deleted() {
		return fmt.Errorf("conversation %s is deleted", id)
	}

	mutate(c)
	c.UpdatedAt = e.now().UTC()
	if err := e.db.UpsertConversation(ctx, c); err != nil {
		return err
	}

	e.scheduler.MarkActivity()
	e.notify(Change{Kind: ConversationChanged, ID: id})

	e.background(func(ctx context.Context) {
		confirmed, err := e.remote.UpsertConversation(ctx, c)
		if err != nil {
			e.logger.Printf("Warning: remote update of conversation %s failed, will converge via sync: %v", id, err)
			return
		}
		e.applyConfirmed(ctx, &remote.Changes{Conversations: []*schema.Conversation{confirmed}})
	})
	return nil
}

// confirmAsync pushes an optimistic write to the remote store in the
// background: attempts with doubling backoff up to the configured
// budget, then the row is marked failed for an explicit retry. The row
// id is tracked as in flight so a scheduled flush never double-submits
// it.
func (e *Engine) confirmAsync(m *schema.Message) {
	e.inflightMu.Lock()
	e.inflight[m.ID] = struct{}{}
	e.inflightMu.Unlock()

	e.background(func(ctx context.Context) {
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, m.ID)
			e.inflightMu.Unlock()
		}()
		e.confirm(ctx, m)
	})
}

func (e *Engine) confirmInFlight(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) confirm(ctx context.Context, m *schema.Message) {
	backoff := e.config.WriteBackoff

	for attempt := 1; attempt <= e.config.MaxWriteAttempts; attempt++ {
		confirmed, err := e.remote.CreateMessage(ctx, m)
		if err == nil {
			e.resolveConfirmed(ctx, m.ID, confirmed)
			return
		}
		if ctx.Err() != nil {
			return
		}

		var badRow *remote.BadRowError
		if errors.As(err, &badRow) {
			// The server will never accept this row; retrying is useless.
			e.logger.Printf("Warning: message %s rejected: %v", m.ID, err)
			break
		}

		if attempt == e.config.MaxWriteAttempts {
			e.logger.Printf("Warning: message %s failed after %d attempts: %v", m.ID, attempt, err)
			break
		}

		delay := backoff
		if ra := remote.RetryAfter(err); ra > delay {
			delay = ra
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		backoff *= 2
	}

	e.markFailed(ctx, m.ID)
}

// markFailed flips a still-pending row to failed. If reconciliation
// promoted or deleted the row in the meantime, nothing happens.
func (e *Engine) markFailed(ctx context.Context, id string) {
	m, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return
	}
	if m.Status != schema.StatusPending {
		return
	}

	m.Status = schema.StatusFailed
	m.UpdatedAt = e.now().UTC()
	if err := e.db.UpsertMessage(ctx, m); err != nil {
		e.logger.Printf("Warning: failed to mark message %s failed: %v", id, err)
		return
	}
	e.notify(Change{Kind: MessageChanged, ID: id})
}

// resolveConfirmed applies a create confirmation. If the optimistic
// row was tombstoned while the confirm was in flight, the delete is
// forwarded to the remote store under the new server id; the
// reconciler carries the tombstone onto the server row either way, so
// the deleted content never resurfaces locally.
func (e *Engine) resolveConfirmed(ctx context.Context, localID string, confirmed *schema.Message) {
	if local, err := e.db.GetMessage(ctx, localID); err == nil && local.Deleted() {
		scope := local.DeletedBy
		if scope == "" {
			scope = schema.ScopeSelf
		}
		tomb, err := e.remote.SoftDeleteMessage(ctx, confirmed.ID, scope)
		if err == nil {
			confirmed = tomb
		} else {
			e.logger.Printf("Warning: remote delete of promoted message %s failed, will converge via sync: %v",
				confirmed.ID, err)
		}
	}
	e.applyConfirmed(ctx, &remote.Changes{Messages: []*schema.Message{confirmed}})
}

// pushDelete sends a soft delete and applies the confirmed tombstone.
func (e *Engine) pushDelete(ctx context.Context, id string, scope schema.DeleteScope) error {
	confirmed, err := e.remote.SoftDeleteMessage(ctx, id, scope)
	if err != nil {
		return err
	}
	e.applyConfirmed(ctx, &remote.Changes{Messages: []*schema.Message{confirmed}})
	return nil
}

// applyConfirmed merges a server echo through the reconciler under the
// gate, so it cannot race a concurrent sync pass.
func (e *Engine) applyConfirmed(ctx context.Context, changes *remote.Changes) {
	if err := e.gate.Acquire(ctx); err != nil {
		return
	}
	defer e.gate.Release()

	result, err := e.reconciler.ApplyChanges(ctx, e.config.UserID, changes)
	if err != nil {
		e.logger.Printf("Warning: failed to apply confirmed rows: %v", err)
		return
	}
	e.onApplied(result)
}

// flushPending is invoked at the start of every scheduled pass (while
// the gate is already held) to re-submit writes still awaiting
// confirmation, oldest first. Rows owned by a live confirm goroutine
// are skipped, so a slow confirm attempt is never raced into a second
// remote create. Orphaned pending rows (left by a crash or restart)
// have no in-flight owner and get picked up here.
func (e *Engine) flushPending(ctx context.Context) error {
	pending, err := e.db.PendingMessages(ctx, e.config.UserID, e.now().UTC())
	if err != nil {
		return err
	}

	for _, m := range pending {
		if e.confirmInFlight(m.ID) {
			continue
		}
		confirmed, err := e.remote.CreateMessage(ctx, m)
		if err != nil {
			if !remote.Retryable(err) {
				e.markFailed(ctx, m.ID)
			}
			continue
		}

		// The gate is held by the calling pass; apply directly.
		result, err := e.reconciler.ApplyChanges(ctx, e.config.UserID,
			&remote.Changes{Messages: []*schema.Message{confirmed}})
		if err != nil {
			return err
		}
		e.onApplied(result)
	}
	return nil
}

// background runs fn on the engine's run context, tracked so Close can
// wait for it.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		fn(ctx)
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
