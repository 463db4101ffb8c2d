// Package engine is the sync facade: the only API application code
// uses. It owns the local store, the remote client, and the three
// background actors (push listener, delta scheduler, cache governor),
// and serializes all of them through one reconciliation gate so exactly
// one sync pass is ever in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nova-chat/novasync/internal/governor"
	"github.com/nova-chat/novasync/internal/listener"
	"github.com/nova-chat/novasync/internal/reconcile"
	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/scheduler"
	"github.com/nova-chat/novasync/internal/schema"
	"github.com/nova-chat/novasync/internal/store"
)

// ChangeKind identifies what a notification refers to.
type ChangeKind string

const (
	// ConversationChanged means a conversation row changed visibly.
	ConversationChanged ChangeKind = "conversation_changed"
	// MessageChanged means a message row changed visibly.
	MessageChanged ChangeKind = "message_changed"
)

// Change is one UI invalidation notification.
type Change struct {
	Kind ChangeKind
	// ID is the conversation or message id, matching Kind.
	ID string
}

// Stats is a snapshot of sync activity since Start.
type Stats struct {
	Cycles      int
	RowsApplied int
	Promoted    int
	Tombstoned  int

	LastSuccess time.Time
	LastFailure time.Time
	LastError   string

	ListenerState string
}

// Config holds engine configuration.
type Config struct {
	// UserID is the authenticated user every operation is scoped to.
	UserID string

	// DB is the local durable store. The engine takes ownership and
	// closes it on Close.
	DB *store.DB

	// Remote is the remote store client.
	Remote remote.API

	// MaxWriteAttempts bounds the background confirm retries for an
	// optimistic write before it is marked failed (default: 5).
	MaxWriteAttempts int

	// WriteBackoff is the first retry delay; it doubles per attempt
	// (default: 1s).
	WriteBackoff time.Duration

	// KeepConversations caps fully-cached conversations (default: the
	// per-user max-conversations bound).
	KeepConversations int

	// Scheduler cadence overrides; zero values use the scheduler
	// defaults.
	ActiveInterval time.Duration
	IdleMax        time.Duration

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// Engine is the sync facade.
type Engine struct {
	config Config
	logger *log.Logger

	db     *store.DB
	remote remote.API

	gate       *reconcile.Gate
	reconciler *reconcile.Reconciler
	listener   *listener.Listener
	scheduler  *scheduler.Scheduler
	governor   *governor.Governor

	notifications chan Change

	statsMu sync.Mutex
	stats   Stats

	mu      sync.Mutex
	started bool
	closed  bool
	runCtx  context.Context
	cancel  context.CancelFunc

	writes sync.WaitGroup

	// inflight tracks local ids owned by a live confirm goroutine so
	// the scheduled flush never double-submits them.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	now func() time.Time
}

// New creates an engine. Call Start to launch the background actors.
func New(config Config) (*Engine, error) {
	if config.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if config.MaxWriteAttempts == 0 {
		config.MaxWriteAttempts = 5
	}
	if config.WriteBackoff == 0 {
		config.WriteBackoff = time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	e := &Engine{
		config:        config,
		logger:        config.Logger,
		db:            config.DB,
		remote:        config.Remote,
		gate:          reconcile.NewGate(),
		notifications: make(chan Change, 256),
		inflight:      make(map[string]struct{}),
		now:           time.Now,
	}
	e.reconciler = reconcile.New(config.DB, config.Logger)

	e.scheduler = scheduler.New(scheduler.Config{
		UserID:         config.UserID,
		DB:             config.DB,
		Remote:         config.Remote,
		Reconciler:     e.reconciler,
		Gate:           e.gate,
		FlushPending:   e.flushPending,
		OnApplied:      e.onApplied,
		OnPass:         e.onPass,
		ActiveInterval: config.ActiveInterval,
		IdleMax:        config.IdleMax,
		Logger:         config.Logger,
	})

	e.listener = listener.New(listener.Config{
		UserID:     config.UserID,
		Remote:     config.Remote,
		Reconciler: e.reconciler,
		Gate:       e.gate,
		GapFill:    e.gapFill,
		OnApplied:  e.onApplied,
		Logger:     config.Logger,
	})

	e.governor = governor.New(governor.Config{
		UserID:            config.UserID,
		DB:                config.DB,
		KeepConversations: config.KeepConversations,
		OnDemoted:         func(id string) { e.notify(Change{Kind: ConversationChanged, ID: id}) },
		Logger:            config.Logger,
	})

	return e, nil
}

// Start launches the listener, scheduler, and governor. It performs no
// blocking network work itself; the first delta pass happens in the
// background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.started {
		return nil
	}

	if _, err := e.db.EnsureSyncMetadata(ctx, e.config.UserID); err != nil {
		return fmt.Errorf("failed to initialize sync metadata: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.runCtx = runCtx
	e.cancel = cancel

	e.listener.Start(runCtx)
	e.scheduler.Start(runCtx)
	e.governor.Start(runCtx)
	e.started = true

	e.logger.Printf("started for user %s", e.config.UserID)
	return nil
}

// Close stops the background actors, waits for in-flight write
// confirms, and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.started {
		e.cancel()
		e.started = false
	}
	e.mu.Unlock()

	e.listener.Stop()
	e.scheduler.Stop()
	e.governor.Stop()
	e.writes.Wait()
	close(e.notifications)

	return e.db.Close()
}

// Notifications returns the change feed for UI invalidation. Consumers
// that fall behind lose notifications, never block the engine; a full
// resync from the local store recovers the missed state.
func (e *Engine) Notifications() <-chan Change {
	return e.notifications
}

// ListConversations returns the user's conversations, pinned first then
// most recently updated. Counts as user activity.
func (e *Engine) ListConversations(ctx context.Context, limit, offset int) ([]*schema.Conversation, error) {
	e.scheduler.MarkActivity()
	return e.db.ListConversations(ctx, store.ListConversationsFilter{
		UserID: e.config.UserID,
		Limit:  limit,
		Offset: offset,
	})
}

// ListMessages returns a conversation's messages in creation order.
// Counts as user activity.
func (e *Engine) ListMessages(ctx context.Context, conversationID string, limit int, includeDeleted bool) ([]*schema.Message, error) {
	e.scheduler.MarkActivity()
	return e.db.ListMessages(ctx, store.ListMessagesFilter{
		ConversationID: conversationID,
		IncludeDeleted: includeDeleted,
		Limit:          limit,
	})
}

// OpenConversation prepares a conversation for display. If the governor
// demoted it to metadata-only, the message history is backfilled with a
// targeted fetch before returning.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.scheduler.MarkActivity()

	full, err := e.db.HasFullHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	if full {
		return nil
	}

	messages, err := e.remote.FetchConversationMessages(ctx, conversationID, 0)
	if err != nil {
		return fmt.Errorf("failed to backfill conversation %s: %w", conversationID, err)
	}

	if err := e.gate.Acquire(ctx); err != nil {
		return err
	}
	result, err := e.reconciler.ApplyChanges(ctx, e.config.UserID, &remote.Changes{Messages: messages})
	e.gate.Release()
	if err != nil {
		return err
	}
	e.onApplied(result)

	return e.db.SetFullHistory(ctx, conversationID, true)
}

// ForceRefresh runs one immediate sync pass. It bypasses the cooldown
// but not the in-flight guard: if a pass is already running this one
// queues behind it rather than duplicating work.
func (e *Engine) ForceRefresh(ctx context.Context) error {
	_, err := e.scheduler.RunOnce(ctx, true)
	if errors.Is(err, store.ErrQuotaExceeded) {
		// Local storage is full. Free space and retry once.
		if _, sweepErr := e.governor.HandleQuotaPressure(ctx); sweepErr != nil {
			return fmt.Errorf("refresh failed and pressure sweep failed: %w", sweepErr)
		}
		_, err = e.scheduler.RunOnce(ctx, true)
	}
	return err
}

// Foreground signals that the app returned to the foreground: the
// cadence snaps to active and a pass is kicked off.
func (e *Engine) Foreground() {
	e.scheduler.Foreground()
}

// LastSyncedAt returns the reconciliation cursor: every remote change
// at or before this server time is reflected locally.
func (e *Engine) LastSyncedAt(ctx context.Context) (time.Time, error) {
	meta, err := e.db.GetSyncMetadata(ctx, e.config.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return meta.LastSyncedAt, nil
}

// Stats returns a snapshot of sync activity.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	snapshot := e.stats
	e.statsMu.Unlock()
	snapshot.ListenerState = e.listener.State().String()
	return snapshot
}

// Ping probes remote reachability.
func (e *Engine) Ping(ctx context.Context) error {
	return e.remote.Ping(ctx)
}

// gapFill is run by the listener on every (re)subscribe to cover the
// window the push channel was down.
func (e *Engine) gapFill(ctx context.Context) error {
	_, err := e.scheduler.RunOnce(ctx, true)
	return err
}

// onApplied fans a reconcile result out to statistics and the
// notification feed.
func (e *Engine) onApplied(result *reconcile.Result) {
	if result == nil {
		return
	}

	e.statsMu.Lock()
	e.stats.RowsApplied += result.Applied
	e.stats.Promoted += result.Promoted
	e.stats.Tombstoned += result.Tombstoned
	e.statsMu.Unlock()

	for _, id := range result.ChangedConversations {
		e.notify(Change{Kind: ConversationChanged, ID: id})
	}
	for _, id := range result.ChangedMessages {
		e.notify(Change{Kind: MessageChanged, ID: id})
	}
}

func (e *Engine) onPass(result *reconcile.Result, err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.Cycles++
	if err != nil {
		e.stats.LastFailure = e.now()
		e.stats.LastError = err.Error()
		return
	}
	e.stats.LastSuccess = e.now()
	e.stats.LastError = ""
}

// notify delivers a change without ever blocking: a slow consumer
// drops notifications instead of stalling reconciliation.
func (e *Engine) notify(change Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}

	select {
	case e.notifications <- change:
	default:
	}
}
