// Package governor keeps the local cache bounded.
//
// Full message history is only retained for a capped number of
// most-recently-updated conversations; the rest are demoted to
// metadata-only rows and repopulated by a targeted fetch when opened.
// Tombstones are pruned only once the sync cursor has moved past them,
// so a delete is never forgotten before every device could observe it.
package governor

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nova-chat/novasync/internal/store"
)

// DefaultInterval is the period between background sweeps.
const DefaultInterval = 10 * time.Minute

// Config holds governor configuration.
type Config struct {
	// UserID scopes every sweep.
	UserID string

	// DB is the local cache.
	DB *store.DB

	// KeepConversations is how many conversations retain full message
	// history locally (default: the per-user max-conversations cap).
	KeepConversations int

	// Interval between background sweeps (default: 10m).
	Interval time.Duration

	// OnDemoted, if set, is called with each conversation id demoted to
	// metadata-only, for UI invalidation.
	OnDemoted func(conversationID string)

	// Logger for governor activity (default: stderr logger).
	Logger *log.Logger
}

// SweepResult summarizes one governor pass.
type SweepResult struct {
	// Demoted lists conversations reduced to metadata-only.
	Demoted []string
	// MessagesDropped counts cached message bodies removed by demotion.
	MessagesDropped int
	// TombstonesPruned counts tombstone rows physically removed.
	TombstonesPruned int
}

// Governor runs cache retention sweeps.
type Governor struct {
	config Config
	logger *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a governor. Call Start for background sweeps, or Sweep
// directly.
func New(config Config) *Governor {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[governor] ", log.LstdFlags)
	}
	return &Governor{config: config, logger: config.Logger}
}

// Sweep runs one retention pass: demote conversations beyond the keep
// cap, then prune tombstones the sync cursor has passed.
func (g *Governor) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	keep := g.config.KeepConversations
	if keep <= 0 {
		meta, err := g.config.DB.EnsureSyncMetadata(ctx, g.config.UserID)
		if err != nil {
			return nil, err
		}
		keep = meta.MaxConversations
	}

	stale, err := g.config.DB.StaleConversationIDs(ctx, g.config.UserID, keep)
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		dropped, err := g.config.DB.DemoteConversation(ctx, id)
		if err != nil {
			return result, err
		}
		result.Demoted = append(result.Demoted, id)
		result.MessagesDropped += dropped
		if g.config.OnDemoted != nil {
			g.config.OnDemoted(id)
		}
	}

	meta, err := g.config.DB.GetSyncMetadata(ctx, g.config.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return result, err
	}
	if meta != nil {
		pruned, err := g.config.DB.PruneTombstones(ctx, g.config.UserID, meta.LastSyncedAt)
		if err != nil {
			return result, err
		}
		result.TombstonesPruned = pruned
	}

	if len(result.Demoted) > 0 || result.TombstonesPruned > 0 {
		g.logger.Printf("sweep: demoted %d conversations (%d messages), pruned %d tombstones",
			len(result.Demoted), result.MessagesDropped, result.TombstonesPruned)
	}
	return result, nil
}

// HandleQuotaPressure runs an immediate sweep in response to a local
// storage failure, demoting below the usual cap to free space quickly.
func (g *Governor) HandleQuotaPressure(ctx context.Context) (*SweepResult, error) {
	keep := g.config.KeepConversations
	if keep <= 0 {
		meta, err := g.config.DB.EnsureSyncMetadata(ctx, g.config.UserID)
		if err != nil {
			return nil, err
		}
		keep = meta.MaxConversations
	}
	// Halve the cap under pressure.
	reduced := keep / 2
	if reduced < 1 {
		reduced = 1
	}

	g.logger.Printf("Warning: quota pressure, sweeping down to %d conversations", reduced)

	sub := &Governor{config: g.config, logger: g.logger}
	sub.config.KeepConversations = reduced
	return sub.Sweep(ctx)
}

// Start launches periodic sweeps. It returns immediately; call Stop to
// terminate.
func (g *Governor) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := g.Sweep(runCtx); err != nil && runCtx.Err() == nil {
					g.logger.Printf("Warning: sweep failed: %v", err)
				}
			}
		}
	}()
}

// Stop terminates background sweeps and waits for them to finish.
func (g *Governor) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
