// Package scheduler drives periodic bounded delta pulls.
//
// The cadence is adaptive: while the user is active the scheduler polls
// on a short fixed interval, and when activity stops the interval grows
// toward a ceiling so an idle device costs almost nothing. Every pass
// is bounded by the per-user window and row caps, so the cost of one
// pass is independent of total history size.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nova-chat/novasync/internal/reconcile"
	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/store"
)

// Default cadence values.
const (
	// DefaultActiveInterval is the poll interval while the user is
	// interacting with the app.
	DefaultActiveInterval = 5 * time.Second
	// DefaultIdleInitial is the first idle interval after activity stops.
	DefaultIdleInitial = 8 * time.Second
	// DefaultIdleMax caps interval growth on an idle device.
	DefaultIdleMax = 5 * time.Minute
	// DefaultCooldown suppresses redundant passes fired close together.
	DefaultCooldown = 3 * time.Second
)

// Config holds scheduler configuration.
type Config struct {
	// UserID scopes every pull.
	UserID string

	// DB is the local cache (read for cursor and bounds).
	DB *store.DB

	// Remote is the remote store client.
	Remote remote.API

	// Reconciler applies fetched changes.
	Reconciler *reconcile.Reconciler

	// Gate serializes passes against the push listener and forced
	// refreshes.
	Gate *reconcile.Gate

	// FlushPending, if set, is run at the start of every pass to push
	// local writes that are still awaiting confirmation.
	FlushPending func(ctx context.Context) error

	// OnApplied, if set, is called after a pass changes local state.
	OnApplied func(*reconcile.Result)

	// OnPass, if set, is called after every completed pass (skipped
	// passes excluded) with its result or error, for statistics.
	OnPass func(*reconcile.Result, error)

	// OnAuthError, if set, is called when a pass fails with a rejected
	// credential. The scheduler keeps ticking; recovery is external.
	OnAuthError func(error)

	ActiveInterval time.Duration
	IdleInitial    time.Duration
	IdleMax        time.Duration
	Cooldown       time.Duration

	// Logger for scheduler activity (default: stderr logger).
	Logger *log.Logger
}

// Scheduler runs the periodic pull loop.
type Scheduler struct {
	config Config
	logger *log.Logger

	// poke wakes the loop early (activity, foreground).
	poke chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	interval     time.Duration
	notBefore    time.Time // rate-limit holdoff
	cancel       context.CancelFunc
	done         chan struct{}

	now func() time.Time
}

// New creates a scheduler. Call Start to begin the loop.
func New(config Config) *Scheduler {
	if config.ActiveInterval == 0 {
		config.ActiveInterval = DefaultActiveInterval
	}
	if config.IdleInitial == 0 {
		config.IdleInitial = DefaultIdleInitial
	}
	if config.IdleMax == 0 {
		config.IdleMax = DefaultIdleMax
	}
	if config.Cooldown == 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	return &Scheduler{
		config:   config,
		logger:   config.Logger,
		poke:     make(chan struct{}, 1),
		interval: config.ActiveInterval,
		now:      time.Now,
	}
}

// MarkActivity records user interaction: the next intervals snap back
// to the active cadence.
func (s *Scheduler) MarkActivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.interval = s.config.ActiveInterval
	s.mu.Unlock()
}

// Foreground snaps to the active cadence and wakes the loop for an
// immediate pass, as when the app returns to the foreground.
func (s *Scheduler) Foreground() {
	s.MarkActivity()
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Start launches the poll loop. It returns immediately; call Stop to
// terminate.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()
}

// Stop terminates the loop and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		s.mu.Lock()
		wait := s.interval
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.poke:
			timer.Stop()
		case <-timer.C:
		}

		result, err := s.RunOnce(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.observeError(err)
			continue
		}

		s.adjustInterval(result)
	}
}

// RunOnce performs a single sync pass.
//
// With force set the pass queues behind whoever holds the gate and
// ignores the cooldown; a background pass instead skips silently when
// the gate is busy or a pass ran moments ago. A skipped pass returns
// (nil, nil).
func (s *Scheduler) RunOnce(ctx context.Context, force bool) (result *reconcile.Result, err error) {
	if force {
		if err := s.config.Gate.Acquire(ctx); err != nil {
			return nil, err
		}
	} else if !s.config.Gate.TryAcquire() {
		return nil, nil
	}
	defer s.config.Gate.Release()

	if !force {
		s.mu.Lock()
		holdoff := s.notBefore
		s.mu.Unlock()
		if s.now().Before(holdoff) {
			return nil, nil
		}
	}

	meta, err := s.config.DB.EnsureSyncMetadata(ctx, s.config.UserID)
	if err != nil {
		return nil, err
	}

	if !force && s.now().Sub(meta.LastSyncAttemptAt) < s.config.Cooldown {
		return nil, nil
	}

	if s.config.OnPass != nil {
		defer func() { s.config.OnPass(result, err) }()
	}

	// Record the attempt before calling out, so a crash or hang still
	// counts against the cooldown.
	meta.LastSyncAttemptAt = s.now()
	if err := s.config.DB.PutSyncMetadata(ctx, meta); err != nil {
		return nil, err
	}

	if s.config.FlushPending != nil {
		if err := s.config.FlushPending(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("Warning: pending flush failed: %v", err)
		}
	}

	changes, err := s.config.Remote.FetchSince(ctx, s.config.UserID,
		meta.LastSyncedAt, meta.WindowDays, meta.MaxConversations, meta.MaxMessages)
	if err != nil {
		return nil, err
	}

	result, err = s.config.Reconciler.ApplyChanges(ctx, s.config.UserID, changes)
	if err != nil {
		return nil, err
	}

	if result.Changed() && s.config.OnApplied != nil {
		s.config.OnApplied(result)
	}
	return result, nil
}

// observeError classifies a failed pass. Transient failures only slow
// the cadence; an auth failure is surfaced and the loop keeps ticking
// at the ceiling until the credential is fixed.
func (s *Scheduler) observeError(err error) {
	var authErr *remote.AuthError
	if errors.As(err, &authErr) {
		s.logger.Printf("Warning: sync pass rejected: %v", err)
		if s.config.OnAuthError != nil {
			s.config.OnAuthError(err)
		}
		s.mu.Lock()
		s.interval = s.config.IdleMax
		s.mu.Unlock()
		return
	}

	if delay := remote.RetryAfter(err); delay > 0 {
		s.mu.Lock()
		s.notBefore = s.now().Add(delay)
		if s.interval < delay {
			s.interval = delay
		}
		s.mu.Unlock()
		s.logger.Printf("rate limited, holding off for %s", delay)
		return
	}

	s.logger.Printf("sync pass failed: %v", err)
	s.growIdle()
}

// adjustInterval picks the next interval after a pass: active cadence
// while the user is interacting or changes keep arriving, growing idle
// intervals otherwise.
func (s *Scheduler) adjustInterval(result *reconcile.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.now().Sub(s.lastActivity) < s.config.IdleInitial
	if active || (result != nil && result.Changed()) {
		s.interval = s.config.ActiveInterval
		return
	}

	if s.interval < s.config.IdleInitial {
		s.interval = s.config.IdleInitial
	} else {
		s.interval *= 2
		if s.interval > s.config.IdleMax {
			s.interval = s.config.IdleMax
		}
	}
}

func (s *Scheduler) growIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval < s.config.IdleInitial {
		s.interval = s.config.IdleInitial
		return
	}
	s.interval *= 2
	if s.interval > s.config.IdleMax {
		s.interval = s.config.IdleMax
	}
}
