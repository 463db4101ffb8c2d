// Package listener maintains the push channel to the remote store.
//
// The listener owns one subscription at a time and reconnects with
// exponential backoff when it drops. Every (re)connect first runs a gap
// fill so changes that happened while disconnected are pulled before
// live events are consumed; push events alone are never trusted to be
// complete.
package listener

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nova-chat/novasync/internal/reconcile"
	"github.com/nova-chat/novasync/internal/remote"
)

// State is the connection state of the push channel.
type State int32

const (
	// StateDisconnected means no subscription is open.
	StateDisconnected State = iota
	// StateConnecting means a subscribe attempt is in flight.
	StateConnecting
	// StateSubscribed means live events are being consumed.
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Config holds listener configuration.
type Config struct {
	// UserID scopes the subscription.
	UserID string

	// Remote is the remote store client.
	Remote remote.API

	// Reconciler applies incoming events to the local cache.
	Reconciler *reconcile.Reconciler

	// Gate serializes event application against other sync actors.
	Gate *reconcile.Gate

	// GapFill is run after every successful subscribe, before live
	// events are consumed. It should perform one bounded delta pull.
	GapFill func(ctx context.Context) error

	// OnApplied, if set, is called after an event changes local state.
	OnApplied func(*reconcile.Result)

	// InitialBackoff is the reconnect delay after a failure (default:
	// 1s). It doubles per consecutive failure up to MaxBackoff
	// (default: 2m).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// StableAfter is how long a subscription must stay up before the
	// backoff resets (default: 30s). A connection dropped sooner counts
	// as a failure, so a server that accepts the dial and immediately
	// hangs up cannot induce a tight redial loop.
	StableAfter time.Duration

	// Logger for listener activity (default: stderr logger).
	Logger *log.Logger
}

// Listener keeps the push channel alive and feeds events through the
// reconciler.
type Listener struct {
	config Config
	logger *log.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a listener. Call Start to begin.
func New(config Config) *Listener {
	if config.InitialBackoff == 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}
	if config.StableAfter == 0 {
		config.StableAfter = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[listener] ", log.LstdFlags)
	}
	return &Listener{
		config: config,
		logger: config.Logger,
	}
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Start launches the subscribe/consume loop. It returns immediately;
// call Stop to terminate.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		l.run(runCtx)
	}()
}

// Stop terminates the loop and waits for it to finish.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context) {
	defer l.state.Store(int32(StateDisconnected))

	backoff := l.config.InitialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		l.state.Store(int32(StateConnecting))
		sub, err := l.config.Remote.Subscribe(ctx, l.config.UserID)
		if err != nil {
			l.state.Store(int32(StateDisconnected))
			if ctx.Err() != nil {
				return
			}

			var authErr *remote.AuthError
			if errors.As(err, &authErr) {
				// Not transient. Hold at the backoff ceiling and wait
				// for the credential to be refreshed out of band.
				l.logger.Printf("Warning: subscribe rejected: %v", err)
				backoff = l.config.MaxBackoff
			} else {
				l.logger.Printf("subscribe failed, retrying in %s: %v", backoff, err)
			}

			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.config.MaxBackoff)
			continue
		}

		l.state.Store(int32(StateSubscribed))
		l.logger.Printf("subscribed for user %s", l.config.UserID)
		connectedAt := time.Now()

		// Cover the window between the last sync and this subscribe.
		if l.config.GapFill != nil {
			if err := l.config.GapFill(ctx); err != nil && ctx.Err() == nil {
				l.logger.Printf("Warning: gap fill failed: %v", err)
			}
		}

		l.consume(ctx, sub)
		sub.Close()
		l.state.Store(int32(StateDisconnected))

		if err := sub.Err(); err != nil && ctx.Err() == nil {
			l.logger.Printf("push channel dropped: %v", err)
		}
		if ctx.Err() != nil {
			return
		}

		// Only a connection that held for a while earns a backoff
		// reset; then pause before redialing either way.
		if time.Since(connectedAt) >= l.config.StableAfter {
			backoff = l.config.InitialBackoff
		}
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, l.config.MaxBackoff)
	}
}

// consume applies live events until the subscription ends or ctx is
// cancelled. Each event is applied under the gate so it never races a
// scheduled or forced sync pass.
func (l *Listener) consume(ctx context.Context, sub *remote.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			l.apply(ctx, event)
		}
	}
}

func (l *Listener) apply(ctx context.Context, event remote.Event) {
	if err := l.config.Gate.Acquire(ctx); err != nil {
		return
	}
	defer l.config.Gate.Release()

	result, err := l.config.Reconciler.ApplyEvent(ctx, l.config.UserID, event)
	if err != nil {
		l.logger.Printf("Warning: failed to apply push event: %v", err)
		return
	}
	if result.Changed() && l.config.OnApplied != nil {
		l.config.OnApplied(result)
	}
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
