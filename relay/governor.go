package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CloseReason records why a session ended.
type CloseReason string

const (
	TimeoutReached     CloseReason = "TimeoutReached"
	ClientDisconnected CloseReason = "ClientDisconnected"
	SubscriptionLost   CloseReason = "SubscriptionLost"
	ServerShutdown     CloseReason = "ServerShutdown"
)

// State is the lifecycle position of a Governor.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const defaultCleanupTimeout = 10 * time.Second

type cleanupStep struct {
	name string
	fn   func(ctx context.Context) error
}

type watch struct {
	ch     <-chan struct{}
	reason CloseReason
}

// Governor ends a session on the first of: max duration elapsing, the
// client disconnecting, or a watched channel closing. Cleanup runs exactly
// once no matter how many of these fire.
type Governor struct {
	ctx            context.Context
	log            *slog.Logger
	cleanupTimeout time.Duration
	maxDuration    time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	steps   []cleanupStep
	sealed  bool // every registered step has been handed to Close
	watches []watch
	reason  CloseReason

	state atomic.Int32
	once  sync.Once
	done  chan struct{}
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithCleanupTimeout bounds the total time cleanup steps may take.
func WithCleanupTimeout(d time.Duration) GovernorOption {
	return func(g *Governor) {
		if d > 0 {
			g.cleanupTimeout = d
		}
	}
}

// NewGovernor returns an open Governor. The max-duration timer is armed by
// Start, or by Wait if Start was not called. ctx supplies values for cleanup
// steps and logging; its cancellation is ignored.
func NewGovernor(ctx context.Context, maxDuration time.Duration, log *slog.Logger, opts ...GovernorOption) *Governor {
	if log == nil {
		log = slog.Default()
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	g := &Governor{
		ctx:            context.WithoutCancel(ctx),
		log:            log,
		cleanupTimeout: defaultCleanupTimeout,
		maxDuration:    maxDuration,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Start arms the max-duration timer. Call it once the cleanup steps are
// registered. Later calls, and calls after Close, do nothing.
func (g *Governor) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil || g.State() != StateOpen {
		return
	}
	g.timer = time.AfterFunc(g.maxDuration, func() { g.Close(g.ctx, TimeoutReached) })
}

// OnCleanup appends a cleanup step. Steps run in registration order. A step
// registered after cleanup has already finished its list runs immediately.
func (g *Governor) OnCleanup(name string, fn func(ctx context.Context) error) {
	step := cleanupStep{name: name, fn: fn}
	g.mu.Lock()
	if !g.sealed {
		g.steps = append(g.steps, step)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(g.ctx, g.cleanupTimeout)
	defer cancel()
	g.runStep(ctx, step)
}

// Watch closes the session with reason when ch closes.
func (g *Governor) Watch(ch <-chan struct{}, reason CloseReason) {
	g.mu.Lock()
	g.watches = append(g.watches, watch{ch: ch, reason: reason})
	g.mu.Unlock()

	go func() {
		select {
		case <-ch:
			if g.State() == StateOpen {
				g.Close(g.ctx, reason)
			}
		case <-g.done:
		}
	}()
}

// Wait blocks until the session is closed and returns the reason. ctx
// cancellation means the client went away, unless a watched channel has
// also fired, in which case that reason wins.
func (g *Governor) Wait(ctx context.Context) CloseReason {
	g.Start()
	select {
	case <-g.done:
	case <-ctx.Done():
		reason := g.firedWatch()
		if reason == "" {
			reason = ClientDisconnected
		}
		g.Close(ctx, reason)
	}
	return g.Reason()
}

func (g *Governor) firedWatch() CloseReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.watches {
		select {
		case <-w.ch:
			return w.reason
		default:
		}
	}
	return ""
}

// Close ends the session with reason and runs every cleanup step. Only the
// first call has any effect; concurrent callers block until cleanup is
// complete. Step failures are logged and do not stop later steps.
func (g *Governor) Close(ctx context.Context, reason CloseReason) {
	g.once.Do(func() {
		g.state.Store(int32(StateClosing))

		g.mu.Lock()
		if g.timer != nil {
			g.timer.Stop()
		}
		g.reason = reason
		g.mu.Unlock()

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cleanupTimeout)
		defer cancel()

		g.log.InfoContext(cctx, "session.close", slog.String("reason", string(reason)))
		// Steps may still be registered while earlier ones run.
		for i := 0; ; i++ {
			g.mu.Lock()
			if i >= len(g.steps) {
				g.sealed = true
				g.mu.Unlock()
				break
			}
			s := g.steps[i]
			g.mu.Unlock()
			g.runStep(cctx, s)
		}

		g.state.Store(int32(StateClosed))
		close(g.done)
	})
	<-g.done
}

func (g *Governor) runStep(ctx context.Context, s cleanupStep) {
	if err := callStep(ctx, s); err != nil {
		g.log.ErrorContext(ctx, "session.cleanup.step.fail", slog.String("step", s.name), slog.String("err", err.Error()))
	}
}

func callStep(ctx context.Context, s cleanupStep) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.fn(ctx)
}

// State reports where the governor is in its lifecycle.
func (g *Governor) State() State { return State(g.state.Load()) }

// Reason returns the close reason, or "" while open.
func (g *Governor) Reason() CloseReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Done is closed once cleanup has completed.
func (g *Governor) Done() <-chan struct{} { return g.done }
