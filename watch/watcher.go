// Package watch decides whether and how fast a view re-polls the backend for
// an entity in a non-terminal state. Each watched (entity, view) pair runs an
// explicit state machine with an escalating interval profile and a hard
// ceiling on automatic polling, so no view ever spins silently forever.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"escrowdesk/core/escrow"
	"escrowdesk/observability"
)

// State is the watch state for one (entity, view) pair.
type State int

const (
	// StateIdle means no automatic polling is active. Reached initially,
	// after cancellation, and permanently once the entity turns terminal.
	StateIdle State = iota
	// StatePolling means an automatic poll timer is in flight.
	StatePolling
	// StateTimedOut means the watch hit its ceiling; polling stopped and the
	// view must surface a manual-refresh affordance.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateTimedOut:
		return "timed-out"
	default:
		return "idle"
	}
}

// Key identifies one watched (entity, view) pair.
type Key struct {
	Kind     escrow.Kind
	EntityID string
	View     string
}

// RefetchFunc re-fetches the entity and reports its latest status. The
// caller wires it to the consistency graph so each tick refreshes every
// dependent view, not just the entity itself.
type RefetchFunc func(ctx context.Context) (status string, err error)

// Config controls watcher behaviour. Clock and Wait are injectable so tests
// can simulate elapsed time deterministically.
type Config struct {
	Profile     Profile
	MaxDuration time.Duration
	Clock       func() time.Time
	Wait        func(ctx context.Context, d time.Duration) bool
	Logger      *slog.Logger
}

// DefaultMaxDuration bounds automatic polling per watch.
const DefaultMaxDuration = 10 * time.Minute

type watchState struct {
	state     State
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Watcher owns every active watch. Exactly one timer loop runs per key; a
// duplicate trigger while a watch is in flight is ignored rather than
// restarting the elapsed-time tracking.
type Watcher struct {
	cfg     Config
	mu      sync.Mutex
	watches map[Key]*watchState
	metrics *observability.CoordinationMetrics
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(cfg Config) *Watcher {
	if len(cfg.Profile) == 0 {
		cfg.Profile = DefaultProfile
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Wait == nil {
		cfg.Wait = waitTimer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		watches: make(map[Key]*watchState),
		metrics: observability.Coordination(),
	}
}

// Begin starts polling for the key when warranted: the status must be
// non-terminal, and either require close tracking or be explicitly opted in
// (e.g. right after the caller triggered an execution). It reports whether a
// new watch was started. An in-flight watch is never restarted.
func (w *Watcher) Begin(ctx context.Context, key Key, status string, optIn bool, refetch RefetchFunc) (bool, error) {
	terminal, err := escrow.IsTerminal(key.Kind, status)
	if err != nil {
		return false, err
	}
	if terminal {
		// Final for this entity instance: no timer may outlive a terminal
		// observation.
		w.Cancel(key)
		return false, nil
	}
	if !optIn && !escrow.Tracked(key.Kind, status) {
		return false, nil
	}

	w.mu.Lock()
	if existing, ok := w.watches[key]; ok && existing.state == StatePolling {
		w.mu.Unlock()
		return false, nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	ws := &watchState{
		state:     StatePolling,
		startedAt: w.cfg.Clock(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.watches[key] = ws
	w.mu.Unlock()

	go w.run(watchCtx, key, ws, refetch)
	return true, nil
}

func (w *Watcher) run(ctx context.Context, key Key, ws *watchState, refetch RefetchFunc) {
	defer close(ws.done)
	defer ws.cancel()

	for {
		elapsed := w.cfg.Clock().Sub(ws.startedAt)
		if elapsed >= w.cfg.MaxDuration {
			w.finish(key, ws, StateTimedOut, "timeout")
			w.cfg.Logger.Warn("watch timed out",
				"kind", string(key.Kind), "entity", key.EntityID, "view", key.View)
			return
		}
		interval := w.cfg.Profile.IntervalAt(elapsed)
		if !w.cfg.Wait(ctx, interval) {
			w.finish(key, ws, StateIdle, "cancelled")
			return
		}

		w.metrics.RecordPoll(string(key.Kind))
		status, err := refetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.finish(key, ws, StateIdle, "cancelled")
				return
			}
			// Transient refetch failures keep the watch alive; the ceiling
			// still bounds the total duration.
			w.cfg.Logger.Debug("watch refetch failed",
				"kind", string(key.Kind), "entity", key.EntityID, "err", err)
			continue
		}
		terminal, err := escrow.IsTerminal(key.Kind, status)
		if err != nil {
			w.cfg.Logger.Warn("watch observed unrecognized status",
				"kind", string(key.Kind), "entity", key.EntityID, "status", status)
			continue
		}
		if terminal {
			w.finish(key, ws, StateIdle, "terminal")
			return
		}
	}
}

func (w *Watcher) finish(key Key, ws *watchState, state State, outcome string) {
	w.mu.Lock()
	if current, ok := w.watches[key]; ok && current == ws {
		ws.state = state
	}
	w.mu.Unlock()
	w.metrics.RecordWatchOutcome(outcome)
}

// State reports the watch state for the key.
func (w *Watcher) State(key Key) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.watches[key]
	if !ok {
		return StateIdle
	}
	return ws.state
}

// Done returns a channel closed when the watch loop for the key exits. A nil
// map entry yields an already-closed channel.
func (w *Watcher) Done(key Key) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ws, ok := w.watches[key]; ok {
		return ws.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Cancel deterministically stops the watch for the key, if any. The watch
// returns to idle; no timer fires afterwards.
func (w *Watcher) Cancel(key Key) {
	w.mu.Lock()
	ws, ok := w.watches[key]
	w.mu.Unlock()
	if !ok {
		return
	}
	ws.cancel()
	<-ws.done
}

// CancelAll stops every active watch, for service shutdown.
func (w *Watcher) CancelAll() {
	w.mu.Lock()
	keys := make([]Key, 0, len(w.watches))
	for key := range w.watches {
		keys = append(keys, key)
	}
	w.mu.Unlock()
	for _, key := range keys {
		w.Cancel(key)
	}
}

func waitTimer(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
