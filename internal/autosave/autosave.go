// Provides debounced background saving of edited trees.

// Package autosave coalesces bursts of edit events into periodic autosave
// calls, with a bounded retry on failure.
//
// Each tree runs an independent state machine: Idle -> PendingSave (debounce
// timer armed) -> Saving -> Idle, with a RetryScheduled detour when a save
// attempt fails and retry budget remains. There is never more than one
// in-flight save per tree; edits arriving while a save runs simply replace
// the pending payload.
package autosave

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/maheux/kintree/internal/server/dto"
)

// State is one phase of a tree's autosave lifecycle.
type State int

// The autosave states.
const (
	Idle State = iota
	PendingSave
	Saving
	RetryScheduled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingSave:
		return "pending"
	case Saving:
		return "saving"
	case RetryScheduled:
		return "retry"
	default:
		return "unknown"
	}
}

// Saver is the slice of the persistence client the coordinator drives.
type Saver interface {
	AutoSaveTree(ctx context.Context, treeID string, data []json.RawMessage) (*dto.AutoSaveTreeResponse, error)
	MarkPending()
	Online() bool
}

// Callbacks surface autosave outcomes to the UI layer. Any field may be nil.
type Callbacks struct {
	OnSaved       func(treeID string, resp *dto.AutoSaveTreeResponse)
	OnError       func(treeID string, err error)
	OnStateChange func(treeID string, state State)
}

// Options tunes the coordinator. Zero values pick the defaults.
type Options struct {
	Delay      time.Duration // debounce window, default 2s
	RetryDelay time.Duration // pause between retry attempts, default 5s
	MaxRetries int           // extra attempts after the first failure; 0 picks the default 3, negative disables retries
	Callbacks  Callbacks
}

const (
	defaultDelay      = 2 * time.Second
	defaultRetryDelay = 5 * time.Second
	defaultMaxRetries = 3
)

// Coordinator debounces edit events into autosave calls.
type Coordinator struct {
	saver Saver
	opts  Options

	mu      sync.Mutex
	pending map[string][]json.RawMessage
	timers  map[string]*time.Timer
	states  map[string]State
	saving  map[string]struct{}
	closed  bool
	stop    chan struct{}
}

// New creates a coordinator driving saver. Close it when done to stop
// pending timers.
func New(saver Saver, opts Options) *Coordinator {
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Coordinator{
		saver:   saver,
		opts:    opts,
		pending: make(map[string][]json.RawMessage),
		timers:  make(map[string]*time.Timer),
		states:  make(map[string]State),
		saving:  make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
}

// QueueChange records an edited payload and (re)arms the debounce timer.
// Later payloads for the same tree replace earlier ones.
func (c *Coordinator) QueueChange(treeID string, data []json.RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending[treeID] = data
	if t, ok := c.timers[treeID]; ok {
		t.Stop()
	}
	c.timers[treeID] = time.AfterFunc(c.opts.Delay, func() {
		c.timerFired(treeID)
	})
	c.mu.Unlock()

	c.saver.MarkPending()
	c.setState(treeID, PendingSave)
}

// ForceSave cancels any pending debounce and saves the queued payload
// immediately. It is a no-op when nothing is pending.
func (c *Coordinator) ForceSave(ctx context.Context, treeID string) error {
	c.mu.Lock()
	if t, ok := c.timers[treeID]; ok {
		t.Stop()
		delete(c.timers, treeID)
	}
	_, ok := c.pending[treeID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.save(ctx, treeID)
}

// Pending reports whether a payload is queued for treeID.
func (c *Coordinator) Pending(treeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[treeID]
	return ok
}

// State returns the tree's current autosave state.
func (c *Coordinator) State(treeID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[treeID]
}

// Close stops all timers and interrupts retry waits. Queued payloads are
// dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	close(c.stop)
	c.mu.Unlock()
}

// timerFired runs on the debounce timer's goroutine. Errors are surfaced
// through the OnError callback.
func (c *Coordinator) timerFired(treeID string) {
	_ = c.save(context.Background(), treeID)
}

// save takes the pending payload and runs the attempt/retry loop. The
// payload is restored on skip or terminal failure so a later edit or
// ForceSave picks it up again.
func (c *Coordinator) save(ctx context.Context, treeID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if _, busy := c.saving[treeID]; busy {
		// A save is already in flight; the payload stays queued.
		c.mu.Unlock()
		return nil
	}
	data, ok := c.pending[treeID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, treeID)
	c.saving[treeID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.saving, treeID)
		c.mu.Unlock()
	}()

	if !c.saver.Online() {
		slog.Info("Skipping autosave while offline", "treeID", treeID)
		c.requeue(treeID, data)
		c.setState(treeID, Idle)
		return nil
	}

	c.setState(treeID, Saving)

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.setState(treeID, RetryScheduled)
			select {
			case <-time.After(c.opts.RetryDelay):
			case <-c.stop:
				c.requeue(treeID, data)
				return lastErr
			case <-ctx.Done():
				c.requeue(treeID, data)
				return ctx.Err()
			}
			c.setState(treeID, Saving)
		}

		resp, err := c.saver.AutoSaveTree(ctx, treeID, data)
		if err == nil {
			c.setState(treeID, Idle)
			if c.opts.Callbacks.OnSaved != nil {
				c.opts.Callbacks.OnSaved(treeID, resp)
			}
			return nil
		}
		lastErr = err
		slog.Error("Autosave attempt failed", "treeID", treeID, "attempt", attempt+1, "err", err)
	}

	// Retry budget exhausted. The data stays queued for the next edit.
	c.requeue(treeID, data)
	c.setState(treeID, Idle)
	if c.opts.Callbacks.OnError != nil {
		c.opts.Callbacks.OnError(treeID, lastErr)
	}
	return lastErr
}

// requeue puts a payload back unless a newer edit already replaced it.
func (c *Coordinator) requeue(treeID string, data []json.RawMessage) {
	c.mu.Lock()
	if _, ok := c.pending[treeID]; !ok && !c.closed {
		c.pending[treeID] = data
	}
	c.mu.Unlock()
}

func (c *Coordinator) setState(treeID string, state State) {
	c.mu.Lock()
	if c.states[treeID] == state {
		c.mu.Unlock()
		return
	}
	c.states[treeID] = state
	cb := c.opts.Callbacks.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(treeID, state)
	}
}
