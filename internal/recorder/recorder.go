package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/perceptr/perceptr-go/internal/model"
)

// Defaults.
const (
	DefaultIdleTimeout      = 10 * time.Second
	DefaultMaxEvents        = 10_000
	DefaultURLCheckInterval = 5 * time.Second
)

// Custom event tags synthesized by the recorder wrapper.
const (
	TagURLChanged = "$url_changed"
	TagIdentify   = "$identify"
)

// State is the recorder lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// BlockRule pauses recording while the page URL matches.
type BlockRule struct {
	URL      string
	Matching string // "regex"
}

// Config holds recorder wrapper settings.
type Config struct {
	IdleTimeout      time.Duration
	MaxEvents        int
	BlockedURLs      []BlockRule
	URLCheckInterval time.Duration

	// Location reports the current page URL; nil disables the meta-less
	// URL-change synthesis.
	Location func() string

	// ConsoleCapture loads the console plugin into the primitive.
	ConsoleCapture bool
}

// Recorder wraps the external recording primitive with idle gating, URL
// blocklisting, and mutation rate limiting. Events surviving every filter land
// in a bounded ring and are delivered to the subscribed listener.
type Recorder struct {
	prim   Primitive
	clock  clockwork.Clock
	logger *slog.Logger

	idleTimeout      time.Duration
	maxEvents        int
	urlCheckInterval time.Duration
	location         func() string
	consoleCapture   bool
	blockPatterns    []*regexp.Regexp

	mu          sync.Mutex
	state       State
	stopFn      StopFunc
	listener    func(model.DomEvent)
	events      []model.DomEvent
	idleTimer   clockwork.Timer
	lastHref    string
	lastMetaAt  time.Time
	urlBlocked  bool
	idlePaused  bool
	manualPause bool
	watchCancel context.CancelFunc

	limiter          *mutationLimiter
	droppedMutations atomic.Int64
}

// New creates a recorder wrapper around the primitive.
func New(prim Primitive, clock clockwork.Clock, logger *slog.Logger, cfg Config) (*Recorder, error) {
	if prim == nil {
		return nil, errors.New("recorder: primitive is required")
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.URLCheckInterval == 0 {
		cfg.URLCheckInterval = DefaultURLCheckInterval
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedURLs))
	for _, rule := range cfg.BlockedURLs {
		if rule.Matching != "" && rule.Matching != "regex" {
			return nil, fmt.Errorf("recorder: unsupported blocklist matching %q", rule.Matching)
		}
		re, err := regexp.Compile(rule.URL)
		if err != nil {
			return nil, fmt.Errorf("recorder: blocklist pattern %q: %w", rule.URL, err)
		}
		patterns = append(patterns, re)
	}

	return &Recorder{
		prim:             prim,
		clock:            clock,
		logger:           logger,
		idleTimeout:      cfg.IdleTimeout,
		maxEvents:        cfg.MaxEvents,
		urlCheckInterval: cfg.URLCheckInterval,
		location:         cfg.Location,
		consoleCapture:   cfg.ConsoleCapture,
		blockPatterns:    patterns,
		state:            StateIdle,
		limiter:          newMutationLimiter(clock),
	}, nil
}

// Subscribe installs the listener receiving surviving events.
func (r *Recorder) Subscribe(fn func(model.DomEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// StartSession starts the primitive and arms the idle timer. ctx bounds the
// background URL watcher.
func (r *Recorder) StartSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording || r.state == StatePaused {
		return nil
	}

	opts := RecordOptions{Emit: r.handleEmit}
	if r.consoleCapture {
		opts.Plugins = append(opts.Plugins, Plugin{Name: model.ConsolePluginName})
	}
	stop, err := r.prim.Record(opts)
	if err != nil {
		return fmt.Errorf("recorder: start primitive: %w", err)
	}
	r.stopFn = stop
	r.state = StateRecording
	r.idlePaused = false
	r.manualPause = false
	r.urlBlocked = false
	r.idleTimer = r.clock.AfterFunc(r.idleTimeout, r.onIdle)

	if r.location != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		r.watchCancel = cancel
		go r.watchLocation(watchCtx)
	}
	return nil
}

// StopSession halts the primitive from any state and clears the event ring,
// the idle timer, and the URL watcher.
func (r *Recorder) StopSession() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateStopped {
		return
	}
	if r.stopFn != nil {
		r.stopFn()
		r.stopFn = nil
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	r.events = nil
	r.state = StateStopped
}

// Pause suspends event delivery without stopping the primitive.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		r.manualPause = true
		r.state = StatePaused
	}
}

// Resume reverses Pause. Idle and URL blocking still apply.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualPause = false
	r.recomputeStateLocked()
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DroppedMutations returns the count of mutation events discarded by the rate
// limiter.
func (r *Recorder) DroppedMutations() int64 {
	return r.droppedMutations.Load()
}

// EmitCustom synthesizes a custom event (e.g. $identify) so it appears inline
// in the recorded chronology. Delivered regardless of pause state; dropped
// only when stopped.
func (r *Recorder) EmitCustom(tag string, payload map[string]any) {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	ev := model.DomEvent{
		Type:      model.EventCustom,
		Timestamp: r.clock.Now().UnixMilli(),
		Data:      map[string]any{"tag": tag, "payload": payload},
	}
	listener := r.appendLocked(ev)
	r.mu.Unlock()

	if listener != nil {
		listener(ev)
	}
}

// handleEmit runs each raw primitive event through the filter pipeline:
// mutation rate limiting, URL blocklist on meta events, pause gating, and the
// idle-timer reset on interactive events.
func (r *Recorder) handleEmit(ev model.DomEvent) {
	r.mu.Lock()

	if r.state == StateStopped || r.state == StateIdle {
		r.mu.Unlock()
		return
	}

	// Mutation floods are throttled per node before anything else looks at
	// the event.
	if src, ok := ev.Source(); ok && src == model.SourceMutation {
		nodeID := mutationNodeID(ev)
		allowed, newlyThrottled := r.limiter.allow(nodeID)
		if !allowed {
			r.droppedMutations.Add(1)
			snap, isSnap := r.prim.(Snapshotter)
			r.mu.Unlock()
			if newlyThrottled {
				r.logger.Warn("recorder: node throttled, dropping mutations", "node_id", nodeID)
				if isSnap {
					// A later full snapshot re-syncs the throttled subtree.
					snap.TakeFullSnapshot()
				}
			}
			return
		}
	}

	// Meta events drive the URL blocklist in both directions.
	if href, ok := ev.Href(); ok {
		r.lastHref = href
		r.lastMetaAt = r.clock.Now()
		r.urlBlocked = r.matchesBlocklist(href)
		r.recomputeStateLocked()
		if r.urlBlocked {
			r.mu.Unlock()
			return
		}
	}

	// Interactive events wake an idle-paused recorder and re-arm the timer.
	if ev.IsInteractive() {
		r.idlePaused = false
		r.recomputeStateLocked()
		if r.idleTimer != nil {
			r.idleTimer.Reset(r.idleTimeout)
		}
	}

	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}

	listener := r.appendLocked(ev)
	r.mu.Unlock()

	if listener != nil {
		listener(ev)
	}
}

// appendLocked adds ev to the bounded ring and returns the listener to invoke
// outside the lock.
func (r *Recorder) appendLocked(ev model.DomEvent) func(model.DomEvent) {
	if len(r.events) >= r.maxEvents {
		// Oldest events give way; the buffer downstream has its own cap.
		r.events = r.events[1:]
	}
	r.events = append(r.events, ev)
	return r.listener
}

func (r *Recorder) onIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		r.idlePaused = true
		r.state = StatePaused
		r.logger.Info("recorder: idle, paused", "idle_timeout", r.idleTimeout)
	}
}

// recomputeStateLocked derives Recording/Paused from the three pause flags.
func (r *Recorder) recomputeStateLocked() {
	if r.state == StateStopped || r.state == StateIdle {
		return
	}
	if r.urlBlocked || r.idlePaused || r.manualPause {
		r.state = StatePaused
	} else {
		r.state = StateRecording
	}
}

func (r *Recorder) matchesBlocklist(href string) bool {
	for _, re := range r.blockPatterns {
		if re.MatchString(href) {
			return true
		}
	}
	return false
}

// watchLocation synthesizes a $url_changed event when the page URL moves
// without a meta event arriving within the check interval.
func (r *Recorder) watchLocation(ctx context.Context) {
	ticker := r.clock.NewTicker(r.urlCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.checkLocation()
		}
	}
}

func (r *Recorder) checkLocation() {
	href := r.location()

	r.mu.Lock()
	now := r.clock.Now()
	changed := href != "" && href != r.lastHref && now.Sub(r.lastMetaAt) >= r.urlCheckInterval
	if changed {
		r.lastHref = href
		r.urlBlocked = r.matchesBlocklist(href)
		r.recomputeStateLocked()
	}
	r.mu.Unlock()

	if changed {
		r.EmitCustom(TagURLChanged, map[string]any{"href": href})
	}
}

// mutationNodeID extracts the mutated node identity; mutations without one
// share a bucket.
func mutationNodeID(ev model.DomEvent) int {
	if ev.Data == nil {
		return 0
	}
	if id, ok := intFieldAny(ev.Data["id"]); ok {
		return id
	}
	return 0
}

func intFieldAny(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
