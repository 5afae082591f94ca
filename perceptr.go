// Package perceptr is the public API of the Perceptr session telemetry agent.
//
// The agent captures a mixed stream of recording events, network records, and
// console records, groups them into size- and age-bounded batches belonging to
// an activity-scoped session, and uploads each batch to the ingestion
// endpoint. Typical embedding:
//
//	err := perceptr.Init(
//	    perceptr.WithProjectID("proj_123"),
//	    perceptr.WithRecordingEngine(engine),
//	)
//	if err != nil { ... }
//	if err := perceptr.Start(ctx); err != nil { ... }
//	defer perceptr.Stop(ctx)
//
// The import graph enforces a strict no-cycle rule: perceptr (root) imports
// internal/*, but internal/* never imports the root. Public aliases for the
// event types live in types.go because this is the only package that sees
// both sides of the boundary.
package perceptr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/perceptr/perceptr-go/internal/api"
	"github.com/perceptr/perceptr-go/internal/buffer"
	"github.com/perceptr/perceptr-go/internal/config"
	"github.com/perceptr/perceptr-go/internal/memwatch"
	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/nettap"
	"github.com/perceptr/perceptr-go/internal/recorder"
	"github.com/perceptr/perceptr-go/internal/session"
	"github.com/perceptr/perceptr-go/internal/store"
	"github.com/perceptr/perceptr-go/internal/telemetry"
)

// Sentinel errors.
var (
	ErrInitFailed         = errors.New("perceptr: initialization failed")
	ErrAlreadyInitialized = errors.New("perceptr: already initialized")
	ErrNotInitialized     = errors.New("perceptr: not initialized")
)

// Timing of orchestration details.
const (
	// enableTapDelay defers network interception slightly so startup traffic
	// of the host application settles first.
	enableTapDelay = 200 * time.Millisecond

	// visibilityDebounce coalesces bursts of visibility transitions.
	visibilityDebounce = 400 * time.Millisecond

	initCheckTimeout = 30 * time.Second
)

// Agent is the capture-to-upload pipeline. Construct with New(); construction
// kicks off asynchronous initialization, and Start/Stop/Identify gate on it.
// Agent exclusively owns every pipeline singleton.
type Agent struct {
	cfg     config.Config
	logger  *slog.Logger
	clock   clockwork.Clock
	version string
	onError func(AgentError)

	engine      recorder.Primitive
	location    func() string
	broadcaster session.Broadcaster
	memSampler  memwatch.Sampler
	rules       initRules

	apiClient    *api.Client
	otelShutdown telemetry.Shutdown

	// Built during async init.
	store    *store.Store
	sessions *session.Manager
	buf      *buffer.Buffer
	rec      *recorder.Recorder
	tap      *nettap.Tap
	mem      *memwatch.Watch

	initDone chan struct{}
	initErr  error

	mu        sync.Mutex
	started   bool
	stopped   bool
	runCancel context.CancelFunc
	group     *errgroup.Group
	visTimer  clockwork.Timer
}

// New constructs an Agent and begins asynchronous initialization: the project
// id is validated against the control plane, the remaining components are
// constructed, the session is resolved, and persisted buffers are replayed.
// Configuration errors are returned synchronously; initialization failures
// surface from Start/Stop/Identify as ErrInitFailed.
func New(opts ...Option) (*Agent, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := o.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyOverrides(&cfg, &o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.engine == nil {
		return nil, errors.New("perceptr: a recording engine is required (use WithRecordingEngine)")
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, err
	}

	apiClient, err := api.NewClient(api.Config{
		ProjectID:   cfg.ProjectID,
		Environment: api.Environment(cfg.Environment),
		HTTPClient:  o.httpClient,
		Compress:    cfg.Compress,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	broadcaster := o.broadcaster
	if broadcaster == nil {
		broadcaster = defaultBroadcaster
	}

	a := &Agent{
		cfg:          cfg,
		logger:       logger,
		clock:        clock,
		version:      version,
		onError:      o.onError,
		engine:       o.engine,
		location:     o.location,
		broadcaster:  broadcaster,
		memSampler:   o.memSampler,
		apiClient:    apiClient,
		otelShutdown: otelShutdown,
		initDone:     make(chan struct{}),
	}
	a.applyOptionRules(&o)

	logger.Info("perceptr starting", "version", version, "environment", cfg.Environment)
	go a.init()
	return a, nil
}

// initRules carries option values that are consumed during async init, where
// the recorder is constructed.
type initRules struct {
	blockedURLs []recorder.BlockRule
}

func (a *Agent) applyOptionRules(o *resolvedOptions) {
	a.rules.blockedURLs = o.blockedURLs
	// Env-configured blocklist patterns are plain regexes.
	for _, pattern := range a.cfg.BlockedURLs {
		a.rules.blockedURLs = append(a.rules.blockedURLs, recorder.BlockRule{URL: pattern, Matching: "regex"})
	}
}

// applyOverrides layers functional options over the env-derived configuration.
func applyOverrides(cfg *config.Config, o *resolvedOptions) {
	if o.projectID != "" {
		cfg.ProjectID = o.projectID
	}
	if o.environment != "" {
		cfg.Environment = string(o.environment)
	}
	if o.stateDir != "" {
		cfg.StateDir = o.stateDir
	}
	if o.excludeURLs != nil {
		cfg.ExcludeURLs = o.excludeURLs
	}
	if o.sanitizeParams != nil {
		cfg.SanitizeParams = o.sanitizeParams
	}
	if o.sanitizeHeaders != nil {
		cfg.SanitizeHeaders = o.sanitizeHeaders
	}
	if o.sanitizeBodyFields != nil {
		cfg.SanitizeBodyFields = o.sanitizeBodyFields
	}
	if o.idleTimeout != 0 {
		cfg.IdleTimeout = o.idleTimeout
	}
	if o.inactivityTimeout != 0 {
		cfg.InactivityTimeout = o.inactivityTimeout
	}
	if o.maxSessionDuration != 0 {
		cfg.MaxSessionDuration = o.maxSessionDuration
	}
	if o.staleThreshold != 0 {
		cfg.StaleThreshold = o.staleThreshold
	}
	if o.maxEvents != 0 {
		cfg.MaxEvents = o.maxEvents
	}
	if o.maxRequests != 0 {
		cfg.MaxRequests = o.maxRequests
	}
	if o.maxBodySize != 0 {
		cfg.MaxBodySize = o.maxBodySize
	}
	if o.memoryLimitBytes != 0 {
		cfg.MemoryLimitBytes = o.memoryLimitBytes
	}
	if o.compress != nil {
		cfg.Compress = *o.compress
	}
	if o.captureBodies != nil {
		cfg.CaptureBodies = *o.captureBodies
	}
	if o.consoleCapture != nil {
		cfg.ConsoleCapture = *o.consoleCapture
	}
}

// init validates the credential and wires the pipeline, in dependency order:
// NetworkTap, DomRecorder, MemoryWatch, SessionManager, EventBuffer.
func (a *Agent) init() {
	defer close(a.initDone)

	ctx, cancel := context.WithTimeout(context.Background(), initCheckTimeout)
	defer cancel()

	if !a.apiClient.CheckValidProjectID(ctx) {
		a.initErr = fmt.Errorf("%w: project id rejected by %s", ErrInitFailed, a.apiClient.BaseURL())
		a.report(FailureInitialization, a.initErr)
		return
	}

	tap, err := nettap.New(nettap.Config{
		ExcludeURLs:        a.cfg.ExcludeURLs,
		SanitizeParams:     a.cfg.SanitizeParams,
		SanitizeHeaders:    a.cfg.SanitizeHeaders,
		SanitizeBodyFields: a.cfg.SanitizeBodyFields,
		MaxBodySize:        a.cfg.MaxBodySize,
		MaxRequests:        a.cfg.MaxRequests,
		CaptureBodies:      a.cfg.CaptureBodies,
	}, a.clock, a.logger)
	if err != nil {
		a.initErr = fmt.Errorf("%w: %v", ErrInitFailed, err)
		a.report(FailureInitialization, a.initErr)
		return
	}
	a.tap = tap

	rec, err := recorder.New(a.engine, a.clock, a.logger, recorder.Config{
		IdleTimeout:    a.cfg.IdleTimeout,
		MaxEvents:      a.cfg.MaxEvents,
		BlockedURLs:    a.rules.blockedURLs,
		Location:       a.location,
		ConsoleCapture: a.cfg.ConsoleCapture,
	})
	if err != nil {
		a.initErr = fmt.Errorf("%w: %v", ErrInitFailed, err)
		a.report(FailureInitialization, a.initErr)
		return
	}
	a.rec = rec

	a.mem = memwatch.New(uint64(a.cfg.MemoryLimitBytes), a.clock, a.logger, a.onMemoryLimit, a.memSampler)

	st, err := store.Open(a.cfg.StateDir)
	if err != nil {
		a.initErr = fmt.Errorf("%w: %v", ErrInitFailed, err)
		a.report(FailureInitialization, a.initErr)
		return
	}
	a.store = st

	a.sessions = session.NewManager(st, a.broadcaster, a.clock, a.logger, session.Config{
		InactivityTimeout:  a.cfg.InactivityTimeout,
		MaxSessionDuration: a.cfg.MaxSessionDuration,
		StaleThreshold:     a.cfg.StaleThreshold,
	})

	a.buf = buffer.New(buffer.Options{
		Uploader: a.apiClient,
		Store:    st,
		Activity: a.sessions,
		Clock:    a.clock,
		Logger:   a.logger,
		OnError:  a.onBufferError,
	})

	state, err := a.sessions.GetOrCreateSession(ctx)
	if err != nil {
		a.initErr = fmt.Errorf("%w: %v", ErrInitFailed, err)
		a.report(FailureInitialization, a.initErr)
		return
	}
	a.buf.SetSessionState(state)

	// Drain carryovers from previous loads before live capture begins.
	if err := a.buf.FlushPersistedBuffers(ctx); err != nil {
		a.logger.Warn("perceptr: replay of persisted buffers incomplete", "error", err)
		a.report(FailureExport, err)
	}
}

// await blocks until async initialization completes or ctx expires.
func (a *Agent) await(ctx context.Context) error {
	select {
	case <-a.initDone:
		return a.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start wires producers into the buffer and begins capture: the recorder
// starts immediately (so the initial full snapshot is not missed), the network
// tap is enabled after a short deferral, and the memory watch begins polling.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.await(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.stopped {
		return errors.New("perceptr: agent is stopped")
	}
	a.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	a.runCancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g

	a.rec.Subscribe(func(e model.DomEvent) { a.buf.AddEvent(gctx, e) })
	a.tap.Subscribe(func(r model.NetworkRecord) { a.buf.AddEvent(gctx, r) })

	g.Go(func() error { a.buf.Run(gctx); return nil })
	g.Go(func() error { a.mem.Run(gctx); return nil })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.clock.After(enableTapDelay):
			a.tap.Enable()
		}
		return nil
	})

	if err := a.rec.StartSession(gctx); err != nil {
		// Recording is degraded but network capture still works.
		a.report(FailureRecording, err)
	}

	a.logger.Info("perceptr started")
	return nil
}

// Stop force-flushes the buffer as the terminal batch of the session, then
// tears the pipeline down. Events that cannot be uploaded are persisted.
func (a *Agent) Stop(ctx context.Context) error {
	if err := a.await(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	started := a.started
	a.mu.Unlock()

	if started {
		a.buf.Destroy(ctx)
		a.runCancel()
		_ = a.group.Wait()
		a.rec.StopSession()
		a.tap.Disable()
	} else if a.buf != nil {
		a.buf.Destroy(ctx)
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("perceptr: store close failed", "error", err)
		}
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("perceptr stopped")
	return nil
}

// Pause suspends capture without ending the session: the recorder stops
// delivering events, interception is removed, and memory polling halts.
func (a *Agent) Pause() {
	select {
	case <-a.initDone:
	default:
		return
	}
	if a.initErr != nil {
		return
	}
	a.rec.Pause()
	a.tap.Disable()
	a.mem.Pause()
	a.logger.Info("perceptr paused")
}

// Resume reverses Pause.
func (a *Agent) Resume() {
	select {
	case <-a.initDone:
	default:
		return
	}
	if a.initErr != nil {
		return
	}
	a.rec.Resume()
	a.tap.Enable()
	a.mem.Resume()
	a.logger.Info("perceptr resumed")
}

// Identify attaches a user identity to subsequent batches and emits a
// $identify event inline in the chronology.
func (a *Agent) Identify(ctx context.Context, distinctID string, traits map[string]any) error {
	if err := a.await(ctx); err != nil {
		return err
	}
	a.buf.SetUserIdentity(&model.UserIdentity{DistinctID: distinctID, Traits: traits})
	a.rec.EmitCustom(recorder.TagIdentify, map[string]any{
		"distinctId": distinctID,
		"traits":     traits,
	})
	return nil
}

// SetVisibility reports a visibility transition of the host surface. Hidden
// persists the unsent buffer immediately; visible (debounced) re-resolves the
// session and replays persisted buffers. The two compose: the buffer saves,
// the orchestrator replays.
func (a *Agent) SetVisibility(v Visibility) {
	select {
	case <-a.initDone:
	default:
		return
	}
	if a.initErr != nil {
		return
	}

	switch v {
	case VisibilityHidden:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.buf.SaveSnapshot(ctx); err != nil {
			a.logger.Warn("perceptr: persist on hidden failed", "error", err)
			a.report(FailureExport, err)
		}
	case VisibilityVisible:
		a.mu.Lock()
		if a.visTimer == nil {
			a.visTimer = a.clock.AfterFunc(visibilityDebounce, a.onVisible)
		} else {
			a.visTimer.Reset(visibilityDebounce)
		}
		a.mu.Unlock()
	}
}

// onVisible runs after the debounce: session continuity is re-decided (the
// tab may have been hidden past the inactivity window) and stored buffers are
// replayed.
func (a *Agent) onVisible() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := a.sessions.GetOrCreateSession(ctx)
	if err != nil {
		a.logger.Warn("perceptr: session re-resolve failed", "error", err)
		return
	}
	a.buf.SetSessionState(state)
	if err := a.buf.FlushPersistedBuffers(ctx); err != nil {
		a.logger.Warn("perceptr: replay on visible incomplete", "error", err)
		a.report(FailureExport, err)
	}
}

// onMemoryLimit pauses the pipeline; pausing also halts the watch itself.
func (a *Agent) onMemoryLimit() {
	err := errors.New("perceptr: heap usage exceeded configured limit")
	a.report(FailureMemoryLimit, err)
	a.Pause()
}

func (a *Agent) onBufferError(stage string, err error) {
	switch stage {
	case buffer.StageExport:
		a.report(FailureExport, err)
	default:
		a.report(FailureUpload, err)
	}
}

// report delivers an error on the observable channel.
func (a *Agent) report(kind FailureKind, err error) {
	if a.onError == nil {
		return
	}
	a.onError(AgentError{Kind: kind, Err: err})
}

// ── Singleton façade ───────────────────────────────────────────────────────────

// defaultBroadcaster is the advisory channel shared by all agents in this
// process, standing in for cross-tab broadcast.
var defaultBroadcaster = session.NewProcessBroadcaster()

var (
	defaultMu    sync.Mutex
	defaultAgent *Agent
)

// Init constructs the shared default agent. Re-initialization is rejected
// with a warning.
func Init(opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultAgent != nil {
		slog.Default().Warn("perceptr: Init called more than once, ignoring")
		return ErrAlreadyInitialized
	}
	a, err := New(opts...)
	if err != nil {
		return err
	}
	defaultAgent = a
	return nil
}

func current() (*Agent, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultAgent == nil {
		return nil, ErrNotInitialized
	}
	return defaultAgent, nil
}

// Start begins capture on the default agent.
func Start(ctx context.Context) error {
	a, err := current()
	if err != nil {
		return err
	}
	return a.Start(ctx)
}

// Stop ends the session on the default agent and tears it down.
func Stop(ctx context.Context) error {
	a, err := current()
	if err != nil {
		return err
	}
	if err := a.Stop(ctx); err != nil {
		return err
	}
	defaultMu.Lock()
	defaultAgent = nil
	defaultMu.Unlock()
	return nil
}

// Pause suspends capture on the default agent.
func Pause() error {
	a, err := current()
	if err != nil {
		return err
	}
	a.Pause()
	return nil
}

// Resume reverses Pause on the default agent.
func Resume() error {
	a, err := current()
	if err != nil {
		return err
	}
	a.Resume()
	return nil
}

// Identify attaches a user identity on the default agent.
func Identify(ctx context.Context, distinctID string, traits map[string]any) error {
	a, err := current()
	if err != nil {
		return err
	}
	return a.Identify(ctx, distinctID, traits)
}

// SetVisibility reports a visibility transition to the default agent.
func SetVisibility(v Visibility) {
	a, err := current()
	if err != nil {
		return
	}
	a.SetVisibility(v)
}
