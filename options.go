package perceptr

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/perceptr/perceptr-go/internal/memwatch"
)

// Option configures an Agent.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults. Unexported —
// callers use the With* functions.
type resolvedOptions struct {
	projectID   string
	environment Environment
	stateDir    string
	version     string

	logger      *slog.Logger
	clock       clockwork.Clock
	engine      RecordingEngine
	location    func() string
	httpClient  *http.Client
	broadcaster Broadcaster
	onError     func(AgentError)
	memSampler  memwatch.Sampler

	blockedURLs        []BlockRule
	excludeURLs        []string
	sanitizeParams     []string
	sanitizeHeaders    []string
	sanitizeBodyFields []string

	idleTimeout        time.Duration
	inactivityTimeout  time.Duration
	maxSessionDuration time.Duration
	staleThreshold     time.Duration

	maxEvents        int
	maxRequests      int
	maxBodySize      int
	memoryLimitBytes int

	compress       *bool
	captureBodies  *bool
	consoleCapture *bool
}

// WithProjectID sets the project credential (PERCEPTR_PROJECT_ID env var).
func WithProjectID(id string) Option {
	return func(o *resolvedOptions) { o.projectID = id }
}

// WithEnvironment selects the control plane host (PERCEPTR_ENVIRONMENT env var).
func WithEnvironment(env Environment) Option {
	return func(o *resolvedOptions) { o.environment = env }
}

// WithStateDir overrides the durable state directory (PERCEPTR_STATE_DIR env var).
func WithStateDir(dir string) Option {
	return func(o *resolvedOptions) { o.stateDir = dir }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithLogger sets the structured logger. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithClock replaces the wall clock driving every timer. Tests pass a fake.
func WithClock(clock clockwork.Clock) Option {
	return func(o *resolvedOptions) { o.clock = clock }
}

// WithRecordingEngine supplies the external DOM-recording primitive. Required.
func WithRecordingEngine(engine RecordingEngine) Option {
	return func(o *resolvedOptions) { o.engine = engine }
}

// WithLocation supplies the current page URL. Enables URL blocklisting on
// synthesized checks and the $url_changed event.
func WithLocation(fn func() string) Option {
	return func(o *resolvedOptions) { o.location = fn }
}

// WithHTTPClient overrides the HTTP client used for control plane calls and
// uploads. The default client has a 30-second timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithBroadcaster sets the advisory cross-tab channel. Defaults to an
// in-process registry shared by agents in this process. A nil broadcaster is
// treated as unset and selects that registry; this option cannot switch
// cross-tab notifications off.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *resolvedOptions) { o.broadcaster = b }
}

// WithErrorHandler observes pipeline failures as they are classified.
func WithErrorHandler(fn func(AgentError)) Option {
	return func(o *resolvedOptions) { o.onError = fn }
}

// WithMemorySampler replaces the heap usage sampler. Tests inject readings.
func WithMemorySampler(s memwatch.Sampler) Option {
	return func(o *resolvedOptions) { o.memSampler = s }
}

// WithBlockedURLs pauses recording while the page URL matches any rule.
func WithBlockedURLs(rules []BlockRule) Option {
	return func(o *resolvedOptions) { o.blockedURLs = rules }
}

// WithExcludeURLs skips network capture for URLs matching any regex.
func WithExcludeURLs(patterns []string) Option {
	return func(o *resolvedOptions) { o.excludeURLs = patterns }
}

// WithSanitizeParams overrides the query parameter name tokens to redact.
func WithSanitizeParams(tokens []string) Option {
	return func(o *resolvedOptions) { o.sanitizeParams = tokens }
}

// WithSanitizeHeaders overrides the header name tokens to redact.
func WithSanitizeHeaders(tokens []string) Option {
	return func(o *resolvedOptions) { o.sanitizeHeaders = tokens }
}

// WithSanitizeBodyFields overrides the body field name tokens to redact.
func WithSanitizeBodyFields(tokens []string) Option {
	return func(o *resolvedOptions) { o.sanitizeBodyFields = tokens }
}

// WithIdleTimeout sets how long without interaction before recording pauses.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.idleTimeout = d }
}

// WithInactivityTimeout sets the session inactivity window.
func WithInactivityTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.inactivityTimeout = d }
}

// WithMaxSessionDuration caps the total session length.
func WithMaxSessionDuration(d time.Duration) Option {
	return func(o *resolvedOptions) { o.maxSessionDuration = d }
}

// WithStaleThreshold is the legacy name for WithInactivityTimeout. It applies
// only when no inactivity timeout is set.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *resolvedOptions) { o.staleThreshold = d }
}

// WithMaxEvents bounds the recorder's internal event ring.
func WithMaxEvents(n int) Option {
	return func(o *resolvedOptions) { o.maxEvents = n }
}

// WithMaxRequests bounds the network tap's record ring.
func WithMaxRequests(n int) Option {
	return func(o *resolvedOptions) { o.maxRequests = n }
}

// WithMaxBodySize caps captured request/response body bytes.
func WithMaxBodySize(n int) Option {
	return func(o *resolvedOptions) { o.maxBodySize = n }
}

// WithMemoryLimit sets the heap byte limit that pauses the pipeline.
func WithMemoryLimit(bytes int) Option {
	return func(o *resolvedOptions) { o.memoryLimitBytes = bytes }
}

// WithCompression toggles gzip of batch payloads.
func WithCompression(on bool) Option {
	return func(o *resolvedOptions) { o.compress = &on }
}

// WithCaptureBodies toggles request/response body capture.
func WithCaptureBodies(on bool) Option {
	return func(o *resolvedOptions) { o.captureBodies = &on }
}

// WithConsoleCapture toggles loading the console plugin into the engine.
func WithConsoleCapture(on bool) Option {
	return func(o *resolvedOptions) { o.consoleCapture = &on }
}
