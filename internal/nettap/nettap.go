// Package nettap intercepts outbound HTTP on the process-wide request
// dispatchers, sanitizes each exchange, and emits uniform network records.
//
// The tap wraps both http.DefaultTransport and http.DefaultClient.Transport —
// the two globals third-party code dispatches through. Originals are captured
// at construction time, not at enable time, so rewrapping by other libraries
// between construction and enable never leaks their wrappers into restoration.
package nettap

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/perceptr/perceptr-go/internal/model"
)

// Defaults.
const (
	DefaultMaxBodySize = 100 << 10 // 100 KiB
	DefaultMaxRequests = 1000
)

// ingestPathSegment is the SDK's own upload path; requests containing it are
// never recorded, preventing feedback loops.
const ingestPathSegment = "/api/v1/per/"

// Config holds interception settings.
type Config struct {
	ExcludeURLs        []string // regex patterns
	SanitizeParams     []string
	SanitizeHeaders    []string
	SanitizeBodyFields []string
	MaxBodySize        int
	MaxRequests        int
	CaptureBodies      bool
}

// Tap owns the interception state: the captured originals and the installed
// wrappers. It is the sole mutator of the global dispatchers.
type Tap struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	exclude []*regexp.Regexp

	origDefaultTransport http.RoundTripper // captured at construction
	origClientTransport  http.RoundTripper // captured at construction; may be nil

	mu         sync.Mutex
	enabled    bool
	ring       []model.NetworkRecord
	subscriber func(model.NetworkRecord)
}

// New creates a Tap and captures the current global dispatchers.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Tap, error) {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.SanitizeParams == nil {
		cfg.SanitizeParams = DefaultSanitizeParams
	}
	if cfg.SanitizeHeaders == nil {
		cfg.SanitizeHeaders = DefaultSanitizeHeaders
	}
	if cfg.SanitizeBodyFields == nil {
		cfg.SanitizeBodyFields = DefaultSanitizeBodyFields
	}

	exclude := make([]*regexp.Regexp, 0, len(cfg.ExcludeURLs))
	for _, pattern := range cfg.ExcludeURLs {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("nettap: exclude pattern %q: %w", pattern, err)
		}
		exclude = append(exclude, re)
	}

	return &Tap{
		cfg:                  cfg,
		clock:                clock,
		logger:               logger,
		exclude:              exclude,
		origDefaultTransport: http.DefaultTransport,
		origClientTransport:  http.DefaultClient.Transport,
	}, nil
}

// Subscribe installs the callback receiving each record synchronously. The
// in-tap ring remains a bounded safety net, not the primary channel.
func (t *Tap) Subscribe(fn func(model.NetworkRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriber = fn
}

// Enable installs the interception wrappers on both dispatchers. Calling it
// while enabled is a no-op.
func (t *Tap) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return
	}
	http.DefaultTransport = &tapTransport{tap: t, base: t.origDefaultTransport}
	clientBase := t.origClientTransport
	if clientBase == nil {
		// A nil client transport means the client was dispatching through
		// DefaultTransport; keep that behavior under the wrapper.
		clientBase = t.origDefaultTransport
	}
	http.DefaultClient.Transport = &tapTransport{tap: t, base: clientBase}
	t.enabled = true
	t.logger.Info("nettap: enabled")
}

// Disable restores the dispatchers captured at construction exactly. Calling
// it while disabled is a no-op.
func (t *Tap) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	http.DefaultTransport = t.origDefaultTransport
	http.DefaultClient.Transport = t.origClientTransport
	t.enabled = false
	t.logger.Info("nettap: disabled")
}

// Enabled reports whether the wrappers are installed.
func (t *Tap) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Records returns a copy of the retained record ring, oldest first.
func (t *Tap) Records() []model.NetworkRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.NetworkRecord, len(t.ring))
	copy(out, t.ring)
	return out
}

// shouldCapture applies the exclude patterns and the hard-coded ingest
// denylist.
func (t *Tap) shouldCapture(url string) bool {
	if strings.Contains(url, ingestPathSegment) {
		return false
	}
	for _, re := range t.exclude {
		if re.MatchString(url) {
			return false
		}
	}
	return true
}

// deliver appends the record to the FIFO ring (evicting the oldest on
// overflow) and hands it to the subscriber.
func (t *Tap) deliver(rec model.NetworkRecord) {
	t.mu.Lock()
	if len(t.ring) >= t.cfg.MaxRequests {
		t.ring = t.ring[1:]
	}
	t.ring = append(t.ring, rec)
	subscriber := t.subscriber
	t.mu.Unlock()

	if subscriber != nil {
		subscriber(rec)
	}
}

// tapTransport wraps a RoundTripper, recording each exchange.
type tapTransport struct {
	tap  *Tap
	base http.RoundTripper
}

func (tt *tapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := tt.base
	if base == nil {
		base = http.DefaultTransport
	}

	t := tt.tap
	rawURL := req.URL.String()
	if !t.shouldCapture(rawURL) {
		return base.RoundTrip(req)
	}

	rec := model.NetworkRecord{
		Type:      model.EventNetwork,
		ID:        uuid.NewString(),
		Timestamp: t.clock.Now().UnixMilli(),
		Method:    req.Method,
		URL:       SanitizeURL(rawURL, t.cfg.SanitizeParams),
	}
	rec.RequestHeaders = SanitizeHeaders(req.Header, t.cfg.SanitizeHeaders)

	if t.cfg.CaptureBodies && req.Body != nil {
		if body, ok := t.snapshotBody(&req.Body); ok {
			rec.RequestBody = SanitizeBody(body, req.Header.Get("Content-Type"), t.cfg.SanitizeBodyFields, t.cfg.MaxBodySize)
		}
	}

	start := t.clock.Now()
	resp, err := base.RoundTrip(req)
	rec.Duration = t.clock.Now().Sub(start).Milliseconds()

	if err != nil {
		rec.Error = err.Error()
		t.deliver(rec)
		return resp, err
	}

	rec.Status = resp.StatusCode
	rec.StatusText = http.StatusText(resp.StatusCode)
	rec.ResponseHeaders = SanitizeHeaders(resp.Header, t.cfg.SanitizeHeaders)

	if t.cfg.CaptureBodies && resp.Body != nil {
		if body, ok := t.snapshotBody(&resp.Body); ok {
			rec.ResponseBody = SanitizeBody(body, resp.Header.Get("Content-Type"), t.cfg.SanitizeBodyFields, t.cfg.MaxBodySize)
		}
	}

	t.deliver(rec)
	return resp, nil
}

// snapshotBody reads the whole body and replaces it with an equivalent reader
// so the caller still sees the full stream. The size limit is applied later,
// when the recorded copy is sanitized.
func (t *Tap) snapshotBody(body *io.ReadCloser) ([]byte, bool) {
	data, err := io.ReadAll(*body)
	closeErr := (*body).Close()
	if err != nil || closeErr != nil {
		t.logger.Warn("nettap: body snapshot failed", "error", err)
		*body = io.NopCloser(bytes.NewReader(data))
		return nil, false
	}
	*body = io.NopCloser(bytes.NewReader(data))
	return data, true
}
