// Package memwatch samples heap usage on an interval and invokes a callback
// when a configured limit is exceeded, letting the pipeline pause itself
// before it becomes the problem.
package memwatch

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/metrics"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Defaults.
const (
	DefaultMemoryLimit  = 50 << 20 // 50 MiB
	DefaultPollInterval = 5 * time.Second
)

// Sample is one heap reading. RuntimeLimit is the runtime's own memory limit
// when one is set, 0 otherwise.
type Sample struct {
	HeapBytes    uint64
	RuntimeLimit uint64
}

// Sampler produces heap readings. Returns ok=false when the underlying
// facility is unavailable.
type Sampler interface {
	Sample() (Sample, bool)
}

// metricsSampler reads the modern runtime/metrics interface.
type metricsSampler struct {
	samples []metrics.Sample
}

func newMetricsSampler() *metricsSampler {
	return &metricsSampler{samples: []metrics.Sample{
		{Name: "/memory/classes/heap/objects:bytes"},
		{Name: "/gc/gomemlimit:bytes"},
	}}
}

func (s *metricsSampler) Sample() (Sample, bool) {
	metrics.Read(s.samples)
	if s.samples[0].Value.Kind() != metrics.KindUint64 {
		return Sample{}, false
	}
	out := Sample{HeapBytes: s.samples[0].Value.Uint64()}
	if s.samples[1].Value.Kind() == metrics.KindUint64 {
		if limit := s.samples[1].Value.Uint64(); limit < math.MaxInt64 {
			out.RuntimeLimit = limit
		}
	}
	return out, true
}

// memStatsSampler is the legacy fallback via runtime.ReadMemStats.
type memStatsSampler struct{}

func (memStatsSampler) Sample() (Sample, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{HeapBytes: ms.HeapAlloc}, true
}

// Watch polls heap usage and fires OnExceeded once per overage episode: the
// callback re-arms only after usage drops back under the limit.
type Watch struct {
	limit    uint64
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	sampler  Sampler
	onLimit  func()

	paused atomic.Bool
	fired  bool
}

// New creates a Watch. sampler may be nil, in which case the modern interface
// is preferred and the legacy accessor is the fallback.
func New(limit uint64, clock clockwork.Clock, logger *slog.Logger, onLimit func(), sampler Sampler) *Watch {
	if limit == 0 {
		limit = DefaultMemoryLimit
	}
	return &Watch{
		limit:    limit,
		interval: DefaultPollInterval,
		clock:    clock,
		logger:   logger,
		sampler:  sampler,
		onLimit:  onLimit,
	}
}

// Run polls until ctx is cancelled. When no sampler is available it logs once
// and returns, leaving the watch inert.
func (w *Watch) Run(ctx context.Context) {
	if w.sampler == nil {
		modern := newMetricsSampler()
		if _, ok := modern.Sample(); ok {
			w.sampler = modern
		} else if _, ok := (memStatsSampler{}).Sample(); ok {
			w.sampler = memStatsSampler{}
		} else {
			w.logger.Warn("memwatch: no memory measurement facility available, monitoring disabled")
			return
		}
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !w.paused.Load() {
				w.Check()
			}
		}
	}
}

// Check takes one sample and fires the callback if a new overage began.
// Exported for deterministic tests; Run calls it on every tick.
func (w *Watch) Check() {
	s, ok := w.sampler.Sample()
	if !ok {
		return
	}

	exceeded := s.HeapBytes > w.limit ||
		(s.RuntimeLimit > 0 && s.HeapBytes > s.RuntimeLimit)

	if !exceeded {
		w.fired = false
		return
	}
	if w.fired {
		return
	}
	w.fired = true
	w.logger.Warn("memwatch: memory limit exceeded",
		"heap_bytes", s.HeapBytes, "limit_bytes", w.limit)
	if w.onLimit != nil {
		w.onLimit()
	}
}

// Pause suspends sampling; Resume reverses it.
func (w *Watch) Pause()  { w.paused.Store(true) }
func (w *Watch) Resume() { w.paused.Store(false) }
