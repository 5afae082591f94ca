// Package buffer implements the central batching engine: size/age-driven
// flushes, exponential backoff on upload failure, persistence across unloads,
// and contiguous batch chronology within a session.
package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/store"
	"github.com/perceptr/perceptr-go/internal/telemetry"
)

// Internal batching configuration. Not user-tunable.
const (
	maxBufferSize       = 1 << 20             // soft cap; flush triggers at 90%
	flushThresholdBytes = maxBufferSize * 9 / 10
	flushInterval       = 60 * time.Second
	maxBufferAge        = 300 * time.Second
	backoffInterval     = 5 * time.Second
	maxBackoffInterval  = 300 * time.Second
	hardDropBytes       = 140 << 20 // beyond this, oldest events are discarded
	retainNumerator     = 8         // keep the newest 8/10 on hard drop
	retainDenominator   = 10

	// internalLogMarker flags the SDK's own console output; such records are
	// dropped at enqueue to prevent feedback loops.
	internalLogMarker = "[Perceptr]"

	maxPersistedSessions = 3
)

// Error stages reported through the OnError hook.
const (
	StageUpload = "upload"
	StageExport = "export"
)

// Uploader submits one batch. Satisfied by *api.Client.
type Uploader interface {
	SendEvents(ctx context.Context, batch *model.Batch) error
}

// ActivityUpdater receives user-activity notifications. Satisfied by
// *session.Manager.
type ActivityUpdater interface {
	UpdateActivity(ctx context.Context)
}

// Options wires a Buffer's collaborators.
type Options struct {
	Uploader Uploader
	Store    *store.Store    // nil disables persistence
	Activity ActivityUpdater // nil disables activity updates
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// OnError observes recoverable pipeline errors; stage is StageUpload or
	// StageExport. May be nil.
	OnError func(stage string, err error)
}

type entry struct {
	event model.Event
	size  int
}

// Buffer accumulates events and flushes them as batches. A single flush runs
// at a time; events appended mid-flush stay queued for the next one.
type Buffer struct {
	uploader Uploader
	store    *store.Store
	activity ActivityUpdater
	clock    clockwork.Clock
	logger   *slog.Logger
	onError  func(string, error)

	mu            sync.Mutex
	events        []entry
	byteSize      int
	oldestEventAt time.Time // zero when the buffer is empty
	session       *model.SessionState
	identity      *model.UserIdentity
	lastBatchEnd  int64 // ms; 0 until the first successful flush
	flushFailures int
	backoffUntil  time.Time
	flushing      bool

	droppedEvents atomic.Int64
	started       atomic.Bool
	flushCh       chan struct{}
}

// New creates a Buffer. Call Run to start the background flush loop.
func New(opts Options) *Buffer {
	onError := opts.OnError
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Buffer{
		uploader: opts.Uploader,
		store:    opts.Store,
		activity: opts.Activity,
		clock:    opts.Clock,
		logger:   opts.Logger,
		onError:  onError,
		flushCh:  make(chan struct{}, 1),
	}
}

// SetSessionState installs the session identity used for subsequent batches.
// The session manager remains the sole writer of the state itself.
func (b *Buffer) SetSessionState(s *model.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = s
}

// SetUserIdentity attaches a user identity to subsequent batches.
func (b *Buffer) SetUserIdentity(id *model.UserIdentity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity = id
}

// AddEvent appends one event to the buffer. Internal SDK log records are
// dropped. Interactive events bump session activity. A flush is scheduled when
// the buffer crosses the size threshold or exceeds the maximum age, unless a
// flush is running or the backoff deadline has not passed.
func (b *Buffer) AddEvent(ctx context.Context, e model.Event) {
	if isInternalLog(e) {
		return
	}

	size := model.EstimateSize(e)
	now := b.clock.Now()

	interactive := false
	if dom, ok := e.(model.DomEvent); ok && dom.IsInteractive() {
		interactive = true
	}

	b.mu.Lock()
	b.events = append(b.events, entry{event: e, size: size})
	b.byteSize += size
	if b.oldestEventAt.IsZero() {
		b.oldestEventAt = now
	}
	shouldFlush := (b.byteSize >= flushThresholdBytes || now.Sub(b.oldestEventAt) > maxBufferAge) &&
		!b.flushing && !now.Before(b.backoffUntil)
	b.mu.Unlock()

	if interactive && b.activity != nil {
		b.activity.UpdateActivity(ctx)
	}
	if shouldFlush {
		b.scheduleFlush()
	}
}

// scheduleFlush signals the flush loop without blocking.
func (b *Buffer) scheduleFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

// Run executes the flush loop until ctx is cancelled: a steady interval timer
// plus on-demand signals from AddEvent. It is safe to call only once.
func (b *Buffer) Run(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("buffer: Run called more than once, ignoring")
		return
	}
	b.registerMetrics()

	ticker := b.clock.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = b.Flush(context.WithoutCancel(ctx), false)
		case <-b.flushCh:
			_ = b.Flush(context.WithoutCancel(ctx), false)
		}
	}
}

// Flush uploads the buffered events as one batch (split when oversized).
// Non-terminal flushes respect the backoff deadline; a terminal flush
// (isSessionEnded) ignores it. Only one flush runs at a time; a flush that
// finds another in progress returns nil without doing anything.
func (b *Buffer) Flush(ctx context.Context, isSessionEnded bool) error {
	now := b.clock.Now()

	b.mu.Lock()
	if b.flushing || b.session == nil || len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	if !isSessionEnded && now.Before(b.backoffUntil) {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true

	count := len(b.events)
	size := b.byteSize
	data := make(model.EventList, count)
	for i, en := range b.events {
		data[i] = en.event
	}
	startTime := b.lastBatchEnd
	if startTime == 0 {
		startTime = b.session.StartTime
	}
	endTime := now.UnixMilli()
	batch := &model.Batch{
		SessionID:      b.session.SessionID,
		BatchID:        uuid.NewString(),
		IsSessionEnded: isSessionEnded,
		StartTime:      startTime,
		EndTime:        endTime,
		Size:           size,
		Data:           data,
		Metadata:       model.BatchMetadata{EventCount: count},
		UserIdentity:   b.identity,
	}
	b.mu.Unlock()

	var err error
	for _, piece := range SplitBatch(batch) {
		if err = b.uploader.SendEvents(ctx, piece); err != nil {
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushing = false

	if err == nil {
		// Drop only the flushed prefix; events appended mid-flush stay queued.
		b.events = b.events[count:]
		b.byteSize -= size
		if b.byteSize < 0 {
			b.byteSize = 0
		}
		if len(b.events) == 0 {
			b.oldestEventAt = time.Time{}
		} else {
			b.oldestEventAt = b.clock.Now()
		}
		b.lastBatchEnd = endTime
		b.flushFailures = 0
		b.backoffUntil = time.Time{}
		b.logger.Info("buffer: batch flushed",
			"session_id", batch.SessionID, "batch_id", batch.BatchID,
			"event_count", count, "size_bytes", size)
		return nil
	}

	b.flushFailures++
	delay := backoffInterval << (b.flushFailures - 1)
	if delay > maxBackoffInterval || delay <= 0 {
		delay = maxBackoffInterval
	}
	b.backoffUntil = b.clock.Now().Add(delay)
	b.logger.Warn("buffer: flush failed",
		"error", err, "failures", b.flushFailures, "retry_after", delay)
	b.onError(StageUpload, err)

	if b.byteSize > hardDropBytes {
		b.dropOldestLocked()
	}
	return err
}

// dropOldestLocked retains the newest 80% of events and discards the rest.
// This is the pipeline's only intentional data loss path.
func (b *Buffer) dropOldestLocked() {
	keepFrom := len(b.events) - len(b.events)*retainNumerator/retainDenominator
	dropped := 0
	for _, en := range b.events[:keepFrom] {
		b.byteSize -= en.size
		dropped++
	}
	b.events = b.events[keepFrom:]
	b.droppedEvents.Add(int64(dropped))
	b.logger.Warn("buffer: over hard threshold, discarded oldest events",
		"dropped", dropped, "remaining", len(b.events), "size_bytes", b.byteSize)
}

// Destroy performs the terminal flush. Remaining events that cannot be
// uploaded are persisted for the next load.
func (b *Buffer) Destroy(ctx context.Context) {
	b.mu.Lock()
	busy := b.flushing
	empty := len(b.events) == 0
	b.mu.Unlock()

	if empty {
		return
	}
	if busy {
		// An upload is in flight; keep its chronology intact and persist.
		if err := b.SaveSnapshot(ctx); err != nil {
			b.logger.Warn("buffer: persist on destroy failed", "error", err)
		}
		return
	}
	if err := b.Flush(ctx, true); err != nil {
		b.onError(StageExport, err)
		if perr := b.SaveSnapshot(ctx); perr != nil {
			b.logger.Warn("buffer: persist after failed terminal flush failed", "error", perr)
		}
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// ByteSize returns the estimated buffered payload size in bytes.
func (b *Buffer) ByteSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byteSize
}

// LastBatchEndTime returns the end time of the last successfully flushed
// batch, in ms since epoch; 0 before the first flush.
func (b *Buffer) LastBatchEndTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBatchEnd
}

// DroppedEvents returns the total number of events discarded under the hard
// size threshold.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}

// isInternalLog recognizes the SDK's own console records: a console-plugin
// event whose first payload argument carries the reserved marker.
func isInternalLog(e model.Event) bool {
	dom, ok := e.(model.DomEvent)
	if !ok || dom.Type != model.EventPlugin {
		return false
	}
	name, ok := dom.PluginName()
	if !ok || name != model.ConsolePluginName {
		return false
	}
	arg, ok := dom.FirstPayloadArg()
	return ok && strings.Contains(arg, internalLogMarker)
}

// registerMetrics registers observable gauges for buffer health, following the
// ingestion pipeline convention.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("perceptr/buffer")

	_, _ = meter.Int64ObservableGauge("perceptr.buffer.depth",
		metric.WithDescription("Current number of buffered events"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("perceptr.buffer.dropped_total",
		metric.WithDescription("Total events discarded under the hard size threshold"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}
