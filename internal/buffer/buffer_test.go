package buffer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/testutil"
)

// fakeUploader records submitted batches and can be told to fail.
type fakeUploader struct {
	mu       sync.Mutex
	batches  []*model.Batch
	attempts int
	err      error
}

func (f *fakeUploader) SendEvents(_ context.Context, b *model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	// Snapshot so later buffer mutations can't alias.
	cp := *b
	f.batches = append(f.batches, &cp)
	return nil
}

func (f *fakeUploader) sent() []*model.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Batch(nil), f.batches...)
}

func (f *fakeUploader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestBuffer(t *testing.T, clock clockwork.Clock, up Uploader) *Buffer {
	t.Helper()
	b := New(Options{
		Uploader: up,
		Clock:    clock,
		Logger:   testutil.TestLogger(),
	})
	b.SetSessionState(&model.SessionState{
		SessionID:        "sess-1",
		StartTime:        clock.Now().UnixMilli(),
		LastActivityTime: clock.Now().UnixMilli(),
	})
	return b
}

func domAt(ts int64) model.DomEvent {
	return model.DomEvent{Type: model.EventIncrementalSnapshot, Timestamp: ts, Data: map[string]any{"source": float64(model.SourceMutation)}}
}

// paddedEvent returns an event whose estimated size is exactly target bytes.
func paddedEvent(t *testing.T, target int) model.DomEvent {
	t.Helper()
	base := model.DomEvent{Type: model.EventCustom, Timestamp: 1, Data: map[string]any{"pad": ""}}
	baseline := model.EstimateSize(base)
	require.Greater(t, target, baseline, "target too small for padding")
	base.Data["pad"] = strings.Repeat("x", target-baseline)
	require.Equal(t, target, model.EstimateSize(base))
	return base
}

func TestFlush_OrderAndBounds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{}
	b := newTestBuffer(t, clock, up)
	ctx := context.Background()

	sessionStart := clock.Now().UnixMilli()
	b.AddEvent(ctx, domAt(sessionStart+100))
	b.AddEvent(ctx, domAt(sessionStart+200))
	b.AddEvent(ctx, model.NetworkRecord{Type: model.EventNetwork, ID: "r", Timestamp: sessionStart + 250})
	b.AddEvent(ctx, domAt(sessionStart+300))

	clock.Advance(400 * time.Millisecond)
	require.NoError(t, b.Flush(ctx, true))

	sent := up.sent()
	require.Len(t, sent, 1)
	batch := sent[0]
	assert.Equal(t, "sess-1", batch.SessionID)
	assert.NotEmpty(t, batch.BatchID)
	assert.True(t, batch.IsSessionEnded)
	assert.Equal(t, sessionStart, batch.StartTime, "first batch starts at session start")
	assert.Equal(t, clock.Now().UnixMilli(), batch.EndTime)
	assert.Equal(t, 4, batch.Metadata.EventCount)

	// Enqueue order is preserved; timestamps ride along untouched.
	times := []int64{batch.Data[0].Time(), batch.Data[1].Time(), batch.Data[2].Time(), batch.Data[3].Time()}
	assert.Equal(t, []int64{sessionStart + 100, sessionStart + 200, sessionStart + 250, sessionStart + 300}, times)

	assert.Equal(t, 0, b.Len(), "buffer clears after a successful flush")
}

func TestFlush_Contiguity(t *testing.T) {
	// Invariant: batch[n+1].startTime == batch[n].endTime.
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{}
	b := newTestBuffer(t, clock, up)
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	clock.Advance(time.Second)
	require.NoError(t, b.Flush(ctx, false))

	b.AddEvent(ctx, domAt(2))
	clock.Advance(time.Second)
	require.NoError(t, b.Flush(ctx, false))

	b.AddEvent(ctx, domAt(3))
	clock.Advance(time.Second)
	require.NoError(t, b.Flush(ctx, true))

	sent := up.sent()
	require.Len(t, sent, 3)
	for i := 1; i < len(sent); i++ {
		assert.Equal(t, sent[i-1].EndTime, sent[i].StartTime, "batch %d must start where batch %d ended", i, i-1)
		assert.Less(t, sent[i-1].StartTime, sent[i].StartTime, "startTime strictly increases")
	}
}

func TestFlush_BackoffSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{err: errors.New("boom")}
	b := newTestBuffer(t, clock, up)
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	require.Error(t, b.Flush(ctx, false))
	require.Equal(t, 1, up.calls())

	// 2s after the failure: still inside the 5s backoff window, skipped.
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Flush(ctx, false))
	assert.Equal(t, 1, up.calls(), "flush inside backoff must be skipped")

	// 6s after the failure: backoff has passed, the flush runs and fails again.
	clock.Advance(4 * time.Second)
	require.Error(t, b.Flush(ctx, false))
	assert.Equal(t, 2, up.calls())

	// Second failure doubles the backoff to 10s.
	clock.Advance(9 * time.Second)
	require.NoError(t, b.Flush(ctx, false))
	assert.Equal(t, 2, up.calls(), "flush before 10s backoff expiry must be skipped")

	clock.Advance(2 * time.Second)
	up.err = nil
	require.NoError(t, b.Flush(ctx, false))
	assert.Equal(t, 3, up.calls())
	assert.Equal(t, 0, b.Len())
}

func TestFlush_TerminalIgnoresBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{err: errors.New("boom")}
	b := newTestBuffer(t, clock, up)
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	require.Error(t, b.Flush(ctx, false))

	up.err = nil
	clock.Advance(time.Second) // still inside backoff
	require.NoError(t, b.Flush(ctx, true))
	require.Len(t, up.sent(), 1, "a terminal flush runs despite the backoff deadline")
	assert.True(t, up.sent()[0].IsSessionEnded)
}

func TestFlush_BackoffResetsOnSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{err: errors.New("boom")}
	b := newTestBuffer(t, clock, up)
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	require.Error(t, b.Flush(ctx, false))
	clock.Advance(6 * time.Second)
	up.err = nil
	require.NoError(t, b.Flush(ctx, false))

	// After a success the failure counter is back to zero: a new failure gets
	// the base 5s backoff, not 10s.
	up.err = errors.New("boom")
	b.AddEvent(ctx, domAt(2))
	require.Error(t, b.Flush(ctx, false))
	clock.Advance(6 * time.Second)
	require.Error(t, b.Flush(ctx, false), "flush must run 6s after a first failure")
}

func TestAddEvent_ThresholdBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()

	// Exactly at 90% of the cap a flush is scheduled.
	b := newTestBuffer(t, clock, &fakeUploader{})
	b.AddEvent(context.Background(), paddedEvent(t, flushThresholdBytes))
	assert.Len(t, b.flushCh, 1, "flush must be scheduled at the 90%% threshold")

	// One byte under, it is not.
	b2 := newTestBuffer(t, clock, &fakeUploader{})
	b2.AddEvent(context.Background(), paddedEvent(t, flushThresholdBytes-1))
	assert.Len(t, b2.flushCh, 0, "no flush below the threshold")
}

func TestAddEvent_AgeTriggersFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBuffer(t, clock, &fakeUploader{})
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	assert.Len(t, b.flushCh, 0)

	clock.Advance(maxBufferAge + time.Second)
	b.AddEvent(ctx, domAt(2))
	assert.Len(t, b.flushCh, 1, "an over-age buffer schedules a flush")
}

func TestAddEvent_NoScheduleDuringBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{err: errors.New("boom")}
	b := newTestBuffer(t, clock, up)
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	require.Error(t, b.Flush(ctx, false))

	// Fail a second time so a fresh backoff window is open at enqueue time.
	clock.Advance(maxBufferAge + time.Second)
	require.Error(t, b.Flush(ctx, false))
	b.AddEvent(ctx, domAt(2))
	assert.Len(t, b.flushCh, 0, "an over-age buffer must not schedule inside the backoff window")
}

func TestAddEvent_DropsInternalLogs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBuffer(t, clock, &fakeUploader{})
	ctx := context.Background()

	internal := model.DomEvent{
		Type: model.EventPlugin,
		Data: map[string]any{
			"plugin": model.ConsolePluginName,
			"payload": map[string]any{
				"payload": []any{"[Perceptr] flush scheduled"},
			},
		},
	}
	b.AddEvent(ctx, internal)
	assert.Equal(t, 0, b.Len(), "the SDK's own console records are dropped")

	// A user console record with the same shape but no marker is kept.
	user := model.DomEvent{
		Type: model.EventPlugin,
		Data: map[string]any{
			"plugin": model.ConsolePluginName,
			"payload": map[string]any{
				"payload": []any{"checkout failed"},
			},
		},
	}
	b.AddEvent(ctx, user)
	assert.Equal(t, 1, b.Len())

	// A non-console plugin record carrying the marker is kept too.
	other := model.DomEvent{
		Type: model.EventPlugin,
		Data: map[string]any{
			"plugin": "profiler",
			"payload": map[string]any{
				"payload": []any{"[Perceptr] lookalike"},
			},
		},
	}
	b.AddEvent(ctx, other)
	assert.Equal(t, 2, b.Len())
}

// activitySpy records UpdateActivity calls.
type activitySpy struct{ calls int }

func (a *activitySpy) UpdateActivity(context.Context) { a.calls++ }

func TestAddEvent_InteractiveUpdatesActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	spy := &activitySpy{}
	b := New(Options{Uploader: &fakeUploader{}, Activity: spy, Clock: clock, Logger: testutil.TestLogger()})
	b.SetSessionState(&model.SessionState{SessionID: "s", StartTime: 1, LastActivityTime: 1})
	ctx := context.Background()

	b.AddEvent(ctx, model.DomEvent{Type: model.EventIncrementalSnapshot, Data: map[string]any{"source": float64(model.SourceScroll)}})
	assert.Equal(t, 1, spy.calls)

	b.AddEvent(ctx, domAt(5)) // mutation: not interactive
	assert.Equal(t, 1, spy.calls)
}

func TestFlush_HardDropRetainsNewest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{err: errors.New("boom")}
	b := newTestBuffer(t, clock, up)

	// Claimed sizes stand in for genuinely enormous payloads.
	const perEvent = 2 << 20 // 2 MiB each
	for i := 0; i < 100; i++ {
		b.mu.Lock()
		b.events = append(b.events, entry{event: domAt(int64(i)), size: perEvent})
		b.byteSize += perEvent
		b.mu.Unlock()
	}
	require.Greater(t, b.ByteSize(), hardDropBytes)

	require.Error(t, b.Flush(context.Background(), false))

	assert.Equal(t, 80, b.Len(), "the newest 80%% survive the hard drop")
	assert.Equal(t, int64(20), b.DroppedEvents())
	// The survivors are the newest events.
	b.mu.Lock()
	first := b.events[0].event.Time()
	b.mu.Unlock()
	assert.Equal(t, int64(20), first)
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{}
	b := newTestBuffer(t, clock, up)
	require.NoError(t, b.Flush(context.Background(), false))
	assert.Equal(t, 0, up.calls())
}

func TestDestroy_PersistsWhenTerminalFlushFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	up := &fakeUploader{err: errors.New("offline")}
	st := openTestStore(t)
	b := New(Options{Uploader: up, Store: st, Clock: clock, Logger: testutil.TestLogger()})
	b.SetSessionState(&model.SessionState{SessionID: "sess-d", StartTime: clock.Now().UnixMilli(), LastActivityTime: clock.Now().UnixMilli()})
	ctx := context.Background()

	b.AddEvent(ctx, domAt(1))
	b.AddEvent(ctx, domAt(2))
	b.Destroy(ctx)

	entries := readPersisted(t, b, ctx)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess-d", entries[0].SessionID)
	assert.Len(t, entries[0].Events, 2)
}
