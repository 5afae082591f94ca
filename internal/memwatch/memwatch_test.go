package memwatch

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/testutil"
)

// fakeSampler hands out scripted readings.
type fakeSampler struct {
	sample Sample
	ok     bool
}

func (f *fakeSampler) Sample() (Sample, bool) { return f.sample, f.ok }

func newTestWatch(limit uint64, s Sampler) (*Watch, *int) {
	fired := 0
	w := New(limit, clockwork.NewFakeClock(), testutil.TestLogger(), func() { fired++ }, s)
	return w, &fired
}

func TestCheck_FiresAboveLimitOnly(t *testing.T) {
	s := &fakeSampler{ok: true}
	w, fired := newTestWatch(100, s)

	// Exactly at the limit: no fire (strict >).
	s.sample = Sample{HeapBytes: 100}
	w.Check()
	assert.Equal(t, 0, *fired)

	s.sample = Sample{HeapBytes: 101}
	w.Check()
	assert.Equal(t, 1, *fired)
}

func TestCheck_OncePerOverage(t *testing.T) {
	s := &fakeSampler{ok: true, sample: Sample{HeapBytes: 200}}
	w, fired := newTestWatch(100, s)

	w.Check()
	w.Check()
	w.Check()
	assert.Equal(t, 1, *fired, "the callback fires once per overage episode")

	// Usage drops under the limit: the callback re-arms.
	s.sample = Sample{HeapBytes: 50}
	w.Check()
	s.sample = Sample{HeapBytes: 300}
	w.Check()
	assert.Equal(t, 2, *fired)
}

func TestCheck_RuntimeLimit(t *testing.T) {
	s := &fakeSampler{ok: true}
	w, fired := newTestWatch(1 << 30, s) // configured limit far away

	// Exceeding the runtime's own limit fires even under the configured one.
	s.sample = Sample{HeapBytes: 600, RuntimeLimit: 500}
	w.Check()
	assert.Equal(t, 1, *fired)

	// Equal to the runtime limit: no fire.
	*fired = 0
	w2, fired2 := newTestWatch(1<<30, s)
	s.sample = Sample{HeapBytes: 500, RuntimeLimit: 500}
	w2.Check()
	assert.Equal(t, 0, *fired2)
}

func TestRun_PollsOnInterval(t *testing.T) {
	s := &fakeSampler{ok: true, sample: Sample{HeapBytes: 200}}
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 1)
	w := New(100, clock, testutil.TestLogger(), func() { fired <- struct{}{} }, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	clock.BlockUntil(1)
	clock.Advance(DefaultPollInterval)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected the limit callback after one poll interval")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return on context cancellation")
	}
}

func TestRun_PausedSkipsChecks(t *testing.T) {
	s := &fakeSampler{ok: true, sample: Sample{HeapBytes: 200}}
	clock := clockwork.NewFakeClock()
	fired := 0
	w := New(100, clock, testutil.TestLogger(), func() { fired++ }, s)
	w.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(DefaultPollInterval)
	clock.Advance(DefaultPollInterval)
	assert.Equal(t, 0, fired, "a paused watch takes no samples")
}

func TestModernSampler_Available(t *testing.T) {
	s := newMetricsSampler()
	sample, ok := s.Sample()
	require.True(t, ok, "runtime/metrics heap reading must be available")
	assert.Greater(t, sample.HeapBytes, uint64(0))
}

func TestLegacySampler(t *testing.T) {
	sample, ok := memStatsSampler{}.Sample()
	require.True(t, ok)
	assert.Greater(t, sample.HeapBytes, uint64(0))
}
