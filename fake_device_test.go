package adcbridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/usnistgov/adcbridge/internal/sessiondb"
)

// fakeAnalogIn is a scripted AnalogIn. By default fetch k (1-based) returns,
// on every channel, the ramp k*1e6 + i for i in [0,n), so tests can check
// order and continuity. The fetch honors CancelBuffer the way hardware does:
// the cancel is sticky until FlushBuffer.
type fakeAnalogIn struct {
	mu        sync.Mutex
	calls     int
	cancelled bool
	abort     chan struct{}
	flushes   int

	delay   time.Duration // each fetch waits this long (or until cancelled)
	block   bool          // each fetch waits until cancelled
	failOn  int           // fetch number that fails, and all after it
	failErr error
	nchan   int
	fetch   func(call, n int) SampleBlock // overrides the ramp

	setErr  error // returned by SetSampleRate
	enabled map[int]bool
	trigger fakeTrigger
}

var errFakeFetch = errors.New("fake device unplugged")

func newFakeAnalogIn() *fakeAnalogIn {
	return &fakeAnalogIn{abort: make(chan struct{}), nchan: MaxChannels, enabled: make(map[int]bool)}
}

func rampValue(call, i int) float64 { return float64(call*1000000 + i) }

func (f *fakeAnalogIn) GetSamplesRaw(n int) (SampleBlock, error) {
	f.mu.Lock()
	if f.cancelled {
		f.mu.Unlock()
		return nil, ErrBufferCancelled
	}
	f.calls++
	call := f.calls
	abort := f.abort
	delay, blocking := f.delay, f.block
	f.mu.Unlock()

	if blocking {
		<-abort
		return nil, ErrBufferCancelled
	}
	if delay > 0 {
		select {
		case <-abort:
			return nil, ErrBufferCancelled
		case <-time.After(delay):
		}
	}
	if f.failOn > 0 && call >= f.failOn {
		return nil, f.failErr
	}
	if f.fetch != nil {
		return f.fetch(call, n), nil
	}
	block := make(SampleBlock, f.nchan)
	for c := range block {
		block[c] = make([]float64, n)
		for i := range block[c] {
			block[c][i] = rampValue(call, i)
		}
	}
	return block, nil
}

func (f *fakeAnalogIn) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAnalogIn) CancelBuffer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		f.cancelled = true
		close(f.abort)
	}
}

func (f *fakeAnalogIn) FlushBuffer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	if f.cancelled {
		f.cancelled = false
		f.abort = make(chan struct{})
	}
}

// ConvertRawToVolts is deliberately not a plain cast.
func (f *fakeAnalogIn) ConvertRawToVolts(channel int, raw float64) float64 {
	return raw*0.001 + float64(channel)
}

func (f *fakeAnalogIn) EnableChannel(channel int, enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[channel] = enable
	return nil
}
func (f *fakeAnalogIn) SetRange(int, Range) error       { return nil }
func (f *fakeAnalogIn) SetSampleRate(float64) error     { return f.setErr }
func (f *fakeAnalogIn) SetOversamplingRatio(int) error  { return nil }
func (f *fakeAnalogIn) SetKernelBuffersCount(int) error { return nil }
func (f *fakeAnalogIn) Trigger() Trigger                { return &f.trigger }

type fakeTrigger struct {
	source TriggerSource
	delay  int
}

func (t *fakeTrigger) SetAnalogCondition(int, TriggerCondition) error { return nil }
func (t *fakeTrigger) SetAnalogMode(int, TriggerMode) error           { return nil }
func (t *fakeTrigger) SetAnalogLevel(int, float64) error              { return nil }
func (t *fakeTrigger) SetAnalogSource(s TriggerSource) error {
	t.source = s
	return nil
}
func (t *fakeTrigger) SetAnalogDelay(d int) error {
	t.delay = d
	return nil
}

type fakeContext struct {
	uri      string
	ai       AnalogIn
	mu       sync.Mutex
	closes   int
	calibErr error
	closeErr error
}

func (c *fakeContext) URI() string        { return c.uri }
func (c *fakeContext) AnalogIn() AnalogIn { return c.ai }
func (c *fakeContext) CalibrateADC() error {
	return c.calibErr
}
func (c *fakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}
func (c *fakeContext) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeRegistry returns a registry whose every URI opens ctx.
func fakeRegistry(ctx *fakeContext) *ContextRegistry {
	return NewContextRegistry(func(uri string) (Context, error) { return ctx, nil })
}

// testConfig is a fast single-channel configuration for the fake device.
func testConfig(bufferSize int) AnalogInConfig {
	config := DefaultAnalogInConfig()
	config.URI = "fake:"
	config.BufferSize = bufferSize
	config.PullTimeout = 20 * time.Millisecond
	return config
}

// newFakeSource builds a source on ai and registers cleanup.
func newFakeSource(t *testing.T, ai *fakeAnalogIn, config AnalogInConfig, opts ...Option) (*AnalogInSource, *fakeContext) {
	t.Helper()
	ctx := &fakeContext{uri: "fake:", ai: ai}
	ds, err := NewAnalogInSource(fakeRegistry(ctx), config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds, ctx
}

// waitRefillDone fails the test if the refill goroutine is still running after timeout.
func waitRefillDone(t *testing.T, ds *AnalogInSource, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		ds.refillDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("refill worker still running after %v", timeout)
	}
}

// fakeRecorder is a SessionRecorder that remembers what it was given.
type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	finished []string
	causes   []string
}

func (r *fakeRecorder) RecordSession(m *sessiondb.SessionMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, m.ID)
}

func (r *fakeRecorder) FinishSession(m *sessiondb.SessionMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, m.ID)
	r.causes = append(r.causes, m.StopCause)
}
