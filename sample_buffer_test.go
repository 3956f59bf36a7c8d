package adcbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleBufferStartsStopped(t *testing.T) {
	b := newSampleBuffer()
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.stopped)
	assert.False(t, b.waitForDemand())
	assert.False(t, b.waitForData(time.Millisecond))
	assert.NoError(t, b.checkInvariant())

	b.reset()
	assert.False(t, b.stopped)
	assert.True(t, b.emptyBuffer)
	assert.True(t, b.waitForDemand(), "a reset buffer asks for data")
}

func TestSampleBufferWaitForDataTimesOut(t *testing.T) {
	b := newSampleBuffer()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()

	tstart := time.Now()
	assert.False(t, b.waitForData(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(tstart), 30*time.Millisecond)
	assert.False(t, b.stopped, "a timeout does not stop the session")
}

func TestSampleBufferPublishWakesReader(t *testing.T) {
	b := newSampleBuffer()
	b.mu.Lock()
	b.reset()
	b.mu.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.publish(SampleBlock{{1, 2, 3, 4}}, 4)
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	require.True(t, b.waitForData(5*time.Second))
	assert.Equal(t, 4, b.itemsInBuffer)
	assert.Equal(t, 0, b.sampleIndex)
	assert.Equal(t, 1, b.blocksFetched)
	assert.NoError(t, b.checkInvariant())

	b.consume(3)
	assert.Equal(t, 1, b.itemsInBuffer)
	assert.Equal(t, 3, b.sampleIndex)
	assert.EqualValues(t, 3, b.itemsWritten)
	assert.NoError(t, b.checkInvariant())

	b.itemsInBuffer = 2
	assert.Error(t, b.checkInvariant())
}

func TestSampleBufferStopWakesBoth(t *testing.T) {
	b := newSampleBuffer()
	b.mu.Lock()
	b.reset()
	b.publish(SampleBlock{{1}}, 1) // so the worker has no demand
	b.mu.Unlock()

	worker := make(chan bool)
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		worker <- b.waitForDemand()
	}()
	time.Sleep(20 * time.Millisecond)

	cause := errors.New("boom")
	b.mu.Lock()
	b.stop(cause)
	b.stop(errors.New("later"))
	b.mu.Unlock()

	select {
	case fetch := <-worker:
		assert.False(t, fetch)
	case <-time.After(time.Second):
		t.Fatal("stop did not wake the worker")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, cause, b.fetchErr, "the first cause is kept")
	assert.True(t, b.emptyBuffer)
	assert.False(t, b.waitForData(time.Hour), "a stopped buffer never waits")
}
