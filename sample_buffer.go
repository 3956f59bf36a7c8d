package adcbridge

import (
	"fmt"
	"sync"
	"time"
)

// sampleBuffer is the state shared by the refill worker and Work. Every field
// is guarded by mu, and cond (on mu) is broadcast whenever emptyBuffer or
// stopped changes.
//
// Invariant: sampleIndex + itemsInBuffer == blockSize.
type sampleBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	samples       SampleBlock
	blockSize     int // length of samples on the enabled channels
	itemsInBuffer int // samples not yet handed to Work
	sampleIndex   int // next unread position in samples
	emptyBuffer   bool
	stopped       bool
	cancelling    bool  // Stop has cancelled the device buffer
	fetchErr      error // why the worker stopped the session, if it did

	blocksFetched int
	itemsWritten  uint64 // items produced on each output stream this session
}

// newSampleBuffer returns a stopped buffer; reset makes it usable.
func newSampleBuffer() *sampleBuffer {
	b := &sampleBuffer{emptyBuffer: true, stopped: true}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// reset prepares for a new session: no data, worker asked to fetch.
func (b *sampleBuffer) reset() {
	b.discard()
	b.emptyBuffer = true
	b.stopped = false
	b.cancelling = false
	b.fetchErr = nil
	b.blocksFetched = 0
	b.itemsWritten = 0
}

// discard drops the current block.
func (b *sampleBuffer) discard() {
	b.samples = nil
	b.blockSize = 0
	b.itemsInBuffer = 0
	b.sampleIndex = 0
}

// requestRefill marks the buffer exhausted and wakes the worker.
func (b *sampleBuffer) requestRefill() {
	b.emptyBuffer = true
	b.cond.Broadcast()
}

// publish replaces the block with a freshly fetched one of nsamp samples.
func (b *sampleBuffer) publish(block SampleBlock, nsamp int) {
	b.samples = block
	b.blockSize = nsamp
	b.itemsInBuffer = nsamp
	b.sampleIndex = 0
	b.emptyBuffer = false
	b.blocksFetched++
	b.cond.Broadcast()
}

// consume advances the cursor past n samples.
func (b *sampleBuffer) consume(n int) {
	b.itemsInBuffer -= n
	b.sampleIndex += n
	b.itemsWritten += uint64(n)
}

// stop ends the session. err is the cause when the worker ends it.
func (b *sampleBuffer) stop(err error) {
	if !b.stopped && err != nil {
		b.fetchErr = err
	}
	b.emptyBuffer = true
	b.stopped = true
	b.cond.Broadcast()
}

// waitForDemand blocks until the buffer is empty or the session stops. It
// reports whether the worker should fetch.
func (b *sampleBuffer) waitForDemand() bool {
	for !b.emptyBuffer && !b.stopped {
		b.cond.Wait()
	}
	return !b.stopped
}

// waitForData blocks for at most timeout until a refill is published or the
// session stops. It reports whether data is available.
func (b *sampleBuffer) waitForData(timeout time.Duration) bool {
	expired := false
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		expired = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()
	for b.emptyBuffer && !b.stopped && !expired {
		b.cond.Wait()
	}
	return !b.emptyBuffer
}

// checkInvariant verifies the cursor bookkeeping.
func (b *sampleBuffer) checkInvariant() error {
	if b.itemsInBuffer < 0 || b.sampleIndex < 0 {
		return fmt.Errorf("negative cursor: itemsInBuffer=%d sampleIndex=%d", b.itemsInBuffer, b.sampleIndex)
	}
	if b.sampleIndex+b.itemsInBuffer != b.blockSize {
		return fmt.Errorf("sampleIndex(%d)+itemsInBuffer(%d) != block size %d",
			b.sampleIndex, b.itemsInBuffer, b.blockSize)
	}
	return nil
}
