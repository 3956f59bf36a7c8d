package adcbridge

import (
	"errors"
	"fmt"
	"time"
)

// refillBuffer is the refill worker. It waits until Work has drained the
// current block, fetches the next one from the device without holding the
// lock, and publishes it. It exits when the session is stopped, either by Stop
// or by a failed fetch, which is never retried. A fetch cancelled by this
// source's Stop is not a failure; one cancelled by anything else (another
// source sharing the device, say) ends the session like any other error.
func (ds *AnalogInSource) refillBuffer(sessionID string) {
	defer ds.refillDone.Done()
	buf := ds.buffer
	buf.mu.Lock()
	defer buf.mu.Unlock()

	for {
		if !buf.waitForDemand() {
			return
		}
		blockNum := buf.blocksFetched
		buf.mu.Unlock()

		tstart := time.Now()
		block, err := ds.analogIn.GetSamplesRaw(ds.bufferSize)
		ds.metrics.fetchSeconds.Observe(time.Since(tstart).Seconds())
		var nsamp int
		if err == nil {
			nsamp, err = block.length(ds.channelMap)
		}
		var summary *ClientUpdate
		if err == nil && ds.clientUpdates != nil {
			summary = &ClientUpdate{"BLOCK", summarizeBlock(ds.name, blockNum, block, ds.channelMap, nsamp)}
		}

		buf.mu.Lock()
		if buf.stopped {
			// Stop cancelled the fetch; its outcome no longer matters.
			return
		}
		if errors.Is(err, ErrBufferCancelled) && buf.cancelling {
			// Our own Stop cancelled; it sets stopped right after.
			for !buf.stopped {
				buf.cond.Wait()
			}
			return
		}
		if err != nil {
			err = fmt.Errorf("fetch of %d samples from %s failed: %w", ds.bufferSize, ds.name, err)
			ProblemLogger.Print(err)
			buf.stop(err)
			ds.metrics.fetchFailures.Inc()
			ds.publish(ClientUpdate{"STOPPED", StoppedNotice{SrcID: ds.name, SessionID: sessionID, Error: err.Error()}})
			return
		}
		buf.publish(block, nsamp)
		ds.metrics.blocksFetched.Inc()
		if summary != nil {
			ds.publish(*summary)
		}
	}
}
