package adcbridge

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortOutput means an output stream cannot hold the requested number of items.
var ErrShortOutput = errors.New("output stream shorter than requested item count")

// Work copies up to nRequested items from the current block into each of
// outputs, one output stream per enabled channel in ascending channel order.
// It returns the number of items written to every stream, which is less than
// nRequested when the block runs out; the next call starts a refill.
//
// While no block is available, Work waits in periods of the pull timeout,
// publishing a TIMEOUT update after each one. It returns io.EOF once the source
// is stopped, by Stop or by a failed fetch (see Err), and before Start.
//
// The first item taken from each block carries a buffer_start tag on every
// stream, whose value is the size of that block.
func (ds *AnalogInSource) Work(nRequested int, outputs []OutputStream) (int, error) {
	if nRequested < 0 {
		return 0, fmt.Errorf("Work called with nRequested=%d", nRequested)
	}
	if len(outputs) != len(ds.channelMap) {
		return 0, fmt.Errorf("%w: Work got %d output streams, source has %d",
			ErrChannelMapping, len(outputs), len(ds.channelMap))
	}
	for i := range outputs {
		if c := outputs[i].capacity(ds.outputMode); c < nRequested {
			return 0, fmt.Errorf("%w: stream %d holds %d %s items, %d requested",
				ErrShortOutput, i, c, ds.outputMode, nRequested)
		}
	}

	buf := ds.buffer
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.stopped {
		return 0, io.EOF
	}
	if nRequested == 0 {
		return 0, nil
	}
	if buf.itemsInBuffer == 0 {
		buf.requestRefill()
	}
	for buf.emptyBuffer {
		if buf.waitForData(ds.pullTimeout) {
			break
		}
		if buf.stopped {
			return 0, io.EOF
		}
		ds.metrics.pullTimeouts.Inc()
		ds.publish(ClientUpdate{"TIMEOUT", TimeoutNotice{SrcID: ds.name, Message: "timeout", Waited: ds.pullTimeout}})
	}

	n := min(buf.itemsInBuffer, nRequested)
	start := buf.sampleIndex
	for stream, channel := range ds.channelMap {
		out := &outputs[stream]
		if start == 0 && n > 0 {
			out.Tags = append(out.Tags, Tag{
				Offset: buf.itemsWritten,
				Key:    BufferStartKey,
				Value:  int64(buf.blockSize),
				SrcID:  ds.name,
			})
		}
		raw := buf.samples[channel][start : start+n]
		if ds.outputMode == OutputRaw {
			for i, v := range raw {
				out.Raw[i] = int16(v)
			}
		} else {
			for i, v := range raw {
				out.Volts[i] = float32(ds.analogIn.ConvertRawToVolts(channel, v))
			}
		}
	}
	buf.consume(n)
	ds.metrics.samplesDelivered.Add(float64(n))
	return n, nil
}
