// Package asyncbufio provides a buffered writer whose writes happen on a
// separate goroutine, so callers on a real-time path never wait for the disk.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by Write and Flush after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically

	mu     sync.Mutex // guards err and closed
	err    error      // first error from the underlying writer
	closed bool
}

// NewWriter creates a new Writer that queues up to channelDepth writes and
// flushes at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues p for writing. The Writer keeps p, so the caller must not
// modify it afterward. It returns io.ErrShortWrite without queueing anything
// if the queue is full, and any error the underlying writer has returned.
func (aw *Writer) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, ErrClosed
	}
	if aw.err != nil {
		return 0, aw.err
	}
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// Flush writes everything queued to the underlying writer. Blocks until the
// flush is complete. Flush must not be called concurrently with Close.
func (aw *Writer) Flush() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return ErrClosed
	}
	aw.mu.Unlock()
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Close flushes remaining data and waits for the write goroutine to finish.
// Closing twice returns ErrClosed.
func (aw *Writer) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return ErrClosed
	}
	aw.closed = true
	aw.mu.Unlock()
	close(aw.flushNow) // signals the writeLoop to exit
	<-aw.flushComplete
	return aw.Err()
}

// Err returns the first error from the underlying writer.
func (aw *Writer) Err() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.err
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.mu.Lock()
	if aw.err == nil {
		aw.err = err
	}
	aw.mu.Unlock()
}

// writeLoop moves data from the channel to the writer until Close.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setErr(err)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the channel, then flushes the bufio.Writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setErr(err)
		default:
			aw.setErr(aw.writer.Flush())
			return
		}
	}
}
