package adcbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/usnistgov/adcbridge/npyappend"
)

// Sink receives the items a flowgraph pulls from a source.
type Sink interface {
	// Consume handles the first n items of each output stream and their tags.
	// It must not keep references to outputs after returning.
	Consume(n int, outputs []OutputStream) error
	Close() error
}

// RunFlowgraph is the host loop: it starts src, pulls up to OutputMultiple
// items per call into sink until nItems items per stream have been delivered
// (nItems <= 0 means no limit), ctx is done, or src reaches end of stream. It
// always stops src and returns the number of items delivered per stream.
//
// When src ends on its own, the error is src.Err(), which is nil if the source
// was stopped rather than failed.
func RunFlowgraph(ctx context.Context, src DataSource, sink Sink, nItems int64) (int64, error) {
	outputs := NewOutputStreams(src.NumOutputs(), OutputMultiple, src.OutputMode())
	if err := src.Start(); err != nil {
		return 0, err
	}
	defer func() {
		if err := src.Stop(); err != nil {
			log.Printf("flowgraph could not stop source: %v", err)
		}
	}()

	var delivered int64
	for nItems <= 0 || delivered < nItems {
		select {
		case <-ctx.Done():
			return delivered, nil
		default:
		}
		request := OutputMultiple
		if nItems > 0 && nItems-delivered < int64(request) {
			request = int(nItems - delivered)
		}
		for i := range outputs {
			outputs[i].Tags = outputs[i].Tags[:0]
		}
		n, err := src.Work(request, outputs)
		if errors.Is(err, io.EOF) {
			return delivered, src.Err()
		} else if err != nil {
			return delivered, err
		}
		if n == 0 {
			continue
		}
		if err := sink.Consume(n, outputs); err != nil {
			return delivered, fmt.Errorf("sink failed: %w", err)
		}
		delivered += int64(n)
	}
	return delivered, nil
}

// CountingSink counts items and keeps every tag it is given.
type CountingSink struct {
	Items int64
	Tags  [][]Tag // Tags[stream], offsets as written by the source
}

// Consume counts n items and records tags.
func (cs *CountingSink) Consume(n int, outputs []OutputStream) error {
	if cs.Tags == nil {
		cs.Tags = make([][]Tag, len(outputs))
	}
	if len(outputs) != len(cs.Tags) {
		return fmt.Errorf("CountingSink got %d streams, had %d", len(outputs), len(cs.Tags))
	}
	for i := range outputs {
		cs.Tags[i] = append(cs.Tags[i], outputs[i].Tags...)
	}
	cs.Items += int64(n)
	return nil
}

// Close does nothing.
func (cs *CountingSink) Close() error { return nil }

// NpySink writes each output stream to its own .npy file, named
// <basename>_chan<N>.npy after the physical channel (numbered from 1).
type NpySink struct {
	mode  OutputMode
	volts []*npyappend.NpyAppender[float32]
	raw   []*npyappend.NpyAppender[int16]
	names []string
}

// NewNpySink creates one file per channel in dir.
func NewNpySink(dir, basename string, channels []int, mode OutputMode) (*NpySink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	ns := &NpySink{mode: mode}
	for _, c := range channels {
		name := filepath.Join(dir, fmt.Sprintf("%s_chan%d.npy", basename, c+1))
		ns.names = append(ns.names, name)
		var err error
		if mode == OutputRaw {
			var a *npyappend.NpyAppender[int16]
			a, err = npyappend.NewNpyAppender[int16](name)
			ns.raw = append(ns.raw, a)
		} else {
			var a *npyappend.NpyAppender[float32]
			a, err = npyappend.NewNpyAppender[float32](name)
			ns.volts = append(ns.volts, a)
		}
		if err != nil {
			ns.Close()
			return nil, err
		}
	}
	return ns, nil
}

// Filenames returns the file written for each stream.
func (ns *NpySink) Filenames() []string { return ns.names }

// Consume appends n items of each stream to its file.
func (ns *NpySink) Consume(n int, outputs []OutputStream) error {
	if len(outputs) != len(ns.names) {
		return fmt.Errorf("NpySink got %d streams, has %d files", len(outputs), len(ns.names))
	}
	for i := range outputs {
		var err error
		if ns.mode == OutputRaw {
			err = ns.raw[i].Append(outputs[i].Raw[:n])
		} else {
			err = ns.volts[i].Append(outputs[i].Volts[:n])
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", ns.names[i], err)
		}
	}
	return nil
}

// Close finishes every file.
func (ns *NpySink) Close() error {
	var errs []error
	for _, a := range ns.volts {
		if a != nil {
			errs = append(errs, a.Close())
		}
	}
	for _, a := range ns.raw {
		if a != nil {
			errs = append(errs, a.Close())
		}
	}
	return errors.Join(errs...)
}
