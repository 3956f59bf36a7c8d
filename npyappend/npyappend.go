// Package npyappend writes one-dimensional numpy *.npy files that grow as
// samples are appended. The header has a fixed size, so the shape can be
// rewritten in place without moving the data.
package npyappend

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"
	"unsafe"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/adcbridge/internal/asyncbufio"
)

// Sample lists the element types an NpyAppender can store.
type Sample interface {
	float32 | float64 | int16
}

// headerLen is the length of the whole header, including magic, version, and
// length bytes. npy requires a multiple of 64.
const headerLen = 128

// preheaderLen is the length of magic string, version, and header-length field.
const preheaderLen = 10

// NpyAppender appends samples of type T to a .npy file. Data are written
// asynchronously; the header is brought up to date by RefreshHeader and Close.
type NpyAppender[T Sample] struct {
	filename   string
	file       *os.File
	writer     *asyncbufio.Writer
	nitems     int
	lastHeader string
}

// NewNpyAppender creates (or truncates) filename and writes an empty header.
func NewNpyAppender[T Sample](filename string) (*NpyAppender[T], error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	a := &NpyAppender[T]{filename: filename, file: file}
	header, err := a.header()
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Write([]byte(header)); err != nil {
		file.Close()
		return nil, err
	}
	a.lastHeader = header
	a.writer = asyncbufio.NewWriter(file, 256, time.Second)
	return a, nil
}

// Append queues a copy of items for writing.
func (a *NpyAppender[T]) Append(items []T) error {
	if len(items) == 0 {
		return nil
	}
	b := bytesOf(slices.Clone(items))
	_, err := a.writer.Write(b)
	if err == io.ErrShortWrite {
		// Queue is full: drain it and try once more.
		if err = a.writer.Flush(); err != nil {
			return err
		}
		_, err = a.writer.Write(b)
	}
	if err != nil {
		return err
	}
	a.nitems += len(items)
	return nil
}

// Len returns the number of items appended.
func (a *NpyAppender[T]) Len() int { return a.nitems }

// Filename returns the path of the file.
func (a *NpyAppender[T]) Filename() string { return a.filename }

// LastHeader returns the header most recently written.
func (a *NpyAppender[T]) LastHeader() string { return a.lastHeader }

// RefreshHeader writes all queued data, then updates the shape in the header.
func (a *NpyAppender[T]) RefreshHeader() error {
	if err := a.writer.Flush(); err != nil {
		return err
	}
	return a.writeHeader()
}

// Tell returns the file size in bytes.
func (a *NpyAppender[T]) Tell() (int64, error) {
	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close writes all queued data, updates the header, and closes the file.
func (a *NpyAppender[T]) Close() error {
	werr := a.writer.Close()
	herr := a.writeHeader()
	cerr := a.file.Close()
	for _, err := range []error{werr, herr, cerr} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *NpyAppender[T]) writeHeader() error {
	header, err := a.header()
	if err != nil {
		return err
	}
	if _, err := a.file.WriteAt([]byte(header), 0); err != nil {
		return err
	}
	a.lastHeader = header
	return nil
}

// header returns the npy version 1.0 header for the current item count.
func (a *NpyAppender[T]) header() (string, error) {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d,), }", Dtype[T](), a.nitems)
	padding := headerLen - preheaderLen - len(dict) - 1
	if padding < 0 {
		return "", fmt.Errorf("npy header dictionary %q too long", dict)
	}
	const dictLen = headerLen - preheaderLen
	pre := "\x93NUMPY\x01\x00" + string([]byte{dictLen % 256, dictLen / 256})
	return pre + dict + strings.Repeat(" ", padding) + "\n", nil
}

// Dtype returns the numpy type descriptor of T.
func Dtype[T Sample]() string {
	var zero T
	switch any(zero).(type) {
	case float32:
		return "<f4"
	case float64:
		return "<f8"
	case int16:
		return "<i2"
	}
	panic("unreachable")
}

// bytesOf views d as bytes, in host (little-endian) order.
func bytesOf[T Sample](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// Verify checks that filename is a 1-d npy file of T and returns its length.
func Verify[T Sample](filename string) (int, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return 0, err
	}
	if got, want := r.Header.Descr.Type, Dtype[T](); got != want {
		return 0, fmt.Errorf("%s holds dtype %s, want %s", filename, got, want)
	}
	if len(r.Header.Descr.Shape) != 1 {
		return 0, fmt.Errorf("%s has shape %v, want 1 dimension", filename, r.Header.Descr.Shape)
	}
	return r.Header.Descr.Shape[0], nil
}

// ReadAll returns the contents of a 1-d npy file of T.
func ReadAll[T Sample](filename string) ([]T, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var data []T
	if err := npyio.Read(f, &data); err != nil {
		return nil, err
	}
	return data, nil
}
