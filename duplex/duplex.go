// Package duplex merges an independently owned io.Reader and io.Writer into a
// single bidirectional stream.
//
// A Duplex holds no state besides the two values it owns. Every read-side
// method touches only the reader and every write-side method touches only the
// writer; results and errors come back exactly as the inner value produced
// them.
package duplex

import (
	"io"
	"net"
	"os"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
)

// BuffersReader is implemented by readers with a native scatter read.
type BuffersReader interface {
	ReadBuffers(bufs [][]byte) (int, error)
}

// BuffersWriter is implemented by writers with a native gather write.
type BuffersWriter interface {
	WriteBuffers(bufs *net.Buffers) (int64, error)
}

// Flusher is implemented by writers that buffer output until Flush.
type Flusher interface {
	Flush() error
}

type readCloser interface {
	CloseRead() error
}

type writeCloser interface {
	CloseWrite() error
}

// Duplex is safe for one goroutine reading while another writes, provided the
// inner reader and writer are. It adds no locking of its own.
type Duplex[R io.Reader, W io.Writer] struct {
	reader R
	writer W
}

// New takes ownership of reader and writer. Neither is inspected.
func New[R io.Reader, W io.Writer](reader R, writer W) *Duplex[R, W] {
	return &Duplex[R, W]{reader: reader, writer: writer}
}

func (d *Duplex[R, W]) Reader() R {
	return d.reader
}

func (d *Duplex[R, W]) Writer() W {
	return d.writer
}

// ReaderRef exposes the owned reader in place, for value types that need
// mutating methods.
func (d *Duplex[R, W]) ReaderRef() *R {
	return &d.reader
}

// WriterRef exposes the owned writer in place.
func (d *Duplex[R, W]) WriterRef() *W {
	return &d.writer
}

// Split hands back the reader and writer in whatever state they are in. The
// Duplex must not be used afterwards.
func (d *Duplex[R, W]) Split() (R, W) {
	return d.reader, d.writer
}

func (d *Duplex[R, W]) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

// ReadBuffers fills bufs from the reader. Readers without a native scatter
// read get a single Read into the first non-empty buffer.
func (d *Duplex[R, W]) ReadBuffers(bufs [][]byte) (int, error) {
	if br, ok := any(d.reader).(BuffersReader); ok {
		return br.ReadBuffers(bufs)
	}
	for _, b := range bufs {
		if len(b) > 0 {
			return d.reader.Read(b)
		}
	}
	return 0, nil
}

func (d *Duplex[R, W]) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := any(d.reader).(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	return io.Copy(w, struct{ io.Reader }{d.reader})
}

func (d *Duplex[R, W]) Write(p []byte) (int, error) {
	return d.writer.Write(p)
}

// WriteBuffers consumes bufs like net.Buffers.WriteTo does. A nil bufs
// writes nothing.
func (d *Duplex[R, W]) WriteBuffers(bufs *net.Buffers) (int64, error) {
	if bufs == nil {
		return 0, nil
	}
	if bw, ok := any(d.writer).(BuffersWriter); ok {
		return bw.WriteBuffers(bufs)
	}
	return bufs.WriteTo(d.writer)
}

func (d *Duplex[R, W]) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := any(d.writer).(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(struct{ io.Writer }{d.writer}, r)
}

// Flush is a no-op for writers that do not buffer.
func (d *Duplex[R, W]) Flush() error {
	if f, ok := any(d.writer).(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// CloseWrite shuts the write side down, preferring a half close so that a
// shared connection keeps its read direction.
func (d *Duplex[R, W]) CloseWrite() error {
	switch w := any(d.writer).(type) {
	case writeCloser:
		return w.CloseWrite()
	case io.Closer:
		return w.Close()
	}
	return nil
}

func (d *Duplex[R, W]) CloseRead() error {
	switch r := any(d.reader).(type) {
	case readCloser:
		return r.CloseRead()
	case io.Closer:
		return r.Close()
	}
	return nil
}

// Close releases both sides, writer first so the peer sees end of stream
// before the read side goes away. Both are attempted even if one fails.
func (d *Duplex[R, W]) Close() error {
	var errW, errR error
	switch w := any(d.writer).(type) {
	case io.Closer:
		errW = w.Close()
	case writeCloser:
		errW = w.CloseWrite()
	}
	switch r := any(d.reader).(type) {
	case io.Closer:
		errR = r.Close()
	case readCloser:
		errR = r.CloseRead()
	}
	return E.Errors(errW, errR)
}

func (d *Duplex[R, W]) SetReadDeadline(t time.Time) error {
	if r, ok := any(d.reader).(interface{ SetReadDeadline(time.Time) error }); ok {
		return r.SetReadDeadline(t)
	}
	return os.ErrNoDeadline
}

func (d *Duplex[R, W]) SetWriteDeadline(t time.Time) error {
	if w, ok := any(d.writer).(interface{ SetWriteDeadline(time.Time) error }); ok {
		return w.SetWriteDeadline(t)
	}
	return os.ErrNoDeadline
}

func (d *Duplex[R, W]) SetDeadline(t time.Time) error {
	return E.Errors(d.SetReadDeadline(t), d.SetWriteDeadline(t))
}
