package iobuf

import (
	"io"
)

type writer func([]byte) (int, error)

func (w writer) Write(p []byte) (n int, err error) {
	return w(p)
}

func NewWriter(out func([]byte) (int, error)) io.Writer {
	return writer(out)
}

type writeCloser struct {
	writer
	close func() error
}

func (w writeCloser) Close() error {
	return w.close()
}

// NewWriteCloser is NewWriter for sinks with an explicit end of stream.
func NewWriteCloser(out func([]byte) (int, error), close func() error) io.WriteCloser {
	return writeCloser{writer(out), close}
}
