package iobuf

import (
	"bytes"
	"io"

	"github.com/sagernet/sing/common/x/constraints"
)

type reader struct {
	fetch func() ([][]byte, error)
	buf   bytes.Buffer
}

// NewReader turns a message source into a byte stream. fetch returning an
// empty batch marks the end of the stream.
func NewReader(fetch func() ([][]byte, error)) io.Reader {
	return &reader{fetch: fetch}
}

func (r *reader) Read(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	for r.buf.Len() == 0 {
		list, err := r.fetch()
		if err != nil {
			return 0, err
		}
		if len(list) == 0 {
			return 0, io.EOF
		}
		for _, part := range list {
			if len(part) == 0 {
				continue
			}
			r.buf.Write(part)
		}
	}
	n, _ := r.buf.Read(dst)
	return n, nil
}

func ReadN[N constraints.Integer](reader io.Reader, n N) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(reader, b)
	return b, err
}
