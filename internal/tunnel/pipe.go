// Package tunnel pumps bytes between two bidirectional streams.
package tunnel

import (
	"context"
	"io"

	E "github.com/sagernet/sing/common/exceptions"
	"go.uber.org/zap"
)

const DefaultBufferSize = 32 * 1024

// Pipe copies a to b and b to a until both directions reach end of stream,
// one of them fails, or ctx is done. When one direction ends, the destination
// is half closed so its peer sees EOF. On return the caller still owns a and
// b; closing them unblocks any copy still parked in Read.
func Pipe(parent context.Context, a, b io.ReadWriter, bufSize int) error {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := zap.L().Named("tunnel")
	errc := make(chan error, 2)
	go func() {
		errc <- pipe(ctx, logger.With(zap.String("direction", "a->b")), b, a, make([]byte, bufSize))
	}()
	go func() {
		errc <- pipe(ctx, logger.With(zap.String("direction", "b->a")), a, b, make([]byte, bufSize))
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func pipe(ctx context.Context, logger *zap.Logger, dst io.Writer, src io.Reader, buf []byte) error {
	var total int64
	for {
		if ec := ctx.Err(); ec != nil {
			return ec
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			total += int64(nw)
			if ew != nil {
				return ew
			}
			if nw != nr {
				return io.ErrShortWrite
			}
			if f, ok := dst.(interface{ Flush() error }); ok {
				if err := f.Flush(); err != nil {
					return err
				}
			}
		}
		if er == io.EOF {
			logger.Debug("end of stream", zap.Int64("bytes", total))
			if c, ok := dst.(interface{ CloseWrite() error }); ok {
				if err := c.CloseWrite(); err != nil {
					return E.Cause(err, "close write")
				}
			}
			return nil
		}
		if er != nil {
			logger.Debug("read failed", zap.Int64("bytes", total), zap.Error(er))
			return er
		}
	}
}
