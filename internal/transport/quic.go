package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/itsabgr/mergeio/internal/iobuf"
)

// QUIC pairs two unidirectional streams: the one this side opens is the write
// half and the one the peer opens is the read half. A peer only learns about a
// stream once data is sent on it, so each side announces its stream with a
// one byte preamble.
//
// Closing a connection discards stream data the peer has not read yet, so a
// reader that reaches the end of its stream acknowledges it on a third
// stream, and Close waits for the peer's acknowledgement before tearing the
// connection down.
type QUIC struct{}

const (
	quicPreamble = 'M'
	quicAck      = 'A'
)

type quicListener struct {
	ln *quic.Listener
}

func (QUIC) Listen(ctx context.Context, addr string) (Listener, error) {
	tlsConfig, err := serverTLS(alpn)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{})
	if err != nil {
		return nil, E.Cause(err, "quic listen")
	}
	return &quicListener{ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream(ctx, conn)
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

func (QUIC) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLS(alpn), &quic.Config{})
	if err != nil {
		return nil, E.Cause(err, "quic dial")
	}
	return quicStream(ctx, conn)
}

func quicStream(ctx context.Context, conn quic.Connection) (io.ReadWriteCloser, error) {
	abort := func(err error, msg string) (io.ReadWriteCloser, error) {
		_ = conn.CloseWithError(1, msg)
		return nil, E.Cause(err, msg)
	}
	send, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return abort(err, "open stream")
	}
	if _, err := send.Write([]byte{quicPreamble}); err != nil {
		return abort(err, "write preamble")
	}
	recv, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return abort(err, "accept stream")
	}
	preamble, err := iobuf.ReadN(recv, 1)
	if err != nil {
		return abort(err, "read preamble")
	}
	if preamble[0] != quicPreamble {
		return abort(E.New("got ", preamble[0]), "unexpected preamble")
	}
	acked := make(chan struct{})
	go func() {
		defer close(acked)
		ack, err := conn.AcceptUniStream(conn.Context())
		if err != nil {
			return
		}
		_, _ = iobuf.ReadN(ack, 1)
	}()
	return newStream(&quicReader{ReceiveStream: recv, conn: conn}, send, func() error {
		select {
		case <-acked:
		case <-conn.Context().Done():
		case <-time.After(closeLinger):
		}
		return conn.CloseWithError(0, "")
	}), nil
}

// quicReader adds CloseRead so the read half can be abandoned without
// touching the send stream.
type quicReader struct {
	quic.ReceiveStream
	conn quic.Connection
	once sync.Once
}

func (r *quicReader) Read(p []byte) (int, error) {
	n, err := r.ReceiveStream.Read(p)
	if err == io.EOF {
		r.once.Do(r.ack)
	}
	return n, err
}

// ack tells the peer everything it sent has been read.
func (r *quicReader) ack() {
	s, err := r.conn.OpenUniStreamSync(r.conn.Context())
	if err != nil {
		return
	}
	_, _ = s.Write([]byte{quicAck})
	_ = s.Close()
}

func (r *quicReader) CloseRead() error {
	r.CancelRead(0)
	return nil
}
