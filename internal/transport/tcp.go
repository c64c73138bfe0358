package transport

import (
	"context"
	"io"
	"net"
	"time"
)

type TCP struct{}

type tcpListener struct {
	net.Listener
}

func (TCP) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpListener{ln}, nil
}

func (l tcpListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := acceptContext(ctx, l.Listener)
	if err != nil {
		return nil, err
	}
	return splitTCP(conn.(*net.TCPConn)), nil
}

func (TCP) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return splitTCP(conn.(*net.TCPConn)), nil
}

// splitTCP views one socket as two halves so each direction can be shut down
// on its own.
func splitTCP(c *net.TCPConn) io.ReadWriteCloser {
	return newStream(tcpReader{c}, tcpWriter{c}, c.Close)
}

type tcpReader struct {
	c *net.TCPConn
}

func (r tcpReader) Read(p []byte) (int, error) { return r.c.Read(p) }
func (r tcpReader) CloseRead() error { return r.c.CloseRead() }
func (r tcpReader) SetReadDeadline(t time.Time) error { return r.c.SetReadDeadline(t) }
func (r tcpReader) WriteTo(w io.Writer) (int64, error) { return r.c.WriteTo(w) }

type tcpWriter struct {
	c *net.TCPConn
}

func (w tcpWriter) Write(p []byte) (int, error) { return w.c.Write(p) }
func (w tcpWriter) CloseWrite() error { return w.c.CloseWrite() }
func (w tcpWriter) SetWriteDeadline(t time.Time) error { return w.c.SetWriteDeadline(t) }
func (w tcpWriter) ReadFrom(r io.Reader) (int64, error) { return w.c.ReadFrom(r) }

// WriteBuffers keeps writev available through the split.
func (w tcpWriter) WriteBuffers(bufs *net.Buffers) (int64, error) { return bufs.WriteTo(w.c) }
