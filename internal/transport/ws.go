package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/itsabgr/mergeio/duplex"
	"github.com/itsabgr/mergeio/internal/iobuf"
)

// WebSocket carries the stream as binary messages. An empty message marks the
// end of one direction.
type WebSocket struct{}

type wsListener struct {
	net.Listener
}

func (WebSocket) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return wsListener{ln}, nil
}

func (l wsListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := acceptContext(ctx, l.Listener)
	if err != nil {
		return nil, err
	}
	if _, err := ws.Upgrade(conn); err != nil {
		_ = conn.Close()
		return nil, E.Cause(err, "websocket upgrade")
	}
	return wsStream(conn, conn, ws.StateServerSide), nil
}

func (WebSocket) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/")
	if err != nil {
		return nil, err
	}
	var src io.Reader = conn
	if br != nil {
		// the handshake reader may already hold frames
		src = br
	}
	return wsStream(src, conn, ws.StateClientSide), nil
}

func wsStream(src io.Reader, conn net.Conn, state ws.State) io.ReadWriteCloser {
	// control frame replies from the read side share the socket with data
	// frames from the write side; a data frame holds the lock for its header
	// and payload
	out := &lockedWriter{w: conn}
	frames := duplex.New(src, out)

	reader := iobuf.NewReader(func() ([][]byte, error) {
		var (
			data []byte
			err  error
		)
		if state == ws.StateServerSide {
			data, err = wsutil.ReadClientBinary(frames)
		} else {
			data, err = wsutil.ReadServerBinary(frames)
		}
		var closed wsutil.ClosedError
		if err == io.EOF || errors.As(err, &closed) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, nil
		}
		return [][]byte{data}, nil
	})

	send := func(p []byte) error {
		out.mu.Lock()
		defer out.mu.Unlock()
		if state == ws.StateServerSide {
			return wsutil.WriteServerBinary(conn, p)
		}
		return wsutil.WriteClientBinary(conn, p)
	}
	writer := iobuf.NewWriteCloser(func(p []byte) (int, error) {
		if len(p) == 0 {
			return 0, nil
		}
		if err := send(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}, closeOnce(func() error {
		return send(nil)
	}))

	return newStream(reader, writer, conn.Close)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
