// Package transport opens bidirectional byte streams over several network
// protocols. Every stream is assembled from a separate read half and write
// half merged with duplex.New.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/itsabgr/mergeio/duplex"
)

type Transport interface {
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Addr() net.Addr
	Close() error
}

func ByName(name string) (Transport, error) {
	switch name {
	case "tcp":
		return TCP{}, nil
	case "ws":
		return WebSocket{}, nil
	case "dtls":
		return DTLS{}, nil
	case "grpc":
		return GRPC{}, nil
	case "quic":
		return QUIC{}, nil
	default:
		return nil, E.New("unknown transport: ", name)
	}
}

// stream is a merged read/write pair plus whatever owns the underlying
// connection.
type stream[R io.Reader, W io.Writer] struct {
	*duplex.Duplex[R, W]
	release func() error
}

func newStream[R io.Reader, W io.Writer](r R, w W, release func() error) *stream[R, W] {
	return &stream[R, W]{Duplex: duplex.New(r, w), release: release}
}

func (s *stream[R, W]) Close() error {
	return E.Errors(s.Duplex.Close(), s.release())
}

// closeLinger bounds how long Close waits for the peer to take delivery of
// what was already written.
const closeLinger = 5 * time.Second

// closeOnce runs close the first time and replays its error afterwards.
func closeOnce(close func() error) func() error {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() { err = close() })
		return err
	}
}

func acceptContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

const alpn = "mergeio"

func serverTLS(nextProtos ...string) (*tls.Config, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, E.Cause(err, "generate certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Peers are not authenticated; the certificate only keys the channel.
func clientTLS(nextProtos ...string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS12,
	}
}
