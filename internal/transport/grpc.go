package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/itsabgr/mergeio/internal/iobuf"
)

// GRPC carries the stream as BytesValue messages on one bidirectional RPC.
// The client ends its direction with CloseSend; the server, which cannot half
// close an RPC, sends an empty message instead.
type GRPC struct{}

const (
	grpcMethod = "/mergeio.Tunnel/Stream"
	// grpcChunkSize keeps every message far below grpc's default 4 MiB
	// receive limit.
	grpcChunkSize = 32 * 1024
)

type tunnelServer interface {
	serve(stream grpc.ServerStream) error
}

var tunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: "mergeio.Tunnel",
	HandlerType: (*tunnelServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Stream",
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			return srv.(tunnelServer).serve(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "mergeio.proto",
}

type grpcListener struct {
	ln      net.Listener
	server  *grpc.Server
	streams chan io.ReadWriteCloser
	done    chan struct{}
	once    sync.Once
}

func (GRPC) Listen(ctx context.Context, addr string) (Listener, error) {
	tlsConfig, err := serverTLS("h2")
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		ln:      ln,
		server:  grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig))),
		streams: make(chan io.ReadWriteCloser),
		done:    make(chan struct{}),
	}
	l.server.RegisterService(&tunnelServiceDesc, l)
	go func() {
		if err := l.server.Serve(ln); err != nil {
			zap.L().Named("grpc").Debug("serve stopped", zap.Error(err))
		}
	}()
	return l, nil
}

func (l *grpcListener) serve(ss grpc.ServerStream) error {
	finished := make(chan struct{})
	var once sync.Once
	s := newStream(
		iobuf.NewReader(newReceiver(ss).fetch),
		iobuf.NewWriteCloser(sendBytes(ss), closeOnce(func() error {
			return ss.SendMsg(&wrapperspb.BytesValue{})
		})),
		func() error {
			once.Do(func() { close(finished) })
			return nil
		},
	)
	select {
	case l.streams <- s:
	case <-l.done:
		return E.New("listener closed")
	case <-ss.Context().Done():
		return ss.Context().Err()
	}
	select {
	case <-finished:
		return nil
	case <-ss.Context().Done():
		return ss.Context().Err()
	}
}

func (l *grpcListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *grpcListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close lets finished RPCs flush their last messages before the connections
// go away, and forces the stop after closeLinger.
func (l *grpcListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		timer := time.AfterFunc(closeLinger, l.server.Stop)
		l.server.GracefulStop()
		timer.Stop()
	})
	return nil
}

func (GRPC) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(credentials.NewTLS(clientTLS("h2"))))
	if err != nil {
		return nil, E.Cause(err, "grpc dial")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	cs, err := cc.NewStream(streamCtx, &tunnelServiceDesc.Streams[0], grpcMethod, grpc.WaitForReady(true))
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, E.Cause(err, "grpc open stream")
	}
	recv := newReceiver(cs)
	return newStream(
		iobuf.NewReader(recv.fetch),
		iobuf.NewWriteCloser(sendBytes(cs), cs.CloseSend),
		func() error {
			// the RPC ends cleanly only once the server has read everything
			// sent so far and returned; cancelling earlier resets it
			recv.drain(closeLinger)
			cancel()
			return cc.Close()
		},
	), nil
}

type messageStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// receiver serialises RecvMsg between the read half and drain.
type receiver struct {
	mu sync.Mutex
	s  messageStream
}

func newReceiver(s messageStream) *receiver {
	return &receiver{s: s}
}

func (r *receiver) fetch() ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := new(wrapperspb.BytesValue)
	if err := r.s.RecvMsg(msg); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	if len(msg.Value) == 0 {
		return nil, nil
	}
	return [][]byte{msg.Value}, nil
}

// drain discards incoming messages until the RPC finishes or timeout passes.
func (r *receiver) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.mu.Lock()
		defer r.mu.Unlock()
		for {
			if err := r.s.RecvMsg(new(wrapperspb.BytesValue)); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func sendBytes(s messageStream) func([]byte) (int, error) {
	return func(p []byte) (int, error) {
		var written int
		for len(p) > 0 {
			chunk := p
			if len(chunk) > grpcChunkSize {
				chunk = chunk[:grpcChunkSize]
			}
			if err := s.SendMsg(wrapperspb.Bytes(chunk)); err != nil {
				return written, err
			}
			written += len(chunk)
			p = p[len(chunk):]
		}
		return written, nil
	}
}
