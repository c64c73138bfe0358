package transport

import (
	"bytes"
	"context"
	"io"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type halfCloser interface {
	CloseWrite() error
}

func connect(t *testing.T, ctx context.Context, tr Transport) (client, server io.ReadWriteCloser) {
	t.Helper()
	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	type result struct {
		s   io.ReadWriteCloser
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := ln.Accept(ctx)
		accepted <- result{s, err}
	}()

	client, err = tr.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)

	select {
	case r := <-accepted:
		require.NoError(t, r.err)
		server = r.s
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	return client, server
}

func exchange(t *testing.T, client, server io.ReadWriteCloser) {
	t.Helper()
	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func halfClose(t *testing.T, client, server io.ReadWriteCloser) {
	t.Helper()
	_, err := client.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, client.(halfCloser).CloseWrite())

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	// the other direction is still open
	_, err = server.Write([]byte("reply"))
	require.NoError(t, err)
	require.NoError(t, server.(halfCloser).CloseWrite())

	got, err = io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(got))
}

// closeBoth closes both ends at once; transports that wait for the peer on
// Close would otherwise stall a sequential close.
func closeBoth(a, b io.Closer) {
	var wg sync.WaitGroup
	for _, c := range []io.Closer{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()
}

func TestTransports(t *testing.T) {
	tests := []struct {
		name      string
		halfClose bool
	}{
		{"tcp", true},
		{"ws", true},
		{"grpc", true},
		{"quic", true},
		{"dtls", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			tr, err := ByName(tt.name)
			require.NoError(t, err)
			client, server := connect(t, ctx, tr)

			exchange(t, client, server)
			if tt.halfClose {
				halfClose(t, client, server)
			}

			closeBoth(client, server)
		})
	}
}

// TestCloseSequence writes a large payload and closes the writer straight
// away, while the peer is still reading it.
func TestCloseSequence(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"tcp", 8<<20 + 7},
		{"ws", 8<<20 + 7},
		{"grpc", 8<<20 + 7},
		{"quic", 8<<20 + 7},
		// unreliable datagrams; keep within the socket buffers
		{"dtls", 32<<10 + 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			tr, err := ByName(tt.name)
			require.NoError(t, err)
			client, server := connect(t, ctx, tr)

			type result struct {
				got []byte
				err error
			}
			received := make(chan result, 1)
			go func() {
				defer server.Close()
				if err := server.(halfCloser).CloseWrite(); err != nil {
					received <- result{err: err}
					return
				}
				got, err := io.ReadAll(server)
				received <- result{got, err}
			}()

			payload := bytes.Repeat([]byte("0123456789abcdef"), tt.size/16+1)[:tt.size]
			n, err := client.Write(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			require.NoError(t, client.(halfCloser).CloseWrite())

			rest, err := io.ReadAll(client)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.NoError(t, client.Close())

			select {
			case r := <-received:
				require.NoError(t, r.err)
				assert.Equal(t, len(payload), len(r.got))
				assert.True(t, bytes.Equal(payload, r.got), "payload corrupted")
			case <-ctx.Done():
				t.Fatal("server did not finish reading")
			}
		})
	}
}

func TestGRPCLargeWrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, server := connect(t, ctx, GRPC{})
	defer closeBoth(client, server)

	// larger than grpc's default receive limit
	payload := bytes.Repeat([]byte{0xa5}, 5<<20)
	go func() {
		_, _ = client.Write(payload)
		_ = client.(halfCloser).CloseWrite()
	}()

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(got))
}

type recordingStream struct {
	sizes []int
	recv  func() error
}

func (s *recordingStream) SendMsg(m interface{}) error {
	s.sizes = append(s.sizes, len(m.(*wrapperspb.BytesValue).Value))
	return nil
}

func (s *recordingStream) RecvMsg(interface{}) error {
	return s.recv()
}

func TestSendBytesChunks(t *testing.T) {
	s := &recordingStream{}
	n, err := sendBytes(s)(make([]byte, 2*grpcChunkSize+100))
	require.NoError(t, err)
	assert.Equal(t, 2*grpcChunkSize+100, n)
	assert.Equal(t, []int{grpcChunkSize, grpcChunkSize, 100}, s.sizes)

	n, err = sendBytes(s)(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, s.sizes, 3)
}

func TestReceiverDrain(t *testing.T) {
	t.Run("finished", func(t *testing.T) {
		left := 3
		s := &recordingStream{recv: func() error {
			if left == 0 {
				return io.EOF
			}
			left--
			return nil
		}}
		start := time.Now()
		newReceiver(s).drain(time.Minute)
		assert.Zero(t, left)
		assert.Less(t, time.Since(start), time.Second)
	})
	t.Run("timeout", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		s := &recordingStream{recv: func() error {
			<-block
			return io.EOF
		}}
		start := time.Now()
		newReceiver(s).drain(20 * time.Millisecond)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})
}

func TestDTLSRecords(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client, server := dtlsStream(a), dtlsStream(b)

	go func() {
		_, _ = a.Write([]byte{dtlsData})
		_, _ = client.Write(bytes.Repeat([]byte("x"), 3*dtlsRecordSize+1))
		_ = client.(halfCloser).CloseWrite()
	}()

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, 3*dtlsRecordSize+1, len(got))
}

func TestDTLSUnknownRecord(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	server := dtlsStream(b)

	go func() { _, _ = a.Write([]byte{0x7f, 'x'}) }()

	_, err := server.Read(make([]byte, 8))
	assert.ErrorContains(t, err, "unknown record type")
}

func TestCloseOnce(t *testing.T) {
	errBoom := errors.New("boom")
	var calls int
	c := closeOnce(func() error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, c(), errBoom)
	assert.ErrorIs(t, c(), errBoom)
	assert.Equal(t, 1, calls)
}

func TestByNameUnknown(t *testing.T) {
	_, err := ByName("carrier-pigeon")
	assert.ErrorContains(t, err, "unknown transport")
}

func TestTCPWriteBuffers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, server := connect(t, ctx, TCP{})
	defer client.Close()
	defer server.Close()

	bw, ok := client.(interface {
		WriteBuffers(*net.Buffers) (int64, error)
	})
	require.True(t, ok)

	bufs := net.Buffers{[]byte("gather "), []byte("write "), bytes.Repeat([]byte("!"), 3)}
	n, err := bw.WriteBuffers(&bufs)
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)
	require.NoError(t, client.(halfCloser).CloseWrite())

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, "gather write !!!", string(got))
}

func TestTCPReadDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, server := connect(t, ctx, TCP{})
	defer client.Close()
	defer server.Close()

	d, ok := server.(interface{ SetReadDeadline(time.Time) error })
	require.True(t, ok)
	require.NoError(t, d.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, err := server.Read(make([]byte, 1))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	// the write side is unaffected by the expired read deadline
	_, err = server.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestAcceptContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = acceptContext(ctx, ln)
	assert.ErrorIs(t, err, context.Canceled)
}
