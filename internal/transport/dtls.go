package transport

import (
	"context"
	"io"
	"net"

	"github.com/pion/dtls/v2"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/itsabgr/mergeio/internal/iobuf"
)

const (
	// dtlsRecordSize bounds the plaintext of one outgoing record so it fits a
	// typical path MTU.
	dtlsRecordSize = 1024
	dtlsMaxRecord  = 1 << 14
)

// Record types, carried in the first byte of every application data record.
const (
	dtlsData byte = iota
	dtlsEnd
)

// DTLS carries the stream in DTLS application data records. DTLS itself has
// no half close, so every record is tagged and a dtlsEnd record ends the
// sender's direction.
type DTLS struct{}

type dtlsListener struct {
	net.Listener
}

func (DTLS) Listen(ctx context.Context, addr string) (Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := serverTLS()
	if err != nil {
		return nil, err
	}
	ln, err := dtls.Listen("udp", laddr, &dtls.Config{
		Certificates:         tlsConfig.Certificates,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	})
	if err != nil {
		return nil, E.Cause(err, "dtls listen")
	}
	return dtlsListener{ln}, nil
}

func (l dtlsListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := acceptContext(ctx, l.Listener)
	if err != nil {
		return nil, err
	}
	return dtlsStream(conn), nil
}

func (DTLS) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := dtls.DialWithContext(ctx, "udp", raddr, &dtls.Config{
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	})
	if err != nil {
		return nil, E.Cause(err, "dtls dial")
	}
	return dtlsStream(conn), nil
}

func dtlsStream(conn net.Conn) io.ReadWriteCloser {
	record := make([]byte, dtlsMaxRecord)
	reader := iobuf.NewReader(func() ([][]byte, error) {
		for {
			n, err := conn.Read(record)
			if err == io.EOF {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			if n == 0 {
				continue
			}
			switch record[0] {
			case dtlsData:
				if n == 1 {
					continue
				}
				return [][]byte{record[1:n]}, nil
			case dtlsEnd:
				return nil, nil
			default:
				return nil, E.New("dtls: unknown record type ", record[0])
			}
		}
	})
	out := make([]byte, 0, dtlsRecordSize+1)
	writer := iobuf.NewWriteCloser(func(p []byte) (int, error) {
		var written int
		for len(p) > 0 {
			chunk := p
			if len(chunk) > dtlsRecordSize {
				chunk = chunk[:dtlsRecordSize]
			}
			out = append(append(out[:0], dtlsData), chunk...)
			if _, err := conn.Write(out); err != nil {
				return written, err
			}
			written += len(chunk)
			p = p[len(chunk):]
		}
		return written, nil
	}, closeOnce(func() error {
		_, err := conn.Write([]byte{dtlsEnd})
		return err
	}))
	return newStream(reader, writer, conn.Close)
}
