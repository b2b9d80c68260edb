package gateway

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/iotgate/iotgate/internal/wire"
)

// FrameConn is one client transport carrying wire frames. Implementations
// exist for raw TLS sockets, QUIC streams, and the cloud API's WebSocket
// bridge.
type FrameConn interface {
	ReadFrame() (wire.Frame, int, error)
	WriteFrame(f wire.Frame) (int, error)
	Close() error
	LocalAddr() string
	RemoteAddr() string
	Protocol() string
	// PeerCertificate returns the client's TLS leaf, or nil when the
	// transport authenticates some other way (connect tokens on the
	// WebSocket bridge).
	PeerCertificate() *x509.Certificate
	SetReadDeadline(t time.Time) error
}

// readLine reads one newline-terminated frame line without ever buffering
// more than wire.MaxFrameBytes of it; an overlong line fails with
// ErrFrameTooLarge before the peer can grow the buffer further.
func readLine(r *bufio.Reader) (string, int, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > wire.MaxFrameBytes {
			return "", len(buf), wire.ErrFrameTooLarge
		}
		switch err {
		case nil:
			return string(buf), len(buf), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return "", len(buf), err
		}
	}
}

type tlsFrameConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTLSFrameConn(c net.Conn) *tlsFrameConn {
	return &tlsFrameConn{conn: c, r: bufio.NewReaderSize(c, 32*1024)}
}

func (t *tlsFrameConn) ReadFrame() (wire.Frame, int, error) {
	line, n, err := readLine(t.r)
	if err != nil {
		return wire.Frame{}, n, err
	}
	f, err := wire.Decode(line)
	return f, n, err
}

func (t *tlsFrameConn) WriteFrame(f wire.Frame) (int, error) {
	return t.conn.Write([]byte(f.Encode()))
}

func (t *tlsFrameConn) Close() error      { return t.conn.Close() }
func (t *tlsFrameConn) LocalAddr() string { return t.conn.LocalAddr().String() }
func (t *tlsFrameConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
func (t *tlsFrameConn) Protocol() string { return "tls" }

func (t *tlsFrameConn) PeerCertificate() *x509.Certificate {
	tc, ok := t.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	peers := tc.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil
	}
	return peers[0]
}

func (t *tlsFrameConn) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

type quicFrameConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	r      *bufio.Reader
}

func newQUICFrameConn(c *quic.Conn, s *quic.Stream) *quicFrameConn {
	return &quicFrameConn{conn: c, stream: s, r: bufio.NewReaderSize(s, 32*1024)}
}

func (q *quicFrameConn) ReadFrame() (wire.Frame, int, error) {
	line, n, err := readLine(q.r)
	if err != nil {
		return wire.Frame{}, n, err
	}
	f, err := wire.Decode(line)
	return f, n, err
}

func (q *quicFrameConn) WriteFrame(f wire.Frame) (int, error) {
	return q.stream.Write([]byte(f.Encode()))
}

func (q *quicFrameConn) Close() error {
	_ = q.stream.Close()
	return q.conn.CloseWithError(0, "closed")
}

func (q *quicFrameConn) LocalAddr() string  { return q.conn.LocalAddr().String() }
func (q *quicFrameConn) RemoteAddr() string { return q.conn.RemoteAddr().String() }
func (q *quicFrameConn) Protocol() string   { return "quic" }

func (q *quicFrameConn) PeerCertificate() *x509.Certificate {
	peers := q.conn.ConnectionState().TLS.PeerCertificates
	if len(peers) == 0 {
		return nil
	}
	return peers[0]
}

func (q *quicFrameConn) SetReadDeadline(d time.Time) error {
	return q.stream.SetReadDeadline(d)
}
