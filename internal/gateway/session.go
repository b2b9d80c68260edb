package gateway

import (
	"log/slog"
	"sync"

	"github.com/iotgate/iotgate/internal/conn"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/metrics"
	"github.com/iotgate/iotgate/internal/wire"
)

// session is one authenticated client on a gateway. It implements
// [broker.Endpoint]: the broker delivers frames through SendFrame, the
// server's read loop feeds frames from the peer into the broker.
type session struct {
	id       string
	instance string
	user     string
	role     domain.GatewayRole

	fc   FrameConn
	conn *conn.Connection
	log  *slog.Logger
	met  *metrics.Set

	// writeMu serializes frame writes so concurrent broker deliveries
	// cannot interleave bytes on the wire.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) ID() string       { return s.id }
func (s *session) Instance() string { return s.instance }
func (s *session) User() string     { return s.user }
func (s *session) Virtual() bool    { return false }

// SendFrame writes one frame to the peer. A write error means the socket
// is dead; the session is shut down and the error propagated so the
// broker can drop the frame.
func (s *session) SendFrame(f wire.Frame) error {
	s.writeMu.Lock()
	n, err := s.fc.WriteFrame(f)
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown()
		return err
	}
	_ = s.conn.AddTX(n)
	s.met.AddBytes(string(s.role), "tx", n)
	return nil
}

// shutdown closes the transport once. The read loop observes the closed
// socket and runs the full teardown.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.MarkDisconnecting()
		_ = s.fc.Close()
	})
}
