// Package conn tracks per-peer connection lifecycle and traffic statistics
// for the gateway servers.
package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotgate/iotgate/internal/domain"
)

// State is the lifecycle phase of one physical connection.
//
// CONNECTING -> (WAITING_SERVER) -> CONNECTED -> DISCONNECTING -> DISCONNECTED.
// WAITING_SERVER is only entered client-side, while retrying the
// registration handshake against an unreachable gateway. DISCONNECTED is
// terminal: a reconnect creates a new Connection.
type State int

const (
	StateConnecting State = iota
	StateWaitingServer
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWaitingServer:
		return "WAITING_SERVER"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// Stats is the traffic and heartbeat sub-record of a connection. Stats
// updates never change the connection state.
type Stats struct {
	BytesTX          int64
	BytesRX          int64
	LastTX           time.Time
	LastRX           time.Time
	LastHeartbeat    time.Time
	LastHeartbeatKO  time.Time
	HeartbeatsOK     int64
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
	HeartbeatFailures int
}

// TransitionError reports an invalid state-machine transition, which is a
// programming error in the caller.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid connection transition %s -> %s", e.From, e.To)
}

// Connection represents one live socket to one client. It is owned by the
// gateway server that accepted it; the broker only holds a lookup handle.
type Connection struct {
	id       string
	instance string
	role     domain.GatewayRole
	local    string
	remote   string
	protocol string

	clk clock.Clock

	mu    sync.Mutex
	state State
	stats Stats
}

// New creates a connection in the CONNECTING state.
func New(clk clock.Clock, role domain.GatewayRole, id, instance, local, remote, protocol string) *Connection {
	if clk == nil {
		clk = clock.New()
	}
	return &Connection{
		id:       id,
		instance: instance,
		role:     role,
		local:    local,
		remote:   remote,
		protocol: protocol,
		clk:      clk,
		state:    StateConnecting,
	}
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) Instance() string         { return c.instance }
func (c *Connection) Role() domain.GatewayRole { return c.role }
func (c *Connection) LocalAddr() string        { return c.local }
func (c *Connection) RemoteAddr() string       { return c.remote }
func (c *Connection) Protocol() string         { return c.protocol }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StatsSnapshot returns a copy of the stats sub-record.
func (c *Connection) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// MarkWaitingServer records a handshake retry against an unreachable
// gateway. Valid only from CONNECTING.
func (c *Connection) MarkWaitingServer() error {
	return c.transition(StateWaitingServer, StateConnecting)
}

// MarkConnected is entered exactly once per physical connection and stamps
// ConnectedAt.
func (c *Connection) MarkConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting && c.state != StateWaitingServer {
		return &TransitionError{From: c.state, To: StateConnected}
	}
	c.state = StateConnected
	c.stats.ConnectedAt = c.clk.Now()
	return nil
}

// MarkDisconnecting starts teardown.
func (c *Connection) MarkDisconnecting() error {
	return c.transition(StateDisconnecting, StateConnecting, StateWaitingServer, StateConnected)
}

// MarkDisconnected finalizes teardown and stamps DisconnectedAt. The
// connection accepts no further updates afterwards.
func (c *Connection) MarkDisconnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return &TransitionError{From: c.state, To: StateDisconnected}
	}
	c.state = StateDisconnected
	c.stats.DisconnectedAt = c.clk.Now()
	return nil
}

func (c *Connection) transition(to State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range from {
		if c.state == f {
			c.state = to
			return nil
		}
	}
	return &TransitionError{From: c.state, To: to}
}

// AddTX records bytes written to the peer.
func (c *Connection) AddTX(n int) error {
	return c.updateStats(func(s *Stats, now time.Time) {
		s.BytesTX += int64(n)
		s.LastTX = now
	})
}

// AddRX records bytes read from the peer.
func (c *Connection) AddRX(n int) error {
	return c.updateStats(func(s *Stats, now time.Time) {
		s.BytesRX += int64(n)
		s.LastRX = now
	})
}

// HeartbeatOK records a successful heartbeat exchange.
func (c *Connection) HeartbeatOK() error {
	return c.updateStats(func(s *Stats, now time.Time) {
		s.LastHeartbeat = now
		s.HeartbeatsOK++
		s.HeartbeatFailures = 0
	})
}

// HeartbeatFailed records a missed heartbeat. The returned count lets the
// gateway apply its disconnect threshold.
func (c *Connection) HeartbeatFailed() (int, error) {
	var failures int
	err := c.updateStats(func(s *Stats, now time.Time) {
		s.LastHeartbeatKO = now
		s.HeartbeatFailures++
		failures = s.HeartbeatFailures
	})
	return failures, err
}

// LastActivity returns the most recent of the rx/heartbeat timestamps.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.stats.LastRX
	if c.stats.LastHeartbeat.After(last) {
		last = c.stats.LastHeartbeat
	}
	if c.stats.ConnectedAt.After(last) {
		last = c.stats.ConnectedAt
	}
	return last
}

func (c *Connection) updateStats(apply func(*Stats, time.Time)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return domain.ErrConnectionClosed
	}
	apply(&c.stats, c.clk.Now())
	return nil
}
