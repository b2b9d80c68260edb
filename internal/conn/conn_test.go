package conn

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotgate/iotgate/internal/domain"
)

func newTestConn(clk clock.Clock) *Connection {
	return New(clk, domain.RoleO2S, "obj-42", "i-1", "127.0.0.1:9401", "10.0.0.5:53211", "tls")
}

func TestLifecycle(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestConn(clk)

	if c.State() != StateConnecting {
		t.Fatalf("new connection must be CONNECTING, got %s", c.State())
	}
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.StatsSnapshot().ConnectedAt; !got.Equal(clk.Now()) {
		t.Fatalf("ConnectedAt = %v, want %v", got, clk.Now())
	}
	if err := c.MarkDisconnecting(); err != nil {
		t.Fatalf("disconnecting: %v", err)
	}
	clk.Add(time.Second)
	if err := c.MarkDisconnected(); err != nil {
		t.Fatalf("disconnected: %v", err)
	}
	if got := c.StatsSnapshot().DisconnectedAt; !got.Equal(clk.Now()) {
		t.Fatalf("DisconnectedAt = %v, want %v", got, clk.Now())
	}
}

func TestConnectedEnteredOnce(t *testing.T) {
	c := newTestConn(clock.NewMock())
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	var te *TransitionError
	if err := c.MarkConnected(); !errors.As(err, &te) {
		t.Fatalf("second connect must fail with TransitionError, got %v", err)
	}
}

func TestWaitingServerOnlyFromConnecting(t *testing.T) {
	c := newTestConn(clock.NewMock())
	if err := c.MarkWaitingServer(); err != nil {
		t.Fatalf("waiting server from connecting: %v", err)
	}
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("connect from waiting server: %v", err)
	}
	if err := c.MarkWaitingServer(); err == nil {
		t.Fatal("waiting server from connected must fail")
	}
}

func TestStatsUpdates(t *testing.T) {
	clk := clock.NewMock()
	c := newTestConn(clk)
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.AddRX(128); err != nil {
		t.Fatalf("rx: %v", err)
	}
	if err := c.AddTX(64); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := c.HeartbeatOK(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	s := c.StatsSnapshot()
	if s.BytesRX != 128 || s.BytesTX != 64 || s.HeartbeatsOK != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	// Stats updates never change state.
	if c.State() != StateConnected {
		t.Fatalf("state changed by stats update: %s", c.State())
	}
}

func TestHeartbeatFailureCountResets(t *testing.T) {
	c := newTestConn(clock.NewMock())
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for want := 1; want <= 3; want++ {
		n, err := c.HeartbeatFailed()
		if err != nil || n != want {
			t.Fatalf("failure %d: got %d, %v", want, n, err)
		}
	}
	if err := c.HeartbeatOK(); err != nil {
		t.Fatalf("heartbeat ok: %v", err)
	}
	if n, _ := c.HeartbeatFailed(); n != 1 {
		t.Fatalf("failure count must reset after a success, got %d", n)
	}
}

func TestDisconnectedIsTerminal(t *testing.T) {
	c := newTestConn(clock.NewMock())
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.MarkDisconnected(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if err := c.AddRX(1); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("rx after disconnect: got %v", err)
	}
	if err := c.AddTX(1); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("tx after disconnect: got %v", err)
	}
	if err := c.HeartbeatOK(); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("heartbeat after disconnect: got %v", err)
	}
	if _, err := c.HeartbeatFailed(); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("heartbeat failure after disconnect: got %v", err)
	}
	if err := c.MarkDisconnected(); err == nil {
		t.Fatal("re-disconnect must fail")
	}
	if err := c.MarkConnected(); err == nil {
		t.Fatal("reconnect on a disconnected value must fail")
	}
}

func TestLastActivity(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestConn(clk)
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	connectedAt := clk.Now()
	if got := c.LastActivity(); !got.Equal(connectedAt) {
		t.Fatalf("LastActivity = %v, want ConnectedAt %v", got, connectedAt)
	}
	clk.Add(time.Minute)
	if err := c.HeartbeatOK(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := c.LastActivity(); !got.Equal(clk.Now()) {
		t.Fatalf("LastActivity = %v, want heartbeat time %v", got, clk.Now())
	}
}
