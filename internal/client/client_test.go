package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/iotgate/iotgate/internal/conn"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/netutil"
	"github.com/iotgate/iotgate/internal/trust"
	"github.com/iotgate/iotgate/internal/wire"
)

// fakeGateway is a minimal TLS frame server standing in for a gateway.
type fakeGateway struct {
	ln   net.Listener
	leaf []byte // PEM

	mu     sync.Mutex
	frames []wire.Frame
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	cert, leaf, err := trust.SelfSigned("gw.test", []string{"127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("self-signed: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{ln: ln, leaf: trust.EncodePEM(leaf)}
	t.Cleanup(func() { _ = ln.Close() })
	go g.serve()
	return g
}

func (g *fakeGateway) serve() {
	for {
		c, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.handle(c)
	}
}

func (g *fakeGateway) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	hello, err := wire.ReadFrame(r)
	if err != nil || hello.Type != wire.TypeHello {
		return
	}
	ack := wire.Frame{Type: wire.TypeHello, ObjID: hello.ObjID, SrvID: hello.SrvID, Instance: hello.Instance}
	if _, err := c.Write([]byte(ack.Encode())); err != nil {
		return
	}
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		if f.Type == wire.TypeHB {
			if _, err := c.Write([]byte(wire.Frame{Type: wire.TypeHBAck}.Encode())); err != nil {
				return
			}
			continue
		}
		g.mu.Lock()
		g.frames = append(g.frames, f)
		g.mu.Unlock()
	}
}

func (g *fakeGateway) received() []wire.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]wire.Frame(nil), g.frames...)
}

// newStubAPI serves the access endpoint pointing clients at gw.
func newStubAPI(t *testing.T, gw *fakeGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/gateways/{role}/access", func(w http.ResponseWriter, r *http.Request) {
		addr := gw.ln.Addr().(*net.TCPAddr)
		_ = json.NewEncoder(w).Encode(domain.AccessInfo{
			Address: "127.0.0.1",
			Port:    netutil.ListenPort(addr),
			CertPEM: string(gw.leaf),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, api string, role domain.GatewayRole, id string) *Client {
	t.Helper()
	cert, leaf, err := trust.SelfSigned(id, nil, time.Hour)
	if err != nil {
		t.Fatalf("self-signed: %v", err)
	}
	return New(Config{
		APIURL:            api,
		Role:              role,
		ID:                id,
		Instance:          "i-1",
		User:              "usr-1",
		Cert:              cert,
		Leaf:              leaf,
		Timeout:           2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		RetryInterval:     50 * time.Millisecond,
	}, nil)
}

func TestConnectAndSend(t *testing.T) {
	gw := newFakeGateway(t)
	api := newStubAPI(t, gw)
	c := newTestClient(t, api.URL, domain.RoleO2S, "obj-1")

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if got := c.State().State(); got != conn.StateConnected {
		t.Fatalf("state = %s", got)
	}

	if err := c.Send(wire.Frame{Type: wire.TypeStatusUpd, ObjID: "obj-1", Payload: "temp=20"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range gw.received() {
			if f.Type == wire.TypeStatusUpd && f.Payload == "temp=20" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("gateway never received the status frame")
}

func TestRunHeartbeats(t *testing.T) {
	gw := newFakeGateway(t)
	api := newStubAPI(t, gw)
	c := newTestClient(t, api.URL, domain.RoleS2O, "svc-7")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := c.State(); st != nil && st.StatsSnapshot().HeartbeatsOK >= 2 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeats never acknowledged")
}

func TestConnectFailureWaitsForServer(t *testing.T) {
	// API stub that points at a dead port.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/gateways/{role}/access", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(domain.AccessInfo{Address: "127.0.0.1", Port: 1})
	})
	api := httptest.NewServer(mux)
	defer api.Close()

	c := newTestClient(t, api.URL, domain.RoleO2S, "obj-1")
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect to a dead gateway must fail")
	}
	if got := c.State().State(); got != conn.StateWaitingServer {
		t.Fatalf("state = %s, want WAITING_SERVER", got)
	}
}

func TestSendWithoutSession(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", domain.RoleO2S, "obj-1")
	if err := c.Send(wire.Frame{Type: wire.TypeHB}); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
