// Package client implements the connection runtime objects and services
// use to reach a gateway: request access from the cloud API, dial the
// assigned gateway over mutual TLS or the WebSocket bridge, keep the
// session alive with heartbeats, and reconnect after failures.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/iotgate/iotgate/internal/conn"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/trust"
	"github.com/iotgate/iotgate/internal/wire"
)

// Config describes one client identity and how it connects.
type Config struct {
	APIURL   string
	Role     domain.GatewayRole
	ID       string
	Instance string
	User     string

	Cert tls.Certificate
	Leaf *x509.Certificate

	// UseWS routes the session through the cloud API's WebSocket bridge
	// instead of a raw TLS socket.
	UseWS bool

	// InsecureAPI skips API certificate verification; for lab setups where
	// the API serves a self-signed certificate.
	InsecureAPI bool

	Timeout           time.Duration
	HeartbeatInterval time.Duration
	RetryInterval     time.Duration

	Log *slog.Logger

	// OnFrame receives every non-control frame delivered by the gateway.
	OnFrame func(wire.Frame)
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.New(slog.DiscardHandler)
	}
}

// ErrNotConnected is returned by Send while no session is established.
var ErrNotConnected = errors.New("client not connected")

// Client is a reconnecting gateway client.
type Client struct {
	cfg   Config
	clk   clock.Clock
	httpc *http.Client

	mu      sync.Mutex
	session *clientSession
	state   *conn.Connection
}

type clientSession struct {
	raw     net.Conn // nil when bridged over websocket
	ws      *websocket.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
}

// New creates a client. clk may be nil.
func New(cfg Config, clk clock.Clock) *Client {
	cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	transport := &http.Transport{}
	if cfg.InsecureAPI {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg:   cfg,
		clk:   clk,
		httpc: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

// State returns the lifecycle tracker of the current or last connection.
func (c *Client) State() *conn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestAccess runs the registration phase against the cloud API and
// returns the gateway coordinates.
func (c *Client) RequestAccess(ctx context.Context) (domain.AccessInfo, error) {
	body, err := json.Marshal(map[string]string{
		"instance_id": c.cfg.Instance,
		"cert_pem":    string(trust.EncodePEM(c.cfg.Leaf)),
	})
	if err != nil {
		return domain.AccessInfo{}, err
	}
	url := fmt.Sprintf("%s/v1/gateways/%s/access", c.cfg.APIURL, c.cfg.Role)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.AccessInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Role == domain.RoleO2S {
		req.Header.Set("objId", c.cfg.ID)
		if c.cfg.User != "" {
			req.Header.Set("usrId", c.cfg.User)
		}
	} else {
		req.Header.Set("srvId", c.cfg.ID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.AccessInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.AccessInfo{}, fmt.Errorf("access request refused: %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	var info domain.AccessInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.AccessInfo{}, err
	}
	return info, nil
}

// Connect performs one full register-then-connect cycle: access request,
// gateway dial, HELLO exchange.
func (c *Client) Connect(ctx context.Context) error {
	state := conn.New(c.clk, c.cfg.Role, c.cfg.ID, c.cfg.Instance, "", "", transportName(c.cfg.UseWS))
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	info, err := c.RequestAccess(ctx)
	if err != nil {
		_ = state.MarkWaitingServer()
		return err
	}

	var sess *clientSession
	if c.cfg.UseWS {
		sess, err = c.dialWS(ctx, info)
	} else {
		sess, err = c.dialTLS(ctx, info)
	}
	if err != nil {
		_ = state.MarkWaitingServer()
		return err
	}

	if err := c.hello(sess); err != nil {
		closeSession(sess)
		return err
	}
	if err := state.MarkConnected(); err != nil {
		closeSession(sess)
		return err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.cfg.Log.Info("connected to gateway", "role", string(c.cfg.Role), "id", c.cfg.ID, "transport", transportName(c.cfg.UseWS))
	return nil
}

func transportName(ws bool) string {
	if ws {
		return "ws"
	}
	return "tls"
}

// dialTLS opens the raw mutual-TLS socket, pinning the gateway certificate
// delivered in the access info.
func (c *Client) dialTLS(ctx context.Context, info domain.AccessInfo) (*clientSession, error) {
	tlsConf := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{c.cfg.Cert},
	}
	if info.CertPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(info.CertPEM)) {
			return nil, fmt.Errorf("access info carries an unparsable gateway certificate")
		}
		tlsConf.RootCAs = pool
		// The gateway certificate is pinned, not named.
		tlsConf.InsecureSkipVerify = true
		tlsConf.VerifyPeerCertificate = pinnedVerifier(pool)
	} else {
		tlsConf.InsecureSkipVerify = true
	}

	d := &net.Dialer{Timeout: c.cfg.Timeout}
	addr := net.JoinHostPort(info.Address, fmt.Sprintf("%d", info.Port))
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(raw, tlsConf)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &clientSession{raw: tc, r: bufio.NewReaderSize(tc, 32*1024)}, nil
}

func pinnedVerifier(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("gateway presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
		return err
	}
}

func (c *Client) dialWS(ctx context.Context, info domain.AccessInfo) (*clientSession, error) {
	if info.WSURL == "" {
		return nil, errors.New("access info carries no websocket url")
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Timeout}
	if c.cfg.InsecureAPI {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	ws, _, err := dialer.DialContext(ctx, info.WSURL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(wire.MaxFrameBytes)
	return &clientSession{ws: ws}, nil
}

func (c *Client) hello(sess *clientSession) error {
	f := wire.Frame{Type: wire.TypeHello, Instance: c.cfg.Instance}
	if c.cfg.Role == domain.RoleO2S {
		f.ObjID = c.cfg.ID
	} else {
		f.SrvID = c.cfg.ID
		f.UsrID = c.cfg.User
	}
	if err := writeFrame(sess, f); err != nil {
		return err
	}
	setReadDeadline(sess, time.Now().Add(c.cfg.Timeout))
	ack, err := readFrame(sess)
	if err != nil {
		return fmt.Errorf("hello ack: %w", err)
	}
	if ack.Type == wire.TypeError {
		return fmt.Errorf("gateway refused session: %s", ack.Payload)
	}
	if ack.Type != wire.TypeHello {
		return fmt.Errorf("unexpected ack frame %s", ack.Type)
	}
	return nil
}

// Send delivers one frame on the current session.
func (c *Client) Send(f wire.Frame) error {
	c.mu.Lock()
	sess := c.session
	state := c.state
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	if err := writeFrame(sess, f); err != nil {
		return err
	}
	if state != nil {
		_ = state.AddTX(len(f.Encode()))
	}
	return nil
}

// Run keeps a session alive until ctx is cancelled: connect, heartbeat,
// dispatch inbound frames, reconnect with backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Log.Warn("connect failed, retrying", "err", err, "retry_in", c.cfg.RetryInterval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		err := c.serve(ctx)
		c.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cfg.Log.Warn("session ended, reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	state := c.state
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx, sess)

	for {
		setReadDeadline(sess, time.Now().Add(c.cfg.HeartbeatInterval*3))
		f, err := readFrame(sess)
		if err != nil {
			return err
		}
		_ = state.AddRX(len(f.Encode()))
		switch f.Type {
		case wire.TypeHBAck:
			_ = state.HeartbeatOK()
		case wire.TypeBye:
			return errors.New("gateway closed the session")
		default:
			if c.cfg.OnFrame != nil {
				c.cfg.OnFrame(f)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, sess *clientSession) {
	ticker := c.clk.Ticker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeFrame(sess, wire.Frame{Type: wire.TypeHB}); err != nil {
				return
			}
		}
	}
}

// Close tears the current session down. The state tracker ends in
// DISCONNECTED; Run creates a fresh one on reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	sess := c.session
	state := c.state
	c.session = nil
	c.mu.Unlock()
	if sess != nil {
		_ = writeFrameQuiet(sess, wire.Frame{Type: wire.TypeBye})
		closeSession(sess)
	}
	if state != nil {
		_ = state.MarkDisconnecting()
		_ = state.MarkDisconnected()
	}
}

func writeFrame(sess *clientSession, f wire.Frame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if sess.ws != nil {
		return sess.ws.WriteMessage(websocket.TextMessage, []byte(f.Encode()))
	}
	_, err := sess.raw.Write([]byte(f.Encode()))
	return err
}

func writeFrameQuiet(sess *clientSession, f wire.Frame) error {
	if sess.ws != nil {
		_ = sess.ws.SetWriteDeadline(time.Now().Add(time.Second))
	} else {
		_ = sess.raw.SetWriteDeadline(time.Now().Add(time.Second))
	}
	return writeFrame(sess, f)
}

func readFrame(sess *clientSession) (wire.Frame, error) {
	if sess.ws != nil {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		return wire.Decode(string(data))
	}
	return wire.ReadFrame(sess.r)
}

func setReadDeadline(sess *clientSession, t time.Time) {
	if sess.ws != nil {
		_ = sess.ws.SetReadDeadline(t)
		return
	}
	_ = sess.raw.SetReadDeadline(t)
}

func closeSession(sess *clientSession) {
	if sess.ws != nil {
		_ = sess.ws.Close()
		return
	}
	_ = sess.raw.Close()
}
