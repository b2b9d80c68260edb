// Package gateway runs the TLS servers objects and services connect to.
// Two instances exist per process, one per role: the object-facing gateway
// accepts status traffic from devices, the service-facing gateway accepts
// commands from applications. Both share the handshake, the session hub,
// and the heartbeat janitor; they differ only in frame dispatch.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quic-go/quic-go"

	"github.com/iotgate/iotgate/internal/broker"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/metrics"
	"github.com/iotgate/iotgate/internal/trust"
)

// Store is the persistence contract the gateway consumes. The object
// gateway writes payload caches, activity flags, and status history; the
// service gateway only reads history.
type Store interface {
	UpdateObjectPayloads(ctx context.Context, id, infoPayload, structPayload string) error
	SetObjectActive(ctx context.Context, id string, active bool) error
	AddStatusHistory(ctx context.Context, rec domain.StatusHistoryRecord) (domain.StatusHistoryRecord, error)
	StatusHistoryByObj(ctx context.Context, objID string, limit int) ([]domain.StatusHistoryRecord, error)
}

// Reconciler restores an object's virtual placeholder after its live
// connection drops. Nil on the service gateway.
type Reconciler interface {
	ObjectDisconnected(ctx context.Context, objID string)
}

// Options configures one gateway server instance.
type Options struct {
	Role       domain.GatewayRole
	ListenAddr string

	// QUICAddr enables the optional QUIC listener when non-empty. QUIC
	// clients open a single bidirectional stream carrying the same frame
	// protocol as the TLS socket.
	QUICAddr string

	// AdvertiseHost and AdvertisePort are what access-info responses point
	// clients at; they may differ from ListenAddr behind NAT.
	AdvertiseHost string
	AdvertisePort int

	Cert     tls.Certificate
	CertX509 *x509.Certificate

	HelloTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

func (o *Options) withDefaults() {
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 3
	}
}

// Server accepts client connections for one gateway role, binds each to an
// identity during the HELLO handshake, and bridges frames between the peer
// and the broker.
type Server struct {
	opts       Options
	log        *slog.Logger
	policy     *trust.Policy
	broker     *broker.Broker
	store      Store
	reconciler Reconciler
	met        *metrics.Set
	clk        clock.Clock

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New creates a gateway server. reconciler may be nil (service gateway).
func New(logger *slog.Logger, opts Options, policy *trust.Policy, b *broker.Broker, store Store, reconciler Reconciler, m *metrics.Set, clk clock.Clock) *Server {
	opts.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		opts:       opts,
		log:        logger.With("role", string(opts.Role)),
		policy:     policy,
		broker:     b,
		store:      store,
		reconciler: reconciler,
		met:        m,
		clk:        clk,
		sessions:   map[*session]struct{}{},
	}
}

// Role returns the role this server was created for.
func (s *Server) Role() domain.GatewayRole { return s.opts.Role }

// AccessInfo describes how a registered client should reach this gateway.
func (s *Server) AccessInfo() domain.AccessInfo {
	info := domain.AccessInfo{
		Address: s.opts.AdvertiseHost,
		Port:    s.opts.AdvertisePort,
	}
	if s.opts.CertX509 != nil {
		info.CertPEM = string(trust.EncodePEM(s.opts.CertX509))
	}
	return info
}

// TLSConfig builds the listener config: the server always requests a
// client certificate and validates it through the trust policy.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		Certificates:          []tls.Certificate{s.opts.Cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: s.policy.VerifyRawPeer,
	}
}

// Run listens on the configured addresses and serves until ctx is
// cancelled, then closes every live session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.opts.ListenAddr, s.TLSConfig())
	if err != nil {
		return &domain.GatewayError{Role: s.opts.Role, Op: "listen", Err: err}
	}
	s.log.Info("gateway listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptTLS(ctx, ln)
	}()

	var qln *quic.Listener
	if s.opts.QUICAddr != "" {
		qln, err = quic.ListenAddr(s.opts.QUICAddr, s.TLSConfig(), &quic.Config{
			MaxIdleTimeout: s.opts.HeartbeatInterval * time.Duration(s.opts.HeartbeatMisses+1),
		})
		if err != nil {
			_ = ln.Close()
			return &domain.GatewayError{Role: s.opts.Role, Op: "listen quic", Err: err}
		}
		s.log.Info("gateway listening", "addr", qln.Addr().String(), "protocol", "quic")
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptQUIC(ctx, qln)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.janitor(ctx)
	}()

	<-ctx.Done()
	_ = ln.Close()
	if qln != nil {
		_ = qln.Close()
	}
	for _, sess := range s.snapshotSessions() {
		sess.shutdown()
	}
	wg.Wait()
	return nil
}

func (s *Server) acceptTLS(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "err", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.HandleClient(ctx, newTLSFrameConn(c))
	}
}

func (s *Server) acceptQUIC(ctx context.Context, ln *quic.Listener) {
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go func(qc *quic.Conn) {
			// One bidirectional stream per client carries the whole session.
			str, err := qc.AcceptStream(ctx)
			if err != nil {
				_ = qc.CloseWithError(1, "no stream")
				return
			}
			s.HandleClient(ctx, newQUICFrameConn(qc, str))
		}(c)
	}
}

// janitor evicts sessions whose peer stopped heartbeating. Each missed
// interval counts one failure; the connection is closed after the
// configured number of consecutive misses.
func (s *Server) janitor(ctx context.Context) {
	ticker := s.clk.Ticker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.clk.Now()
		for _, sess := range s.snapshotSessions() {
			if now.Sub(sess.conn.LastActivity()) <= s.opts.HeartbeatInterval {
				continue
			}
			failures, err := sess.conn.HeartbeatFailed()
			if err != nil {
				continue
			}
			if failures >= s.opts.HeartbeatMisses {
				s.log.Info("session evicted after missed heartbeats",
					"id", sess.id, "instance", sess.instance, "misses", failures)
				sess.shutdown()
			}
		}
	}
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) snapshotSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) readDeadline() time.Time {
	return s.clk.Now().Add(s.opts.HeartbeatInterval * time.Duration(s.opts.HeartbeatMisses+1))
}

var errNotHello = fmt.Errorf("first frame must be HELLO")
