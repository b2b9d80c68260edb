package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/iotgate/iotgate/internal/conn"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/wire"
)

// HandleClient runs the handshake and session loop for a freshly accepted
// transport whose peer authenticated with a client certificate.
func (s *Server) HandleClient(ctx context.Context, fc FrameConn) {
	s.handle(ctx, fc, "")
}

// HandleTokenClient runs the session loop for a transport authenticated
// out of band (the WebSocket bridge consumes a one-time connect token).
// The HELLO frame must still claim the identity the token was issued for.
func (s *Server) HandleTokenClient(ctx context.Context, fc FrameConn, identity string) {
	s.handle(ctx, fc, identity)
}

func (s *Server) handle(ctx context.Context, fc FrameConn, tokenIdentity string) {
	defer fc.Close()

	sess, err := s.handshake(fc, tokenIdentity)
	if err != nil {
		s.log.Info("handshake refused", "remote", fc.RemoteAddr(), "err", err)
		return
	}

	s.addSession(sess)
	s.met.ConnOpened(string(s.opts.Role))
	s.log.Info("client connected",
		"id", sess.id, "instance", sess.instance, "protocol", fc.Protocol(), "remote", fc.RemoteAddr())

	// Handshake ack goes out before registration so the client sees it
	// ahead of any announce pushes.
	_ = sess.SendFrame(wire.Frame{Type: wire.TypeHello, ObjID: objField(sess), SrvID: srvField(sess), Instance: sess.instance})

	if s.opts.Role == domain.RoleO2S {
		if err := s.broker.RegisterObject(ctx, sess); err != nil {
			s.log.Warn("object registration announce failed", "obj_id", sess.id, "err", err)
		}
		if err := s.store.SetObjectActive(ctx, sess.id, true); err != nil {
			// Objects may connect before their first record is persisted.
			s.log.Debug("activity flag not set", "obj_id", sess.id, "err", err)
		}
	} else {
		s.broker.RegisterService(sess)
	}

	s.readLoop(ctx, sess)
	s.teardown(ctx, sess)
}

// handshake reads the HELLO frame and binds the connection to the claimed
// identity. Certificate-authenticated peers must present the exact leaf
// registered for "identity/instance"; token-authenticated peers must claim
// the identity their token carries.
func (s *Server) handshake(fc FrameConn, tokenIdentity string) (*session, error) {
	_ = fc.SetReadDeadline(s.clk.Now().Add(s.opts.HelloTimeout))
	f, _, err := fc.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if f.Type != wire.TypeHello {
		return nil, errNotHello
	}

	identity := f.ObjID
	if s.opts.Role == domain.RoleS2O {
		identity = f.SrvID
	}
	if identity == "" || f.Instance == "" {
		return nil, fmt.Errorf("hello missing identity or instance")
	}

	if tokenIdentity != "" {
		if identity != tokenIdentity {
			s.refuse(fc, &domain.IdentityMismatchError{Claimed: identity, Presented: tokenIdentity})
			return nil, &domain.IdentityMismatchError{Claimed: identity, Presented: tokenIdentity}
		}
	} else {
		leaf := fc.PeerCertificate()
		if leaf == nil {
			return nil, fmt.Errorf("peer presented no certificate")
		}
		alias := identity + "/" + f.Instance
		if !s.policy.Store.MatchesAlias(alias, leaf) {
			err := &domain.IdentityMismatchError{Claimed: alias, Presented: leaf.Subject.CommonName}
			s.refuse(fc, err)
			return nil, err
		}
	}

	c := conn.New(s.clk, s.opts.Role, identity, f.Instance, fc.LocalAddr(), fc.RemoteAddr(), fc.Protocol())
	if err := c.MarkConnected(); err != nil {
		return nil, err
	}
	return &session{
		id:       identity,
		instance: f.Instance,
		user:     f.UsrID,
		role:     s.opts.Role,
		fc:       fc,
		conn:     c,
		log:      s.log,
		met:      s.met,
		closed:   make(chan struct{}),
	}, nil
}

// refuse sends a final ERROR frame before dropping an unauthenticated peer.
func (s *Server) refuse(fc FrameConn, err error) {
	_, _ = fc.WriteFrame(wire.Frame{Type: wire.TypeError, Payload: err.Error()})
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		_ = sess.fc.SetReadDeadline(s.readDeadline())
		f, n, err := sess.fc.ReadFrame()
		if n > 0 {
			_ = sess.conn.AddRX(n)
			s.met.AddBytes(string(s.opts.Role), "rx", n)
		}
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrame) {
				_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, Payload: "malformed frame"})
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug("read loop ended", "id", sess.id, "err", err)
			}
			return
		}
		if f.Type == wire.TypeBye {
			return
		}
		s.dispatch(ctx, sess, f)
	}
}

// dispatch handles one inbound frame. A frame-level failure answers the
// peer with an ERROR frame and keeps the connection; only transport
// failures end the session.
func (s *Server) dispatch(ctx context.Context, sess *session, f wire.Frame) {
	switch f.Type {
	case wire.TypeHB:
		_ = sess.conn.HeartbeatOK()
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeHBAck})
		return
	case wire.TypeError:
		s.log.Warn("peer reported error", "id", sess.id, "payload", f.Payload)
		return
	case wire.TypeHello:
		// Identity is bound once per connection.
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, Payload: "already identified"})
		return
	}

	if s.opts.Role == domain.RoleO2S {
		s.dispatchObject(ctx, sess, f)
	} else {
		s.dispatchService(ctx, sess, f)
	}
}

// dispatchObject handles frames from a connected object. Every frame must
// carry the object's own ID; spoofing another object's identity refuses
// the frame, not the connection.
func (s *Server) dispatchObject(ctx context.Context, sess *session, f wire.Frame) {
	if f.ObjID != sess.id {
		err := &domain.IdentityMismatchError{Claimed: f.ObjID, Presented: sess.id}
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, Payload: err.Error()})
		return
	}

	switch f.Type {
	case wire.TypeObjInfo:
		if err := s.store.UpdateObjectPayloads(ctx, sess.id, f.Payload, ""); err != nil {
			s.log.Warn("info cache update failed", "obj_id", sess.id, "err", err)
		}
	case wire.TypeObjStruct:
		if err := s.store.UpdateObjectPayloads(ctx, sess.id, "", f.Payload); err != nil {
			s.log.Warn("struct cache update failed", "obj_id", sess.id, "err", err)
		}
	case wire.TypeObjPerm:
		s.broker.InvalidatePermissions(sess.id)
	case wire.TypeStatusUpd:
		rec := domain.StatusHistoryRecord{ObjID: sess.id, Component: f.Instance, Payload: f.Payload}
		if _, err := s.store.AddStatusHistory(ctx, rec); err != nil {
			s.log.Warn("status history append failed", "obj_id", sess.id, "err", err)
		}
	case wire.TypeHistoryRes:
		// Pass-through reply to the requesting service.
	default:
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, Payload: fmt.Sprintf("unexpected frame type %s", f.Type)})
		return
	}

	if err := s.broker.Send(ctx, f, domain.ScopeLocalAndCloud); err != nil {
		s.log.Debug("object frame not routed", "obj_id", sess.id, "type", f.Type, "err", err)
	}
}

// dispatchService handles frames from a connected service. The service's
// identity and the user bound at HELLO override whatever the frame claims,
// so permission checks always run against the authenticated tuple.
func (s *Server) dispatchService(ctx context.Context, sess *session, f wire.Frame) {
	if f.SrvID != "" && f.SrvID != sess.id {
		err := &domain.IdentityMismatchError{Claimed: f.SrvID, Presented: sess.id}
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, Payload: err.Error()})
		return
	}
	f.SrvID = sess.id
	f.UsrID = sess.user

	switch f.Type {
	case wire.TypeCmd, wire.TypeCfg:
		if err := s.broker.Send(ctx, f, domain.ScopeLocalAndCloud); err != nil {
			s.replySendError(sess, f, err)
		}
	case wire.TypeHistoryReq:
		s.serveHistory(ctx, sess, f)
	default:
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, Payload: fmt.Sprintf("unexpected frame type %s", f.Type)})
	}
}

func (s *Server) replySendError(sess *session, f wire.Frame, err error) {
	var mpe *domain.MissingPermissionError
	if errors.As(err, &mpe) {
		_ = sess.SendFrame(wire.MissingPermissionFrame(mpe))
		return
	}
	_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, ObjID: f.ObjID, Payload: err.Error()})
}

// serveHistory answers HISTORY_REQ directly from the store instead of
// routing to the object; history is gateway state, the object does not
// keep it.
func (s *Server) serveHistory(ctx context.Context, sess *session, f wire.Frame) {
	if err := s.broker.Authorize(ctx, f.ObjID, sess.id, sess.user, domain.ScopeLocalAndCloud, domain.PermStatus); err != nil {
		s.replySendError(sess, f, err)
		return
	}
	limit := historyLimit(f.Payload)
	recs, err := s.store.StatusHistoryByObj(ctx, f.ObjID, limit)
	if err != nil {
		_ = sess.SendFrame(wire.Frame{Type: wire.TypeError, ObjID: f.ObjID, Payload: "history unavailable"})
		s.log.Warn("history query failed", "obj_id", f.ObjID, "err", err)
		return
	}
	_ = sess.SendFrame(wire.Frame{
		Type:    wire.TypeHistoryRes,
		ObjID:   f.ObjID,
		SrvID:   sess.id,
		Payload: encodeHistory(recs),
	})
}

func historyLimit(payload string) int {
	for _, part := range strings.Split(payload, ",") {
		if v, ok := strings.CutPrefix(part, "limit="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// encodeHistory renders records newest-first as "ts,component,payload"
// triples joined by "|".
func encodeHistory(recs []domain.StatusHistoryRecord) string {
	parts := make([]string, 0, len(recs))
	for _, r := range recs {
		parts = append(parts, fmt.Sprintf("%s,%s,%s", r.CreatedAt.UTC().Format(time.RFC3339), r.Component, r.Payload))
	}
	return strings.Join(parts, "|")
}

// teardown deregisters the session and, for objects, restores the virtual
// placeholder and notifies subscribed services.
func (s *Server) teardown(ctx context.Context, sess *session) {
	sess.shutdown()
	s.removeSession(sess)
	_ = sess.conn.MarkDisconnected()
	s.met.ConnClosed(string(s.opts.Role))

	if s.opts.Role == domain.RoleO2S {
		// A reconnect may already have superseded this session; then the
		// live endpoint keeps the routing entry, the object stays online,
		// and none of the disconnect side effects apply.
		if s.broker.DeregisterObject(sess) {
			if err := s.store.SetObjectActive(ctx, sess.id, false); err != nil {
				s.log.Debug("activity flag not cleared", "obj_id", sess.id, "err", err)
			}
			if s.reconciler != nil {
				s.reconciler.ObjectDisconnected(ctx, sess.id)
			}
			s.broker.BroadcastObjectDisconnected(ctx, sess.id)
		} else {
			s.log.Debug("superseded session closed", "obj_id", sess.id, "instance", sess.instance)
		}
	} else {
		s.broker.DeregisterService(sess)
	}

	stats := sess.conn.StatsSnapshot()
	s.log.Info("client disconnected",
		"id", sess.id, "instance", sess.instance,
		"rx_bytes", stats.BytesRX, "tx_bytes", stats.BytesTX,
		"heartbeats", stats.HeartbeatsOK)
}

func objField(sess *session) string {
	if sess.role == domain.RoleO2S {
		return sess.id
	}
	return ""
}

func srvField(sess *session) string {
	if sess.role == domain.RoleS2O {
		return sess.id
	}
	return ""
}
