package api

import (
	"crypto/x509"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotgate/iotgate/internal/store/sqlite"
	"github.com/iotgate/iotgate/internal/wire"
)

// handleWS bridges a WebSocket client onto a gateway session. The one-time
// connect token issued by the access endpoint replaces the client
// certificate as the authentication proof.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	role, ok := parseRole(r.PathValue("role"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown gateway role")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing connect token")
		return
	}
	claims, err := s.store.ConsumeConnectToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, sqlite.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid connect token")
			return
		}
		writeError(w, http.StatusInternalServerError, "token check failed")
		return
	}
	if claims.Role != role {
		writeError(w, http.StatusForbidden, "token issued for a different gateway")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	s.log.Info("websocket bridge opened", "role", string(role), "id", claims.Identity, "remote", r.RemoteAddr)
	s.gateways[role].HandleTokenClient(r.Context(), newWSFrameConn(ws), claims.Identity)
}

// wsFrameConn adapts a websocket connection to the gateway transport: one
// text message per frame line.
type wsFrameConn struct {
	ws *websocket.Conn
}

func newWSFrameConn(ws *websocket.Conn) *wsFrameConn {
	ws.SetReadLimit(wire.MaxFrameBytes)
	return &wsFrameConn{ws: ws}
}

func (c *wsFrameConn) ReadFrame() (wire.Frame, int, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Frame{}, 0, err
	}
	if len(data) > wire.MaxFrameBytes {
		return wire.Frame{}, len(data), wire.ErrFrameTooLarge
	}
	f, err := wire.Decode(string(data))
	return f, len(data), err
}

func (c *wsFrameConn) WriteFrame(f wire.Frame) (int, error) {
	data := []byte(f.Encode())
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (c *wsFrameConn) Close() error      { return c.ws.Close() }
func (c *wsFrameConn) LocalAddr() string { return c.ws.LocalAddr().String() }
func (c *wsFrameConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
func (c *wsFrameConn) Protocol() string { return "ws" }

// PeerCertificate is always nil; bridge clients authenticate by token.
func (c *wsFrameConn) PeerCertificate() *x509.Certificate { return nil }

func (c *wsFrameConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
