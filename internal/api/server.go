// Package api serves the cloud HTTP surface: the registration endpoint
// clients call before connecting to a gateway, the WebSocket bridge for
// clients that cannot open raw TLS sockets, and the admin endpoints for
// objects and permissions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotgate/iotgate/internal/broker"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/gateway"
	"github.com/iotgate/iotgate/internal/metrics"
	"github.com/iotgate/iotgate/internal/store/sqlite"
	"github.com/iotgate/iotgate/internal/trust"
	"github.com/iotgate/iotgate/internal/virtual"
)

// Config holds the API server settings.
type Config struct {
	ListenAddr string

	TLSMode      string // auto | static | self
	Domain       string
	CertCacheDir string
	TLSCertFile  string
	TLSKeyFile   string

	ConnectTokenTTL    time.Duration
	TokenPurgeInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.ConnectTokenTTL <= 0 {
		c.ConnectTokenTTL = 60 * time.Second
	}
	if c.TokenPurgeInterval <= 0 {
		c.TokenPurgeInterval = 10 * time.Minute
	}
	if c.TLSMode == "" {
		c.TLSMode = "self"
	}
}

// Server is the cloud API frontend shared by both gateways.
type Server struct {
	log      *slog.Logger
	cfg      Config
	store    *sqlite.Store
	broker   *broker.Broker
	registry *virtual.Registry
	gateways map[domain.GatewayRole]*gateway.Server
	trust    map[domain.GatewayRole]*trust.Store
	met      *metrics.Set
	upgrader websocket.Upgrader
}

// New assembles the API server. registry may be nil in tests.
func New(logger *slog.Logger, cfg Config, store *sqlite.Store, b *broker.Broker, registry *virtual.Registry, gwO2S, gwS2O *gateway.Server, trustO2S, trustS2O *trust.Store, m *metrics.Set) *Server {
	cfg.withDefaults()
	return &Server{
		log:      logger,
		cfg:      cfg,
		store:    store,
		broker:   b,
		registry: registry,
		gateways: map[domain.GatewayRole]*gateway.Server{
			domain.RoleO2S: gwO2S,
			domain.RoleS2O: gwS2O,
		},
		trust: map[domain.GatewayRole]*trust.Store{
			domain.RoleO2S: trustO2S,
			domain.RoleS2O: trustS2O,
		},
		met: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Clients are authenticated by connect token, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the route mux, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/gateways/{role}/access", s.handleAccess)
	mux.HandleFunc("GET /v1/gateways/{role}/ws", s.handleWS)
	mux.HandleFunc("POST /v1/objects/{id}/regenerate", s.handleRegenerate)
	mux.HandleFunc("GET /v1/objects/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/objects/{id}/allowed-services", s.handleAllowedServices)
	mux.HandleFunc("GET /v1/objects/{id}/permissions", s.handlePermissionList)
	mux.HandleFunc("POST /v1/objects/{id}/permissions", s.handlePermissionSave)
	mux.HandleFunc("POST /v1/objects/{id}/permissions/generate", s.handlePermissionGenerate)
	mux.HandleFunc("DELETE /v1/objects/{id}/permissions/{permID}", s.handlePermissionDelete)
	mux.HandleFunc("POST /v1/objects/{id}/permissions/{permID}/duplicate", s.handlePermissionDuplicate)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.met.Handler())
	return mux
}

// Run serves the API over TLS until ctx is cancelled. It also owns the
// janitor that purges used and expired connect tokens.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := s.buildTLSConfig()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.tokenJanitor(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", ln.Addr().String(), "tls_mode", s.cfg.TLSMode)
	if err := srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) tokenJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PurgeExpiredTokens(ctx)
			if err != nil {
				s.log.Warn("token purge failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Debug("connect tokens purged", "count", n)
			}
		}
	}
}

func parseRole(v string) (domain.GatewayRole, bool) {
	switch domain.GatewayRole(v) {
	case domain.RoleO2S:
		return domain.RoleO2S, true
	case domain.RoleS2O:
		return domain.RoleS2O, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
