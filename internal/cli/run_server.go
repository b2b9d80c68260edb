package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/iotgate/iotgate/internal/api"
	"github.com/iotgate/iotgate/internal/broker"
	"github.com/iotgate/iotgate/internal/config"
	"github.com/iotgate/iotgate/internal/debughttp"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/gateway"
	"github.com/iotgate/iotgate/internal/log"
	"github.com/iotgate/iotgate/internal/metrics"
	"github.com/iotgate/iotgate/internal/perm"
	"github.com/iotgate/iotgate/internal/store/sqlite"
	"github.com/iotgate/iotgate/internal/trust"
	"github.com/iotgate/iotgate/internal/virtual"
)

// runServer assembles and runs the full gateway process: both gateway
// listeners, the cloud API, the broker, and the virtual-object registry.
func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{TokenPepper: cfg.TokenPepper})
	if err != nil {
		logger.Error("store open failed", "path", cfg.DBPath, "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	// A previous process may have crashed with objects flagged active.
	if n, err := store.ResetActiveObjects(ctx); err != nil {
		logger.Error("active flag reset failed", "err", err)
		return 1
	} else if n > 0 {
		logger.Info("stale active flags cleared", "count", n)
	}

	resolver, err := perm.NewResolver(store, 1024)
	if err != nil {
		logger.Error("permission resolver init failed", "err", err)
		return 1
	}
	met := metrics.New()
	b := broker.New(log.Component(logger, "broker"), resolver, store, met)

	registry := virtual.NewRegistry(log.Component(logger, "virtual"), store, b)
	if err := registry.Start(ctx); err != nil {
		logger.Error("virtual registry start failed", "err", err)
		return 1
	}
	defer registry.Shutdown()

	gwO2S, err := buildGateway(logger, cfg, domain.RoleO2S, b, store, registry, met)
	if err != nil {
		logger.Error("o2s gateway init failed", "err", err)
		return 1
	}
	gwS2O, err := buildGateway(logger, cfg, domain.RoleS2O, b, store, nil, met)
	if err != nil {
		logger.Error("s2o gateway init failed", "err", err)
		return 1
	}

	apiSrv := api.New(log.Component(logger, "api"), api.Config{
		ListenAddr:         cfg.ListenAPI,
		TLSMode:            cfg.TLSMode,
		Domain:             cfg.APIDomain,
		CertCacheDir:       cfg.CertCacheDir,
		TLSCertFile:        cfg.TLSCertFile,
		TLSKeyFile:         cfg.TLSKeyFile,
		ConnectTokenTTL:    cfg.ConnectTokenTTL,
		TokenPurgeInterval: cfg.TokenPurgeInterval,
	}, store, b, registry, gwO2S.srv, gwS2O.srv, gwO2S.trust, gwS2O.trust, met)

	if err := debughttp.Start(ctx, cfg.PprofAddr, log.Component(logger, "pprof")); err != nil {
		logger.Error("pprof start failed", "addr", cfg.PprofAddr, "err", err)
		return 1
	}

	errCh := make(chan error, 3)
	go func() { errCh <- gwO2S.srv.Run(ctx) }()
	go func() { errCh <- gwS2O.srv.Run(ctx) }()
	go func() { errCh <- apiSrv.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		// Give the component goroutines a moment to unwind.
		timer := time.NewTimer(5 * time.Second)
		defer timer.Stop()
		for i := 0; i < 3; i++ {
			select {
			case <-errCh:
			case <-timer.C:
				return 0
			}
		}
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("component failed", "err", err)
			return 1
		}
		return 0
	}
}

type builtGateway struct {
	srv   *gateway.Server
	trust *trust.Store
}

// buildGateway creates one gateway server with its own trust store and a
// fresh self-signed listener certificate covering the advertised host.
func buildGateway(logger *slog.Logger, cfg config.ServerConfig, role domain.GatewayRole, b *broker.Broker, store *sqlite.Store, registry *virtual.Registry, met *metrics.Set) (*builtGateway, error) {
	listenAddr, quicAddr := cfg.ListenO2S, cfg.QUICO2S
	if role == domain.RoleS2O {
		listenAddr, quicAddr = cfg.ListenS2O, cfg.QUICS2O
	}
	port, err := listenPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", listenAddr, err)
	}

	hosts := []string{cfg.AdvertiseHost, "localhost", "127.0.0.1"}
	cert, leaf, err := trust.SelfSigned("iotgate-"+string(role), hosts, 365*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("gateway certificate: %w", err)
	}

	ts := trust.NewStore(log.Component(logger, "trust-"+string(role)))
	policy := &trust.Policy{
		Store:     ts,
		AutoTrust: cfg.AutoTrust,
		Log:       log.Component(logger, "trust-"+string(role)),
	}

	var reconciler gateway.Reconciler
	if registry != nil {
		reconciler = registry
	}
	srv := gateway.New(log.Component(logger, string(role)), gateway.Options{
		Role:              role,
		ListenAddr:        listenAddr,
		QUICAddr:          quicAddr,
		AdvertiseHost:     cfg.AdvertiseHost,
		AdvertisePort:     port,
		Cert:              cert,
		CertX509:          leaf,
		HelloTimeout:      cfg.HelloTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
	}, policy, b, store, reconciler, met, nil)
	return &builtGateway{srv: srv, trust: ts}, nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	return port, nil
}
