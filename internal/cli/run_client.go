package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/iotgate/iotgate/internal/client"
	"github.com/iotgate/iotgate/internal/config"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/log"
	"github.com/iotgate/iotgate/internal/trust"
	"github.com/iotgate/iotgate/internal/wire"
)

// runObject runs an object simulator: it registers, connects, and pushes a
// status sample every heartbeat interval.
func runObject(ctx context.Context, args []string) int {
	cfg, err := config.ParseClientFlags("object", args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	logger := log.New("info")

	c, err := buildClient(cfg, domain.RoleO2S, nil)
	if err != nil {
		logger.Error("client init failed", "err", err)
		return 1
	}

	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		announced := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !announced {
				if err := c.Send(wire.Frame{Type: wire.TypeObjInfo, ObjID: cfg.ID, Payload: "name=" + cfg.ID}); err != nil {
					continue
				}
				_ = c.Send(wire.Frame{Type: wire.TypeObjStruct, ObjID: cfg.ID, Payload: "components=temperature"})
				announced = true
			}
			sample := fmt.Sprintf("temperature=%.1f", 18+4*rand.Float64())
			if err := c.Send(wire.Frame{Type: wire.TypeStatusUpd, ObjID: cfg.ID, Instance: "temperature", Payload: sample}); err != nil {
				announced = false
				continue
			}
			logger.Info("status pushed", "payload", sample)
		}
	}()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client stopped", "err", err)
		return 1
	}
	return 0
}

// runService runs a service simulator: it connects and logs every frame
// the broker delivers. With -cmd it sends one command and waits briefly
// for the outcome.
func runService(ctx context.Context, args []string) int {
	var target, command string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-obj":
			if i+1 < len(args) {
				target = args[i+1]
				i++
			}
		case "-cmd":
			if i+1 < len(args) {
				command = args[i+1]
				i++
			}
		default:
			rest = append(rest, args[i])
		}
	}

	cfg, err := config.ParseClientFlags("service", rest)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	logger := log.New("info")

	c, err := buildClient(cfg, domain.RoleS2O, func(f wire.Frame) {
		logger.Info("frame received", "type", string(f.Type), "obj", f.ObjID, "payload", f.Payload)
	})
	if err != nil {
		logger.Error("client init failed", "err", err)
		return 1
	}

	if command != "" && target != "" {
		go func() {
			// Give the session a moment to establish.
			timer := time.NewTimer(2 * time.Second)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := c.Send(wire.Frame{Type: wire.TypeCmd, ObjID: target, Payload: command}); err != nil {
				logger.Error("command not sent", "err", err)
				return
			}
			logger.Info("command sent", "obj", target, "payload", command)
		}()
	}

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client stopped", "err", err)
		return 1
	}
	return 0
}

func buildClient(cfg config.ClientConfig, role domain.GatewayRole, onFrame func(wire.Frame)) (*client.Client, error) {
	cert, leaf, err := loadOrGenerateCert(cfg)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		APIURL:            cfg.APIURL,
		Role:              role,
		ID:                cfg.ID,
		Instance:          cfg.Instance,
		User:              cfg.User,
		Cert:              cert,
		Leaf:              leaf,
		UseWS:             cfg.UseWS,
		InsecureAPI:       true,
		Timeout:           cfg.Timeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Log:               log.New("info"),
		OnFrame:           onFrame,
	}, nil), nil
}

func loadOrGenerateCert(cfg config.ClientConfig) (tls.Certificate, *x509.Certificate, error) {
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return tls.Certificate{}, nil, fmt.Errorf("load key pair: %w", err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert, leaf, nil
	}
	return trust.SelfSigned(cfg.ID, nil, 365*24*time.Hour)
}
