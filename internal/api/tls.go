package api

import (
	"crypto/tls"
	"fmt"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/iotgate/iotgate/internal/netutil"
	"github.com/iotgate/iotgate/internal/trust"
)

// buildTLSConfig picks the API certificate source by mode: ACME via
// autocert, a static key pair, or an ephemeral self-signed certificate for
// single-host and lab deployments.
func (s *Server) buildTLSConfig() (*tls.Config, error) {
	switch s.cfg.TLSMode {
	case "auto":
		host := netutil.NormalizeHost(s.cfg.Domain)
		if host == "" {
			return nil, fmt.Errorf("tls mode auto requires a domain")
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			HostPolicy: autocert.HostWhitelist(host),
		}
		return &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: manager.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
		}, nil

	case "static":
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load static certificate: %w", err)
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile)
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil

	case "self":
		hosts := []string{"localhost", "127.0.0.1"}
		if h := netutil.NormalizeHost(s.cfg.Domain); h != "" {
			hosts = append(hosts, h)
		}
		cert, _, err := trust.SelfSigned("iotgate-api", hosts, 365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}
		s.log.Info("serving with self-signed API certificate", "hosts", hosts)
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil
	}
	return nil, fmt.Errorf("unknown tls mode %q", s.cfg.TLSMode)
}
