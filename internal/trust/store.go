// Package trust implements the mutable X.509 trust anchor set used by the
// gateway servers to verify client certificates registered at handshake
// time.
package trust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iotgate/iotgate/internal/domain"
)

// Store holds certificates registered under caller-chosen aliases and a
// verifier pool rebuilt on every registration.
//
// Writers serialize on mu; readers verify against an atomically swapped
// pool, so a Verify running concurrently with RegisterCertificate sees
// either the old or the fully rebuilt pool, never a partial one. When a
// rebuild fails the previous pool stays in place.
type Store struct {
	log *slog.Logger

	mu    sync.Mutex
	certs map[string][]*x509.Certificate

	pool atomic.Pointer[x509.CertPool]
}

// NewStore creates an empty trust store.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		log:   logger,
		certs: map[string][]*x509.Certificate{},
	}
	s.pool.Store(x509.NewCertPool())
	return s
}

// RegisterCertificate adds a certificate chain under alias and rebuilds the
// verifier. Re-registering an alias supersedes the previous chain. On
// failure the store keeps its previous verifier and returns a
// [domain.TrustUpdateError].
func (s *Store) RegisterCertificate(alias string, chain ...*x509.Certificate) error {
	if alias == "" {
		return &domain.TrustUpdateError{Alias: alias, Err: errors.New("empty alias")}
	}
	if len(chain) == 0 {
		return &domain.TrustUpdateError{Alias: alias, Err: errors.New("empty certificate chain")}
	}
	for _, c := range chain {
		if c == nil || len(c.Raw) == 0 {
			return &domain.TrustUpdateError{Alias: alias, Err: errors.New("nil certificate in chain")}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string][]*x509.Certificate, len(s.certs)+1)
	for k, v := range s.certs {
		next[k] = v
	}
	next[alias] = chain

	pool := x509.NewCertPool()
	for _, aliasChain := range next {
		for _, c := range aliasChain {
			pool.AddCert(c)
		}
	}

	s.certs = next
	s.pool.Store(pool)
	s.log.Debug("trust store updated", "alias", alias, "aliases", len(next))
	return nil
}

// RegisterPEM parses one or more PEM certificate blocks and registers them
// under alias.
func (s *Store) RegisterPEM(alias string, pemBytes []byte) error {
	chain, err := ParsePEM(pemBytes)
	if err != nil {
		return &domain.TrustUpdateError{Alias: alias, Err: err}
	}
	return s.RegisterCertificate(alias, chain...)
}

// Verify checks a presented chain against the current trust anchors.
func (s *Store) Verify(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errors.New("empty peer chain")
	}
	roots := s.pool.Load()
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	// IoT client certs are frequently self-signed without EKU extensions.
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// Empty reports whether the store currently trusts no certificates.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.certs) == 0
}

// CertificateFor returns the registered leaf for alias.
func (s *Store) CertificateFor(alias string) (*x509.Certificate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.certs[alias]
	if !ok || len(chain) == 0 {
		return nil, false
	}
	return chain[0], true
}

// MatchesAlias reports whether leaf is byte-identical to the certificate
// registered under alias. Used to bind a TLS peer to its claimed identity.
func (s *Store) MatchesAlias(alias string, leaf *x509.Certificate) bool {
	reg, ok := s.CertificateFor(alias)
	if !ok || leaf == nil {
		return false
	}
	return bytes.Equal(reg.Raw, leaf.Raw)
}

// ParsePEM decodes every CERTIFICATE block in pemBytes.
func ParsePEM(pemBytes []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificate blocks found")
	}
	return chain, nil
}

// EncodePEM renders a certificate as a PEM block.
func EncodePEM(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}
