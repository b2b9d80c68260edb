package trust

import (
	"crypto/x509"
	"fmt"
	"log/slog"
)

// Policy wraps a [Store] with the gateway's trust-on-first-use behavior.
//
// When AutoTrust is on and the store trusts nothing yet, or a presented
// chain fails verification, the leaf is registered under an alias derived
// from its subject and serial, and verification is retried exactly once.
// This converts "unknown certificate" into "trust and remember" instead of
// "reject". It is intentionally permissive: the authorization boundary is
// the registration handshake that follows, not the TLS handshake itself.
// Deployments that want a hard allowlist disable AutoTrust and pre-register
// their anchors.
type Policy struct {
	Store     *Store
	AutoTrust bool
	Log       *slog.Logger
}

// VerifyPeerChain validates a presented peer chain under the policy.
func (p *Policy) VerifyPeerChain(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("peer presented no certificate")
	}
	err := p.Store.Verify(chain)
	if err == nil {
		return nil
	}
	if !p.AutoTrust {
		return err
	}

	leaf := chain[0]
	alias := FirstUseAlias(leaf)
	if regErr := p.Store.RegisterCertificate(alias, chain...); regErr != nil {
		return regErr
	}
	p.Log.Info("certificate trusted on first use", "alias", alias, "subject", leaf.Subject.String())
	return p.Store.Verify(chain)
}

// VerifyRawPeer adapts VerifyPeerChain to the shape of
// [crypto/tls.Config.VerifyPeerCertificate].
func (p *Policy) VerifyRawPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		chain = append(chain, c)
	}
	return p.VerifyPeerChain(chain)
}

// FirstUseAlias derives the registration alias for an unknown leaf from its
// subject and serial number.
func FirstUseAlias(leaf *x509.Certificate) string {
	return fmt.Sprintf("tofu/%s/%x", leaf.Subject.CommonName, leaf.SerialNumber)
}
