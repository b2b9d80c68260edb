package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iotgate/iotgate/internal/auth"
	"github.com/iotgate/iotgate/internal/domain"
)

// ErrInvalidToken is returned when a connect token is unknown, expired, or
// already used.
var ErrInvalidToken = errors.New("invalid connect token")

// TokenClaims is the identity bound to a one-time connect token.
type TokenClaims struct {
	Identity string
	Instance string
	Role     domain.GatewayRole
}

// CreateConnectToken mints a one-time token binding (identity, instance,
// role) for ttl. Only the peppered hash is stored.
func (s *Store) CreateConnectToken(ctx context.Context, claims TokenClaims, ttl time.Duration) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO connect_tokens (token_hash, identity, instance, role, expires_at, used)
VALUES (?, ?, ?, ?, ?, 0)`,
		auth.HashToken(token, s.pepper), claims.Identity, claims.Instance, string(claims.Role),
		time.Now().UTC().Add(ttl))
	if err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeConnectToken redeems a token exactly once, returning its claims.
func (s *Store) ConsumeConnectToken(ctx context.Context, token string) (TokenClaims, error) {
	hash := auth.HashToken(token, s.pepper)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TokenClaims{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var claims TokenClaims
	var storedHash, role string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `
SELECT token_hash, identity, instance, role, expires_at
FROM connect_tokens WHERE token_hash = ? AND used = 0`, hash).
		Scan(&storedHash, &claims.Identity, &claims.Instance, &role, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenClaims{}, ErrInvalidToken
	}
	if err != nil {
		return TokenClaims{}, err
	}
	if !auth.ConstantTimeHashEquals(storedHash, hash) {
		return TokenClaims{}, ErrInvalidToken
	}
	if time.Now().UTC().After(expiresAt) {
		return TokenClaims{}, ErrInvalidToken
	}
	if _, err := tx.ExecContext(ctx, `UPDATE connect_tokens SET used = 1 WHERE token_hash = ?`, hash); err != nil {
		return TokenClaims{}, err
	}
	if err := tx.Commit(); err != nil {
		return TokenClaims{}, err
	}
	claims.Role = domain.GatewayRole(role)
	return claims, nil
}

// PurgeExpiredTokens removes used and expired token rows.
func (s *Store) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM connect_tokens WHERE used = 1 OR expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
