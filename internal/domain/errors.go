package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrObjectNotInRegistry means the destination object ID is unknown to
	// the broker (neither a live connection nor a virtual placeholder).
	ErrObjectNotInRegistry = errors.New("object not in registry")

	// ErrServiceNotInRegistry means the destination service ID is unknown
	// to the broker.
	ErrServiceNotInRegistry = errors.New("service not in registry")

	// ErrConnectionClosed is returned for any operation on a connection
	// that already reached the DISCONNECTED state. A disconnected
	// connection is terminal; reconnects create a new one.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrVirtualPaused flags an attempt to originate traffic from a paused
	// virtual object. A paused placeholder has no transport, so this is a
	// programming error on the caller's side, never a silent no-op.
	ErrVirtualPaused = errors.New("virtual object is paused")

	// ErrStrategyNotImplemented is returned for unknown permission
	// generation strategy names. Unknown strategies never default silently.
	ErrStrategyNotImplemented = errors.New("permission generation strategy not implemented")

	// ErrMissingIdentityHeader means an access-info request arrived without
	// its objId/srvId header. This is a request-level error.
	ErrMissingIdentityHeader = errors.New("missing identity header")
)

// MissingPermissionError reports a refused send: the effective permission
// held by (SrvID, UsrID) on ObjID was below the level the message required.
// It carries both sides of the comparison so callers can render an
// actionable message.
type MissingPermissionError struct {
	ObjID    string
	SrvID    string
	UsrID    string
	Required PermissionType
	Actual   PermissionType
	Scope    ConnScope
}

func (e *MissingPermissionError) Error() string {
	return fmt.Sprintf("missing permission on object %s for service %s (user %s, scope %s): required=%s, actual=%s",
		e.ObjID, e.SrvID, e.UsrID, e.Scope, e.Required, e.Actual)
}

// IdentityMismatchError reports a frame or certificate whose identity does
// not match the connection it arrived on. It aborts only the offending
// message or handshake, never unrelated connections.
type IdentityMismatchError struct {
	Claimed   string
	Presented string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("identity mismatch: claimed %q, presented %q", e.Claimed, e.Presented)
}

// TrustUpdateError reports a failed trust-store update (malformed
// certificate, pool rebuild failure). The store keeps its previous verifier
// when returning this.
type TrustUpdateError struct {
	Alias string
	Err   error
}

func (e *TrustUpdateError) Error() string {
	return fmt.Sprintf("trust store update for alias %q: %v", e.Alias, e.Err)
}

func (e *TrustUpdateError) Unwrap() error {
	return e.Err
}

// GatewayError wraps an underlying error with the gateway role and
// operation it occurred in.
type GatewayError struct {
	Role GatewayRole
	Op   string
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Role, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
