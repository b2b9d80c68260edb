// Package domain defines the core data types shared across the gateway,
// broker, permission, and store layers.
package domain

import "time"

// GatewayRole distinguishes the two gateway server instances. Both run the
// same handshake; they differ only in which client population they face.
type GatewayRole string

const (
	// RoleO2S is the object-facing gateway (objects connect to it and push
	// status toward services).
	RoleO2S GatewayRole = "o2s"

	// RoleS2O is the service-facing gateway (services connect to it and send
	// commands toward objects).
	RoleS2O GatewayRole = "s2o"
)

// PermissionType is the ordered authorization level an identity holds over
// an object: None < Actions < Status < CoOwner. The integer values encode
// the ordering, so comparisons between levels are plain int comparisons.
type PermissionType int

const (
	PermNone PermissionType = iota
	PermActions
	PermStatus
	PermCoOwner
)

// AtLeast reports whether p grants everything required by req.
func (p PermissionType) AtLeast(req PermissionType) bool {
	return p >= req
}

func (p PermissionType) String() string {
	switch p {
	case PermNone:
		return "None"
	case PermActions:
		return "Actions"
	case PermStatus:
		return "Status"
	case PermCoOwner:
		return "CoOwner"
	}
	return "Unknown"
}

// ParsePermissionType maps a stored level name back to its PermissionType.
func ParsePermissionType(v string) (PermissionType, bool) {
	switch v {
	case "None":
		return PermNone, true
	case "Actions":
		return PermActions, true
	case "Status":
		return PermStatus, true
	case "CoOwner":
		return PermCoOwner, true
	}
	return PermNone, false
}

// ConnScope says whether a permission applies only to co-located traffic or
// also to cloud-routed traffic. LocalAndCloud is a superset of OnlyLocal.
type ConnScope int

const (
	ScopeOnlyLocal ConnScope = iota
	ScopeLocalAndCloud
)

// Covers reports whether a permission granted at scope p satisfies a check
// performed at scope req.
func (p ConnScope) Covers(req ConnScope) bool {
	return p == ScopeLocalAndCloud || p == req
}

func (p ConnScope) String() string {
	if p == ScopeLocalAndCloud {
		return "LocalAndCloud"
	}
	return "OnlyLocal"
}

// ParseConnScope maps a stored scope name back to its ConnScope.
func ParseConnScope(v string) (ConnScope, bool) {
	switch v {
	case "OnlyLocal":
		return ScopeOnlyLocal, true
	case "LocalAndCloud":
		return ScopeLocalAndCloud, true
	}
	return ScopeOnlyLocal, false
}

// Wildcard identifiers widen a permission entry to match any service or any
// user. UsrOwner matches only the object's owner; UsrAnonymous matches
// callers presenting no user identity.
const (
	SrvAll       = "#All"
	UsrAll       = "#All"
	UsrOwner     = "#Owner"
	UsrAnonymous = "#Anonymous"
)

// PermissionEntry is one stored permission rule on an object. Entries are
// immutable once created: updates replace fields under the same ID, deletes
// remove the row, duplication copies the fields under a new ID.
type PermissionEntry struct {
	ID        string
	ObjID     string
	SrvID     string // service ID or SrvAll
	UsrID     string // user ID, UsrAll, UsrOwner, or UsrAnonymous
	Type      PermissionType
	Scope     ConnScope
	UpdatedAt time.Time
}

// GenStrategy selects the permission set provisioned for a new object.
type GenStrategy string

const (
	// GenStandard grants the owner CoOwner/LocalAndCloud.
	GenStandard GenStrategy = "STANDARD"

	// GenPublic additionally grants every service and user Actions/OnlyLocal.
	GenPublic GenStrategy = "PUBLIC"
)

// ObjectRecord is the persisted form of an object identity. InfoPayload and
// StructPayload hold the object's last announced info/structure frames so
// the broker can answer queries while the object is offline. CertPEM is the
// audit copy of the certificate presented at registration; it is distinct
// from the live trust-store registration, which never survives a restart.
type ObjectRecord struct {
	ID            string
	OldID         string // previous ID after a regeneration, empty otherwise
	Name          string
	OwnerUsrID    string
	Active        bool
	InfoPayload   string
	StructPayload string
	CertPEM       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ServiceRecord is the persisted form of a service identity.
type ServiceRecord struct {
	ID        string
	Name      string
	CertPEM   string
	CreatedAt time.Time
}

// StatusHistoryRecord is one append-only status sample from an object.
type StatusHistoryRecord struct {
	ID        string
	ObjID     string
	Component string
	Payload   string
	CreatedAt time.Time
}

// AccessInfo is issued to a client after a successful registration. It is
// recomputed on every request and never cached server-side.
type AccessInfo struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	CertPEM string `json:"cert_pem"`
	WSURL   string `json:"ws_url,omitempty"`
}

// AllowedService pairs a service's effective permission on an object with
// the scope it was granted at; used for SERVICE_PERM pushes.
type AllowedService struct {
	SrvID string
	Type  PermissionType
	Scope ConnScope
}
