// Package perm implements permission evaluation for object/service traffic:
// matching stored entries (exact and wildcard) against a caller tuple and
// returning the highest granted level.
package perm

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iotgate/iotgate/internal/domain"
)

// Effective returns the highest permission level among all entries matching
// (srvID, usrID, scope) for the object the entries belong to, or PermNone
// when nothing matches.
//
// It is a pure function of its inputs: no state, no side effects, identical
// results on repeated calls. The broker calls it on every routed message
// from an immutable snapshot of the entry set.
func Effective(entries []domain.PermissionEntry, srvID, usrID, ownerUsrID string, scope domain.ConnScope) domain.PermissionType {
	best := domain.PermNone
	for _, e := range entries {
		if !matches(e, srvID, usrID, ownerUsrID, scope) {
			continue
		}
		if e.Type > best {
			best = e.Type
		}
	}
	return best
}

func matches(e domain.PermissionEntry, srvID, usrID, ownerUsrID string, scope domain.ConnScope) bool {
	if e.SrvID != srvID && e.SrvID != domain.SrvAll {
		return false
	}
	if !userMatches(e.UsrID, usrID, ownerUsrID) {
		return false
	}
	return e.Scope.Covers(scope)
}

func userMatches(entryUsr, usrID, ownerUsrID string) bool {
	switch entryUsr {
	case domain.UsrAll:
		return true
	case domain.UsrOwner:
		return ownerUsrID != "" && usrID == ownerUsrID
	case domain.UsrAnonymous:
		return usrID == ""
	default:
		return entryUsr == usrID
	}
}

// Generate provisions the permission entries for a newly created object
// according to strategy. The owner grant uses the UsrOwner wildcard, which
// resolves against the object record at evaluation time. Unknown strategy
// names are a hard error.
func Generate(strategy domain.GenStrategy, objID string, now time.Time) ([]domain.PermissionEntry, error) {
	owner := domain.PermissionEntry{
		ID:        uuid.NewString(),
		ObjID:     objID,
		SrvID:     domain.SrvAll,
		UsrID:     domain.UsrOwner,
		Type:      domain.PermCoOwner,
		Scope:     domain.ScopeLocalAndCloud,
		UpdatedAt: now,
	}

	switch strategy {
	case domain.GenStandard:
		return []domain.PermissionEntry{owner}, nil
	case domain.GenPublic:
		public := domain.PermissionEntry{
			ID:        uuid.NewString(),
			ObjID:     objID,
			SrvID:     domain.SrvAll,
			UsrID:     domain.UsrAll,
			Type:      domain.PermActions,
			Scope:     domain.ScopeOnlyLocal,
			UpdatedAt: now,
		}
		return []domain.PermissionEntry{owner, public}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrStrategyNotImplemented, strategy)
	}
}

// Duplicate copies an entry under a fresh identity, as owner tooling does
// when cloning a rule.
func Duplicate(e domain.PermissionEntry, now time.Time) domain.PermissionEntry {
	d := e
	d.ID = uuid.NewString()
	d.UpdatedAt = now
	return d
}

// AllowedServices summarizes, per distinct service rule (including the
// SrvAll wildcard row), the highest level and widest scope granted on the
// object. The broker pushes these to a freshly connected object so it knows
// who may contact it.
func AllowedServices(entries []domain.PermissionEntry) []domain.AllowedService {
	idx := map[string]int{}
	var out []domain.AllowedService
	for _, e := range entries {
		if e.Type == domain.PermNone {
			continue
		}
		i, ok := idx[e.SrvID]
		if !ok {
			idx[e.SrvID] = len(out)
			out = append(out, domain.AllowedService{SrvID: e.SrvID, Type: e.Type, Scope: e.Scope})
			continue
		}
		if e.Type > out[i].Type {
			out[i].Type = e.Type
		}
		if e.Scope == domain.ScopeLocalAndCloud {
			out[i].Scope = domain.ScopeLocalAndCloud
		}
	}
	return out
}
