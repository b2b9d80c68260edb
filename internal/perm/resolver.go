package perm

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iotgate/iotgate/internal/domain"
)

// Source is the narrow read contract the resolver needs from the
// persistence store.
type Source interface {
	PermissionsByObj(ctx context.Context, objID string) ([]domain.PermissionEntry, error)
	ObjectOwner(ctx context.Context, objID string) (string, error)
}

type objSnapshot struct {
	entries []domain.PermissionEntry
	owner   string
}

// Resolver evaluates effective permissions from per-object snapshots of the
// entry set. Snapshots are cached in an LRU and invalidated on permission
// writes, so evaluation never holds a store or routing-table lock.
type Resolver struct {
	src   Source
	cache *lru.Cache[string, objSnapshot]
}

// NewResolver builds a resolver caching up to cacheSize object snapshots.
func NewResolver(src Source, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, objSnapshot](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("permission cache: %w", err)
	}
	return &Resolver{src: src, cache: cache}, nil
}

// Effective computes the effective permission (srvID, usrID, scope) holds
// on objID.
func (r *Resolver) Effective(ctx context.Context, objID, srvID, usrID string, scope domain.ConnScope) (domain.PermissionType, error) {
	snap, err := r.snapshot(ctx, objID)
	if err != nil {
		return domain.PermNone, err
	}
	return Effective(snap.entries, srvID, usrID, snap.owner, scope), nil
}

// AllowedServices returns the per-service permission summary for objID.
func (r *Resolver) AllowedServices(ctx context.Context, objID string) ([]domain.AllowedService, error) {
	snap, err := r.snapshot(ctx, objID)
	if err != nil {
		return nil, err
	}
	return AllowedServices(snap.entries), nil
}

// Invalidate drops the cached snapshot for objID. Callers invoke it after
// every permission write for the object.
func (r *Resolver) Invalidate(objID string) {
	r.cache.Remove(objID)
}

func (r *Resolver) snapshot(ctx context.Context, objID string) (objSnapshot, error) {
	if snap, ok := r.cache.Get(objID); ok {
		return snap, nil
	}
	entries, err := r.src.PermissionsByObj(ctx, objID)
	if err != nil {
		return objSnapshot{}, fmt.Errorf("load permissions for %s: %w", objID, err)
	}
	owner, err := r.src.ObjectOwner(ctx, objID)
	if err != nil {
		return objSnapshot{}, fmt.Errorf("load owner for %s: %w", objID, err)
	}
	snap := objSnapshot{entries: entries, owner: owner}
	r.cache.Add(objID, snap)
	return snap, nil
}
