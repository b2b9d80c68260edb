// Package broker implements the central routing hub connecting live and
// virtual object endpoints with service endpoints, applying the permission
// model on every routed frame.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/metrics"
	"github.com/iotgate/iotgate/internal/perm"
	"github.com/iotgate/iotgate/internal/wire"
)

// Endpoint is a routable destination handle: an identity plus a dispatch
// function. Live connections and virtual placeholders both implement it.
// Endpoints never hold a reference back to the broker; traffic from an
// endpoint enters the broker through explicit Send calls by its owner.
type Endpoint interface {
	ID() string
	Instance() string
	User() string
	SendFrame(f wire.Frame) error
	Virtual() bool
}

// ObjectSource is the narrow read contract the broker needs to serve
// cached object payloads.
type ObjectSource interface {
	FindObject(ctx context.Context, id string) (domain.ObjectRecord, error)
}

// Broker holds the routing table identity -> endpoint. Structural mutation
// (register/deregister) is single-writer under mu; lookups and sends take
// the read lock only for the map access itself. Permission evaluation runs
// on immutable snapshots outside any table lock.
type Broker struct {
	log      *slog.Logger
	resolver *perm.Resolver
	objects  ObjectSource
	metrics  *metrics.Set

	mu       sync.RWMutex
	objTable map[string]Endpoint
	srvTable map[string]Endpoint

	// Per-identity registration locks make "register + push cached frames"
	// atomic with respect to concurrent reconnects of the same identity.
	regLocks sync.Map
}

// New creates an empty broker.
func New(logger *slog.Logger, resolver *perm.Resolver, objects ObjectSource, m *metrics.Set) *Broker {
	return &Broker{
		log:      logger,
		resolver: resolver,
		objects:  objects,
		metrics:  m,
		objTable: map[string]Endpoint{},
		srvTable: map[string]Endpoint{},
	}
}

func (b *Broker) identityLock(key string) *sync.Mutex {
	v, _ := b.regLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RegisterObject inserts an object endpoint into the routing table and
// pushes the object's cached INFO/STRUCT/PERM frames to subscribed
// services, plus per-service permission notices to the endpoint itself.
// Registering an already-registered objId replaces the prior endpoint: the
// new one wins, the old one is deregistered implicitly. This is how a live
// connection supersedes a virtual placeholder on reconnect.
func (b *Broker) RegisterObject(ctx context.Context, ep Endpoint) error {
	lock := b.identityLock("obj/" + ep.ID())
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	prev := b.objTable[ep.ID()]
	b.objTable[ep.ID()] = ep
	b.mu.Unlock()

	if prev != nil && prev != ep {
		b.log.Debug("object endpoint superseded", "obj_id", ep.ID(), "was_virtual", prev.Virtual(), "now_virtual", ep.Virtual())
	}
	return b.announceObject(ctx, ep)
}

// DeregisterObject removes an object endpoint, but only while it is still
// the endpoint on record; a superseded endpoint deregistering late must
// not evict its replacement. It reports whether the entry was removed, so
// callers tearing down a superseded session know to skip the
// disconnect side effects.
func (b *Broker) DeregisterObject(ep Endpoint) bool {
	lock := b.identityLock("obj/" + ep.ID())
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	removed := b.objTable[ep.ID()] == ep
	if removed {
		delete(b.objTable, ep.ID())
	}
	b.mu.Unlock()
	return removed
}

// RegisterService inserts a service endpoint; a duplicate srvId replaces
// the prior endpoint.
func (b *Broker) RegisterService(ep Endpoint) {
	lock := b.identityLock("srv/" + ep.ID())
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	b.srvTable[ep.ID()] = ep
	b.mu.Unlock()
}

// DeregisterService removes a service endpoint while it is on record.
func (b *Broker) DeregisterService(ep Endpoint) {
	lock := b.identityLock("srv/" + ep.ID())
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	if b.srvTable[ep.ID()] == ep {
		delete(b.srvTable, ep.ID())
	}
	b.mu.Unlock()
}

// ObjectEndpoint looks up the routable endpoint for an object ID.
func (b *Broker) ObjectEndpoint(objID string) (Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.objTable[objID]
	return ep, ok
}

// ServiceEndpoint looks up the routable endpoint for a service ID.
func (b *Broker) ServiceEndpoint(srvID string) (Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.srvTable[srvID]
	return ep, ok
}

func (b *Broker) serviceEndpoints() []Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Endpoint, 0, len(b.srvTable))
	for _, ep := range b.srvTable {
		out = append(out, ep)
	}
	return out
}

// Authorize checks that (srvID, usrID, scope) holds at least required on
// objID. It is the permission checkpoint shared by Send and by gateway
// operations answered without routing (history queries).
func (b *Broker) Authorize(ctx context.Context, objID, srvID, usrID string, scope domain.ConnScope, required domain.PermissionType) error {
	effective, err := b.resolver.Effective(ctx, objID, srvID, usrID, scope)
	if err != nil {
		return err
	}
	if !effective.AtLeast(required) {
		b.metrics.PermissionDenied()
		return &domain.MissingPermissionError{
			ObjID: objID, SrvID: srvID, UsrID: usrID,
			Required: required, Actual: effective, Scope: scope,
		}
	}
	return nil
}

// Send routes one frame to its destination, refusing it when the effective
// permission of the (service, user, scope) tuple is below what the frame
// type requires. This is the single authorization checkpoint for all
// object/service traffic.
func (b *Broker) Send(ctx context.Context, f wire.Frame, scope domain.ConnScope) error {
	required, routable := wire.RequiredPermission(f.Type)
	if !routable {
		return fmt.Errorf("frame type %s is not routable", f.Type)
	}

	switch f.Type {
	case wire.TypeCmd, wire.TypeCfg:
		return b.sendToObject(ctx, f, scope, required)
	default:
		return b.sendToServices(ctx, f, scope, required)
	}
}

func (b *Broker) sendToObject(ctx context.Context, f wire.Frame, scope domain.ConnScope, required domain.PermissionType) error {
	if err := b.Authorize(ctx, f.ObjID, f.SrvID, f.UsrID, scope, required); err != nil {
		b.metrics.FrameDropped("permission")
		return err
	}

	ep, ok := b.ObjectEndpoint(f.ObjID)
	if !ok {
		b.metrics.FrameDropped("unknown_object")
		return fmt.Errorf("object %s: %w", f.ObjID, domain.ErrObjectNotInRegistry)
	}
	if err := ep.SendFrame(f); err != nil {
		if errors.Is(err, domain.ErrVirtualPaused) {
			// Destination exists but is offline; only its placeholder is
			// registered. The frame is dropped, not queued.
			b.metrics.FrameDropped("object_offline")
			return fmt.Errorf("object %s is offline: %w", f.ObjID, err)
		}
		b.metrics.FrameDropped("transport")
		return err
	}
	b.metrics.FrameRouted(string(f.Type))
	return nil
}

func (b *Broker) sendToServices(ctx context.Context, f wire.Frame, scope domain.ConnScope, required domain.PermissionType) error {
	if f.SrvID != "" {
		ep, ok := b.ServiceEndpoint(f.SrvID)
		if !ok {
			b.metrics.FrameDropped("unknown_service")
			return fmt.Errorf("service %s: %w", f.SrvID, domain.ErrServiceNotInRegistry)
		}
		if err := b.Authorize(ctx, f.ObjID, ep.ID(), ep.User(), scope, required); err != nil {
			b.metrics.FrameDropped("permission")
			return err
		}
		if err := ep.SendFrame(f); err != nil {
			b.metrics.FrameDropped("transport")
			return err
		}
		b.metrics.FrameRouted(string(f.Type))
		return nil
	}

	// Broadcast: deliver to every connected service holding the required
	// level on the originating object. Per-destination failures are
	// isolated; they never abort the fan-out.
	for _, ep := range b.serviceEndpoints() {
		if err := b.Authorize(ctx, f.ObjID, ep.ID(), ep.User(), scope, required); err != nil {
			continue
		}
		out := f
		out.SrvID = ep.ID()
		if err := ep.SendFrame(out); err != nil {
			b.log.Warn("broadcast delivery failed", "obj_id", f.ObjID, "srv_id", ep.ID(), "type", f.Type, "err", err)
			b.metrics.FrameDropped("transport")
			continue
		}
		b.metrics.FrameRouted(string(f.Type))
	}
	return nil
}

// ObjectCloudAllowedServices returns, for every service rule granting a
// non-None permission on objID, its level and scope.
func (b *Broker) ObjectCloudAllowedServices(ctx context.Context, objID string) ([]domain.AllowedService, error) {
	return b.resolver.AllowedServices(ctx, objID)
}

// InvalidatePermissions drops the cached permission snapshot for objID
// after a permission write.
func (b *Broker) InvalidatePermissions(objID string) {
	b.resolver.Invalidate(objID)
}

// BroadcastObjectDisconnected notifies every subscribed service that objID
// went offline.
func (b *Broker) BroadcastObjectDisconnected(ctx context.Context, objID string) {
	f := wire.Frame{Type: wire.TypeDisconnected, ObjID: objID}
	if err := b.sendToServices(ctx, f, domain.ScopeLocalAndCloud, domain.PermStatus); err != nil {
		b.log.Warn("disconnect broadcast failed", "obj_id", objID, "err", err)
	}
}

// announceObject pushes the object's cached payloads to subscribed services
// and SERVICE_PERM notices to the object endpoint. Runs under the object's
// identity lock so a concurrent reconnect cannot interleave stale and
// fresh frames.
func (b *Broker) announceObject(ctx context.Context, ep Endpoint) error {
	objID := ep.ID()
	rec, err := b.objects.FindObject(ctx, objID)
	if err != nil {
		// Unpersisted objects announce nothing; first OBJ_INFO/OBJ_STRUCT
		// frames will populate the record.
		b.log.Debug("no persisted record for object", "obj_id", objID, "err", err)
		rec = domain.ObjectRecord{ID: objID}
	}

	allowed, err := b.ObjectCloudAllowedServices(ctx, objID)
	if err != nil {
		return fmt.Errorf("allowed services for %s: %w", objID, err)
	}

	if !ep.Virtual() {
		for _, a := range allowed {
			notice := wire.Frame{
				Type:    wire.TypeServicePerm,
				ObjID:   objID,
				SrvID:   a.SrvID,
				Payload: fmt.Sprintf("type=%s;scope=%s", a.Type, a.Scope),
			}
			if err := ep.SendFrame(notice); err != nil {
				b.log.Warn("service-perm push failed", "obj_id", objID, "srv_id", a.SrvID, "err", err)
				break
			}
		}
	}

	for _, srvEp := range b.serviceEndpoints() {
		if err := b.Authorize(ctx, objID, srvEp.ID(), srvEp.User(), domain.ScopeLocalAndCloud, domain.PermStatus); err != nil {
			continue
		}
		for _, f := range cachedObjectFrames(rec, srvEp.ID()) {
			if err := srvEp.SendFrame(f); err != nil {
				b.log.Warn("cached frame push failed", "obj_id", objID, "srv_id", srvEp.ID(), "type", f.Type, "err", err)
				break
			}
		}
	}
	return nil
}

func cachedObjectFrames(rec domain.ObjectRecord, srvID string) []wire.Frame {
	var out []wire.Frame
	if rec.InfoPayload != "" {
		out = append(out, wire.Frame{Type: wire.TypeObjInfo, ObjID: rec.ID, SrvID: srvID, Payload: rec.InfoPayload})
	}
	if rec.StructPayload != "" {
		out = append(out, wire.Frame{Type: wire.TypeObjStruct, ObjID: rec.ID, SrvID: srvID, Payload: rec.StructPayload})
	}
	out = append(out, wire.Frame{Type: wire.TypeObjPerm, ObjID: rec.ID, SrvID: srvID})
	return out
}
