// Package virtual provides DB-backed placeholder endpoints for offline
// objects, so the broker can answer structure and permission queries for
// objects that are not currently connected.
package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iotgate/iotgate/internal/broker"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/wire"
)

// Object wraps a persisted object record as a pausable endpoint. While
// paused it has no transport: any attempt to originate or accept outbound
// traffic fails with [domain.ErrVirtualPaused]. Its lifetime spans the
// gateway process, independent of any live connection.
type Object struct {
	rec domain.ObjectRecord

	mu     sync.Mutex
	paused bool
}

// NewObject wraps rec as a paused placeholder.
func NewObject(rec domain.ObjectRecord) *Object {
	return &Object{rec: rec, paused: true}
}

func (o *Object) ID() string       { return o.rec.ID }
func (o *Object) Instance() string { return "" }
func (o *Object) User() string     { return "" }
func (o *Object) Virtual() bool    { return true }

// Record returns the wrapped persisted record.
func (o *Object) Record() domain.ObjectRecord { return o.rec }

// Paused reports whether the placeholder currently refuses traffic.
func (o *Object) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Pause puts the placeholder back into its traffic-refusing state.
func (o *Object) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// Resume lifts the pause. The placeholder still has no real transport;
// delivered frames are accepted and discarded, which keeps broker fan-out
// paths exercisable in tests and tooling.
func (o *Object) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// SendFrame implements [broker.Endpoint]. Sending to a paused placeholder
// is a programming error surfaced as ErrVirtualPaused, never a silent
// no-op.
func (o *Object) SendFrame(f wire.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused {
		return fmt.Errorf("object %s (%s frame): %w", o.rec.ID, f.Type, domain.ErrVirtualPaused)
	}
	return nil
}

// Store is the narrow persistence contract the registry consumes.
type Store interface {
	FindAllObjects(ctx context.Context) ([]domain.ObjectRecord, error)
}

// Registry loads every persisted object at startup, registers each as a
// paused placeholder with the broker, and reconciles placeholders with
// live connections as objects connect and disconnect.
type Registry struct {
	log    *slog.Logger
	store  Store
	broker *broker.Broker

	mu      sync.Mutex
	objects map[string]*Object
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, store Store, b *broker.Broker) *Registry {
	return &Registry{
		log:     logger,
		store:   store,
		broker:  b,
		objects: map[string]*Object{},
	}
}

// Start loads persisted objects and registers them with the broker, which
// pushes each object's cached INFO/STRUCT/PERM frames to subscribers.
func (r *Registry) Start(ctx context.Context) error {
	recs, err := r.store.FindAllObjects(ctx)
	if err != nil {
		return fmt.Errorf("load persisted objects: %w", err)
	}
	for _, rec := range recs {
		obj := NewObject(rec)
		r.mu.Lock()
		r.objects[rec.ID] = obj
		r.mu.Unlock()
		if err := r.broker.RegisterObject(ctx, obj); err != nil {
			return fmt.Errorf("register virtual object %s: %w", rec.ID, err)
		}
	}
	r.log.Info("virtual objects registered", "count", len(recs))
	return nil
}

// Shutdown deregisters every placeholder this registry registered. It has
// no persistence side effects.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	objects := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		objects = append(objects, o)
	}
	r.objects = map[string]*Object{}
	r.mu.Unlock()

	for _, o := range objects {
		r.broker.DeregisterObject(o)
	}
}

// Track adds a placeholder for a newly persisted object without touching
// the broker's current routing entry (the live connection holds it).
func (r *Registry) Track(rec domain.ObjectRecord) {
	r.mu.Lock()
	if existing, ok := r.objects[rec.ID]; ok {
		existing.rec = rec
		r.mu.Unlock()
		return
	}
	r.objects[rec.ID] = NewObject(rec)
	r.mu.Unlock()
}

// Forget drops the placeholder for a retired object identity and removes
// it from the routing table, so the old ID stops routing structurally and
// not just by its permissions having moved.
func (r *Registry) Forget(objID string) {
	r.mu.Lock()
	obj, ok := r.objects[objID]
	delete(r.objects, objID)
	r.mu.Unlock()
	if ok {
		r.broker.DeregisterObject(obj)
	}
}

// ObjectDisconnected restores the paused placeholder for objID as the
// routable entry after its live connection dropped, so permission and
// structure queries keep working.
func (r *Registry) ObjectDisconnected(ctx context.Context, objID string) {
	r.mu.Lock()
	obj, ok := r.objects[objID]
	r.mu.Unlock()
	if !ok {
		// The object never persisted a record; nothing to fall back to.
		return
	}
	obj.Pause()
	if err := r.broker.RegisterObject(ctx, obj); err != nil {
		r.log.Warn("placeholder re-registration failed", "obj_id", objID, "err", err)
	}
}

// Placeholder returns the tracked placeholder for objID.
func (r *Registry) Placeholder(objID string) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[objID]
	return o, ok
}
