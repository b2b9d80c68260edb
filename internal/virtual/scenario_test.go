package virtual

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iotgate/iotgate/internal/broker"
	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/perm"
	"github.com/iotgate/iotgate/internal/wire"
)

type scenarioStore struct {
	mu      sync.Mutex
	objects map[string]domain.ObjectRecord
	perms   map[string][]domain.PermissionEntry
}

func (s *scenarioStore) FindAllObjects(context.Context) ([]domain.ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ObjectRecord, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	return out, nil
}

func (s *scenarioStore) FindObject(_ context.Context, id string) (domain.ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return domain.ObjectRecord{}, errors.New("not found")
	}
	return o, nil
}

func (s *scenarioStore) PermissionsByObj(_ context.Context, objID string) ([]domain.PermissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms[objID], nil
}

func (s *scenarioStore) ObjectOwner(_ context.Context, objID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[objID].OwnerUsrID, nil
}

type scenarioEndpoint struct {
	id   string
	user string

	mu     sync.Mutex
	frames []wire.Frame
}

func (e *scenarioEndpoint) ID() string       { return e.id }
func (e *scenarioEndpoint) Instance() string { return "i-1" }
func (e *scenarioEndpoint) User() string     { return e.user }
func (e *scenarioEndpoint) Virtual() bool    { return false }

func (e *scenarioEndpoint) SendFrame(f wire.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
	return nil
}

func (e *scenarioEndpoint) sent() []wire.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]wire.Frame(nil), e.frames...)
}

// TestEndToEndScenario walks the full lifecycle: a persisted object is
// routable as a paused placeholder at startup, its live connection
// supersedes the placeholder, and a service provisioned by the PUBLIC
// strategy can send exactly the commands its level covers.
func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()

	// PUBLIC provisioning: owner gets CoOwner cloud-wide, everyone else
	// Actions locally.
	entries, err := perm.Generate(domain.GenPublic, "obj-42", time.Now())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	store := &scenarioStore{
		objects: map[string]domain.ObjectRecord{
			"obj-42": {ID: "obj-42", OwnerUsrID: "usr-owner", StructPayload: "components=lamp"},
		},
		perms: map[string][]domain.PermissionEntry{"obj-42": entries},
	}

	resolver, err := perm.NewResolver(store, 16)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	b := broker.New(logger, resolver, store, nil)
	registry := NewRegistry(logger, store, b)

	// Startup: the persisted object is already routable, but paused.
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	ep, ok := b.ObjectEndpoint("obj-42")
	if !ok || !ep.Virtual() {
		t.Fatal("startup must register the paused placeholder")
	}

	svc := &scenarioEndpoint{id: "svc-7", user: "usr-2"}
	b.RegisterService(svc)
	ownerSvc := &scenarioEndpoint{id: "svc-owner", user: "usr-owner"}
	b.RegisterService(ownerSvc)

	// While only the placeholder is registered, commands report the object
	// offline rather than silently vanishing.
	err = b.Send(ctx, wire.Frame{Type: wire.TypeCmd, ObjID: "obj-42", SrvID: "svc-7", UsrID: "usr-2", Payload: "on"}, domain.ScopeOnlyLocal)
	if !errors.Is(err, domain.ErrVirtualPaused) {
		t.Fatalf("paused placeholder send: %v", err)
	}

	// Live registration supersedes the placeholder.
	live := &scenarioEndpoint{id: "obj-42"}
	if err := b.RegisterObject(ctx, live); err != nil {
		t.Fatalf("register live: %v", err)
	}
	ep, _ = b.ObjectEndpoint("obj-42")
	if ep.Virtual() {
		t.Fatal("live connection must supersede the placeholder")
	}

	// Registration pushed the cached structure to the owner's service.
	var gotStruct bool
	for _, f := range ownerSvc.sent() {
		if f.Type == wire.TypeObjStruct && f.Payload == "components=lamp" {
			gotStruct = true
		}
	}
	if !gotStruct {
		t.Fatal("owner service must receive the cached OBJ_STRUCT on live registration")
	}

	// An Actions-level command from svc-7 reaches the live connection.
	if err := b.Send(ctx, wire.Frame{Type: wire.TypeCmd, ObjID: "obj-42", SrvID: "svc-7", UsrID: "usr-2", Payload: "on"}, domain.ScopeOnlyLocal); err != nil {
		t.Fatalf("actions command: %v", err)
	}
	got := live.sent()
	if len(got) == 0 || got[len(got)-1].Type != wire.TypeCmd {
		t.Fatalf("command must reach the live endpoint, got %+v", got)
	}

	// The public grant is local-only; the same command is refused when
	// evaluated at cloud scope.
	err = b.Send(ctx, wire.Frame{Type: wire.TypeCmd, ObjID: "obj-42", SrvID: "svc-7", UsrID: "usr-2", Payload: "on"}, domain.ScopeLocalAndCloud)
	var mpe *domain.MissingPermissionError
	if !errors.As(err, &mpe) {
		t.Fatalf("cloud-scope command must be refused, got %v", err)
	}

	// A CoOwner-level admin command from the same service is refused with
	// both levels named.
	err = b.Send(ctx, wire.Frame{Type: wire.TypeCfg, ObjID: "obj-42", SrvID: "svc-7", UsrID: "usr-2", Payload: "rename"}, domain.ScopeOnlyLocal)
	if !errors.As(err, &mpe) {
		t.Fatalf("admin command must be refused, got %v", err)
	}
	if mpe.Required != domain.PermCoOwner || mpe.Actual != domain.PermActions {
		t.Fatalf("refusal must name required=CoOwner actual=Actions, got %+v", mpe)
	}

	// The owner keeps CoOwner at cloud scope.
	if err := b.Send(ctx, wire.Frame{Type: wire.TypeCfg, ObjID: "obj-42", SrvID: "svc-7", UsrID: "usr-owner", Payload: "rename"}, domain.ScopeLocalAndCloud); err != nil {
		t.Fatalf("owner admin command: %v", err)
	}

	// Disconnect restores the paused placeholder.
	b.DeregisterObject(live)
	registry.ObjectDisconnected(ctx, "obj-42")
	ep, ok = b.ObjectEndpoint("obj-42")
	if !ok || !ep.Virtual() {
		t.Fatal("placeholder must be routable again after disconnect")
	}
}
