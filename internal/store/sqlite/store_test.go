package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotgate/iotgate/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenWithOptions(filepath.Join(t.TempDir(), "iotgate.db"), OpenOptions{TokenPepper: "test-pepper"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestObjectSaveFindAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o := domain.ObjectRecord{ID: "obj-42", Name: "Thermostat", OwnerUsrID: "owner-1", StructPayload: "struct-v1"}
	if err := s.SaveObject(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.FindObject(ctx, "obj-42")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Name != "Thermostat" || got.OwnerUsrID != "owner-1" || got.Active {
		t.Fatalf("unexpected record %+v", got)
	}

	if _, err := s.FindObject(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object: got %v", err)
	}

	all, err := s.FindAllObjects(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("find all: %v, %d records", err, len(all))
	}

	owner, err := s.ObjectOwner(ctx, "obj-42")
	if err != nil || owner != "owner-1" {
		t.Fatalf("owner: %q, %v", owner, err)
	}
	owner, err = s.ObjectOwner(ctx, "unknown")
	if err != nil || owner != "" {
		t.Fatalf("unknown owner must be empty: %q, %v", owner, err)
	}
}

func TestObjectActiveFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveObject(ctx, domain.ObjectRecord{ID: "obj-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SetObjectActive(ctx, "obj-1", true); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := s.SetObjectActive(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object: got %v", err)
	}

	n, err := s.ResetActiveObjects(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset active: %d, %v", n, err)
	}
	got, _ := s.FindObject(ctx, "obj-1")
	if got.Active {
		t.Fatal("reset must clear the active flag")
	}
}

func TestRegenerateObjectID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveObject(ctx, domain.ObjectRecord{ID: "obj-old", OwnerUsrID: "owner-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.GenerateObjectPermissions(ctx, "obj-old", domain.GenStandard); err != nil {
		t.Fatalf("generate perms: %v", err)
	}

	next, err := s.RegenerateObjectID(ctx, "obj-old")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if next.ID == "obj-old" || next.OldID != "obj-old" {
		t.Fatalf("regenerated record %+v", next)
	}
	if _, err := s.FindObject(ctx, "obj-old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old ID must be gone")
	}
	entries, err := s.PermissionsByObj(ctx, next.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("permissions must follow the new ID: %v, %d", err, len(entries))
	}
	if old, _ := s.PermissionsByObj(ctx, "obj-old"); len(old) != 0 {
		t.Fatal("no permissions may remain on the old ID")
	}
}

func TestServiceSaveFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveService(ctx, domain.ServiceRecord{ID: "svc-7", Name: "Dashboard"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.FindService(ctx, "svc-7")
	if err != nil || got.Name != "Dashboard" {
		t.Fatalf("find: %+v, %v", got, err)
	}
	if _, err := s.FindService(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing service: got %v", err)
	}
	all, err := s.FindAllServices(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("find all: %v, %d", err, len(all))
	}
}

func TestPermissionCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := domain.PermissionEntry{
		ID: "p1", ObjID: "obj-1", SrvID: "svc-7", UsrID: domain.UsrAll,
		Type: domain.PermActions, Scope: domain.ScopeLocalAndCloud,
	}
	if err := s.SavePermission(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Update replaces fields under the same ID.
	e.Type = domain.PermStatus
	if err := s.SavePermission(ctx, e); err != nil {
		t.Fatalf("update: %v", err)
	}
	entries, err := s.PermissionsByObj(ctx, "obj-1")
	if err != nil || len(entries) != 1 || entries[0].Type != domain.PermStatus {
		t.Fatalf("after update: %+v, %v", entries, err)
	}

	dup, err := s.DuplicatePermission(ctx, "p1")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.ID == "p1" || dup.Type != domain.PermStatus {
		t.Fatalf("duplicate %+v", dup)
	}
	if entries, _ = s.PermissionsByObj(ctx, "obj-1"); len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if err := s.DeletePermission(ctx, dup.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeletePermission(ctx, dup.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: got %v", err)
	}
}

func TestGenerateObjectPermissions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries, err := s.GenerateObjectPermissions(ctx, "obj-1", domain.GenPublic)
	if err != nil || len(entries) != 2 {
		t.Fatalf("public: %v, %d entries", err, len(entries))
	}
	stored, err := s.PermissionsByObj(ctx, "obj-1")
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored: %v, %d entries", err, len(stored))
	}

	if _, err := s.GenerateObjectPermissions(ctx, "obj-2", domain.GenStrategy("NOPE")); !errors.Is(err, domain.ErrStrategyNotImplemented) {
		t.Fatalf("unknown strategy: got %v", err)
	}
	if stored, _ := s.PermissionsByObj(ctx, "obj-2"); len(stored) != 0 {
		t.Fatal("failed strategy must write nothing")
	}
}

func TestStatusHistoryAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, payload := range []string{"t=20.1", "t=20.7", "t=21.0"} {
		rec, err := s.AddStatusHistory(ctx, domain.StatusHistoryRecord{
			ObjID: "obj-1", Component: "temp", Payload: payload,
			CreatedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC),
		})
		if err != nil || rec.ID == "" {
			t.Fatalf("add sample %d: %+v, %v", i, rec, err)
		}
	}

	recs, err := s.StatusHistoryByObj(ctx, "obj-1", 2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("history: %v, %d records", err, len(recs))
	}
	if recs[0].Payload != "t=21.0" {
		t.Fatalf("newest first, got %q", recs[0].Payload)
	}
}

func TestConnectTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	claims := TokenClaims{Identity: "obj-42", Instance: "i-1", Role: domain.RoleO2S}

	token, err := s.CreateConnectToken(ctx, claims, time.Minute)
	if err != nil || token == "" {
		t.Fatalf("create: %q, %v", token, err)
	}

	got, err := s.ConsumeConnectToken(ctx, token)
	if err != nil || got != claims {
		t.Fatalf("consume: %+v, %v", got, err)
	}
	if _, err := s.ConsumeConnectToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second consume must fail: got %v", err)
	}
	if _, err := s.ConsumeConnectToken(ctx, "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token: got %v", err)
	}

	expired, err := s.CreateConnectToken(ctx, claims, -time.Minute)
	if err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if _, err := s.ConsumeConnectToken(ctx, expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v", err)
	}

	if _, err := s.PurgeExpiredTokens(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
}
