package perm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iotgate/iotgate/internal/domain"
)

func entry(obj, srv, usr string, typ domain.PermissionType, scope domain.ConnScope) domain.PermissionEntry {
	return domain.PermissionEntry{
		ID: obj + "/" + srv + "/" + usr, ObjID: obj, SrvID: srv, UsrID: usr,
		Type: typ, Scope: scope, UpdatedAt: time.Now(),
	}
}

func TestEffectiveOrdering(t *testing.T) {
	entries := []domain.PermissionEntry{
		entry("o1", domain.SrvAll, domain.UsrOwner, domain.PermCoOwner, domain.ScopeLocalAndCloud),
		entry("o1", domain.SrvAll, domain.UsrAll, domain.PermActions, domain.ScopeOnlyLocal),
	}

	if got := Effective(entries, "svcX", "owner-1", "owner-1", domain.ScopeLocalAndCloud); got != domain.PermCoOwner {
		t.Fatalf("owner over cloud: got %s, want CoOwner", got)
	}
	if got := Effective(entries, "svcX", "anyUser", "owner-1", domain.ScopeOnlyLocal); got != domain.PermActions {
		t.Fatalf("any user local: got %s, want Actions", got)
	}
	// The OnlyLocal wildcard grant must not apply to cloud-routed traffic.
	if got := Effective(entries, "svcX", "anyUser", "owner-1", domain.ScopeLocalAndCloud); got != domain.PermNone {
		t.Fatalf("any user cloud: got %s, want None", got)
	}
}

func TestEffectiveIsPureAndOrderIndependent(t *testing.T) {
	a := entry("o1", "svc-7", "usr-1", domain.PermStatus, domain.ScopeLocalAndCloud)
	b := entry("o1", domain.SrvAll, domain.UsrAll, domain.PermActions, domain.ScopeLocalAndCloud)
	c := entry("o1", "svc-9", domain.UsrAll, domain.PermCoOwner, domain.ScopeLocalAndCloud)

	forward := Effective([]domain.PermissionEntry{a, b, c}, "svc-7", "usr-1", "", domain.ScopeLocalAndCloud)
	reverse := Effective([]domain.PermissionEntry{c, b, a}, "svc-7", "usr-1", "", domain.ScopeLocalAndCloud)
	if forward != reverse || forward != domain.PermStatus {
		t.Fatalf("order dependence: forward=%s reverse=%s", forward, reverse)
	}
	for i := 0; i < 5; i++ {
		if got := Effective([]domain.PermissionEntry{a, b, c}, "svc-7", "usr-1", "", domain.ScopeLocalAndCloud); got != forward {
			t.Fatalf("repeated call diverged: %s", got)
		}
	}
}

func TestEffectiveWildcards(t *testing.T) {
	cases := []struct {
		name    string
		entries []domain.PermissionEntry
		srv     string
		usr     string
		owner   string
		scope   domain.ConnScope
		want    domain.PermissionType
	}{
		{
			name:    "no match",
			entries: []domain.PermissionEntry{entry("o1", "svc-1", "usr-1", domain.PermCoOwner, domain.ScopeLocalAndCloud)},
			srv:     "svc-2", usr: "usr-1", scope: domain.ScopeLocalAndCloud,
			want: domain.PermNone,
		},
		{
			name:    "srv wildcard",
			entries: []domain.PermissionEntry{entry("o1", domain.SrvAll, "usr-1", domain.PermStatus, domain.ScopeLocalAndCloud)},
			srv:     "svc-2", usr: "usr-1", scope: domain.ScopeLocalAndCloud,
			want: domain.PermStatus,
		},
		{
			name:    "owner wildcard only for owner",
			entries: []domain.PermissionEntry{entry("o1", domain.SrvAll, domain.UsrOwner, domain.PermCoOwner, domain.ScopeLocalAndCloud)},
			srv:     "svc-2", usr: "usr-9", owner: "owner-1", scope: domain.ScopeLocalAndCloud,
			want: domain.PermNone,
		},
		{
			name:    "owner wildcard without owner never matches",
			entries: []domain.PermissionEntry{entry("o1", domain.SrvAll, domain.UsrOwner, domain.PermCoOwner, domain.ScopeLocalAndCloud)},
			srv:     "svc-2", usr: "", owner: "", scope: domain.ScopeLocalAndCloud,
			want: domain.PermNone,
		},
		{
			name:    "anonymous wildcard",
			entries: []domain.PermissionEntry{entry("o1", domain.SrvAll, domain.UsrAnonymous, domain.PermActions, domain.ScopeOnlyLocal)},
			srv:     "svc-2", usr: "", scope: domain.ScopeOnlyLocal,
			want: domain.PermActions,
		},
		{
			name:    "LocalAndCloud grant covers local checks",
			entries: []domain.PermissionEntry{entry("o1", "svc-1", "usr-1", domain.PermStatus, domain.ScopeLocalAndCloud)},
			srv:     "svc-1", usr: "usr-1", scope: domain.ScopeOnlyLocal,
			want: domain.PermStatus,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Effective(c.entries, c.srv, c.usr, c.owner, c.scope); got != c.want {
				t.Fatalf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestGenerateStrategies(t *testing.T) {
	now := time.Now()

	std, err := Generate(domain.GenStandard, "o1", now)
	if err != nil {
		t.Fatalf("standard: %v", err)
	}
	if len(std) != 1 || std[0].Type != domain.PermCoOwner || std[0].UsrID != domain.UsrOwner {
		t.Fatalf("unexpected standard set %+v", std)
	}

	pub, err := Generate(domain.GenPublic, "o1", now)
	if err != nil {
		t.Fatalf("public: %v", err)
	}
	if len(pub) != 2 {
		t.Fatalf("public must add a wildcard grant, got %+v", pub)
	}
	if got := Effective(pub, "any-svc", "any-usr", "owner-1", domain.ScopeOnlyLocal); got != domain.PermActions {
		t.Fatalf("public set: any user local = %s, want Actions", got)
	}
	if pub[0].ID == pub[1].ID {
		t.Fatal("generated entries must have distinct IDs")
	}

	if _, err := Generate(domain.GenStrategy("FANCY"), "o1", now); !errors.Is(err, domain.ErrStrategyNotImplemented) {
		t.Fatalf("unknown strategy: got %v", err)
	}
}

func TestDuplicate(t *testing.T) {
	orig := entry("o1", "svc-1", "usr-1", domain.PermStatus, domain.ScopeOnlyLocal)
	dup := Duplicate(orig, time.Now())
	if dup.ID == orig.ID {
		t.Fatal("duplicate must get a new identity")
	}
	if dup.ObjID != orig.ObjID || dup.SrvID != orig.SrvID || dup.Type != orig.Type || dup.Scope != orig.Scope {
		t.Fatalf("duplicate must copy fields: %+v", dup)
	}
}

func TestAllowedServices(t *testing.T) {
	entries := []domain.PermissionEntry{
		entry("o1", "svc-1", "usr-1", domain.PermActions, domain.ScopeOnlyLocal),
		entry("o1", "svc-1", domain.UsrAll, domain.PermStatus, domain.ScopeLocalAndCloud),
		entry("o1", domain.SrvAll, domain.UsrOwner, domain.PermCoOwner, domain.ScopeLocalAndCloud),
	}
	out := AllowedServices(entries)
	if len(out) != 2 {
		t.Fatalf("expected 2 summaries, got %+v", out)
	}
	byID := map[string]domain.AllowedService{}
	for _, a := range out {
		byID[a.SrvID] = a
	}
	if a := byID["svc-1"]; a.Type != domain.PermStatus || a.Scope != domain.ScopeLocalAndCloud {
		t.Fatalf("svc-1 summary %+v", a)
	}
	if a := byID[domain.SrvAll]; a.Type != domain.PermCoOwner {
		t.Fatalf("wildcard summary %+v", a)
	}
}

type fakeSource struct {
	entries map[string][]domain.PermissionEntry
	owners  map[string]string
	loads   int
}

func (f *fakeSource) PermissionsByObj(_ context.Context, objID string) ([]domain.PermissionEntry, error) {
	f.loads++
	return f.entries[objID], nil
}

func (f *fakeSource) ObjectOwner(_ context.Context, objID string) (string, error) {
	return f.owners[objID], nil
}

func TestResolverCachesAndInvalidates(t *testing.T) {
	src := &fakeSource{
		entries: map[string][]domain.PermissionEntry{
			"o1": {entry("o1", domain.SrvAll, domain.UsrAll, domain.PermStatus, domain.ScopeLocalAndCloud)},
		},
		owners: map[string]string{"o1": "owner-1"},
	}
	r, err := NewResolver(src, 8)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := r.Effective(ctx, "o1", "svc-1", "usr-1", domain.ScopeLocalAndCloud)
		if err != nil || got != domain.PermStatus {
			t.Fatalf("effective: %s, %v", got, err)
		}
	}
	if src.loads != 1 {
		t.Fatalf("expected a single snapshot load, got %d", src.loads)
	}

	src.entries["o1"] = nil
	r.Invalidate("o1")
	got, err := r.Effective(ctx, "o1", "svc-1", "usr-1", domain.ScopeLocalAndCloud)
	if err != nil || got != domain.PermNone {
		t.Fatalf("after invalidate: %s, %v", got, err)
	}
	if src.loads != 2 {
		t.Fatalf("invalidate must force a reload, got %d loads", src.loads)
	}
}
