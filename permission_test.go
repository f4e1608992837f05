package rbac

import (
	"context"
	"slices"
	"testing"
)

func TestPermissionCreateValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	cases := map[string]*Permission{
		"empty code":   {Code: " ", Type: TypeRead, Scope: ScopeGlobal},
		"bad type":     {Code: "x.y", Type: "teleport", Scope: ScopeGlobal},
		"bad level":    {Code: "x.y", Type: TypeRead, Scope: ScopeGlobal, Level: 9},
		"bad scope":    {Code: "x.y", Type: TypeRead, Scope: "planet"},
		"bad window":   NewPermissionBuilder("x.w").Window("25:00", "26:00").Build(),
		"nil":          nil,
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if err := e.Permissions().Create(ctx, p); !IsValidationError(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestPermissionGraph(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	mustCreatePermission(t, e, NewPermissionBuilder("stock.read").Build())
	mustCreatePermission(t, e, NewPermissionBuilder("stock.write").Type(TypeWrite).DependsOn("stock.read").Build())

	if err := e.Permissions().Create(ctx, NewPermissionBuilder("stock.read").Build()); !IsConflictError(err) {
		t.Fatalf("duplicate: expected ConflictError, got %v", err)
	}
	if err := e.Permissions().Create(ctx, NewPermissionBuilder("stock.self").DependsOn("stock.self").Build()); !IsConflictError(err) {
		t.Fatalf("self dependency: expected ConflictError, got %v", err)
	}
	// stock.read -> stock.write -> stock.read
	cyclic := NewPermissionBuilder("stock.read").DependsOn("stock.write").Build()
	if err := e.Permissions().Update(ctx, cyclic); !IsConflictError(err) {
		t.Fatalf("cycle: expected ConflictError, got %v", err)
	}
	chain := NewPermissionBuilder("stock.purge").Type(TypeDelete).DependsOn("stock.write").ConflictsWith("stock.read").Build()
	if err := e.Permissions().Create(ctx, chain); !IsConflictError(err) {
		t.Fatalf("transitive conflict: expected ConflictError, got %v", err)
	}
	if err := e.Permissions().Create(ctx, NewPermissionBuilder("stock.audit").ConflictsWith("stock.ghost").Build()); !IsConflictError(err) {
		t.Fatalf("unknown conflict: expected ConflictError, got %v", err)
	}

	got, err := e.Permissions().Get(ctx, "stock.write")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Group != "stock" || !got.Active || got.Level != 1 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	got.Dependencies = nil
	again, _ := e.Permissions().Get(ctx, "stock.write")
	if len(again.Dependencies) != 1 {
		t.Fatalf("Get must return a copy")
	}
}

func TestPermissionUpdateKeepsRolesConsistent(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	mustCreatePermission(t, e, NewPermissionBuilder("caisse.open").Build())
	mustCreatePermission(t, e, NewPermissionBuilder("caisse.audit").Build())
	mustCreateRole(t, e, NewRoleBuilder("caissier").Permissions("caisse.open", "caisse.audit").Build())

	upd := NewPermissionBuilder("caisse.open").ConflictsWith("caisse.audit").Build()
	if err := e.Permissions().Update(ctx, upd); !IsConflictError(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if err := e.Permissions().Update(ctx, NewPermissionBuilder("caisse.none").Build()); !IsNotFoundError(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if err := e.Permissions().Update(ctx, NewPermissionBuilder("caisse.open").Level(3).Build()); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, _ := e.Permissions().Get(ctx, "caisse.open")
	if p.Level != 3 || !p.Active {
		t.Fatalf("unexpected update result: %+v", p)
	}
}

func TestPermissionDelete(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("produit.delete").Type(TypeDelete).DependsOn("produit.update").Build())
	pol := NewPolicyBuilder("p1").ForPermissions("produit.update").Rule(EffectDeny, 1, "weekend").Build()
	if err := e.Policies().Create(ctx, pol); err != nil {
		t.Fatalf("policy: %v", err)
	}

	if err := e.Permissions().Delete(ctx, "produit.update", false); !IsConflictError(err) {
		t.Fatalf("expected ConflictError for referenced permission, got %v", err)
	}
	if err := e.Permissions().Delete(ctx, "produit.update", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, err := e.Permissions().Get(ctx, "produit.update"); !IsNotFoundError(err) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
	role, _ := e.Roles().Get(ctx, "vendeur")
	if slices.Contains(role.Permissions, "produit.update") {
		t.Fatalf("cascade left the role reference: %v", role.Permissions)
	}
	dep, _ := e.Permissions().Get(ctx, "produit.delete")
	if len(dep.Dependencies) != 0 {
		t.Fatalf("cascade left the dependency: %v", dep.Dependencies)
	}
	got, _ := e.Policies().Get(ctx, "p1")
	if len(got.Scope.Permissions) != 0 || got.Active {
		t.Fatalf("a policy that lost its only target should be inactive: %+v", got)
	}
	if err := e.Permissions().Delete(ctx, "produit.update", false); !IsNotFoundError(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPermissionListAndGroups(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("ville.read").Scope(ScopeOrganization).Build())
	mustCreatePermission(t, e, NewPermissionBuilder("ville.write").Type(TypeWrite).Group("geo").Build())
	if err := e.Permissions().SetActive(ctx, "ville.read", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	all, total := e.Permissions().List(ctx, PermissionFilter{}, Page{})
	if total != 4 || len(all) != 4 || all[0].Code != "produit.create" {
		t.Fatalf("unexpected list: total=%d first=%v", total, all)
	}
	page, total := e.Permissions().List(ctx, PermissionFilter{}, Page{Limit: 2, Offset: 3})
	if total != 4 || len(page) != 1 || page[0].Code != "ville.write" {
		t.Fatalf("unexpected page: total=%d %v", total, page)
	}
	inactive := false
	off, _ := e.Permissions().List(ctx, PermissionFilter{Active: &inactive}, Page{})
	if len(off) != 1 || off[0].Code != "ville.read" {
		t.Fatalf("unexpected inactive filter: %v", off)
	}
	writes, _ := e.Permissions().List(ctx, PermissionFilter{Type: TypeWrite, Prefix: "produit."}, Page{})
	if len(writes) != 1 || writes[0].Code != "produit.create" {
		t.Fatalf("unexpected type filter: %v", writes)
	}

	groups := e.Permissions().Groups(ctx)
	if !slices.Equal(groups["produit"], []string{"produit.create", "produit.update"}) {
		t.Fatalf("unexpected produit group: %v", groups["produit"])
	}
	if !slices.Equal(groups["geo"], []string{"ville.write"}) || !slices.Equal(groups["ville"], []string{"ville.read"}) {
		t.Fatalf("unexpected groups: %v", groups)
	}
}

func TestForcedDeleteDisablesOrphanedPolicy(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("produit.delete").Type(TypeDelete).Build())
	if err := e.Roles().AddPermission(ctx, "vendeur", "produit.delete"); err != nil {
		t.Fatalf("add permission: %v", err)
	}
	mustAssign(t, e, vendor, "vendeur")
	pol := NewPolicyBuilder("no_delete").ForPermissions("produit.delete").Rule(EffectDeny, 1, "true").Build()
	if err := e.Policies().Create(ctx, pol); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); !res.Allowed {
		t.Fatalf("produit.create should be allowed before the delete: %s", res.Reason)
	}

	if err := e.Permissions().Delete(ctx, "produit.delete", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); !res.Allowed || res.Reason != ReasonGranted {
		t.Fatalf("an orphaned policy must not reach other permissions: %+v", res)
	}
	got, err := e.Policies().Get(ctx, "no_delete")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if got.Active || len(got.Scope.Permissions) != 0 {
		t.Fatalf("expected an inactive policy with an empty scope: %+v", got)
	}
}
