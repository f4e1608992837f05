package rbac

import (
	"context"
	"sync"
	"testing"
	"time"
)

// monday10 is a Monday inside default business hours.
var monday10 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t testing.TB, configure func(*RBACConfig), opts ...EngineOption) (*Engine, *testClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	clock := &testClock{now: monday10}
	opts = append([]EngineOption{WithClock(clock.Now)}, opts...)
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, clock
}

func mustCreatePermission(t testing.TB, e *Engine, p *Permission) {
	t.Helper()
	if err := e.Permissions().Create(context.Background(), p); err != nil {
		t.Fatalf("create permission %s: %v", p.Code, err)
	}
}

func mustCreateRole(t testing.TB, e *Engine, r *Role) {
	t.Helper()
	if err := e.Roles().Create(context.Background(), r); err != nil {
		t.Fatalf("create role %s: %v", r.Code, err)
	}
}

func mustAssign(t testing.TB, e *Engine, p Principal, role string) *RoleAssignment {
	t.Helper()
	a, err := e.Assignments().Assign(context.Background(), AssignRequest{Principal: p, RoleCode: role, Permanent: true})
	if err != nil {
		t.Fatalf("assign %s to %s: %v", role, p.Key(), err)
	}
	return a
}

func mustCheck(t testing.TB, e *Engine, p Principal, code string, ac AccessContext) *AccessCheckResult {
	t.Helper()
	res, err := e.CheckAccess(context.Background(), p, code, ac)
	if err != nil {
		t.Fatalf("check %s: %v", code, err)
	}
	return res
}

var vendor = Principal{Kind: KindVendeur, ID: "v-42"}

// seedProducts registers the produit.* catalog and the vendeur role.
func seedProducts(t testing.TB, e *Engine) {
	t.Helper()
	mustCreatePermission(t, e, NewPermissionBuilder("produit.create").Type(TypeWrite).Build())
	mustCreatePermission(t, e, NewPermissionBuilder("produit.update").Type(TypeModify).Build())
	mustCreateRole(t, e, NewRoleBuilder("vendeur").Level(3).Permissions("produit.create", "produit.update").Build())
}
