package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestScenarioVendorAllowed(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")

	res := mustCheck(t, e, vendor, "produit.create", AccessContext{})
	if !res.Allowed {
		t.Fatalf("expected allow, got %+v", res)
	}
	if res.MatchedRole != "vendeur" || res.Reason != ReasonGranted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestScenarioSuspendedAssignmentDenies(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	a := mustAssign(t, e, vendor, "vendeur")
	if !mustCheck(t, e, vendor, "produit.create", AccessContext{}).Allowed {
		t.Fatalf("expected allow before suspension")
	}

	if _, err := e.Assignments().Suspend(context.Background(), a.ID, "abus"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	res := mustCheck(t, e, vendor, "produit.create", AccessContext{})
	if res.Allowed || res.Reason != ReasonRoleSuspended {
		t.Fatalf("expected role_suspended, got %+v", res)
	}
	if res.Cached {
		t.Fatalf("suspension must invalidate the cached allow")
	}

	if _, err := e.Assignments().Reactivate(context.Background(), a.ID, "resolved"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	for _, code := range []string{"produit.create", "produit.update"} {
		if !mustCheck(t, e, vendor, code, AccessContext{}).Allowed {
			t.Fatalf("reactivate should restore %s", code)
		}
	}
}

func TestScenarioMissingDependencyConflicts(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	err := e.Permissions().Create(context.Background(),
		NewPermissionBuilder("produit.delete").Type(TypeDelete).DependsOn("produit.update").Build())
	if !IsConflictError(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.ID != "produit.delete" {
		t.Fatalf("unexpected error detail: %v", err)
	}
}

func TestScenarioOffHoursPolicy(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("produit.delete").Type(TypeDelete).DependsOn("produit.update").Build())
	if err := e.Roles().AddPermission(context.Background(), "vendeur", "produit.delete"); err != nil {
		t.Fatalf("add permission: %v", err)
	}
	mustAssign(t, e, vendor, "vendeur")
	pol := NewPolicyBuilder("off_hours").Mode(ModeFirstMatch).
		Rule(EffectDeny, 1, "outside_business_hours").
		Build()
	if err := e.Policies().Create(context.Background(), pol); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	if res := mustCheck(t, e, vendor, "produit.delete", AccessContext{}); !res.Allowed {
		t.Fatalf("expected allow during business hours, got %+v", res)
	}

	clock.Set(time.Date(2026, 3, 2, 22, 30, 0, 0, time.UTC))
	res := mustCheck(t, e, vendor, "produit.delete", AccessContext{})
	if res.Allowed || res.Reason != "policy:off_hours" {
		t.Fatalf("expected policy:off_hours deny, got %+v", res)
	}
	if res.MatchedPolicy != "off_hours" || res.MatchedRule != "r1" {
		t.Fatalf("unexpected match: %+v", res)
	}
	if res.MatchedRole != "" {
		t.Fatalf("a deny carries no matched role, got %q", res.MatchedRole)
	}
}

func TestScenarioConcurrentAssignRespectsLimit(t *testing.T) {
	e, _ := newTestEngine(t, func(c *RBACConfig) { c.RolesParUtilisateurMax = 1 })
	seedProducts(t, e)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Assignments().Assign(context.Background(), AssignRequest{Principal: vendor, RoleCode: "vendeur", Permanent: true})
		}(i)
	}
	wg.Wait()

	ok, limited := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsLimitExceededError(err):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || limited != 1 {
		t.Fatalf("expected one success and one LimitExceededError, got ok=%d limited=%d", ok, limited)
	}
	if _, total := e.Assignments().List(context.Background(), AssignmentFilter{Principal: &vendor}, Page{}); total != 1 {
		t.Fatalf("expected a single stored assignment, got %d", total)
	}
}

func TestCheckReasons(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("produit.delete").Type(TypeDelete).DependsOn("produit.update").Build())
	mustCreatePermission(t, e, NewPermissionBuilder("ville.read").Build())
	mustCreateRole(t, e, NewRoleBuilder("nettoyeur").Permissions("produit.delete").Build())
	mustAssign(t, e, vendor, "vendeur")
	other := Principal{Kind: KindAgent, ID: "a-1"}
	mustAssign(t, e, other, "nettoyeur")
	if err := e.Permissions().SetActive(context.Background(), "ville.read", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	cases := []struct {
		name      string
		principal Principal
		code      string
		reason    string
	}{
		{"unknown permission", vendor, "nope.nothing", ReasonUnknownPermission},
		{"inactive permission", vendor, "ville.read", ReasonPermissionInactive},
		{"no role", Principal{Kind: KindUtilisateur, ID: "u-0"}, "produit.create", ReasonNoRole},
		{"not granted", vendor, "produit.delete", ReasonPermissionDenied},
		{"dependency unmet", other, "produit.delete", ReasonDependencyUnmet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := mustCheck(t, e, tc.principal, tc.code, AccessContext{})
			if res.Allowed || res.Reason != tc.reason {
				t.Fatalf("expected deny %s, got %+v", tc.reason, res)
			}
		})
	}
}

func TestCheckValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	res, err := e.CheckAccess(context.Background(), Principal{ID: "x"}, "produit.create", AccessContext{})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if res == nil || res.Allowed || res.Reason != ReasonInvalidRequest {
		t.Fatalf("invalid requests must deny, got %+v", res)
	}
	if _, err := e.CheckAccess(context.Background(), vendor, " ", AccessContext{}); !IsValidationError(err) {
		t.Fatalf("expected validation error for empty code, got %v", err)
	}
}

func TestRoleConstraints(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	mustCreatePermission(t, e, NewPermissionBuilder("don.approve").Type(TypeApprove).Level(4).Build())
	mustCreateRole(t, e, NewRoleBuilder("tresorier").Level(6).Permissions("don.approve").RequireMFA().SessionTimeout(30*time.Minute).Build())
	p := Principal{Kind: KindAdmin, ID: "t-1"}
	mustAssign(t, e, p, "tresorier")

	if res := mustCheck(t, e, p, "don.approve", AccessContext{}); res.Reason != ReasonMFARequired {
		t.Fatalf("expected mfa_required, got %+v", res)
	}
	started := clock.Now().Add(-time.Hour)
	if res := mustCheck(t, e, p, "don.approve", AccessContext{MFAVerified: true, SessionStarted: started}); res.Reason != ReasonSessionExpired {
		t.Fatalf("expected session_expired, got %+v", res)
	}
	fresh := clock.Now().Add(-time.Minute)
	if res := mustCheck(t, e, p, "don.approve", AccessContext{MFAVerified: true, SessionStarted: fresh}); !res.Allowed {
		t.Fatalf("expected allow, got %+v", res)
	}
}

func TestPermissionWindowAndQuota(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	mustCreatePermission(t, e, NewPermissionBuilder("rapport.export").DailyQuota(2).Window("08:00", "12:00").Build())
	mustCreateRole(t, e, NewRoleBuilder("analyste").Permissions("rapport.export").Build())
	p := Principal{Kind: KindUtilisateur, ID: "u-9"}
	mustAssign(t, e, p, "analyste")

	for i := 0; i < 2; i++ {
		if res := mustCheck(t, e, p, "rapport.export", AccessContext{}); !res.Allowed || res.Cached {
			t.Fatalf("check %d: expected uncached allow, got %+v", i, res)
		}
	}
	if res := mustCheck(t, e, p, "rapport.export", AccessContext{}); res.Allowed || res.Reason != ReasonRestrictionViolated {
		t.Fatalf("expected quota deny, got %+v", res)
	}

	// quota resets the next day, the window still applies
	clock.Set(time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC))
	if res := mustCheck(t, e, p, "rapport.export", AccessContext{}); res.Allowed || res.Reason != ReasonRestrictionViolated {
		t.Fatalf("expected window deny, got %+v", res)
	}
	clock.Set(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	if res := mustCheck(t, e, p, "rapport.export", AccessContext{}); !res.Allowed {
		t.Fatalf("expected allow on a new day, got %+v", res)
	}
}

func TestSimulateDoesNotConsumeQuota(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	mustCreatePermission(t, e, NewPermissionBuilder("rapport.export").DailyQuota(1).Build())
	mustCreateRole(t, e, NewRoleBuilder("analyste").Permissions("rapport.export").Build())
	p := Principal{Kind: KindUtilisateur, ID: "u-9"}
	mustAssign(t, e, p, "analyste")

	for i := 0; i < 3; i++ {
		res, err := e.Simulate(context.Background(), p, "rapport.export", AccessContext{})
		if err != nil || !res.Allowed {
			t.Fatalf("simulate %d: res=%+v err=%v", i, res, err)
		}
		if len(res.Trace) == 0 {
			t.Fatalf("simulate must carry a trace")
		}
	}
	if res := mustCheck(t, e, p, "rapport.export", AccessContext{}); !res.Allowed {
		t.Fatalf("quota should be untouched by simulation, got %+v", res)
	}
}

func TestExplainTrace(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")
	res, err := e.Explain(context.Background(), vendor, "produit.update", AccessContext{})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !res.Allowed || len(res.Trace) == 0 {
		t.Fatalf("expected allow with trace, got %+v", res)
	}
	if res.Cached {
		t.Fatalf("explain must bypass the cache")
	}
}

func TestDecisionCacheAndInvalidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")

	first := mustCheck(t, e, vendor, "produit.create", AccessContext{})
	second := mustCheck(t, e, vendor, "produit.create", AccessContext{})
	if first.Cached || !second.Cached {
		t.Fatalf("expected second check from cache: first=%v second=%v", first.Cached, second.Cached)
	}
	if err := e.Roles().RemovePermission(context.Background(), "vendeur", "produit.create"); err != nil {
		t.Fatalf("remove permission: %v", err)
	}
	res := mustCheck(t, e, vendor, "produit.create", AccessContext{})
	if res.Allowed || res.Cached {
		t.Fatalf("role edit must invalidate the cache, got %+v", res)
	}
}

func TestBulkMatchesPointwise(t *testing.T) {
	e, _ := newTestEngine(t, func(c *RBACConfig) { c.CacheBackend = CacheNone })
	seedProducts(t, e)
	mustCreatePermission(t, e, NewPermissionBuilder("ville.read").Build())
	mustAssign(t, e, vendor, "vendeur")

	codes := []string{"produit.update", "ville.read", "inconnu", "produit.create"}
	bulk, err := e.CheckBulkAccess(context.Background(), vendor, codes, AccessContext{})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(bulk) != len(codes) {
		t.Fatalf("expected %d results, got %d", len(codes), len(bulk))
	}
	for i, code := range codes {
		single := mustCheck(t, e, vendor, code, AccessContext{})
		if bulk[i].Permission != code || bulk[i].Allowed != single.Allowed || bulk[i].Reason != single.Reason {
			t.Fatalf("%s: bulk %+v differs from single %+v", code, bulk[i], single)
		}
	}

	byCode, err := e.CheckBulkAccessMap(context.Background(), vendor, codes, AccessContext{})
	if err != nil {
		t.Fatalf("bulk map: %v", err)
	}
	if len(byCode) != len(codes) {
		t.Fatalf("expected %d keyed results, got %d", len(codes), len(byCode))
	}
	if !byCode["produit.update"].Allowed || byCode["inconnu"].Allowed || byCode["inconnu"].Reason != ReasonUnknownPermission {
		t.Fatalf("unexpected keyed results: %+v", byCode)
	}
}

type flakyStore struct {
	nopStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) set(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyStore) Apply(ctx context.Context, b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyStore) Load(ctx context.Context) (*Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("connection refused")
	}
	return &Dataset{}, nil
}

type failingCache struct{ NoopDecisionCache }

func (failingCache) Get(context.Context, string) (*AccessCheckResult, bool, error) {
	return nil, false, errors.New("cache timeout")
}

func TestFailClosed(t *testing.T) {
	store := &flakyStore{}
	e, _ := newTestEngine(t, func(c *RBACConfig) { c.StoreReadRetries = 1 }, WithStore(store), WithDecisionCache(failingCache{}))
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")

	res, err := e.CheckAccess(context.Background(), vendor, "produit.create", AccessContext{})
	if !IsStoreUnavailableError(err) {
		t.Fatalf("expected StoreUnavailableError, got %v", err)
	}
	if res.Allowed || res.Reason != ReasonStoreUnavailable {
		t.Fatalf("backend failure must deny, got %+v", res)
	}

	store.set(true)
	err = e.Permissions().Create(context.Background(), NewPermissionBuilder("ville.read").Build())
	if !IsStoreUnavailableError(err) {
		t.Fatalf("expected write to fail, got %v", err)
	}
	if _, err := e.Permissions().Get(context.Background(), "ville.read"); !IsNotFoundError(err) {
		t.Fatalf("failed write leaked into state: %v", err)
	}
	if err := e.Load(context.Background()); !IsStoreUnavailableError(err) {
		t.Fatalf("expected load to fail, got %v", err)
	}
}

// stallingCache never answers a lookup before the caller gives up.
type stallingCache struct{ NoopDecisionCache }

func (stallingCache) Get(ctx context.Context, _ string) (*AccessCheckResult, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestCheckTimeoutDenies(t *testing.T) {
	e, _ := newTestEngine(t, func(c *RBACConfig) {
		c.CheckTimeout = 30 * time.Millisecond
		c.StoreReadRetries = 0
	}, WithDecisionCache(stallingCache{}))
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")

	start := time.Now()
	res, err := e.CheckAccess(context.Background(), vendor, "produit.create", AccessContext{})
	elapsed := time.Since(start)
	if !IsStoreUnavailableError(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a store unavailable timeout, got %v", err)
	}
	if res == nil || res.Allowed || res.Reason != ReasonStoreUnavailable {
		t.Fatalf("a timed out check must deny, got %+v", res)
	}
	if elapsed > time.Second {
		t.Fatalf("check outlived its timeout: %v", elapsed)
	}
}

func TestClosedEngine(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	res, err := e.CheckAccess(context.Background(), vendor, "produit.create", AccessContext{})
	if !IsStoreUnavailableError(err) || res.Allowed {
		t.Fatalf("closed engine must deny, got %+v %v", res, err)
	}
	if err := e.Permissions().Create(context.Background(), NewPermissionBuilder("x.y").Build()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestConcurrentChecksDuringMutation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				res, err := e.CheckAccess(ctx, vendor, "produit.update", AccessContext{})
				if err != nil && ctx.Err() == nil {
					t.Errorf("check: %v", err)
					return
				}
				if res.Allowed && res.MatchedRole != "vendeur" {
					t.Errorf("allow without role: %+v", res)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if err := e.Roles().RemovePermission(context.Background(), "vendeur", "produit.update"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := e.Roles().AddPermission(context.Background(), "vendeur", "produit.update"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	cancel()
	wg.Wait()
}
