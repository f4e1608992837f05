package stores

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbac"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDecisionCacheVersionedPurge(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	cache := NewRedisDecisionCache(client)

	res := &rbac.AccessCheckResult{Permission: "catalog.view", Allowed: true, Reason: rbac.ReasonGranted, MatchedRole: "vendeur"}
	if err := cache.Set(ctx, "vendeur:v-1|catalog.view", res, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := cache.Get(ctx, "vendeur:v-1|catalog.view")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.MatchedRole != "vendeur" || !got.Allowed {
		t.Fatalf("unexpected cached value: %+v", got)
	}

	if err := cache.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, ok, err := cache.Get(ctx, "vendeur:v-1|catalog.view"); err != nil || ok {
		t.Fatalf("expected miss after purge, ok=%v err=%v", ok, err)
	}
}

func TestRedisDecisionCacheTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	cache := NewRedisDecisionCache(client)
	if err := cache.Set(ctx, "k", &rbac.AccessCheckResult{Permission: "p"}, 30*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(31 * time.Second)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisQuotaCounter(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	q := NewRedisQuotaCounter(client)

	n, err := q.Count(ctx, "quota:vendeur:v-1:report.export:d:2026-03-02")
	if err != nil || n != 0 {
		t.Fatalf("count on empty key: n=%d err=%v", n, err)
	}
	expires := time.Now().Add(time.Hour)
	for i := 1; i <= 3; i++ {
		n, err := q.Increment(ctx, "quota:vendeur:v-1:report.export:d:2026-03-02", expires)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("increment %d returned %d", i, n)
		}
	}
	if ttl := mr.TTL("rbac:quota:vendeur:v-1:report.export:d:2026-03-02"); ttl <= 0 {
		t.Fatalf("expected a ttl, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if n, _ := q.Count(ctx, "quota:vendeur:v-1:report.export:d:2026-03-02"); n != 0 {
		t.Fatalf("expected counter to expire, got %d", n)
	}
}

func TestEngineWithRedisQuota(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	e, err := rbac.New(rbac.DefaultConfig(),
		rbac.WithQuotaCounter(NewRedisQuotaCounter(client)),
		rbac.WithDecisionCache(NewRedisDecisionCache(client)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close(ctx)

	if err := e.Permissions().Create(ctx, rbac.NewPermissionBuilder("report.export").DailyQuota(2).Build()); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := e.Roles().Create(ctx, rbac.NewRoleBuilder("analyste").Permissions("report.export").Build()); err != nil {
		t.Fatalf("create role: %v", err)
	}
	who := rbac.Principal{Kind: rbac.KindUtilisateur, ID: "u-7"}
	if _, err := e.Assignments().Assign(ctx, rbac.AssignRequest{Principal: who, RoleCode: "analyste", Permanent: true}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := e.CheckAccess(ctx, who, "report.export", rbac.AccessContext{})
		if err != nil || !res.Allowed {
			t.Fatalf("check %d: res=%+v err=%v", i, res, err)
		}
	}
	res, err := e.CheckAccess(ctx, who, "report.export", rbac.AccessContext{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed || res.Reason != rbac.ReasonRestrictionViolated {
		t.Fatalf("expected quota deny, got %+v", res)
	}
}
