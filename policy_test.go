package rbac

import (
	"context"
	"net"
	"testing"
	"time"
)

func testEvalContext(t *testing.T, at time.Time) *EvalContext {
	t.Helper()
	hours, err := NewBusinessClock(BusinessHours{})
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	return &EvalContext{
		Principal:  vendor,
		Permission: "produit.create",
		Roles:      []string{"vendeur"},
		Now:        at,
		Hours:      hours,
		Access: &AccessContext{
			IP:          net.ParseIP("10.1.2.3"),
			Location:    "abidjan",
			Device:      "mobile",
			MFAVerified: true,
			Resource:    map[string]any{"montant": 1500.0, "owner": "v-42"},
			Extra:       map[string]any{"channel": "api"},
		},
	}
}

func TestConditionGrammar(t *testing.T) {
	ec := testEvalContext(t, monday10)
	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"business_hours", true},
		{"outside_business_hours", false},
		{"weekend", false},
		{"mfa_verified", true},
		{"not weekend", true},
		{"principal.kind == vendeur", true},
		{`principal.kind == "admin"`, false},
		{"principal.roles == vendeur", true},
		{"principal.id != 'v-1'", true},
		{"env.ip in_cidr 10.0.0.0/8", true},
		{"env.ip in_cidr 192.168.0.0/16", false},
		{`env.location in ["abidjan", "dakar"]`, true},
		{"env.location in [bamako]", false},
		{`env.device matches "^mob"`, true},
		{"env.time between 09:00-18:00", true},
		{"env.time between 22:00 and 06:00", false},
		{"env.weekday == monday", true},
		{"env.mfa == true", true},
		{"resource.montant in_range 1000..2000", true},
		{"resource.montant >= 2000", false},
		{"resource.montant < 2000", true},
		{"resource.owner == principal.id", true},
		{"resource.missing == 1", false},
		{`extra.channel != "web"`, true},
		{`permission == "produit.create"`, true},
		{"(weekend or mfa_verified) and business_hours", true},
		{"weekend or not mfa_verified", false},
		{"business_hours and env.location == dakar or env.device == mobile", true},
	}
	for _, tc := range cases {
		t.Run(tc.cond, func(t *testing.T) {
			expr, err := ParseCondition(tc.cond)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := expr.Evaluate(ec)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("%q: got %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestConditionCalendar(t *testing.T) {
	saturday := time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC)
	ec := testEvalContext(t, saturday)
	for cond, want := range map[string]bool{
		"weekend":                true,
		"business_hours":         false,
		"outside_business_hours": true,
	} {
		got, err := MustParseCondition(cond).Evaluate(ec)
		if err != nil || got != want {
			t.Fatalf("%s on saturday: got %v (%v), want %v", cond, got, err, want)
		}
	}
	ec.Now = time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	if ok, _ := MustParseCondition("env.time between 22:00-06:00").Evaluate(ec); !ok {
		t.Fatalf("window should wrap over midnight")
	}
}

func TestConditionParseErrors(t *testing.T) {
	for _, cond := range []string{
		"env.ip in_cidr 10.0.0.0/33",
		`env.device matches "("`,
		"resource.a in_range 5..1",
		"what is this",
	} {
		if _, err := ParseCondition(cond); err == nil {
			t.Fatalf("expected parse error for %q", cond)
		}
	}
}

func TestConditionBuilder(t *testing.T) {
	cond := NewCondition().Predicate(PredicateBusinessHours).
		And(NewCondition().InCIDR("env.ip", "10.0.0.0/8")).
		And(NewCondition().In("env.location", "abidjan", "dakar"))
	expr, err := cond.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ok, err := expr.Evaluate(testEvalContext(t, monday10))
	if err != nil || !ok {
		t.Fatalf("expected builder condition to hold, got %v %v", ok, err)
	}
	neg, err := NewCondition().Eq("principal.kind", "vendeur").Not().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ok, _ := neg.Evaluate(testEvalContext(t, monday10)); ok {
		t.Fatalf("negated condition should not hold")
	}
}

func TestExprBuilder(t *testing.T) {
	ec := testEvalContext(t, monday10)
	if ok, _ := NewExprBuilder().Build().Evaluate(ec); !ok {
		t.Fatalf("an empty builder should hold")
	}
	expr := NewExprBuilder().PrincipalKindIn(KindVendeur, KindAgent).Predicate(PredicateBusinessHours).Build()
	if ok, err := expr.Evaluate(ec); err != nil || !ok {
		t.Fatalf("expected vendor in business hours to hold, got %v %v", ok, err)
	}
	expr = NewExprBuilder().PrincipalKindIn(KindAdmin).Or(&PredicateExpr{Name: PredicateWeekend}).Not().Build()
	if ok, _ := expr.Evaluate(ec); !ok {
		t.Fatalf("neither admin nor weekend, negation should hold")
	}
	if got := expr.String(); got == "" {
		t.Fatalf("built expressions should render")
	}
}

func simulate(t *testing.T, e *Engine, p *SecurityPolicy, ac AccessContext) *PolicyOutcome {
	t.Helper()
	out, err := e.Policies().Simulate(context.Background(), p, vendor, "produit.create", ac)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	return out
}

func TestPolicyModes(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	saturday := AccessContext{Time: time.Date(2026, 3, 7, 11, 0, 0, 0, time.UTC)}

	best := NewPolicyBuilder("best").Mode(ModeBestMatch).
		Rule(EffectAllow, 5, "true").
		Rule(EffectDeny, 2, "weekend").
		Build()
	if out := simulate(t, e, best, AccessContext{}); out.Effect != EffectAllow || out.RuleID != "r1" {
		t.Fatalf("best-match weekday: %+v", out)
	}
	if out := simulate(t, e, best, saturday); out.Effect != EffectDeny || out.RuleID != "r2" {
		t.Fatalf("best-match weekend: %+v", out)
	}

	all := NewPolicyBuilder("all").Mode(ModeAllMatch).
		Rule(EffectAllow, 1, "true").
		Rule(EffectDeny, 9, "mfa_verified").
		Build()
	if out := simulate(t, e, all, AccessContext{MFAVerified: true}); out.Effect != EffectDeny || len(out.Matches) != 2 {
		t.Fatalf("all-match: %+v", out)
	}
	if out := simulate(t, e, all, AccessContext{}); out.Effect != EffectAllow {
		t.Fatalf("all-match without mfa: %+v", out)
	}

	first := NewPolicyBuilder("first").Mode(ModeFirstMatch).
		Rule(EffectDeny, 2, "true").
		Rule(EffectAllow, 1, "business_hours").
		Build()
	if out := simulate(t, e, first, AccessContext{}); out.Effect != EffectAllow || out.RuleID != "r2" {
		t.Fatalf("first-match must follow priority: %+v", out)
	}

	audit := NewPolicyBuilder("audit").Mode(ModeFirstMatch).
		Rule(EffectAudit, 1, "true").
		Rule(EffectDeny, 2, "true").
		Build()
	if out := simulate(t, e, audit, AccessContext{}); out.Effect != EffectDeny || len(out.Matches) != 2 {
		t.Fatalf("audit rules must not decide: %+v", out)
	}

	none := NewPolicyBuilder("none").Rule(EffectDeny, 1, "weekend").Build()
	if out := simulate(t, e, none, AccessContext{}); out.Effect != "" {
		t.Fatalf("no rule should decide: %+v", out)
	}
}

func TestConditionErrorHoldsOnlyForDeny(t *testing.T) {
	p := NewPolicyBuilder("broken").Mode(ModeAllMatch).
		Rule(EffectAllow, 1, "business_hours").
		Rule(EffectDeny, 2, "weekend").
		Build()
	if err := p.compile(ModeFirstMatch); err != nil {
		t.Fatalf("compile: %v", err)
	}
	ec := testEvalContext(t, monday10)
	ec.Hours = nil
	out := p.evaluate(ec)
	if out.Effect != EffectDeny || len(out.Matches) != 1 || out.Matches[0].RuleID != "r2" {
		t.Fatalf("erroring conditions must fail closed: %+v", out)
	}
}

func TestPolicyValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	now := monday10

	cases := map[string]*SecurityPolicy{
		"bad condition": NewPolicyBuilder("p").Rule(EffectDeny, 1, "???").Build(),
		"bad mode":      NewPolicyBuilder("p").Mode("random").Build(),
		"bad action":    NewPolicyBuilder("p").Rule("maybe", 1, "true").Build(),
		"bad window":    NewPolicyBuilder("p").ActiveBetween(now, now.Add(-time.Hour)).Build(),
		"bad kind":      NewPolicyBuilder("p").ForKinds(PrincipalKind(42)).Build(),
		"dup rule id": {ID: "p", Rules: []Rule{
			{ID: "x", Condition: "true", Action: EffectDeny},
			{ID: "x", Condition: "true", Action: EffectAllow},
		}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if err := e.Policies().Create(ctx, p); !IsValidationError(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	if err := e.Policies().Create(ctx, NewPolicyBuilder("scoped").ForPermissions("produit.ghost").Build()); !IsConflictError(err) {
		t.Fatalf("unknown scope: expected ConflictError, got %v", err)
	}
	if err := e.Policies().Create(ctx, NewPolicyBuilder("wild").ForPermissions("ghost.*").Build()); err != nil {
		t.Fatalf("patterns need not match the catalog: %v", err)
	}
	if err := e.Policies().Create(ctx, NewPolicyBuilder("wild").Build()); !IsConflictError(err) {
		t.Fatalf("duplicate: expected ConflictError, got %v", err)
	}
}

func TestPolicyScopeAndWindow(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")

	agentsOnly := NewPolicyBuilder("agents").ForKinds(KindAgent).Rule(EffectDeny, 1, "true").Build()
	updatesOnly := NewPolicyBuilder("updates").ForPermissions("produit.upd*").Rule(EffectDeny, 1, "true").Build()
	later := NewPolicyBuilder("later").ActiveBetween(monday10.Add(time.Hour), monday10.Add(2*time.Hour)).Rule(EffectDeny, 1, "true").Build()
	for _, p := range []*SecurityPolicy{agentsOnly, updatesOnly, later} {
		if err := e.Policies().Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}

	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); !res.Allowed {
		t.Fatalf("no policy applies yet, got %+v", res)
	}
	if res := mustCheck(t, e, vendor, "produit.update", AccessContext{}); res.Reason != PolicyReason("updates") {
		t.Fatalf("expected policy:updates, got %+v", res)
	}
	clock.Advance(90 * time.Minute)
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); res.Reason != PolicyReason("later") {
		t.Fatalf("expected policy:later inside its window, got %+v", res)
	}
	clock.Advance(time.Hour)
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); !res.Allowed {
		t.Fatalf("window closed, got %+v", res)
	}

	eval, err := e.Policies().Evaluate(ctx, vendor, "produit.update", AccessContext{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Effect != EffectDeny || eval.PolicyID != "updates" || len(eval.Outcomes) != 1 {
		t.Fatalf("unexpected evaluation: %+v", eval)
	}
}

func TestPolicyPrecedence(t *testing.T) {
	grantAll := NewPolicyBuilder("open").Rule(EffectAllow, 1, "mfa_verified").Build()

	e, _ := newTestEngine(t, nil)
	seedProducts(t, e)
	if err := e.Policies().Create(context.Background(), grantAll); err != nil {
		t.Fatalf("create: %v", err)
	}
	stranger := Principal{Kind: KindUtilisateur, ID: "u-1"}
	if res := mustCheck(t, e, stranger, "produit.create", AccessContext{MFAVerified: true}); res.Allowed || res.Reason != ReasonNoRole {
		t.Fatalf("deny_overrides: a policy allow must not grant, got %+v", res)
	}

	pf, _ := newTestEngine(t, func(c *RBACConfig) { c.PolicyPrecedence = PrecedencePolicyFirst })
	seedProducts(t, pf)
	if err := pf.Policies().Create(context.Background(), grantAll); err != nil {
		t.Fatalf("create: %v", err)
	}
	res := mustCheck(t, pf, stranger, "produit.create", AccessContext{MFAVerified: true})
	if !res.Allowed || res.Reason != PolicyReason("open") || res.MatchedPolicy != "open" {
		t.Fatalf("policy_first: expected policy allow, got %+v", res)
	}
	if res := mustCheck(t, pf, stranger, "produit.ghost", AccessContext{MFAVerified: true}); res.Reason != ReasonUnknownPermission {
		t.Fatalf("policy_first never grants unknown permissions, got %+v", res)
	}
}

func TestPolicyLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")
	p := NewPolicyBuilder("gel").Rule(EffectDeny, 1, "true").Build()
	if err := e.Policies().Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); res.Allowed {
		t.Fatalf("expected deny, got %+v", res)
	}

	if err := e.Policies().SetActive(ctx, "gel", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{}); !res.Allowed {
		t.Fatalf("inactive policies do not apply, got %+v", res)
	}
	active, total := e.Policies().List(ctx, true, Page{})
	if len(active) != 0 || total != 0 {
		t.Fatalf("expected no active policies, got %d", total)
	}

	upd := NewPolicyBuilder("gel").Rule(EffectDeny, 1, "weekend").Build()
	if err := e.Policies().Update(ctx, upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := e.Policies().Get(ctx, "gel")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Active || got.Rules[0].Condition != "weekend" {
		t.Fatalf("unexpected policy after update: %+v", got)
	}

	if err := e.Policies().Delete(ctx, "gel"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.Policies().Get(ctx, "gel"); !IsNotFoundError(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if err := e.Policies().Update(ctx, upd); !IsNotFoundError(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestAuditRuleIsRecorded(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	seedProducts(t, e)
	mustAssign(t, e, vendor, "vendeur")
	p := NewPolicyBuilder("watch").Mode(ModeAllMatch).Rule(EffectAudit, 1, "env.device == mobile").Build()
	if err := e.Policies().Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res := mustCheck(t, e, vendor, "produit.create", AccessContext{Device: "mobile"}); !res.Allowed {
		t.Fatalf("audit rules never deny, got %+v", res)
	}
	entries, err := e.AuditRecorder().Query(ctx, AuditFilter{Action: "access.check"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata["audited_rules"] != "watch/r1" {
		t.Fatalf("expected audited rule metadata, got %+v", entries)
	}
}
