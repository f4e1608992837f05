package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// ACCESS EVALUATOR
// ============================================================================

// Policy precedence values.
const (
	// PrecedenceDenyOverrides lets a policy deny beat an RBAC allow; a policy
	// allow never grants what RBAC refused.
	PrecedenceDenyOverrides = "deny_overrides"
	// PrecedencePolicyFirst also lets a policy allow override an RBAC deny,
	// except for unknown or inactive permissions.
	PrecedencePolicyFirst = "policy_first"
)

// grant is one way the principal holds a permission.
type grant struct {
	assignment *RoleAssignment
	role       *Role
}

// resolved is steps 1 and 2 of a check: what the principal holds at a given time.
type resolved struct {
	principal Principal
	at        time.Time
	roles     []string
	grants    map[string][]grant
	suspended map[string]bool
	aggregate map[string]struct{}
}

// resolve collects the active assignments and their effective permissions.
// Assignments are visited in role code order, so the first grant is deterministic.
func (e *Engine) resolve(s *state, principal Principal, at time.Time) *resolved {
	r := &resolved{
		principal: principal,
		at:        at,
		grants:    make(map[string][]grant),
		suspended: make(map[string]bool),
		aggregate: make(map[string]struct{}),
	}
	for _, a := range s.ledger.forPrincipal(principal) {
		idx, ok := s.roles.lookup(a.RoleCode)
		if !ok || !a.ValidAt(at) {
			continue
		}
		switch a.Status {
		case StatusActif:
			role := s.roles.nodes[idx].role
			r.roles = append(r.roles, role.Code)
			for code := range e.rolePermissions(s, idx) {
				r.grants[code] = append(r.grants[code], grant{assignment: a, role: role})
				r.aggregate[code] = struct{}{}
			}
		case StatusSuspendu:
			for code := range e.rolePermissions(s, idx) {
				r.suspended[code] = true
			}
		}
	}
	return r
}

// decision is the evaluator output before caching and auditing.
type decision struct {
	result        *AccessCheckResult
	quotaConsumed bool
	audited       []RuleMatch
}

type tracer struct {
	on    bool
	lines []string
}

func (t *tracer) add(format string, args ...any) {
	if t.on {
		t.lines = append(t.lines, fmt.Sprintf(format, args...))
	}
}

// evaluate runs steps 3 to 5 for one code and consumes quota on allow
// unless dryRun is set.
func (e *Engine) evaluate(ctx context.Context, s *state, r *resolved, code string, ac *AccessContext, trace, dryRun bool) (*decision, error) {
	tr := &tracer{on: trace}
	d := &decision{result: &AccessCheckResult{Permission: code}}
	res := d.result
	finish := func(allowed bool, reason string) (*decision, error) {
		res.Allowed, res.Reason = allowed, reason
		tr.add("decision: allowed=%t reason=%s", allowed, reason)
		res.Trace = tr.lines
		return d, nil
	}

	perm, ok := s.permissions[code]
	if !ok {
		tr.add("permission %s is not in the catalog", code)
		return finish(false, ReasonUnknownPermission)
	}
	if !perm.Active {
		tr.add("permission %s is inactive", code)
		return finish(false, ReasonPermissionInactive)
	}

	rbacAllowed, rbacReason, periods, err := e.rbacVerdict(ctx, s, r, perm, ac, res, tr)
	if err != nil {
		return nil, err
	}

	pol := e.evaluatePolicies(s, e.evalContext(r.principal, code, ac, r.at, r.roles))
	d.audited = pol.Audited()
	for _, o := range pol.Outcomes {
		tr.add("policy %s: effect=%q rule=%q matches=%d", o.PolicyID, o.Effect, o.RuleID, len(o.Matches))
	}

	allowed, reason := rbacAllowed, rbacReason
	switch {
	case pol.Effect == EffectDeny && (rbacAllowed || e.cfg.PolicyPrecedence == PrecedencePolicyFirst):
		allowed, reason = false, PolicyReason(pol.PolicyID)
		res.MatchedPolicy, res.MatchedRule = pol.PolicyID, pol.RuleID
	case pol.Effect == EffectAllow && !rbacAllowed && e.cfg.PolicyPrecedence == PrecedencePolicyFirst:
		allowed, reason = true, PolicyReason(pol.PolicyID)
		res.MatchedPolicy, res.MatchedRule = pol.PolicyID, pol.RuleID
		periods = quotaPeriods(perm.Restrictions, r.principal, code, r.at)
	case pol.Effect == EffectAllow && rbacAllowed:
		res.MatchedPolicy, res.MatchedRule = pol.PolicyID, pol.RuleID
	}
	if !allowed {
		res.MatchedRole = ""
		return finish(false, reason)
	}

	if dryRun {
		return finish(true, reason)
	}
	for _, p := range periods {
		n, err := e.quota.Increment(ctx, p.key, p.until)
		if err != nil {
			return nil, unavailable("quota.increment", err)
		}
		d.quotaConsumed = true
		if n > int64(p.limit) {
			tr.add("quota %s exhausted on consume (%d > %d)", p.key, n, p.limit)
			res.MatchedRole = ""
			return finish(false, ReasonRestrictionViolated)
		}
	}
	return finish(true, reason)
}

// rbacVerdict is step 3 and 4. On allow it returns the quota periods to consume.
func (e *Engine) rbacVerdict(ctx context.Context, s *state, r *resolved, perm *Permission, ac *AccessContext, res *AccessCheckResult, tr *tracer) (bool, string, []quotaPeriod, error) {
	code := perm.Code
	grants := r.grants[code]
	if len(grants) == 0 {
		switch {
		case r.suspended[code]:
			tr.add("only a suspended assignment grants %s", code)
			return false, ReasonRoleSuspended, nil, nil
		case len(r.roles) == 0:
			tr.add("no active assignment")
			return false, ReasonNoRole, nil, nil
		}
		tr.add("roles %s do not grant %s", strings.Join(r.roles, ","), code)
		return false, ReasonPermissionDenied, nil, nil
	}
	for dep := range dependencyClosure(s.permissions, perm) {
		if _, ok := r.aggregate[dep]; !ok {
			tr.add("dependency %s not held", dep)
			return false, ReasonDependencyUnmet, nil, nil
		}
		if p, ok := s.permissions[dep]; !ok || !p.Active {
			tr.add("dependency %s inactive", dep)
			return false, ReasonDependencyUnmet, nil, nil
		}
	}

	var chosen *grant
	failure := ""
	for i := range grants {
		g := &grants[i]
		reason := e.grantUsable(g, ac, r.at)
		if reason == "" {
			chosen = g
			break
		}
		tr.add("role %s unusable: %s", g.role.Code, reason)
		if failure == "" {
			failure = reason
		}
	}
	if chosen == nil {
		return false, failure, nil, nil
	}
	res.MatchedRole = chosen.assignment.RoleCode
	tr.add("granted through role %s (assignment %s)", chosen.role.Code, chosen.assignment.ID)

	if !perm.Restrictions.withinWindows(r.at) {
		tr.add("permission %s outside its time windows", code)
		return false, ReasonRestrictionViolated, nil, nil
	}
	periods := quotaPeriods(perm.Restrictions, r.principal, code, r.at)
	for _, p := range periods {
		n, err := readWithRetry(ctx, e, "quota.count", func(c context.Context) (int64, error) {
			return e.quota.Count(c, p.key)
		})
		if err != nil {
			return false, "", nil, err
		}
		if n >= int64(p.limit) {
			tr.add("quota %s exhausted (%d/%d)", p.key, n, p.limit)
			return false, ReasonRestrictionViolated, nil, nil
		}
	}
	return true, ReasonGranted, periods, nil
}

// grantUsable applies the assignment and role constraints; "" means usable.
func (e *Engine) grantUsable(g *grant, ac *AccessContext, at time.Time) string {
	if g.role.MFARequired && !ac.MFAVerified {
		return ReasonMFARequired
	}
	if g.role.SessionTimeout > 0 && !ac.SessionStarted.IsZero() && at.Sub(ac.SessionStarted) > g.role.SessionTimeout {
		return ReasonSessionExpired
	}
	if !g.assignment.Restrictions.withinWindows(at) {
		return ReasonRestrictionViolated
	}
	return ""
}

// CheckAccess decides whether principal may use permission code. A failure of
// the store, cache or quota backend yields a deny together with a
// *StoreUnavailableError; every other outcome returns a nil error.
func (e *Engine) CheckAccess(ctx context.Context, principal Principal, code string, ac AccessContext) (*AccessCheckResult, error) {
	return e.check(ctx, principal, code, ac, false)
}

// Explain is CheckAccess with a step-by-step trace. It bypasses the cache.
func (e *Engine) Explain(ctx context.Context, principal Principal, code string, ac AccessContext) (*AccessCheckResult, error) {
	return e.check(ctx, principal, code, ac, true)
}

func (e *Engine) check(ctx context.Context, principal Principal, code string, ac AccessContext, trace bool) (*AccessCheckResult, error) {
	start := time.Now()
	traceID := e.traceID()
	at := e.resolveTime(ac)
	ac.Time = at

	if e.closed.Load() {
		return e.conclude(principal, deny(code, ReasonStoreUnavailable), nil, start, at, traceID), unavailable("check", ErrEngineClosed)
	}
	if err := principal.validate(); err != nil {
		return e.conclude(principal, deny(code, ReasonInvalidRequest), nil, start, at, traceID), err
	}
	if strings.TrimSpace(code) == "" {
		return e.conclude(principal, deny(code, ReasonInvalidRequest), nil, start, at, traceID),
			&ValidationError{Field: "permission", Message: "permission code is required"}
	}

	cctx, cancel := e.checkContext(ctx)
	defer cancel()
	s := e.snapshot()
	r := e.resolve(s, principal, at)
	res, d, err := e.decide(cctx, s, r, code, &ac, trace)
	var audited []RuleMatch
	if d != nil {
		audited = d.audited
	}
	return e.conclude(principal, res, audited, start, at, traceID), err
}

// Simulate evaluates a check with a trace but without consuming quota,
// caching or recording it.
func (e *Engine) Simulate(ctx context.Context, principal Principal, code string, ac AccessContext) (*AccessCheckResult, error) {
	if err := principal.validate(); err != nil {
		return nil, err
	}
	at := e.resolveTime(ac)
	ac.Time = at
	cctx, cancel := e.checkContext(ctx)
	defer cancel()
	s := e.snapshot()
	d, err := e.evaluate(cctx, s, e.resolve(s, principal, at), code, &ac, true, true)
	if err != nil {
		return e.failClosed(code, err), err
	}
	d.result.EvaluatedAt = at
	return d.result, nil
}

// CheckBulkAccess resolves assignments and roles once, then decides each code.
// Results are in input order. The error joins every backend failure.
func (e *Engine) CheckBulkAccess(ctx context.Context, principal Principal, codes []string, ac AccessContext) ([]*AccessCheckResult, error) {
	start := time.Now()
	traceID := e.traceID()
	at := e.resolveTime(ac)
	ac.Time = at
	out := make([]*AccessCheckResult, len(codes))

	var early error
	reason := ""
	switch {
	case e.closed.Load():
		early, reason = unavailable("check", ErrEngineClosed), ReasonStoreUnavailable
	default:
		if err := principal.validate(); err != nil {
			early, reason = err, ReasonInvalidRequest
		}
	}
	if early != nil {
		for i, code := range codes {
			out[i] = e.conclude(principal, deny(code, reason), nil, start, at, traceID)
		}
		return out, early
	}

	cctx, cancel := e.checkContext(ctx)
	defer cancel()
	s := e.snapshot()
	r := e.resolve(s, principal, at)
	var errs []error
	for i, code := range codes {
		itemStart := time.Now()
		if strings.TrimSpace(code) == "" {
			out[i] = e.conclude(principal, deny(code, ReasonInvalidRequest), nil, itemStart, at, traceID)
			errs = append(errs, &ValidationError{Field: "permission", Message: fmt.Sprintf("code %d is empty", i)})
			continue
		}
		res, d, err := e.decide(cctx, s, r, code, &ac, false)
		var audited []RuleMatch
		if d != nil {
			audited = d.audited
		}
		out[i] = e.conclude(principal, res, audited, itemStart, at, traceID)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// CheckBulkAccessMap is CheckBulkAccess keyed by permission code. A code listed
// twice keeps its last result.
func (e *Engine) CheckBulkAccessMap(ctx context.Context, principal Principal, codes []string, ac AccessContext) (map[string]*AccessCheckResult, error) {
	results, err := e.CheckBulkAccess(ctx, principal, codes, ac)
	out := make(map[string]*AccessCheckResult, len(results))
	for i, res := range results {
		out[codes[i]] = res
	}
	return out, err
}

func (e *Engine) checkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CheckTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.CheckTimeout)
}

// decide serves one code from the cache or by evaluation. Identical concurrent
// checks share one evaluation unless it consumed quota.
func (e *Engine) decide(ctx context.Context, s *state, r *resolved, code string, ac *AccessContext, trace bool) (*AccessCheckResult, *decision, error) {
	if trace {
		d, err := e.evaluate(ctx, s, r, code, ac, true, false)
		if err != nil {
			return e.failClosed(code, err), nil, err
		}
		return d.result, d, nil
	}

	key := decisionKey(r.principal, code, *ac, r.at)
	hit, err := readWithRetry(ctx, e, "cache.get", func(c context.Context) (cacheLookup, error) {
		res, ok, err := e.cache.Get(c, key)
		return cacheLookup{res, ok}, err
	})
	if err != nil {
		return e.failClosed(code, err), nil, err
	}
	if hit.ok {
		out := *hit.res
		out.Cached = true
		out.Trace = nil
		return &out, nil, nil
	}

	leader := false
	ch := e.flight.DoChan(key, func() (any, error) {
		leader = true
		d, err := e.evaluate(ctx, s, r, code, ac, false, false)
		if err != nil {
			return nil, err
		}
		if !d.quotaConsumed && e.snapshot().version == s.version {
			ttl := e.cfg.DecisionCacheTTL
			if ttl > 0 {
				cctx, cancel := e.withTimeout(ctx)
				if err := e.cache.Set(cctx, key, d.result, ttl); err != nil {
					e.logger.Warn("decision cache write failed", "key", key, "error", err)
				}
				cancel()
			}
		}
		return d, nil
	})
	select {
	case <-ctx.Done():
		err := unavailable("check", ctx.Err())
		return e.failClosed(code, err), nil, err
	case fr := <-ch:
		if fr.Err != nil {
			return e.failClosed(code, fr.Err), nil, fr.Err
		}
		d := fr.Val.(*decision)
		if fr.Shared && !leader && d.quotaConsumed {
			// Each caller must count against the quota on its own.
			own, err := e.evaluate(ctx, s, r, code, ac, false, false)
			if err != nil {
				return e.failClosed(code, err), nil, err
			}
			return own.result, own, nil
		}
		out := *d.result
		return &out, d, nil
	}
}

type cacheLookup struct {
	res *AccessCheckResult
	ok  bool
}

func (e *Engine) failClosed(code string, err error) *AccessCheckResult {
	e.logger.Error("access check failed closed", "permission", code, "error", err)
	return deny(code, ReasonStoreUnavailable)
}

// conclude stamps timing, records the decision and logs it.
func (e *Engine) conclude(principal Principal, res *AccessCheckResult, audited []RuleMatch, start, at time.Time, traceID string) *AccessCheckResult {
	res.Latency = time.Since(start)
	res.EvaluatedAt = at
	res.TraceID = traceID
	entry := decisionEntry(principal, res)
	if len(audited) > 0 {
		rules := make([]string, 0, len(audited))
		for _, m := range audited {
			rules = append(rules, m.PolicyID+"/"+m.RuleID)
		}
		entry.Metadata["audited_rules"] = strings.Join(rules, ",")
	}
	e.audit.Record(entry)
	e.logger.Debug("access decision", "principal", principal.Key(), "permission", res.Permission,
		"allowed", res.Allowed, "reason", res.Reason, "cached", res.Cached, "latency", res.Latency)
	return res
}
