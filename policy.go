package rbac

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/rbac/utils"
)

// ============================================================================
// SECURITY POLICIES (ABAC layer)
// ============================================================================

// EvaluationMode selects how the rules of one policy combine.
type EvaluationMode string

const (
	ModeFirstMatch EvaluationMode = "first-match"
	ModeBestMatch  EvaluationMode = "best-match"
	ModeAllMatch   EvaluationMode = "all-match"
)

func (m EvaluationMode) valid() bool {
	return m == ModeFirstMatch || m == ModeBestMatch || m == ModeAllMatch
}

// Rule is one condition/effect pair of a policy.
type Rule struct {
	ID          string `json:"id" yaml:"id" cbor:"id"`
	Condition   string `json:"condition" yaml:"condition" cbor:"condition"`
	Action      Effect `json:"action" yaml:"action" cbor:"action"`
	Priority    int    `json:"priority" yaml:"priority" cbor:"priority"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" cbor:"description,omitempty"`

	compiled Expr
}

// PolicyScope limits which checks a policy applies to. Empty lists match all.
type PolicyScope struct {
	Permissions    []string        `json:"permissions,omitempty" yaml:"permissions,omitempty" cbor:"permissions,omitempty"`
	PrincipalKinds []PrincipalKind `json:"principal_kinds,omitempty" yaml:"principal_kinds,omitempty" cbor:"principal_kinds,omitempty"`
}

// SecurityPolicy is an ordered rule set evaluated on top of RBAC.
type SecurityPolicy struct {
	ID          string         `json:"id" yaml:"id" cbor:"id" validate:"required,max=120,printascii"`
	Name        string         `json:"name" yaml:"name" cbor:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" cbor:"description,omitempty"`
	Rules       []Rule         `json:"rules" yaml:"rules" cbor:"rules" validate:"required,min=1"`
	Mode        EvaluationMode `json:"evaluation_mode" yaml:"evaluation_mode" cbor:"evaluation_mode"`
	Scope       PolicyScope    `json:"scope,omitempty" yaml:"scope,omitempty" cbor:"scope,omitempty"`
	ActiveFrom  *time.Time     `json:"active_from,omitempty" yaml:"active_from,omitempty" cbor:"active_from,omitempty"`
	ActiveUntil *time.Time     `json:"active_until,omitempty" yaml:"active_until,omitempty" cbor:"active_until,omitempty"`
	Active      bool           `json:"active" yaml:"active" cbor:"active"`
	Version     int            `json:"version" yaml:"version" cbor:"version"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at,omitempty" cbor:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at,omitempty" cbor:"updated_at"`
}

func (p *SecurityPolicy) clone() *SecurityPolicy {
	dup := *p
	dup.Rules = slices.Clone(p.Rules)
	dup.Scope.Permissions = slices.Clone(p.Scope.Permissions)
	dup.Scope.PrincipalKinds = slices.Clone(p.Scope.PrincipalKinds)
	if p.ActiveFrom != nil {
		t := *p.ActiveFrom
		dup.ActiveFrom = &t
	}
	if p.ActiveUntil != nil {
		t := *p.ActiveUntil
		dup.ActiveUntil = &t
	}
	return &dup
}

// compile fills defaults, parses every condition and orders rules by
// (priority, id). It is idempotent.
func (p *SecurityPolicy) compile(defaultMode EvaluationMode) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Mode == "" {
		p.Mode = defaultMode
	}
	if !p.Mode.valid() {
		return &ValidationError{Field: "evaluation_mode", Message: fmt.Sprintf("unknown mode %q", p.Mode)}
	}
	if p.ActiveFrom != nil && p.ActiveUntil != nil && !p.ActiveUntil.After(*p.ActiveFrom) {
		return &ValidationError{Field: "active_until", Message: "active_until must be after active_from"}
	}
	for _, k := range p.Scope.PrincipalKinds {
		if !k.Valid() {
			return &ValidationError{Field: "scope.principal_kinds", Message: fmt.Sprintf("invalid kind %d", k)}
		}
	}
	p.Scope.Permissions = normalizeCodes(p.Scope.Permissions)
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			r.ID = "r" + strconv.Itoa(i+1)
		}
		if seen[r.ID] {
			return &ValidationError{Field: "rules.id", Message: "duplicate rule id " + r.ID}
		}
		seen[r.ID] = true
		if !r.Action.valid() {
			return &ValidationError{Field: "rules.action", Message: fmt.Sprintf("rule %s: unknown action %q", r.ID, r.Action)}
		}
		expr, err := ParseCondition(r.Condition)
		if err != nil {
			return &ValidationError{Field: "rules.condition", Message: fmt.Sprintf("rule %s: %v", r.ID, err)}
		}
		r.compiled = expr
	}
	sort.SliceStable(p.Rules, func(i, j int) bool {
		if p.Rules[i].Priority != p.Rules[j].Priority {
			return p.Rules[i].Priority < p.Rules[j].Priority
		}
		return p.Rules[i].ID < p.Rules[j].ID
	})
	return nil
}

// appliesTo reports whether the policy is live at t and scoped to the check.
func (p *SecurityPolicy) appliesTo(principal Principal, code string, t time.Time) bool {
	if !p.Active {
		return false
	}
	if p.ActiveFrom != nil && t.Before(*p.ActiveFrom) {
		return false
	}
	if p.ActiveUntil != nil && !t.Before(*p.ActiveUntil) {
		return false
	}
	if len(p.Scope.PrincipalKinds) > 0 && !slices.Contains(p.Scope.PrincipalKinds, principal.Kind) {
		return false
	}
	return len(p.Scope.Permissions) == 0 || utils.MatchAny(code, p.Scope.Permissions)
}

// RuleMatch is a rule whose condition held.
type RuleMatch struct {
	PolicyID string `json:"policy_id"`
	RuleID   string `json:"rule_id"`
	Action   Effect `json:"action"`
	Priority int    `json:"priority"`
}

// PolicyOutcome is the verdict of one policy. Effect is empty when no rule decided.
type PolicyOutcome struct {
	PolicyID string      `json:"policy_id"`
	Effect   Effect      `json:"effect,omitempty"`
	RuleID   string      `json:"rule_id,omitempty"`
	Matches  []RuleMatch `json:"matches,omitempty"`
}

// evaluate runs the rules in order. A condition that errors counts as holding
// for deny rules and not holding otherwise.
func (p *SecurityPolicy) evaluate(ec *EvalContext) PolicyOutcome {
	out := PolicyOutcome{PolicyID: p.ID}
	var firstAllow, firstDeny *Rule
	for i := range p.Rules {
		r := &p.Rules[i]
		expr := r.compiled
		if expr == nil {
			expr = &TrueExpr{}
		}
		holds, err := expr.Evaluate(ec)
		if err != nil {
			holds = r.Action == EffectDeny
		}
		if !holds {
			continue
		}
		out.Matches = append(out.Matches, RuleMatch{PolicyID: p.ID, RuleID: r.ID, Action: r.Action, Priority: r.Priority})
		if r.Action == EffectAudit {
			continue
		}
		if p.Mode == ModeFirstMatch {
			out.Effect, out.RuleID = r.Action, r.ID
			return out
		}
		switch r.Action {
		case EffectAllow:
			if firstAllow == nil {
				firstAllow = r
			}
		case EffectDeny:
			if firstDeny == nil {
				firstDeny = r
			}
		}
	}
	var winner *Rule
	switch p.Mode {
	case ModeBestMatch:
		winner = firstAllow
		if firstDeny != nil && (winner == nil || ruleBefore(firstDeny, winner)) {
			winner = firstDeny
		}
	case ModeAllMatch:
		winner = firstDeny
		if winner == nil {
			winner = firstAllow
		}
	}
	if winner != nil {
		out.Effect, out.RuleID = winner.Action, winner.ID
	}
	return out
}

func ruleBefore(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// PolicyEvaluation combines every applicable policy: deny overrides allow.
type PolicyEvaluation struct {
	Effect   Effect          `json:"effect,omitempty"`
	PolicyID string          `json:"policy_id,omitempty"`
	RuleID   string          `json:"rule_id,omitempty"`
	Outcomes []PolicyOutcome `json:"outcomes,omitempty"`
}

// Audited lists the audit rule matches.
func (pe *PolicyEvaluation) Audited() []RuleMatch {
	var out []RuleMatch
	for _, o := range pe.Outcomes {
		for _, m := range o.Matches {
			if m.Action == EffectAudit {
				out = append(out, m)
			}
		}
	}
	return out
}

func combineOutcomes(outcomes []PolicyOutcome) *PolicyEvaluation {
	res := &PolicyEvaluation{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Effect == EffectDeny {
			res.Effect, res.PolicyID, res.RuleID = EffectDeny, o.PolicyID, o.RuleID
			return res
		}
	}
	for _, o := range outcomes {
		if o.Effect == EffectAllow {
			res.Effect, res.PolicyID, res.RuleID = EffectAllow, o.PolicyID, o.RuleID
			return res
		}
	}
	return res
}

// ============================================================================
// POLICY ENGINE
// ============================================================================

// PolicyEngine owns security policies and evaluates them.
type PolicyEngine struct {
	e *Engine
}

// Policies returns the policy engine view of the engine.
func (e *Engine) Policies() *PolicyEngine { return &PolicyEngine{e: e} }

func (pe *PolicyEngine) prepare(p *SecurityPolicy) (*SecurityPolicy, error) {
	if p == nil {
		return nil, &ValidationError{Field: "policy", Message: "policy is required"}
	}
	in := p.clone()
	if err := in.compile(pe.e.cfg.DefaultEvaluationMode); err != nil {
		return nil, err
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	return in, nil
}

// checkScope rejects exact scope codes that are not in the catalog.
func checkScope(s *state, p *SecurityPolicy) error {
	for _, code := range p.Scope.Permissions {
		if utils.IsPattern(code) {
			continue
		}
		if _, ok := s.permissions[code]; !ok {
			return &ConflictError{Entity: "policy", ID: p.ID, Reason: fmt.Sprintf("scope references unknown permission %s", code)}
		}
	}
	return nil
}

func insertPolicyOrder(order []string, id string) []string {
	i, found := slices.BinarySearch(order, id)
	if found {
		return order
	}
	return slices.Insert(order, i, id)
}

// Create registers an active policy at version 1.
func (pe *PolicyEngine) Create(ctx context.Context, p *SecurityPolicy) error {
	in, err := pe.prepare(p)
	if err != nil {
		return err
	}
	now := pe.e.now()
	in.Active = true
	in.Version = 1
	in.CreatedAt, in.UpdatedAt = now, now

	unlock := pe.e.lockStructure()
	defer unlock()
	return pe.e.mutate(ctx, mutation{
		op: "policy.create",
		apply: func(next *state) (*Batch, error) {
			if _, exists := next.policies[in.ID]; exists {
				return nil, &ConflictError{Entity: "policy", ID: in.ID, Reason: "duplicate id"}
			}
			if err := checkScope(next, in); err != nil {
				return nil, err
			}
			next.policies[in.ID] = in
			next.policyOrder = insertPolicyOrder(next.policyOrder, in.ID)
			b := &Batch{}
			b.put(EntityPolicy, in.ID, in, nil)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			return []AuditEntry{mutationEntry("policy.create", "policy", in.ID, nil, in)}
		},
	})
}

// Update replaces rules, mode, scope and window, bumping the version.
func (pe *PolicyEngine) Update(ctx context.Context, p *SecurityPolicy) error {
	in, err := pe.prepare(p)
	if err != nil {
		return err
	}
	now := pe.e.now()
	unlock := pe.e.lockStructure()
	defer unlock()
	return pe.e.editPolicy(ctx, "policy.update", in.ID, func(next *state, old *SecurityPolicy) (*SecurityPolicy, error) {
		if err := checkScope(next, in); err != nil {
			return nil, err
		}
		updated := in.clone()
		updated.Active = old.Active
		updated.Version = old.Version + 1
		updated.CreatedAt, updated.UpdatedAt = old.CreatedAt, now
		return updated, nil
	})
}

// SetActive toggles a policy without touching its rules.
func (pe *PolicyEngine) SetActive(ctx context.Context, id string, active bool) error {
	now := pe.e.now()
	unlock := pe.e.lockStructure()
	defer unlock()
	return pe.e.editPolicy(ctx, "policy.toggle", id, func(_ *state, old *SecurityPolicy) (*SecurityPolicy, error) {
		updated := old.clone()
		updated.Active = active
		updated.UpdatedAt = now
		return updated, nil
	})
}

func (e *Engine) editPolicy(ctx context.Context, op, id string, fn func(next *state, old *SecurityPolicy) (*SecurityPolicy, error)) error {
	var before *SecurityPolicy
	return e.mutate(ctx, mutation{
		op: op,
		apply: func(next *state) (*Batch, error) {
			old, ok := next.policies[id]
			if !ok {
				return nil, &NotFoundError{Entity: "policy", ID: id}
			}
			updated, err := fn(next, old)
			if err != nil {
				return nil, err
			}
			before = old
			next.policies[id] = updated
			b := &Batch{}
			b.put(EntityPolicy, id, updated, old)
			return b, nil
		},
		audit: func(b *Batch) []AuditEntry {
			return []AuditEntry{mutationEntry(op, "policy", id, before, b.Ops[0].Value)}
		},
	})
}

// Delete removes a policy.
func (pe *PolicyEngine) Delete(ctx context.Context, id string) error {
	unlock := pe.e.lockStructure()
	defer unlock()
	var before *SecurityPolicy
	return pe.e.mutate(ctx, mutation{
		op: "policy.delete",
		apply: func(next *state) (*Batch, error) {
			old, ok := next.policies[id]
			if !ok {
				return nil, &NotFoundError{Entity: "policy", ID: id}
			}
			delete(next.policies, id)
			next.policyOrder = slices.DeleteFunc(next.policyOrder, func(s string) bool { return s == id })
			before = old
			b := &Batch{}
			b.del(EntityPolicy, id, old)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			return []AuditEntry{mutationEntry("policy.delete", "policy", id, before, nil)}
		},
	})
}

// Get returns a copy of one policy.
func (pe *PolicyEngine) Get(_ context.Context, id string) (*SecurityPolicy, error) {
	p, ok := pe.e.snapshot().policies[id]
	if !ok {
		return nil, &NotFoundError{Entity: "policy", ID: id}
	}
	return p.clone(), nil
}

// List returns policies ordered by id, plus the total.
func (pe *PolicyEngine) List(_ context.Context, activeOnly bool, page Page) ([]*SecurityPolicy, int) {
	s := pe.e.snapshot()
	var matched []*SecurityPolicy
	for _, id := range s.policyOrder {
		if p := s.policies[id]; !activeOnly || p.Active {
			matched = append(matched, p)
		}
	}
	start, end := page.bounds(len(matched))
	out := make([]*SecurityPolicy, 0, end-start)
	for _, p := range matched[start:end] {
		out = append(out, p.clone())
	}
	return out, len(matched)
}

// Evaluate runs every applicable policy for principal and code.
func (pe *PolicyEngine) Evaluate(_ context.Context, principal Principal, code string, ac AccessContext) (*PolicyEvaluation, error) {
	if err := principal.validate(); err != nil {
		return nil, err
	}
	s := pe.e.snapshot()
	at := pe.e.resolveTime(ac)
	ec := pe.e.evalContext(principal, code, &ac, at, activeRoleCodes(s, principal, at))
	return pe.e.evaluatePolicies(s, ec), nil
}

// Simulate evaluates a policy that is not stored, against the current catalog.
func (pe *PolicyEngine) Simulate(_ context.Context, p *SecurityPolicy, principal Principal, code string, ac AccessContext) (*PolicyOutcome, error) {
	in, err := pe.prepare(p)
	if err != nil {
		return nil, err
	}
	if err := principal.validate(); err != nil {
		return nil, err
	}
	s := pe.e.snapshot()
	at := pe.e.resolveTime(ac)
	out := in.evaluate(pe.e.evalContext(principal, code, &ac, at, activeRoleCodes(s, principal, at)))
	return &out, nil
}

func (e *Engine) evaluatePolicies(s *state, ec *EvalContext) *PolicyEvaluation {
	var outcomes []PolicyOutcome
	for _, id := range s.policyOrder {
		p := s.policies[id]
		if !p.appliesTo(ec.Principal, ec.Permission, ec.Now) {
			continue
		}
		outcomes = append(outcomes, p.evaluate(ec))
	}
	return combineOutcomes(outcomes)
}

func (e *Engine) evalContext(principal Principal, code string, ac *AccessContext, at time.Time, roles []string) *EvalContext {
	return &EvalContext{Principal: principal, Permission: code, Roles: roles, Access: ac, Now: at, Hours: e.clock}
}

// activeRoleCodes lists the role codes held through assignments valid at t.
func activeRoleCodes(s *state, principal Principal, t time.Time) []string {
	var out []string
	for _, a := range s.ledger.forPrincipal(principal) {
		if a.Status == StatusActif && a.ValidAt(t) {
			out = append(out, a.RoleCode)
		}
	}
	return slices.Compact(out)
}
