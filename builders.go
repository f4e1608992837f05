package rbac

import "time"

// Builders provide a fluent API for creating permissions, roles and policies

// PermissionBuilder builds a Permission
type PermissionBuilder struct {
	p *Permission
}

func NewPermissionBuilder(code string) *PermissionBuilder {
	return &PermissionBuilder{p: &Permission{Code: code, Type: TypeRead, Scope: ScopeGlobal, Level: 1, Active: true}}
}

func (b *PermissionBuilder) Name(n string) *PermissionBuilder           { b.p.Name = n; return b }
func (b *PermissionBuilder) Type(t PermissionType) *PermissionBuilder   { b.p.Type = t; return b }
func (b *PermissionBuilder) Scope(s PermissionScope) *PermissionBuilder { b.p.Scope = s; return b }
func (b *PermissionBuilder) Level(l int) *PermissionBuilder             { b.p.Level = l; return b }
func (b *PermissionBuilder) Group(g string) *PermissionBuilder          { b.p.Group = g; return b }
func (b *PermissionBuilder) DependsOn(codes ...string) *PermissionBuilder {
	b.p.Dependencies = append(b.p.Dependencies, codes...)
	return b
}
func (b *PermissionBuilder) ConflictsWith(codes ...string) *PermissionBuilder {
	b.p.Conflicts = append(b.p.Conflicts, codes...)
	return b
}
func (b *PermissionBuilder) DailyQuota(n int) *PermissionBuilder {
	b.restrictions().DailyQuota = n
	return b
}
func (b *PermissionBuilder) MonthlyQuota(n int) *PermissionBuilder {
	b.restrictions().MonthlyQuota = n
	return b
}
func (b *PermissionBuilder) Window(start, end string, days ...time.Weekday) *PermissionBuilder {
	r := b.restrictions()
	r.TimeWindows = append(r.TimeWindows, TimeWindow{Days: days, Start: start, End: end})
	return b
}
func (b *PermissionBuilder) Build() *Permission { return b.p }

func (b *PermissionBuilder) restrictions() *Restrictions {
	if b.p.Restrictions == nil {
		b.p.Restrictions = &Restrictions{}
	}
	return b.p.Restrictions
}

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(code string) *RoleBuilder {
	return &RoleBuilder{r: &Role{Code: code, Name: code, Level: 1, Active: true, Modifiable: true}}
}

func (b *RoleBuilder) Name(n string) *RoleBuilder      { b.r.Name = n; return b }
func (b *RoleBuilder) Level(l int) *RoleBuilder        { b.r.Level = l; return b }
func (b *RoleBuilder) Parent(code string) *RoleBuilder { b.r.Parent = code; return b }
func (b *RoleBuilder) Permissions(codes ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, codes...)
	return b
}
func (b *RoleBuilder) RequireMFA() *RoleBuilder                    { b.r.MFARequired = true; return b }
func (b *RoleBuilder) SessionTimeout(d time.Duration) *RoleBuilder { b.r.SessionTimeout = d; return b }
func (b *RoleBuilder) MaxPermissions(n int) *RoleBuilder           { b.r.MaxPermissions = n; return b }
func (b *RoleBuilder) System() *RoleBuilder {
	b.r.System, b.r.Modifiable = true, false
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// PolicyBuilder builds a SecurityPolicy
type PolicyBuilder struct {
	p *SecurityPolicy
}

func NewPolicyBuilder(id string) *PolicyBuilder {
	return &PolicyBuilder{p: &SecurityPolicy{ID: id, Name: id, Mode: ModeFirstMatch, Active: true}}
}

func (b *PolicyBuilder) Name(n string) *PolicyBuilder         { b.p.Name = n; return b }
func (b *PolicyBuilder) Mode(m EvaluationMode) *PolicyBuilder { b.p.Mode = m; return b }
func (b *PolicyBuilder) Rule(action Effect, priority int, condition string) *PolicyBuilder {
	b.p.Rules = append(b.p.Rules, Rule{Condition: condition, Action: action, Priority: priority})
	return b
}
func (b *PolicyBuilder) When(cond *ConditionBuilder, action Effect, priority int) *PolicyBuilder {
	return b.Rule(action, priority, cond.String())
}
func (b *PolicyBuilder) ForPermissions(patterns ...string) *PolicyBuilder {
	b.p.Scope.Permissions = append(b.p.Scope.Permissions, patterns...)
	return b
}
func (b *PolicyBuilder) ForKinds(kinds ...PrincipalKind) *PolicyBuilder {
	b.p.Scope.PrincipalKinds = append(b.p.Scope.PrincipalKinds, kinds...)
	return b
}
func (b *PolicyBuilder) ActiveBetween(from, until time.Time) *PolicyBuilder {
	b.p.ActiveFrom, b.p.ActiveUntil = &from, &until
	return b
}
func (b *PolicyBuilder) Build() *SecurityPolicy { return b.p }
