package rbac

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// PERMISSIONS
// ============================================================================

// PermissionType classifies what a permission lets a principal do.
type PermissionType string

const (
	TypeRead    PermissionType = "read"
	TypeWrite   PermissionType = "write"
	TypeModify  PermissionType = "modify"
	TypeDelete  PermissionType = "delete"
	TypeApprove PermissionType = "approve"
	TypeAdmin   PermissionType = "admin"
	TypeExecute PermissionType = "execute"
)

// PermissionScope is the breadth of objects a permission covers.
type PermissionScope string

const (
	ScopeGlobal       PermissionScope = "global"
	ScopeGroup        PermissionScope = "group"
	ScopeObject       PermissionScope = "object"
	ScopeUser         PermissionScope = "user"
	ScopeOrganization PermissionScope = "organization"
)

// Permission is an atomic, named capability.
type Permission struct {
	Code         string          `json:"code" yaml:"code" cbor:"code" validate:"required,max=120,printascii"`
	Name         string          `json:"name,omitempty" yaml:"name,omitempty" cbor:"name,omitempty"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty" cbor:"description,omitempty"`
	Type         PermissionType  `json:"type" yaml:"type" cbor:"type" validate:"required,oneof=read write modify delete approve admin execute"`
	Scope        PermissionScope `json:"scope" yaml:"scope" cbor:"scope" validate:"required,oneof=global group object user organization"`
	Level        int             `json:"level" yaml:"level" cbor:"level" validate:"min=1,max=5"`
	Group        string          `json:"group,omitempty" yaml:"group,omitempty" cbor:"group,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty" yaml:"dependencies,omitempty" cbor:"dependencies,omitempty"`
	Conflicts    []string        `json:"conflicts,omitempty" yaml:"conflicts,omitempty" cbor:"conflicts,omitempty"`
	Restrictions *Restrictions   `json:"restrictions,omitempty" yaml:"restrictions,omitempty" cbor:"restrictions,omitempty"`
	Active       bool            `json:"active" yaml:"active" cbor:"active"`
	CreatedAt    time.Time       `json:"created_at" yaml:"created_at,omitempty" cbor:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"updated_at,omitempty" cbor:"updated_at"`
}

func (p *Permission) clone() *Permission {
	dup := *p
	dup.Dependencies = slices.Clone(p.Dependencies)
	dup.Conflicts = slices.Clone(p.Conflicts)
	dup.Restrictions = p.Restrictions.clone()
	return &dup
}

func (p *Permission) normalize() {
	p.Code = strings.TrimSpace(p.Code)
	if p.Level == 0 {
		p.Level = 1
	}
	if p.Group == "" {
		if i := strings.IndexByte(p.Code, '.'); i > 0 {
			p.Group = p.Code[:i]
		}
	}
	p.Dependencies = normalizeCodes(p.Dependencies)
	p.Conflicts = normalizeCodes(p.Conflicts)
}

func normalizeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// PermissionFilter narrows List results. Empty fields match everything.
type PermissionFilter struct {
	Type   PermissionType
	Scope  PermissionScope
	Group  string
	Prefix string
	Active *bool
}

func (f PermissionFilter) match(p *Permission) bool {
	switch {
	case f.Type != "" && p.Type != f.Type:
		return false
	case f.Scope != "" && p.Scope != f.Scope:
		return false
	case f.Group != "" && p.Group != f.Group:
		return false
	case f.Prefix != "" && !strings.HasPrefix(p.Code, f.Prefix):
		return false
	case f.Active != nil && p.Active != *f.Active:
		return false
	}
	return true
}

// ============================================================================
// CATALOG
// ============================================================================

// PermissionCatalog owns permission definitions and their dependency/conflict graph.
type PermissionCatalog struct {
	e *Engine
}

// Permissions returns the catalog view of the engine.
func (e *Engine) Permissions() *PermissionCatalog { return &PermissionCatalog{e: e} }

// Create registers a new, active permission.
func (c *PermissionCatalog) Create(ctx context.Context, p *Permission) error {
	if p == nil {
		return &ValidationError{Field: "permission", Message: "permission is required"}
	}
	in := p.clone()
	in.normalize()
	if err := validateStruct(in); err != nil {
		return err
	}
	if err := in.Restrictions.validate(); err != nil {
		return err
	}
	now := c.e.now()
	in.Active = true
	in.CreatedAt, in.UpdatedAt = now, now

	unlock := c.e.lockStructure()
	defer unlock()
	return c.e.mutate(ctx, mutation{
		op: "permission.create",
		apply: func(next *state) (*Batch, error) {
			if _, exists := next.permissions[in.Code]; exists {
				return nil, &ConflictError{Entity: "permission", ID: in.Code, Reason: "duplicate code"}
			}
			if err := checkPermissionGraph(next.permissions, in); err != nil {
				return nil, err
			}
			next.permissions[in.Code] = in
			b := &Batch{}
			b.put(EntityPermission, in.Code, in, nil)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			return []AuditEntry{mutationEntry("permission.create", "permission", in.Code, nil, in)}
		},
	})
}

// Update replaces the definition of an existing permission. Active state and
// creation time are preserved; use SetActive to toggle.
func (c *PermissionCatalog) Update(ctx context.Context, p *Permission) error {
	if p == nil {
		return &ValidationError{Field: "permission", Message: "permission is required"}
	}
	in := p.clone()
	in.normalize()
	if err := validateStruct(in); err != nil {
		return err
	}
	if err := in.Restrictions.validate(); err != nil {
		return err
	}
	now := c.e.now()

	unlock := c.e.lockStructure()
	defer unlock()
	var before *Permission
	return c.e.mutate(ctx, mutation{
		op: "permission.update",
		apply: func(next *state) (*Batch, error) {
			old, ok := next.permissions[in.Code]
			if !ok {
				return nil, &NotFoundError{Entity: "permission", ID: in.Code}
			}
			updated := in.clone()
			updated.Active = old.Active
			updated.CreatedAt = old.CreatedAt
			updated.UpdatedAt = now
			if err := checkPermissionGraph(next.permissions, updated); err != nil {
				return nil, err
			}
			next.permissions[in.Code] = updated
			if err := c.e.checkRolesStillConsistent(next, updated); err != nil {
				return nil, err
			}
			before = old
			b := &Batch{}
			b.put(EntityPermission, in.Code, updated, old)
			return b, nil
		},
		audit: func(b *Batch) []AuditEntry {
			return []AuditEntry{mutationEntry("permission.update", "permission", in.Code, before, b.Ops[0].Value)}
		},
	})
}

// SetActive toggles a permission. Inactive permissions never grant access.
func (c *PermissionCatalog) SetActive(ctx context.Context, code string, active bool) error {
	now := c.e.now()
	unlock := c.e.lockStructure()
	defer unlock()
	var before *Permission
	return c.e.mutate(ctx, mutation{
		op: "permission.toggle",
		apply: func(next *state) (*Batch, error) {
			old, ok := next.permissions[code]
			if !ok {
				return nil, &NotFoundError{Entity: "permission", ID: code}
			}
			updated := old.clone()
			updated.Active = active
			updated.UpdatedAt = now
			before = old
			next.permissions[code] = updated
			b := &Batch{}
			b.put(EntityPermission, code, updated, old)
			return b, nil
		},
		audit: func(b *Batch) []AuditEntry {
			return []AuditEntry{mutationEntry("permission.toggle", "permission", code, before, b.Ops[0].Value)}
		},
	})
}

// Delete removes a permission. A permission still referenced by a role, another
// permission or a policy scope is rejected unless force is set, in which case
// every reference is dropped in the same commit.
func (c *PermissionCatalog) Delete(ctx context.Context, code string, force bool) error {
	now := c.e.now()
	unlock := c.e.lockStructure()
	defer unlock()
	var before *Permission
	return c.e.mutate(ctx, mutation{
		op: "permission.delete",
		apply: func(next *state) (*Batch, error) {
			old, ok := next.permissions[code]
			if !ok {
				return nil, &NotFoundError{Entity: "permission", ID: code}
			}
			refs := permissionReferences(next, code)
			if len(refs) > 0 && !force {
				return nil, &ConflictError{Entity: "permission", ID: code, Reason: "referenced by " + strings.Join(refs, ", ")}
			}
			b := &Batch{}
			for _, other := range sortedPermissions(next.permissions) {
				if other.Code == code {
					continue
				}
				if slices.Contains(other.Dependencies, code) || slices.Contains(other.Conflicts, code) {
					updated := other.clone()
					updated.Dependencies = slices.DeleteFunc(updated.Dependencies, func(s string) bool { return s == code })
					updated.Conflicts = slices.DeleteFunc(updated.Conflicts, func(s string) bool { return s == code })
					updated.UpdatedAt = now
					next.permissions[other.Code] = updated
					b.put(EntityPermission, other.Code, updated, other)
				}
			}
			for _, idx := range next.roles.liveIndices() {
				role := next.roles.nodes[idx].role
				if !slices.Contains(role.Permissions, code) {
					continue
				}
				updated := role.clone()
				updated.Permissions = slices.DeleteFunc(updated.Permissions, func(s string) bool { return s == code })
				updated.UpdatedAt = now
				next.roles.replace(idx, updated)
				b.put(EntityRole, role.Code, updated, role)
			}
			for _, id := range next.policyOrder {
				pol := next.policies[id]
				if !slices.Contains(pol.Scope.Permissions, code) {
					continue
				}
				updated := pol.clone()
				updated.Scope.Permissions = slices.DeleteFunc(updated.Scope.Permissions, func(s string) bool { return s == code })
				// An empty scope matches every code, so a policy that lost its
				// last target is switched off instead.
				if len(updated.Scope.Permissions) == 0 {
					updated.Active = false
				}
				updated.UpdatedAt = now
				next.policies[id] = updated
				b.put(EntityPolicy, id, updated, pol)
			}
			delete(next.permissions, code)
			b.del(EntityPermission, code, old)
			before = old
			return b, nil
		},
		audit: func(b *Batch) []AuditEntry {
			entries := []AuditEntry{mutationEntry("permission.delete", "permission", code, before, nil)}
			for _, op := range b.Ops {
				if op.Kind == EntityPermission && op.Key == code {
					continue
				}
				entries = append(entries, mutationEntry("permission.delete.cascade", string(op.Kind), op.Key, op.prev, op.Value))
			}
			return entries
		},
	})
}

// Get returns a copy of the permission registered under code.
func (c *PermissionCatalog) Get(_ context.Context, code string) (*Permission, error) {
	p, ok := c.e.snapshot().permissions[code]
	if !ok {
		return nil, &NotFoundError{Entity: "permission", ID: code}
	}
	return p.clone(), nil
}

// List returns permissions sorted by code, filtered and paginated, plus the
// total number of matches.
func (c *PermissionCatalog) List(_ context.Context, filter PermissionFilter, page Page) ([]*Permission, int) {
	all := sortedPermissions(c.e.snapshot().permissions)
	matched := make([]*Permission, 0, len(all))
	for _, p := range all {
		if filter.match(p) {
			matched = append(matched, p)
		}
	}
	start, end := page.bounds(len(matched))
	out := make([]*Permission, 0, end-start)
	for _, p := range matched[start:end] {
		out = append(out, p.clone())
	}
	return out, len(matched)
}

// Groups returns permission codes bucketed by group.
func (c *PermissionCatalog) Groups(_ context.Context) map[string][]string {
	out := make(map[string][]string)
	for _, p := range sortedPermissions(c.e.snapshot().permissions) {
		g := p.Group
		if g == "" {
			g = "_"
		}
		out[g] = append(out[g], p.Code)
	}
	return out
}

func sortedPermissions(m map[string]*Permission) []*Permission {
	out := make([]*Permission, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// checkPermissionGraph validates candidate against the catalog: references
// exist, no self reference, no overlap, and the dependency graph stays acyclic.
func checkPermissionGraph(perms map[string]*Permission, candidate *Permission) error {
	for _, d := range candidate.Dependencies {
		if d == candidate.Code {
			return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: "permission cannot depend on itself"}
		}
		if _, ok := perms[d]; !ok {
			return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: fmt.Sprintf("dependency %s does not exist", d)}
		}
		if slices.Contains(candidate.Conflicts, d) {
			return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: fmt.Sprintf("%s is both a dependency and a conflict", d)}
		}
	}
	for _, cf := range candidate.Conflicts {
		if cf == candidate.Code {
			return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: "permission cannot conflict with itself"}
		}
		if _, ok := perms[cf]; !ok {
			return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: fmt.Sprintf("conflict %s does not exist", cf)}
		}
	}
	// A dependency may not itself (transitively) require something candidate conflicts with.
	closure := dependencyClosure(perms, candidate)
	for _, cf := range candidate.Conflicts {
		if closure[cf] {
			return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: fmt.Sprintf("dependency chain requires conflicting permission %s", cf)}
		}
	}
	if closure[candidate.Code] {
		return &ConflictError{Entity: "permission", ID: candidate.Code, Reason: "dependency cycle"}
	}
	return nil
}

// dependencyClosure returns every code reachable from candidate's dependencies.
func dependencyClosure(perms map[string]*Permission, candidate *Permission) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), candidate.Dependencies...)
	for len(stack) > 0 {
		code := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[code] {
			continue
		}
		seen[code] = true
		if code == candidate.Code {
			continue
		}
		if p, ok := perms[code]; ok {
			stack = append(stack, p.Dependencies...)
		}
	}
	return seen
}

// checkRolesStillConsistent rejects an update that would make a role hold two
// conflicting permissions, inherited ones included. s must already carry the
// updated permission.
func (e *Engine) checkRolesStillConsistent(s *state, updated *Permission) error {
	if len(updated.Conflicts) == 0 {
		return nil
	}
	for _, idx := range s.roles.liveIndices() {
		codes := e.lineagePermissions(s, idx)
		if !slices.Contains(codes, updated.Code) {
			continue
		}
		for _, cf := range updated.Conflicts {
			if slices.Contains(codes, cf) {
				return &ConflictError{Entity: "permission", ID: updated.Code, Reason: fmt.Sprintf("role %s holds conflicting %s", s.roles.nodes[idx].role.Code, cf)}
			}
		}
	}
	return nil
}

// permissionReferences lists who points at code.
func permissionReferences(s *state, code string) []string {
	var refs []string
	for _, p := range sortedPermissions(s.permissions) {
		if p.Code != code && (slices.Contains(p.Dependencies, code) || slices.Contains(p.Conflicts, code)) {
			refs = append(refs, "permission "+p.Code)
		}
	}
	for _, idx := range s.roles.liveIndices() {
		if r := s.roles.nodes[idx].role; slices.Contains(r.Permissions, code) {
			refs = append(refs, "role "+r.Code)
		}
	}
	for _, id := range s.policyOrder {
		if slices.Contains(s.policies[id].Scope.Permissions, code) {
			refs = append(refs, "policy "+id)
		}
	}
	return refs
}
