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
// ROLES
// ============================================================================

// Role is a named bundle of permissions with an optional parent.
type Role struct {
	Code           string        `json:"code" yaml:"code" cbor:"code" validate:"required,max=120,printascii"`
	Name           string        `json:"name" yaml:"name" cbor:"name" validate:"max=200"`
	Description    string        `json:"description,omitempty" yaml:"description,omitempty" cbor:"description,omitempty"`
	Level          int           `json:"level" yaml:"level" cbor:"level" validate:"min=1,max=10"`
	Parent         string        `json:"parent,omitempty" yaml:"parent,omitempty" cbor:"parent,omitempty"`
	Permissions    []string      `json:"permissions,omitempty" yaml:"permissions,omitempty" cbor:"permissions,omitempty"`
	MFARequired    bool          `json:"mfa_required,omitempty" yaml:"mfa_required,omitempty" cbor:"mfa_required,omitempty"`
	SessionTimeout time.Duration `json:"session_timeout,omitempty" yaml:"session_timeout,omitempty" cbor:"session_timeout,omitempty" validate:"min=0"`
	MaxPermissions int           `json:"max_permissions,omitempty" yaml:"max_permissions,omitempty" cbor:"max_permissions,omitempty" validate:"min=0"`
	Active         bool          `json:"active" yaml:"active" cbor:"active"`
	Modifiable     bool          `json:"modifiable" yaml:"modifiable" cbor:"modifiable"`
	System         bool          `json:"system,omitempty" yaml:"system,omitempty" cbor:"system,omitempty"`
	CreatedAt      time.Time     `json:"created_at" yaml:"created_at,omitempty" cbor:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" yaml:"updated_at,omitempty" cbor:"updated_at"`
}

func (r *Role) clone() *Role {
	dup := *r
	dup.Permissions = slices.Clone(r.Permissions)
	return &dup
}

func (r *Role) normalize() {
	r.Code = strings.TrimSpace(r.Code)
	r.Parent = strings.TrimSpace(r.Parent)
	if r.Level == 0 {
		r.Level = 1
	}
	if r.Name == "" {
		r.Name = r.Code
	}
	r.Permissions = normalizeCodes(r.Permissions)
}

// locked reports whether structural edits are refused.
func (r *Role) locked() bool { return r.System || !r.Modifiable }

// RoleFilter narrows List results.
type RoleFilter struct {
	Parent     string
	Permission string
	Active     *bool
	System     *bool
}

func (f RoleFilter) match(r *Role) bool {
	switch {
	case f.Parent != "" && r.Parent != f.Parent:
		return false
	case f.Permission != "" && !slices.Contains(r.Permissions, f.Permission):
		return false
	case f.Active != nil && r.Active != *f.Active:
		return false
	case f.System != nil && r.System != *f.System:
		return false
	}
	return true
}

// ============================================================================
// ROLE ARENA
// ============================================================================

type roleNode struct {
	role   *Role
	parent int // -1 for roots
	alive  bool
}

// roleArena stores roles in a slice so the hierarchy is plain integer
// parent pointers. Deleted slots are tombstoned, never reused.
type roleArena struct {
	nodes []roleNode
	index map[string]int
}

func newRoleArena() *roleArena {
	return &roleArena{index: make(map[string]int)}
}

func (a *roleArena) clone() *roleArena {
	out := &roleArena{
		nodes: make([]roleNode, len(a.nodes)),
		index: make(map[string]int, len(a.index)),
	}
	copy(out.nodes, a.nodes)
	for k, v := range a.index {
		out.index[k] = v
	}
	return out
}

func (a *roleArena) lookup(code string) (int, bool) {
	idx, ok := a.index[code]
	return idx, ok
}

func (a *roleArena) get(code string) (*Role, bool) {
	idx, ok := a.index[code]
	if !ok {
		return nil, false
	}
	return a.nodes[idx].role, true
}

func (a *roleArena) add(r *Role) int {
	idx := len(a.nodes)
	parent := -1
	if p, ok := a.index[r.Parent]; ok && r.Parent != "" {
		parent = p
	}
	a.nodes = append(a.nodes, roleNode{role: r, parent: parent, alive: true})
	a.index[r.Code] = idx
	return idx
}

// replace swaps the role stored at idx and re-resolves its parent pointer.
func (a *roleArena) replace(idx int, r *Role) {
	parent := -1
	if p, ok := a.index[r.Parent]; ok && r.Parent != "" {
		parent = p
	}
	a.nodes[idx] = roleNode{role: r, parent: parent, alive: true}
}

func (a *roleArena) remove(idx int) {
	delete(a.index, a.nodes[idx].role.Code)
	a.nodes[idx].alive = false
}

// relink resolves every parent pointer from role codes, used after bulk loads
// where a child may be added before its parent.
func (a *roleArena) relink() {
	for i := range a.nodes {
		if !a.nodes[i].alive {
			continue
		}
		a.nodes[i].parent = -1
		if p := a.nodes[i].role.Parent; p != "" {
			if pi, ok := a.index[p]; ok {
				a.nodes[i].parent = pi
			}
		}
	}
}

// liveIndices returns the live slots ordered by role code.
func (a *roleArena) liveIndices() []int {
	out := make([]int, 0, len(a.index))
	for _, idx := range a.index {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return a.nodes[out[i]].role.Code < a.nodes[out[j]].role.Code })
	return out
}

func (a *roleArena) children(idx int) []int {
	var out []int
	for _, i := range a.liveIndices() {
		if a.nodes[i].parent == idx {
			out = append(out, i)
		}
	}
	return out
}

// createsCycle walks from the proposed parent to the root; meeting child means a cycle.
func (a *roleArena) createsCycle(child, parent int) bool {
	steps := 0
	for cur := parent; cur >= 0; cur = a.nodes[cur].parent {
		if cur == child {
			return true
		}
		if steps++; steps > len(a.nodes) {
			return true
		}
	}
	return false
}

// depth counts the roles from idx up to its root, idx included.
func (a *roleArena) depth(idx int) int {
	d := 0
	for cur := idx; cur >= 0 && d <= len(a.nodes); cur = a.nodes[cur].parent {
		d++
	}
	return d
}

// height counts the roles on the longest downward path from idx, idx included.
func (a *roleArena) height(idx int) int {
	best := 0
	for _, c := range a.children(idx) {
		if h := a.height(c); h > best {
			best = h
		}
	}
	return best + 1
}

// descendants lists every role below idx, depth first.
func (a *roleArena) descendants(idx int) []int {
	var out []int
	stack := a.children(idx)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		stack = append(stack, a.children(cur)...)
	}
	return out
}

// ancestors lists idx followed by its parents, at most limit entries.
func (a *roleArena) ancestors(idx, limit int) []int {
	var out []int
	for cur := idx; cur >= 0 && len(out) < limit; cur = a.nodes[cur].parent {
		out = append(out, cur)
	}
	return out
}

// ============================================================================
// ROLE STORE
// ============================================================================

// RoleStore owns role definitions and the hierarchy.
type RoleStore struct {
	e *Engine
}

// Roles returns the role store view of the engine.
func (e *Engine) Roles() *RoleStore { return &RoleStore{e: e} }

func (e *Engine) permissionLimit(r *Role) int {
	if r.MaxPermissions > 0 {
		return r.MaxPermissions
	}
	return e.cfg.PermissionsParRoleMax
}

// checkRolePermissions verifies references, pairwise conflicts and the size limit.
func (e *Engine) checkRolePermissions(s *state, r *Role) error {
	if limit := e.permissionLimit(r); limit > 0 && len(r.Permissions) > limit {
		return &LimitExceededError{Limit: "permissions_par_role_max", Max: limit, Got: len(r.Permissions)}
	}
	for _, code := range r.Permissions {
		p, ok := s.permissions[code]
		if !ok {
			return &NotFoundError{Entity: "permission", ID: code}
		}
		for _, cf := range p.Conflicts {
			if slices.Contains(r.Permissions, cf) {
				return &ConflictError{Entity: "role", ID: r.Code, Reason: fmt.Sprintf("permissions %s and %s conflict", code, cf)}
			}
		}
	}
	return nil
}

// lineagePermissions collects the direct codes of the role at idx and of the
// ancestors it inherits from, regardless of their active flag.
func (e *Engine) lineagePermissions(s *state, idx int) []string {
	chain := []int{idx}
	if e.cfg.HeritagePermissions {
		limit := e.cfg.HierarchyDepthMax
		if limit <= 0 {
			limit = len(s.roles.nodes)
		}
		chain = s.roles.ancestors(idx, limit)
	}
	var out []string
	for _, i := range chain {
		out = append(out, s.roles.nodes[i].role.Permissions...)
	}
	return normalizeCodes(out)
}

// checkLineageConflicts rejects a hierarchy where the role at idx, or any role
// inheriting from it, ends up holding two conflicting permissions.
func (e *Engine) checkLineageConflicts(s *state, idx int) error {
	for _, i := range append([]int{idx}, s.roles.descendants(idx)...) {
		codes := e.lineagePermissions(s, i)
		for _, code := range codes {
			p, ok := s.permissions[code]
			if !ok {
				continue
			}
			for _, cf := range p.Conflicts {
				if slices.Contains(codes, cf) {
					return &ConflictError{Entity: "role", ID: s.roles.nodes[i].role.Code, Reason: fmt.Sprintf("permissions %s and %s conflict", code, cf)}
				}
			}
		}
	}
	return nil
}

// checkParent validates a parent link for the role at idx (or a new role when idx < 0).
func (e *Engine) checkParent(s *state, code string, idx int, parent string) (int, error) {
	if parent == "" {
		return -1, nil
	}
	if parent == code {
		return -1, &ConflictError{Entity: "role", ID: code, Reason: "role cannot be its own parent"}
	}
	pidx, ok := s.roles.lookup(parent)
	if !ok {
		return -1, &NotFoundError{Entity: "role", ID: parent}
	}
	height := 1
	if idx >= 0 {
		if s.roles.createsCycle(idx, pidx) {
			return -1, &ConflictError{Entity: "role", ID: code, Reason: fmt.Sprintf("parent %s would create a cycle", parent)}
		}
		height = s.roles.height(idx)
	}
	if limit := e.cfg.HierarchyDepthMax; limit > 0 {
		if got := s.roles.depth(pidx) + height; got > limit {
			return -1, &LimitExceededError{Limit: "hierarchy_depth_max", Max: limit, Got: got}
		}
	}
	return pidx, nil
}

func (e *Engine) warnLevel(s *state, r *Role) {
	if r.Parent == "" {
		return
	}
	if p, ok := s.roles.get(r.Parent); ok && r.Level > p.Level {
		e.logger.Warn("role level above parent level", "role", r.Code, "level", r.Level, "parent", p.Code, "parent_level", p.Level)
	}
}

// Create registers a role. System roles are never modifiable.
func (rs *RoleStore) Create(ctx context.Context, r *Role) error {
	if r == nil {
		return &ValidationError{Field: "role", Message: "role is required"}
	}
	in := r.clone()
	in.normalize()
	if err := validateStruct(in); err != nil {
		return err
	}
	now := rs.e.now()
	in.Active = true
	in.Modifiable = !in.System
	in.CreatedAt, in.UpdatedAt = now, now

	unlock := rs.e.lockStructure()
	defer unlock()
	return rs.e.mutate(ctx, mutation{
		op: "role.create",
		apply: func(next *state) (*Batch, error) {
			if _, exists := next.roles.lookup(in.Code); exists {
				return nil, &ConflictError{Entity: "role", ID: in.Code, Reason: "duplicate code"}
			}
			if _, err := rs.e.checkParent(next, in.Code, -1, in.Parent); err != nil {
				return nil, err
			}
			if err := rs.e.checkRolePermissions(next, in); err != nil {
				return nil, err
			}
			if err := rs.e.checkLineageConflicts(next, next.roles.add(in)); err != nil {
				return nil, err
			}
			b := &Batch{}
			b.put(EntityRole, in.Code, in, nil)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			rs.e.warnLevel(rs.e.snapshot(), in)
			return []AuditEntry{mutationEntry("role.create", "role", in.Code, nil, in)}
		},
	})
}

// Update replaces descriptive fields and the direct permission set.
// Parent, flags and timestamps are kept; use SetParent and SetActive.
func (rs *RoleStore) Update(ctx context.Context, r *Role) error {
	if r == nil {
		return &ValidationError{Field: "role", Message: "role is required"}
	}
	in := r.clone()
	in.normalize()
	if err := validateStruct(in); err != nil {
		return err
	}
	now := rs.e.now()
	unlock := rs.e.lockStructure()
	defer unlock()
	var changed *Role
	err := rs.e.editRole(ctx, "role.update", in.Code, func(next *state, old *Role) (*Role, error) {
		updated := in.clone()
		updated.Parent = old.Parent
		updated.Active, updated.Modifiable, updated.System = old.Active, old.Modifiable, old.System
		updated.CreatedAt, updated.UpdatedAt = old.CreatedAt, now
		if err := rs.e.checkRolePermissions(next, updated); err != nil {
			return nil, err
		}
		changed = updated
		return updated, nil
	})
	if err == nil && changed != nil {
		rs.e.warnLevel(rs.e.snapshot(), changed)
	}
	return err
}

// SetActive toggles a role. Inactive roles grant nothing, directly or by inheritance.
func (rs *RoleStore) SetActive(ctx context.Context, code string, active bool) error {
	now := rs.e.now()
	unlock := rs.e.lockStructure()
	defer unlock()
	return rs.e.editRole(ctx, "role.toggle", code, func(_ *state, old *Role) (*Role, error) {
		if old.System {
			return nil, &ConflictError{Entity: "role", ID: code, Reason: "system role is immutable"}
		}
		updated := old.clone()
		updated.Active = active
		updated.UpdatedAt = now
		return updated, nil
	})
}

// SetParent links code under parent, or detaches it when parent is empty.
func (rs *RoleStore) SetParent(ctx context.Context, code, parent string) error {
	parent = strings.TrimSpace(parent)
	now := rs.e.now()
	unlock := rs.e.lockStructure()
	defer unlock()
	var changed *Role
	err := rs.e.editRole(ctx, "role.set_parent", code, func(next *state, old *Role) (*Role, error) {
		if old.locked() {
			return nil, &ConflictError{Entity: "role", ID: code, Reason: "role is not modifiable"}
		}
		idx, _ := next.roles.lookup(code)
		if _, err := rs.e.checkParent(next, code, idx, parent); err != nil {
			return nil, err
		}
		updated := old.clone()
		updated.Parent = parent
		updated.UpdatedAt = now
		changed = updated
		return updated, nil
	})
	if err == nil && changed != nil {
		rs.e.warnLevel(rs.e.snapshot(), changed)
	}
	return err
}

// AddPermission grants a permission code directly to a role.
func (rs *RoleStore) AddPermission(ctx context.Context, code, permission string) error {
	return rs.changePermissions(ctx, "role.permission.add", code, func(cur []string) []string {
		return normalizeCodes(append(slices.Clone(cur), permission))
	})
}

// RemovePermission drops a direct permission from a role.
func (rs *RoleStore) RemovePermission(ctx context.Context, code, permission string) error {
	return rs.changePermissions(ctx, "role.permission.remove", code, func(cur []string) []string {
		return slices.DeleteFunc(slices.Clone(cur), func(s string) bool { return s == permission })
	})
}

// SetPermissions replaces the whole direct permission set of a role.
func (rs *RoleStore) SetPermissions(ctx context.Context, code string, permissions []string) error {
	return rs.changePermissions(ctx, "role.permission.set", code, func([]string) []string {
		return normalizeCodes(permissions)
	})
}

func (rs *RoleStore) changePermissions(ctx context.Context, op, code string, fn func([]string) []string) error {
	now := rs.e.now()
	unlock := rs.e.lockStructure()
	defer unlock()
	return rs.e.editRole(ctx, op, code, func(next *state, old *Role) (*Role, error) {
		if old.locked() {
			return nil, &ConflictError{Entity: "role", ID: code, Reason: "role is not modifiable"}
		}
		updated := old.clone()
		updated.Permissions = fn(old.Permissions)
		updated.UpdatedAt = now
		if err := rs.e.checkRolePermissions(next, updated); err != nil {
			return nil, err
		}
		return updated, nil
	})
}

// editRole runs fn against the current role and persists the replacement.
func (e *Engine) editRole(ctx context.Context, op, code string, fn func(next *state, old *Role) (*Role, error)) error {
	var before *Role
	return e.mutate(ctx, mutation{
		op: op,
		apply: func(next *state) (*Batch, error) {
			idx, ok := next.roles.lookup(code)
			if !ok {
				return nil, &NotFoundError{Entity: "role", ID: code}
			}
			old := next.roles.nodes[idx].role
			if op == "role.update" && old.locked() {
				return nil, &ConflictError{Entity: "role", ID: code, Reason: "role is not modifiable"}
			}
			updated, err := fn(next, old)
			if err != nil {
				return nil, err
			}
			before = old
			next.roles.replace(idx, updated)
			if err := e.checkLineageConflicts(next, idx); err != nil {
				return nil, err
			}
			b := &Batch{}
			b.put(EntityRole, code, updated, old)
			return b, nil
		},
		audit: func(b *Batch) []AuditEntry {
			return []AuditEntry{mutationEntry(op, "role", code, before, b.Ops[0].Value)}
		},
	})
}

// Delete removes a role that has no live assignments and no children.
func (rs *RoleStore) Delete(ctx context.Context, code string) error {
	unlock := rs.e.lockStructure()
	defer unlock()
	var before *Role
	return rs.e.mutate(ctx, mutation{
		op: "role.delete",
		apply: func(next *state) (*Batch, error) {
			idx, ok := next.roles.lookup(code)
			if !ok {
				return nil, &NotFoundError{Entity: "role", ID: code}
			}
			old := next.roles.nodes[idx].role
			if old.System {
				return nil, &ConflictError{Entity: "role", ID: code, Reason: "system role is immutable"}
			}
			if n := next.ledger.liveForRole(code); n > 0 {
				return nil, &ConflictError{Entity: "role", ID: code, Reason: fmt.Sprintf("%d live assignments", n)}
			}
			if kids := next.roles.children(idx); len(kids) > 0 {
				return nil, &ConflictError{Entity: "role", ID: code, Reason: fmt.Sprintf("parent of %s", next.roles.nodes[kids[0]].role.Code)}
			}
			next.roles.remove(idx)
			before = old
			b := &Batch{}
			b.del(EntityRole, code, old)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			return []AuditEntry{mutationEntry("role.delete", "role", code, before, nil)}
		},
	})
}

// Get returns a copy of the role registered under code.
func (rs *RoleStore) Get(_ context.Context, code string) (*Role, error) {
	r, ok := rs.e.snapshot().roles.get(code)
	if !ok {
		return nil, &NotFoundError{Entity: "role", ID: code}
	}
	return r.clone(), nil
}

// List returns roles sorted by code, filtered and paginated, plus the total.
func (rs *RoleStore) List(_ context.Context, filter RoleFilter, page Page) ([]*Role, int) {
	s := rs.e.snapshot()
	var matched []*Role
	for _, idx := range s.roles.liveIndices() {
		if r := s.roles.nodes[idx].role; filter.match(r) {
			matched = append(matched, r)
		}
	}
	start, end := page.bounds(len(matched))
	out := make([]*Role, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, r.clone())
	}
	return out, len(matched)
}

// ============================================================================
// HIERARCHY INTROSPECTION
// ============================================================================

// RoleTreeNode is one role in the rendered hierarchy.
type RoleTreeNode struct {
	Code     string          `json:"code" yaml:"code"`
	Name     string          `json:"name" yaml:"name"`
	Level    int             `json:"level" yaml:"level"`
	Active   bool            `json:"active" yaml:"active"`
	Children []*RoleTreeNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// Hierarchy returns the role forest, roots and children sorted by code.
func (rs *RoleStore) Hierarchy(_ context.Context) []*RoleTreeNode {
	s := rs.e.snapshot()
	var build func(idx int) *RoleTreeNode
	build = func(idx int) *RoleTreeNode {
		r := s.roles.nodes[idx].role
		n := &RoleTreeNode{Code: r.Code, Name: r.Name, Level: r.Level, Active: r.Active}
		for _, c := range s.roles.children(idx) {
			n.Children = append(n.Children, build(c))
		}
		return n
	}
	var roots []*RoleTreeNode
	for _, idx := range s.roles.liveIndices() {
		if s.roles.nodes[idx].parent < 0 {
			roots = append(roots, build(idx))
		}
	}
	return roots
}

// EffectivePermissions returns the sorted codes a role grants, inheritance included.
func (rs *RoleStore) EffectivePermissions(_ context.Context, code string) ([]string, error) {
	s := rs.e.snapshot()
	idx, ok := s.roles.lookup(code)
	if !ok {
		return nil, &NotFoundError{Entity: "role", ID: code}
	}
	set := rs.e.rolePermissions(s, idx)
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// rolePermissions resolves the permission set of the role at idx. Inactive
// roles contribute nothing; inheritance stops at hierarchy_depth_max.
func (e *Engine) rolePermissions(s *state, idx int) map[string]struct{} {
	out := make(map[string]struct{})
	if !s.roles.nodes[idx].role.Active {
		return out
	}
	chain := []int{idx}
	if e.cfg.HeritagePermissions {
		limit := e.cfg.HierarchyDepthMax
		if limit <= 0 {
			limit = len(s.roles.nodes)
		}
		chain = s.roles.ancestors(idx, limit)
	}
	for _, i := range chain {
		r := s.roles.nodes[i].role
		if !r.Active {
			continue
		}
		for _, c := range r.Permissions {
			out[c] = struct{}{}
		}
	}
	return out
}

// PermissionMatrix maps each role to the permissions it effectively grants.
func (rs *RoleStore) PermissionMatrix(_ context.Context) map[string]map[string]bool {
	s := rs.e.snapshot()
	codes := sortedPermissions(s.permissions)
	out := make(map[string]map[string]bool)
	for _, idx := range s.roles.liveIndices() {
		set := rs.e.rolePermissions(s, idx)
		row := make(map[string]bool, len(codes))
		for _, p := range codes {
			_, ok := set[p.Code]
			row[p.Code] = ok
		}
		out[s.roles.nodes[idx].role.Code] = row
	}
	return out
}
