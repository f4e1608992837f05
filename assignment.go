package rbac

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ASSIGNMENT STATE MACHINE
// ============================================================================

// AssignmentStatus is the lifecycle state of a role assignment.
type AssignmentStatus string

const (
	StatusEnAttente AssignmentStatus = "en_attente"
	StatusActif     AssignmentStatus = "actif"
	StatusSuspendu  AssignmentStatus = "suspendu"
	StatusExpire    AssignmentStatus = "expire"
	StatusRevoque   AssignmentStatus = "revoque"
)

// Terminal reports whether no further transition is possible.
func (s AssignmentStatus) Terminal() bool {
	return s == StatusExpire || s == StatusRevoque
}

func (s AssignmentStatus) valid() bool {
	switch s {
	case StatusEnAttente, StatusActif, StatusSuspendu, StatusExpire, StatusRevoque:
		return true
	}
	return false
}

// Lifecycle events.
const (
	EventApprove    = "approve"
	EventSuspend    = "suspend"
	EventReactivate = "reactivate"
	EventExpire     = "expire"
	EventRevoke     = "revoke"
)

type transitionKey struct {
	from  AssignmentStatus
	event string
}

var transitions = map[transitionKey]AssignmentStatus{
	{StatusEnAttente, EventApprove}:   StatusActif,
	{StatusActif, EventSuspend}:       StatusSuspendu,
	{StatusSuspendu, EventReactivate}: StatusActif,
	{StatusActif, EventExpire}:        StatusExpire,
	{StatusSuspendu, EventExpire}:     StatusExpire,
	{StatusActif, EventRevoke}:        StatusRevoque,
	{StatusSuspendu, EventRevoke}:     StatusRevoque,
	{StatusEnAttente, EventRevoke}:    StatusRevoque,
}

// Transition is one entry of an assignment history.
type Transition struct {
	From  AssignmentStatus `json:"from" yaml:"from" cbor:"from"`
	To    AssignmentStatus `json:"to" yaml:"to" cbor:"to"`
	Event string           `json:"event" yaml:"event" cbor:"event"`
	Actor string           `json:"actor" yaml:"actor" cbor:"actor"`
	Motif string           `json:"motif,omitempty" yaml:"motif,omitempty" cbor:"motif,omitempty"`
	At    time.Time        `json:"at" yaml:"at" cbor:"at"`
}

// RoleAssignment binds a principal to a role for a period.
type RoleAssignment struct {
	ID               string            `json:"id" yaml:"id" cbor:"id"`
	Principal        Principal         `json:"principal" yaml:"principal" cbor:"principal"`
	RoleCode         string            `json:"role_code" yaml:"role_code" cbor:"role_code"`
	DateDebut        time.Time         `json:"date_debut" yaml:"date_debut" cbor:"date_debut"`
	DateFin          *time.Time        `json:"date_fin,omitempty" yaml:"date_fin,omitempty" cbor:"date_fin,omitempty"`
	Permanent        bool              `json:"permanent" yaml:"permanent" cbor:"permanent"`
	Status           AssignmentStatus  `json:"status" yaml:"status" cbor:"status"`
	Motif            string            `json:"motif,omitempty" yaml:"motif,omitempty" cbor:"motif,omitempty"`
	Context          map[string]string `json:"context,omitempty" yaml:"context,omitempty" cbor:"context,omitempty"`
	Restrictions     *Restrictions     `json:"restrictions,omitempty" yaml:"restrictions,omitempty" cbor:"restrictions,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty" cbor:"requires_approval,omitempty"`
	AssignedBy       string            `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty" cbor:"assigned_by,omitempty"`
	ApprovedBy       string            `json:"approved_by,omitempty" yaml:"approved_by,omitempty" cbor:"approved_by,omitempty"`
	History          []Transition      `json:"history,omitempty" yaml:"history,omitempty" cbor:"history,omitempty"`
	CreatedAt        time.Time         `json:"created_at" yaml:"created_at" cbor:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"updated_at" cbor:"updated_at"`
}

func (a *RoleAssignment) clone() *RoleAssignment {
	dup := *a
	if a.DateFin != nil {
		t := *a.DateFin
		dup.DateFin = &t
	}
	dup.Context = maps.Clone(a.Context)
	dup.Restrictions = a.Restrictions.clone()
	dup.History = slices.Clone(a.History)
	return &dup
}

// ValidAt reports whether t falls inside [DateDebut, DateFin).
func (a *RoleAssignment) ValidAt(t time.Time) bool {
	if t.Before(a.DateDebut) {
		return false
	}
	if a.Permanent || a.DateFin == nil {
		return true
	}
	return t.Before(*a.DateFin)
}

// expiredAt reports whether the end date has passed.
func (a *RoleAssignment) expiredAt(t time.Time) bool {
	return !a.Permanent && a.DateFin != nil && !t.Before(*a.DateFin)
}

func (a *RoleAssignment) validateDates() error {
	if a.Permanent && a.DateFin != nil {
		return &ValidationError{Field: "date_fin", Message: "permanent assignment cannot have an end date"}
	}
	if a.DateFin != nil && !a.DateFin.After(a.DateDebut) {
		return &ValidationError{Field: "date_fin", Message: "date_fin must be after date_debut"}
	}
	return nil
}

// transition applies event and appends the history record.
func (a *RoleAssignment) transition(event, actor, motif string, at time.Time) error {
	to, ok := transitions[transitionKey{a.Status, event}]
	if !ok {
		return &StateError{AssignmentID: a.ID, From: a.Status, Event: event}
	}
	if event == EventReactivate && a.expiredAt(at) {
		return &StateError{AssignmentID: a.ID, From: a.Status, Event: event}
	}
	a.History = append(a.History, Transition{From: a.Status, To: to, Event: event, Actor: actor, Motif: motif, At: at})
	a.Status = to
	if motif != "" {
		a.Motif = motif
	}
	a.UpdatedAt = at
	return nil
}

// ============================================================================
// LEDGER STATE
// ============================================================================

// ledgerState indexes assignments by id and by principal key.
type ledgerState struct {
	byID        map[string]*RoleAssignment
	byPrincipal map[string][]string
}

func newLedgerState() *ledgerState {
	return &ledgerState{byID: make(map[string]*RoleAssignment), byPrincipal: make(map[string][]string)}
}

// clone copies the indexes; per-principal id slices are copied on write.
func (l *ledgerState) clone() *ledgerState {
	return &ledgerState{byID: maps.Clone(l.byID), byPrincipal: maps.Clone(l.byPrincipal)}
}

func (l *ledgerState) put(a *RoleAssignment) {
	key := a.Principal.Key()
	if _, exists := l.byID[a.ID]; !exists {
		ids := append(slices.Clone(l.byPrincipal[key]), a.ID)
		sort.Strings(ids)
		l.byPrincipal[key] = ids
	}
	l.byID[a.ID] = a
}

// forPrincipal returns the principal's assignments sorted by role code then id.
func (l *ledgerState) forPrincipal(p Principal) []*RoleAssignment {
	ids := l.byPrincipal[p.Key()]
	out := make([]*RoleAssignment, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleCode != out[j].RoleCode {
			return out[i].RoleCode < out[j].RoleCode
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *ledgerState) liveForPrincipal(p Principal) int {
	n := 0
	for _, a := range l.forPrincipal(p) {
		if !a.Status.Terminal() {
			n++
		}
	}
	return n
}

func (l *ledgerState) liveForRole(code string) int {
	n := 0
	for _, a := range l.byID {
		if a.RoleCode == code && !a.Status.Terminal() {
			n++
		}
	}
	return n
}

func (l *ledgerState) sorted() []*RoleAssignment {
	out := make([]*RoleAssignment, 0, len(l.byID))
	for _, a := range l.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// LEDGER OPERATIONS
// ============================================================================

// AssignRequest describes a new assignment.
type AssignRequest struct {
	Principal        Principal         `json:"principal" yaml:"principal"`
	RoleCode         string            `json:"role_code" yaml:"role_code" validate:"required"`
	DateDebut        time.Time         `json:"date_debut,omitempty" yaml:"date_debut,omitempty"`
	DateFin          *time.Time        `json:"date_fin,omitempty" yaml:"date_fin,omitempty"`
	Permanent        bool              `json:"permanent,omitempty" yaml:"permanent,omitempty"`
	Motif            string            `json:"motif,omitempty" yaml:"motif,omitempty" validate:"max=500"`
	Context          map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
	Restrictions     *Restrictions     `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
}

// AssignmentUpdate changes the mutable attributes of a live assignment.
// Nil fields are left unchanged.
type AssignmentUpdate struct {
	DateFin      *time.Time
	ClearDateFin bool
	Context      map[string]string
	Restrictions *Restrictions
}

// AssignmentFilter narrows List results.
type AssignmentFilter struct {
	Principal *Principal
	RoleCode  string
	Status    AssignmentStatus
}

func (f AssignmentFilter) match(a *RoleAssignment) bool {
	switch {
	case f.Principal != nil && a.Principal != *f.Principal:
		return false
	case f.RoleCode != "" && a.RoleCode != f.RoleCode:
		return false
	case f.Status != "" && a.Status != f.Status:
		return false
	}
	return true
}

// AssignmentLedger owns role assignments and their lifecycle.
type AssignmentLedger struct {
	e *Engine
}

// Assignments returns the ledger view of the engine.
func (e *Engine) Assignments() *AssignmentLedger { return &AssignmentLedger{e: e} }

// Assign creates an assignment, active immediately unless approval is required.
func (l *AssignmentLedger) Assign(ctx context.Context, req AssignRequest) (*RoleAssignment, error) {
	if err := req.Principal.validate(); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := req.Restrictions.validate(); err != nil {
		return nil, err
	}
	now := l.e.now()
	actor := ActorFromContext(ctx)
	a := &RoleAssignment{
		ID:               uuid.NewString(),
		Principal:        req.Principal,
		RoleCode:         strings.TrimSpace(req.RoleCode),
		DateDebut:        req.DateDebut,
		Permanent:        req.Permanent,
		Status:           StatusActif,
		Motif:            req.Motif,
		Context:          maps.Clone(req.Context),
		Restrictions:     req.Restrictions.clone(),
		RequiresApproval: req.RequiresApproval || l.e.cfg.RequireApproval,
		AssignedBy:       actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.DateFin != nil {
		t := *req.DateFin
		a.DateFin = &t
	}
	if a.DateDebut.IsZero() {
		a.DateDebut = now
	}
	if err := a.validateDates(); err != nil {
		return nil, err
	}
	if a.RequiresApproval {
		a.Status = StatusEnAttente
	}
	a.History = []Transition{{To: a.Status, Event: "assign", Actor: actor, Motif: req.Motif, At: now}}

	unlock := l.e.principalLocks.Lock(a.Principal.Key())
	defer unlock()
	err := l.e.mutate(ctx, mutation{
		op: "assignment.create",
		apply: func(next *state) (*Batch, error) {
			role, ok := next.roles.get(a.RoleCode)
			if !ok {
				return nil, &NotFoundError{Entity: "role", ID: a.RoleCode}
			}
			if !role.Active {
				return nil, &ConflictError{Entity: "role", ID: a.RoleCode, Reason: "role is inactive"}
			}
			if limit := l.e.cfg.RolesParUtilisateurMax; limit > 0 {
				if got := next.ledger.liveForPrincipal(a.Principal) + 1; got > limit {
					return nil, &LimitExceededError{Limit: "roles_par_utilisateur_max", Max: limit, Got: got}
				}
			}
			for _, other := range next.ledger.forPrincipal(a.Principal) {
				if other.RoleCode == a.RoleCode && !other.Status.Terminal() {
					return nil, &ConflictError{Entity: "assignment", ID: other.ID, Reason: "role already assigned to " + a.Principal.Key()}
				}
			}
			next.ledger.put(a)
			b := &Batch{}
			b.put(EntityAssignment, a.ID, a, nil)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			entry := mutationEntry("assignment.create", "assignment", a.ID, nil, a)
			entry.Principal = a.Principal.Key()
			entry.Metadata = map[string]string{"role": a.RoleCode}
			return []AuditEntry{entry}
		},
	})
	if err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// Update changes the end date, context or restrictions of a live assignment.
func (l *AssignmentLedger) Update(ctx context.Context, id string, upd AssignmentUpdate) (*RoleAssignment, error) {
	if err := upd.Restrictions.validate(); err != nil {
		return nil, err
	}
	now := l.e.now()
	return l.edit(ctx, "assignment.update", id, func(a *RoleAssignment) error {
		if a.Status.Terminal() {
			return &StateError{AssignmentID: a.ID, From: a.Status, Event: "update"}
		}
		if upd.ClearDateFin {
			a.DateFin = nil
		} else if upd.DateFin != nil {
			t := *upd.DateFin
			a.DateFin = &t
			a.Permanent = false
		}
		if upd.Context != nil {
			a.Context = maps.Clone(upd.Context)
		}
		if upd.Restrictions != nil {
			a.Restrictions = upd.Restrictions.clone()
		}
		a.UpdatedAt = now
		return a.validateDates()
	})
}

// Approve activates a pending assignment.
func (l *AssignmentLedger) Approve(ctx context.Context, id string) (*RoleAssignment, error) {
	actor := ActorFromContext(ctx)
	return l.fire(ctx, id, EventApprove, "", func(a *RoleAssignment) { a.ApprovedBy = actor })
}

// Suspend pauses an active assignment. Its role grants nothing until reactivated.
func (l *AssignmentLedger) Suspend(ctx context.Context, id, motif string) (*RoleAssignment, error) {
	return l.fire(ctx, id, EventSuspend, motif, nil)
}

// Reactivate resumes a suspended assignment whose end date has not passed.
func (l *AssignmentLedger) Reactivate(ctx context.Context, id, motif string) (*RoleAssignment, error) {
	return l.fire(ctx, id, EventReactivate, motif, nil)
}

// Revoke ends an assignment for good.
func (l *AssignmentLedger) Revoke(ctx context.Context, id, motif string) (*RoleAssignment, error) {
	return l.fire(ctx, id, EventRevoke, motif, nil)
}

func (l *AssignmentLedger) fire(ctx context.Context, id, event, motif string, after func(*RoleAssignment)) (*RoleAssignment, error) {
	now := l.e.now()
	actor := ActorFromContext(ctx)
	return l.edit(ctx, "assignment."+event, id, func(a *RoleAssignment) error {
		if err := a.transition(event, actor, motif, now); err != nil {
			return err
		}
		if after != nil {
			after(a)
		}
		return nil
	})
}

// edit serializes on the owning principal and replaces the assignment with fn's result.
func (l *AssignmentLedger) edit(ctx context.Context, op, id string, fn func(*RoleAssignment) error) (*RoleAssignment, error) {
	cur, ok := l.e.snapshot().ledger.byID[id]
	if !ok {
		return nil, &NotFoundError{Entity: "assignment", ID: id}
	}
	unlock := l.e.principalLocks.Lock(cur.Principal.Key())
	defer unlock()

	var before, after *RoleAssignment
	err := l.e.mutate(ctx, mutation{
		op: op,
		apply: func(next *state) (*Batch, error) {
			old, ok := next.ledger.byID[id]
			if !ok {
				return nil, &NotFoundError{Entity: "assignment", ID: id}
			}
			updated := old.clone()
			if err := fn(updated); err != nil {
				return nil, err
			}
			before, after = old, updated
			next.ledger.put(updated)
			b := &Batch{}
			b.put(EntityAssignment, id, updated, old)
			return b, nil
		},
		audit: func(*Batch) []AuditEntry {
			entry := mutationEntry(op, "assignment", id, before, after)
			entry.Principal = after.Principal.Key()
			entry.Reason = after.Motif
			entry.Metadata = map[string]string{"role": after.RoleCode, "status": string(after.Status)}
			return []AuditEntry{entry}
		},
	})
	if err != nil {
		return nil, err
	}
	return after.clone(), nil
}

// Get returns a copy of one assignment.
func (l *AssignmentLedger) Get(_ context.Context, id string) (*RoleAssignment, error) {
	a, ok := l.e.snapshot().ledger.byID[id]
	if !ok {
		return nil, &NotFoundError{Entity: "assignment", ID: id}
	}
	return a.clone(), nil
}

// List returns matching assignments ordered by id, plus the total.
func (l *AssignmentLedger) List(_ context.Context, filter AssignmentFilter, page Page) ([]*RoleAssignment, int) {
	s := l.e.snapshot()
	var all []*RoleAssignment
	if filter.Principal != nil {
		all = s.ledger.forPrincipal(*filter.Principal)
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	} else {
		all = s.ledger.sorted()
	}
	var matched []*RoleAssignment
	for _, a := range all {
		if filter.match(a) {
			matched = append(matched, a)
		}
	}
	start, end := page.bounds(len(matched))
	out := make([]*RoleAssignment, 0, end-start)
	for _, a := range matched[start:end] {
		out = append(out, a.clone())
	}
	return out, len(matched)
}

// ExpiringWithin lists live assignments whose end date falls in [now, now+horizon).
func (l *AssignmentLedger) ExpiringWithin(_ context.Context, horizon time.Duration) []*RoleAssignment {
	now := l.e.now()
	var out []*RoleAssignment
	for _, a := range l.e.snapshot().ledger.sorted() {
		if a.Status.Terminal() || a.Permanent || a.DateFin == nil {
			continue
		}
		if !a.DateFin.Before(now) && a.DateFin.Before(now.Add(horizon)) {
			out = append(out, a.clone())
		}
	}
	return out
}

// SweepExpired moves every active or suspended assignment whose end date has
// passed to expire. Running it twice is harmless. It returns the number expired.
func (l *AssignmentLedger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var due []*RoleAssignment
	for _, a := range l.e.snapshot().ledger.sorted() {
		if (a.Status == StatusActif || a.Status == StatusSuspendu) && a.expiredAt(now) {
			due = append(due, a)
		}
	}
	n := 0
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := l.edit(ctx, "assignment.expire", a.ID, func(cur *RoleAssignment) error {
			if cur.Status.Terminal() {
				return errAlreadySettled
			}
			return cur.transition(EventExpire, "sweeper", "date_fin reached", now)
		})
		switch {
		case err == nil:
			n++
		case err == errAlreadySettled, IsNotFoundError(err):
		default:
			return n, fmt.Errorf("sweep %s: %w", a.ID, err)
		}
	}
	if n > 0 {
		l.e.logger.Info("expired assignments swept", "count", n)
	}
	return n, nil
}

var errAlreadySettled = &StateError{Event: EventExpire}
